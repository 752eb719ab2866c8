// Package mgmtapi serves the management HTTP surface: session status,
// extension listing, hot reconfiguration, and targeted hangups. The API is
// unauthenticated in the current scope and is expected to be bound to a
// private interface.
package mgmtapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tecvoz/porteiro/internal/audiosocket"
	"github.com/tecvoz/porteiro/internal/directory"
	"github.com/tecvoz/porteiro/internal/extension"
	"github.com/tecvoz/porteiro/internal/flow"
	"github.com/tecvoz/porteiro/internal/health"
	"github.com/tecvoz/porteiro/internal/observe"
	"github.com/tecvoz/porteiro/internal/resource"
	"github.com/tecvoz/porteiro/internal/session"
)

// hangupRemovalDelay is how long after a management hangup the session is
// forcibly removed from the registry.
const hangupRemovalDelay = 2 * time.Second

// Finalizer is the slice of the conversation machine the API needs.
// Satisfied by [flow.Machine].
type Finalizer interface {
	Finalize(sess *session.Session, cause flow.FinalizeCause)
}

// Server wires the management endpoints over the shared components.
type Server struct {
	registry   *session.Registry
	resources  *resource.Manager
	extensions *extension.Manager
	store      directory.Store
	machine    Finalizer
	health     *health.Handler
	metrics    *observe.Metrics
}

// New creates a Server.
func New(reg *session.Registry, res *resource.Manager, ext *extension.Manager, store directory.Store, machine Finalizer, hc *health.Handler, metrics *observe.Metrics) *Server {
	return &Server{
		registry:   reg,
		resources:  res,
		extensions: ext,
		store:      store,
		machine:    machine,
		health:     hc,
		metrics:    metrics,
	}
}

// Handler returns the complete management mux, wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/extensions", s.handleExtensions)
	mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/restart", s.handleRestart)
	mux.HandleFunc("POST /api/hangup", s.handleHangup)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.health != nil {
		s.health.Register(mux)
	}

	if s.metrics != nil {
		return observe.Middleware(s.metrics)(mux)
	}
	return mux
}

// statusSession is one row of the /api/status response.
type statusSession struct {
	session.Snapshot
	Legs []statusLeg `json:"legs"`
}

type statusLeg struct {
	Role string `json:"role"`
	Port int    `json:"port"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snapshots := s.registry.List()
	out := make([]statusSession, 0, len(snapshots))
	for _, snap := range snapshots {
		row := statusSession{Snapshot: snap}
		for _, role := range []string{"visitor", "resident"} {
			if entry, ok := s.resources.Conn(snap.CallID, role); ok {
				row.Legs = append(row.Legs, statusLeg{Role: role, Port: entry.Port})
			}
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_sessions": out,
		"throttled":       s.resources.Throttled(),
	})
}

func (s *Server) handleExtensions(w http.ResponseWriter, r *http.Request) {
	pairs := s.extensions.Pairs()

	// The configured set may be wider than the running one when binds
	// failed; report both.
	configured, err := s.store.ActiveExtensions(r.Context())
	if err != nil {
		slog.Warn("extension listing: directory unavailable", "err", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running":    pairs,
		"configured": configured,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	added, updated, removed, err := s.extensions.Refresh(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"added":   added,
		"updated": updated,
		"removed": removed,
	})
}

// restartRequest addresses a pair either by numeric id or by extension
// number.
type restartRequest struct {
	ExtensionID *int   `json:"extensionId"`
	Ramal       string `json:"ramal"`
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req restartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}

	var err error
	switch {
	case req.ExtensionID != nil:
		err = s.extensions.Restart(*req.ExtensionID)
	case req.Ramal != "":
		err = s.extensions.RestartByRamal(req.Ramal)
	default:
		writeError(w, http.StatusBadRequest, "extensionId or ramal is required")
		return
	}

	if errors.Is(err, extension.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

type hangupRequest struct {
	CallID string `json:"callId"`
	Role   string `json:"role"`
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	var req hangupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if req.CallID == "" || (req.Role != "visitor" && req.Role != "resident") {
		writeError(w, http.StatusBadRequest, "callId and role (visitor|resident) are required")
		return
	}

	sess, ok := s.registry.Get(req.CallID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown call id")
		return
	}
	entry, ok := s.resources.Conn(req.CallID, req.Role)
	if !ok {
		writeError(w, http.StatusNotFound, "leg not connected")
		return
	}

	// Both the management path and the state machine converge on the same
	// termination latches; whichever completes first wins and the other is
	// a no-op.
	s.machine.Finalize(sess, flow.CauseManagement)
	if err := audiosocket.WriteHangup(entry.Writer); err != nil {
		slog.Info("management hangup write failed (leg likely closing)",
			"call_id", req.CallID, "role", req.Role, "err", err)
	}

	callID := req.CallID
	time.AfterFunc(hangupRemovalDelay, func() {
		s.registry.Complete(callID)
	})

	slog.Info("management hangup issued", "call_id", req.CallID, "role", req.Role)
	writeJSON(w, http.StatusOK, map[string]string{"status": "hangup sent"})
}

// Serve runs the management listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("management api listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
