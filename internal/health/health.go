// Package health reports the service's ability to take calls.
//
// Two endpoints are exposed:
//
//   - /healthz — liveness probe: 200 with process uptime as long as the
//     process can serve HTTP.
//   - /readyz  — readiness probe with three outcomes. Every registered
//     [Checker] is probed concurrently; a failing critical checker (the
//     click-to-call bus, without which no resident can be reached) yields
//     "fail" and 503, while a failing non-critical checker (the directory
//     database, whose outage only pauses extension change notifications
//     while bound listeners keep serving) yields "degraded" with 200 so
//     orchestrators do not pull a node that can still complete calls.
//
// Responses are JSON: a top-level "status" plus a per-check map carrying
// each probe's outcome, error, and duration.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout is the maximum time a single readiness probe may take before
// its context is cancelled.
const checkTimeout = 5 * time.Second

// Status is the aggregate readiness outcome.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFail     Status = "fail"
)

// Checker is a named dependency probe. Check must return nil when the
// dependency is healthy and respect context cancellation.
type Checker struct {
	// Name labels the probe in the JSON response (e.g. "directory", "bus").
	Name string

	// Critical marks dependencies the service cannot take calls without.
	// A failing critical probe makes the whole node not-ready; a failing
	// non-critical one only degrades it.
	Critical bool

	// Check probes the dependency.
	Check func(ctx context.Context) error
}

// probe is one checker's outcome in the response body.
type probe struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
	TookMs int64  `json:"took_ms"`
}

// Handler serves the /healthz and /readyz endpoints. Safe for concurrent
// use; the checker list is fixed at construction time.
type Handler struct {
	checkers  []Checker
	startedAt time.Time
}

// New creates a [Handler] over the given checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers:  append([]Checker(nil), checkers...),
		startedAt: time.Now(),
	}
}

// Healthz is the liveness probe: a process that can answer is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, map[string]any{
		"status":         StatusOK,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

// Readyz runs every checker concurrently and aggregates the outcome per the
// critical/non-critical rules above.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]probe, len(h.checkers))

	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(ctx)
			res := probe{Status: StatusOK, TookMs: time.Since(start).Milliseconds()}
			if err != nil {
				res.Error = err.Error()
				res.Status = StatusDegraded
				if c.Critical {
					res.Status = StatusFail
				}
			}
			results[i] = res
		}()
	}
	wg.Wait()

	overall := StatusOK
	for _, res := range results {
		switch res.Status {
		case StatusFail:
			overall = StatusFail
		case StatusDegraded:
			if overall == StatusOK {
				overall = StatusDegraded
			}
		}
	}

	checks := make(map[string]probe, len(h.checkers))
	for i, c := range h.checkers {
		checks[c.Name] = results[i]
	}

	httpStatus := http.StatusOK
	if overall == StatusFail {
		httpStatus = http.StatusServiceUnavailable
	}
	h.respond(w, httpStatus, map[string]any{
		"status": overall,
		"checks": checks,
	})
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) respond(w http.ResponseWriter, status int, body map[string]any) {
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, `{"status":"fail"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
