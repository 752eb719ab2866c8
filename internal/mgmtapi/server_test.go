package mgmtapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tecvoz/porteiro/internal/directory"
	"github.com/tecvoz/porteiro/internal/extension"
	"github.com/tecvoz/porteiro/internal/flow"
	"github.com/tecvoz/porteiro/internal/health"
	"github.com/tecvoz/porteiro/internal/mgmtapi"
	"github.com/tecvoz/porteiro/internal/resource"
	"github.com/tecvoz/porteiro/internal/session"
)

const callID = "aaaaaaaa-aaaa-4aaa-aaaa-aaaaaaaaaaaa"

// fakeFinalizer latches termination like the real machine.
type fakeFinalizer struct {
	mu     sync.Mutex
	reg    *session.Registry
	causes []flow.FinalizeCause
}

func (f *fakeFinalizer) Finalize(sess *session.Session, cause flow.FinalizeCause) {
	f.mu.Lock()
	f.causes = append(f.causes, cause)
	f.mu.Unlock()
	f.reg.End(sess.CallID)
}

func newServer(t *testing.T) (*mgmtapi.Server, *session.Registry, *resource.Manager, *fakeFinalizer) {
	t.Helper()
	reg := session.NewRegistry(0)
	res := resource.NewManager(resource.Limits{Transcriptions: 1, Synthesis: 1}, time.Millisecond)
	store := directory.NewMemStore()
	ext := extension.NewManager(context.Background(), store, t.TempDir(),
		func(context.Context, net.Conn, session.Role, directory.Extension, int) {})
	fin := &fakeFinalizer{reg: reg}
	srv := mgmtapi.New(reg, res, ext, store, fin, health.New(), nil)
	return srv, reg, res, fin
}

func TestStatus_ListsSessionsWithLegs(t *testing.T) {
	t.Parallel()

	srv, reg, res, _ := newServer(t)
	reg.GetOrCreate(callID)
	res.RegisterConn(callID, "visitor", resource.ConnEntry{Writer: &bytes.Buffer{}, Port: 8080})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var body struct {
		ActiveSessions []struct {
			CallID string `json:"call_id"`
			State  string `json:"state"`
			Legs   []struct {
				Role string `json:"role"`
				Port int    `json:"port"`
			} `json:"legs"`
		} `json:"active_sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.ActiveSessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(body.ActiveSessions))
	}
	s := body.ActiveSessions[0]
	if s.CallID != callID || s.State != "COLLECTING" {
		t.Errorf("session = %+v", s)
	}
	if len(s.Legs) != 1 || s.Legs[0].Role != "visitor" || s.Legs[0].Port != 8080 {
		t.Errorf("legs = %+v", s.Legs)
	}
}

func TestHangup_WritesFrameAndFinalizes(t *testing.T) {
	t.Parallel()

	srv, reg, res, fin := newServer(t)
	sess, _ := reg.GetOrCreate(callID)

	var wire bytes.Buffer
	res.RegisterConn(callID, "visitor", resource.ConnEntry{Writer: &wire, Port: 8080})

	body := bytes.NewBufferString(`{"callId": "` + callID + `", "role": "visitor"}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/hangup", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if !bytes.Equal(wire.Bytes(), []byte{0x00, 0x00, 0x00}) {
		t.Errorf("wire = %x, want the 3-byte HANGUP", wire.Bytes())
	}
	if !sess.Terminated(session.RoleVisitor) {
		t.Error("hangup must latch termination")
	}
	fin.mu.Lock()
	defer fin.mu.Unlock()
	if len(fin.causes) != 1 || fin.causes[0] != flow.CauseManagement {
		t.Errorf("finalize causes = %v", fin.causes)
	}
}

func TestHangup_Validation(t *testing.T) {
	t.Parallel()

	srv, reg, res, _ := newServer(t)
	reg.GetOrCreate(callID)
	res.RegisterConn(callID, "visitor", resource.ConnEntry{Writer: &bytes.Buffer{}})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{not json`, http.StatusBadRequest},
		{"missing role", `{"callId": "` + callID + `"}`, http.StatusBadRequest},
		{"unknown call", `{"callId": "bbbbbbbb-bbbb-4bbb-bbbb-bbbbbbbbbbbb", "role": "visitor"}`, http.StatusNotFound},
		{"leg not connected", `{"callId": "` + callID + `", "role": "resident"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/hangup", bytes.NewBufferString(tt.body)))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestRestart_UnknownExtension(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newServer(t)
	body := bytes.NewBufferString(`{"extensionId": 42}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/restart", body))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRefresh_ReturnsDiffCounts(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/refresh", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var counts map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"added", "updated", "removed"} {
		if _, ok := counts[key]; !ok {
			t.Errorf("response missing %q", key)
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", rec.Code)
	}
}
