package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultCleanupGrace is how long after the last reference is released a
// session lingers before removal, covering the window between the final
// HANGUP write and the peer actually closing.
const DefaultCleanupGrace = time.Second

// ErrNotFound is returned when a call identifier is unknown to the registry.
var ErrNotFound = errors.New("session: not found")

// Snapshot is the management-API view of one live session.
type Snapshot struct {
	CallID        string        `json:"call_id"`
	State         State         `json:"state"`
	Authorization Authorization `json:"authorization,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	LastActivity  time.Time     `json:"last_activity"`
	Apartment     string        `json:"apartment,omitempty"`
}

// Registry is the process-wide CallID → Session map. All methods are safe for
// concurrent use; no method blocks on external I/O while holding the lock.
type Registry struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	cleanupGrace time.Duration
	onRemove     func(callID string)
}

// NewRegistry creates an empty registry. grace ≤ 0 selects
// [DefaultCleanupGrace].
func NewRegistry(grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultCleanupGrace
	}
	return &Registry{
		sessions:     make(map[string]*Session),
		cleanupGrace: grace,
	}
}

// GetOrCreate returns the session for callID, creating it on first use. The
// returned bool is true when the session was created by this call: the second
// leg of a conversation attaches to the existing session and must not replay
// the greeting. Every GetOrCreate takes a reference that the caller releases
// with [Registry.Release].
func (r *Registry) GetOrCreate(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[callID]; ok {
		s.refs.Add(1)
		return s, false
	}
	s := newSession(callID, time.Now())
	s.refs.Add(1)
	r.sessions[callID] = s
	slog.Info("session created", "call_id", callID)
	return s, true
}

// Get returns the session for callID without taking a reference.
func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// End latches termination for both legs of callID and returns immediately.
// Handlers observe the latches, drain their farewell, send HANGUP, and
// release their references; removal follows from the last Release. Ending an
// already-ended or unknown session is a no-op.
func (r *Registry) End(callID string) {
	s, ok := r.Get(callID)
	if !ok {
		return
	}
	s.TerminateBoth()
}

// Release drops one reference on callID. When the last reference goes away
// the session is removed after the cleanup grace period.
func (r *Registry) Release(callID string) {
	s, ok := r.Get(callID)
	if !ok {
		return
	}
	if s.refs.Add(-1) > 0 {
		return
	}
	// Nothing references the session anymore; make sure the latches read as
	// terminated for any late observer, then remove after the grace.
	s.TerminateBoth()
	time.AfterFunc(r.cleanupGrace, func() {
		r.remove(callID)
	})
}

// Complete removes callID immediately, regardless of outstanding references.
// It is the terminal event: concurrent completion paths (state machine
// finalization vs. management hangup) race benignly — the first removal wins
// and later calls are no-ops.
func (r *Registry) Complete(callID string) {
	r.remove(callID)
}

// SetOnRemove installs a callback fired after a session is removed, used to
// release per-call resources held elsewhere. Must be set before serving.
func (r *Registry) SetOnRemove(fn func(callID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = fn
}

func (r *Registry) remove(callID string) {
	r.mu.Lock()
	_, ok := r.sessions[callID]
	delete(r.sessions, callID)
	fn := r.onRemove
	r.mu.Unlock()
	if !ok {
		return
	}
	slog.Info("session removed", "call_id", callID)
	if fn != nil {
		fn(callID)
	}
}

// List returns a snapshot of every live session, for the management API.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Snapshot{
			CallID:        s.CallID,
			State:         s.State(),
			Authorization: s.Authorization(),
			CreatedAt:     s.CreatedAt(),
			LastActivity:  s.LastActivity(),
			Apartment:     s.Intent().Apartment,
		})
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
