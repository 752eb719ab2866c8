// Package session holds the shared per-call state of a conversation and the
// process-wide registry that correlates the visitor and resident legs of a
// call under one call identifier.
//
// A Session is shared by at most two leg handlers and the conversation state
// machine. Its mutable fields are owned by the state machine (which serializes
// events per session); leg handlers only consume their own outbound queues and
// observe the termination latches. Connection handles are NOT stored here —
// the resource manager keeps weak references for targeted hangup, which breaks
// the session ↔ handler ↔ connection ownership cycle.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle stage of a conversation.
type State string

const (
	StateCollecting      State = "COLLECTING"
	StateValidated       State = "VALIDATED"
	StateCalling         State = "CALLING"
	StateCallInProgress  State = "CALL_IN_PROGRESS"
	StateWaitingResident State = "WAITING_RESIDENT"
	StateFinished        State = "FINISHED"
)

// stateOrder fixes the forward-only partial order of states.
var stateOrder = map[State]int{
	StateCollecting:      0,
	StateValidated:       1,
	StateCalling:         2,
	StateCallInProgress:  3,
	StateWaitingResident: 4,
	StateFinished:        5,
}

// Role identifies which side of the conversation produced a turn or receives
// a message.
type Role string

const (
	RoleVisitor  Role = "visitor"
	RoleResident Role = "resident"
	RoleSystem   Role = "system"
)

// Authorization is the resident's decision. It is set at most once.
type Authorization string

const (
	AuthUnset      Authorization = ""
	AuthAuthorized Authorization = "authorized"
	AuthDenied     Authorization = "denied"
)

// ErrInvariant marks state-machine invariant violations (backward state
// transitions, double authorization). They are fatal for the session.
var ErrInvariant = errors.New("session: invariant violation")

// Intent is the progressively filled visit record extracted from the
// visitor's speech. All fields may be empty until collection completes.
type Intent struct {
	Type               string
	VisitorName        string
	Apartment          string
	ResidentName       string
	ResidentVoipNumber string
}

// Complete reports whether every collection field has been filled.
func (i Intent) Complete() bool {
	return i.Type != "" && i.VisitorName != "" && i.Apartment != "" && i.ResidentName != ""
}

// Turn is one entry of the conversation history.
type Turn struct {
	Role Role
	Text string
	At   time.Time
}

// Session is the shared state of one conversation, keyed by its CallID.
type Session struct {
	CallID string

	// VisitorQueue and ResidentQueue carry outbound text for each leg.
	VisitorQueue  *Queue
	ResidentQueue *Queue

	mu            sync.Mutex
	state         State
	intent        Intent
	authorization Authorization
	history       []Turn
	createdAt     time.Time
	lastActivity  time.Time

	terminateVisitor  atomic.Bool
	terminateResident atomic.Bool

	// refs counts the leg handlers and pending outbound invites holding the
	// session alive. Managed by the Registry.
	refs atomic.Int32
}

func newSession(callID string, now time.Time) *Session {
	return &Session{
		CallID:        callID,
		VisitorQueue:  NewQueue(),
		ResidentQueue: NewQueue(),
		state:         StateCollecting,
		createdAt:     now,
		lastActivity:  now,
	}
}

// State returns the current conversation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Advance moves the session to next. Transitions must follow the forward
// partial order; the only exception is the abort path, which may jump to
// FINISHED from anywhere. A backward transition is an invariant violation.
func (s *Session) Advance(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next == s.state {
		return nil
	}
	if next != StateFinished && stateOrder[next] < stateOrder[s.state] {
		return fmt.Errorf("%w: transition %s → %s", ErrInvariant, s.state, next)
	}
	s.state = next
	return nil
}

// Intent returns a copy of the accumulated intent record.
func (s *Session) Intent() Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intent
}

// MergeIntent fills empty intent fields from upd, leaving already collected
// values untouched.
func (s *Session) MergeIntent(upd Intent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.intent.Type == "" {
		s.intent.Type = upd.Type
	}
	if s.intent.VisitorName == "" {
		s.intent.VisitorName = upd.VisitorName
	}
	if s.intent.Apartment == "" {
		s.intent.Apartment = upd.Apartment
	}
	if s.intent.ResidentName == "" {
		s.intent.ResidentName = upd.ResidentName
	}
	if s.intent.ResidentVoipNumber == "" {
		s.intent.ResidentVoipNumber = upd.ResidentVoipNumber
	}
}

// SetResidentVoip records the normalized dial target after validation.
func (s *Session) SetResidentVoip(number string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intent.ResidentVoipNumber = number
}

// Authorization returns the resident's decision, or AuthUnset.
func (s *Session) Authorization() Authorization {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorization
}

// SetAuthorization records the resident's decision. Setting it a second time
// is an invariant violation.
func (s *Session) SetAuthorization(a Authorization) error {
	if a != AuthAuthorized && a != AuthDenied {
		return fmt.Errorf("%w: authorization %q", ErrInvariant, a)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authorization != AuthUnset {
		return fmt.Errorf("%w: authorization already %s", ErrInvariant, s.authorization)
	}
	s.authorization = a
	return nil
}

// AppendHistory records one conversation turn and refreshes lastActivity.
func (s *Session) AppendHistory(role Role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.history = append(s.history, Turn{Role: role, Text: text, At: now})
	s.lastActivity = now
}

// History returns a copy of the recorded turns.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Touch refreshes the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// LastActivity returns the time of the most recent recorded activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Terminate sets the termination latch for the given role. Latches are
// set-once and never cleared.
func (s *Session) Terminate(role Role) {
	switch role {
	case RoleVisitor:
		s.terminateVisitor.Store(true)
	case RoleResident:
		s.terminateResident.Store(true)
	}
}

// TerminateBoth latches termination for both legs.
func (s *Session) TerminateBoth() {
	s.terminateVisitor.Store(true)
	s.terminateResident.Store(true)
}

// Terminated reports whether the latch for role is set.
func (s *Session) Terminated(role Role) bool {
	switch role {
	case RoleVisitor:
		return s.terminateVisitor.Load()
	case RoleResident:
		return s.terminateResident.Load()
	}
	return false
}

// Queue returns the outbound queue for role (nil for RoleSystem).
func (s *Session) Queue(role Role) *Queue {
	switch role {
	case RoleVisitor:
		return s.VisitorQueue
	case RoleResident:
		return s.ResidentQueue
	}
	return nil
}
