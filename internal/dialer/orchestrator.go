// Package dialer orchestrates the outbound leg of a conversation: it
// publishes click-to-call requests on the telephony bus and waits for the
// resident's audio socket to attach to the session under the same call id.
//
// Each invitation runs on its own goroutine so the conversation state
// machine is never stalled by broker I/O. The orchestrator observes the
// session's termination latches and aborts promptly when the session ends
// underneath it.
package dialer

import (
	"context"
	"log/slog"
	"time"

	"github.com/tecvoz/porteiro/internal/bus"
	"github.com/tecvoz/porteiro/internal/session"
)

// pollInterval is how often the orchestrator re-checks for a resident attach
// or a termination latch while waiting out an attempt.
const pollInterval = 250 * time.Millisecond

// Callbacks are the state-machine entry points the orchestrator reports
// into. They are injected after construction to keep the dependency between
// dialer and flow one-directional.
type Callbacks struct {
	// DialFailed fires after every attempt timed out without a resident
	// connection.
	DialFailed func(sess *session.Session)

	// BusFatal fires when the broker rejects a publish. Terminal for the
	// session.
	BusFatal func(sess *session.Session, err error)
}

// Orchestrator dispatches and supervises outbound call attempts.
type Orchestrator struct {
	publisher      bus.Publisher
	maxAttempts    int
	attemptTimeout time.Duration

	ctx       context.Context
	callbacks Callbacks
}

// New creates an Orchestrator. ctx bounds every in-flight invitation; cancel
// it on shutdown to stop the supervision goroutines.
func New(ctx context.Context, publisher bus.Publisher, maxAttempts int, attemptTimeout time.Duration) *Orchestrator {
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	if attemptTimeout <= 0 {
		attemptTimeout = 10 * time.Second
	}
	return &Orchestrator{
		publisher:      publisher,
		maxAttempts:    maxAttempts,
		attemptTimeout: attemptTimeout,
		ctx:            ctx,
	}
}

// SetCallbacks wires the state-machine notifications. Must be called before
// the first Invite.
func (o *Orchestrator) SetCallbacks(cb Callbacks) {
	o.callbacks = cb
}

// Invite starts the outbound workflow for sess and returns immediately.
func (o *Orchestrator) Invite(sess *session.Session) {
	go o.run(sess)
}

func (o *Orchestrator) run(sess *session.Session) {
	origin := sess.Intent().ResidentVoipNumber
	if origin == "" {
		slog.Error("invite without a dial target", "call_id", sess.CallID)
		o.callbacks.DialFailed(sess)
		return
	}

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		if o.aborted(sess) {
			return
		}

		slog.Info("dispatching click-to-call",
			"call_id", sess.CallID, "origin", origin,
			"attempt", attempt, "max_attempts", o.maxAttempts)

		err := o.publisher.Publish(o.ctx, bus.ClickToCall{
			Guid:   sess.CallID,
			Origin: origin,
		})
		if err != nil {
			o.callbacks.BusFatal(sess, err)
			return
		}

		if o.waitForResident(sess) {
			slog.Info("resident leg connected", "call_id", sess.CallID, "attempt", attempt)
			return
		}
		slog.Warn("resident did not connect within attempt timeout",
			"call_id", sess.CallID, "attempt", attempt)
	}

	o.callbacks.DialFailed(sess)
}

// waitForResident polls until the resident leg attaches, the attempt times
// out, the session terminates, or the orchestrator shuts down.
func (o *Orchestrator) waitForResident(sess *session.Session) bool {
	deadline := time.Now().Add(o.attemptTimeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if residentAttached(sess.State()) {
			return true
		}
		if o.aborted(sess) || time.Now().After(deadline) {
			return residentAttached(sess.State())
		}
		select {
		case <-o.ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// aborted reports whether the session ended while the orchestrator was
// working on it.
func (o *Orchestrator) aborted(sess *session.Session) bool {
	if o.ctx.Err() != nil {
		return true
	}
	if sess.Terminated(session.RoleVisitor) && sess.Terminated(session.RoleResident) {
		return true
	}
	return sess.State() == session.StateFinished
}

// residentAttached reports whether st implies the resident leg has reached
// us.
func residentAttached(st session.State) bool {
	switch st {
	case session.StateCallInProgress, session.StateWaitingResident:
		return true
	}
	return false
}
