package dialer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tecvoz/porteiro/internal/bus"
	"github.com/tecvoz/porteiro/internal/dialer"
	"github.com/tecvoz/porteiro/internal/session"
)

const callID = "aaaaaaaa-aaaa-4aaa-aaaa-aaaaaaaaaaaa"

// tracker collects orchestrator callbacks.
type tracker struct {
	mu         sync.Mutex
	dialFailed int
	busFatal   []error
}

func (tr *tracker) callbacks() dialer.Callbacks {
	return dialer.Callbacks{
		DialFailed: func(*session.Session) {
			tr.mu.Lock()
			defer tr.mu.Unlock()
			tr.dialFailed++
		},
		BusFatal: func(_ *session.Session, err error) {
			tr.mu.Lock()
			defer tr.mu.Unlock()
			tr.busFatal = append(tr.busFatal, err)
		},
	}
}

func (tr *tracker) failedCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.dialFailed
}

func (tr *tracker) fatalCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.busFatal)
}

func validatedSession(t *testing.T) (*session.Registry, *session.Session) {
	t.Helper()
	reg := session.NewRegistry(0)
	sess, _ := reg.GetOrCreate(callID)
	sess.MergeIntent(session.Intent{
		Type: "entrega", VisitorName: "Pedro",
		Apartment: "501", ResidentName: "Daniel",
		ResidentVoipNumber: "1003021",
	})
	for _, st := range []session.State{session.StateValidated, session.StateCalling} {
		if err := sess.Advance(st); err != nil {
			t.Fatalf("Advance(%s): %v", st, err)
		}
	}
	return reg, sess
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInvite_PublishesGuidVerbatim(t *testing.T) {
	t.Parallel()

	_, sess := validatedSession(t)
	pub := bus.NewRecorder()
	tr := &tracker{}

	o := dialer.New(context.Background(), pub, 1, 50*time.Millisecond)
	o.SetCallbacks(tr.callbacks())
	o.Invite(sess)

	waitFor(t, func() bool { return len(pub.Requests()) >= 1 })
	req := pub.Requests()[0]
	if req.Guid != callID {
		t.Errorf("guid = %q, must equal the call id verbatim", req.Guid)
	}
	if req.Origin != "1003021" {
		t.Errorf("origin = %q", req.Origin)
	}
}

func TestInvite_StopsRetryingOnResidentAttach(t *testing.T) {
	t.Parallel()

	_, sess := validatedSession(t)
	pub := bus.NewRecorder()
	tr := &tracker{}

	o := dialer.New(context.Background(), pub, 5, 400*time.Millisecond)
	o.SetCallbacks(tr.callbacks())
	o.Invite(sess)

	waitFor(t, func() bool { return len(pub.Requests()) == 1 })
	// Resident answers during the first attempt.
	if err := sess.Advance(session.StateCallInProgress); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	time.Sleep(time.Second)
	if got := len(pub.Requests()); got != 1 {
		t.Errorf("publishes = %d, retries after attach are forbidden", got)
	}
	if tr.failedCount() != 0 {
		t.Error("DialFailed must not fire after a successful attach")
	}
}

func TestInvite_ExactlyMaxAttemptsThenFailure(t *testing.T) {
	t.Parallel()

	_, sess := validatedSession(t)
	pub := bus.NewRecorder()
	tr := &tracker{}

	o := dialer.New(context.Background(), pub, 2, 50*time.Millisecond)
	o.SetCallbacks(tr.callbacks())
	o.Invite(sess)

	waitFor(t, func() bool { return tr.failedCount() == 1 })
	if got := len(pub.Requests()); got != 2 {
		t.Errorf("publishes = %d, want exactly maxAttempts (2)", got)
	}

	// No further attempt may be launched afterwards.
	time.Sleep(200 * time.Millisecond)
	if got := len(pub.Requests()); got != 2 {
		t.Errorf("publishes grew to %d after exhaustion", got)
	}
}

func TestInvite_BusFatalIsTerminal(t *testing.T) {
	t.Parallel()

	_, sess := validatedSession(t)
	pub := bus.NewRecorder()
	pub.Err = errors.New("connection refused")
	tr := &tracker{}

	o := dialer.New(context.Background(), pub, 3, 50*time.Millisecond)
	o.SetCallbacks(tr.callbacks())
	o.Invite(sess)

	waitFor(t, func() bool { return tr.fatalCount() == 1 })
	time.Sleep(150 * time.Millisecond)

	if tr.fatalCount() != 1 {
		t.Errorf("BusFatal fired %d times, want 1", tr.fatalCount())
	}
	if tr.failedCount() != 0 {
		t.Error("bus failure must not be reported as dial exhaustion")
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !errors.Is(tr.busFatal[0], bus.ErrBusFatal) {
		t.Errorf("callback error = %v, want ErrBusFatal", tr.busFatal[0])
	}
}

func TestInvite_AbortsOnSessionTermination(t *testing.T) {
	t.Parallel()

	reg, sess := validatedSession(t)
	pub := bus.NewRecorder()
	tr := &tracker{}

	o := dialer.New(context.Background(), pub, 10, time.Second)
	o.SetCallbacks(tr.callbacks())
	o.Invite(sess)

	waitFor(t, func() bool { return len(pub.Requests()) == 1 })
	reg.End(callID)

	time.Sleep(1500 * time.Millisecond)
	if got := len(pub.Requests()); got != 1 {
		t.Errorf("publishes = %d after termination, orchestrator must abort", got)
	}
}
