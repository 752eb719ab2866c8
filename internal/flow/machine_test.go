package flow_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/tecvoz/porteiro/internal/config"
	"github.com/tecvoz/porteiro/internal/directory"
	"github.com/tecvoz/porteiro/internal/flow"
	"github.com/tecvoz/porteiro/internal/session"
	llmmock "github.com/tecvoz/porteiro/pkg/provider/llm/mock"

	intentpkg "github.com/tecvoz/porteiro/internal/intent"
)

const callID = "aaaaaaaa-aaaa-4aaa-aaaa-aaaaaaaaaaaa"

// fakeInviter records Invite calls.
type fakeInviter struct {
	mu    sync.Mutex
	calls []*session.Session
}

func (f *fakeInviter) Invite(sess *session.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sess)
}

func (f *fakeInviter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// harness wires a machine over mocks with the scenario-A directory.
type harness struct {
	machine  *flow.Machine
	registry *session.Registry
	inviter  *fakeInviter
	llm      *llmmock.Provider
	sess     *session.Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := directory.NewMemStore()
	store.PutApartment(directory.Entry{
		Apartment:  "501",
		Residents:  []string{"Daniel dos Reis"},
		VoipNumber: "sip:1003021@pbx.local",
	})

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	reg := session.NewRegistry(0)
	inv := &fakeInviter{}
	llm := llmmock.New()
	m := flow.New(intentpkg.New(llm), store, reg, inv, cfg)

	sess, _ := reg.GetOrCreate(callID)
	return &harness{machine: m, registry: reg, inviter: inv, llm: llm, sess: sess}
}

// collectAll scripts the LLM so one visitor turn fills the whole intent.
func (h *harness) collectAll() {
	h.llm.Queue(
		llmmock.Response{Text: `{"message": "", "data": {"intent_type": "entrega"}}`},
		llmmock.Response{Text: `{"message": "", "data": {"visitor_name": "Pedro"}}`},
		llmmock.Response{Text: `{"message": "", "data": {"apartment": "501", "resident_name": "Daniel"}}`},
	)
}

func drainTexts(q *session.Queue) []string {
	var out []string
	for {
		m, ok := q.TryDequeue()
		if !ok {
			return out
		}
		out = append(out, m.Text)
	}
}

func TestHappyPath_Authorization(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	// Visitor provides everything; fuzzy validation passes; call dispatched.
	h.collectAll()
	h.machine.OnVisitorText(ctx, h.sess, "Entrega para o apartamento 501, Daniel. Meu nome é Pedro.")

	if got := h.sess.State(); got != session.StateCalling {
		t.Fatalf("state = %s, want CALLING", got)
	}
	if h.inviter.count() != 1 {
		t.Fatalf("Invite calls = %d, want 1", h.inviter.count())
	}
	if got := h.sess.Intent().ResidentVoipNumber; got != "1003021" {
		t.Errorf("resident voip = %q, want normalized digits", got)
	}

	// Resident leg attaches, then speaks: context prompt is queued.
	h.machine.OnResidentConnected(h.sess)
	if got := h.sess.State(); got != session.StateCallInProgress {
		t.Fatalf("state = %s, want CALL_IN_PROGRESS", got)
	}
	h.machine.OnResidentText(ctx, h.sess, "Alô?")
	if got := h.sess.State(); got != session.StateWaitingResident {
		t.Fatalf("state = %s, want WAITING_RESIDENT", got)
	}

	// Resident authorizes.
	h.machine.OnResidentText(ctx, h.sess, "Sim, pode deixar entrar.")

	if got := h.sess.State(); got != session.StateFinished {
		t.Errorf("state = %s, want FINISHED", got)
	}
	if got := h.sess.Authorization(); got != session.AuthAuthorized {
		t.Errorf("authorization = %q, want authorized", got)
	}
	if !h.sess.Terminated(session.RoleVisitor) || !h.sess.Terminated(session.RoleResident) {
		t.Error("finalization must latch both termination signals")
	}

	visitorMsgs := strings.Join(drainTexts(h.sess.VisitorQueue), " | ")
	if !strings.Contains(visitorMsgs, "autorizou") {
		t.Errorf("visitor should hear the authorized farewell, got %q", visitorMsgs)
	}
}

func TestDenial(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.collectAll()
	h.machine.OnVisitorText(ctx, h.sess, "Entrega para o 501, Daniel. Sou o Pedro.")
	h.machine.OnResidentConnected(h.sess)
	h.machine.OnResidentText(ctx, h.sess, "Alô")
	h.machine.OnResidentText(ctx, h.sess, "Não.")

	if got := h.sess.Authorization(); got != session.AuthDenied {
		t.Errorf("authorization = %q, want denied", got)
	}
	visitorMsgs := strings.Join(drainTexts(h.sess.VisitorQueue), " | ")
	if !strings.Contains(visitorMsgs, "não autorizou") {
		t.Errorf("visitor should hear the denied farewell, got %q", visitorMsgs)
	}
}

func TestNegativeWinsOverAffirmativeToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.collectAll()
	h.machine.OnVisitorText(ctx, h.sess, "Entrega para o 501, Daniel, sou Pedro")
	h.machine.OnResidentConnected(h.sess)
	h.machine.OnResidentText(ctx, h.sess, "Oi")
	// Contains "pode" (affirmative) and "não" (negative): must be a denial.
	h.machine.OnResidentText(ctx, h.sess, "Não pode entrar")

	if got := h.sess.Authorization(); got != session.AuthDenied {
		t.Errorf("authorization = %q, want denied", got)
	}
}

func TestResidentInquiryKeepsWaiting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.collectAll()
	h.machine.OnVisitorText(ctx, h.sess, "Entrega para o 501, Daniel, sou Pedro")
	h.machine.OnResidentConnected(h.sess)
	h.machine.OnResidentText(ctx, h.sess, "Alô")
	drainTexts(h.sess.ResidentQueue)

	h.machine.OnResidentText(ctx, h.sess, "Quem está aí?")

	if got := h.sess.State(); got != session.StateWaitingResident {
		t.Errorf("state = %s, inquiry must not leave WAITING_RESIDENT", got)
	}
	msgs := strings.Join(drainTexts(h.sess.ResidentQueue), " | ")
	if !strings.Contains(msgs, "Pedro") {
		t.Errorf("inquiry answer should name the visitor, got %q", msgs)
	}
}

func TestAmbiguousResidentReplyReasks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.collectAll()
	h.machine.OnVisitorText(ctx, h.sess, "Entrega para o 501, Daniel, sou Pedro")
	h.machine.OnResidentConnected(h.sess)
	h.machine.OnResidentText(ctx, h.sess, "Alô")
	drainTexts(h.sess.ResidentQueue)

	h.machine.OnResidentText(ctx, h.sess, "hmm deixa eu pensar")

	if got := h.sess.Authorization(); got != session.AuthUnset {
		t.Errorf("authorization = %q, want unset", got)
	}
	msgs := strings.Join(drainTexts(h.sess.ResidentQueue), " | ")
	if !strings.Contains(msgs, "SIM") {
		t.Errorf("ambiguous reply should trigger a re-ask, got %q", msgs)
	}
}

func TestFuzzyMismatchStaysCollecting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.llm.Queue(
		llmmock.Response{Text: `{"message": "", "data": {"intent_type": "visita"}}`},
		llmmock.Response{Text: `{"message": "", "data": {"visitor_name": "Pedro"}}`},
		llmmock.Response{Text: `{"message": "", "data": {"apartment": "501", "resident_name": "Zezé"}}`},
	)
	h.machine.OnVisitorText(ctx, h.sess, "Vim ver o Zezé do 501")

	if got := h.sess.State(); got != session.StateCollecting {
		t.Errorf("state = %s, want COLLECTING after mismatch", got)
	}
	if h.inviter.count() != 0 {
		t.Error("no outbound call may be dispatched on fuzzy mismatch")
	}
	msgs := strings.Join(drainTexts(h.sess.VisitorQueue), " | ")
	if !strings.Contains(msgs, "morador") {
		t.Errorf("visitor should hear the resident-not-matched clarification, got %q", msgs)
	}
}

func TestApartmentNotFoundClarification(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.llm.Queue(
		llmmock.Response{Text: `{"message": "", "data": {"intent_type": "visita"}}`},
		llmmock.Response{Text: `{"message": "", "data": {"visitor_name": "Pedro"}}`},
		llmmock.Response{Text: `{"message": "", "data": {"apartment": "999", "resident_name": "Daniel"}}`},
	)
	h.machine.OnVisitorText(ctx, h.sess, "Apartamento 999, Daniel")

	msgs := strings.Join(drainTexts(h.sess.VisitorQueue), " | ")
	if !strings.Contains(msgs, "apartamento 999") {
		t.Errorf("visitor should hear the apartment-not-found clarification, got %q", msgs)
	}
	if got := h.sess.State(); got != session.StateCollecting {
		t.Errorf("state = %s, want COLLECTING", got)
	}
}

func TestVisitorInputIgnoredWhileCalling(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.collectAll()
	h.machine.OnVisitorText(ctx, h.sess, "Entrega para o 501, Daniel, sou Pedro")
	drainTexts(h.sess.VisitorQueue)

	before := len(h.sess.History())
	h.machine.OnVisitorText(ctx, h.sess, "Alô? Tem alguém aí?")

	if got := h.sess.State(); got != session.StateCalling {
		t.Errorf("state = %s, visitor input must not transition CALLING", got)
	}
	if len(h.sess.History()) != before+1 {
		t.Error("ignored input must still be recorded in history")
	}
	if h.inviter.count() != 1 {
		t.Error("ignored input must not re-dispatch the outbound call")
	}
}

func TestOnDialFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.collectAll()
	h.machine.OnVisitorText(ctx, h.sess, "Entrega para o 501, Daniel, sou Pedro")
	drainTexts(h.sess.VisitorQueue)

	h.machine.OnDialFailed(h.sess)

	if got := h.sess.State(); got != session.StateFinished {
		t.Errorf("state = %s, want FINISHED", got)
	}
	msgs := strings.Join(drainTexts(h.sess.VisitorQueue), " | ")
	if !strings.Contains(msgs, "Não consegui contato com o morador") {
		t.Errorf("visitor should hear the unreachable message, got %q", msgs)
	}
	if got := h.sess.Authorization(); got != session.AuthUnset {
		t.Errorf("authorization = %q, must stay unset", got)
	}
}

func TestOnBusFatalAbortsWithApology(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.collectAll()
	h.machine.OnVisitorText(ctx, h.sess, "Entrega para o 501, Daniel, sou Pedro")
	drainTexts(h.sess.VisitorQueue)

	h.machine.OnBusFatal(h.sess, context.DeadlineExceeded)

	if got := h.sess.State(); got != session.StateFinished {
		t.Errorf("state = %s, want FINISHED", got)
	}
	msgs := strings.Join(drainTexts(h.sess.VisitorQueue), " | ")
	if !strings.Contains(msgs, "falha técnica") {
		t.Errorf("visitor should hear the bus-failure apology, got %q", msgs)
	}
}

func TestFinalizeIsIdempotentAcrossPaths(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.collectAll()
	h.machine.OnVisitorText(ctx, h.sess, "Entrega para o 501, Daniel, sou Pedro")
	h.machine.OnResidentConnected(h.sess)
	h.machine.OnResidentText(ctx, h.sess, "Alô")
	h.machine.OnResidentText(ctx, h.sess, "Sim")
	drainTexts(h.sess.VisitorQueue)
	drainTexts(h.sess.ResidentQueue)

	// A concurrent management hangup after the decision is a no-op.
	h.machine.Finalize(h.sess, flow.CauseManagement)

	if n := h.sess.VisitorQueue.Len() + h.sess.ResidentQueue.Len(); n != 0 {
		t.Errorf("second finalization enqueued %d extra messages", n)
	}
	if got := h.sess.Authorization(); got != session.AuthAuthorized {
		t.Errorf("authorization = %q, decision must survive", got)
	}
}
