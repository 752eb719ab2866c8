// Package flow drives the per-session conversation: collecting the visit
// intent from the visitor, validating it against the building directory,
// dispatching the outbound call, mediating the resident's decision, and
// finalizing both legs.
//
// The machine is the single writer of a session's mutable fields. Leg
// handlers only emit events (transcribed text, attach, timeout); every event
// for a given session is serialized behind a per-session lock, so the state
// observed after event N is the starting state of event N+1. Effects are
// applied inline: messages are enqueued on the leg queues, the outbound
// orchestrator is invited, and termination is latched through the registry.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tecvoz/porteiro/internal/config"
	"github.com/tecvoz/porteiro/internal/directory"
	"github.com/tecvoz/porteiro/internal/intent"
	"github.com/tecvoz/porteiro/internal/session"
)

// Extractor is the intent-extraction capability consumed by the machine.
// Satisfied by [intent.Extractor].
type Extractor interface {
	Advance(ctx context.Context, current session.Intent, history []session.Turn, text string) (intent.Extraction, error)
}

// Inviter starts the outbound click-to-call workflow for a validated
// session. Implementations must not block the caller. Satisfied by the
// dialer orchestrator.
type Inviter interface {
	Invite(sess *session.Session)
}

// FinalizeCause says why a session was finalized, for logging and farewell
// selection.
type FinalizeCause string

const (
	CauseDecision    FinalizeCause = "decision"
	CauseTimeout     FinalizeCause = "timeout"
	CauseUnreachable FinalizeCause = "unreachable"
	CauseBusFailure  FinalizeCause = "bus_failure"
	CauseInvariant   FinalizeCause = "invariant"
	CauseManagement  FinalizeCause = "management"
	CausePeerHangup  FinalizeCause = "peer_hangup"
)

// Machine drives every session's dialog. Safe for concurrent use; events for
// the same session are serialized, events for different sessions proceed in
// parallel.
type Machine struct {
	extractor Extractor
	store     directory.Store
	registry  *session.Registry
	inviter   Inviter

	// locks serializes events per call id.
	locks sync.Map // callID → *sync.Mutex

	cfgMu    sync.RWMutex
	goodbyes config.GoodbyeMessages
	dialog   config.DialogConfig
}

// New creates a Machine.
func New(ex Extractor, store directory.Store, reg *session.Registry, inv Inviter, cfg *config.Config) *Machine {
	return &Machine{
		extractor: ex,
		store:     store,
		registry:  reg,
		inviter:   inv,
		goodbyes:  cfg.CallTermination.GoodbyeMessages,
		dialog:    cfg.Dialog,
	}
}

// UpdateConfig applies hot-reloaded farewell texts and decision vocabulary.
func (m *Machine) UpdateConfig(cfg *config.Config) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.goodbyes = cfg.CallTermination.GoodbyeMessages
	m.dialog = cfg.Dialog
}

func (m *Machine) lock(callID string) func() {
	mu, _ := m.locks.LoadOrStore(callID, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// OnVisitorText processes one transcribed visitor utterance.
func (m *Machine) OnVisitorText(ctx context.Context, sess *session.Session, text string) {
	defer m.lock(sess.CallID)()

	sess.AppendHistory(session.RoleVisitor, text)

	// Visitor input outside the collection stage is recorded but ignored.
	if sess.State() != session.StateCollecting {
		slog.Debug("visitor text ignored in current state",
			"call_id", sess.CallID, "state", sess.State())
		return
	}

	ext, err := m.extractor.Advance(ctx, sess.Intent(), sess.History(), text)
	if err != nil {
		slog.Warn("intent extraction failed", "call_id", sess.CallID, "err", err)
		m.enqueue(sess, session.RoleVisitor,
			"Desculpe, tive um problema para entender. Pode repetir, por favor?",
			session.PurposeDialog)
		return
	}

	sess.MergeIntent(ext.Intent)
	if ext.Message != "" {
		m.enqueue(sess, session.RoleVisitor, ext.Message, session.PurposeDialog)
	}

	cur := sess.Intent()
	if !cur.Complete() {
		return
	}

	m.validate(ctx, sess, cur)
}

// validate runs the fuzzy directory check and, on success, moves the session
// through VALIDATED into CALLING and dispatches the outbound call.
func (m *Machine) validate(ctx context.Context, sess *session.Session, cur session.Intent) {
	entry, err := m.store.Apartment(ctx, cur.Apartment)
	if errors.Is(err, directory.ErrApartmentNotFound) {
		slog.Info("validation failed: apartment not found",
			"call_id", sess.CallID, "apartment", cur.Apartment)
		m.enqueue(sess, session.RoleVisitor,
			fmt.Sprintf("Não encontrei o apartamento %s. Pode confirmar o número?", cur.Apartment),
			session.PurposeDialog)
		return
	}
	if err != nil {
		slog.Error("directory lookup failed", "call_id", sess.CallID, "err", err)
		m.enqueue(sess, session.RoleVisitor,
			"Desculpe, estou com um problema para consultar o cadastro. Pode aguardar um momento?",
			session.PurposeDialog)
		return
	}

	best := 0
	for _, resident := range entry.Residents {
		if s := Score(cur.ResidentName, resident); s > best {
			best = s
		}
	}
	if best < FuzzyThreshold {
		slog.Info("validation failed: resident not matched",
			"call_id", sess.CallID, "apartment", cur.Apartment,
			"resident", cur.ResidentName, "score", best)
		m.enqueue(sess, session.RoleVisitor,
			fmt.Sprintf("Não encontrei esse morador no apartamento %s. Pode repetir o nome?", cur.Apartment),
			session.PurposeDialog)
		return
	}

	sess.SetResidentVoip(NormalizeVoip(entry.VoipNumber))
	if err := sess.Advance(session.StateValidated); err != nil {
		m.invariant(sess, err)
		return
	}
	slog.Info("intent validated",
		"call_id", sess.CallID, "apartment", cur.Apartment, "score", best)

	m.enqueue(sess, session.RoleVisitor,
		"Obrigado, temos todos os dados. Vou chamar o morador agora, aguarde na linha.",
		session.PurposeDialog)

	if err := sess.Advance(session.StateCalling); err != nil {
		m.invariant(sess, err)
		return
	}
	m.inviter.Invite(sess)
}

// OnResidentConnected attaches the resident leg: the outbound call was
// answered and its audio socket reached us with the session's call id.
func (m *Machine) OnResidentConnected(sess *session.Session) {
	defer m.lock(sess.CallID)()

	switch sess.State() {
	case session.StateCalling:
		if err := sess.Advance(session.StateCallInProgress); err != nil {
			m.invariant(sess, err)
			return
		}
		m.enqueue(sess, session.RoleResident,
			"Olá, morador! Você está em ligação com a portaria inteligente.",
			session.PurposeGreeting)
		m.enqueue(sess, session.RoleVisitor,
			"O morador atendeu. Aguarde a resposta.", session.PurposeDialog)
	default:
		slog.Debug("resident connected in unexpected state",
			"call_id", sess.CallID, "state", sess.State())
	}
}

// OnResidentText processes one transcribed resident utterance.
func (m *Machine) OnResidentText(_ context.Context, sess *session.Session, text string) {
	defer m.lock(sess.CallID)()

	sess.AppendHistory(session.RoleResident, text)

	switch sess.State() {
	case session.StateCalling, session.StateCallInProgress:
		// First word from the resident confirms the audio path; present the
		// context and start waiting for the decision.
		if err := sess.Advance(session.StateWaitingResident); err != nil {
			m.invariant(sess, err)
			return
		}
		m.enqueue(sess, session.RoleResident, m.contextPrompt(sess), session.PurposeDialog)

	case session.StateWaitingResident:
		switch m.classify(text) {
		case decisionInquiry:
			m.enqueue(sess, session.RoleResident, m.inquiryDetail(sess), session.PurposeDialog)
		case decisionYes:
			m.decide(sess, session.AuthAuthorized)
		case decisionNo:
			m.decide(sess, session.AuthDenied)
		default:
			m.enqueue(sess, session.RoleResident,
				"Não entendi. Responda SIM para autorizar ou NÃO para negar.",
				session.PurposeDialog)
		}

	default:
		slog.Debug("resident text ignored in current state",
			"call_id", sess.CallID, "state", sess.State())
	}
}

// decide records the resident's decision and finalizes the session.
func (m *Machine) decide(sess *session.Session, a session.Authorization) {
	if err := sess.SetAuthorization(a); err != nil {
		m.invariant(sess, err)
		return
	}
	slog.Info("resident decision recorded", "call_id", sess.CallID, "authorization", a)
	m.finalizeLocked(sess, CauseDecision)
}

// OnTimeout finalizes the session after a silence or transaction-time breach
// on the given leg.
func (m *Machine) OnTimeout(sess *session.Session, role session.Role) {
	defer m.lock(sess.CallID)()
	slog.Info("leg timed out", "call_id", sess.CallID, "role", role)
	m.finalizeLocked(sess, CauseTimeout)
}

// OnDialFailed finalizes the session after the orchestrator exhausted its
// outbound attempts without a resident connection.
func (m *Machine) OnDialFailed(sess *session.Session) {
	defer m.lock(sess.CallID)()
	m.enqueue(sess, session.RoleVisitor,
		"Não consegui contato com o morador. Tente novamente mais tarde.",
		session.PurposeFarewell)
	m.finalizeLocked(sess, CauseUnreachable)
}

// OnBusFatal aborts the session after a click-to-call transport failure.
// The bus is a hard dependency: the visitor gets an apology, never a silent
// degradation.
func (m *Machine) OnBusFatal(sess *session.Session, err error) {
	defer m.lock(sess.CallID)()
	slog.Error("click-to-call bus failure, aborting session",
		"call_id", sess.CallID, "err", err)
	m.enqueue(sess, session.RoleVisitor,
		"Desculpe, estamos com uma falha técnica para chamar o morador. Tente novamente mais tarde.",
		session.PurposeFarewell)
	m.finalizeLocked(sess, CauseBusFailure)
}

// Finalize moves the session to FINISHED, queues role-appropriate farewells,
// and latches termination on both legs.
func (m *Machine) Finalize(sess *session.Session, cause FinalizeCause) {
	defer m.lock(sess.CallID)()
	m.finalizeLocked(sess, cause)
}

func (m *Machine) finalizeLocked(sess *session.Session, cause FinalizeCause) {
	if sess.State() == session.StateFinished {
		// Concurrent finalization paths (decision, timeout, management
		// hangup) are benign: the first one wins.
		return
	}
	if err := sess.Advance(session.StateFinished); err != nil {
		slog.Error("finalize failed", "call_id", sess.CallID, "err", err)
		sess.TerminateBoth()
		return
	}

	outcome := string(sess.Authorization())

	m.cfgMu.RLock()
	visitorBye := m.goodbyes.Visitor.ForAuthorization(outcome)
	residentBye := m.goodbyes.Resident.ForAuthorization(outcome)
	m.cfgMu.RUnlock()

	if cause != CauseUnreachable && cause != CauseBusFailure {
		// Those paths queued their own visitor farewell with the details.
		m.enqueue(sess, session.RoleVisitor, visitorBye, session.PurposeFarewell)
	}
	m.enqueue(sess, session.RoleResident, residentBye, session.PurposeFarewell)

	slog.Info("session finalized",
		"call_id", sess.CallID, "cause", cause, "authorization", outcome)

	m.registry.End(sess.CallID)
	m.locks.Delete(sess.CallID)
}

// invariant handles a broken state-machine invariant: fatal for the session.
func (m *Machine) invariant(sess *session.Session, err error) {
	slog.Error("state machine invariant violated, aborting session",
		"call_id", sess.CallID, "err", err)
	m.finalizeLocked(sess, CauseInvariant)
}

func (m *Machine) enqueue(sess *session.Session, role session.Role, text string, purpose session.Purpose) {
	if text == "" {
		return
	}
	q := sess.Queue(role)
	if q == nil {
		return
	}
	q.Enqueue(session.Message{Text: text, Role: role, Purpose: purpose})
	if depth := q.Len(); depth > 8 {
		slog.Warn("outbound queue is deep", "call_id", sess.CallID, "role", role, "depth", depth)
	}
}

// contextPrompt renders the decision request played to the resident.
func (m *Machine) contextPrompt(sess *session.Session) string {
	in := sess.Intent()
	reason := in.Type
	if reason == "" {
		reason = "uma visita"
	}
	return fmt.Sprintf(
		"Morador do apartamento %s: %s está na portaria solicitando %s. Você autoriza a entrada? Responda SIM ou NÃO.",
		in.Apartment, in.VisitorName, reason)
}

// inquiryDetail re-explains who is at the gate when the resident asks.
func (m *Machine) inquiryDetail(sess *session.Session) string {
	in := sess.Intent()
	return fmt.Sprintf(
		"É %s, na portaria, solicitando %s para o apartamento %s. Autoriza a entrada? Responda SIM ou NÃO.",
		in.VisitorName, in.Type, in.Apartment)
}

type decision int

const (
	decisionAmbiguous decision = iota
	decisionInquiry
	decisionYes
	decisionNo
)

// classify maps a resident utterance onto a decision class. Negative tokens
// win over affirmative ones so that "não pode" is a denial even though
// "pode" alone would authorize.
func (m *Machine) classify(text string) decision {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "quem") || strings.Contains(lower, "?") {
		return decisionInquiry
	}

	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == 'ã' || r == 'á' || r == 'é' || r == 'í' || r == 'ó' || r == 'ú' || r == 'ç' || r == 'â' || r == 'ê' || r == 'ô' || r == 'õ')
	}) {
		words[w] = true
	}

	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	for _, tok := range m.dialog.NegativeTokens {
		if words[strings.ToLower(tok)] {
			return decisionNo
		}
	}
	for _, tok := range m.dialog.AffirmativeTokens {
		if words[strings.ToLower(tok)] {
			return decisionYes
		}
	}
	return decisionAmbiguous
}
