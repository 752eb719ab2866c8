// Package leg runs one audio-socket connection from its opening ID frame to
// its final HANGUP. A leg handler is a per-connection actor with two
// cooperating subtasks: a receive loop (frames → VAD → transcription → state
// machine events) and a send loop (queued text → synthesis → paced SLIN
// frames). Both loops yield at I/O boundaries and re-check the session's
// termination latch every poll tick, so a latched leg exits within half a
// second of its current I/O completing.
//
// The handler exclusively owns its connection. The resource manager only
// holds a weak reference for targeted hangups, and the session never stores
// the connection at all — that is what breaks the session ↔ handler ↔
// connection ownership cycle and keeps termination deterministic.
package leg

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/tecvoz/porteiro/internal/audiosocket"
	"github.com/tecvoz/porteiro/internal/flow"
	"github.com/tecvoz/porteiro/internal/observe"
	"github.com/tecvoz/porteiro/internal/phrasecache"
	"github.com/tecvoz/porteiro/internal/resource"
	"github.com/tecvoz/porteiro/internal/session"
	"github.com/tecvoz/porteiro/internal/vad"
	"github.com/tecvoz/porteiro/pkg/provider/stt"
	"github.com/tecvoz/porteiro/pkg/provider/tts"
)

// TerminatePollInterval bounds how long a latched termination can go
// unobserved: every blocking wait in both subtasks is capped by it.
const TerminatePollInterval = 500 * time.Millisecond

// watchdogTimeout force-closes an utterance when the VAD reports a speech
// start but never an end.
const watchdogTimeout = 10 * time.Second

// Flow is the subset of the conversation state machine the leg handler
// feeds. Satisfied by [flow.Machine].
type Flow interface {
	OnVisitorText(ctx context.Context, sess *session.Session, text string)
	OnResidentText(ctx context.Context, sess *session.Session, text string)
	OnResidentConnected(sess *session.Session)
	OnTimeout(sess *session.Session, role session.Role)
	Finalize(sess *session.Session, cause flow.FinalizeCause)
}

// Config carries the per-leg tuning derived from the service configuration.
type Config struct {
	Role session.Role
	Port int

	Greeting      string
	GreetingDelay time.Duration
	Voice         string

	// SilenceBudget terminates the leg when the conversation is fully idle
	// (no inbound speech, nothing playing, nothing queued) for this long.
	SilenceBudget time.Duration

	// MaxTransactionTime is the absolute cap on the leg's lifetime.
	MaxTransactionTime time.Duration

	// GoodbyeDelay is the grace between the farewell audio and the HANGUP.
	GoodbyeDelay time.Duration

	// PostAudioDelay is the pause after outbound audio before the receive
	// side resumes listening.
	PostAudioDelay time.Duration

	// DiscardFrames is how many inbound frames are dropped after outbound
	// audio to swallow our own echo.
	DiscardFrames int

	// NewDetector builds this leg's voice-activity detector.
	NewDetector func() vad.Detector

	// Filter holds the SpeechEnd admission checks for this leg's role.
	Filter vad.Filter

	// STTOptions carries the role-specific recognition hints (the resident
	// leg runs a shorter segment timeout).
	STTOptions stt.Options
}

// Deps are the shared collaborators injected into every handler.
type Deps struct {
	Registry    *session.Registry
	Flow        Flow
	Resources   *resource.Manager
	Transcriber stt.Provider
	Synthesizer tts.Provider
	Cache       *phrasecache.Cache
	Metrics     *observe.Metrics
}

// handler is the per-connection state shared by the two subtasks.
type handler struct {
	cfg  Config
	deps Deps

	conn net.Conn
	sess *session.Session

	detector vad.Detector

	// Cross-subtask signals. The send loop owns the writes, the receive loop
	// the reads.
	lastAudioDone atomic.Int64 // unix nanos of last outbound audio completion
	lastActivity  atomic.Int64 // unix nanos of last meaningful activity
	discard       atomic.Int32 // inbound frames still to drop (echo window)
	resetVAD      atomic.Bool  // receive loop must reset the detector
	speaking      atomic.Bool  // send loop is currently emitting audio

	startedAt time.Time
}

// Handle runs one connection to completion. It blocks until the leg is fully
// torn down; the accept loop calls it on a dedicated goroutine.
func Handle(ctx context.Context, conn net.Conn, cfg Config, deps Deps) {
	defer conn.Close()

	if deps.Metrics != nil {
		deps.Metrics.ActiveLegs.Add(ctx, 1)
		defer deps.Metrics.ActiveLegs.Add(ctx, -1)
	}

	callID, err := readOpeningID(conn)
	if err != nil {
		slog.Warn("leg rejected before session attach",
			"role", cfg.Role, "port", cfg.Port, "err", err)
		return
	}

	sess, created := deps.Registry.GetOrCreate(callID)
	defer deps.Registry.Release(callID)

	log := slog.With("call_id", callID, "role", cfg.Role, "port", cfg.Port)
	log.Info("leg attached", "new_session", created)

	deps.Resources.RegisterSession(callID)
	deps.Resources.RegisterConn(callID, string(cfg.Role), resource.ConnEntry{
		Writer: conn,
		Closer: conn,
		Port:   cfg.Port,
	})
	defer deps.Resources.UnregisterConn(callID, string(cfg.Role))

	h := &handler{
		cfg:       cfg,
		deps:      deps,
		conn:      conn,
		sess:      sess,
		detector:  cfg.NewDetector(),
		startedAt: time.Now(),
	}
	h.lastActivity.Store(time.Now().UnixNano())

	switch cfg.Role {
	case session.RoleVisitor:
		// Only the first leg of a conversation is greeted; a reconnecting
		// visitor attaches to the running session silently.
		if created && cfg.Greeting != "" {
			timer := time.AfterFunc(cfg.GreetingDelay, func() {
				sess.VisitorQueue.Enqueue(session.Message{
					Text:    cfg.Greeting,
					Role:    session.RoleVisitor,
					Purpose: session.PurposeGreeting,
				})
			})
			defer timer.Stop()
		}
	case session.RoleResident:
		deps.Flow.OnResidentConnected(sess)
	}

	legCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	recvDone := make(chan struct{})
	sendDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		h.receiveLoop(legCtx, log)
		cancel()
	}()
	go func() {
		defer close(sendDone)
		h.sendLoop(legCtx, log)
	}()

	<-recvDone
	<-sendDone

	h.hangup(log)
}

// readOpeningID reads the mandatory first frame and canonicalizes the call
// identifier.
func readOpeningID(conn net.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	f, err := audiosocket.ReadFrame(conn)
	if err != nil {
		return "", err
	}
	if f.Kind != audiosocket.KindID {
		return "", audiosocket.ErrProtocol
	}
	return audiosocket.ParseCallID(f.Payload)
}

// hangup drains at most one farewell, waits the goodbye grace, and writes
// the final HANGUP frame. Peer resets during close are expected.
func (h *handler) hangup(log *slog.Logger) {
	if msg, ok := h.sess.Queue(h.cfg.Role).DrainFarewell(); ok {
		h.speak(context.Background(), log, msg)
		time.Sleep(h.cfg.GoodbyeDelay)
	}

	if err := audiosocket.WriteHangup(h.conn); err != nil {
		if isExpectedClose(err) {
			log.Info("peer closed before hangup frame", "err", err)
		} else {
			log.Warn("hangup write failed", "err", err)
		}
	}
	if err := h.conn.Close(); err != nil && !isExpectedClose(err) {
		log.Warn("connection close failed", "err", err)
	}
	log.Info("leg closed")
}

// isExpectedClose classifies the connection-reset family of errors that
// legitimately race the hangup handshake.
func isExpectedClose(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
