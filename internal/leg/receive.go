package leg

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/tecvoz/porteiro/internal/audiosocket"
	"github.com/tecvoz/porteiro/internal/session"
	"github.com/tecvoz/porteiro/internal/vad"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// receiveLoop reads frames until the peer hangs up, the termination latch is
// set, or a budget expires. Every read is bounded by the poll interval so
// latches are observed promptly.
func (h *handler) receiveLoop(ctx context.Context, log *slog.Logger) {
	var (
		sawStart      bool
		speechStarted time.Time
	)

	for {
		if ctx.Err() != nil {
			return
		}
		if h.sess.Terminated(h.cfg.Role) {
			log.Debug("termination latch observed on receive side")
			return
		}
		if h.budgetExceeded(log) {
			h.deps.Flow.OnTimeout(h.sess, h.cfg.Role)
			return
		}

		_ = h.conn.SetReadDeadline(time.Now().Add(TerminatePollInterval))
		f, err := audiosocket.ReadFrame(h.conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// Poll tick: watchdog still applies while the line is quiet.
				if sawStart && time.Since(speechStarted) > watchdogTimeout {
					sawStart = h.forceUtterance(ctx, log, sawStart)
				}
				continue
			}
			if errors.Is(err, audiosocket.ErrProtocol) {
				log.Warn("protocol error, closing leg", "err", err)
			} else if isExpectedClose(err) {
				log.Info("peer disconnected")
				h.deps.Flow.Finalize(h.sess, "peer_hangup")
			} else {
				log.Warn("read failed, closing leg", "err", err)
			}
			return
		}

		switch f.Kind {
		case audiosocket.KindHangup:
			log.Info("peer sent hangup")
			h.deps.Flow.Finalize(h.sess, "peer_hangup")
			return

		case audiosocket.KindError:
			log.Warn("peer sent error frame", "code", f.ErrorCode())
			h.deps.Flow.Finalize(h.sess, "peer_hangup")
			return

		case audiosocket.KindID:
			// A repeated ID mid-stream is tolerated.
			continue

		case audiosocket.KindSLIN:
			if h.deps.Metrics != nil {
				h.deps.Metrics.FramesReceived.Add(ctx, 1,
					metric.WithAttributes(attribute.String("role", string(h.cfg.Role))))
			}

			if h.resetVAD.CompareAndSwap(true, false) {
				h.detector.Reset()
				sawStart = false
			}
			if h.discard.Load() > 0 {
				h.discard.Add(-1)
				continue
			}

			ev := h.detector.ProcessFrame(f.Payload)
			switch ev.Kind {
			case vad.SpeechStart:
				sawStart = true
				speechStarted = time.Now()
				h.lastActivity.Store(time.Now().UnixNano())
				log.Debug("speech started")
			case vad.SpeechEnd:
				h.handleSpeechEnd(ctx, log, ev, sawStart)
				sawStart = false
			}

			if sawStart {
				// An utterance in progress (voiced or in its closing silence
				// run) is activity: the idle clock only runs on a quiet line.
				h.lastActivity.Store(time.Now().UnixNano())
				if time.Since(speechStarted) > watchdogTimeout {
					sawStart = h.forceUtterance(ctx, log, sawStart)
				}
			}
		}
	}
}

// budgetExceeded checks the idle-silence and absolute-transaction budgets.
func (h *handler) budgetExceeded(log *slog.Logger) bool {
	if h.cfg.MaxTransactionTime > 0 && time.Since(h.startedAt) > h.cfg.MaxTransactionTime {
		log.Info("transaction time budget exceeded")
		return true
	}
	if h.cfg.SilenceBudget <= 0 {
		return false
	}
	// The silence clock only runs while the line is genuinely idle: nothing
	// playing, nothing queued to play.
	if h.speaking.Load() || h.sess.Queue(h.cfg.Role).Len() > 0 {
		h.lastActivity.Store(time.Now().UnixNano())
		return false
	}
	idle := time.Since(time.Unix(0, h.lastActivity.Load()))
	if idle > h.cfg.SilenceBudget {
		log.Info("silence budget exceeded", "idle", idle.Round(time.Millisecond))
		return true
	}
	return false
}

// forceUtterance closes a wedged utterance from the pre-buffered and
// collected audio. Returns the new sawStart state.
func (h *handler) forceUtterance(ctx context.Context, log *slog.Logger, sawStart bool) bool {
	log.Warn("vad watchdog fired, forcing utterance close")
	ev := h.detector.ForceEnd()
	if ev.Kind == vad.SpeechEnd {
		h.handleSpeechEnd(ctx, log, ev, sawStart)
	}
	return false
}

// handleSpeechEnd runs the admission filters and, when the event survives,
// transcribes the utterance and forwards the text to the state machine.
func (h *handler) handleSpeechEnd(ctx context.Context, log *slog.Logger, ev vad.Event, sawStart bool) {
	lastAudio := time.Unix(0, h.lastAudioDone.Load())
	if h.lastAudioDone.Load() == 0 {
		lastAudio = time.Time{}
	}

	if reason := h.cfg.Filter.Admit(ev, sawStart, lastAudio, time.Now()); reason != vad.DropNone {
		log.Debug("utterance dropped", "reason", reason, "frames", ev.Frames)
		if h.deps.Metrics != nil {
			h.deps.Metrics.RecordDrop(ctx, string(h.cfg.Role), string(reason))
		}
		return
	}

	h.lastActivity.Store(time.Now().UnixNano())

	release, err := h.deps.Resources.AcquireTranscription(ctx, h.sess.CallID)
	if err != nil {
		log.Warn("transcription slot unavailable", "err", err)
		return
	}

	start := time.Now()
	text, err := h.deps.Transcriber.Transcribe(ctx, ev.Utterance, h.cfg.STTOptions)
	took := time.Since(start)
	release(took)

	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordTranscription(ctx, string(h.cfg.Role), took, err == nil)
	}

	if err != nil {
		// Terminal capability failure: apologise and carry on with empty
		// text — the dialog recovers on the next utterance.
		log.Warn("transcription failed", "err", err)
		h.sess.Queue(h.cfg.Role).Enqueue(session.Message{
			Text:    "Desculpe, não consegui ouvir direito. Pode repetir?",
			Role:    h.cfg.Role,
			Purpose: session.PurposeDialog,
		})
		return
	}
	if text == "" {
		log.Debug("empty transcription, ignoring")
		return
	}

	if h.deps.Metrics != nil {
		h.deps.Metrics.Utterances.Add(ctx, 1,
			metric.WithAttributes(attribute.String("role", string(h.cfg.Role))))
	}
	log.Info("utterance transcribed", "text", text, "took", took.Round(time.Millisecond))

	switch h.cfg.Role {
	case session.RoleVisitor:
		h.deps.Flow.OnVisitorText(ctx, h.sess, text)
	case session.RoleResident:
		h.deps.Flow.OnResidentText(ctx, h.sess, text)
	}
}
