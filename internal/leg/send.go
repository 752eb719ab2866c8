package leg

import (
	"context"
	"log/slog"
	"time"

	"github.com/tecvoz/porteiro/internal/audiosocket"
	"github.com/tecvoz/porteiro/internal/session"
)

// sendLoop drains the leg's outbound queue: each message is synthesized (or
// served from the phrase cache) and emitted as paced SLIN frames. The
// dequeue timeout doubles as the termination poll.
func (h *handler) sendLoop(ctx context.Context, log *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		if h.sess.Terminated(h.cfg.Role) {
			log.Debug("termination latch observed on send side")
			return
		}

		msg, ok := h.sess.Queue(h.cfg.Role).Dequeue(TerminatePollInterval)
		if !ok {
			continue
		}
		if msg.Purpose == session.PurposeFarewell {
			// Farewells are delivered by the hangup sequence; re-queue and
			// let the latch run its course. The latch trails the farewell
			// enqueue by an instant, so give it a beat.
			h.sess.Queue(h.cfg.Role).Enqueue(msg)
			if h.sess.Terminated(h.cfg.Role) {
				return
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		h.speak(ctx, log, msg)
	}
}

// speak renders one message to the wire: cache lookup, synthesis on miss,
// then paced frame emission followed by the echo-suppression window.
func (h *handler) speak(ctx context.Context, log *slog.Logger, msg session.Message) {
	pcm, ok := h.synthesize(ctx, log, msg.Text)
	if !ok || len(pcm) == 0 {
		return
	}

	h.speaking.Store(true)
	defer h.speaking.Store(false)

	log.Info("playing message", "text", msg.Text, "purpose", msg.Purpose, "bytes", len(pcm))

	for off := 0; off < len(pcm); off += audiosocket.DefaultChunkSize {
		if h.sess.Terminated(h.cfg.Role) && msg.Purpose != session.PurposeFarewell {
			// Cut non-farewell audio short once the leg is ending.
			break
		}
		end := off + audiosocket.DefaultChunkSize
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := audiosocket.WriteFrame(h.conn, audiosocket.Frame{
			Kind:    audiosocket.KindSLIN,
			Payload: pcm[off:end],
		}); err != nil {
			if isExpectedClose(err) {
				log.Info("peer closed during playback")
			} else {
				log.Warn("frame write failed", "err", err)
			}
			return
		}

		// Pacing keeps the PBX jitter buffer happy; the delay widens under
		// the resource manager's throttle.
		select {
		case <-ctx.Done():
			return
		case <-time.After(h.deps.Resources.TransmissionDelay()):
		}
	}

	// Echo-suppression window: pause, discard the tail of our own audio
	// coming back at us, then reset the detector.
	if h.cfg.PostAudioDelay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(h.cfg.PostAudioDelay):
		}
	}
	h.discard.Store(int32(h.cfg.DiscardFrames))
	h.resetVAD.Store(true)
	h.lastAudioDone.Store(time.Now().UnixNano())
	h.lastActivity.Store(time.Now().UnixNano())
}

// synthesize returns the PCM for text, consulting the phrase cache first.
// Cache hits bypass the synthesis semaphore entirely.
func (h *handler) synthesize(ctx context.Context, log *slog.Logger, text string) ([]byte, bool) {
	if text == "" {
		return nil, false
	}

	if h.deps.Cache != nil {
		if pcm, ok := h.deps.Cache.Get(h.cfg.Voice, text); ok {
			if h.deps.Metrics != nil {
				h.deps.Metrics.RecordCacheLookup(ctx, true)
			}
			return pcm, true
		}
		if h.deps.Metrics != nil {
			h.deps.Metrics.RecordCacheLookup(ctx, false)
		}
	}

	release, err := h.deps.Resources.AcquireSynthesis(ctx, h.sess.CallID)
	if err != nil {
		log.Warn("synthesis slot unavailable", "err", err)
		return nil, false
	}

	start := time.Now()
	pcm, err := h.deps.Synthesizer.Synthesize(ctx, text, h.cfg.Voice)
	took := time.Since(start)
	release(took)

	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordSynthesis(ctx, string(h.cfg.Role), took, err == nil)
	}
	if err != nil {
		log.Warn("synthesis failed, skipping message", "text", text, "err", err)
		return nil, false
	}

	if h.deps.Cache != nil {
		if err := h.deps.Cache.Put(h.cfg.Voice, text, pcm); err != nil {
			log.Warn("phrase cache store failed", "err", err)
		}
	}
	return pcm, true
}
