package vad

// RecognizerConfig tunes the streaming-recognizer detector.
type RecognizerConfig struct {
	// SpeechThreshold mirrors [EnergyConfig.SpeechThreshold]. Default: 600.
	SpeechThreshold float64

	// SegmentTimeoutMs ends the segment after this much trailing silence,
	// matching the end-of-segment timeout of streaming speech engines.
	// Default: 800 ms.
	SegmentTimeoutMs int

	// PreBufferFrames mirrors [EnergyConfig.PreBufferFrames]. Default: 100.
	PreBufferFrames int
}

// Recognizer is the "streaming-recognizer" [Detector]. It behaves like the
// energy detector but uses the much shorter segment timeout of a streaming
// engine, so short confirmations ("sim", "não") close quickly. Engines that
// report only segment ends are covered by the pre-buffer: a SpeechEnd without
// a preceding start still carries the residual audio.
type Recognizer struct {
	inner *Energy
}

var _ Detector = (*Recognizer)(nil)

// NewRecognizer creates a recognizer-paced detector.
func NewRecognizer(cfg RecognizerConfig) *Recognizer {
	if cfg.SegmentTimeoutMs <= 0 {
		cfg.SegmentTimeoutMs = 800
	}
	return &Recognizer{
		inner: NewEnergy(EnergyConfig{
			SpeechThreshold: cfg.SpeechThreshold,
			SilenceFrames:   cfg.SegmentTimeoutMs / FrameMillis,
			PreBufferFrames: cfg.PreBufferFrames,
		}),
	}
}

// ProcessFrame implements [Detector].
func (r *Recognizer) ProcessFrame(frame []byte) Event { return r.inner.ProcessFrame(frame) }

// ForceEnd implements [Detector].
func (r *Recognizer) ForceEnd() Event { return r.inner.ForceEnd() }

// Reset implements [Detector].
func (r *Recognizer) Reset() { r.inner.Reset() }
