package vad

// EnergyConfig tunes the energy-based detector.
type EnergyConfig struct {
	// SpeechThreshold is the average absolute amplitude at or above which a
	// frame starts an utterance. Default: 600.
	SpeechThreshold float64

	// EndThreshold is the hysteresis level used while an utterance is in
	// progress: frames below it count toward the closing silence run, frames
	// at or above it keep the utterance alive. Default: 800.
	EndThreshold float64

	// SilenceFrames is the number of consecutive sub-EndThreshold frames
	// that ends an utterance. Default: 100 (2 s at 20 ms frames).
	SilenceFrames int

	// PreBufferFrames is the size of the rolling run-up buffer kept while no
	// utterance is in progress, so that audio preceding the detected start
	// is not lost. Default: 100 (2 s).
	PreBufferFrames int
}

func (c EnergyConfig) withDefaults() EnergyConfig {
	if c.SpeechThreshold <= 0 {
		c.SpeechThreshold = 600
	}
	if c.EndThreshold <= 0 {
		c.EndThreshold = 800
	}
	if c.SilenceFrames <= 0 {
		c.SilenceFrames = 100
	}
	if c.PreBufferFrames <= 0 {
		c.PreBufferFrames = 100
	}
	return c
}

// Energy is the "basic-vad" [Detector]: a frame at or above the speech
// threshold opens an utterance, and a sustained run of frames below the end
// threshold closes it. Only voiced frames (plus the pre-buffered run-up) are
// collected — the closing silence never reaches the transcriber.
type Energy struct {
	cfg EnergyConfig

	speaking     bool
	silenceRun   int
	frames       int
	collected    []byte
	preBuffer    [][]byte
	preBufFrames int
}

var _ Detector = (*Energy)(nil)

// NewEnergy creates an energy detector. Zero-value config fields get
// defaults.
func NewEnergy(cfg EnergyConfig) *Energy {
	return &Energy{cfg: cfg.withDefaults()}
}

// ProcessFrame implements [Detector].
func (e *Energy) ProcessFrame(frame []byte) Event {
	energy := AvgEnergy(frame)

	if !e.speaking {
		if energy >= e.cfg.SpeechThreshold {
			e.speaking = true
			e.silenceRun = 0
			// Pull the run-up audio into the utterance so soft onsets
			// survive.
			for _, f := range e.preBuffer {
				e.collected = append(e.collected, f...)
			}
			e.frames = e.preBufFrames
			e.preBuffer = e.preBuffer[:0]
			e.preBufFrames = 0
			e.collect(frame)
			return Event{Kind: SpeechStart}
		}
		e.pushPreBuffer(frame)
		return Event{Kind: None}
	}

	if energy >= e.cfg.EndThreshold {
		e.collect(frame)
		e.silenceRun = 0
		return Event{Kind: None}
	}

	e.silenceRun++
	if e.silenceRun < e.cfg.SilenceFrames {
		return Event{Kind: None}
	}
	return e.finish()
}

// ForceEnd implements [Detector].
func (e *Energy) ForceEnd() Event {
	if len(e.collected) == 0 && len(e.preBuffer) == 0 {
		return Event{Kind: None}
	}
	if !e.speaking {
		// End reported without a start: hand back the residual pre-buffer.
		for _, f := range e.preBuffer {
			e.collected = append(e.collected, f...)
		}
		e.frames = e.preBufFrames
		e.preBuffer = e.preBuffer[:0]
		e.preBufFrames = 0
	}
	return e.finish()
}

// Reset implements [Detector].
func (e *Energy) Reset() {
	e.speaking = false
	e.silenceRun = 0
	e.frames = 0
	e.collected = nil
	e.preBuffer = e.preBuffer[:0]
	e.preBufFrames = 0
}

func (e *Energy) collect(frame []byte) {
	e.collected = append(e.collected, frame...)
	e.frames++
}

func (e *Energy) finish() Event {
	ev := Event{Kind: SpeechEnd, Utterance: e.collected, Frames: e.frames}
	e.speaking = false
	e.silenceRun = 0
	e.frames = 0
	e.collected = nil
	return ev
}

func (e *Energy) pushPreBuffer(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	e.preBuffer = append(e.preBuffer, cp)
	e.preBufFrames++
	for e.preBufFrames > e.cfg.PreBufferFrames {
		e.preBuffer = e.preBuffer[1:]
		e.preBufFrames--
	}
}
