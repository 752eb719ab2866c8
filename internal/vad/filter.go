package vad

import (
	"time"
)

// Default filter parameters.
const (
	// DefaultGuardPeriod is the anti-echo window after outbound audio during
	// which SpeechEnd events are discarded.
	DefaultGuardPeriod = 1500 * time.Millisecond

	// DefaultMinFrames is the shortest utterance admitted for transcription.
	DefaultMinFrames = 15

	// DefaultAdmitEnergy is the tail-energy floor for transcription
	// admission. The higher end-of-speech confirmation level (800) lives in
	// [EnergyConfig.EndThreshold].
	DefaultAdmitEnergy = 600
)

// DropReason says why a SpeechEnd event was discarded.
type DropReason string

const (
	DropNone      DropReason = ""
	DropEchoGuard DropReason = "echo_guard"
	DropNoStart   DropReason = "no_start"
	DropTooShort  DropReason = "too_short"
	DropLowEnergy DropReason = "low_energy"
)

// Filter applies the cooperative admission checks to SpeechEnd events before
// any transcription slot is acquired. One Filter serves one leg.
type Filter struct {
	// GuardPeriod drops events landing within this window after the last
	// outbound audio finished.
	GuardPeriod time.Duration

	// MinFrames drops utterances shorter than this many frames unless
	// KeepShort is set (resident leg, where bare "sim"/"não" must survive).
	MinFrames int

	// KeepShort disables the minimum-length check.
	KeepShort bool

	// AdmitEnergy is the strict lower bound on the tail energy: utterances
	// with tail energy below it (exclusive) are dropped.
	AdmitEnergy float64

	// FrameBytes is the SLIN frame size used for tail-energy measurement.
	FrameBytes int
}

// NewFilter returns a Filter with the default thresholds. keepShort selects
// the resident-leg behaviour.
func NewFilter(keepShort bool) Filter {
	return Filter{
		GuardPeriod: DefaultGuardPeriod,
		MinFrames:   DefaultMinFrames,
		KeepShort:   keepShort,
		AdmitEnergy: DefaultAdmitEnergy,
		FrameBytes:  320,
	}
}

// Admit decides whether the SpeechEnd event ev may proceed to transcription.
// sawStart reports whether a SpeechStart was observed since the last reset;
// lastAudioDone is when the leg's own outbound audio last finished (zero if
// never). Returns DropNone when the event is admitted.
func (f Filter) Admit(ev Event, sawStart bool, lastAudioDone time.Time, now time.Time) DropReason {
	if ev.Kind != SpeechEnd {
		return DropNoStart
	}
	if !lastAudioDone.IsZero() && now.Sub(lastAudioDone) < f.GuardPeriod {
		return DropEchoGuard
	}
	if !sawStart {
		return DropNoStart
	}
	if !f.KeepShort && ev.Frames < f.MinFrames {
		return DropTooShort
	}
	if TailEnergy(ev.Utterance, f.MinFrames, f.FrameBytes) < f.AdmitEnergy {
		return DropLowEnergy
	}
	return DropNone
}
