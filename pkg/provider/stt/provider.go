// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider wraps a transcription service (e.g., a local whisper.cpp
// server or Deepgram) behind a uniform batch interface: the caller hands over
// one complete utterance of 8 kHz SLIN PCM and receives the recognised text.
// Utterance segmentation happens upstream in the voice-activity detector, so
// providers never need to maintain streaming session state here.
//
// Implementations must be safe for concurrent use; one provider instance
// serves every leg of every call.
package stt

import "context"

// Options carries per-request recognition hints.
type Options struct {
	// Language is the BCP-47 language tag for recognition (e.g., "pt-BR").
	// Empty lets the provider auto-detect, if supported.
	Language string

	// SegmentTimeoutMs bounds the provider's own end-of-segment detection for
	// engines that re-segment internally. The resident leg uses a shorter
	// timeout so bare "sim"/"não" replies commit quickly. Zero means the
	// provider default.
	SegmentTimeoutMs int

	// Hints is a list of vocabulary boosts (resident names, apartment
	// numbers). Providers without a hinting API ignore it.
	Hints []string
}

// Provider is the abstraction over any batch STT backend.
type Provider interface {
	// Transcribe recognises one utterance of raw 8 kHz mono 16-bit
	// little-endian PCM and returns the text. An empty string with a nil
	// error means the provider heard nothing intelligible.
	Transcribe(ctx context.Context, pcm []byte, opts Options) (string, error)
}
