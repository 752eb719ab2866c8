// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider wraps a synthesis service (e.g., a local Coqui server or
// ElevenLabs) and returns raw 8 kHz SLIN PCM ready to be framed onto the
// audio socket. Synthesis is per-utterance: prompts in this system are short
// sentences, and the phrase cache in front of the provider absorbs repeats.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice and returns signed 16-bit
	// little-endian PCM at 8 kHz mono. voice is a provider-specific
	// identifier; empty selects the provider default.
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}
