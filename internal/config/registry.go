package config

import (
	"errors"
	"fmt"

	"github.com/tecvoz/porteiro/pkg/provider/llm"
	"github.com/tecvoz/porteiro/pkg/provider/stt"
	"github.com/tecvoz/porteiro/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by the Create* methods when the
// requested provider name has no registered factory.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// STTFactory constructs a speech-to-text provider from its config entry.
type STTFactory func(entry ProviderEntry) (stt.Provider, error)

// TTSFactory constructs a text-to-speech provider from its config entry.
type TTSFactory func(entry ProviderEntry) (tts.Provider, error)

// LLMFactory constructs an LLM provider from its config entry.
type LLMFactory func(entry ProviderEntry) (llm.Provider, error)

// Registry maps provider names to factories. It is populated once during
// startup and read-only afterwards; it is not safe for concurrent mutation.
type Registry struct {
	stt map[string]STTFactory
	tts map[string]TTSFactory
	llm map[string]LLMFactory
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		stt: make(map[string]STTFactory),
		tts: make(map[string]TTSFactory),
		llm: make(map[string]LLMFactory),
	}
}

// RegisterSTT registers a speech-to-text provider factory under name.
func (r *Registry) RegisterSTT(name string, f STTFactory) { r.stt[name] = f }

// RegisterTTS registers a text-to-speech provider factory under name.
func (r *Registry) RegisterTTS(name string, f TTSFactory) { r.tts[name] = f }

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, f LLMFactory) { r.llm[name] = f }

// CreateSTT instantiates the STT provider named in entry.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	f, ok := r.stt[entry.Name]
	if !ok {
		return nil, fmt.Errorf("%w: stt %q", ErrProviderNotRegistered, entry.Name)
	}
	return f(entry)
}

// CreateTTS instantiates the TTS provider named in entry.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	f, ok := r.tts[entry.Name]
	if !ok {
		return nil, fmt.Errorf("%w: tts %q", ErrProviderNotRegistered, entry.Name)
	}
	return f(entry)
}

// CreateLLM instantiates the LLM provider named in entry.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	f, ok := r.llm[entry.Name]
	if !ok {
		return nil, fmt.Errorf("%w: llm %q", ErrProviderNotRegistered, entry.Name)
	}
	return f(entry)
}
