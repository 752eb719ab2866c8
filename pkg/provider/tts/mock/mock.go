// Package mock provides an in-memory tts.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/tecvoz/porteiro/pkg/provider/tts"
)

// Provider is a deterministic tts.Provider: it returns Audio (or, when Audio
// is nil, a small buffer derived from the text length) and records every
// request. Safe for concurrent use.
type Provider struct {
	mu    sync.Mutex
	calls []Call

	// Audio, when non-nil, is returned verbatim for every request.
	Audio []byte

	// Err, when non-nil, fails every request.
	Err error
}

// Call records the arguments of one Synthesize invocation.
type Call struct {
	Text  string
	Voice string
}

var _ tts.Provider = (*Provider)(nil)

// New creates an empty mock provider.
func New() *Provider {
	return &Provider{}
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(_ context.Context, text, voice string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Text: text, Voice: voice})
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Audio != nil {
		out := make([]byte, len(p.Audio))
		copy(out, p.Audio)
		return out, nil
	}
	// Two bytes (one sample) per rune keeps test audio proportional to text.
	return make([]byte, 2*len([]rune(text))), nil
}

// Calls returns a copy of all recorded invocations.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}
