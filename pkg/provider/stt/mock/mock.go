// Package mock provides an in-memory stt.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/tecvoz/porteiro/pkg/provider/stt"
)

// Provider is a scriptable stt.Provider. Each Transcribe call pops the next
// queued result; when the script is exhausted it returns Fallback. All
// methods are safe for concurrent use.
type Provider struct {
	mu       sync.Mutex
	script   []Result
	calls    []Call
	Fallback string
	Err      error
}

// Result is one scripted transcription outcome.
type Result struct {
	Text string
	Err  error
}

// Call records the arguments of one Transcribe invocation.
type Call struct {
	PCMBytes int
	Opts     stt.Options
}

var _ stt.Provider = (*Provider)(nil)

// New creates an empty mock provider.
func New() *Provider {
	return &Provider{}
}

// Queue appends scripted results.
func (p *Provider) Queue(results ...Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, results...)
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(_ context.Context, pcm []byte, opts stt.Options) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{PCMBytes: len(pcm), Opts: opts})
	if p.Err != nil {
		return "", p.Err
	}
	if len(p.script) > 0 {
		r := p.script[0]
		p.script = p.script[1:]
		return r.Text, r.Err
	}
	return p.Fallback, nil
}

// Calls returns a copy of all recorded invocations.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}
