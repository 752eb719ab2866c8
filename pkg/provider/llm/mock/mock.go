// Package mock provides an in-memory llm.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/tecvoz/porteiro/pkg/provider/llm"
)

// Provider is a scriptable llm.Provider. Each Complete call pops the next
// queued response; when the script is exhausted it returns Fallback. Safe
// for concurrent use.
type Provider struct {
	mu       sync.Mutex
	script   []Response
	calls    []llm.CompletionRequest
	Fallback string
	Err      error
}

// Response is one scripted completion outcome.
type Response struct {
	Text string
	Err  error
}

var _ llm.Provider = (*Provider)(nil)

// New creates an empty mock provider.
func New() *Provider {
	return &Provider{}
}

// Queue appends scripted responses.
func (p *Provider) Queue(responses ...Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, responses...)
}

// Complete implements llm.Provider.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
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

// Calls returns a copy of all recorded requests.
func (p *Provider) Calls() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.calls))
	copy(out, p.calls)
	return out
}
