// Package bus publishes click-to-call requests to the telephony message
// broker. A click-to-call causes the PBX to originate the outbound call that
// becomes the resident leg of a session.
//
// The broker is a hard dependency: every transport failure (connect, channel,
// DNS, reset, authentication) is surfaced to the caller wrapped in
// [ErrBusFatal] and aborts the session with a user-visible apology. There is
// deliberately no silent degradation and no mock fallback outside tests.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBusFatal marks click-to-call transport failures. All errors returned by
// a Publisher's Publish wrap it.
var ErrBusFatal = errors.New("bus: transport failure")

// ClickToCall is one outbound call request. Guid MUST equal the session's
// call id verbatim, so the returned resident leg attaches to the same
// session.
type ClickToCall struct {
	// Guid is the call id shared by both legs.
	Guid string

	// Origin is the resident's dialable VoIP number (bare digits).
	Origin string
}

// Publisher sends click-to-call requests.
type Publisher interface {
	// Publish sends one request. Any returned error wraps [ErrBusFatal].
	Publish(ctx context.Context, req ClickToCall) error

	// Ready probes the transport for readiness checks without publishing.
	Ready(ctx context.Context) error

	// Close releases broker resources.
	Close() error
}

// payload is the on-wire JSON envelope expected by the PBX integration.
type payload struct {
	Data      payloadData `json:"data"`
	Timestamp string      `json:"timestamp"`
}

type payloadData struct {
	Destiny string `json:"destiny"`
	Guid    string `json:"guid"`
	License string `json:"license"`
	Origin  string `json:"origin"`
}

func buildPayload(req ClickToCall, license string, now time.Time) payload {
	return payload{
		Data: payloadData{
			Destiny: "IA",
			Guid:    req.Guid,
			License: license,
			Origin:  req.Origin,
		},
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

// Recorder is an in-memory [Publisher] for tests. It records every request
// and can be armed to fail.
type Recorder struct {
	mu       sync.Mutex
	requests []ClickToCall

	// Err, when non-nil, is returned (wrapped in ErrBusFatal) by Publish.
	Err error
}

var _ Publisher = (*Recorder)(nil)

// NewRecorder creates an empty recording publisher.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish implements [Publisher].
func (r *Recorder) Publish(_ context.Context, req ClickToCall) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return errors.Join(ErrBusFatal, r.Err)
	}
	r.requests = append(r.requests, req)
	return nil
}

// Ready implements [Publisher].
func (r *Recorder) Ready(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return errors.Join(ErrBusFatal, r.Err)
	}
	return nil
}

// Close implements [Publisher].
func (r *Recorder) Close() error { return nil }

// Requests returns a copy of all published requests.
func (r *Recorder) Requests() []ClickToCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ClickToCall, len(r.requests))
	copy(out, r.requests)
	return out
}
