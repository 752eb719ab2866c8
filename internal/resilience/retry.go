package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tecvoz/porteiro/pkg/provider/llm"
	"github.com/tecvoz/porteiro/pkg/provider/stt"
	"github.com/tecvoz/porteiro/pkg/provider/tts"
)

// RetryConfig tunes the transient-failure retry loop. Zero values get
// defaults.
type RetryConfig struct {
	// Attempts is the total number of tries (first call included).
	// Default: 3.
	Attempts int

	// BaseDelay is the delay before the first retry; it doubles on each
	// further retry. Default: 200 ms.
	BaseDelay time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	return c
}

// Retry runs fn up to cfg.Attempts times with exponential backoff. Context
// cancellation stops the loop immediately and is never retried.
func Retry(ctx context.Context, cfg RetryConfig, name string, fn func() error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if attempt == cfg.Attempts {
			break
		}
		slog.Warn("capability call failed, retrying",
			"capability", name, "attempt", attempt, "backoff", delay, "err", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("resilience: %s failed after %d attempts: %w", name, cfg.Attempts, lastErr)
}

// STT wraps an stt.Provider with retry and a circuit breaker.
type STT struct {
	inner   stt.Provider
	breaker *CircuitBreaker
	retry   RetryConfig
}

var _ stt.Provider = (*STT)(nil)

// NewSTT wraps provider. name labels the breaker in logs.
func NewSTT(provider stt.Provider, name string, retry RetryConfig, breaker BreakerConfig) *STT {
	breaker.Name = name
	return &STT{
		inner:   provider,
		breaker: NewCircuitBreaker(breaker),
		retry:   retry,
	}
}

// Transcribe implements stt.Provider.
func (s *STT) Transcribe(ctx context.Context, pcm []byte, opts stt.Options) (string, error) {
	var text string
	err := s.breaker.Execute(func() error {
		return Retry(ctx, s.retry, "stt", func() error {
			var err error
			text, err = s.inner.Transcribe(ctx, pcm, opts)
			return err
		})
	})
	return text, err
}

// TTS wraps a tts.Provider with retry and a circuit breaker.
type TTS struct {
	inner   tts.Provider
	breaker *CircuitBreaker
	retry   RetryConfig
}

var _ tts.Provider = (*TTS)(nil)

// NewTTS wraps provider. name labels the breaker in logs.
func NewTTS(provider tts.Provider, name string, retry RetryConfig, breaker BreakerConfig) *TTS {
	breaker.Name = name
	return &TTS{
		inner:   provider,
		breaker: NewCircuitBreaker(breaker),
		retry:   retry,
	}
}

// Synthesize implements tts.Provider.
func (t *TTS) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	var pcm []byte
	err := t.breaker.Execute(func() error {
		return Retry(ctx, t.retry, "tts", func() error {
			var err error
			pcm, err = t.inner.Synthesize(ctx, text, voice)
			return err
		})
	})
	return pcm, err
}

// LLM wraps an llm.Provider with retry and a circuit breaker.
type LLM struct {
	inner   llm.Provider
	breaker *CircuitBreaker
	retry   RetryConfig
}

var _ llm.Provider = (*LLM)(nil)

// NewLLM wraps provider. name labels the breaker in logs.
func NewLLM(provider llm.Provider, name string, retry RetryConfig, breaker BreakerConfig) *LLM {
	breaker.Name = name
	return &LLM{
		inner:   provider,
		breaker: NewCircuitBreaker(breaker),
		retry:   retry,
	}
}

// Complete implements llm.Provider.
func (l *LLM) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	var out string
	err := l.breaker.Execute(func() error {
		return Retry(ctx, l.retry, "llm", func() error {
			var err error
			out, err = l.inner.Complete(ctx, req)
			return err
		})
	})
	return out, err
}
