// Package observe provides application-wide observability primitives for
// Porteiro: OpenTelemetry metrics, a Prometheus exporter bridge, and HTTP
// middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Porteiro metrics.
const meterName = "github.com/tecvoz/porteiro"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per capability ---

	// TranscriptionDuration tracks speech-to-text latency per utterance.
	TranscriptionDuration metric.Float64Histogram

	// SynthesisDuration tracks text-to-speech latency per phrase.
	SynthesisDuration metric.Float64Histogram

	// IntentDuration tracks LLM intent-extraction latency per visitor turn.
	IntentDuration metric.Float64Histogram

	// --- Counters ---

	// FramesReceived counts inbound audio-socket frames. Attributes: role.
	FramesReceived metric.Int64Counter

	// Utterances counts admitted utterances per leg. Attributes: role.
	Utterances metric.Int64Counter

	// UtterancesDropped counts filtered SpeechEnd events.
	// Attributes: role, reason.
	UtterancesDropped metric.Int64Counter

	// ClickToCalls counts outbound call requests. Attributes: status.
	ClickToCalls metric.Int64Counter

	// SessionsFinalized counts finished sessions. Attributes: cause,
	// authorization.
	SessionsFinalized metric.Int64Counter

	// PhraseCache counts cache lookups. Attributes: result (hit/miss).
	PhraseCache metric.Int64Counter

	// CapabilityErrors counts terminal capability failures.
	// Attributes: capability.
	CapabilityErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveLegs tracks the number of connected audio legs.
	ActiveLegs metric.Int64UpDownCounter

	// ActiveListeners tracks the number of bound listener sockets.
	ActiveListeners metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks management-API request processing time.
	// Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("porteiro.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("porteiro.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.IntentDuration, err = m.Float64Histogram("porteiro.intent.duration",
		metric.WithDescription("Latency of LLM intent extraction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesReceived, err = m.Int64Counter("porteiro.frames.received",
		metric.WithDescription("Inbound audio-socket frames by leg role."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("porteiro.utterances",
		metric.WithDescription("Admitted utterances by leg role."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesDropped, err = m.Int64Counter("porteiro.utterances.dropped",
		metric.WithDescription("SpeechEnd events dropped by the admission filters, by role and reason."),
	); err != nil {
		return nil, err
	}
	if met.ClickToCalls, err = m.Int64Counter("porteiro.clicktocall.requests",
		metric.WithDescription("Outbound click-to-call publications by status."),
	); err != nil {
		return nil, err
	}
	if met.SessionsFinalized, err = m.Int64Counter("porteiro.sessions.finalized",
		metric.WithDescription("Finished sessions by cause and authorization outcome."),
	); err != nil {
		return nil, err
	}
	if met.PhraseCache, err = m.Int64Counter("porteiro.phrasecache.lookups",
		metric.WithDescription("Phrase cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.CapabilityErrors, err = m.Int64Counter("porteiro.capability.errors",
		metric.WithDescription("Terminal capability failures by capability."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("porteiro.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveLegs, err = m.Int64UpDownCounter("porteiro.active_legs",
		metric.WithDescription("Number of connected audio legs."),
	); err != nil {
		return nil, err
	}
	if met.ActiveListeners, err = m.Int64UpDownCounter("porteiro.active_listeners",
		metric.WithDescription("Number of bound listener sockets."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("porteiro.http.request.duration",
		metric.WithDescription("Management API request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordTranscription records one transcription with its latency and status.
func (m *Metrics) RecordTranscription(ctx context.Context, role string, took time.Duration, ok bool) {
	m.TranscriptionDuration.Record(ctx, took.Seconds(),
		metric.WithAttributes(attribute.String("role", role)))
	if !ok {
		m.CapabilityErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("capability", "stt")))
	}
}

// RecordSynthesis records one synthesis with its latency and status.
func (m *Metrics) RecordSynthesis(ctx context.Context, role string, took time.Duration, ok bool) {
	m.SynthesisDuration.Record(ctx, took.Seconds(),
		metric.WithAttributes(attribute.String("role", role)))
	if !ok {
		m.CapabilityErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("capability", "tts")))
	}
}

// RecordDrop records a filtered SpeechEnd event.
func (m *Metrics) RecordDrop(ctx context.Context, role, reason string) {
	m.UtterancesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("role", role),
			attribute.String("reason", reason),
		))
}

// RecordFinalized records a finished session.
func (m *Metrics) RecordFinalized(ctx context.Context, cause, authorization string) {
	m.SessionsFinalized.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("cause", cause),
			attribute.String("authorization", authorization),
		))
}

// RecordCacheLookup records a phrase-cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.PhraseCache.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)))
}
