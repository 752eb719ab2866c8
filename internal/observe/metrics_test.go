package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// attrValue extracts a string attribute from a data-point attribute set.
func attrValue(attrs []metricdata.DataPoint[int64], key string) (string, bool) {
	for _, dp := range attrs {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok {
			return v.AsString(), true
		}
	}
	return "", false
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	t.Parallel()

	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordTranscription(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTranscription(ctx, "visitor", 120*time.Millisecond, true)
	m.RecordTranscription(ctx, "resident", 80*time.Millisecond, false)

	rm := collect(t, reader)

	hist := findMetric(rm, "porteiro.stt.duration")
	if hist == nil {
		t.Fatal("porteiro.stt.duration not recorded")
	}
	data, ok := hist.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("stt duration data type = %T", hist.Data)
	}
	var count uint64
	for _, dp := range data.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("histogram count = %d, want 2", count)
	}

	// The failed transcription must also bump the capability error counter.
	errs := findMetric(rm, "porteiro.capability.errors")
	if errs == nil {
		t.Fatal("porteiro.capability.errors not recorded")
	}
	sum, ok := errs.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("capability errors data type = %T", errs.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 1 {
		t.Errorf("capability errors = %d, want 1", total)
	}
}

func TestRecordDrop_CarriesRoleAndReason(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	m.RecordDrop(context.Background(), "visitor", "echo_guard")

	rm := collect(t, reader)
	met := findMetric(rm, "porteiro.utterances.dropped")
	if met == nil {
		t.Fatal("porteiro.utterances.dropped not recorded")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("drop data type = %T", met.Data)
	}
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Fatalf("data points = %+v", sum.DataPoints)
	}
	if v, ok := attrValue(sum.DataPoints, "reason"); !ok || v != "echo_guard" {
		t.Errorf("reason attribute = %q %v", v, ok)
	}
	if v, ok := attrValue(sum.DataPoints, "role"); !ok || v != "visitor" {
		t.Errorf("role attribute = %q %v", v, ok)
	}
}

func TestRecordCacheLookup(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordCacheLookup(ctx, true)
	m.RecordCacheLookup(ctx, true)
	m.RecordCacheLookup(ctx, false)

	rm := collect(t, reader)
	met := findMetric(rm, "porteiro.phrasecache.lookups")
	if met == nil {
		t.Fatal("porteiro.phrasecache.lookups not recorded")
	}
	sum := met.Data.(metricdata.Sum[int64])

	byResult := map[string]int64{}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key("result")); ok {
			byResult[v.AsString()] = dp.Value
		}
	}
	if byResult["hit"] != 2 || byResult["miss"] != 1 {
		t.Errorf("lookups by result = %v, want hit=2 miss=1", byResult)
	}
}

func TestActiveGauges_UpAndDown(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.ActiveLegs.Add(ctx, 1)
	m.ActiveLegs.Add(ctx, 1)
	m.ActiveLegs.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "porteiro.active_legs")
	if met == nil {
		t.Fatal("porteiro.active_legs not recorded")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("active legs = %+v, want net 1", sum.DataPoints)
	}
}

func TestRecordFinalized(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	m.RecordFinalized(context.Background(), "decision", "authorized")

	rm := collect(t, reader)
	met := findMetric(rm, "porteiro.sessions.finalized")
	if met == nil {
		t.Fatal("porteiro.sessions.finalized not recorded")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if v, ok := attrValue(sum.DataPoints, "cause"); !ok || v != "decision" {
		t.Errorf("cause attribute = %q %v", v, ok)
	}
	if v, ok := attrValue(sum.DataPoints, "authorization"); !ok || v != "authorized" {
		t.Errorf("authorization attribute = %q %v", v, ok)
	}
}
