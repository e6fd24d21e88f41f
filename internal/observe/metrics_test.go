package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
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

// sumWhere returns the value of the int64 sum data point carrying key=value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"frontdesk.upstream.duration", m.UpstreamDuration},
		{"frontdesk.session.rtt", m.SessionRTT},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordUpstream(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordUpstream(ctx, "mint", 120*time.Millisecond, nil, "")
	m.RecordUpstream(ctx, "mint", 80*time.Millisecond, errors.New("boom"), "status_500")

	rm := collect(t, reader)
	hist, ok := findMetric(rm, "frontdesk.upstream.duration").Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 2 {
		t.Errorf("upstream duration = %+v, want one point with two samples", hist)
	}
	if got, ok := sumWhere(t, rm, "frontdesk.upstream.errors", "kind", "status_500"); !ok || got != 1 {
		t.Errorf("upstream errors = %d (found=%v), want 1", got, ok)
	}
}

func TestRelayMessagesCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRelayMessage(ctx, "client", "text")
	m.RecordRelayMessage(ctx, "client", "binary")
	m.RecordRelayMessage(ctx, "upstream", "text")
	m.RecordRelayMessage(ctx, "upstream", "text")

	rm := collect(t, reader)
	if got, ok := sumWhere(t, rm, "frontdesk.relay.messages", "direction", "upstream"); !ok || got != 2 {
		t.Errorf("upstream messages = %d (found=%v), want 2", got, ok)
	}
}

func TestMintAndTransitionCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordMint(ctx, "ok")
	m.RecordMint(ctx, "ok")
	m.RecordMint(ctx, "error")
	m.RecordTransition(ctx, "idle", "connecting")
	m.RecordTransition(ctx, "connecting", "connected")
	m.RecordDropped(ctx, "malformed_audio")

	rm := collect(t, reader)
	if got, ok := sumWhere(t, rm, "frontdesk.mint.requests", "status", "ok"); !ok || got != 2 {
		t.Errorf("mint ok = %d (found=%v), want 2", got, ok)
	}
	if got, ok := sumWhere(t, rm, "frontdesk.session.transitions", "to", "connected"); !ok || got != 1 {
		t.Errorf("transitions to connected = %d (found=%v), want 1", got, ok)
	}
	if got, ok := sumWhere(t, rm, "frontdesk.session.dropped", "reason", "malformed_audio"); !ok || got != 1 {
		t.Errorf("dropped = %d (found=%v), want 1", got, ok)
	}
}

func TestRelaySessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive, so open/close pairs net out.
	m.RelaySessions.Add(ctx, 1)
	m.RelaySessions.Add(ctx, 1)
	m.RelaySessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "frontdesk.relay.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("metric is not a sum with data")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "frontdesk.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
