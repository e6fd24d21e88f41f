// Package observe provides application-wide observability primitives for
// frontdesk: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all frontdesk metrics.
const meterName = "github.com/MrWong99/frontdesk"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// UpstreamDuration tracks calls to the upstream speech service. Use with
	// attribute.String("op", ...) (dial, mint, rtc).
	UpstreamDuration metric.Float64Histogram

	// SessionRTT tracks round-trip latency sampled by client sessions.
	SessionRTT metric.Float64Histogram

	// --- Counters ---

	// RelayMessages counts frames forwarded by the relay. Use with attributes:
	//   attribute.String("direction", "client"|"upstream"), attribute.String("kind", ...)
	RelayMessages metric.Int64Counter

	// MintRequests counts credential mint requests. Use with attribute:
	//   attribute.String("status", ...)
	MintRequests metric.Int64Counter

	// SessionTransitions counts client session status changes. Use with
	// attributes attribute.String("from", ...), attribute.String("to", ...).
	SessionTransitions metric.Int64Counter

	// DroppedChunks counts inbound messages dropped without ending the
	// session. Use with attribute.String("reason", ...).
	DroppedChunks metric.Int64Counter

	// --- Error counters ---

	// UpstreamErrors counts failed upstream calls. Use with attributes:
	//   attribute.String("op", ...), attribute.String("kind", ...)
	UpstreamErrors metric.Int64Counter

	// --- Gauges ---

	// RelaySessions tracks the number of live relayed voice sessions.
	RelaySessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// interactive voice round trips.
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
	if met.UpstreamDuration, err = m.Float64Histogram("frontdesk.upstream.duration",
		metric.WithDescription("Latency of upstream speech service calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionRTT, err = m.Float64Histogram("frontdesk.session.rtt",
		metric.WithDescription("Round-trip latency sampled by voice sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.RelayMessages, err = m.Int64Counter("frontdesk.relay.messages",
		metric.WithDescription("Total frames forwarded by the relay by direction and kind."),
	); err != nil {
		return nil, err
	}
	if met.MintRequests, err = m.Int64Counter("frontdesk.mint.requests",
		metric.WithDescription("Total credential mint requests by status."),
	); err != nil {
		return nil, err
	}
	if met.SessionTransitions, err = m.Int64Counter("frontdesk.session.transitions",
		metric.WithDescription("Total voice session status transitions."),
	); err != nil {
		return nil, err
	}
	if met.DroppedChunks, err = m.Int64Counter("frontdesk.session.dropped",
		metric.WithDescription("Total inbound messages dropped by reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.UpstreamErrors, err = m.Int64Counter("frontdesk.upstream.errors",
		metric.WithDescription("Total upstream failures by operation and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.RelaySessions, err = m.Int64UpDownCounter("frontdesk.relay.active_sessions",
		metric.WithDescription("Number of live relayed voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("frontdesk.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordUpstream records the duration of one upstream call and, when err is
// non-nil, an error under kind.
func (m *Metrics) RecordUpstream(ctx context.Context, op string, d time.Duration, err error, kind string) {
	m.UpstreamDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("op", op)))
	if err != nil {
		m.UpstreamErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("op", op),
				attribute.String("kind", kind),
			),
		)
	}
}

// RecordRelayMessage counts one forwarded frame.
func (m *Metrics) RecordRelayMessage(ctx context.Context, direction, kind string) {
	m.RelayMessages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("kind", kind),
		),
	)
}

// RecordMint counts one credential mint request.
func (m *Metrics) RecordMint(ctx context.Context, status string) {
	m.MintRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTransition counts one session status change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.SessionTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordDropped counts one inbound message dropped for reason.
func (m *Metrics) RecordDropped(ctx context.Context, reason string) {
	m.DroppedChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRTT records one sampled round trip.
func (m *Metrics) RecordRTT(ctx context.Context, d time.Duration) {
	m.SessionRTT.Record(ctx, d.Seconds())
}
