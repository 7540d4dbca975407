// Package observe provides application-wide observability primitives for
// switchboard: OpenTelemetry metrics, distributed tracing, structured logging,
// the per-call telemetry sink and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all switchboard metrics.
const meterName = "github.com/MrWong99/switchboard"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TransitionLatency is the time spent in a turn state before leaving it.
	// Attributes: from, to.
	TransitionLatency metric.Float64Histogram

	// TurnDuration is the lifetime of a turn. Attribute: outcome.
	TurnDuration metric.Float64Histogram

	// FirstAudioLatency is the time from end of user speech to the first
	// synthesized frame queued for playout.
	FirstAudioLatency metric.Float64Histogram

	// AdapterDuration is the time to first output of an adapter call.
	// Attributes: stage, provider.
	AdapterDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts finished turns. Attribute: outcome.
	Turns metric.Int64Counter

	// BargeIns counts turns interrupted by caller speech.
	BargeIns metric.Int64Counter

	// CodecErrors counts frames replaced by silence. Attribute: op.
	CodecErrors metric.Int64Counter

	// GapFrames counts inbound frames reported missing by the transport.
	GapFrames metric.Int64Counter

	// ProtocolViolations counts adapter output dropped because its turn was
	// no longer current. Attribute: stage.
	ProtocolViolations metric.Int64Counter

	// AdapterFailures counts adapter errors. Attributes: stage, kind
	// ("timeout" or "failure").
	AdapterFailures metric.Int64Counter

	// ProviderRequests counts provider calls made through the failover
	// groups. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// LifecycleEvents counts call lifecycle events. Attribute: kind.
	LifecycleEvents metric.Int64Counter

	// GateDegraded counts calls whose speech gate fell back to its
	// lower-latency classifier.
	GateDegraded metric.Int64Counter

	// TelemetryDropped counts sink events dropped because a buffer was full.
	// Attribute: sink.
	TelemetryDropped metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of running call pipelines.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
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

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.TransitionLatency, "switchboard.turn.transition.latency", "Time spent in a turn state before leaving it."},
		{&met.TurnDuration, "switchboard.turn.duration", "Lifetime of a turn by outcome."},
		{&met.FirstAudioLatency, "switchboard.turn.first_audio.latency", "Time from end of user speech to first queued response audio."},
		{&met.AdapterDuration, "switchboard.adapter.duration", "Time to first output of an adapter call by stage and provider."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.Turns, "switchboard.turns", "Total finished turns by outcome."},
		{&met.BargeIns, "switchboard.barge_ins", "Total turns interrupted by caller speech."},
		{&met.CodecErrors, "switchboard.codec.errors", "Total frames replaced by silence after a codec error."},
		{&met.GapFrames, "switchboard.media.gap_frames", "Total inbound frames reported missing."},
		{&met.ProtocolViolations, "switchboard.adapter.protocol_violations", "Total adapter outputs dropped for a stale turn."},
		{&met.AdapterFailures, "switchboard.adapter.failures", "Total adapter failures by stage and kind."},
		{&met.ProviderRequests, "switchboard.provider.requests", "Total provider requests by provider, kind, and status."},
		{&met.LifecycleEvents, "switchboard.call.lifecycle", "Total call lifecycle events by kind."},
		{&met.GateDegraded, "switchboard.gate.degraded", "Total calls whose speech gate switched to its fallback classifier."},
		{&met.TelemetryDropped, "switchboard.telemetry.dropped", "Total telemetry events dropped by a full sink buffer."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("switchboard.active_calls",
		metric.WithDescription("Number of running call pipelines."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("switchboard.http.request.duration",
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

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordAdapterFailure records an adapter failure. kind is "timeout" or
// "failure".
func (m *Metrics) RecordAdapterFailure(ctx context.Context, stage, kind string) {
	m.AdapterFailures.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("kind", kind),
		),
	)
}

// RecordProtocolViolation records adapter output dropped for a stale turn.
func (m *Metrics) RecordProtocolViolation(ctx context.Context, stage string) {
	m.ProtocolViolations.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordCodecError records a frame replaced by silence.
func (m *Metrics) RecordCodecError(ctx context.Context, op string) {
	m.CodecErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordAdapterDuration records the time to first output of an adapter call.
func (m *Metrics) RecordAdapterDuration(ctx context.Context, stage, provider string, seconds float64) {
	m.AdapterDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("provider", provider),
		),
	)
}
