// Package observe provides application-wide observability primitives for
// brokervoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all brokervoice metrics.
const meterName = "github.com/MrWong99/brokervoice"

// Reasons used with [Metrics.RecordFrameDropped].
const (
	DropPreOpen      = "preopen_overflow"
	DropBackpressure = "backpressure"
	DropClosed       = "closed"
)

// Directions used with [Metrics.RecordCodecError].
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the OTel instruments synchronise
// internally.
type Metrics struct {
	// --- Streaming path counters ---

	// FramesCaptured counts microphone blocks encoded into outbound frames.
	FramesCaptured metric.Int64Counter

	// FramesSent counts frames accepted by the collaborator transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts outbound frames that never reached the transport.
	// Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// ChunksScheduled counts inbound chunks placed on the playback clock.
	ChunksScheduled metric.Int64Counter

	// CodecErrors counts malformed frames. Use with attribute:
	//   attribute.String("direction", ...)
	CodecErrors metric.Int64Counter

	// SessionTransitions counts voice session state changes. Use with attribute:
	//   attribute.String("state", ...)
	SessionTransitions metric.Int64Counter

	// CommandRequests counts one-shot command requests. Use with attribute:
	//   attribute.String("status", ...)
	CommandRequests metric.Int64Counter

	// --- Histograms ---

	// PlaybackGap tracks the silence inserted before a chunk because it
	// arrived after the previous one finished.
	PlaybackGap metric.Float64Histogram

	// SessionDuration tracks how long voice sessions stayed alive.
	SessionDuration metric.Float64Histogram

	// CommandDuration tracks one-shot command round-trip latency.
	CommandDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks request latency by method, route pattern
	// and status class.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice round-trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// gapBuckets covers inserted silence from a few milliseconds to seconds.
var gapBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2,
}

// sessionBuckets covers session lifetimes from seconds to the provider caps.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 900, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesCaptured, err = m.Int64Counter("brokervoice.frames.captured",
		metric.WithDescription("Microphone blocks encoded into outbound frames."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("brokervoice.frames.sent",
		metric.WithDescription("Outbound frames accepted by the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("brokervoice.frames.dropped",
		metric.WithDescription("Outbound frames dropped before transmission, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("brokervoice.chunks.scheduled",
		metric.WithDescription("Inbound audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.CodecErrors, err = m.Int64Counter("brokervoice.codec.errors",
		metric.WithDescription("Malformed audio frames by direction."),
	); err != nil {
		return nil, err
	}
	if met.SessionTransitions, err = m.Int64Counter("brokervoice.session.transitions",
		metric.WithDescription("Voice session state transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.CommandRequests, err = m.Int64Counter("brokervoice.command.requests",
		metric.WithDescription("One-shot voice command requests by status."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.PlaybackGap, err = m.Float64Histogram("brokervoice.playback.gap",
		metric.WithDescription("Silence inserted before a late chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(gapBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("brokervoice.session.duration",
		metric.WithDescription("Lifetime of voice sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CommandDuration, err = m.Float64Histogram("brokervoice.command.duration",
		metric.WithDescription("Latency of one-shot voice command requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("brokervoice.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("brokervoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status class."),
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

// RecordFrameDropped records one dropped outbound frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCodecError records one malformed frame.
func (m *Metrics) RecordCodecError(ctx context.Context, direction string) {
	m.CodecErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordTransition records a voice session state change.
func (m *Metrics) RecordTransition(ctx context.Context, state string) {
	m.SessionTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordCommand records one completed command request and its latency.
func (m *Metrics) RecordCommand(ctx context.Context, status string, seconds float64) {
	m.CommandRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.CommandDuration.Record(ctx, seconds)
}
