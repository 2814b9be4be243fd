// Package observe provides application-wide observability primitives for
// tutorlive: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all tutorlive metrics.
const meterName = "github.com/MrWong99/tutorlive"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Outbound audio ---

	// FramesSent counts microphone frames handed to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames that never reached the transport. Use with
	// attribute.String("reason", "queue_full"|"send_failed"|"circuit_open").
	FramesDropped metric.Int64Counter

	// --- Inbound audio ---

	// ChunksDecoded counts audio chunks decoded and scheduled for playback.
	ChunksDecoded metric.Int64Counter

	// ChunksDropped counts malformed audio chunks.
	ChunksDropped metric.Int64Counter

	// Interruptions counts barge-in events that flushed playback.
	Interruptions metric.Int64Counter

	// PlaybackQueued tracks buffers scheduled but not yet finished.
	PlaybackQueued metric.Int64UpDownCounter

	// --- Session lifecycle ---

	// SessionErrors counts errors surfaced by the controller. Use with
	// attribute.String("kind", ...).
	SessionErrors metric.Int64Counter

	// SessionDuration tracks how long sessions stayed active.
	SessionDuration metric.Float64Histogram

	// ConnectDuration tracks the time from dial to setup acknowledgement.
	ConnectDuration metric.Float64Histogram

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers sessions from a few seconds up to an hour.
var sessionBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("tutorlive.frames.sent",
		metric.WithDescription("Microphone frames sent to the remote model."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("tutorlive.frames.dropped",
		metric.WithDescription("Microphone frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDecoded, err = m.Int64Counter("tutorlive.chunks.decoded",
		metric.WithDescription("Inbound audio chunks decoded and scheduled."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("tutorlive.chunks.dropped",
		metric.WithDescription("Inbound audio chunks dropped as malformed."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("tutorlive.interruptions",
		metric.WithDescription("Barge-in interruptions that flushed playback."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("tutorlive.session.errors",
		metric.WithDescription("Session errors by kind."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("tutorlive.session.duration",
		metric.WithDescription("Time voice sessions spent active."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("tutorlive.session.connect.duration",
		metric.WithDescription("Latency from dial to setup acknowledgement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("tutorlive.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueued, err = m.Int64UpDownCounter("tutorlive.playback.queued",
		metric.WithDescription("Audio buffers scheduled and not yet finished."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("tutorlive.http.request.duration",
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

// RecordFrameDropped increments [Metrics.FramesDropped] for reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSessionError increments [Metrics.SessionErrors] for kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
