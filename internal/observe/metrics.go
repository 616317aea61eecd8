// Package observe provides application-wide observability primitives for
// Vocalink: OpenTelemetry metrics, structured logging, and HTTP middleware
// for the admin endpoints.
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

// meterName is the instrumentation scope name used for all Vocalink metrics.
const meterName = "github.com/MrWong99/vocalink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture path ---

	// FramesSent counts uplink audio packets sent to the relay.
	FramesSent metric.Int64Counter

	// FramesDropped counts uplink packets discarded because the send queue
	// was full (drop-oldest backpressure).
	FramesDropped metric.Int64Counter

	// --- Playback path ---

	// ChunksReceived counts downlink PCM chunks received from the relay.
	ChunksReceived metric.Int64Counter

	// SamplesDropped counts playback samples lost to ring overflow.
	SamplesDropped metric.Int64Counter

	// StateTransitions counts playback state-machine edges. Use with
	// attribute: attribute.String("transition", ...).
	StateTransitions metric.Int64Counter

	// BufferedAudio tracks playback buffer occupancy in milliseconds,
	// sampled from ring stats events.
	BufferedAudio metric.Float64Histogram

	// --- Session ---

	// ConnectDuration tracks WebSocket dial plus ready-handshake latency.
	ConnectDuration metric.Float64Histogram

	// TextMessages counts text messages by direction. Use with attribute:
	//   attribute.String("direction", "sent"|"received")
	TextMessages metric.Int64Counter

	// SessionErrors counts session failures by stage. Use with attribute:
	//   attribute.String("stage", ...)
	SessionErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time on the admin
	// endpoints. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// bufferBuckets defines occupancy bucket boundaries in milliseconds, spanning
// the rebuffer threshold up to ring capacity.
var bufferBuckets = []float64{
	0, 50, 100, 150, 200, 300, 500, 1000, 2000, 5000,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture path.
	if met.FramesSent, err = m.Int64Counter("vocalink.capture.frames_sent",
		metric.WithDescription("Total uplink audio packets sent to the relay."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("vocalink.capture.frames_dropped",
		metric.WithDescription("Total uplink packets discarded by send-queue backpressure."),
	); err != nil {
		return nil, err
	}

	// Playback path.
	if met.ChunksReceived, err = m.Int64Counter("vocalink.playback.chunks_received",
		metric.WithDescription("Total downlink PCM chunks received from the relay."),
	); err != nil {
		return nil, err
	}
	if met.SamplesDropped, err = m.Int64Counter("vocalink.playback.samples_dropped",
		metric.WithDescription("Total playback samples lost to ring overflow."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("vocalink.playback.state_transitions",
		metric.WithDescription("Total playback state-machine transitions by edge."),
	); err != nil {
		return nil, err
	}
	if met.BufferedAudio, err = m.Float64Histogram("vocalink.playback.buffered",
		metric.WithDescription("Playback buffer occupancy sampled from ring stats."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(bufferBuckets...),
	); err != nil {
		return nil, err
	}

	// Session.
	if met.ConnectDuration, err = m.Float64Histogram("vocalink.session.connect.duration",
		metric.WithDescription("Latency of WebSocket dial plus ready handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TextMessages, err = m.Int64Counter("vocalink.session.text_messages",
		metric.WithDescription("Total text messages by direction."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("vocalink.session.errors",
		metric.WithDescription("Total session failures by stage."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("vocalink.http.request.duration",
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

// RecordStateTransition records one playback state-machine edge.
func (m *Metrics) RecordStateTransition(ctx context.Context, transition string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("transition", transition)),
	)
}

// RecordTextMessage records one text message in the given direction.
func (m *Metrics) RecordTextMessage(ctx context.Context, direction string) {
	m.TextMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordSessionError records one session failure at the given stage.
func (m *Metrics) RecordSessionError(ctx context.Context, stage string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
