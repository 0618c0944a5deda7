// Package observe provides application-wide observability primitives for
// meetscribe: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [Telemetry.Install] so that metrics can be
// scraped from the status server's /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all meetscribe metrics.
const meterName = "github.com/MrWong99/meetscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Audio pipeline ---

	// AudioFrames counts captured frames handed to the processor.
	AudioFrames metric.Int64Counter

	// AudioFramesDropped counts frames that produced no chunk. Use with
	// attribute.String("reason", ...): "encode", "capture_lag".
	AudioFramesDropped metric.Int64Counter

	// AudioLevel records the RMS level of every processed frame.
	AudioLevel metric.Float64Histogram

	// --- Streaming transport ---

	// TransportChunks counts audio chunks by attribute.String("outcome", ...):
	// "sent", "buffered", "discarded", "gated".
	TransportChunks metric.Int64Counter

	// TransportStateChanges counts connection state transitions by
	// attribute.String("state", ...).
	TransportStateChanges metric.Int64Counter

	// HeartbeatRTT tracks ping/pong round-trip time.
	HeartbeatRTT metric.Float64Histogram

	// --- Transcript ---

	// TranscriptMessages counts inbound transcript messages by
	// attribute.String("stage", ...): "partial", "raw", "polished".
	TranscriptMessages metric.Int64Counter

	// BackendErrors counts error messages surfaced by the backend.
	BackendErrors metric.Int64Counter

	// --- REST API ---

	// APIDuration tracks REST call latency. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	APIDuration metric.Float64Histogram

	// BreakerTransitions counts circuit breaker transitions. Use with
	// attributes attribute.String("name", ...), attribute.String("state", ...).
	BreakerTransitions metric.Int64Counter

	// --- Sessions ---

	// ActiveSessions tracks the number of recordings in progress.
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration records the length of finished recordings.
	SessionDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks status server request time. Use with
	// attributes attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for REST
// and round-trip latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// levelBuckets covers the linear RMS range [0, 1] with extra resolution
// around the silence and speech thresholds.
var levelBuckets = []float64{
	0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1,
}

// sessionBuckets covers recordings from a minute to a few hours, in seconds.
var sessionBuckets = []float64{
	60, 300, 900, 1800, 3600, 7200, 14400,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Audio.
	if met.AudioFrames, err = m.Int64Counter("meetscribe.audio.frames",
		metric.WithDescription("Captured audio frames handed to the processor."),
	); err != nil {
		return nil, err
	}
	if met.AudioFramesDropped, err = m.Int64Counter("meetscribe.audio.frames_dropped",
		metric.WithDescription("Audio frames that produced no chunk, by reason."),
	); err != nil {
		return nil, err
	}
	if met.AudioLevel, err = m.Float64Histogram("meetscribe.audio.level",
		metric.WithDescription("RMS level of processed frames."),
		metric.WithExplicitBucketBoundaries(levelBuckets...),
	); err != nil {
		return nil, err
	}

	// Transport.
	if met.TransportChunks, err = m.Int64Counter("meetscribe.transport.chunks",
		metric.WithDescription("Audio chunks handed to the transport, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.TransportStateChanges, err = m.Int64Counter("meetscribe.transport.state_changes",
		metric.WithDescription("Streaming connection state transitions, by target state."),
	); err != nil {
		return nil, err
	}
	if met.HeartbeatRTT, err = m.Float64Histogram("meetscribe.heartbeat.rtt",
		metric.WithDescription("Ping/pong round-trip time on the streaming connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Transcript.
	if met.TranscriptMessages, err = m.Int64Counter("meetscribe.transcript.messages",
		metric.WithDescription("Inbound transcript messages, by stage."),
	); err != nil {
		return nil, err
	}
	if met.BackendErrors, err = m.Int64Counter("meetscribe.backend.errors",
		metric.WithDescription("Error messages reported by the transcription backend."),
	); err != nil {
		return nil, err
	}

	// REST API.
	if met.APIDuration, err = m.Float64Histogram("meetscribe.api.duration",
		metric.WithDescription("Latency of meeting API calls, by operation and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("meetscribe.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions, by breaker and target state."),
	); err != nil {
		return nil, err
	}

	// Sessions.
	if met.ActiveSessions, err = m.Int64UpDownCounter("meetscribe.active_sessions",
		metric.WithDescription("Number of recordings in progress."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("meetscribe.session.duration",
		metric.WithDescription("Length of finished recordings."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("meetscribe.http.request.duration",
		metric.WithDescription("Status server request latency by method and path."),
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

// RecordFrameDropped records a dropped audio frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.AudioFramesDropped.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordChunk records the transport outcome of one audio chunk.
func (m *Metrics) RecordChunk(ctx context.Context, outcome string) {
	m.TransportChunks.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordStateChange records a streaming connection state transition.
func (m *Metrics) RecordStateChange(ctx context.Context, state string) {
	m.TransportStateChanges.Add(ctx, 1, metric.WithAttributes(Attr("state", state)))
}

// RecordTranscriptMessage records one inbound transcript message.
func (m *Metrics) RecordTranscriptMessage(ctx context.Context, stage string) {
	m.TranscriptMessages.Add(ctx, 1, metric.WithAttributes(Attr("stage", stage)))
}

// RecordAPICall records the latency of one REST call.
func (m *Metrics) RecordAPICall(ctx context.Context, op, status string, d time.Duration) {
	m.APIDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}

// RecordBreakerTransition records a circuit breaker transition.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("state", state),
		),
	)
}
