// Package observe provides application-wide observability primitives for the
// agent server: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all agent-server
// metrics.
const meterName = "github.com/P0rt/agent-server"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// EngineConnectDuration tracks how long the speech-engine handshake takes
	// from dial to configuration confirmation.
	EngineConnectDuration metric.Float64Histogram

	// CallDuration tracks wall-clock call length from stream start to
	// teardown.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// CallsStarted counts accepted streams. Use with attribute:
	//   attribute.String("mode", ...)
	CallsStarted metric.Int64Counter

	// CallsCompleted counts torn-down streams. Use with attribute:
	//   attribute.String("mode", ...)
	CallsCompleted metric.Int64Counter

	// StreamRejections counts streams refused before registration. Use with
	// attribute: attribute.String("reason", ...)
	StreamRejections metric.Int64Counter

	// BargeIns counts caller interruptions of assistant audio.
	BargeIns metric.Int64Counter

	// Utterances counts finalized transcript entries. Use with attribute:
	//   attribute.String("role", ...)
	Utterances metric.Int64Counter

	// EngineConnects counts speech-engine connection attempts. Use with
	// attribute: attribute.String("status", ...)
	EngineConnects metric.Int64Counter

	// AudioFrames counts media frames relayed. Use with attribute:
	//   attribute.String("direction", ...)
	AudioFrames metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of currently registered media streams.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for engine handshake latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines histogram bucket boundaries (in seconds) sized for
// phone-call durations.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EngineConnectDuration, err = m.Float64Histogram("agent_server.engine.connect.duration",
		metric.WithDescription("Latency of the speech-engine session handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("agent_server.call.duration",
		metric.WithDescription("Wall-clock duration of completed calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsStarted, err = m.Int64Counter("agent_server.calls.started",
		metric.WithDescription("Total accepted media streams by mode."),
	); err != nil {
		return nil, err
	}
	if met.CallsCompleted, err = m.Int64Counter("agent_server.calls.completed",
		metric.WithDescription("Total torn-down media streams by mode."),
	); err != nil {
		return nil, err
	}
	if met.StreamRejections, err = m.Int64Counter("agent_server.stream.rejections",
		metric.WithDescription("Total streams refused before registration, by reason."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("agent_server.barge_ins",
		metric.WithDescription("Total caller interruptions of assistant audio."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("agent_server.utterances",
		metric.WithDescription("Total finalized transcript entries by role."),
	); err != nil {
		return nil, err
	}
	if met.EngineConnects, err = m.Int64Counter("agent_server.engine.connects",
		metric.WithDescription("Total speech-engine connection attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.AudioFrames, err = m.Int64Counter("agent_server.audio.frames",
		metric.WithDescription("Total media frames relayed by direction."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("agent_server.active_streams",
		metric.WithDescription("Number of currently registered media streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("agent_server.http.request.duration",
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

// RecordCallStarted records one accepted stream in the given mode.
func (m *Metrics) RecordCallStarted(ctx context.Context, mode string) {
	m.CallsStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}

// RecordCallCompleted records one torn-down stream and its duration.
func (m *Metrics) RecordCallCompleted(ctx context.Context, mode string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	m.CallsCompleted.Add(ctx, 1, attrs)
	m.CallDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordStreamRejection records one refused stream with the reason it was
// turned away.
func (m *Metrics) RecordStreamRejection(ctx context.Context, reason string) {
	m.StreamRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordBargeIn records one caller interruption.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordUtterance records one finalized transcript entry for the given
// speaker role.
func (m *Metrics) RecordUtterance(ctx context.Context, role string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordEngineConnect records one connection attempt to a speech engine,
// its outcome, and how long the handshake took.
func (m *Metrics) RecordEngineConnect(ctx context.Context, ok bool, d time.Duration) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.EngineConnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.EngineConnectDuration.Record(ctx, d.Seconds())
}

// RecordAudioFrame records one relayed media frame in the given direction.
func (m *Metrics) RecordAudioFrame(ctx context.Context, direction string) {
	m.AudioFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}
