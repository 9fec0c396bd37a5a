// Package observe provides application-wide observability primitives for
// earshot: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all earshot metrics.
const meterName = "github.com/MrWong99/earshot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// UtteranceDuration tracks the length of detected utterances. Use with
	// attribute.String("listener", ...).
	UtteranceDuration metric.Float64Histogram

	// ReplyDuration tracks reply pipeline latency per turn. Use with
	// attribute.String("status", ...).
	ReplyDuration metric.Float64Histogram

	// --- Counters ---

	// SpeechEdges counts speech boundaries. Use with attributes:
	//   attribute.String("listener", ...), attribute.String("edge", ...)
	SpeechEdges metric.Int64Counter

	// Interrupts counts confirmed barge-ins.
	Interrupts metric.Int64Counter

	// Calibrations counts adaptive threshold recalibrations.
	Calibrations metric.Int64Counter

	// Transitions counts conversation state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...),
	//   attribute.String("cause", ...)
	Transitions metric.Int64Counter

	// WakeMatches counts wake phrase detections. Use with
	// attribute.String("phrase", ...).
	WakeMatches metric.Int64Counter

	// CaptureErrors counts capture acquisition failures. Use with
	// attribute.String("kind", ...).
	CaptureErrors metric.Int64Counter

	// --- Gauges ---

	// Threshold reports the current interrupt threshold in dB.
	Threshold metric.Float64Gauge

	// ActiveListeners tracks running listeners. Use with
	// attribute.String("listener", ...).
	ActiveListeners metric.Int64UpDownCounter

	// FeedClients tracks connected event feed websocket clients.
	FeedClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request time by method, mux route and
	// status. Websocket routes record the stream lifetime.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both utterance lengths and reply latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.UtteranceDuration, err = m.Float64Histogram("earshot.utterance.duration",
		metric.WithDescription("Length of detected utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReplyDuration, err = m.Float64Histogram("earshot.reply.duration",
		metric.WithDescription("Latency of the reply pipeline per turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SpeechEdges, err = m.Int64Counter("earshot.speech.edges",
		metric.WithDescription("Total speech start and end edges by listener."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("earshot.interrupts",
		metric.WithDescription("Total confirmed barge-in interrupts."),
	); err != nil {
		return nil, err
	}
	if met.Calibrations, err = m.Int64Counter("earshot.calibrations",
		metric.WithDescription("Total adaptive threshold recalibrations."),
	); err != nil {
		return nil, err
	}
	if met.Transitions, err = m.Int64Counter("earshot.conversation.transitions",
		metric.WithDescription("Total conversation state transitions by from, to and cause."),
	); err != nil {
		return nil, err
	}
	if met.WakeMatches, err = m.Int64Counter("earshot.wake.matches",
		metric.WithDescription("Total wake phrase matches by phrase."),
	); err != nil {
		return nil, err
	}
	if met.CaptureErrors, err = m.Int64Counter("earshot.capture.errors",
		metric.WithDescription("Total capture acquisition failures by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.Threshold, err = m.Float64Gauge("earshot.interrupt.threshold",
		metric.WithDescription("Current interrupt detection threshold."),
		metric.WithUnit("dB"),
	); err != nil {
		return nil, err
	}
	if met.ActiveListeners, err = m.Int64UpDownCounter("earshot.active_listeners",
		metric.WithDescription("Number of running listeners by kind."),
	); err != nil {
		return nil, err
	}
	if met.FeedClients, err = m.Int64UpDownCounter("earshot.feed.clients",
		metric.WithDescription("Number of connected event feed clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
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

// RecordSpeechStart records a speech start edge.
func (m *Metrics) RecordSpeechStart(ctx context.Context, listener string) {
	m.SpeechEdges.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("listener", listener),
			attribute.String("edge", "start"),
		),
	)
}

// RecordSpeechEnd records a speech end edge and the utterance length.
func (m *Metrics) RecordSpeechEnd(ctx context.Context, listener string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("listener", listener))
	m.SpeechEdges.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("listener", listener),
			attribute.String("edge", "end"),
		),
	)
	m.UtteranceDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordInterrupt records a confirmed barge-in.
func (m *Metrics) RecordInterrupt(ctx context.Context) {
	m.Interrupts.Add(ctx, 1)
}

// RecordCalibration records a recalibration and the new threshold.
func (m *Metrics) RecordCalibration(ctx context.Context, thresholdDB float64) {
	m.Calibrations.Add(ctx, 1)
	m.Threshold.Record(ctx, thresholdDB)
}

// RecordTransition records a conversation state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to, cause string) {
	m.Transitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
			attribute.String("cause", cause),
		),
	)
}

// RecordWake records a wake phrase match.
func (m *Metrics) RecordWake(ctx context.Context, phrase string) {
	m.WakeMatches.Add(ctx, 1,
		metric.WithAttributes(attribute.String("phrase", phrase)),
	)
}

// RecordReply records one reply pipeline run.
func (m *Metrics) RecordReply(ctx context.Context, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ReplyDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordCaptureError records a failed capture acquisition.
func (m *Metrics) RecordCaptureError(ctx context.Context, kind string) {
	m.CaptureErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// ListenerStarted adjusts the active listener gauge by +1.
func (m *Metrics) ListenerStarted(ctx context.Context, listener string) {
	m.ActiveListeners.Add(ctx, 1, metric.WithAttributes(attribute.String("listener", listener)))
}

// ListenerStopped adjusts the active listener gauge by -1.
func (m *Metrics) ListenerStopped(ctx context.Context, listener string) {
	m.ActiveListeners.Add(ctx, -1, metric.WithAttributes(attribute.String("listener", listener)))
}
