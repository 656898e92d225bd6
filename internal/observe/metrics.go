// Package observe provides application-wide observability primitives for
// puertocho: OpenTelemetry metrics, tracing helpers, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is set up by [InitProvider] so that metrics can be scraped
// via the standard /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all puertocho metrics.
const meterName = "github.com/MrWong99/puertocho"

// Metrics holds all OpenTelemetry metric instruments for the appliance.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// EngineDuration tracks the time the keyword engine spends on one frame.
	EngineDuration metric.Float64Histogram

	// DeliveryDuration tracks how long handing a capture to the uplink takes.
	DeliveryDuration metric.Float64Histogram

	// --- Detector counters ---

	// Detections counts emitted wake-word events. Use with attribute:
	//   attribute.String("channel", ...)
	Detections metric.Int64Counter

	// Suppressed counts matches swallowed by the cooldown or the coincidence
	// gate.
	Suppressed metric.Int64Counter

	// FramesEvaluated counts engine frames processed.
	FramesEvaluated metric.Int64Counter

	// ChunkErrors counts per-chunk failures. Use with attributes:
	//   attribute.String("component", ...), attribute.String("kind", ...)
	ChunkErrors metric.Int64Counter

	// ChunksDropped counts chunks the audio callback could not hand to the
	// processing goroutine.
	ChunksDropped metric.Int64Counter

	// --- Event bus ---

	// BusPublished counts accepted events. Use with attribute:
	//   attribute.String("type", ...)
	BusPublished metric.Int64Counter

	// BusDropped counts events rejected because the queue was full.
	BusDropped metric.Int64Counter

	// BusHandlerErrors counts handler panics.
	BusHandlerErrors metric.Int64Counter

	// --- State and delivery ---

	// StateTransitions counts state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// CapturesDelivered counts captures accepted by the uplink.
	CapturesDelivered metric.Int64Counter

	// DeliveryErrors counts failed capture deliveries.
	DeliveryErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks open keyword engine sessions.
	ActiveSessions metric.Int64UpDownCounter

	// UplinkConnected is 1 while the backend link is up.
	UplinkConnected metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// engineBuckets are histogram boundaries (in seconds) for per-frame engine
// latency, which must stay well inside one audio period.
var engineBuckets = []float64{
	0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1,
}

// latencyBuckets are histogram boundaries (in seconds) for network calls.
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
	if met.EngineDuration, err = m.Float64Histogram("puertocho.keyword.engine.duration",
		metric.WithDescription("Keyword engine processing time per frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(engineBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DeliveryDuration, err = m.Float64Histogram("puertocho.uplink.delivery.duration",
		metric.WithDescription("Time to hand a capture to the backend."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.Detections, "puertocho.wakeword.detections", "Wake-word events emitted by channel."},
		{&met.Suppressed, "puertocho.wakeword.suppressed", "Keyword matches suppressed by cooldown or policy."},
		{&met.FramesEvaluated, "puertocho.wakeword.frames", "Frames evaluated by the keyword engine."},
		{&met.ChunkErrors, "puertocho.chunk.errors", "Per-chunk processing errors by component and kind."},
		{&met.ChunksDropped, "puertocho.audio.chunks_dropped", "Chunks dropped between the audio callback and processing."},
		{&met.BusPublished, "puertocho.bus.published", "Events accepted by the bus by type."},
		{&met.BusDropped, "puertocho.bus.dropped", "Events dropped because the bus queue was full."},
		{&met.BusHandlerErrors, "puertocho.bus.handler_errors", "Event handler failures."},
		{&met.StateTransitions, "puertocho.state.transitions", "Assistant state transitions by source and target state."},
		{&met.CapturesDelivered, "puertocho.uplink.captures", "Captures delivered to the backend."},
		{&met.DeliveryErrors, "puertocho.uplink.errors", "Failed capture deliveries."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("puertocho.keyword.active_sessions",
		metric.WithDescription("Number of open keyword engine sessions."),
	); err != nil {
		return nil, err
	}
	if met.UplinkConnected, err = m.Int64UpDownCounter("puertocho.uplink.connected",
		metric.WithDescription("1 while the backend link is connected."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("puertocho.http.request.duration",
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

// RecordDetection increments the detection counter for channel.
func (m *Metrics) RecordDetection(ctx context.Context, channel int) {
	m.Detections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("channel", strconv.Itoa(channel))),
	)
}

// RecordChunkError increments the chunk error counter.
func (m *Metrics) RecordChunkError(ctx context.Context, component, kind string) {
	m.ChunkErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("kind", kind),
		),
	)
}

// RecordTransition increments the state transition counter.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordPublished increments the bus publish counter for eventType.
func (m *Metrics) RecordPublished(ctx context.Context, eventType string) {
	m.BusPublished.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}
