// Package observe provides application-wide observability primitives for
// turnplay: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint ([MetricsHandler]). A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/turnplay/pkg/audio/jitter"
)

// meterName is the instrumentation scope name used for all turnplay metrics.
const meterName = "github.com/MrWong99/turnplay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Playback ---

	// FramesDispatched counts frames handed to the sink. Use with attribute:
	//   attribute.String("kind", "audio"|"silence")
	FramesDispatched metric.Int64Counter

	// Underruns counts ticks that found the queue empty.
	Underruns metric.Int64Counter

	// Overruns counts enqueue calls that had to drop frames.
	Overruns metric.Int64Counter

	// FramesDropped counts frames discarded by overrun handling.
	FramesDropped metric.Int64Counter

	// BufferDepth records the queued audio duration after each change.
	BufferDepth metric.Float64Histogram

	// TargetAdjustments counts target buffer changes. Use with attribute:
	//   attribute.String("direction", "grow"|"shrink")
	TargetAdjustments metric.Int64Counter

	// SinkErrors counts failed frame sink calls.
	SinkErrors metric.Int64Counter

	// --- Ingestion ---

	// ChunksReceived counts accepted chunks. Use with attribute:
	//   attribute.String("route", "buffered"|"direct")
	ChunksReceived metric.Int64Counter

	// ChunksRejected counts chunks that were not played. Use with attribute:
	//   attribute.String("reason", ...)
	ChunksRejected metric.Int64Counter

	// --- Gauges ---

	// ActiveTurns tracks the number of turns currently routed.
	ActiveTurns metric.Int64UpDownCounter

	// BufferedTurns tracks the number of turns whose policy owns a buffer.
	BufferedTurns metric.Int64UpDownCounter

	// BreakerTransitions counts sink circuit breaker state changes. Use with
	// attribute:
	//   attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Egress ---

	// Listeners tracks connected audio listeners.
	Listeners metric.Int64UpDownCounter

	// ListenerDrops counts messages skipped for listeners that fell behind.
	ListenerDrops metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// depthBuckets defines histogram bucket boundaries (in seconds) around the
// usual 120-480 ms buffer range.
var depthBuckets = []float64{
	0, 0.02, 0.05, 0.1, 0.15, 0.2, 0.25, 0.3, 0.4, 0.5, 0.75, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Playback.
	if met.FramesDispatched, err = m.Int64Counter("turnplay.frames.dispatched",
		metric.WithDescription("Total frames handed to the sink by kind."),
	); err != nil {
		return nil, err
	}
	if met.Underruns, err = m.Int64Counter("turnplay.buffer.underruns",
		metric.WithDescription("Total playback ticks that found the buffer empty."),
	); err != nil {
		return nil, err
	}
	if met.Overruns, err = m.Int64Counter("turnplay.buffer.overruns",
		metric.WithDescription("Total enqueue calls that exceeded the maximum buffer."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("turnplay.frames.dropped",
		metric.WithDescription("Total frames discarded on overrun."),
	); err != nil {
		return nil, err
	}
	if met.BufferDepth, err = m.Float64Histogram("turnplay.buffer.depth",
		metric.WithDescription("Queued audio duration per buffer change."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(depthBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TargetAdjustments, err = m.Int64Counter("turnplay.buffer.target_adjustments",
		metric.WithDescription("Total target buffer adjustments by direction."),
	); err != nil {
		return nil, err
	}
	if met.SinkErrors, err = m.Int64Counter("turnplay.sink.errors",
		metric.WithDescription("Total failed frame sink calls."),
	); err != nil {
		return nil, err
	}

	// Ingestion.
	if met.ChunksReceived, err = m.Int64Counter("turnplay.chunks.received",
		metric.WithDescription("Total accepted audio chunks by route."),
	); err != nil {
		return nil, err
	}
	if met.ChunksRejected, err = m.Int64Counter("turnplay.chunks.rejected",
		metric.WithDescription("Total audio chunks not played by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveTurns, err = m.Int64UpDownCounter("turnplay.active_turns",
		metric.WithDescription("Number of turns currently routed."),
	); err != nil {
		return nil, err
	}
	if met.BufferedTurns, err = m.Int64UpDownCounter("turnplay.buffered_turns",
		metric.WithDescription("Number of turns playing through a jitter buffer."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("turnplay.sink.breaker_transitions",
		metric.WithDescription("Total sink circuit breaker state changes by new state."),
	); err != nil {
		return nil, err
	}

	// Egress.
	if met.Listeners, err = m.Int64UpDownCounter("turnplay.egress.listeners",
		metric.WithDescription("Number of connected audio listeners."),
	); err != nil {
		return nil, err
	}
	if met.ListenerDrops, err = m.Int64Counter("turnplay.egress.dropped",
		metric.WithDescription("Messages skipped for slow audio listeners."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("turnplay.http.request.duration",
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

// RecordChunk records an accepted chunk on the given route.
func (m *Metrics) RecordChunk(ctx context.Context, route string) {
	m.ChunksReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
}

// RecordRejectedChunk records a chunk that was dropped before playback.
func (m *Metrics) RecordRejectedChunk(ctx context.Context, reason string) {
	m.ChunksRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBreakerTransition records a circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// JitterHooks returns buffer hooks that feed the playback instruments. The
// turn id is deliberately not used as an attribute to keep cardinality flat.
//
// The hooks run under the buffer's lock and only touch OTel instruments.
func (m *Metrics) JitterHooks() jitter.Hooks {
	ctx := context.Background()
	audioAttr := metric.WithAttributes(attribute.String("kind", "audio"))
	silenceAttr := metric.WithAttributes(attribute.String("kind", "silence"))
	growAttr := metric.WithAttributes(attribute.String("direction", "grow"))
	shrinkAttr := metric.WithAttributes(attribute.String("direction", "shrink"))

	return jitter.Hooks{
		OnUnderrun: func(string) {
			m.Underruns.Add(ctx, 1)
		},
		OnOverrun: func(_ string, dropped int) {
			m.Overruns.Add(ctx, 1)
			m.FramesDropped.Add(ctx, int64(dropped))
		},
		OnDispatch: func(_ string, silence bool) {
			if silence {
				m.FramesDispatched.Add(ctx, 1, silenceAttr)
				return
			}
			m.FramesDispatched.Add(ctx, 1, audioAttr)
		},
		OnAdjust: func(_ string, from, to time.Duration) {
			if to > from {
				m.TargetAdjustments.Add(ctx, 1, growAttr)
			} else {
				m.TargetAdjustments.Add(ctx, 1, shrinkAttr)
			}
		},
		OnDepth: func(_ string, depth time.Duration) {
			m.BufferDepth.Record(ctx, depth.Seconds())
		},
		OnSinkError: func(string, error) {
			m.SinkErrors.Add(ctx, 1)
		},
	}
}
