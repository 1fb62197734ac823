// Package observability wraps OpenTelemetry metrics, exported via
// Prometheus, for the Supervisor loop and Tool Surface. The core is
// correct with a no-op Recorder; this package is ambient, not a core
// invariant (§11).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func attrString(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Recorder records the Supervisor-loop and Tool Surface measurements named
// in §10/§11: tick duration, per-role transition counts, verb latency.
type Recorder interface {
	RecordTick(ctx context.Context, d time.Duration)
	RecordTransition(ctx context.Context, role, from, to string)
	RecordVerbLatency(ctx context.Context, verb string, d time.Duration)
}

// noopRecorder satisfies Recorder without recording anything, used when
// observability is disabled or in tests.
type noopRecorder struct{}

func (noopRecorder) RecordTick(context.Context, time.Duration)         {}
func (noopRecorder) RecordTransition(context.Context, string, string, string) {}
func (noopRecorder) RecordVerbLatency(context.Context, string, time.Duration) {}

// NoopRecorder is a shared Recorder that does nothing.
var NoopRecorder Recorder = noopRecorder{}

// otelRecorder implements Recorder over an OpenTelemetry MeterProvider
// backed by the Prometheus exporter.
type otelRecorder struct {
	tickDuration     metric.Float64Histogram
	verbLatency      metric.Float64Histogram
	transitionCount  metric.Int64Counter
}

// New constructs a Prometheus-backed Recorder plus an http.Handler serving
// the /metrics scrape endpoint. Callers mount the handler on their own
// mux; this package does not start a listener itself.
func New() (Recorder, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("observability: new prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("github.com/arclance/conductor")

	tickDuration, err := meter.Float64Histogram("supervisor_tick_duration_seconds",
		metric.WithDescription("Duration of one Supervisor loop cycle"))
	if err != nil {
		return nil, nil, err
	}
	verbLatency, err := meter.Float64Histogram("tool_surface_verb_latency_seconds",
		metric.WithDescription("Latency of a single tool-surface verb invocation"))
	if err != nil {
		return nil, nil, err
	}
	transitionCount, err := meter.Int64Counter("agent_state_transitions_total",
		metric.WithDescription("Count of agent lifecycle state transitions"))
	if err != nil {
		return nil, nil, err
	}

	rec := &otelRecorder{
		tickDuration:    tickDuration,
		verbLatency:     verbLatency,
		transitionCount: transitionCount,
	}
	return rec, promhttp.Handler(), nil
}

func (r *otelRecorder) RecordTick(ctx context.Context, d time.Duration) {
	r.tickDuration.Record(ctx, d.Seconds())
}

func (r *otelRecorder) RecordTransition(ctx context.Context, role, from, to string) {
	r.transitionCount.Add(ctx, 1,
		metric.WithAttributes(
			attrString("role", role),
			attrString("from", from),
			attrString("to", to),
		))
}

func (r *otelRecorder) RecordVerbLatency(ctx context.Context, verb string, d time.Duration) {
	r.verbLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attrString("verb", verb)))
}
