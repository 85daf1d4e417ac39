package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/zen-systems/routegate/pkg/circuit"
)

// Metrics records routing, circuit breaker and availability events. It
// satisfies routing.Metrics, circuit.MetricsCollector and availability.Metrics.
type Metrics struct {
	decisions    metric.Int64Counter
	failures     metric.Int64Counter
	fallbacks    metric.Int64Counter
	latency      metric.Float64Histogram
	transitions  metric.Int64Counter
	rejections   metric.Int64Counter
	outcomes     metric.Int64Counter
	refreshes    metric.Float64Histogram
	providersUp  metric.Int64Gauge
	providersOff metric.Int64Gauge
}

// NewMetrics creates the instruments on meter. Pass Meter() for the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.decisions, err = meter.Int64Counter("routegate.routing.decisions",
		metric.WithDescription("Routing decisions by role, model and tier")); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter("routegate.routing.failures",
		metric.WithDescription("Routing requests that found no usable model")); err != nil {
		return nil, err
	}
	if m.fallbacks, err = meter.Int64Counter("routegate.routing.fallbacks",
		metric.WithDescription("Decisions that skipped the first candidate")); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("routegate.routing.duration",
		metric.WithDescription("Time to reach a routing decision"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("routegate.circuit.transitions",
		metric.WithDescription("Circuit breaker state changes")); err != nil {
		return nil, err
	}
	if m.rejections, err = meter.Int64Counter("routegate.circuit.rejections",
		metric.WithDescription("Requests refused by an open or busy circuit")); err != nil {
		return nil, err
	}
	if m.outcomes, err = meter.Int64Counter("routegate.circuit.outcomes",
		metric.WithDescription("Provider call outcomes reported to the breaker")); err != nil {
		return nil, err
	}
	if m.refreshes, err = meter.Float64Histogram("routegate.availability.refresh.duration",
		metric.WithDescription("Duration of availability probes"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.providersUp, err = meter.Int64Gauge("routegate.availability.providers_up",
		metric.WithDescription("Providers that answered the last probe")); err != nil {
		return nil, err
	}
	if m.providersOff, err = meter.Int64Gauge("routegate.availability.providers_down",
		metric.WithDescription("Providers that failed the last probe")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordDecision implements routing.Metrics.
func (m *Metrics) RecordDecision(ctx context.Context, role, model, tier string, fallbackUsed bool, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("model", model),
		attribute.String("tier", tier),
	)
	m.decisions.Add(ctx, 1, attrs)
	if fallbackUsed {
		m.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
	}
	m.latency.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(attribute.String("role", role)))
}

// RecordFailure implements routing.Metrics.
func (m *Metrics) RecordFailure(ctx context.Context, role string) {
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordStateChange implements circuit.MetricsCollector.
func (m *Metrics) RecordStateChange(model string, from, to circuit.State) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

// RecordRejection implements circuit.MetricsCollector.
func (m *Metrics) RecordRejection(model string) {
	m.rejections.Add(context.Background(), 1, metric.WithAttributes(attribute.String("model", model)))
}

// RecordOutcome implements circuit.MetricsCollector.
func (m *Metrics) RecordOutcome(model string, success bool) {
	m.outcomes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.Bool("success", success),
	))
}

// RecordRefresh implements availability.Metrics.
func (m *Metrics) RecordRefresh(ctx context.Context, d time.Duration, up, down int) {
	m.refreshes.Record(ctx, float64(d.Microseconds())/1000)
	m.providersUp.Record(ctx, int64(up))
	m.providersOff.Record(ctx, int64(down))
}
