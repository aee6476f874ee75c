// Package telemetry records engine metrics through the OpenTelemetry API.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "contractflow"

// Metrics holds the engine's instruments. A nil *Metrics records nothing.
type Metrics struct {
	transitions      metric.Int64Counter
	dispatches       metric.Int64Counter
	retriesScheduled metric.Int64Counter
	transfers        metric.Int64Counter
	dispatchDuration metric.Float64Histogram
}

// NewMetrics creates instruments on the global meter provider.
func NewMetrics(version string) (*Metrics, error) {
	meter := otel.GetMeterProvider().Meter(meterName, metric.WithInstrumentationVersion(version))

	m := &Metrics{}
	var err error
	if m.transitions, err = meter.Int64Counter(
		"contract.transitions",
		metric.WithDescription("Committed contract, phase and step transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}
	if m.dispatches, err = meter.Int64Counter(
		"contract.dispatch.outcomes",
		metric.WithDescription("Side-effect dispatch outcomes"),
		metric.WithUnit("{dispatch}"),
	); err != nil {
		return nil, err
	}
	if m.retriesScheduled, err = meter.Int64Counter(
		"contract.dispatch.retries_scheduled",
		metric.WithDescription("Retries scheduled after transient failures"),
		metric.WithUnit("{retry}"),
	); err != nil {
		return nil, err
	}
	if m.transfers, err = meter.Int64Counter(
		"contract.transfers",
		metric.WithDescription("Transfer requests by outcome"),
		metric.WithUnit("{transfer}"),
	); err != nil {
		return nil, err
	}
	if m.dispatchDuration, err = meter.Float64Histogram(
		"contract.dispatch.duration",
		metric.WithDescription("Duration of downstream action calls"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordTransition counts a committed transition.
func (m *Metrics) RecordTransition(ctx context.Context, entity, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("to", to),
	))
}

// RecordDispatch counts a dispatch outcome and its duration.
func (m *Metrics) RecordDispatch(ctx context.Context, action, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	)
	m.dispatches.Add(ctx, 1, attrs)
	if d > 0 {
		m.dispatchDuration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
	}
}

// RecordRetryScheduled counts a scheduled retry.
func (m *Metrics) RecordRetryScheduled(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.retriesScheduled.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordTransfer counts a transfer request outcome.
func (m *Metrics) RecordTransfer(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.transfers.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
