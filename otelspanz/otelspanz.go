// Package otelspanz exposes live spanz builder statistics as
// OpenTelemetry observable gauges.
//
// The gauges read the builders of the current reporting period, so their
// values fall back to zero after every Tracer.Flush.
package otelspanz

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bangush/spanz"
)

const (
	// AttributeOperation carries the builder name on every observation.
	AttributeOperation = attribute.Key("operation")

	metricTotal   = "spanz.span.total"
	metricErrors  = "spanz.span.errors"
	metricCost    = "spanz.span.cost"
	metricMaxCost = "spanz.span.max_cost"
)

// BuilderSource is the part of spanz.Tracer the bridge reads from.
type BuilderSource interface {
	Builders() []*spanz.Builder
}

type instruments struct {
	total   metric.Int64ObservableGauge
	errors  metric.Int64ObservableGauge
	cost    metric.Int64ObservableGauge
	maxCost metric.Int64ObservableGauge
}

// Register creates the gauges on meter and a callback observing src.
// Unregister the returned registration to stop observing.
func Register(src BuilderSource, meter metric.Meter) (metric.Registration, error) {
	var (
		inst instruments
		err  error
	)
	if inst.total, err = meter.Int64ObservableGauge(metricTotal,
		metric.WithDescription("Spans finished in the current period."),
		metric.WithUnit("{span}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", metricTotal, err)
	}
	if inst.errors, err = meter.Int64ObservableGauge(metricErrors,
		metric.WithDescription("Failed spans in the current period."),
		metric.WithUnit("{span}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", metricErrors, err)
	}
	if inst.cost, err = meter.Int64ObservableGauge(metricCost,
		metric.WithDescription("Cumulative span cost in the current period."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", metricCost, err)
	}
	if inst.maxCost, err = meter.Int64ObservableGauge(metricMaxCost,
		metric.WithDescription("Largest single span cost in the current period."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", metricMaxCost, err)
	}

	reg, err := meter.RegisterCallback(inst.observe(src), inst.total, inst.errors, inst.cost, inst.maxCost)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return reg, nil
}

func (inst instruments) observe(src BuilderSource) metric.Callback {
	return func(_ context.Context, o metric.Observer) error {
		for _, b := range src.Builders() {
			attrs := metric.WithAttributes(AttributeOperation.String(b.Name()))
			o.ObserveInt64(inst.total, int64(b.Total()), attrs)
			o.ObserveInt64(inst.errors, int64(b.Errors()), attrs)
			o.ObserveInt64(inst.cost, b.Cost(), attrs)
			o.ObserveInt64(inst.maxCost, int64(b.MaxCost()), attrs)
		}
		return nil
	}
}
