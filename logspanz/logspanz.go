// Package logspanz writes spanz reports to a logr logger.
package logspanz

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/bangush/spanz"
)

// Handler returns a report handler that logs one line per builder.
// Error samples are logged at V(1), one line each.
func Handler(logger logr.Logger) spanz.ReportHandler {
	return func(_ context.Context, report spanz.Report) error {
		period := report.End.Sub(report.Start)
		for _, b := range report.Builders {
			logger.Info("span statistics",
				"name", b.Name,
				"period", period.String(),
				"total", b.Total,
				"errors", b.Errors,
				"cost_ms", b.Cost,
				"avg_ms", b.AverageCost(),
				"max_ms", b.MaxCost,
				"samples", len(b.Samples),
				"error_samples", len(b.ErrorSamples),
			)
			for _, s := range b.ErrorSamples {
				logger.V(1).Info("error sample",
					"name", s.Name,
					"trace_id", s.TraceID,
					"span_id", s.SpanID,
					"cost_ms", s.Cost,
					"error", s.Error,
				)
			}
		}
		return nil
	}
}
