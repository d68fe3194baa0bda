// Package spanz aggregates span measurements per operation name.
//
// spanz keeps running statistics for every named operation: how many
// executions finished, how many failed, their cumulative and maximum
// cost, and a small capped set of sample spans for later inspection.
// It is the statistics core of a tracer, not a distributed tracing
// pipeline.
//
// Core Components:
//   - Builder: Counters and capped sample lists for one operation name.
//   - Span: A single measurement, owned by one goroutine until finished.
//   - Tracer: Retention caps, id assignment, builder registry, reporting.
//   - Collector: Buffers periodic reports for pull-based export.
//
// Basic Usage:
//
//	tracer := spanz.New()
//	defer tracer.Close()
//
//	span := tracer.BuildSpan("db.query").Start()
//	err := query()
//	span.SetError(err)
//	span.Finish()
//
//	// Or with context propagation.
//	ctx, span := tracer.StartSpan(ctx, "http.request")
//	defer span.Finish()
//
// Thread Safety:
//
// Builder and Tracer are safe for concurrent use by multiple goroutines.
// Builder.Finish never blocks beyond a short critical section around a
// single slice append, and only when the span is admitted as a sample.
//
// Spans are NOT thread-safe. A span belongs to the operation that
// started it until it is finished, after which it must not be modified.
//
// Sampling:
//
// A Builder keeps at most MaxSamples successful spans and MaxErrors
// failed spans per reporting period. Admission is decided by the value
// of the counter after it was incremented, so exactly the first N
// qualifying calls are kept without re-checking the list length. The
// order of kept samples within a list follows arrival order loosely; the
// bound is exact, the ordering is not.
//
// Reporting:
//
// Tracer.Run flushes all builders every Config.Period. Each flush swaps
// the builder registry for an empty one and passes a Report to every
// registered ReportHandler.
package spanz

import "time"

// Key represents a span operation name.
type Key = string

// Tag represents a span tag key.
type Tag = string

// Host is what a Builder consumes from its owning tracer.
// MaxSamples and MaxErrors are read on every Finish and should be
// treated as constant for the lifetime of the builder.
type Host interface {
	MaxSamples() int32
	MaxErrors() int32
	NewTraceID() string
	NewSpanID() string
	Now() time.Time
}
