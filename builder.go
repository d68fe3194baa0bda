package spanz

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Builder accumulates statistics for one operation name.
// Safe for concurrent use by multiple goroutines.
//
// Counters are updated with atomics only. The two sample lists each have
// their own mutex, held for a single append, so the success and error
// paths never contend with each other. The finish counters are kept as
// int64 and saturate at math.MaxInt32 when read, so a long-lived builder
// never wraps its admission tickets.
//
//nolint:govet // Field order optimized for readability over memory
type Builder struct {
	host    Host
	name    atomic.Pointer[string]
	total   atomic.Int64
	errors  atomic.Int64
	cost    atomic.Int64
	maxCost atomic.Int32

	samplesMu    sync.Mutex
	samples      []*Span
	errSamplesMu sync.Mutex
	errSamples   []*Span
}

// NewBuilder creates a builder for name, bound to host.
// Most callers get builders from Tracer.BuildSpan instead.
func NewBuilder(host Host, name Key) *Builder {
	b := &Builder{host: host}
	b.name.Store(&name)
	return b
}

// Name returns the operation name.
func (b *Builder) Name() string {
	return *b.name.Load()
}

// SetName renames the builder. The name is informational only.
func (b *Builder) SetName(name Key) {
	b.name.Store(&name)
}

// Total returns the number of finished spans.
func (b *Builder) Total() int32 { return saturate(b.total.Load()) }

// Errors returns the number of finished spans that carried an error.
// Unlike ErrorSamples it is not capped.
func (b *Builder) Errors() int32 { return saturate(b.errors.Load()) }

// Cost returns the cumulative cost in milliseconds.
func (b *Builder) Cost() int64 { return b.cost.Load() }

// MaxCost returns the largest single cost in milliseconds.
func (b *Builder) MaxCost() int32 { return b.maxCost.Load() }

// Start creates a new span bound to this builder.
// It has no effect on the counters.
func (b *Builder) Start() *Span {
	return &Span{
		Name:      b.Name(),
		TraceID:   b.host.NewTraceID(),
		SpanID:    b.host.NewSpanID(),
		StartTime: b.host.Now(),
		builder:   b,
	}
}

// Finish records a completed span.
//
// The post-increment counter value is the admission ticket: a successful
// span is kept when the total ticket is within MaxSamples, a failed span
// when the error ticket is within MaxErrors. The counters themselves keep
// growing past the caps.
//
// Finish must be called at most once per span, with a span started by
// this builder. A nil span is ignored. A negative Cost is recorded as 0.
func (b *Builder) Finish(span *Span) {
	if span == nil {
		return
	}
	if span.Cost < 0 {
		span.Cost = 0
	}

	total := b.total.Add(1)
	b.cost.Add(int64(span.Cost))
	b.observeMax(span.Cost)

	if span.Err != nil {
		if b.errors.Add(1) <= int64(b.host.MaxErrors()) {
			b.errSamplesMu.Lock()
			b.errSamples = append(b.errSamples, span)
			b.errSamplesMu.Unlock()
		}
		return
	}

	if total <= int64(b.host.MaxSamples()) {
		b.samplesMu.Lock()
		b.samples = append(b.samples, span)
		b.samplesMu.Unlock()
	}
}

// observeMax raises maxCost to cost. The CAS loop keeps it monotonic
// under concurrent updates.
func (b *Builder) observeMax(cost int32) {
	for {
		cur := b.maxCost.Load()
		if cost <= cur {
			return
		}
		if b.maxCost.CompareAndSwap(cur, cost) {
			return
		}
	}
}

// Samples returns a copy of the kept successful spans.
func (b *Builder) Samples() []*Span {
	b.samplesMu.Lock()
	defer b.samplesMu.Unlock()
	return copySpans(b.samples)
}

// ErrorSamples returns a copy of the kept failed spans.
func (b *Builder) ErrorSamples() []*Span {
	b.errSamplesMu.Lock()
	defer b.errSamplesMu.Unlock()
	return copySpans(b.errSamples)
}

// Snapshot returns a static copy of the builder's statistics.
// Each field is read independently; under concurrent Finish calls the
// counters and lists may reflect slightly different instants.
func (b *Builder) Snapshot() BuilderSnapshot {
	snap := BuilderSnapshot{
		Name:    b.Name(),
		Total:   b.Total(),
		Errors:  b.Errors(),
		Cost:    b.Cost(),
		MaxCost: b.MaxCost(),
	}
	for _, s := range b.Samples() {
		snap.Samples = append(snap.Samples, s.Record())
	}
	for _, s := range b.ErrorSamples() {
		snap.ErrorSamples = append(snap.ErrorSamples, s.Record())
	}
	return snap
}

func (b *Builder) now() time.Time {
	return b.host.Now()
}

func saturate(n int64) int32 {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(n)
}

func copySpans(spans []*Span) []*Span {
	if len(spans) == 0 {
		return nil
	}
	out := make([]*Span, len(spans))
	copy(out, spans)
	return out
}

// BuilderSnapshot is a serializable view of a builder.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type BuilderSnapshot struct {
	Name         string       `json:"name"`
	Total        int32        `json:"total"`
	Errors       int32        `json:"errors"`
	Cost         int64        `json:"cost_ms"`
	MaxCost      int32        `json:"max_cost_ms"`
	Samples      []SpanRecord `json:"samples,omitempty"`
	ErrorSamples []SpanRecord `json:"error_samples,omitempty"`
}

// AverageCost returns Cost/Total in milliseconds, or 0 when empty.
func (s BuilderSnapshot) AverageCost() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Cost) / float64(s.Total)
}
