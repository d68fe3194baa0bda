package spanz

import (
	"context"
	"math"
	"time"
)

// spanKeyType is a private type for context keys to avoid collisions.
type spanKeyType string

const (
	spanKey spanKeyType = "spanz"
)

// Span represents a single measurement of one operation execution.
// Spans are NOT thread-safe - do not modify from multiple goroutines.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type Span struct {
	Tags      map[Tag]string `json:"tags,omitempty"`
	Err       error          `json:"-"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time,omitempty"`
	Name      string         `json:"name"`
	TraceID   string         `json:"trace_id"`
	SpanID    string         `json:"span_id"`
	ParentID  string         `json:"parent_id,omitempty"`
	Cost      int32          `json:"cost_ms"`

	builder *Builder
	costSet bool
}

// Builder returns the builder that started this span.
func (s *Span) Builder() *Builder {
	return s.builder
}

// SetTag adds a key-value pair to the span.
func (s *Span) SetTag(key Tag, value string) {
	if s.Tags == nil {
		s.Tags = make(map[Tag]string)
	}
	s.Tags[key] = value
}

// SetError records the failure outcome. A nil err leaves the span successful.
func (s *Span) SetError(err error) {
	if err != nil {
		s.Err = err
	}
}

// SetCost sets the elapsed duration, truncated to whole milliseconds.
// A cost set here is kept by Finish, even when it truncates to 0.
func (s *Span) SetCost(d time.Duration) {
	s.Cost = durationToCost(d)
	s.costSet = true
}

// Finish stamps the end time and hands the span to its builder.
// If no cost was set, through SetCost or a non-zero Cost, it is derived
// from the start and end times.
//
// Finish must be called at most once. A second call counts the span
// again; this is not guarded against.
func (s *Span) Finish() {
	if s.builder == nil {
		return
	}
	s.EndTime = s.builder.now()
	if !s.costSet && s.Cost == 0 {
		s.Cost = durationToCost(s.EndTime.Sub(s.StartTime))
	}
	s.builder.Finish(s)
}

// Record returns an immutable, serializable copy of the span.
func (s *Span) Record() SpanRecord {
	r := SpanRecord{
		Name:      s.Name,
		TraceID:   s.TraceID,
		SpanID:    s.SpanID,
		ParentID:  s.ParentID,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		Cost:      s.Cost,
	}
	if s.Err != nil {
		r.Error = s.Err.Error()
	}
	if len(s.Tags) > 0 {
		r.Tags = make(map[Tag]string, len(s.Tags))
		for k, v := range s.Tags {
			r.Tags[k] = v
		}
	}
	return r
}

// SpanRecord is a static copy of a finished span.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type SpanRecord struct {
	Tags      map[Tag]string `json:"tags,omitempty"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
	Name      string         `json:"name"`
	TraceID   string         `json:"trace_id"`
	SpanID    string         `json:"span_id"`
	ParentID  string         `json:"parent_id,omitempty"`
	Error     string         `json:"error,omitempty"`
	Cost      int32          `json:"cost_ms"`
}

// ContextWithSpan returns a copy of parent carrying span.
// Spans started from the returned context become its children.
func ContextWithSpan(parent context.Context, span *Span) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, spanKey, span)
}

// SpanFromContext extracts the current span from a context.
// Returns nil if no span is present.
func SpanFromContext(ctx context.Context) *Span {
	if ctx == nil {
		return nil
	}
	if span, ok := ctx.Value(spanKey).(*Span); ok {
		return span
	}
	return nil
}

func durationToCost(d time.Duration) int32 {
	ms := d.Milliseconds()
	switch {
	case ms < 0:
		return 0
	case ms > math.MaxInt32:
		return math.MaxInt32
	default:
		return int32(ms)
	}
}
