package spanz

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zoobzio/clockz"
)

var errBoom = errors.New("boom")

// testHost is a Host with fixed caps and sequential ids.
type testHost struct {
	clock      clockz.Clock
	next       atomic.Int64
	maxSamples int32
	maxErrors  int32
}

func newTestHost(maxSamples, maxErrors int32) *testHost {
	return &testHost{clock: clockz.NewFakeClock(), maxSamples: maxSamples, maxErrors: maxErrors}
}

func (h *testHost) MaxSamples() int32 { return h.maxSamples }
func (h *testHost) MaxErrors() int32  { return h.maxErrors }
func (h *testHost) Now() time.Time    { return h.clock.Now() }
func (h *testHost) NewTraceID() string {
	return "trace-" + strconv.FormatInt(h.next.Add(1), 10)
}
func (h *testHost) NewSpanID() string {
	return "span-" + strconv.FormatInt(h.next.Add(1), 10)
}

func finishWith(b *Builder, cost int32, err error) *Span {
	span := b.Start()
	span.Cost = cost
	span.SetError(err)
	b.Finish(span)
	return span
}

func costs(spans []*Span) []int32 {
	out := make([]int32, 0, len(spans))
	for _, s := range spans {
		out = append(out, s.Cost)
	}
	return out
}

func TestBuilderStart(t *testing.T) {
	b := NewBuilder(newTestHost(1, 1), "db.query")

	span := b.Start()

	if span.Name != "db.query" {
		t.Errorf("Expected span name 'db.query', got %s", span.Name)
	}
	if span.TraceID == "" || span.SpanID == "" {
		t.Errorf("Expected trace and span ids, got %q and %q", span.TraceID, span.SpanID)
	}
	if span.Builder() != b {
		t.Error("Expected span to reference its builder")
	}
	if !span.StartTime.Equal(b.host.Now()) {
		t.Errorf("Expected StartTime from the host clock, got %v", span.StartTime)
	}
	if b.Total() != 0 {
		t.Errorf("Expected Start to leave total at 0, got %d", b.Total())
	}
}

func TestBuilderSequentialSuccess(t *testing.T) {
	b := NewBuilder(newTestHost(100, 100), "op")
	input := []int32{4, 8, 15, 16, 23, 42}

	var sum int64
	var maxCost int32
	for _, c := range input {
		finishWith(b, c, nil)
		sum += int64(c)
		if c > maxCost {
			maxCost = c
		}
	}

	if b.Total() != int32(len(input)) {
		t.Errorf("Expected total %d, got %d", len(input), b.Total())
	}
	if b.Errors() != 0 {
		t.Errorf("Expected 0 errors, got %d", b.Errors())
	}
	if b.Cost() != sum {
		t.Errorf("Expected cost %d, got %d", sum, b.Cost())
	}
	if b.MaxCost() != maxCost {
		t.Errorf("Expected max cost %d, got %d", maxCost, b.MaxCost())
	}
	if diff := cmp.Diff(input, costs(b.Samples())); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}
}

func TestBuilderMixedOutcomes(t *testing.T) {
	b := NewBuilder(newTestHost(0, 0), "op")

	var wantErrors int32
	for i := 0; i < 50; i++ {
		var err error
		if i%3 == 0 {
			err = errBoom
			wantErrors++
		}
		finishWith(b, int32(i), err)
	}

	if b.Errors() != wantErrors {
		t.Errorf("Expected %d errors, got %d", wantErrors, b.Errors())
	}
	if b.Total() < b.Errors() {
		t.Errorf("Expected total >= errors, got %d < %d", b.Total(), b.Errors())
	}
	if n := len(b.Samples()) + len(b.ErrorSamples()); n != 0 {
		t.Errorf("Expected no samples with zero caps, got %d", n)
	}
}

func TestBuilderWorkedExample(t *testing.T) {
	b := NewBuilder(newTestHost(2, 1), "op")

	for _, c := range []int32{5, 10, 3} {
		finishWith(b, c, nil)
	}
	finishWith(b, 7, errBoom)

	if b.Total() != 4 {
		t.Errorf("Expected total 4, got %d", b.Total())
	}
	if b.Errors() != 1 {
		t.Errorf("Expected errors 1, got %d", b.Errors())
	}
	if b.Cost() != 25 {
		t.Errorf("Expected cost 25, got %d", b.Cost())
	}
	if b.MaxCost() != 10 {
		t.Errorf("Expected max cost 10, got %d", b.MaxCost())
	}
	if diff := cmp.Diff([]int32{5, 10}, costs(b.Samples())); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int32{7}, costs(b.ErrorSamples())); diff != "" {
		t.Errorf("error samples mismatch (-want +got):\n%s", diff)
	}
}

func TestBuilderKeepsFirstSamples(t *testing.T) {
	const k = 3
	b := NewBuilder(newTestHost(k, 0), "op")

	var first []*Span
	for i := 0; i < k; i++ {
		first = append(first, finishWith(b, int32(i+1), nil))
	}
	for i := 0; i < 20; i++ {
		finishWith(b, 100, nil)
	}

	got := b.Samples()
	if len(got) != k {
		t.Fatalf("Expected %d samples, got %d", k, len(got))
	}
	for i := range first {
		if got[i] != first[i] {
			t.Errorf("Expected sample %d to be the %d-th finished span", i, i+1)
		}
	}
}

func TestBuilderSuccessTicketCountsFailures(t *testing.T) {
	// The success ticket is the total counter, so failures consume slots.
	b := NewBuilder(newTestHost(2, 5), "op")

	finishWith(b, 1, errBoom)
	finishWith(b, 2, nil)
	finishWith(b, 3, nil)

	if diff := cmp.Diff([]int32{2}, costs(b.Samples())); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}
}

func TestBuilderErrorCounterUncapped(t *testing.T) {
	b := NewBuilder(newTestHost(0, 2), "op")

	for i := 0; i < 10; i++ {
		finishWith(b, 1, fmt.Errorf("failure %d", i))
	}

	if b.Errors() != 10 {
		t.Errorf("Expected errors 10, got %d", b.Errors())
	}
	samples := b.ErrorSamples()
	if len(samples) != 2 {
		t.Fatalf("Expected 2 error samples, got %d", len(samples))
	}
	if samples[0].Err.Error() != "failure 0" || samples[1].Err.Error() != "failure 1" {
		t.Errorf("Expected the first two failures, got %v and %v", samples[0].Err, samples[1].Err)
	}
}

func TestBuilderDoubleFinishCountsTwice(t *testing.T) {
	b := NewBuilder(newTestHost(10, 10), "op")

	span := b.Start()
	span.Cost = 4
	b.Finish(span)
	b.Finish(span)

	if b.Total() != 2 {
		t.Errorf("Expected total 2 after double finish, got %d", b.Total())
	}
	if b.Cost() != 8 {
		t.Errorf("Expected cost 8 after double finish, got %d", b.Cost())
	}
	if len(b.Samples()) != 2 {
		t.Errorf("Expected the span to be kept twice, got %d samples", len(b.Samples()))
	}
}

func TestBuilderFinishNil(t *testing.T) {
	b := NewBuilder(newTestHost(1, 1), "op")

	b.Finish(nil)

	if b.Total() != 0 {
		t.Errorf("Expected nil span to be ignored, got total %d", b.Total())
	}
}

func TestBuilderSetName(t *testing.T) {
	b := NewBuilder(newTestHost(1, 1), "before")
	b.SetName("after")

	if b.Name() != "after" {
		t.Errorf("Expected name 'after', got %s", b.Name())
	}
	if span := b.Start(); span.Name != "after" {
		t.Errorf("Expected new spans to carry 'after', got %s", span.Name)
	}
}

func TestBuilderSamplesAreCopies(t *testing.T) {
	b := NewBuilder(newTestHost(5, 5), "op")
	finishWith(b, 1, nil)

	got := b.Samples()
	got[0] = nil

	if b.Samples()[0] == nil {
		t.Error("Expected Samples to return a copy")
	}
}

func TestBuilderConcurrentFinish(t *testing.T) {
	const (
		goroutines = 32
		perG       = 500
		maxSamples = 7
		maxErrors  = 5
	)
	b := NewBuilder(newTestHost(maxSamples, maxErrors), "op")

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				var err error
				if i%4 == 0 {
					err = errBoom
				}
				finishWith(b, int32(g+i%10), err)
			}
		}(g)
	}
	wg.Wait()

	total := int32(goroutines * perG)
	if b.Total() != total {
		t.Errorf("Expected total %d, got %d", total, b.Total())
	}
	if want := int32(goroutines * perG / 4); b.Errors() != want {
		t.Errorf("Expected errors %d, got %d", want, b.Errors())
	}
	if n := len(b.ErrorSamples()); n != maxErrors {
		t.Errorf("Expected exactly %d error samples, got %d", maxErrors, n)
	}
	// The first maxSamples tickets may include failures, so successes kept
	// are bounded above by the cap.
	if n := len(b.Samples()); n > maxSamples {
		t.Errorf("Expected at most %d samples, got %d", maxSamples, n)
	}
	if want := int32(goroutines - 1 + 9); b.MaxCost() != want {
		t.Errorf("Expected max cost %d, got %d", want, b.MaxCost())
	}
}

func TestBuilderConcurrentSuccessFillsCap(t *testing.T) {
	const maxSamples = 16
	b := NewBuilder(newTestHost(maxSamples, 0), "op")

	var wg sync.WaitGroup
	for g := 0; g < 64; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				finishWith(b, 1, nil)
			}
		}()
	}
	wg.Wait()

	if b.Total() != 6400 {
		t.Errorf("Expected total 6400, got %d", b.Total())
	}
	if n := len(b.Samples()); n != maxSamples {
		t.Errorf("Expected exactly %d samples, got %d", maxSamples, n)
	}
}

func TestBuilderConcurrentReadDuringFinish(t *testing.T) {
	b := NewBuilder(newTestHost(1000, 1000), "op")
	stop := make(chan struct{})

	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
				snap := b.Snapshot()
				if len(snap.Samples) > 1000 || len(snap.ErrorSamples) > 1000 {
					t.Error("Expected snapshot lists to respect caps")
					return
				}
			}
		}
	}()

	var writers sync.WaitGroup
	for g := 0; g < 8; g++ {
		writers.Add(1)
		go func(g int) {
			defer writers.Done()
			for i := 0; i < 200; i++ {
				var err error
				if g%2 == 0 {
					err = errBoom
				}
				finishWith(b, 1, err)
			}
		}(g)
	}
	writers.Wait()
	close(stop)
	readers.Wait()

	if b.Total() != 1600 {
		t.Errorf("Expected total 1600, got %d", b.Total())
	}
}

func TestBuilderSnapshot(t *testing.T) {
	b := NewBuilder(newTestHost(1, 1), "op")
	ok := b.Start()
	ok.SetTag("k", "v")
	ok.Cost = 6
	b.Finish(ok)
	finishWith(b, 2, errBoom)

	snap := b.Snapshot()

	want := BuilderSnapshot{
		Name:    "op",
		Total:   2,
		Errors:  1,
		Cost:    8,
		MaxCost: 6,
		Samples: []SpanRecord{{
			Name: "op", TraceID: ok.TraceID, SpanID: ok.SpanID,
			StartTime: ok.StartTime, Cost: 6, Tags: map[Tag]string{"k": "v"},
		}},
	}
	if diff := cmp.Diff(want.Samples, snap.Samples); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}
	if snap.Total != want.Total || snap.Errors != want.Errors || snap.Cost != want.Cost || snap.MaxCost != want.MaxCost {
		t.Errorf("Expected counters %+v, got %+v", want, snap)
	}
	if len(snap.ErrorSamples) != 1 || snap.ErrorSamples[0].Error != "boom" {
		t.Errorf("Expected one error sample with message 'boom', got %+v", snap.ErrorSamples)
	}
	if snap.AverageCost() != 4 {
		t.Errorf("Expected average cost 4, got %v", snap.AverageCost())
	}
}

func TestBuilderCountersSaturate(t *testing.T) {
	b := NewBuilder(newTestHost(2, 2), "op")
	b.total.Store(math.MaxInt32 - 1)
	b.errors.Store(math.MaxInt32 - 1)

	for i := 0; i < 5; i++ {
		finishWith(b, 1, nil)
		finishWith(b, 1, errBoom)
	}

	if n := len(b.Samples()); n > 2 {
		t.Errorf("Expected at most 2 samples past the counter limit, got %d", n)
	}
	if n := len(b.ErrorSamples()); n > 2 {
		t.Errorf("Expected at most 2 error samples past the counter limit, got %d", n)
	}
	if b.Total() != math.MaxInt32 {
		t.Errorf("Expected total to saturate at %d, got %d", int32(math.MaxInt32), b.Total())
	}
	if b.Errors() < 0 || b.Errors() > b.Total() {
		t.Errorf("Expected 0 <= errors <= total, got %d and %d", b.Errors(), b.Total())
	}
}

func TestBuilderNegativeCost(t *testing.T) {
	b := NewBuilder(newTestHost(1, 1), "op")
	finishWith(b, 10, nil)
	span := finishWith(b, -7, nil)

	if b.Cost() != 10 {
		t.Errorf("Expected cost to stay at 10, got %d", b.Cost())
	}
	if span.Cost != 0 {
		t.Errorf("Expected negative cost recorded as 0, got %d", span.Cost)
	}
	if b.MaxCost() != 10 {
		t.Errorf("Expected max cost 10, got %d", b.MaxCost())
	}
}
