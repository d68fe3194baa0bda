package spanz

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/zoobzio/clockz"
	"go.uber.org/multierr"
)

// ErrWorkerPoolEnabled is returned when EnableWorkerPool is called twice.
var ErrWorkerPoolEnabled = errors.New("worker pool already enabled")

// ErrTracerClosed is returned by EnableWorkerPool after Close.
var ErrTracerClosed = errors.New("tracer closed")

// ReportHandler is called with every non-empty report.
type ReportHandler func(ctx context.Context, report Report) error

// Report is the set of builder snapshots taken at one flush.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type Report struct {
	Start    time.Time         `json:"start"`
	End      time.Time         `json:"end"`
	Builders []BuilderSnapshot `json:"builders"`
}

type handlerEntry struct {
	handler ReportHandler
	id      uint64
	async   bool
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithConfig sets the tracer config. A config failing Validate is ignored.
func WithConfig(cfg Config) Option {
	return func(t *Tracer) {
		if cfg.Validate() != nil {
			return
		}
		t.cfg = cfg
	}
}

// WithClock sets the clock used for span timing and flush periods.
// Enables clock injection for deterministic testing.
func WithClock(clock clockz.Clock) Option {
	return func(t *Tracer) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithLogger sets the logger for flush bookkeeping and handler failures.
func WithLogger(logger logr.Logger) Option {
	return func(t *Tracer) {
		t.logger = logger
	}
}

// Tracer owns the builder registry and reports it periodically.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	cfg    Config
	clock  clockz.Clock
	logger logr.Logger

	buildersMu  sync.RWMutex
	builders    map[Key]*Builder
	periodStart time.Time

	handlers     []handlerEntry
	handlersLock sync.RWMutex
	panicHook    func(handlerID uint64, r interface{})
	nextID       atomic.Uint64

	workersMu      sync.Mutex
	workers        *workerPool
	closed         bool
	droppedReports atomic.Uint64
	asyncWG        sync.WaitGroup

	traceIDPool *IDPool
	spanIDPool  *IDPool
	idPoolOnce  sync.Once

	closeOnce sync.Once
	closeErr  error
}

var _ Host = (*Tracer)(nil)

// New creates a new tracer.
// Uses DefaultConfig and the real clock unless overridden.
func New(opts ...Option) *Tracer {
	t := &Tracer{
		cfg:    DefaultConfig(),
		clock:  clockz.RealClock,
		logger: logr.Discard(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.builders = make(map[Key]*Builder)
	t.periodStart = t.clock.Now()
	if t.cfg.Workers > 0 {
		// Config was validated, so the only possible error is a second call.
		_ = t.EnableWorkerPool(t.cfg.Workers, t.cfg.QueueSize)
	}
	return t
}

// Config returns the tracer config.
func (t *Tracer) Config() Config { return t.cfg }

// MaxSamples implements Host.
func (t *Tracer) MaxSamples() int32 { return t.cfg.MaxSamples }

// MaxErrors implements Host.
func (t *Tracer) MaxErrors() int32 { return t.cfg.MaxErrors }

// Now implements Host.
func (t *Tracer) Now() time.Time { return t.clock.Now() }

// NewTraceID implements Host.
func (t *Tracer) NewTraceID() string {
	t.ensureIDPools()
	return t.traceIDPool.Get()
}

// NewSpanID implements Host.
func (t *Tracer) NewSpanID() string {
	t.ensureIDPools()
	return t.spanIDPool.Get()
}

// ensureIDPools initializes ID pools if not already created.
func (t *Tracer) ensureIDPools() {
	t.idPoolOnce.Do(func() {
		// Pool size based on number of CPUs for optimal contention balance.
		poolSize := runtime.NumCPU() * 100
		t.traceIDPool = NewIDPool(poolSize, newTraceIDFactory(t.clock.Now))
		t.spanIDPool = NewIDPool(poolSize, newSpanID)
	})
}

// BuildSpan returns the builder for name, creating it on first use.
func (t *Tracer) BuildSpan(name Key) *Builder {
	t.buildersMu.RLock()
	b, ok := t.builders[name]
	t.buildersMu.RUnlock()
	if ok {
		return b
	}

	t.buildersMu.Lock()
	defer t.buildersMu.Unlock()
	if b, ok := t.builders[name]; ok {
		return b
	}
	b = NewBuilder(t, name)
	t.builders[name] = b
	return b
}

// StartSpan starts a span for name. If ctx carries a span, the new span
// joins its trace and records it as parent. The returned context carries
// the new span.
func (t *Tracer) StartSpan(ctx context.Context, name Key) (context.Context, *Span) {
	// Handle nil context by creating a new one.
	if ctx == nil {
		ctx = context.Background()
	}

	span := t.BuildSpan(name).Start()
	if parent := SpanFromContext(ctx); parent != nil {
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	}
	return ContextWithSpan(ctx, span), span
}

// Builders returns the builders of the current period. The registry is
// not modified.
func (t *Tracer) Builders() []*Builder {
	t.buildersMu.RLock()
	defer t.buildersMu.RUnlock()
	out := make([]*Builder, 0, len(t.builders))
	for _, b := range t.builders {
		out = append(out, b)
	}
	return out
}

// TakeAll replaces the registry with an empty one and returns the
// previous builders. Spans finished on a taken builder after this call
// are still counted by it but will not be reported.
func (t *Tracer) TakeAll() []*Builder {
	builders, _, _ := t.takeAll()
	return builders
}

func (t *Tracer) takeAll() (builders []*Builder, start, end time.Time) {
	now := t.clock.Now()

	t.buildersMu.Lock()
	old := t.builders
	start = t.periodStart
	t.builders = make(map[Key]*Builder, len(old))
	t.periodStart = now
	t.buildersMu.Unlock()

	builders = make([]*Builder, 0, len(old))
	for _, b := range old {
		builders = append(builders, b)
	}
	return builders, start, now
}

// OnReport registers a synchronous handler called at every flush.
// Errors returned by synchronous handlers are returned from Flush.
func (t *Tracer) OnReport(handler ReportHandler) uint64 {
	return t.registerHandler(handler, false)
}

// OnReportAsync registers an asynchronous handler called at every flush.
// Errors returned by asynchronous handlers are logged.
func (t *Tracer) OnReportAsync(handler ReportHandler) uint64 {
	return t.registerHandler(handler, true)
}

func (t *Tracer) registerHandler(handler ReportHandler, async bool) uint64 {
	if handler == nil {
		return 0
	}

	id := t.nextID.Add(1)

	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	t.handlers = append(t.handlers, handlerEntry{
		id:      id,
		handler: handler,
		async:   async,
	})

	return id
}

// RemoveHandler removes a handler by ID.
func (t *Tracer) RemoveHandler(id uint64) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	// Preserve order
	for i, h := range t.handlers {
		if h.id == id {
			copy(t.handlers[i:], t.handlers[i+1:])
			t.handlers = t.handlers[:len(t.handlers)-1]
			return
		}
	}
}

// SetPanicHook sets a function to be called when a handler panics.
func (t *Tracer) SetPanicHook(hook func(handlerID uint64, r interface{})) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()
	t.panicHook = hook
}

// Flush takes every builder of the current period and dispatches a
// report to the handlers. Periods without finished spans are skipped.
func (t *Tracer) Flush(ctx context.Context) error {
	builders, start, end := t.takeAll()

	report := Report{Start: start, End: end}
	for _, b := range builders {
		if b.Total() == 0 {
			continue
		}
		report.Builders = append(report.Builders, b.Snapshot())
	}
	sort.Slice(report.Builders, func(i, j int) bool {
		return report.Builders[i].Name < report.Builders[j].Name
	})
	if len(report.Builders) == 0 {
		t.logger.V(1).Info("flush skipped, no finished spans", "builders", len(builders))
		return nil
	}

	t.logger.V(1).Info("flush", "builders", len(report.Builders), "start", start, "end", end)
	return t.executeHandlers(ctx, report)
}

// executeHandlers calls all registered handlers with the report.
func (t *Tracer) executeHandlers(ctx context.Context, report Report) error {
	t.handlersLock.RLock()
	if len(t.handlers) == 0 {
		t.handlersLock.RUnlock()
		return nil
	}
	handlers := make([]handlerEntry, len(t.handlers))
	copy(handlers, t.handlers)
	t.handlersLock.RUnlock()

	var err error
	for _, h := range handlers {
		if h.async {
			entry := h
			t.dispatchAsync(func() {
				if herr := t.safeCall(context.WithoutCancel(ctx), entry, report); herr != nil {
					t.logger.Error(herr, "async report handler failed", "handler", entry.id)
				}
			})
			continue
		}
		if herr := t.safeCall(ctx, h, report); herr != nil {
			err = multierr.Append(err, fmt.Errorf("report handler %d: %w", h.id, herr))
		}
	}
	return err
}

// dispatchAsync hands task to the worker pool, or to a tracked goroutine
// when no pool is enabled. After Close the task is counted as dropped.
// workersMu is held so Close cannot stop the pool or start waiting on
// asyncWG in the middle of a dispatch.
func (t *Tracer) dispatchAsync(task func()) {
	t.workersMu.Lock()
	defer t.workersMu.Unlock()

	switch {
	case t.closed:
		t.droppedReports.Add(1)
	case t.workers != nil:
		t.workers.submit(task)
	default:
		t.asyncWG.Add(1)
		go func() {
			defer t.asyncWG.Done()
			task()
		}()
	}
}

func (t *Tracer) safeCall(ctx context.Context, entry handlerEntry, report Report) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.handlersLock.RLock()
			hook := t.panicHook
			t.handlersLock.RUnlock()
			if hook != nil {
				hook(entry.id, r)
			}
			t.logger.Error(nil, "report handler panicked", "handler", entry.id, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return entry.handler(ctx, report)
}

// Run flushes every Config.Period until ctx is done, then flushes once
// more. Handler errors are logged and do not stop the loop.
func (t *Tracer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if err := t.Flush(context.WithoutCancel(ctx)); err != nil {
				t.logger.Error(err, "final flush failed")
			}
			return ctx.Err()
		case <-t.clock.After(t.cfg.Period):
			if err := t.Flush(ctx); err != nil {
				t.logger.Error(err, "flush failed")
			}
		}
	}
}

// EnableWorkerPool creates a bounded worker pool for async handlers.
func (t *Tracer) EnableWorkerPool(workers, queueSize int) error {
	if workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if queueSize <= 0 {
		return errors.New("queueSize must be > 0")
	}

	t.workersMu.Lock()
	defer t.workersMu.Unlock()
	if t.closed {
		return ErrTracerClosed
	}
	if t.workers != nil {
		return ErrWorkerPoolEnabled
	}

	t.workers = &workerPool{
		tasks:   make(chan func(), queueSize),
		stop:    make(chan struct{}),
		dropped: &t.droppedReports,
	}
	t.workers.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go t.workers.run()
	}
	return nil
}

// DroppedReports returns the number of async deliveries dropped due to a
// full worker queue or a closed tracer.
func (t *Tracer) DroppedReports() uint64 {
	return t.droppedReports.Load()
}

// Close flushes the current period, waits for queued async handlers and
// releases background goroutines. Safe to call multiple times.
func (t *Tracer) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.Flush(context.Background())

		// Stop new handler executions
		t.handlersLock.Lock()
		t.handlers = nil
		t.handlersLock.Unlock()

		t.workersMu.Lock()
		t.closed = true
		if t.workers != nil {
			t.workers.shutdown()
			t.workers = nil
		}
		t.workersMu.Unlock()
		t.asyncWG.Wait()

		// Force pool creation so Close never races a lazy init.
		t.ensureIDPools()
		t.traceIDPool.Close()
		t.spanIDPool.Close()
	})
	return t.closeErr
}

// workerPool manages a fixed number of workers for async report handlers.
//
//nolint:govet // Field order optimized for functionality over memory
type workerPool struct {
	tasks   chan func()
	stop    chan struct{}
	dropped *atomic.Uint64
	wg      sync.WaitGroup
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-w.stop:
			// Drain what was queued before shutdown.
			for {
				select {
				case task := <-w.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

func (w *workerPool) submit(task func()) {
	select {
	case w.tasks <- task:
	default:
		w.dropped.Add(1)
	}
}

func (w *workerPool) shutdown() {
	close(w.stop)
	w.wg.Wait()
}
