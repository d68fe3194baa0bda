package spanz

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCollectorClosed is returned by Handle after Close.
var ErrCollectorClosed = errors.New("collector closed")

// Collector buffers reports for pull-based export.
// Register Handle with Tracer.OnReport and drain with Export.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	reports      []Report
	reportsCh    chan Report
	stopCh       chan struct{}
	done         chan struct{}
	droppedCount atomic.Int64
	mu           sync.Mutex
	closeOnce    sync.Once
	closed       atomic.Bool
	syncMode     atomic.Bool // Bypass channel for synchronous collection.
}

// NewCollector creates a collector whose intake channel holds bufferSize
// reports. Reports arriving while the channel is full are dropped.
func NewCollector(bufferSize int) *Collector {
	if bufferSize < 1 {
		bufferSize = 1
	}
	c := &Collector{
		reportsCh: make(chan Report, bufferSize),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.start()
	return c
}

// start runs the collector's main loop, receiving reports from the channel.
func (c *Collector) start() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			// Drain remaining reports before shutdown.
			for {
				select {
				case r := <-c.reportsCh:
					c.buffer(r)
				default:
					return
				}
			}
		case r := <-c.reportsCh:
			c.buffer(r)
		}
	}
}

// Handle implements ReportHandler.
func (c *Collector) Handle(_ context.Context, report Report) error {
	if c.closed.Load() {
		c.droppedCount.Add(1)
		return ErrCollectorClosed
	}

	if c.syncMode.Load() {
		c.buffer(report)
		return nil
	}

	select {
	case c.reportsCh <- report:
	default:
		// Channel full - drop report to prevent blocking the flush.
		c.droppedCount.Add(1)
	}
	return nil
}

func (c *Collector) buffer(report Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, report)
}

// Export returns all buffered reports and clears the buffer.
func (c *Collector) Export() []Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.reports) == 0 {
		return nil
	}
	out := c.reports
	c.reports = nil
	return out
}

// Count returns the current number of buffered reports.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reports)
}

// DroppedCount returns the number of reports dropped due to backpressure
// or arriving after Close.
func (c *Collector) DroppedCount() int64 {
	return c.droppedCount.Load()
}

// SetSyncMode enables synchronous collection for testing.
// When enabled, reports are buffered directly without using the channel.
func (c *Collector) SetSyncMode(sync bool) {
	c.syncMode.Store(sync)
}

// Reset clears all buffered reports and resets the drop counter.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reports = nil
	c.droppedCount.Store(0)
}

// Close stops the intake goroutine after draining queued reports.
// Buffered reports remain available to Export.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopCh)
	})
	select {
	case <-c.done:
	case <-time.After(100 * time.Millisecond):
	}
}
