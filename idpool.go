package spanz

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDPool keeps a buffer of pre-generated ids so that Start does not pay
// for id generation on the hot path.
type IDPool struct {
	factory func() string
	ids     chan string
	stopCh  chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewIDPool creates a pool holding up to capacity ids produced by factory.
// A background goroutine refills the pool until Close is called.
func NewIDPool(capacity int, factory func() string) *IDPool {
	if capacity < 1 {
		capacity = 1
	}
	p := &IDPool{
		factory: factory,
		ids:     make(chan string, capacity),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.refill()
	return p
}

// Get returns a pooled id, or a freshly generated one when the pool is empty.
func (p *IDPool) Get() string {
	select {
	case id := <-p.ids:
		return id
	default:
		return p.factory()
	}
}

// Len returns the number of ids currently buffered.
func (p *IDPool) Len() int {
	return len(p.ids)
}

func (p *IDPool) refill() {
	defer close(p.done)
	for {
		id := p.factory()
		select {
		case p.ids <- id:
		case <-p.stopCh:
			return
		}
	}
}

// Close stops the refill goroutine and waits for it to exit.
// Get keeps working after Close by calling the factory directly.
// Safe to call multiple times.
func (p *IDPool) Close() {
	p.once.Do(func() {
		close(p.stopCh)
	})
	<-p.done
}

var traceIDEntropy = ulid.DefaultEntropy()

// newTraceIDFactory returns a factory of ULID trace ids stamped with now().
func newTraceIDFactory(now func() time.Time) func() string {
	return func() string {
		return ulid.MustNew(ulid.Timestamp(now()), traceIDEntropy).String()
	}
}

// newSpanID returns 16 random hex characters.
func newSpanID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Fall back to a time-derived id if crypto/rand fails.
		return hex.EncodeToString([]byte(time.Now().Format("150405.00")))[:16]
	}
	return hex.EncodeToString(b[:])
}
