package shard

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awksedgreep/timeless/internal/errs"
)

// Point is one (series_id, ts, value) sample entering the write path
// upstream of the Segment Builder (orig §2 row 5, §4.4).
type Point struct {
	SeriesID int64
	TS       int64
	Value    float64
}

// Ingester is the Segment Builder's intake, the write buffer's only
// downstream dependency.
type Ingester interface {
	Ingest(points []Point) error
}

// WriteBuffer is one shard's bounded intake queue: a channel-backed
// batcher that drains into the shard's Segment Builder either when
// flushThreshold points have accumulated or flushInterval elapses,
// whichever comes first (orig §2 row 5, §6 "flush_interval" /
// "flush_threshold").
//
// The spec describes "lock-free per-CPU batching", a finer-grained
// striping than Go's goroutine model expresses without manual CPU
// affinity. One bounded channel per shard, drained by a single
// goroutine, gives the same batching and backpressure behavior
// through idiomatic Go concurrency instead (a resolved Open Question,
// see DESIGN.md).
type WriteBuffer struct {
	queue          chan Point
	ingester       Ingester
	flushThreshold int
	flushInterval  time.Duration

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}

	backpressure atomic.Int64
}

// NewWriteBuffer constructs a write buffer with the given bounded
// queue depth, draining into ingester.
func NewWriteBuffer(ingester Ingester, queueDepth, flushThreshold int, flushInterval time.Duration) *WriteBuffer {
	return &WriteBuffer{
		queue:          make(chan Point, queueDepth),
		ingester:       ingester,
		flushThreshold: flushThreshold,
		flushInterval:  flushInterval,
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
}

// Start launches the drain goroutine. Call once.
func (b *WriteBuffer) Start() {
	go b.run()
}

// Stop flushes any remaining batch and terminates the drain goroutine.
func (b *WriteBuffer) Stop() {
	b.closeOnce.Do(func() { close(b.done) })
	<-b.stopped
}

// Submit enqueues p, blocking only while the bounded queue is full.
// If ctx is done before space frees up, it returns Backpressure (orig
// §5 "writes may block only in the Write Buffer's bounded queue when
// downstream is saturated").
func (b *WriteBuffer) Submit(ctx context.Context, p Point) error {
	select {
	case b.queue <- p:
		return nil
	default:
	}
	select {
	case b.queue <- p:
		return nil
	case <-ctx.Done():
		b.backpressure.Add(1)
		return fmt.Errorf("%w: write buffer queue full", errs.ErrBackpressure)
	}
}

// Backpressure returns how many Submit calls have returned
// errs.ErrBackpressure since this buffer started, for engine.Info()'s
// backpressure counter (SPEC_FULL.md §6 item 1).
func (b *WriteBuffer) Backpressure() int64 { return b.backpressure.Load() }

func (b *WriteBuffer) run() {
	defer close(b.stopped)
	batch := make([]Point, 0, b.flushThreshold)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := b.ingester.Ingest(batch); err != nil {
			log.Printf("write buffer: ingest failed: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case p := <-b.queue:
			batch = append(batch, p)
			if len(batch) >= b.flushThreshold {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-b.done:
			for {
				select {
				case p := <-b.queue:
					batch = append(batch, p)
				default:
					flush()
					return
				}
			}
		}
	}
}
