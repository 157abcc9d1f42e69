package shard

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeIngester struct {
	mu     sync.Mutex
	batches [][]Point
}

func (f *fakeIngester) Ingest(points []Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]Point, len(points))
	copy(batch, points)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeIngester) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestWriteBufferFlushesOnThreshold(t *testing.T) {
	ing := &fakeIngester{}
	buf := NewWriteBuffer(ing, 100, 3, time.Hour)
	buf.Start()
	defer buf.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := buf.Submit(ctx, Point{SeriesID: 1, TS: int64(i), Value: float64(i)}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for ing.total() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := ing.total(); got != 3 {
		t.Fatalf("expected 3 points flushed by threshold, got %d", got)
	}
}

func TestWriteBufferFlushesOnInterval(t *testing.T) {
	ing := &fakeIngester{}
	buf := NewWriteBuffer(ing, 100, 1000, 10*time.Millisecond)
	buf.Start()
	defer buf.Stop()

	if err := buf.Submit(context.Background(), Point{SeriesID: 1, TS: 1, Value: 1}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for ing.total() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := ing.total(); got != 1 {
		t.Fatalf("expected interval flush to deliver the pending point, got %d", got)
	}
}

func TestWriteBufferStopFlushesRemainder(t *testing.T) {
	ing := &fakeIngester{}
	buf := NewWriteBuffer(ing, 100, 1000, time.Hour)
	buf.Start()

	if err := buf.Submit(context.Background(), Point{SeriesID: 1, TS: 1, Value: 1}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	buf.Stop()

	if got := ing.total(); got != 1 {
		t.Fatalf("expected Stop to flush the remaining point, got %d", got)
	}
}

func TestWriteBufferSubmitBackpressure(t *testing.T) {
	ing := &fakeIngester{}
	buf := NewWriteBuffer(ing, 1, 1000, time.Hour)
	// Don't Start() the drain goroutine, so the queue fills up.

	ctx := context.Background()
	if err := buf.Submit(ctx, Point{SeriesID: 1, TS: 1, Value: 1}); err != nil {
		t.Fatalf("first submit should not block: %v", err)
	}

	ctx2, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := buf.Submit(ctx2, Point{SeriesID: 1, TS: 2, Value: 2}); err == nil {
		t.Fatal("expected backpressure error when queue is full and context expires")
	}
}
