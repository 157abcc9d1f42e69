package shard

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/awksedgreep/timeless/internal/codec"
	"github.com/awksedgreep/timeless/internal/errs"
	"github.com/awksedgreep/timeless/internal/store"
)

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// SegmentBuilder turns a shard's stream of points into sealed
// segments (orig §4.4). One instance per shard; it is the single
// writer of its shard's WAL and .seg files.
type SegmentBuilder struct {
	mu             sync.Mutex
	store          *store.ShardStore
	windowDuration int64
	currentWindow  int64
	pending        map[int64][]codec.RawPoint

	onSeal func(windowStart int64)
}

// NewSegmentBuilder constructs a builder over ss, replaying
// current.wal into the pending map to recover from a crash before any
// new point is accepted (orig §4.4 "Crash recovery").
func NewSegmentBuilder(ss *store.ShardStore, windowDuration int64, onSeal func(windowStart int64)) (*SegmentBuilder, error) {
	b := &SegmentBuilder{
		store:          ss,
		windowDuration: windowDuration,
		pending:        make(map[int64][]codec.RawPoint),
		onSeal:         onSeal,
	}
	if err := b.recover(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SegmentBuilder) recover() error {
	path := filepath.Join(b.store.RawDir(), "current.wal")
	records, err := store.ReadWAL(path)
	if err != nil {
		return err
	}
	for _, rec := range records {
		points, err := store.DecodeWALPoints(rec)
		if err != nil {
			log.Printf("segment builder: skipping corrupt wal record series=%d: %v", rec.SeriesID, err)
			continue
		}
		b.pending[rec.SeriesID] = append(b.pending[rec.SeriesID], points...)
		ws := floorDiv(rec.StartTime, b.windowDuration) * b.windowDuration
		if ws > b.currentWindow {
			b.currentWindow = ws
		}
	}
	return nil
}

// Ingest folds a batch of points (all belonging to this shard) into
// the pending map, closing the current window whenever a point's
// timestamp falls in a later window; a point older than the current
// window is added to pending without closing it (orig §4.4 "On
// receiving a batch of points").
func (b *SegmentBuilder) Ingest(points []Point) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range points {
		ws := floorDiv(p.TS, b.windowDuration) * b.windowDuration
		if b.currentWindow == 0 && len(b.pending) == 0 {
			b.currentWindow = ws
		}
		if ws >= b.currentWindow+b.windowDuration {
			if err := b.closeWindowLocked(); err != nil {
				return err
			}
			b.currentWindow = ws
		}
		b.pending[p.SeriesID] = append(b.pending[p.SeriesID], codec.RawPoint{TS: p.TS, Value: p.Value})
	}
	return nil
}

// CheckIdleWindow closes the current window on wall-clock grounds
// even if no new point ever arrives to trigger it, so a shard that
// goes quiet still seals its open window (grace period past the
// window boundary, orig §6 "segment_seal_grace").
func (b *SegmentBuilder) CheckIdleWindow(now int64, sealGraceSecs int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentWindow == 0 && len(b.pending) == 0 {
		return nil
	}
	if now < b.currentWindow+b.windowDuration+sealGraceSecs {
		return nil
	}
	return b.closeWindowLocked()
}

// closeWindowLocked snapshots every pending series, Gorilla+zstd
// compresses each into a segment blob, hands the sorted batch to the
// Shard Store to seal, clears pending, and calls onSeal if one is set
// (orig §4.4 "Window close procedure"). It does not start a rollup
// pass; rollup runs on its own tickers. Callers hold b.mu.
func (b *SegmentBuilder) closeWindowLocked() error {
	if len(b.pending) == 0 {
		return nil
	}

	segments := make([]store.SealedSegment, 0, len(b.pending))
	for seriesID, points := range b.pending {
		sorted := make([]codec.RawPoint, len(points))
		copy(sorted, points)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].TS < sorted[j].TS })

		payload, err := codec.EncodeSegment(sorted)
		if err != nil {
			return fmt.Errorf("%w: encode segment series=%d: %v", errs.ErrCorruptSegment, seriesID, err)
		}
		segments = append(segments, store.SealedSegment{
			SeriesID:   seriesID,
			StartTime:  sorted[0].TS,
			EndTime:    sorted[len(sorted)-1].TS,
			PointCount: uint32(len(sorted)),
			Payload:    payload,
		})
	}

	windowStart := b.currentWindow
	if _, err := b.store.SealWindow(windowStart, segments); err != nil {
		return err
	}
	b.pending = make(map[int64][]codec.RawPoint)

	if b.onSeal != nil {
		b.onSeal(windowStart)
	}
	return nil
}

// Checkpoint appends every non-empty pending series' current points
// to the WAL as a crash-recovery snapshot, without clearing the
// pending map (orig §4.4 step 3: "the pending list is NOT cleared; it
// is the authoritative in-memory copy for reads against the open
// window").
func (b *SegmentBuilder) Checkpoint() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}

	wal := b.store.WAL()
	for seriesID, points := range b.pending {
		sorted := make([]codec.RawPoint, len(points))
		copy(sorted, points)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].TS < sorted[j].TS })

		payload, err := codec.EncodeSegment(sorted)
		if err != nil {
			return fmt.Errorf("%w: checkpoint series=%d: %v", errs.ErrCorruptSegment, seriesID, err)
		}
		rec := store.WALRecord{
			SeriesID:  seriesID,
			StartTime: sorted[0].TS,
			EndTime:   sorted[len(sorted)-1].TS,
			PointCt:   uint32(len(sorted)),
			Data:      payload,
		}
		if err := wal.Append(rec); err != nil {
			return err
		}
	}
	return wal.Sync()
}

// QueryRange returns pending (open-window) points for seriesID in
// [from, to), ascending by timestamp, for the query planner to stitch
// in ahead of sealed segments (orig §4.7).
func (b *SegmentBuilder) QueryRange(seriesID, from, to int64) []codec.RawPoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	pts := b.pending[seriesID]
	out := make([]codec.RawPoint, 0, len(pts))
	for _, p := range pts {
		if p.TS >= from && p.TS < to {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	return out
}

// PendingPointCount returns how many points the open window currently
// holds across every series, for engine.Info()'s points_estimate.
func (b *SegmentBuilder) PendingPointCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, pts := range b.pending {
		n += int64(len(pts))
	}
	return n
}

// Latest returns the most recent pending point for seriesID, if any.
func (b *SegmentBuilder) Latest(seriesID int64) (codec.RawPoint, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pts := b.pending[seriesID]
	if len(pts) == 0 {
		return codec.RawPoint{}, false
	}
	latest := pts[0]
	for _, p := range pts[1:] {
		if p.TS > latest.TS {
			latest = p
		}
	}
	return latest, true
}

// Run drives periodic checkpointing and idle-window sealing until ctx
// is canceled (orig §4.4 "pending_flush_interval").
func (b *SegmentBuilder) Run(ctx context.Context, pendingFlushInterval time.Duration, sealGraceSecs int64) {
	ticker := time.NewTicker(pendingFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.CheckIdleWindow(time.Now().Unix(), sealGraceSecs); err != nil {
				log.Printf("segment builder: idle window seal failed: %v", err)
			}
			if err := b.Checkpoint(); err != nil {
				log.Printf("segment builder: checkpoint failed: %v", err)
			}
		}
	}
}
