package retention

import (
	"testing"
	"time"

	"github.com/awksedgreep/timeless/internal/codec"
	"github.com/awksedgreep/timeless/internal/store"
	"github.com/awksedgreep/timeless/internal/tier"
)

func testSchema() []tier.Tier {
	return []tier.Tier{
		{Name: "hourly", ResolutionSecs: 3600, ChunkSecs: 86400, Retention: 2 * time.Hour},
		{Name: "daily", ResolutionSecs: 86400, ChunkSecs: 30 * 86400, Retention: 0},
	}
}

func openTestStore(t *testing.T) *store.ShardStore {
	t.Helper()
	ss, err := store.OpenShardStore(t.TempDir(), 0, testSchema())
	if err != nil {
		t.Fatalf("open shard store: %v", err)
	}
	t.Cleanup(func() { ss.Close() })
	return ss
}

func sealAt(t *testing.T, ss *store.ShardStore, windowStart, ts int64) {
	t.Helper()
	payload, err := codec.EncodeSegment([]codec.RawPoint{{TS: ts, Value: 1}})
	if err != nil {
		t.Fatalf("encode segment: %v", err)
	}
	seg := store.SealedSegment{SeriesID: 1, StartTime: ts, EndTime: ts, PointCount: 1, Payload: payload}
	if _, err := ss.SealWindow(windowStart, []store.SealedSegment{seg}); err != nil {
		t.Fatalf("seal window: %v", err)
	}
}

func TestRunOnceDropsRawSegmentsPastRetention(t *testing.T) {
	ss := openTestStore(t)
	sealAt(t, ss, 0, 100)
	sealAt(t, ss, 100000, 100100)

	r := NewRunner([]*store.ShardStore{ss}, testSchema(), 3600, time.Hour, 0.25)
	if err := r.RunOnce(100000); err != nil {
		t.Fatalf("run once: %v", err)
	}

	segs := ss.Segments()
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment to survive retention, got %d", len(segs))
	}

	counters := r.Snapshot()
	if counters.SegmentsDropped != 1 {
		t.Fatalf("expected 1 segment dropped counted, got %d", counters.SegmentsDropped)
	}
}

func TestRunOnceSkipsRawRetentionWhenDisabled(t *testing.T) {
	ss := openTestStore(t)
	sealAt(t, ss, 0, 100)

	r := NewRunner([]*store.ShardStore{ss}, testSchema(), 3600, 0, 0.25)
	if err := r.RunOnce(1_000_000); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(ss.Segments()) != 1 {
		t.Fatal("expected raw segment to survive when raw retention is disabled")
	}
}

func TestRunOnceSkipsForeverTiers(t *testing.T) {
	ss := openTestStore(t)
	tf := ss.Tier("daily")
	if err := tf.Write(1, 0, 86400, []byte("old")); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewRunner([]*store.ShardStore{ss}, testSchema(), 3600, 0, 0.01)
	if err := r.RunOnce(10 * 365 * 86400); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if _, ok := tf.Find(1, 0); !ok {
		t.Fatal("expected forever-retention tier entry to survive any sweep")
	}
}

func TestRunOnceCompactsTierPastDeadRatioThreshold(t *testing.T) {
	ss := openTestStore(t)
	tf := ss.Tier("hourly")
	if err := tf.Write(1, 0, 100, []byte("old")); err != nil {
		t.Fatalf("write v1: %v", err)
	}
	if err := tf.Write(1, 0, 100, []byte("new")); err != nil {
		t.Fatalf("write v2: %v", err)
	}

	r := NewRunner([]*store.ShardStore{ss}, testSchema(), 3600, 0, 0.01)
	if err := r.RunOnce(50); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if tf.DeadRatio() != 0 {
		t.Fatalf("expected dead ratio to be compacted away, got %f", tf.DeadRatio())
	}
}

func TestSnapshotAccumulatesAcrossSweeps(t *testing.T) {
	ss := openTestStore(t)
	sealAt(t, ss, 0, 100)
	sealAt(t, ss, 200000, 200100)

	r := NewRunner([]*store.ShardStore{ss}, testSchema(), 3600, time.Hour, 0.25)
	if err := r.RunOnce(200000); err != nil {
		t.Fatalf("run once #1: %v", err)
	}
	if err := r.RunOnce(400000); err != nil {
		t.Fatalf("run once #2: %v", err)
	}

	counters := r.Snapshot()
	if counters.SegmentsDropped != 2 {
		t.Fatalf("expected cumulative drop count of 2 across sweeps, got %d", counters.SegmentsDropped)
	}
}
