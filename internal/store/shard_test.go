package store

import (
	"os"
	"testing"

	"github.com/awksedgreep/timeless/internal/codec"
	"github.com/awksedgreep/timeless/internal/tier"
)

func testSchema() []tier.Tier {
	return []tier.Tier{
		{Name: "hourly", ResolutionSecs: 3600, ChunkSecs: 86400},
		{Name: "daily", ResolutionSecs: 86400, ChunkSecs: 30 * 86400},
	}
}

func TestOpenShardStoreCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	ss, err := OpenShardStore(dir, 3, testSchema())
	if err != nil {
		t.Fatalf("open shard store: %v", err)
	}
	defer ss.Close()

	if ss.ID != 3 {
		t.Fatalf("expected shard id 3, got %d", ss.ID)
	}
	if _, err := os.Stat(ss.RawDir()); err != nil {
		t.Fatalf("expected raw dir to exist: %v", err)
	}
	if ss.Tier("hourly") == nil || ss.Tier("daily") == nil {
		t.Fatal("expected both schema tiers to be opened")
	}
	if ss.Tier("weekly") != nil {
		t.Fatal("expected unknown tier to be nil")
	}
}

func TestShardStoreSealWindowAndQuery(t *testing.T) {
	ss, err := OpenShardStore(t.TempDir(), 0, testSchema())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ss.Close()

	payload, err := codec.EncodeSegment([]codec.RawPoint{{TS: 100, Value: 1}, {TS: 200, Value: 2}})
	if err != nil {
		t.Fatalf("encode segment: %v", err)
	}
	seg := SealedSegment{SeriesID: 1, StartTime: 100, EndTime: 200, PointCount: 2, Payload: payload}

	if _, err := ss.SealWindow(0, []SealedSegment{seg}); err != nil {
		t.Fatalf("seal window: %v", err)
	}

	segs := ss.Segments()
	if len(segs) != 1 {
		t.Fatalf("expected 1 sealed segment, got %d", len(segs))
	}
	pts, err := segs[0].QueryRange(1, 0, 300)
	if err != nil {
		t.Fatalf("query range: %v", err)
	}
	if len(pts) != 2 {
		t.Fatalf("expected 2 points, got %d", len(pts))
	}
}

func TestShardStoreWatermarkRoundTrip(t *testing.T) {
	ss, err := OpenShardStore(t.TempDir(), 0, testSchema())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ss.Close()

	if ss.Watermark("hourly") != 0 {
		t.Fatal("expected fresh watermark to be 0")
	}
	if err := ss.SetWatermark("hourly", 3600); err != nil {
		t.Fatalf("set watermark: %v", err)
	}
	if got := ss.Watermark("hourly"); got != 3600 {
		t.Fatalf("expected watermark 3600, got %d", got)
	}
}

func TestShardStoreRetentionRawRemovesOldSegments(t *testing.T) {
	ss, err := OpenShardStore(t.TempDir(), 0, testSchema())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ss.Close()

	payload, err := codec.EncodeSegment([]codec.RawPoint{{TS: 100, Value: 1}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	seg := SealedSegment{SeriesID: 1, StartTime: 100, EndTime: 100, PointCount: 1, Payload: payload}
	if _, err := ss.SealWindow(0, []SealedSegment{seg}); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := ss.SealWindow(10000, []SealedSegment{seg}); err != nil {
		t.Fatalf("seal second window: %v", err)
	}

	removed, err := ss.RetentionRaw(5000)
	if err != nil {
		t.Fatalf("retention raw: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 segment removed, got %d", removed)
	}
	if len(ss.Segments()) != 1 {
		t.Fatalf("expected 1 segment remaining, got %d", len(ss.Segments()))
	}
}

func TestShardStoreRetentionTierCompactsPastThreshold(t *testing.T) {
	ss, err := OpenShardStore(t.TempDir(), 0, testSchema())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ss.Close()

	tf := ss.Tier("hourly")
	if err := tf.Write(1, 0, 100, []byte("old")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tf.Write(1, 100, 200, []byte("new")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := ss.RetentionTier("hourly", 150, 0.1); err != nil {
		t.Fatalf("retention tier: %v", err)
	}
	if tf.DeadRatio() != 0 {
		t.Fatalf("expected compaction to zero out dead ratio, got %f", tf.DeadRatio())
	}
}

func TestShardStoreDirBytesNonZeroAfterWrite(t *testing.T) {
	ss, err := OpenShardStore(t.TempDir(), 0, testSchema())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ss.Close()

	if err := ss.Tier("hourly").Write(1, 0, 100, []byte("some bytes of chunk data")); err != nil {
		t.Fatalf("write: %v", err)
	}

	n, err := ss.DirBytes()
	if err != nil {
		t.Fatalf("dir bytes: %v", err)
	}
	if n <= 0 {
		t.Fatalf("expected non-zero dir bytes, got %d", n)
	}
}
