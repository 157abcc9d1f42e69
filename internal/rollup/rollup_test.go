package rollup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/awksedgreep/timeless/internal/codec"
	"github.com/awksedgreep/timeless/internal/registry"
	shardpkg "github.com/awksedgreep/timeless/internal/shard"
	"github.com/awksedgreep/timeless/internal/store"
	"github.com/awksedgreep/timeless/internal/tier"
)

func testSchema() []tier.Tier {
	all := tier.NewMask(tier.Avg, tier.Min, tier.Max, tier.Count, tier.Sum, tier.Last)
	return []tier.Tier{
		{Name: "hourly", ResolutionSecs: 3600, Aggregates: all, ChunkSecs: 86400, RollupInterval: time.Minute, SafetyMarginSecs: 0},
		{Name: "daily", ResolutionSecs: 86400, Aggregates: all, ChunkSecs: 30 * 86400, RollupInterval: time.Hour, SafetyMarginSecs: 0, Source: "hourly"},
	}
}

func newTestEngine(t *testing.T) (*Engine, *registry.Registry, []*store.ShardStore) {
	t.Helper()
	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	schema := testSchema()
	ss, err := store.OpenShardStore(t.TempDir(), 0, schema)
	require.NoError(t, err)
	t.Cleanup(func() { ss.Close() })

	stores := []*store.ShardStore{ss}
	return NewEngine(reg, stores, schema), reg, stores
}

func sealRawWindow(t *testing.T, ss *store.ShardStore, windowStart int64, seriesID int64, points []codec.RawPoint) {
	t.Helper()
	payload, err := codec.EncodeSegment(points)
	require.NoError(t, err)
	seg := store.SealedSegment{
		SeriesID:   seriesID,
		StartTime:  points[0].TS,
		EndTime:    points[len(points)-1].TS,
		PointCount: uint32(len(points)),
		Payload:    payload,
	}
	_, err = ss.SealWindow(windowStart, []store.SealedSegment{seg})
	require.NoError(t, err)
}

func TestRunPassRollsUpRawIntoHourlyChunk(t *testing.T) {
	engine, reg, stores := newTestEngine(t)
	ss := stores[0]

	seriesID, err := reg.GetOrCreate("cpu", map[string]string{"host": "a"})
	require.NoError(t, err)
	shardID := shardpkg.Of(seriesID, 1)
	require.Equal(t, 0, shardID)

	sealRawWindow(t, ss, 0, seriesID, []codec.RawPoint{
		{TS: 10, Value: 1},
		{TS: 20, Value: 2},
		{TS: 30, Value: 3},
	})

	hourlyTier := engine.schema[0]
	err = engine.RunPass(0, hourlyTier, 7200)
	require.NoError(t, err)

	tf := ss.Tier("hourly")
	entries := tf.QueryRange(seriesID, 0, 3600)
	require.NotEmpty(t, entries, "expected a rolled-up hourly chunk to exist")

	blob, err := tf.ReadBlob(entries[0])
	require.NoError(t, err)
	dec, err := codec.DecodeChunk(blob)
	require.NoError(t, err)
	require.Len(t, dec.Buckets, 1)
	require.Equal(t, 2.0, dec.Buckets[0].Avg)
	require.Equal(t, int64(3), dec.Buckets[0].Count)

	require.Equal(t, int64(7200), ss.Watermark("hourly"))
}

func TestRunPassSkipsWhenNothingNewIsSafe(t *testing.T) {
	engine, _, stores := newTestEngine(t)
	ss := stores[0]
	require.NoError(t, ss.SetWatermark("hourly", 7200))

	err := engine.RunPass(0, engine.schema[0], 3600)
	require.NoError(t, err)
	require.Equal(t, int64(7200), ss.Watermark("hourly"), "watermark must not regress or be recomputed when nothing is safe yet")
}

func TestRunPassDailyReaggregatesFromHourly(t *testing.T) {
	engine, reg, stores := newTestEngine(t)
	ss := stores[0]

	seriesID, err := reg.GetOrCreate("cpu", map[string]string{"host": "a"})
	require.NoError(t, err)

	hourlyTier := engine.schema[0]
	dailyTier := engine.schema[1]

	mask := hourlyTier.Aggregates
	blob, err := codec.EncodeChunk([]tier.Bucket{
		{Start: 0, Avg: 10, Min: 10, Max: 10, Count: 1, Sum: 10, Last: 10},
		{Start: 3600, Avg: 20, Min: 20, Max: 20, Count: 1, Sum: 20, Last: 20},
	}, mask)
	require.NoError(t, err)
	require.NoError(t, ss.Tier("hourly").Write(seriesID, 0, 86400, blob))
	require.NoError(t, ss.SetWatermark("hourly", 86400))

	err = engine.RunPass(0, dailyTier, 2*86400)
	require.NoError(t, err)

	tf := ss.Tier("daily")
	entries := tf.QueryRange(seriesID, 0, 86400)
	require.NotEmpty(t, entries)
	db, err := tf.ReadBlob(entries[0])
	require.NoError(t, err)
	dec, err := codec.DecodeChunk(db)
	require.NoError(t, err)
	require.Len(t, dec.Buckets, 1)
	require.Equal(t, int64(2), dec.Buckets[0].Count)
	require.Equal(t, 30.0, dec.Buckets[0].Sum)
}
