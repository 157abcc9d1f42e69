package timeless

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/awksedgreep/timeless/internal/config"
	"github.com/awksedgreep/timeless/internal/registry"
	"github.com/awksedgreep/timeless/internal/tier"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Shards = 2
	cfg.FlushThreshold = 1
	cfg.FlushInterval = 10 * time.Millisecond
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func waitForFlush() { time.Sleep(50 * time.Millisecond) }

func TestWriteAndQueryInstantRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "cpu", map[string]string{"host": "a"}, 42, time.Now().Unix()))
	waitForFlush()

	m, err := registry.NewMatcher("host", registry.OpEqual, "a")
	require.NoError(t, err)
	out, err := s.QueryInstant("cpu", []*registry.Matcher{m}, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, 42.0, out[0].Value)
}

func TestWriteRejectsInvalidInput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.Error(t, s.Write(ctx, "", nil, 1, 1))
	require.Error(t, s.Write(ctx, "cpu", nil, 1, 0))
}

func TestWriteBatchCountsPartialFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().Unix()
	res := s.WriteBatch(ctx, []BatchPoint{
		{Metric: "cpu", Labels: map[string]string{"host": "a"}, Value: 1, TS: now},
		{Metric: "", Labels: nil, Value: 1, TS: now},
		{Metric: "cpu", Labels: map[string]string{"host": "b"}, Value: 2, TS: now},
	})
	require.Equal(t, 2, res.OK)
	require.Equal(t, 1, res.Err)
}

func TestQueryRangeAggregatesAcrossSeries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	require.NoError(t, s.Write(ctx, "cpu", map[string]string{"host": "a"}, 10, now))
	require.NoError(t, s.Write(ctx, "cpu", map[string]string{"host": "b"}, 20, now))
	waitForFlush()

	pts, err := s.QueryRange(ctx, "cpu", nil, now-60, now+60, 60, tier.Sum)
	require.NoError(t, err)
	require.NotEmpty(t, pts)
	require.Equal(t, 30.0, pts[len(pts)-1].Value)
}

func TestListMetricsLabelValuesAndSeries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	require.NoError(t, s.Write(ctx, "cpu", map[string]string{"host": "a", "dc": "east"}, 1, now))
	require.NoError(t, s.Write(ctx, "mem", map[string]string{"host": "b"}, 2, now))

	require.ElementsMatch(t, []string{"cpu", "mem"}, s.ListMetrics())
	require.ElementsMatch(t, []string{"a", "b"}, s.ListLabelValues("host"))

	series := s.ListSeries("cpu")
	require.Len(t, series, 1)
	require.Equal(t, "a", series[0]["host"])
}

func TestInfoReportsSeriesCountAndWatermarks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "cpu", map[string]string{"host": "a"}, 1, time.Now().Unix()))
	waitForFlush()

	info, err := s.Info()
	require.NoError(t, err)
	require.Equal(t, 1, info.SeriesCount)
	require.Len(t, info.StorageBytesByShard, 2)
	for _, tr := range s.cfg.Schema {
		require.Contains(t, info.TierWatermarks, tr.Name)
		require.Len(t, info.TierWatermarks[tr.Name], 2)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Shards = 0
	_, err := Open(cfg)
	require.Error(t, err)
}
