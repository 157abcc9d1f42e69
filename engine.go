// Package timeless is the top-level facade over the storage and
// rollup core: it owns the shard ownership tree (Write Buffer,
// Segment Builder, Rollup worker, Retention worker per shard, orig
// §5) and exposes the five public operations external collaborators
// (HTTP layers, embedders) are meant to call.
package timeless

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/awksedgreep/timeless/internal/config"
	"github.com/awksedgreep/timeless/internal/errs"
	"github.com/awksedgreep/timeless/internal/query"
	"github.com/awksedgreep/timeless/internal/registry"
	"github.com/awksedgreep/timeless/internal/retention"
	"github.com/awksedgreep/timeless/internal/rollup"
	"github.com/awksedgreep/timeless/internal/shard"
	"github.com/awksedgreep/timeless/internal/store"
	"github.com/awksedgreep/timeless/internal/tier"
)

// Store is an open, running instance of the engine: one Write Buffer,
// Segment Builder, and a shared Rollup/Retention worker per shard, a
// Series Registry, and a Query Planner (orig §5 "flat ownership tree:
// the store process owns the shards; each shard owns its workers").
type Store struct {
	cfg config.Config

	registry *registry.Registry
	stores   []*store.ShardStore
	builders []*shard.SegmentBuilder
	buffers  []*shard.WriteBuffer

	rollupEngine    *rollup.Engine
	retentionRunner *retention.Runner
	planner         *query.Planner

	cancel context.CancelFunc
}

// Open starts a Store rooted at cfg.DataDir, creating the directory
// tree on first use and replaying WALs on restart (orig §4.2 "Crash
// recovery").
func Open(cfg config.Config) (*Store, error) {
	if err := cfg.Validate(0); err != nil {
		return nil, err
	}

	reg, err := registry.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	shardStores := make([]*store.ShardStore, cfg.Shards)
	for i := 0; i < cfg.Shards; i++ {
		ss, err := store.OpenShardStore(cfg.DataDir, i, cfg.Schema)
		if err != nil {
			_ = reg.Close()
			return nil, err
		}
		shardStores[i] = ss
	}

	s := &Store{
		cfg:      cfg,
		registry: reg,
		stores:   shardStores,
		builders: make([]*shard.SegmentBuilder, cfg.Shards),
		buffers:  make([]*shard.WriteBuffer, cfg.Shards),
	}

	s.rollupEngine = rollup.NewEngine(reg, shardStores, cfg.Schema)

	for i := 0; i < cfg.Shards; i++ {
		shardID := i
		builder, err := shard.NewSegmentBuilder(shardStores[i], cfg.SegmentDurationSecs, func(windowStart int64) {
			log.Printf("shard %d: sealed window %d", shardID, windowStart)
		})
		if err != nil {
			return nil, err
		}
		s.builders[i] = builder

		buf := shard.NewWriteBuffer(builder, cfg.WriteBufferQueueDepth, cfg.FlushThreshold, cfg.FlushInterval)
		buf.Start()
		s.buffers[i] = buf
	}

	s.retentionRunner = retention.NewRunner(shardStores, cfg.Schema, cfg.SegmentDurationSecs, cfg.RawRetention, cfg.CompactionDeadRatio)
	s.planner = query.NewPlanner(reg, shardStores, s.builders, cfg.Schema)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.rollupEngine.Run(ctx)
	go s.retentionRunner.Run(ctx, cfg.RetentionSweepPeriod)
	for i := 0; i < cfg.Shards; i++ {
		go s.builders[i].Run(ctx, cfg.PendingFlushInterval, cfg.SegmentSealGraceSecs)
	}

	return s, nil
}

// Close stops every background worker and releases file handles.
func (s *Store) Close() error {
	s.cancel()
	for _, buf := range s.buffers {
		buf.Stop()
	}
	var firstErr error
	for _, ss := range s.stores {
		if err := ss.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Write implements write(metric, labels, value, ts) (orig §6).
func (s *Store) Write(ctx context.Context, metric string, labels map[string]string, value float64, ts int64) error {
	if metric == "" {
		return fmt.Errorf("%w: empty metric name", errs.ErrInvalidInput)
	}
	if math.IsNaN(value) {
		return fmt.Errorf("%w: value is NaN", errs.ErrInvalidInput)
	}
	if ts <= 0 {
		return fmt.Errorf("%w: ts must be positive", errs.ErrInvalidInput)
	}

	seriesID, err := s.registry.GetOrCreate(metric, labels)
	if err != nil {
		return err
	}

	shardID := shard.Of(seriesID, len(s.stores))
	return s.buffers[shardID].Submit(ctx, shard.Point{SeriesID: seriesID, TS: ts, Value: value})
}

// BatchResult is the outcome of WriteBatch: orig §6's
// "PartialFailure(count_ok, count_err)".
type BatchResult struct {
	OK  int
	Err int
}

// BatchPoint is one sample in a WriteBatch call.
type BatchPoint struct {
	Metric string
	Labels map[string]string
	Value  float64
	TS     int64
}

// WriteBatch implements write_batch(points) (orig §6): every point is
// attempted independently; failures are counted, not aborted on.
func (s *Store) WriteBatch(ctx context.Context, points []BatchPoint) BatchResult {
	var res BatchResult
	for _, p := range points {
		if err := s.Write(ctx, p.Metric, p.Labels, p.Value, p.TS); err != nil {
			res.Err++
			continue
		}
		res.OK++
	}
	return res
}

// QueryRange implements query_range(metric, matchers, from, to, step, aggregator) (orig §6).
// A ctx with no deadline is given defaultQueryDeadline, so an embedder
// that forgets its own timeout still gets orig §5's Timeout behavior
// eventually rather than blocking forever on a stuck shard.
func (s *Store) QueryRange(ctx context.Context, metric string, matchers []*registry.Matcher, from, to, step int64, agg tier.Aggregate) ([]query.RangePoint, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultQueryDeadline)
		defer cancel()
	}
	return s.planner.QueryRange(ctx, metric, matchers, from, to, step, agg)
}

// QueryInstant implements query_instant(metric, matchers, at?) (orig §6).
func (s *Store) QueryInstant(metric string, matchers []*registry.Matcher, at int64) ([]query.InstantPoint, error) {
	return s.planner.QueryInstant(metric, matchers, at)
}

// ListMetrics implements list_metrics() (orig §6).
func (s *Store) ListMetrics() []string { return s.registry.ListMetrics() }

// ListLabelValues implements list_label_values(name) (orig §6).
func (s *Store) ListLabelValues(name string) []string { return s.registry.ListLabelValues(name) }

// ListSeries implements list_series(metric) (orig §6).
func (s *Store) ListSeries(metric string) []map[string]string { return s.registry.ListSeries(metric) }

// Info is the result of info() (orig §6 and SPEC_FULL.md §6 item 1:
// storage monitor / corruption counters). PointsEstimate sums live raw
// segment point counts plus each shard's open-window pending points; it
// does not additionally count already-rolled-up tier buckets, so the
// same sample is never counted twice once it exists at more than one
// tier. CorruptChunks/CorruptSegments and BackpressureEvents are
// running totals since the store opened, not per-sweep deltas.
type Info struct {
	SeriesCount         int
	PointsEstimate      int64
	StorageBytesByShard []int64
	TierWatermarks      map[string][]int64 // tier name -> per-shard watermark
	SegmentsDropped     int64
	CorruptChunks       int64
	CorruptSegments     int64
	BackpressureEvents  int64
}

// Info implements info() (orig §6).
func (s *Store) Info() (Info, error) {
	info := Info{
		SeriesCount:         s.registry.SeriesCount(),
		StorageBytesByShard: make([]int64, len(s.stores)),
		TierWatermarks:      make(map[string][]int64, len(s.cfg.Schema)),
	}
	for _, t := range s.cfg.Schema {
		info.TierWatermarks[t.Name] = make([]int64, len(s.stores))
	}
	for i, ss := range s.stores {
		bytes, err := ss.DirBytes()
		if err != nil {
			return Info{}, err
		}
		info.StorageBytesByShard[i] = bytes
		for _, t := range s.cfg.Schema {
			info.TierWatermarks[t.Name][i] = ss.Watermark(t.Name)
		}
		info.PointsEstimate += ss.RawPointCount()
		chunks, segments := ss.CorruptionSnapshot()
		info.CorruptChunks += chunks
		info.CorruptSegments += segments
	}
	for _, b := range s.builders {
		if b != nil {
			info.PointsEstimate += b.PendingPointCount()
		}
	}
	for _, buf := range s.buffers {
		if buf != nil {
			info.BackpressureEvents += buf.Backpressure()
		}
	}
	info.SegmentsDropped = s.retentionRunner.Snapshot().SegmentsDropped
	return info, nil
}

// ExportedSeries is one series' decoded chunk buckets in an
// ExportResult, self-describing enough (metric + labels) to re-mint
// the series on another store's Import (teacher's pkg/export/export.go
// ExportResult, adapted from raw metrics to rolled-up buckets).
type ExportedSeries struct {
	SeriesID int64             `json:"series_id"`
	Metric   string            `json:"metric"`
	Labels   map[string]string `json:"labels"`
	Buckets  []tier.Bucket     `json:"buckets"`
}

// ExportResult is the outcome of ExportTier (SPEC_FULL.md §6 item 3).
type ExportResult struct {
	Tier       string           `json:"tier"`
	From       int64            `json:"from"`
	To         int64            `json:"to"`
	ExportedAt time.Time        `json:"exported_at"`
	Series     []ExportedSeries `json:"series"`
}

// ExportTier serializes tierName's decoded chunk buckets across every
// shard, for every series with data in [from, to), into an ExportResult
// suitable for JSON backup (SPEC_FULL.md §6 item 3, grounded on the
// teacher's pkg/export/export.go ExportToJSON; unlike the teacher,
// which backs up raw metrics.Metric rows straight out of storage, this
// reuses the Chunk Codec's decode so the backup travels as
// already-aggregated buckets instead of bypassing tiering).
func (s *Store) ExportTier(tierName string, from, to int64) (ExportResult, error) {
	t, ok := s.lookupTier(tierName)
	if !ok {
		return ExportResult{}, fmt.Errorf("%w: unknown tier %q", errs.ErrConfig, tierName)
	}

	res := ExportResult{Tier: t.Name, From: from, To: to, ExportedAt: time.Now()}
	for _, ss := range s.stores {
		records, err := ss.ExportChunks(t.Name, nil, from, to)
		if err != nil {
			return ExportResult{}, err
		}
		for _, rec := range records {
			series, ok := s.registry.Lookup(rec.SeriesID)
			if !ok {
				continue
			}
			res.Series = append(res.Series, ExportedSeries{
				SeriesID: rec.SeriesID,
				Metric:   series.Metric,
				Labels:   series.Labels,
				Buckets:  rec.Buckets,
			})
		}
	}
	return res, nil
}

// ImportResult is the outcome of ImportTier (teacher's
// pkg/export/import.go ImportResult).
type ImportResult struct {
	SeriesImported int      `json:"series_imported"`
	ChunksWritten  int      `json:"chunks_written"`
	Errors         []string `json:"errors,omitempty"`
}

// ImportTier re-ingests a previously-exported ExportResult: it mints a
// series for any (metric, labels) pair not already registered, then
// writes the decoded buckets back through ShardStore.ImportChunks,
// merging with whatever that tier already holds. One series' failure
// is recorded in Errors rather than aborting the rest of the import
// (teacher's pkg/export/import.go ImportFromJSON collects per-record
// errors without aborting the batch).
func (s *Store) ImportTier(data ExportResult) (ImportResult, error) {
	t, ok := s.lookupTier(data.Tier)
	if !ok {
		return ImportResult{}, fmt.Errorf("%w: unknown tier %q", errs.ErrConfig, data.Tier)
	}

	var res ImportResult
	byShard := make(map[int][]store.ChunkRecord)
	for _, es := range data.Series {
		if len(es.Buckets) == 0 {
			continue
		}
		seriesID, err := s.registry.GetOrCreate(es.Metric, es.Labels)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("metric %q: %v", es.Metric, err))
			continue
		}
		shardID := shard.Of(seriesID, len(s.stores))
		byShard[shardID] = append(byShard[shardID], store.ChunkRecord{SeriesID: seriesID, Buckets: es.Buckets})
		res.SeriesImported++
	}

	for shardID, records := range byShard {
		written, err := s.stores[shardID].ImportChunks(t, records)
		if err != nil {
			return res, err
		}
		res.ChunksWritten += written
	}
	return res, nil
}

func (s *Store) lookupTier(name string) (tier.Tier, bool) {
	for _, t := range s.cfg.Schema {
		if t.Name == name {
			return t, true
		}
	}
	return tier.Tier{}, false
}

// defaultQueryDeadline bounds a query issued without an explicit
// context deadline, so a caller embedding the engine without its own
// timeout still gets orig §5's Timeout behavior eventually.
const defaultQueryDeadline = 30 * time.Second
