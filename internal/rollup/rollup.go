// Package rollup implements the tiered rollup engine: one independent
// pass per (tier, shard) that reads newly sealed raw or source-tier
// data and emits merged aggregate chunks (orig §4.5).
package rollup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/awksedgreep/timeless/internal/codec"
	"github.com/awksedgreep/timeless/internal/errs"
	"github.com/awksedgreep/timeless/internal/registry"
	shardpkg "github.com/awksedgreep/timeless/internal/shard"
	"github.com/awksedgreep/timeless/internal/store"
	"github.com/awksedgreep/timeless/internal/tier"
)

// Engine owns the rollup schedule for every (tier, shard) pair.
type Engine struct {
	registry *registry.Registry
	stores   []*store.ShardStore
	schema   []tier.Tier
}

// NewEngine constructs a rollup engine over stores (indexed by shard
// id) and schema (coarsest-last, per orig §3).
func NewEngine(reg *registry.Registry, stores []*store.ShardStore, schema []tier.Tier) *Engine {
	return &Engine{registry: reg, stores: stores, schema: schema}
}

// Run launches one goroutine per (shard, tier), each on its own
// ticker at that tier's rollup_interval, until ctx is canceled.
// A tick that arrives while a pass is still running is drained once
// the pass ends, so an overrunning pass skips the next tick instead of
// queuing another pass behind it.
func (e *Engine) Run(ctx context.Context) {
	for s := range e.stores {
		for _, t := range e.schema {
			go e.runTierShard(ctx, s, t)
		}
	}
}

func (e *Engine) runTierShard(ctx context.Context, shardID int, t tier.Tier) {
	ticker := time.NewTicker(t.RollupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RunPass(shardID, t, time.Now().Unix()); err != nil {
				log.Printf("rollup: tier=%s shard=%d pass failed: %v", t.Name, shardID, err)
			}
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// RunPass executes one pass for tier t on shardID at wall-clock now
// (orig §4.5 "One pass for tier T on shard s").
func (e *Engine) RunPass(shardID int, t tier.Tier, now int64) error {
	ss := e.stores[shardID]
	wm := ss.Watermark(t.Name)
	safeTo := t.BucketStart(now - t.SafetyMarginSecs)
	if safeTo <= wm {
		return nil
	}

	for _, seriesID := range e.seriesInShard(shardID) {
		buckets, err := e.computeBuckets(ss, t, seriesID, wm, safeTo)
		if err != nil {
			return err
		}
		if len(buckets) == 0 {
			continue
		}
		if err := e.mergeIntoChunks(ss, t, seriesID, buckets); err != nil {
			return err
		}
	}

	return ss.SetWatermark(t.Name, safeTo)
}

func (e *Engine) seriesInShard(shardID int) []int64 {
	all := e.registry.AllSeriesIDs()
	out := all[:0:0]
	for _, id := range all {
		if shardpkg.Of(id, len(e.stores)) == shardID {
			out = append(out, id)
		}
	}
	return out
}

func (e *Engine) computeBuckets(ss *store.ShardStore, t tier.Tier, seriesID, from, to int64) ([]tier.Bucket, error) {
	if t.Source == "" {
		return e.computeFromRaw(ss, t, seriesID, from, to)
	}
	return e.computeFromTier(ss, t, seriesID, from, to)
}

// computeFromRaw buckets raw segment points directly (orig §4.5 step
// 2/3, source = raw). A segment entry that fails checksum/magic on
// decode is logged and skipped rather than aborting the whole pass
// (orig §7's CorruptSegment policy); its partial valid points, if any,
// are still folded in.
func (e *Engine) computeFromRaw(ss *store.ShardStore, t tier.Tier, seriesID, from, to int64) ([]tier.Bucket, error) {
	var points []codec.RawPoint
	for _, sf := range ss.Segments() {
		pts, err := sf.QueryRange(seriesID, from, to)
		if err != nil {
			if errors.Is(err, errs.ErrCorruptSegment) {
				log.Printf("rollup: tier=%s series=%d skipping corrupt segment %s: %v", t.Name, seriesID, sf.Path, err)
				ss.AddCorruptSegment()
				points = append(points, pts...)
				continue
			}
			return nil, err
		}
		points = append(points, pts...)
	}
	if len(points) == 0 {
		return nil, nil
	}
	sort.Slice(points, func(i, j int) bool { return points[i].TS < points[j].TS })

	accs := make(map[int64]*tier.Accumulator)
	order := make([]int64, 0)
	for _, p := range points {
		bs := t.BucketStart(p.TS)
		acc, ok := accs[bs]
		if !ok {
			acc = tier.NewAccumulator(bs)
			accs[bs] = acc
			order = append(order, bs)
		}
		acc.Add(p.TS, p.Value)
	}
	out := make([]tier.Bucket, 0, len(order))
	for _, bs := range order {
		out = append(out, accs[bs].Bucket())
	}
	return out, nil
}

// computeFromTier re-aggregates buckets from a coarser-than-raw
// source tier using tier.Combine, the mathematically correct combiner
// (orig §4.5 step 2, source = prior tier).
func (e *Engine) computeFromTier(ss *store.ShardStore, t tier.Tier, seriesID, from, to int64) ([]tier.Bucket, error) {
	srcTF := ss.Tier(t.Source)
	if srcTF == nil {
		return nil, fmt.Errorf("%w: tier %q names unknown source %q", errs.ErrConfig, t.Name, t.Source)
	}

	var srcBuckets []tier.Bucket
	for _, entry := range srcTF.QueryRange(seriesID, from, to) {
		blob, err := srcTF.ReadBlob(entry)
		if err != nil {
			if errors.Is(err, errs.ErrCorruptChunk) {
				log.Printf("rollup: tier=%s source=%s series=%d skipping corrupt chunk at %d: %v", t.Name, t.Source, seriesID, entry.ChunkStart, err)
				ss.AddCorruptChunk()
				continue
			}
			return nil, err
		}
		dec, err := codec.DecodeChunk(blob)
		if err != nil {
			if errors.Is(err, errs.ErrCorruptChunk) {
				log.Printf("rollup: tier=%s source=%s series=%d skipping corrupt chunk at %d: %v", t.Name, t.Source, seriesID, entry.ChunkStart, err)
				ss.AddCorruptChunk()
				continue
			}
			return nil, err
		}
		for _, b := range dec.Buckets {
			if b.Start >= from && b.Start < to {
				srcBuckets = append(srcBuckets, b)
			}
		}
	}
	if len(srcBuckets) == 0 {
		return nil, nil
	}
	sort.Slice(srcBuckets, func(i, j int) bool { return srcBuckets[i].Start < srcBuckets[j].Start })

	grouped := make(map[int64][]tier.Bucket)
	order := make([]int64, 0)
	for _, b := range srcBuckets {
		bs := t.BucketStart(b.Start)
		if _, ok := grouped[bs]; !ok {
			order = append(order, bs)
		}
		grouped[bs] = append(grouped[bs], b)
	}
	out := make([]tier.Bucket, 0, len(order))
	for _, bs := range order {
		combined := tier.Combine(grouped[bs])
		combined.Start = bs
		out = append(out, combined)
	}
	return out, nil
}

// mergeIntoChunks groups buckets by chunk_start and read-modify-writes
// each chunk blob via the Chunk Codec (orig §4.5 steps 4-5).
func (e *Engine) mergeIntoChunks(ss *store.ShardStore, t tier.Tier, seriesID int64, buckets []tier.Bucket) error {
	byChunk := make(map[int64][]tier.Bucket)
	for _, b := range buckets {
		cs := t.ChunkStart(b.Start)
		byChunk[cs] = append(byChunk[cs], b)
	}

	tf := ss.Tier(t.Name)
	if tf == nil {
		return fmt.Errorf("%w: unknown tier %q", errs.ErrConfig, t.Name)
	}

	for chunkStart, bs := range byChunk {
		var existingBlob []byte
		if entry, ok := tf.Find(seriesID, chunkStart); ok {
			blob, err := tf.ReadBlob(entry)
			if err != nil {
				if errors.Is(err, errs.ErrCorruptChunk) {
					log.Printf("rollup: tier=%s series=%d chunk_start=%d dropping unreadable existing chunk: %v", t.Name, seriesID, chunkStart, err)
					ss.AddCorruptChunk()
				} else {
					return err
				}
			} else {
				existingBlob = blob
			}
		}
		merged, err := codec.MergeChunk(existingBlob, bs, t.Aggregates)
		if err != nil {
			if errors.Is(err, errs.ErrCorruptChunk) && existingBlob != nil {
				// The existing chunk's own bytes decoded fine out of
				// ReadBlob but failed inside MergeChunk's re-decode;
				// treat it the same way: drop it and re-derive the
				// chunk from just the new buckets rather than aborting
				// the whole rollup pass (orig §7's CorruptChunk
				// policy).
				log.Printf("rollup: tier=%s series=%d chunk_start=%d dropping corrupt existing chunk: %v", t.Name, seriesID, chunkStart, err)
				ss.AddCorruptChunk()
				merged, err = codec.MergeChunk(nil, bs, t.Aggregates)
			}
			if err != nil {
				return fmt.Errorf("%w: merge chunk series=%d tier=%s chunk_start=%d: %v", errs.ErrCorruptChunk, seriesID, t.Name, chunkStart, err)
			}
		}
		chunkEnd := chunkStart + t.ChunkSecs
		if err := tf.Write(seriesID, chunkStart, chunkEnd, merged); err != nil {
			return err
		}
	}
	return nil
}
