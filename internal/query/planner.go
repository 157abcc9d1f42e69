// Package query implements the Query Planner: resolving matchers via
// the Series Registry, picking a source tier, stitching raw and
// tiered data, and re-aggregating across sources and series (orig
// §4.7).
package query

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/awksedgreep/timeless/internal/codec"
	"github.com/awksedgreep/timeless/internal/errs"
	"github.com/awksedgreep/timeless/internal/registry"
	shardpkg "github.com/awksedgreep/timeless/internal/shard"
	"github.com/awksedgreep/timeless/internal/store"
	"github.com/awksedgreep/timeless/internal/tier"
)

// RangePoint is one (bucket_start, value) pair of a query_range result.
type RangePoint struct {
	BucketStart int64
	Value       float64
}

// InstantPoint is one series' latest sample, returned by query_instant.
type InstantPoint struct {
	SeriesID int64
	Labels   map[string]string
	TS       int64
	Value    float64
}

// Planner answers query_range and query_instant over a store's
// shards. builders is indexed by shard id and supplies the open
// window's in-memory pending points; schema is finest-first,
// coarsest-last, matching the tier listing order in orig §3.
type Planner struct {
	registry *registry.Registry
	stores   []*store.ShardStore
	builders []*shardpkg.SegmentBuilder
	schema   []tier.Tier
}

// NewPlanner constructs a query planner over the given store/registry
// handles.
func NewPlanner(reg *registry.Registry, stores []*store.ShardStore, builders []*shardpkg.SegmentBuilder, schema []tier.Tier) *Planner {
	return &Planner{registry: reg, stores: stores, builders: builders, schema: schema}
}

// pickTier selects the coarsest tier whose resolution does not exceed
// step (orig §4.7 step 2); ok is false when no tier qualifies and raw
// must be used directly.
func (p *Planner) pickTier(step int64) (tier.Tier, bool) {
	for i := len(p.schema) - 1; i >= 0; i-- {
		if p.schema[i].ResolutionSecs <= step {
			return p.schema[i], true
		}
	}
	return tier.Tier{}, false
}

// QueryRange answers query_range(metric, matchers, from, to, step, aggregator).
// Returned points are ascending by BucketStart; an empty, nil-error
// result means no matching series had data in range.
func (p *Planner) QueryRange(ctx context.Context, metric string, matchers []*registry.Matcher, from, to, step int64, agg tier.Aggregate) ([]RangePoint, error) {
	if step <= 0 {
		return nil, fmt.Errorf("%w: step must be positive", errs.ErrInvalidInput)
	}
	if to <= from {
		return nil, fmt.Errorf("%w: to must be greater than from", errs.ErrInvalidInput)
	}

	seriesIDs, err := p.registry.Resolve(metric, matchers)
	if err != nil {
		return nil, err
	}
	if len(seriesIDs) == 0 {
		return nil, nil
	}

	t, haveTier := p.pickTier(step)

	byStart := make(map[int64][]tier.Bucket)
	for _, sid := range seriesIDs {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", errs.ErrTimeout, ctx.Err())
		default:
		}
		buckets, err := p.seriesRangeBuckets(sid, t, haveTier, step, from, to)
		if err != nil {
			return nil, err
		}
		for _, b := range buckets {
			byStart[b.Start] = append(byStart[b.Start], b)
		}
	}
	if len(byStart) == 0 {
		return nil, nil
	}

	starts := make([]int64, 0, len(byStart))
	for s := range byStart {
		starts = append(starts, s)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	out := make([]RangePoint, 0, len(starts))
	for _, s := range starts {
		combined := tier.Combine(byStart[s])
		out = append(out, RangePoint{BucketStart: s, Value: combined.Value(agg)})
	}
	return out, nil
}

// seriesRangeBuckets computes step-aligned buckets for one series over
// [from, to), reading from the chosen tier and stitching raw data for
// whatever suffix the tier hasn't rolled up yet (orig §4.7 steps 3-5).
func (p *Planner) seriesRangeBuckets(seriesID int64, t tier.Tier, haveTier bool, step, from, to int64) ([]tier.Bucket, error) {
	shardID := shardpkg.Of(seriesID, len(p.stores))
	ss := p.stores[shardID]

	if !haveTier {
		points, err := p.rawPoints(ss, shardID, seriesID, from, to)
		if err != nil {
			return nil, err
		}
		return finalizeGroups(groupBuckets(bucketRaw(points, step), step)), nil
	}

	tf := ss.Tier(t.Name)
	if tf == nil {
		return nil, fmt.Errorf("%w: unknown tier %q", errs.ErrConfig, t.Name)
	}

	var tierBuckets []tier.Bucket
	for _, entry := range tf.QueryRange(seriesID, from, to) {
		blob, err := tf.ReadBlob(entry)
		if err != nil {
			if errors.Is(err, errs.ErrCorruptChunk) {
				log.Printf("query: tier=%s series=%d skipping corrupt chunk at %d: %v", t.Name, seriesID, entry.ChunkStart, err)
				ss.AddCorruptChunk()
				continue
			}
			return nil, err
		}
		dec, err := codec.DecodeChunk(blob)
		if err != nil {
			if errors.Is(err, errs.ErrCorruptChunk) {
				log.Printf("query: tier=%s series=%d skipping corrupt chunk at %d: %v", t.Name, seriesID, entry.ChunkStart, err)
				ss.AddCorruptChunk()
				continue
			}
			return nil, err
		}
		for _, b := range dec.Buckets {
			if b.Start >= from && b.Start < to {
				tierBuckets = append(tierBuckets, b)
			}
		}
	}

	grouped := groupBuckets(tierBuckets, step)

	stitchFrom := from
	if maxEnd, ok := tf.MaxChunkEnd(seriesID); ok && maxEnd > stitchFrom {
		stitchFrom = maxEnd
	}
	if stitchFrom < to {
		points, err := p.rawPoints(ss, shardID, seriesID, stitchFrom, to)
		if err != nil {
			return nil, err
		}
		for _, b := range bucketRaw(points, step) {
			grouped[b.Start] = append(grouped[b.Start], b)
		}
	}

	return finalizeGroups(grouped), nil
}

// rawPoints reads every sealed segment plus the open window for
// seriesID. A segment entry that fails its checksum/magic check is
// logged, counted, and skipped rather than failing the whole series'
// read (orig §7's CorruptSegment policy), so one bad segment can't
// discard an otherwise-healthy multi-series query_range result.
func (p *Planner) rawPoints(ss *store.ShardStore, shardID int, seriesID, from, to int64) ([]codec.RawPoint, error) {
	var points []codec.RawPoint
	for _, sf := range ss.Segments() {
		pts, err := sf.QueryRange(seriesID, from, to)
		if err != nil {
			if errors.Is(err, errs.ErrCorruptSegment) {
				log.Printf("query: series=%d skipping corrupt segment %s: %v", seriesID, sf.Path, err)
				ss.AddCorruptSegment()
				points = append(points, pts...)
				continue
			}
			return nil, err
		}
		points = append(points, pts...)
	}
	if shardID < len(p.builders) && p.builders[shardID] != nil {
		points = append(points, p.builders[shardID].QueryRange(seriesID, from, to)...)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].TS < points[j].TS })
	return points, nil
}

// QueryInstant returns the latest sample at or before at (at == 0
// means "now", i.e. no upper bound) for every series matching metric
// and matchers (orig §4.7 "Instant query").
func (p *Planner) QueryInstant(metric string, matchers []*registry.Matcher, at int64) ([]InstantPoint, error) {
	seriesIDs, err := p.registry.Resolve(metric, matchers)
	if err != nil {
		return nil, err
	}

	out := make([]InstantPoint, 0, len(seriesIDs))
	for _, sid := range seriesIDs {
		pt, ok, err := p.latest(sid, at)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		s, _ := p.registry.Lookup(sid)
		out = append(out, InstantPoint{SeriesID: sid, Labels: s.Labels, TS: pt.TS, Value: pt.Value})
	}
	return out, nil
}

func (p *Planner) latest(seriesID, at int64) (codec.RawPoint, bool, error) {
	shardID := shardpkg.Of(seriesID, len(p.stores))
	ss := p.stores[shardID]

	upper := int64(math.MaxInt64)
	if at != 0 {
		upper = at + 1
	}

	if shardID < len(p.builders) && p.builders[shardID] != nil {
		if pts := p.builders[shardID].QueryRange(seriesID, math.MinInt64, upper); len(pts) > 0 {
			return pts[len(pts)-1], true, nil
		}
	}

	segs := ss.Segments()
	for i := len(segs) - 1; i >= 0; i-- {
		pts, err := segs[i].QueryRange(seriesID, math.MinInt64, upper)
		if err != nil {
			if errors.Is(err, errs.ErrCorruptSegment) {
				log.Printf("query: instant series=%d skipping corrupt segment %s: %v", seriesID, segs[i].Path, err)
				ss.AddCorruptSegment()
				continue
			}
			return codec.RawPoint{}, false, err
		}
		if len(pts) > 0 {
			return pts[len(pts)-1], true, nil
		}
	}

	for i := 0; i < len(p.schema); i++ {
		t := p.schema[i]
		tf := ss.Tier(t.Name)
		if tf == nil {
			continue
		}
		maxEnd, ok := tf.MaxChunkEnd(seriesID)
		if !ok {
			continue
		}
		entries := tf.QueryRange(seriesID, maxEnd-t.ChunkSecs, maxEnd)
		var best *tier.Bucket
		for _, entry := range entries {
			blob, err := tf.ReadBlob(entry)
			if err != nil {
				if errors.Is(err, errs.ErrCorruptChunk) {
					log.Printf("query: instant tier=%s series=%d skipping corrupt chunk at %d: %v", t.Name, seriesID, entry.ChunkStart, err)
					ss.AddCorruptChunk()
					continue
				}
				return codec.RawPoint{}, false, err
			}
			dec, err := codec.DecodeChunk(blob)
			if err != nil {
				if errors.Is(err, errs.ErrCorruptChunk) {
					log.Printf("query: instant tier=%s series=%d skipping corrupt chunk at %d: %v", t.Name, seriesID, entry.ChunkStart, err)
					ss.AddCorruptChunk()
					continue
				}
				return codec.RawPoint{}, false, err
			}
			for i := range dec.Buckets {
				b := dec.Buckets[i]
				if at != 0 && b.Start > at {
					continue
				}
				if best == nil || b.Start > best.Start {
					best = &dec.Buckets[i]
				}
			}
		}
		if best != nil {
			return codec.RawPoint{TS: best.Start, Value: best.Last}, true, nil
		}
	}

	return codec.RawPoint{}, false, nil
}

func groupBuckets(buckets []tier.Bucket, step int64) map[int64][]tier.Bucket {
	out := make(map[int64][]tier.Bucket)
	for _, b := range buckets {
		s := floorDiv(b.Start, step) * step
		out[s] = append(out[s], b)
	}
	return out
}

func finalizeGroups(grouped map[int64][]tier.Bucket) []tier.Bucket {
	starts := make([]int64, 0, len(grouped))
	for s := range grouped {
		starts = append(starts, s)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	out := make([]tier.Bucket, 0, len(starts))
	for _, s := range starts {
		c := tier.Combine(grouped[s])
		c.Start = s
		out = append(out, c)
	}
	return out
}

func bucketRaw(points []codec.RawPoint, step int64) []tier.Bucket {
	if len(points) == 0 {
		return nil
	}
	accs := make(map[int64]*tier.Accumulator)
	order := make([]int64, 0)
	for _, p := range points {
		bs := floorDiv(p.TS, step) * step
		acc, ok := accs[bs]
		if !ok {
			acc = tier.NewAccumulator(bs)
			accs[bs] = acc
			order = append(order, bs)
		}
		acc.Add(p.TS, p.Value)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]tier.Bucket, 0, len(order))
	for _, bs := range order {
		out = append(out, accs[bs].Bucket())
	}
	return out
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
