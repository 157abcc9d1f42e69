package store

import (
	"fmt"
	"sort"

	"github.com/awksedgreep/timeless/internal/codec"
	"github.com/awksedgreep/timeless/internal/errs"
	"github.com/awksedgreep/timeless/internal/tier"
)

// ChunkRecord is one series' decoded chunk buckets for a single tier,
// the unit ExportChunks/ImportChunks move (SPEC_FULL.md §6 item 3).
// Unlike the teacher's pkg/export, which backs up raw metrics.Metric
// structs straight out of storage, this carries already-decoded
// buckets, so a tier's backup is readable without the Chunk Codec and
// can be re-merged into a different chunk layout on import.
type ChunkRecord struct {
	SeriesID int64
	Buckets  []tier.Bucket
}

// ExportChunks decodes every live chunk entry in tierName's TierFile
// overlapping [from, to) for seriesIDs (every series the tier holds,
// if seriesIDs is nil) into ChunkRecords, reusing codec.DecodeChunk
// rather than copying the compressed blobs verbatim.
func (ss *ShardStore) ExportChunks(tierName string, seriesIDs []int64, from, to int64) ([]ChunkRecord, error) {
	tf := ss.Tier(tierName)
	if tf == nil {
		return nil, fmt.Errorf("%w: unknown tier %q", errs.ErrConfig, tierName)
	}

	ids := seriesIDs
	if ids == nil {
		ids = tf.SeriesIDs()
	}

	var out []ChunkRecord
	for _, sid := range ids {
		var buckets []tier.Bucket
		for _, entry := range tf.QueryRange(sid, from, to) {
			blob, err := tf.ReadBlob(entry)
			if err != nil {
				return nil, fmt.Errorf("export tier=%s series=%d chunk_start=%d: %w", tierName, sid, entry.ChunkStart, err)
			}
			dec, err := codec.DecodeChunk(blob)
			if err != nil {
				return nil, fmt.Errorf("export tier=%s series=%d chunk_start=%d: %w", tierName, sid, entry.ChunkStart, err)
			}
			buckets = append(buckets, dec.Buckets...)
		}
		if len(buckets) == 0 {
			continue
		}
		sort.Slice(buckets, func(i, j int) bool { return buckets[i].Start < buckets[j].Start })
		out = append(out, ChunkRecord{SeriesID: sid, Buckets: buckets})
	}
	return out, nil
}

// ImportChunks re-encodes each record's buckets through codec.MergeChunk
// and writes them into t's TierFile, grouped into t.ChunkSecs-sized
// chunks exactly as the rollup engine's mergeIntoChunks does, so an
// imported backup merges with whatever the tier already holds rather
// than overwriting it outright. Returns the number of chunk blobs
// written.
func (ss *ShardStore) ImportChunks(t tier.Tier, records []ChunkRecord) (int, error) {
	tf := ss.Tier(t.Name)
	if tf == nil {
		return 0, fmt.Errorf("%w: unknown tier %q", errs.ErrConfig, t.Name)
	}

	written := 0
	for _, rec := range records {
		byChunk := make(map[int64][]tier.Bucket)
		for _, b := range rec.Buckets {
			cs := t.ChunkStart(b.Start)
			byChunk[cs] = append(byChunk[cs], b)
		}

		for chunkStart, bs := range byChunk {
			var existing []byte
			if entry, ok := tf.Find(rec.SeriesID, chunkStart); ok {
				blob, err := tf.ReadBlob(entry)
				if err != nil {
					return written, fmt.Errorf("import tier=%s series=%d chunk_start=%d: %w", t.Name, rec.SeriesID, chunkStart, err)
				}
				existing = blob
			}
			merged, err := codec.MergeChunk(existing, bs, t.Aggregates)
			if err != nil {
				return written, fmt.Errorf("%w: import merge tier=%s series=%d chunk_start=%d: %v", errs.ErrCorruptChunk, t.Name, rec.SeriesID, chunkStart, err)
			}
			if err := tf.Write(rec.SeriesID, chunkStart, chunkStart+t.ChunkSecs, merged); err != nil {
				return written, err
			}
			written++
		}
	}
	return written, nil
}
