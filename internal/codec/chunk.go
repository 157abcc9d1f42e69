// Package codec implements the on-disk encodings used by the store:
// the packed-binary + block-compressed tier chunk format, and the
// Gorilla delta/XOR encoding used for raw segment payloads. Neither
// encoder performs aggregation semantics — callers precompute the
// values that go on the wire.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/awksedgreep/timeless/internal/errs"
	"github.com/awksedgreep/timeless/internal/tier"
)

const (
	chunkMagic   uint16 = 0x5354 // "TS" as little-endian u16, matches segment file magic
	chunkVersion uint8  = 1
)

// EncodeChunk serializes buckets (any order; resulting blob is sorted
// ascending by Start) carrying the aggregates in mask, then block
// compresses the payload.
func EncodeChunk(buckets []tier.Bucket, mask tier.Mask) ([]byte, error) {
	sorted := make([]tier.Bucket, len(buckets))
	copy(sorted, buckets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	aggs := mask.Aggregates()
	var buf bytes.Buffer
	// header: magic(u16) version(u8) resolution_seconds(u32)
	// aggregate_mask(u8) bucket_count(u16). resolution_seconds is 0 here;
	// EncodeChunkWithResolution fills it in so a chunk blob decodes
	// standalone.
	if err := binary.Write(&buf, binary.LittleEndian, chunkMagic); err != nil {
		return nil, err
	}
	if err := buf.WriteByte(chunkVersion); err != nil {
		return nil, err
	}
	// resolution_seconds : u32 -- filled in by EncodeChunkWithResolution when
	// the caller needs a standalone-decodable blob; 0 otherwise.
	if err := binary.Write(&buf, binary.LittleEndian, uint32(0)); err != nil {
		return nil, err
	}
	if err := buf.WriteByte(byte(mask)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint16(len(sorted))); err != nil {
		return nil, err
	}
	for _, b := range sorted {
		if err := binary.Write(&buf, binary.LittleEndian, b.Start); err != nil {
			return nil, err
		}
		for _, a := range aggs {
			var bits uint64
			if a == tier.Count {
				bits = uint64(int64(b.Count))
			} else {
				bits = math.Float64bits(b.Value(a))
			}
			if err := binary.Write(&buf, binary.LittleEndian, bits); err != nil {
				return nil, err
			}
		}
	}
	return compress(buf.Bytes())
}

// EncodeChunkWithResolution is EncodeChunk but also self-describes the
// tier resolution in the header, so a lone chunk blob is decodable
// without external context (used by export/import).
func EncodeChunkWithResolution(buckets []tier.Bucket, mask tier.Mask, resolutionSecs int64) ([]byte, error) {
	blob, err := EncodeChunk(buckets, mask)
	if err != nil {
		return nil, err
	}
	raw, err := decompress(blob)
	if err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(raw[3:7], uint32(resolutionSecs))
	return compress(raw)
}

// DecodedChunk is the result of decoding a chunk blob.
type DecodedChunk struct {
	ResolutionSecs int64
	Mask           tier.Mask
	Buckets        []tier.Bucket
}

// DecodeChunk reverses EncodeChunk/EncodeChunkWithResolution.
func DecodeChunk(blob []byte) (DecodedChunk, error) {
	raw, err := decompress(blob)
	if err != nil {
		return DecodedChunk{}, fmt.Errorf("%w: decompress: %v", errs.ErrCorruptChunk, err)
	}
	r := bytes.NewReader(raw)

	var magic uint16
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil || magic != chunkMagic {
		return DecodedChunk{}, fmt.Errorf("%w: bad magic", errs.ErrCorruptChunk)
	}
	version, err := r.ReadByte()
	if err != nil || version != chunkVersion {
		return DecodedChunk{}, fmt.Errorf("%w: bad version", errs.ErrCorruptChunk)
	}
	var resolution uint32
	if err := binary.Read(r, binary.LittleEndian, &resolution); err != nil {
		return DecodedChunk{}, fmt.Errorf("%w: %v", errs.ErrCorruptChunk, err)
	}
	maskByte, err := r.ReadByte()
	if err != nil {
		return DecodedChunk{}, fmt.Errorf("%w: %v", errs.ErrCorruptChunk, err)
	}
	mask := tier.Mask(maskByte)
	aggs := mask.Aggregates()

	var bucketCount uint16
	if err := binary.Read(r, binary.LittleEndian, &bucketCount); err != nil {
		return DecodedChunk{}, fmt.Errorf("%w: %v", errs.ErrCorruptChunk, err)
	}

	buckets := make([]tier.Bucket, 0, bucketCount)
	for i := uint16(0); i < bucketCount; i++ {
		var start int64
		if err := binary.Read(r, binary.LittleEndian, &start); err != nil {
			return DecodedChunk{}, fmt.Errorf("%w: short bucket at %d: %v", errs.ErrCorruptChunk, i, err)
		}
		b := tier.Bucket{Start: start}
		for _, a := range aggs {
			var bits uint64
			if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
				return DecodedChunk{}, fmt.Errorf("%w: short aggregate at %d: %v", errs.ErrCorruptChunk, i, err)
			}
			if a == tier.Count {
				b.Count = int64(bits)
			} else {
				setAggregate(&b, a, math.Float64frombits(bits))
			}
		}
		buckets = append(buckets, b)
	}
	if r.Len() != 0 {
		return DecodedChunk{}, fmt.Errorf("%w: trailing bytes", errs.ErrCorruptChunk)
	}

	return DecodedChunk{ResolutionSecs: int64(resolution), Mask: mask, Buckets: buckets}, nil
}

func setAggregate(b *tier.Bucket, a tier.Aggregate, v float64) {
	switch a {
	case tier.Avg:
		b.Avg = v
	case tier.Min:
		b.Min = v
	case tier.Max:
		b.Max = v
	case tier.Sum:
		b.Sum = v
	case tier.Last:
		b.Last = v
	}
}

// MergeChunk decodes existing (if non-nil), combines newBuckets into
// it by bucket Start (new overwrites existing on ties), sorts
// ascending, and re-encodes with mask. The codec performs no
// aggregation: callers must hand it fully-computed buckets.
func MergeChunk(existing []byte, newBuckets []tier.Bucket, mask tier.Mask) ([]byte, error) {
	byStart := make(map[int64]tier.Bucket, len(newBuckets))

	if len(existing) > 0 {
		dec, err := DecodeChunk(existing)
		if err != nil {
			return nil, err
		}
		for _, b := range dec.Buckets {
			byStart[b.Start] = b
		}
	}
	for _, b := range newBuckets {
		byStart[b.Start] = b
	}

	merged := make([]tier.Bucket, 0, len(byStart))
	for _, b := range byStart {
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start < merged[j].Start })

	return EncodeChunk(merged, mask)
}
