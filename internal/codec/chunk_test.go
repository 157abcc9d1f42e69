package codec

import (
	"testing"

	"github.com/awksedgreep/timeless/internal/tier"
)

func TestEncodeDecodeChunkRoundTrip(t *testing.T) {
	mask := tier.NewMask(tier.Avg, tier.Min, tier.Max, tier.Count, tier.Sum, tier.Last)
	buckets := []tier.Bucket{
		{Start: 100, Avg: 1.5, Min: 1, Max: 2, Count: 2, Sum: 3, Last: 2},
		{Start: 200, Avg: 5, Min: 5, Max: 5, Count: 1, Sum: 5, Last: 5},
		{Start: 300, Avg: -2.25, Min: -3, Max: 0, Count: 4, Sum: -9, Last: 0},
	}

	blob, err := EncodeChunk(buckets, mask)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	dec, err := DecodeChunk(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(dec.Buckets) != len(buckets) {
		t.Fatalf("expected %d buckets, got %d", len(buckets), len(dec.Buckets))
	}
	for i, b := range dec.Buckets {
		if b != buckets[i] {
			t.Errorf("bucket %d: got %+v, want %+v", i, b, buckets[i])
		}
	}
}

func TestDecodeChunkOutOfOrderInputIsSorted(t *testing.T) {
	mask := tier.NewMask(tier.Sum)
	buckets := []tier.Bucket{
		{Start: 300, Sum: 3},
		{Start: 100, Sum: 1},
		{Start: 200, Sum: 2},
	}
	blob, err := EncodeChunk(buckets, mask)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeChunk(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []int64{100, 200, 300}
	for i, b := range dec.Buckets {
		if b.Start != want[i] {
			t.Errorf("bucket %d: got start %d, want %d", i, b.Start, want[i])
		}
	}
}

func TestMergeChunkLaterWinsOnCollision(t *testing.T) {
	mask := tier.NewMask(tier.Sum, tier.Count)
	a := []tier.Bucket{
		{Start: 100, Sum: 10, Count: 1},
		{Start: 200, Sum: 20, Count: 1},
	}
	existing, err := EncodeChunk(a, mask)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	b := []tier.Bucket{
		{Start: 200, Sum: 999, Count: 5}, // overwrites bucket 200
		{Start: 300, Sum: 30, Count: 1},  // new bucket
	}
	merged, err := MergeChunk(existing, b, mask)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	dec, err := DecodeChunk(merged)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(dec.Buckets) != 3 {
		t.Fatalf("expected 3 buckets after merge, got %d", len(dec.Buckets))
	}
	byStart := map[int64]tier.Bucket{}
	for _, bk := range dec.Buckets {
		byStart[bk.Start] = bk
	}
	if byStart[200].Sum != 999 || byStart[200].Count != 5 {
		t.Errorf("bucket 200 not overwritten: %+v", byStart[200])
	}
	if byStart[100].Sum != 10 {
		t.Errorf("bucket 100 should be untouched: %+v", byStart[100])
	}
	if byStart[300].Sum != 30 {
		t.Errorf("bucket 300 should be added: %+v", byStart[300])
	}
}

func TestMergeChunkNilExisting(t *testing.T) {
	mask := tier.NewMask(tier.Sum)
	merged, err := MergeChunk(nil, []tier.Bucket{{Start: 1, Sum: 1}}, mask)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	dec, err := DecodeChunk(merged)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(dec.Buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(dec.Buckets))
	}
}

func TestDecodeChunkCorruptMagic(t *testing.T) {
	blob, err := EncodeChunk([]tier.Bucket{{Start: 1, Sum: 1}}, tier.NewMask(tier.Sum))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Corrupting the compressed container should fail cleanly rather than panic.
	corrupted := append([]byte{}, blob...)
	corrupted[0] ^= 0xFF
	if _, err := DecodeChunk(corrupted); err == nil {
		t.Fatal("expected error decoding corrupted chunk")
	}
}

func TestEncodeChunkWithResolutionRoundTrip(t *testing.T) {
	mask := tier.NewMask(tier.Avg)
	blob, err := EncodeChunkWithResolution([]tier.Bucket{{Start: 0, Avg: 1}}, mask, 3600)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeChunk(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.ResolutionSecs != 3600 {
		t.Errorf("expected resolution 3600, got %d", dec.ResolutionSecs)
	}
}
