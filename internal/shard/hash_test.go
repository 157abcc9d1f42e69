package shard

import "testing"

func TestOfIsDeterministic(t *testing.T) {
	a := Of(12345, 16)
	b := Of(12345, 16)
	if a != b {
		t.Fatalf("expected deterministic shard assignment, got %d and %d", a, b)
	}
}

func TestOfWithinRange(t *testing.T) {
	for _, id := range []int64{0, 1, -1, 999999, 1 << 40} {
		shards := 8
		got := Of(id, shards)
		if got < 0 || got >= shards {
			t.Fatalf("shard index %d out of range [0,%d) for series %d", got, shards, id)
		}
	}
}

func TestOfDistributesAcrossShards(t *testing.T) {
	const shards = 4
	seen := make(map[int]bool)
	for id := int64(0); id < 1000; id++ {
		seen[Of(id, shards)] = true
	}
	if len(seen) != shards {
		t.Fatalf("expected all %d shards to be hit across 1000 series ids, got %d", shards, len(seen))
	}
}
