// Package shard implements the write-side pipeline upstream of the
// store: per-shard bounded write buffers and the segment builder that
// batches points into sealed segments (orig §4.4, §4.5 row 5).
package shard

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Of returns the stable shard index for seriesID, in [0, shards).
// Using xxhash over the series id's raw bytes rather than hashing it
// as a formatted string keeps this on the hot write path allocation-free.
func Of(seriesID int64, shards int) int {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(seriesID))
	return int(xxhash.Sum64(b[:]) % uint64(shards))
}
