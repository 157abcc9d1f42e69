// Package errs holds the sentinel error taxonomy shared by every
// component of the store. Callers should check with errors.Is against
// these sentinels; components wrap them with context via fmt.Errorf.
package errs

import "errors"

var (
	// ErrInvalidInput marks malformed caller input: bad metric names,
	// NaN values, non-positive timestamps.
	ErrInvalidInput = errors.New("invalid input")

	// ErrBackpressure is returned when a write buffer's bounded queue
	// is full and the caller's deadline does not allow waiting.
	ErrBackpressure = errors.New("backpressure")

	// ErrCorruptChunk marks a tier chunk blob that failed its magic,
	// version, or length check on decode.
	ErrCorruptChunk = errors.New("corrupt chunk")

	// ErrCorruptSegment marks a segment payload that failed checksum
	// or decompression.
	ErrCorruptSegment = errors.New("corrupt segment")

	// ErrCorruptWAL marks a WAL record that failed its CRC check
	// during replay.
	ErrCorruptWAL = errors.New("corrupt wal")

	// ErrIO wraps an underlying filesystem operation failure.
	ErrIO = errors.New("io error")

	// ErrTimeout is returned when a query's deadline is exceeded.
	ErrTimeout = errors.New("timeout")

	// ErrNotFound marks an unknown metric or series. Not surfaced by
	// query paths that treat it as an empty result.
	ErrNotFound = errors.New("not found")

	// ErrConfig marks a fatal configuration problem detected at
	// startup (incompatible shard count, schema regression).
	ErrConfig = errors.New("config error")

	// ErrShardPaused marks a shard that stopped accepting writes
	// after exhausting its IO retry budget.
	ErrShardPaused = errors.New("shard paused")
)
