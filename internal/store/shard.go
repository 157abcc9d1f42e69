package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/awksedgreep/timeless/internal/errs"
	"github.com/awksedgreep/timeless/internal/tier"
)

// Counters tracks corruption this shard's readers have skipped past,
// surfaced by engine.Info() (orig §7 "info records a corruption
// counter"). Zero value is ready to use; callers never reset it.
type Counters struct {
	CorruptChunks   atomic.Int64
	CorruptSegments atomic.Int64
}

// ShardStore owns one shard's on-disk state: the raw window's WAL and
// sealed .seg files, one TierFile per configured tier, and the
// watermarks.bin file recording each tier's rollup progress (orig
// §4.2's per-shard directory layout).
//
//	shard_<n>/
//	  raw/<window_start>.seg
//	  raw/current.wal
//	  tier_<name>/{chunks.dat,index.bin}
//	  watermarks.bin
type ShardStore struct {
	ID  int
	dir string

	mu      sync.RWMutex
	wal     *WAL
	segs    []*SegmentFile // open sealed segments, ordered by WindowStart ascending
	tiers   map[string]*TierFile
	tierOrd []string
	marks   *Watermarks

	counters Counters
}

// OpenShardStore creates the shard's directory tree if absent, opens
// every existing sealed .seg file, replays/keeps the current WAL, and
// opens a TierFile per schema entry.
func OpenShardStore(dataDir string, id int, schema []tier.Tier) (*ShardStore, error) {
	dir := filepath.Join(dataDir, "shard_"+strconv.Itoa(id))
	rawDir := filepath.Join(dir, "raw")
	if err := os.MkdirAll(rawDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", errs.ErrIO, rawDir, err)
	}

	ss := &ShardStore{ID: id, dir: dir, tiers: make(map[string]*TierFile, len(schema))}

	entries, err := os.ReadDir(rawDir)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", errs.ErrIO, rawDir, err)
	}
	var windows []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".seg" {
			continue
		}
		ws, err := strconv.ParseInt(name[:len(name)-len(".seg")], 10, 64)
		if err != nil {
			continue
		}
		windows = append(windows, ws)
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i] < windows[j] })
	for _, ws := range windows {
		path := filepath.Join(rawDir, strconv.FormatInt(ws, 10)+".seg")
		sf, err := OpenSegmentFile(path, ws)
		if err != nil {
			return nil, err
		}
		ss.segs = append(ss.segs, sf)
	}

	wal, err := OpenWAL(filepath.Join(rawDir, "current.wal"))
	if err != nil {
		return nil, err
	}
	ss.wal = wal

	names := make([]string, len(schema))
	for i, t := range schema {
		names[i] = t.Name
	}
	marks, err := OpenWatermarks(filepath.Join(dir, "watermarks.bin"), names)
	if err != nil {
		return nil, err
	}
	ss.marks = marks
	ss.tierOrd = names

	for _, t := range schema {
		tf, err := OpenTierFile(dir, t.Name)
		if err != nil {
			return nil, err
		}
		ss.tiers[t.Name] = tf
	}

	return ss, nil
}

// WAL returns the shard's current-window append log, for the segment
// builder to replay on startup and append to during the open window.
func (ss *ShardStore) WAL() *WAL {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.wal
}

// RawDir is the directory holding current.wal and sealed *.seg files.
func (ss *ShardStore) RawDir() string { return filepath.Join(ss.dir, "raw") }

// SealWindow writes segments to <windowStart>.seg, opens the result
// for reads, appends it to the in-memory segment list, and replaces
// the WAL with a fresh empty one for the next window (orig §4.2 "seal
// window procedure").
func (ss *ShardStore) SealWindow(windowStart int64, segments []SealedSegment) (*SegmentFile, error) {
	path := filepath.Join(ss.RawDir(), strconv.FormatInt(windowStart, 10)+".seg")
	if err := writeSegmentFile(path, segments); err != nil {
		return nil, err
	}
	sf, err := OpenSegmentFile(path, windowStart)
	if err != nil {
		return nil, err
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	if err := ss.wal.Remove(); err != nil {
		return nil, err
	}
	newWAL, err := OpenWAL(filepath.Join(ss.RawDir(), "current.wal"))
	if err != nil {
		return nil, err
	}
	ss.wal = newWAL
	ss.segs = append(ss.segs, sf)
	return sf, nil
}

// Segments returns the currently-open sealed segment files, ordered
// by WindowStart ascending. Callers must not mutate the slice.
func (ss *ShardStore) Segments() []*SegmentFile {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	out := make([]*SegmentFile, len(ss.segs))
	copy(out, ss.segs)
	return out
}

// Tier returns the TierFile for name, or nil if the schema has no
// such tier.
func (ss *ShardStore) Tier(name string) *TierFile {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.tiers[name]
}

// TierNames returns the configured tier names in schema order.
func (ss *ShardStore) TierNames() []string {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return append([]string(nil), ss.tierOrd...)
}

// Watermark returns how far tier's rollup has progressed.
func (ss *ShardStore) Watermark(tierName string) int64 {
	return ss.marks.Get(tierName)
}

// SetWatermark advances tier's rollup progress, rejecting backward
// moves (orig §4.5 "watermark never regresses").
func (ss *ShardStore) SetWatermark(tierName string, value int64) error {
	return ss.marks.Set(tierName, value)
}

// RetentionRaw drops sealed .seg files whose window starts before
// cutoff, closing and removing them from disk (orig §4.6).
func (ss *ShardStore) RetentionRaw(cutoff int64) (int, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	kept := ss.segs[:0:0]
	removed := 0
	for _, sf := range ss.segs {
		if windowEndsBefore(sf, cutoff) {
			path := sf.Path
			if err := sf.Close(); err != nil {
				return removed, err
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("%w: remove %s: %v", errs.ErrIO, path, err)
			}
			removed++
			continue
		}
		kept = append(kept, sf)
	}
	ss.segs = kept
	return removed, nil
}

// windowEndsBefore reports whether sf's window start is before cutoff.
// ShardStore does not carry the segment duration, so it cannot check
// the window end itself; retention sweeps pass a cutoff already
// reduced by the segment duration, which makes the result mean that
// the whole window lies before the retention limit.
func windowEndsBefore(sf *SegmentFile, cutoff int64) bool {
	return sf.WindowStart < cutoff
}

// RetentionTier marks tier entries older than cutoff dead, and
// compacts the tier file if the resulting dead ratio crosses
// deadRatioThreshold (orig §4.2/§4.6).
func (ss *ShardStore) RetentionTier(tierName string, cutoff int64, deadRatioThreshold float64) error {
	tf := ss.Tier(tierName)
	if tf == nil {
		return fmt.Errorf("%w: unknown tier %q", errs.ErrConfig, tierName)
	}
	if _, err := tf.DropBefore(cutoff); err != nil {
		return err
	}
	if tf.DeadRatio() >= deadRatioThreshold {
		return tf.Compact()
	}
	return nil
}

// AddCorruptChunk records one skipped corrupt tier chunk (orig §7's
// CorruptChunk policy: logged, skipped, counted).
func (ss *ShardStore) AddCorruptChunk() { ss.counters.CorruptChunks.Add(1) }

// AddCorruptSegment records one skipped corrupt raw segment entry
// (orig §7's CorruptSegment policy).
func (ss *ShardStore) AddCorruptSegment() { ss.counters.CorruptSegments.Add(1) }

// CorruptionSnapshot returns the running corrupt-chunk and
// corrupt-segment counts for engine.Info().
func (ss *ShardStore) CorruptionSnapshot() (chunks, segments int64) {
	return ss.counters.CorruptChunks.Load(), ss.counters.CorruptSegments.Load()
}

// RawPointCount sums PointCount across every currently-open sealed
// segment file, for engine.Info()'s points_estimate (orig §6).
func (ss *ShardStore) RawPointCount() int64 {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	var n int64
	for _, sf := range ss.segs {
		n += sf.PointCount()
	}
	return n
}

// DirBytes sums the on-disk (block-allocated) size of every file under the shard's
// directory, for the info() operation's storage accounting (orig
// §4.8).
func (ss *ShardStore) DirBytes() (int64, error) {
	var total int64
	err := filepath.Walk(ss.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += actualFileSize(info)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: walk %s: %v", errs.ErrIO, ss.dir, err)
	}
	return total, nil
}

// Close releases every open file handle and mapping owned by the
// shard.
func (ss *ShardStore) Close() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	var firstErr error
	for _, sf := range ss.segs {
		if err := sf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, tf := range ss.tiers {
		if err := tf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := ss.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
