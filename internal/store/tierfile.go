package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/awksedgreep/timeless/internal/errs"
)

const tierIndexEntryLen = 8 + 8 + 8 + 8 + 4 + 4 // series_id,chunk_start,chunk_end,offset,length,flags

const flagDropped uint32 = 1 << 0

// TierIndexEntry mirrors one record of a tier's index.bin (orig §4.2).
type TierIndexEntry struct {
	SeriesID   int64
	ChunkStart int64
	ChunkEnd   int64
	Offset     uint64
	Length     uint32
	Flags      uint32
}

func (e TierIndexEntry) dropped() bool { return e.Flags&flagDropped != 0 }

// TierFile is one tier's append-only chunks.dat plus its sorted
// index.bin side file (orig §4.2).
type TierFile struct {
	dir      string
	dataPath string

	mu        sync.RWMutex
	data      mmap.MMap // nil until first append/open with non-empty data file
	dataFile  *os.File  // kept open in append mode for writes
	index     []TierIndexEntry
	deadBytes int64
	liveBytes int64
}

// OpenTierFile opens (or creates) the tier directory
// <shard>/tier_<name>/ with chunks.dat and index.bin.
func OpenTierFile(shardDir, tierName string) (*TierFile, error) {
	dir := filepath.Join(shardDir, "tier_"+tierName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", errs.ErrIO, dir, err)
	}
	dataPath := filepath.Join(dir, "chunks.dat")

	tf := &TierFile{dir: dir, dataPath: dataPath}
	if err := tf.loadIndex(); err != nil {
		return nil, err
	}
	if err := tf.remapData(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(dataPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s for append: %v", errs.ErrIO, dataPath, err)
	}
	tf.dataFile = f
	return tf, nil
}

func (tf *TierFile) indexPath() string { return filepath.Join(tf.dir, "index.bin") }

func (tf *TierFile) loadIndex() error {
	data, err := os.ReadFile(tf.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			tf.index = nil
			return nil
		}
		return fmt.Errorf("%w: read %s: %v", errs.ErrIO, tf.indexPath(), err)
	}
	entries, err := decodeTierIndex(data)
	if err != nil {
		return err
	}
	tf.index = entries
	tf.recomputeByteCounts()
	return nil
}

func decodeTierIndex(data []byte) ([]TierIndexEntry, error) {
	if len(data)%tierIndexEntryLen != 0 {
		return nil, fmt.Errorf("%w: index.bin length not a multiple of entry size", errs.ErrCorruptChunk)
	}
	n := len(data) / tierIndexEntryLen
	entries := make([]TierIndexEntry, n)
	for i := 0; i < n; i++ {
		b := data[i*tierIndexEntryLen:]
		entries[i] = TierIndexEntry{
			SeriesID:   int64(binary.LittleEndian.Uint64(b[0:8])),
			ChunkStart: int64(binary.LittleEndian.Uint64(b[8:16])),
			ChunkEnd:   int64(binary.LittleEndian.Uint64(b[16:24])),
			Offset:     binary.LittleEndian.Uint64(b[24:32]),
			Length:     binary.LittleEndian.Uint32(b[32:36]),
			Flags:      binary.LittleEndian.Uint32(b[36:40]),
		}
	}
	return entries, nil
}

func encodeTierIndex(entries []TierIndexEntry) []byte {
	var buf bytes.Buffer
	buf.Grow(len(entries) * tierIndexEntryLen)
	for _, e := range entries {
		var b [tierIndexEntryLen]byte
		binary.LittleEndian.PutUint64(b[0:8], uint64(e.SeriesID))
		binary.LittleEndian.PutUint64(b[8:16], uint64(e.ChunkStart))
		binary.LittleEndian.PutUint64(b[16:24], uint64(e.ChunkEnd))
		binary.LittleEndian.PutUint64(b[24:32], e.Offset)
		binary.LittleEndian.PutUint32(b[32:36], e.Length)
		binary.LittleEndian.PutUint32(b[36:40], e.Flags)
		buf.Write(b[:])
	}
	return buf.Bytes()
}

func (tf *TierFile) recomputeByteCounts() {
	var live, dead int64
	for _, e := range tf.index {
		if e.dropped() {
			dead += int64(e.Length)
		} else {
			live += int64(e.Length)
		}
	}
	tf.liveBytes, tf.deadBytes = live, dead
}

func (tf *TierFile) remapData() error {
	if tf.data != nil {
		_ = tf.data.Unmap()
		tf.data = nil
	}
	f, err := os.Open(tf.dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: open %s: %v", errs.ErrIO, tf.dataPath, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", errs.ErrIO, tf.dataPath, err)
	}
	if fi.Size() == 0 {
		return nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return fmt.Errorf("%w: mmap %s: %v", errs.ErrIO, tf.dataPath, err)
	}
	tf.data = m
	return nil
}

// sortedIndexKey finds the position of (seriesID, chunkStart) or its
// insertion point.
func sortedIndexKey(entries []TierIndexEntry, seriesID, chunkStart int64) int {
	return sort.Search(len(entries), func(i int) bool {
		if entries[i].SeriesID != seriesID {
			return entries[i].SeriesID >= seriesID
		}
		return entries[i].ChunkStart >= chunkStart
	})
}

// Find returns the live index entry for (seriesID, chunkStart), if any.
func (tf *TierFile) Find(seriesID, chunkStart int64) (TierIndexEntry, bool) {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	for i := sortedIndexKey(tf.index, seriesID, chunkStart); i < len(tf.index) && tf.index[i].SeriesID == seriesID && tf.index[i].ChunkStart == chunkStart; i++ {
		if !tf.index[i].dropped() {
			return tf.index[i], true
		}
	}
	return TierIndexEntry{}, false
}

// ReadBlob returns the compressed chunk blob for a live index entry.
func (tf *TierFile) ReadBlob(e TierIndexEntry) ([]byte, error) {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	if e.Offset+uint64(e.Length) > uint64(len(tf.data)) {
		return nil, fmt.Errorf("%w: tier entry out of range", errs.ErrCorruptChunk)
	}
	out := make([]byte, e.Length)
	copy(out, tf.data[e.Offset:e.Offset+uint64(e.Length)])
	return out, nil
}

// QueryRange returns live index entries overlapping [from, to) for
// seriesID (orig §4.7: chunk_end > from && chunk_start < to).
func (tf *TierFile) QueryRange(seriesID, from, to int64) []TierIndexEntry {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	lo := sort.Search(len(tf.index), func(i int) bool { return tf.index[i].SeriesID >= seriesID })
	hi := sort.Search(len(tf.index), func(i int) bool { return tf.index[i].SeriesID > seriesID })
	var out []TierIndexEntry
	for i := lo; i < hi; i++ {
		e := tf.index[i]
		if e.dropped() {
			continue
		}
		if e.ChunkEnd > from && e.ChunkStart < to {
			out = append(out, e)
		}
	}
	return out
}

// SeriesIDs returns every distinct series_id with at least one live
// entry in this tier file, for a tier-wide ExportChunks call that
// wasn't given an explicit series list.
func (tf *TierFile) SeriesIDs() []int64 {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	seen := make(map[int64]struct{})
	var out []int64
	for _, e := range tf.index {
		if e.dropped() {
			continue
		}
		if _, ok := seen[e.SeriesID]; !ok {
			seen[e.SeriesID] = struct{}{}
			out = append(out, e.SeriesID)
		}
	}
	return out
}

// MaxChunkEnd returns the greatest ChunkEnd among live entries for
// seriesID, used by the query planner to find the stitch boundary.
func (tf *TierFile) MaxChunkEnd(seriesID int64) (int64, bool) {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	lo := sort.Search(len(tf.index), func(i int) bool { return tf.index[i].SeriesID >= seriesID })
	hi := sort.Search(len(tf.index), func(i int) bool { return tf.index[i].SeriesID > seriesID })
	var max int64
	found := false
	for i := lo; i < hi; i++ {
		if tf.index[i].dropped() {
			continue
		}
		if tf.index[i].ChunkEnd > max {
			max = tf.index[i].ChunkEnd
			found = true
		}
	}
	return max, found
}

// Write appends blob as the current (series_id, chunk_start) chunk,
// marking any previous version of that key dead, then rewrites
// index.bin via tmp-file + rename (orig §4.2).
func (tf *TierFile) Write(seriesID, chunkStart, chunkEnd int64, blob []byte) error {
	tf.mu.Lock()
	defer tf.mu.Unlock()

	off, err := tf.dataFile.Seek(0, os.SEEK_CUR)
	if err != nil {
		// append-mode fd: use file size via Stat instead, Seek on O_APPEND is unreliable across platforms
	}
	fi, err := tf.dataFile.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", errs.ErrIO, tf.dataPath, err)
	}
	off = fi.Size()

	if _, err := tf.dataFile.Write(blob); err != nil {
		return fmt.Errorf("%w: append chunk: %v", errs.ErrIO, err)
	}
	if err := tf.dataFile.Sync(); err != nil {
		return fmt.Errorf("%w: fsync %s: %v", errs.ErrIO, tf.dataPath, err)
	}

	newEntries := make([]TierIndexEntry, 0, len(tf.index)+1)
	replaced := false
	for _, e := range tf.index {
		if e.SeriesID == seriesID && e.ChunkStart == chunkStart && !e.dropped() {
			e.Flags |= flagDropped
			tf.deadBytes += int64(e.Length)
			tf.liveBytes -= int64(e.Length)
			replaced = true
		}
		newEntries = append(newEntries, e)
	}
	newEntry := TierIndexEntry{
		SeriesID: seriesID, ChunkStart: chunkStart, ChunkEnd: chunkEnd,
		Offset: uint64(off), Length: uint32(len(blob)),
	}
	newEntries = append(newEntries, newEntry)
	sort.Slice(newEntries, func(i, j int) bool {
		if newEntries[i].SeriesID != newEntries[j].SeriesID {
			return newEntries[i].SeriesID < newEntries[j].SeriesID
		}
		return newEntries[i].ChunkStart < newEntries[j].ChunkStart
	})
	_ = replaced
	tf.liveBytes += int64(len(blob))

	if err := tf.writeIndexLocked(newEntries); err != nil {
		return err
	}
	tf.index = newEntries

	return tf.remapData()
}

func (tf *TierFile) writeIndexLocked(entries []TierIndexEntry) error {
	tmp := tf.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, encodeTierIndex(entries), 0644); err != nil {
		return fmt.Errorf("%w: write %s: %v", errs.ErrIO, tmp, err)
	}
	f, err := os.Open(tmp)
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Rename(tmp, tf.indexPath()); err != nil {
		return fmt.Errorf("%w: rename %s: %v", errs.ErrIO, tmp, err)
	}
	return fsyncDir(tf.dir)
}

// DropBefore marks every live entry with ChunkEnd <= cutoff as dead in
// the index (a retention pass, orig §4.2/§4.6), without yet
// compacting chunks.dat. Returns the number of bytes newly marked
// dead, so the caller can decide whether to trigger Compact.
func (tf *TierFile) DropBefore(cutoff int64) (int64, error) {
	tf.mu.Lock()
	defer tf.mu.Unlock()

	changed := false
	var newlyDead int64
	for i := range tf.index {
		e := &tf.index[i]
		if !e.dropped() && e.ChunkEnd <= cutoff {
			e.Flags |= flagDropped
			newlyDead += int64(e.Length)
			changed = true
		}
	}
	if !changed {
		return 0, nil
	}
	tf.deadBytes += newlyDead
	tf.liveBytes -= newlyDead
	if err := tf.writeIndexLocked(tf.index); err != nil {
		return 0, err
	}
	return newlyDead, nil
}

// DeadRatio returns the fraction of chunks.dat that is dead space.
func (tf *TierFile) DeadRatio() float64 {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	total := tf.deadBytes + tf.liveBytes
	if total == 0 {
		return 0
	}
	return float64(tf.deadBytes) / float64(total)
}

// Compact streams every live entry into a fresh chunks.dat, rewrites
// index.bin, and swaps them in (orig §4.2). The old mmap is unmapped
// immediately after the swap; any reader mid-ReadBlob call already
// holds a copy of the bytes it needed because ReadBlob copies out of
// the mapping under tf.mu, so there is no use-after-unmap window.
func (tf *TierFile) Compact() error {
	tf.mu.Lock()
	defer tf.mu.Unlock()

	live := make([]TierIndexEntry, 0, len(tf.index))
	for _, e := range tf.index {
		if !e.dropped() {
			live = append(live, e)
		}
	}

	tmpData := tf.dataPath + ".tmp"
	out, err := os.OpenFile(tmpData, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", errs.ErrIO, tmpData, err)
	}

	newEntries := make([]TierIndexEntry, 0, len(live))
	var offset uint64
	for _, e := range live {
		blob := tf.data[e.Offset : e.Offset+uint64(e.Length)]
		if _, err := out.Write(blob); err != nil {
			_ = out.Close()
			return fmt.Errorf("%w: write %s: %v", errs.ErrIO, tmpData, err)
		}
		e.Offset = offset
		newEntries = append(newEntries, e)
		offset += uint64(e.Length)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("%w: fsync %s: %v", errs.ErrIO, tmpData, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", errs.ErrIO, tmpData, err)
	}

	if err := tf.writeIndexLocked(newEntries); err != nil {
		return err
	}

	_ = tf.dataFile.Close()
	if tf.data != nil {
		_ = tf.data.Unmap()
		tf.data = nil
	}
	if err := os.Rename(tmpData, tf.dataPath); err != nil {
		return fmt.Errorf("%w: rename %s: %v", errs.ErrIO, tmpData, err)
	}
	if err := fsyncDir(tf.dir); err != nil {
		return err
	}

	tf.index = newEntries
	tf.recomputeByteCounts()

	f, err := os.OpenFile(tf.dataPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("%w: reopen %s: %v", errs.ErrIO, tf.dataPath, err)
	}
	tf.dataFile = f
	return tf.remapData()
}

// Close releases file handles and the mmap.
func (tf *TierFile) Close() error {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	if tf.data != nil {
		_ = tf.data.Unmap()
	}
	if tf.dataFile != nil {
		return tf.dataFile.Close()
	}
	return nil
}
