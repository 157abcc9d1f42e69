// Package store implements the on-disk shard store: sealed segment
// files with footer indexes, the raw-window WAL, append-only tier
// chunk files with side indexes, and the watermark file (orig §4.2).
package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/edsrzf/mmap-go"

	"github.com/awksedgreep/timeless/internal/codec"
	"github.com/awksedgreep/timeless/internal/errs"
)

const (
	segMagic        uint16 = 0x5354 // "TS"
	segVersion      uint8  = 1
	segIndexEntryLen       = 40
	segFooterLen           = 8
)

// SealedSegment is one series' compressed points for one window,
// ready to be written into a .seg file.
type SealedSegment struct {
	SeriesID   int64
	StartTime  int64
	EndTime    int64
	PointCount uint32
	Payload    []byte // already codec.EncodeSegment'd
}

// segIndexEntry mirrors the 40-byte on-disk index record (orig §4.2).
type segIndexEntry struct {
	SeriesID  int64
	StartTime int64
	EndTime   int64
	PointCt   uint32
	Offset    uint64
	Length    uint32
}

// writeSegmentFile implements the seal-window on-disk write: data
// block, then index sorted by (series_id asc, start_time asc), then
// an 8-byte footer pointing at the index. The file is written to
// path+".tmp" and moved to path by an fsync'd rename.
func writeSegmentFile(path string, segments []SealedSegment) error {
	sorted := make([]SealedSegment, len(segments))
	copy(sorted, segments)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].SeriesID != sorted[j].SeriesID {
			return sorted[i].SeriesID < sorted[j].SeriesID
		}
		return sorted[i].StartTime < sorted[j].StartTime
	})

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", errs.ErrIO, tmpPath, err)
	}

	var header bytes.Buffer
	header.WriteString("TS")
	header.WriteByte(segVersion)
	if err := binary.Write(&header, binary.LittleEndian, uint32(len(sorted))); err != nil {
		_ = f.Close()
		return err
	}
	header.Write(make([]byte, 5)) // reserved

	if _, err := f.Write(header.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write header: %v", errs.ErrIO, err)
	}

	offset := uint64(header.Len())
	entries := make([]segIndexEntry, 0, len(sorted))
	for _, s := range sorted {
		if _, err := f.Write(s.Payload); err != nil {
			_ = f.Close()
			return fmt.Errorf("%w: write payload: %v", errs.ErrIO, err)
		}
		entries = append(entries, segIndexEntry{
			SeriesID:  s.SeriesID,
			StartTime: s.StartTime,
			EndTime:   s.EndTime,
			PointCt:   s.PointCount,
			Offset:    offset,
			Length:    uint32(len(s.Payload)),
		})
		offset += uint64(len(s.Payload))
	}

	indexOffset := offset
	var idxBuf bytes.Buffer
	for _, e := range entries {
		binary.Write(&idxBuf, binary.LittleEndian, e.SeriesID)
		binary.Write(&idxBuf, binary.LittleEndian, e.StartTime)
		binary.Write(&idxBuf, binary.LittleEndian, e.EndTime)
		binary.Write(&idxBuf, binary.LittleEndian, e.PointCt)
		binary.Write(&idxBuf, binary.LittleEndian, e.Offset)
		binary.Write(&idxBuf, binary.LittleEndian, e.Length)
	}
	if _, err := f.Write(idxBuf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write index: %v", errs.ErrIO, err)
	}

	var footer bytes.Buffer
	binary.Write(&footer, binary.LittleEndian, indexOffset)
	if _, err := f.Write(footer.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write footer: %v", errs.ErrIO, err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: fsync %s: %v", errs.ErrIO, tmpPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", errs.ErrIO, tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: rename %s: %v", errs.ErrIO, tmpPath, err)
	}
	if err := fsyncDir(filepath.Dir(path)); err != nil {
		return err
	}
	return nil
}

// SegmentFile is a read-only, mmap-backed handle on a sealed .seg
// file. Safe for concurrent readers; the owning writer never mutates
// it, only replaces it by rename (orig §5).
type SegmentFile struct {
	Path       string
	WindowStart int64

	mapping mmap.MMap
	index   []segIndexEntry
}

// OpenSegmentFile mmaps path and parses its footer/index for binary
// search, per orig §4.2's read path.
func OpenSegmentFile(path string, windowStart int64) (*SegmentFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errs.ErrIO, path, err)
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %s: %v", errs.ErrIO, path, err)
	}

	sf := &SegmentFile{Path: path, WindowStart: windowStart, mapping: m}
	if err := sf.parseIndex(); err != nil {
		_ = m.Unmap()
		return nil, err
	}
	return sf, nil
}

func (sf *SegmentFile) parseIndex() error {
	data := sf.mapping
	if len(data) < 8+segFooterLen {
		return fmt.Errorf("%w: %s too small", errs.ErrCorruptSegment, sf.Path)
	}
	if data[0] != 'T' || data[1] != 'S' {
		return fmt.Errorf("%w: %s bad magic", errs.ErrCorruptSegment, sf.Path)
	}
	footer := data[len(data)-segFooterLen:]
	indexOffset := binary.LittleEndian.Uint64(footer)
	if indexOffset > uint64(len(data)-segFooterLen) {
		return fmt.Errorf("%w: %s bad index offset", errs.ErrCorruptSegment, sf.Path)
	}

	segCount := binary.LittleEndian.Uint32(data[3:7])
	indexBytes := data[indexOffset : uint64(len(data))-segFooterLen]
	if uint32(len(indexBytes)) != segCount*segIndexEntryLen {
		return fmt.Errorf("%w: %s index length mismatch", errs.ErrCorruptSegment, sf.Path)
	}

	entries := make([]segIndexEntry, segCount)
	for i := uint32(0); i < segCount; i++ {
		b := indexBytes[i*segIndexEntryLen:]
		entries[i] = segIndexEntry{
			SeriesID:  int64(binary.LittleEndian.Uint64(b[0:8])),
			StartTime: int64(binary.LittleEndian.Uint64(b[8:16])),
			EndTime:   int64(binary.LittleEndian.Uint64(b[16:24])),
			PointCt:   binary.LittleEndian.Uint32(b[24:28]),
			Offset:    binary.LittleEndian.Uint64(b[28:36]),
			Length:    binary.LittleEndian.Uint32(b[36:40]),
		}
	}
	sf.index = entries
	return nil
}

// Close unmaps the file.
func (sf *SegmentFile) Close() error {
	return sf.mapping.Unmap()
}

// PointCount sums the recorded point counts across every series entry
// in this segment file's index, for engine.Info()'s points_estimate
// (orig §6).
func (sf *SegmentFile) PointCount() int64 {
	var n int64
	for _, e := range sf.index {
		n += int64(e.PointCt)
	}
	return n
}

// QueryRange returns all raw points for seriesID whose timestamp lies
// in [from, to), read from this segment file via binary search on
// (series_id, start_time) as specified in orig §4.2 and §4.7.
func (sf *SegmentFile) QueryRange(seriesID, from, to int64) ([]codec.RawPoint, error) {
	lo := sort.Search(len(sf.index), func(i int) bool { return sf.index[i].SeriesID >= seriesID })
	hi := sort.Search(len(sf.index), func(i int) bool { return sf.index[i].SeriesID > seriesID })
	if lo >= hi {
		return nil, nil
	}
	run := sf.index[lo:hi]
	// Within the run, entries are sorted by start_time; binary-search
	// the first entry whose window could still overlap [from, to).
	start := sort.Search(len(run), func(i int) bool { return run[i].EndTime > from })

	var out []codec.RawPoint
	for i := start; i < len(run); i++ {
		e := run[i]
		if e.StartTime >= to {
			break
		}
		payload := sf.mapping[e.Offset : e.Offset+uint64(e.Length)]
		points, err := codec.DecodeSegment(payload)
		if err != nil {
			return out, fmt.Errorf("%w: segment entry series=%d start=%d: %v", errs.ErrCorruptSegment, e.SeriesID, e.StartTime, err)
		}
		for _, p := range points {
			if p.TS >= from && p.TS < to {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// Latest returns the most recent point for seriesID in this file, if
// any (used by query_instant, orig §4.7).
func (sf *SegmentFile) Latest(seriesID int64) (codec.RawPoint, bool, error) {
	lo := sort.Search(len(sf.index), func(i int) bool { return sf.index[i].SeriesID >= seriesID })
	hi := sort.Search(len(sf.index), func(i int) bool { return sf.index[i].SeriesID > seriesID })
	if lo >= hi {
		return codec.RawPoint{}, false, nil
	}
	e := sf.index[hi-1] // entries within a series run are start_time ascending
	payload := sf.mapping[e.Offset : e.Offset+uint64(e.Length)]
	points, err := codec.DecodeSegment(payload)
	if err != nil {
		return codec.RawPoint{}, false, fmt.Errorf("%w: %v", errs.ErrCorruptSegment, err)
	}
	if len(points) == 0 {
		return codec.RawPoint{}, false, nil
	}
	return points[len(points)-1], true, nil
}
