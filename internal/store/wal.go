package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/awksedgreep/timeless/internal/codec"
	"github.com/awksedgreep/timeless/internal/errs"
)

// WALRecord is one checkpointed series-window snapshot (orig §4.2
// "WAL entry format").
type WALRecord struct {
	SeriesID  int64
	StartTime int64
	EndTime   int64
	PointCt   uint32
	Data      []byte // codec.EncodeSegment output
}

// WAL is the append log for the raw store's currently-open window.
// At most one exists per shard at a time (orig §4.2).
type WAL struct {
	path string
	f    *os.File
}

// OpenWAL opens (creating if absent) the shard's current.wal for
// append.
func OpenWAL(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open wal %s: %v", errs.ErrIO, path, err)
	}
	return &WAL{path: path, f: f}, nil
}

// Append writes one record (series_id, start_time, end_time,
// point_count, data_length, crc32, data). It does not fsync; callers
// batch several Appends and call Sync at checkpoint boundaries (orig
// §4.2: "Records are fsynced in batches at flush time").
func (w *WAL) Append(rec WALRecord) error {
	var header [8 + 8 + 8 + 4 + 4 + 4]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(rec.SeriesID))
	binary.LittleEndian.PutUint64(header[8:16], uint64(rec.StartTime))
	binary.LittleEndian.PutUint64(header[16:24], uint64(rec.EndTime))
	binary.LittleEndian.PutUint32(header[24:28], rec.PointCt)
	binary.LittleEndian.PutUint32(header[28:32], uint32(len(rec.Data)))
	binary.LittleEndian.PutUint32(header[32:36], crc32.ChecksumIEEE(rec.Data))

	if _, err := w.f.Write(header[:]); err != nil {
		return fmt.Errorf("%w: wal header write: %v", errs.ErrIO, err)
	}
	if _, err := w.f.Write(rec.Data); err != nil {
		return fmt.Errorf("%w: wal data write: %v", errs.ErrIO, err)
	}
	return nil
}

// Sync fsyncs the WAL file, the only durability boundary readers
// across a crash may rely on (orig §5).
func (w *WAL) Sync() error {
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync wal %s: %v", errs.ErrIO, w.path, err)
	}
	return nil
}

// Close closes the underlying file without deleting it.
func (w *WAL) Close() error {
	return w.f.Close()
}

// Remove closes and deletes the WAL file, called after a successful
// window seal (orig §4.2).
func (w *WAL) Remove() error {
	_ = w.f.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove wal %s: %v", errs.ErrIO, w.path, err)
	}
	return nil
}

// walHeaderLen is the fixed-size header preceding each record's data.
const walHeaderLen = 8 + 8 + 8 + 4 + 4 + 4

// ReadWAL replays path, validating each record's CRC, and truncates at
// (i.e. stops before) the first corrupt or short record (orig §4.2
// "Crash recovery" / §7 CorruptWAL policy). It never returns an error
// for a clean EOF; a corrupt tail is simply dropped.
func ReadWAL(path string) ([]WALRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: open wal %s: %v", errs.ErrIO, path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var records []WALRecord
	for {
		var header [walHeaderLen]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			break // clean EOF or short header: stop, keep what we have
		}
		seriesID := int64(binary.LittleEndian.Uint64(header[0:8]))
		startTime := int64(binary.LittleEndian.Uint64(header[8:16]))
		endTime := int64(binary.LittleEndian.Uint64(header[16:24]))
		pointCt := binary.LittleEndian.Uint32(header[24:28])
		dataLen := binary.LittleEndian.Uint32(header[28:32])
		wantCRC := binary.LittleEndian.Uint32(header[32:36])

		data := make([]byte, dataLen)
		if _, err := io.ReadFull(r, data); err != nil {
			break // truncated record: stop here
		}
		if crc32.ChecksumIEEE(data) != wantCRC {
			break // corrupt record: stop here, discard it and anything after
		}
		records = append(records, WALRecord{
			SeriesID: seriesID, StartTime: startTime, EndTime: endTime,
			PointCt: pointCt, Data: data,
		})
	}
	return records, nil
}

// DecodeWALPoints decompresses a WAL record's payload back into raw
// points, for recovery into the builder's pending map.
func DecodeWALPoints(rec WALRecord) ([]codec.RawPoint, error) {
	return codec.DecodeSegment(rec.Data)
}
