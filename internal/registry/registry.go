// Package registry implements the bijection (metric, labels) <->
// series_id (orig §4.3). Series records are persisted in a BadgerDB
// metadata store (the teacher's storage backend, repurposed here from
// a metrics table to the registry's append-only series map) while an
// in-memory, copy-on-write index accelerates hot lookups (orig §5:
// "Series Registry exposes read via a copy-on-write in-memory index;
// writes take a short lock").
package registry

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/awksedgreep/timeless/internal/errs"
)

const (
	keyPrefixSeries = "s:" // s:<id zero-padded> -> encoded Series
	keyNextID       = "meta:next_id"
)

// index is an immutable snapshot of the hot lookup structures. A new
// one is built and atomically swapped in on every successful write,
// so readers never block on the registry's write lock.
type index struct {
	byKey       map[string]int64             // seriesKey(metric, canonicalLabels) -> id
	byID        map[int64]*Series            // id -> series (Series itself is immutable once stored)
	byMetric    map[string][]int64            // metric -> ids
	labelValues map[string]map[string]struct{} // label name -> set of values seen
	metrics     map[string]struct{}
}

func newIndex() *index {
	return &index{
		byKey:       make(map[string]int64),
		byID:        make(map[int64]*Series),
		byMetric:    make(map[string][]int64),
		labelValues: make(map[string]map[string]struct{}),
		metrics:     make(map[string]struct{}),
	}
}

// clone returns a shallow copy whose top-level maps are distinct, so
// the caller may mutate them without affecting the snapshot in flight
// to readers.
func (ix *index) clone() *index {
	n := newIndex()
	for k, v := range ix.byKey {
		n.byKey[k] = v
	}
	for k, v := range ix.byID {
		n.byID[k] = v
	}
	for k, v := range ix.byMetric {
		cp := make([]int64, len(v))
		copy(cp, v)
		n.byMetric[k] = cp
	}
	for k, v := range ix.labelValues {
		cp := make(map[string]struct{}, len(v))
		for vv := range v {
			cp[vv] = struct{}{}
		}
		n.labelValues[k] = cp
	}
	for k := range ix.metrics {
		n.metrics[k] = struct{}{}
	}
	return n
}

func (ix *index) add(s *Series) {
	key := seriesKey(s.Metric, Canonicalize(s.Labels))
	ix.byKey[key] = s.ID
	ix.byID[s.ID] = s
	ix.byMetric[s.Metric] = append(ix.byMetric[s.Metric], s.ID)
	ix.metrics[s.Metric] = struct{}{}
	for name, value := range s.Labels {
		set, ok := ix.labelValues[name]
		if !ok {
			set = make(map[string]struct{})
			ix.labelValues[name] = set
		}
		set[value] = struct{}{}
	}
}

// Registry is the store-wide (metric, labels) <-> series_id mapping.
type Registry struct {
	db *badger.DB

	mu      sync.Mutex // serializes writers; readers never take it
	idx     atomic.Pointer[index]
	nextID  atomic.Int64
	guard   *cardinalityGuard
}

// Open opens (or creates) the registry's metadata store at dataDir
// and rebuilds the in-memory index from persisted series records.
func Open(dataDir string) (*Registry, error) {
	opts := badger.DefaultOptions(dataDir).
		WithLogger(nil).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open registry metadata store: %v", errs.ErrIO, err)
	}

	r := &Registry{
		db:    db,
		guard: newCardinalityGuard(DefaultMaxUniqueSeries, DefaultMaxSeriesPerMetric),
	}
	r.idx.Store(newIndex())

	if err := r.rebuild(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the underlying metadata store.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) rebuild() error {
	ix := newIndex()
	var maxID int64

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixSeries)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyPrefixSeries)); it.ValidForPrefix([]byte(keyPrefixSeries)); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var rec seriesRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				s := &Series{ID: rec.ID, Metric: rec.Metric, Labels: rec.Labels, CreatedAt: rec.CreatedAt}
				ix.add(s)
				r.guard.seed(rec.Metric)
				if rec.ID > maxID {
					maxID = rec.ID
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("%w: decode series record: %v", errs.ErrIO, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.idx.Store(ix)
	r.nextID.Store(maxID + 1)
	return nil
}

type seriesRecord struct {
	ID        int64             `json:"id"`
	Metric    string            `json:"metric"`
	Labels    map[string]string `json:"labels"`
	CreatedAt time.Time         `json:"created_at"`
}

func seriesDBKey(id int64) []byte {
	key := make([]byte, len(keyPrefixSeries)+8)
	copy(key, keyPrefixSeries)
	binary.BigEndian.PutUint64(key[len(keyPrefixSeries):], uint64(id))
	return key
}

// GetOrCreate returns the stable series_id for (metric, labels),
// minting a new one on first sight (orig §4.3). Concurrent callers
// racing on the same new series are serialized by r.mu; the loser
// observes the winner's freshly-stored id.
func (r *Registry) GetOrCreate(metric string, labels map[string]string) (int64, error) {
	if metric == "" {
		return 0, fmt.Errorf("%w: empty metric name", errs.ErrInvalidInput)
	}

	canonical := Canonicalize(labels)
	key := seriesKey(metric, canonical)

	if id, ok := r.idx.Load().byKey[key]; ok {
		return id, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check under the lock: another writer may have just created it.
	cur := r.idx.Load()
	if id, ok := cur.byKey[key]; ok {
		return id, nil
	}

	if !r.guard.allow(metric) {
		return 0, fmt.Errorf("%w: cardinality limit exceeded for metric %q", errs.ErrInvalidInput, metric)
	}

	id := r.nextID.Add(1) - 1
	labelsCopy := make(map[string]string, len(labels))
	for k, v := range labels {
		labelsCopy[k] = v
	}
	s := &Series{ID: id, Metric: metric, Labels: labelsCopy, CreatedAt: time.Now()}

	rec := seriesRecord{ID: s.ID, Metric: s.Metric, Labels: s.Labels, CreatedAt: s.CreatedAt}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("%w: encode series record: %v", errs.ErrIO, err)
	}
	if err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(seriesDBKey(id), data)
	}); err != nil {
		return 0, fmt.Errorf("%w: persist series record: %v", errs.ErrIO, err)
	}

	next := cur.clone()
	next.add(s)
	r.idx.Store(next)

	return id, nil
}

// Lookup returns the Series for an id, or ok=false if unknown.
func (r *Registry) Lookup(id int64) (Series, bool) {
	s, ok := r.idx.Load().byID[id]
	if !ok {
		return Series{}, false
	}
	return *s, true
}

// Resolve returns every series_id whose metric equals metric and whose
// labels satisfy every matcher (orig §4.3).
func (r *Registry) Resolve(metric string, matchers []*Matcher) ([]int64, error) {
	ix := r.idx.Load()
	ids, ok := ix.byMetric[metric]
	if !ok {
		return nil, nil
	}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		s := ix.byID[id]
		if MatchesAll(s.Labels, matchers) {
			out = append(out, id)
		}
	}
	return out, nil
}

// ListMetrics returns every distinct metric name seen.
func (r *Registry) ListMetrics() []string {
	ix := r.idx.Load()
	out := make([]string, 0, len(ix.metrics))
	for m := range ix.metrics {
		out = append(out, m)
	}
	return out
}

// ListLabelValues returns every distinct value ever seen for a label
// name, across all metrics.
func (r *Registry) ListLabelValues(name string) []string {
	ix := r.idx.Load()
	set, ok := ix.labelValues[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}

// ListSeries returns the label sets of every series under metric.
func (r *Registry) ListSeries(metric string) []map[string]string {
	ix := r.idx.Load()
	ids := ix.byMetric[metric]
	out := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, ix.byID[id].Labels)
	}
	return out
}

// SeriesCount returns the total number of series ever registered.
func (r *Registry) SeriesCount() int {
	return len(r.idx.Load().byID)
}

// AllSeriesIDs returns every series_id ever registered, in no
// particular order. Used by the rollup engine to enumerate the series
// owned by a given shard (orig §4.5).
func (r *Registry) AllSeriesIDs() []int64 {
	ix := r.idx.Load()
	out := make([]int64, 0, len(ix.byID))
	for id := range ix.byID {
		out = append(out, id)
	}
	return out
}
