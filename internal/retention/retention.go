// Package retention implements the periodic per-shard, per-tier
// deletion pass that enforces each tier's (and raw's) retention policy
// by delegating to the Shard Store (orig §4.6).
package retention

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/awksedgreep/timeless/internal/store"
	"github.com/awksedgreep/timeless/internal/tier"
)

// Counters accumulates what every sweep since the Runner was created
// did, for engine.Info(). RunOnce updates only SegmentsDropped;
// TierBytesDead and Compactions are never incremented.
type Counters struct {
	SegmentsDropped int64
	TierBytesDead   int64
	Compactions     int64
}

// Runner drives retention sweeps across every shard's raw store and
// tier files.
type Runner struct {
	stores              []*store.ShardStore
	schema              []tier.Tier
	segmentDurationSecs int64
	rawRetentionSecs    int64
	compactionDeadRatio float64

	mu       sync.Mutex
	counters Counters
}

// NewRunner constructs a retention runner over stores (indexed by
// shard id).
func NewRunner(stores []*store.ShardStore, schema []tier.Tier, segmentDurationSecs int64, rawRetention time.Duration, compactionDeadRatio float64) *Runner {
	return &Runner{
		stores:              stores,
		schema:              schema,
		segmentDurationSecs: segmentDurationSecs,
		rawRetentionSecs:    int64(rawRetention / time.Second),
		compactionDeadRatio: compactionDeadRatio,
	}
}

// Run fires RunOnce every period until ctx is canceled. Retention
// passes never block writers or readers (orig §4.6); they only touch
// index files and perform atomic renames.
func (r *Runner) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(time.Now().Unix()); err != nil {
				log.Printf("retention: sweep failed: %v", err)
			}
		}
	}
}

// RunOnce executes one sweep across every shard: raw segments older
// than raw_retention are deleted outright; each tier's dead entries
// older than its retention are marked dead and compacted once the
// dead-byte ratio crosses the configured threshold (orig §4.6).
func (r *Runner) RunOnce(now int64) error {
	for _, ss := range r.stores {
		if r.rawRetentionSecs > 0 {
			cutoff := now - r.rawRetentionSecs - r.segmentDurationSecs
			dropped, err := ss.RetentionRaw(cutoff)
			if err != nil {
				return err
			}
			r.addSegmentsDropped(int64(dropped))
		}

		for _, t := range r.schema {
			if t.Forever() {
				continue
			}
			cutoff := now - int64(t.Retention/time.Second)
			if err := ss.RetentionTier(t.Name, cutoff, r.compactionDeadRatio); err != nil {
				return err
			}
		}
	}
	return nil
}

// Snapshot returns a copy of the accumulated counters.
func (r *Runner) Snapshot() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

func (r *Runner) addSegmentsDropped(n int64) {
	r.mu.Lock()
	r.counters.SegmentsDropped += n
	r.mu.Unlock()
}
