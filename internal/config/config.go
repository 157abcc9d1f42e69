// Package config holds store-wide tunables, their defaults, and the
// environment-variable / YAML-schema loaders that populate them,
// following the teacher's habit of centralizing every tunable behind
// named constants instead of scattering magic numbers through the code.
package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/awksedgreep/timeless/internal/errs"
	"github.com/awksedgreep/timeless/internal/tier"
)

// Defaults mirror orig spec.md §6.
const (
	DefaultSegmentDurationSecs   = 14400 // 4h
	DefaultFlushInterval         = 5 * time.Second
	DefaultFlushThreshold        = 10000
	DefaultPendingFlushInterval  = 60 * time.Second
	DefaultCompression           = "zstd"
	DefaultSafetyMarginSecs      = 30
	DefaultCompactionDeadRatio   = 0.30
	DefaultRetentionSweepPeriod  = 5 * time.Minute
	DefaultSegmentSealGraceSecs  = 5
	DefaultWriteBufferQueueDepth = 4096
	DefaultRawRetention          = 24 * time.Hour
)

// Config is the store's full runtime configuration (orig §6).
type Config struct {
	DataDir              string
	Shards               int
	SegmentDurationSecs  int64
	FlushInterval        time.Duration
	FlushThreshold       int
	PendingFlushInterval time.Duration
	Compression          string
	Schema               []tier.Tier

	SafetyMarginSecs      int64
	CompactionDeadRatio   float64
	RetentionSweepPeriod  time.Duration
	SegmentSealGraceSecs  int64
	WriteBufferQueueDepth int
	RawRetention          time.Duration
}

// Default returns a Config with every field at its documented default
// except DataDir (caller-supplied) and Shards (defaults to CPU count).
func Default(dataDir string) Config {
	return Config{
		DataDir:               dataDir,
		Shards:                runtime.NumCPU(),
		SegmentDurationSecs:   DefaultSegmentDurationSecs,
		FlushInterval:         DefaultFlushInterval,
		FlushThreshold:        DefaultFlushThreshold,
		PendingFlushInterval:  DefaultPendingFlushInterval,
		Compression:           DefaultCompression,
		Schema:                DefaultSchema(),
		SafetyMarginSecs:      DefaultSafetyMarginSecs,
		CompactionDeadRatio:   DefaultCompactionDeadRatio,
		RetentionSweepPeriod:  DefaultRetentionSweepPeriod,
		SegmentSealGraceSecs:  DefaultSegmentSealGraceSecs,
		WriteBufferQueueDepth: DefaultWriteBufferQueueDepth,
		RawRetention:          DefaultRawRetention,
	}
}

// DefaultSchema returns the hourly/daily/monthly tiers used throughout
// orig spec.md's worked examples.
func DefaultSchema() []tier.Tier {
	all := tier.NewMask(tier.Avg, tier.Min, tier.Max, tier.Count, tier.Sum, tier.Last)
	return []tier.Tier{
		{
			Name:             "hourly",
			ResolutionSecs:   3600,
			Aggregates:       all,
			ChunkSecs:        24 * 3600,
			Retention:        30 * 24 * time.Hour,
			RollupInterval:   DefaultPendingFlushInterval,
			SafetyMarginSecs: DefaultSafetyMarginSecs,
		},
		{
			Name:             "daily",
			ResolutionSecs:   86400,
			Aggregates:       all,
			ChunkSecs:        30 * 86400,
			Retention:        365 * 24 * time.Hour,
			RollupInterval:   1 * time.Hour,
			SafetyMarginSecs: DefaultSafetyMarginSecs,
			Source:           "hourly",
		},
		{
			Name:             "monthly",
			ResolutionSecs:   30 * 86400,
			Aggregates:       all,
			ChunkSecs:        12 * 30 * 86400,
			Retention:        0, // forever
			RollupInterval:   6 * time.Hour,
			SafetyMarginSecs: DefaultSafetyMarginSecs,
			Source:           "daily",
		},
	}
}

// LoadFromEnv overlays TIMELESS_*-prefixed environment variables onto
// a base Config, the way the teacher's setup.go reads TINYOBS_* vars.
func LoadFromEnv(base Config) Config {
	cfg := base
	cfg.Shards = getEnvInt("TIMELESS_SHARDS", cfg.Shards)
	cfg.SegmentDurationSecs = getEnvInt64("TIMELESS_SEGMENT_DURATION_SECS", cfg.SegmentDurationSecs)
	cfg.FlushThreshold = getEnvInt("TIMELESS_FLUSH_THRESHOLD", cfg.FlushThreshold)
	if v := os.Getenv("TIMELESS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TIMELESS_SCHEMA_FILE"); v != "" {
		schema, err := LoadSchemaFile(v)
		if err != nil {
			log.Printf("failed to load schema file %s, keeping defaults: %v", v, err)
		} else {
			cfg.Schema = schema
		}
	}
	return cfg
}

// Validate enforces orig §7's ConfigError policy: the shard count must
// be positive and, for an existing store, equal to existingShards (0
// for a fresh store); the schema must have at least one tier, each
// with a positive resolution and a chunk size that is a positive
// multiple of it. It does not detect a tier that was removed from the
// schema.
func (c Config) Validate(existingShards int) error {
	if c.Shards <= 0 {
		return fmt.Errorf("%w: shards must be positive, got %d", errs.ErrConfig, c.Shards)
	}
	if existingShards != 0 && existingShards != c.Shards {
		return fmt.Errorf("%w: shard count changed from %d to %d for an existing store", errs.ErrConfig, existingShards, c.Shards)
	}
	if len(c.Schema) == 0 {
		return fmt.Errorf("%w: schema must define at least one tier", errs.ErrConfig)
	}
	for _, t := range c.Schema {
		if t.ResolutionSecs <= 0 || t.ChunkSecs <= 0 {
			return fmt.Errorf("%w: tier %q has non-positive resolution or chunk size", errs.ErrConfig, t.Name)
		}
		if t.ChunkSecs%t.ResolutionSecs != 0 {
			return fmt.Errorf("%w: tier %q chunk_seconds must be a multiple of resolution_seconds", errs.ErrConfig, t.Name)
		}
	}
	return nil
}

// schemaFile is the YAML document shape for the `schema` config key.
type schemaFile struct {
	Tiers []struct {
		Name           string   `yaml:"name"`
		ResolutionSecs int64    `yaml:"resolution_seconds"`
		Aggregates     []string `yaml:"aggregates"`
		ChunkSecs      int64    `yaml:"chunk_seconds"`
		RetentionSecs  int64    `yaml:"retention_seconds"` // 0 = forever
		RollupSecs     int64    `yaml:"rollup_interval_seconds"`
		SafetyMargin   int64    `yaml:"safety_margin_seconds"`
		Source         string   `yaml:"source"`
	} `yaml:"tiers"`
}

// LoadSchemaFile parses a tier schema from YAML (orig §6 "schema").
func LoadSchemaFile(path string) ([]tier.Tier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConfig, err)
	}
	var doc schemaFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConfig, err)
	}
	tiers := make([]tier.Tier, 0, len(doc.Tiers))
	for _, t := range doc.Tiers {
		aggs := make([]tier.Aggregate, 0, len(t.Aggregates))
		for _, name := range t.Aggregates {
			a, err := tier.ParseAggregate(name)
			if err != nil {
				return nil, fmt.Errorf("%w: tier %q: %v", errs.ErrConfig, t.Name, err)
			}
			aggs = append(aggs, a)
		}
		if len(aggs) == 0 {
			return nil, fmt.Errorf("%w: tier %q has no aggregates", errs.ErrConfig, t.Name)
		}
		tiers = append(tiers, tier.Tier{
			Name:             t.Name,
			ResolutionSecs:   t.ResolutionSecs,
			Aggregates:       tier.NewMask(aggs...),
			ChunkSecs:        t.ChunkSecs,
			Retention:        time.Duration(t.RetentionSecs) * time.Second,
			RollupInterval:   time.Duration(t.RollupSecs) * time.Second,
			SafetyMarginSecs: t.SafetyMargin,
			Source:           t.Source,
		})
	}
	return tiers, nil
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		log.Printf("invalid value for %s: %q, using default %d", key, val, defaultValue)
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	return int(getEnvInt64(key, int64(defaultValue)))
}
