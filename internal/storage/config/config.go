package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/mbostore/config"
)

// Config represents the complete storage configuration.
type Config struct {
	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir"`

	// Scale defines the expected load parameters.
	Scale ScaleConfig `yaml:"scale"`

	// Partition configures bucketing and sealing.
	Partition PartitionConfig `yaml:"partition"`

	// Features configures optional features.
	Features FeaturesConfig `yaml:"features"`

	// Retention defines how long flushed chunk files are kept.
	Retention RetentionConfig `yaml:"retention"`

	// Ingestion configures the ingestion pipeline.
	Ingestion IngestionConfig `yaml:"ingestion"`

	// Flush configures the flush and reconcile engine.
	Flush FlushConfig `yaml:"flush"`

	// Query configures the query service.
	Query QueryConfig `yaml:"query"`
}

// ScaleConfig defines the expected load parameters.
type ScaleConfig struct {
	// Instruments is the expected number of active instruments.
	Instruments int `yaml:"instruments"`

	// EventsPerSec is the expected event rate across all instruments.
	EventsPerSec int `yaml:"events_per_sec"`
}

// PartitionConfig configures bucketing and sealing.
type PartitionConfig struct {
	// BucketWidth is the width of one time bucket.
	BucketWidth time.Duration `yaml:"bucket_width"`

	// GracePeriod is how long after the bucket end late events still go
	// into the bucket's chunk.
	GracePeriod time.Duration `yaml:"grace_period"`

	// CapacityHint is the number of rows reserved per new chunk.
	CapacityHint int `yaml:"capacity_hint"`
}

// FeaturesConfig configures optional features.
type FeaturesConfig struct {
	// Percentile configures DDSketch price percentiles.
	Percentile PercentileConfig `yaml:"percentile"`

	// Compression configures Parquet compression.
	Compression CompressionConfig `yaml:"compression"`
}

// PercentileConfig configures DDSketch percentile calculation.
type PercentileConfig struct {
	// Enabled enables percentile calculation.
	Enabled bool `yaml:"enabled"`

	// Accuracy is the relative accuracy (0.01 = 1% error).
	Accuracy float64 `yaml:"accuracy"`
}

// CompressionConfig configures Parquet compression.
type CompressionConfig struct {
	// Algorithm is the compression algorithm: snappy, zstd, lz4, none.
	Algorithm string `yaml:"algorithm"`

	// Level is the compression level (for zstd: 1-22).
	Level int `yaml:"level"`
}

// RetentionConfig defines how long flushed chunk files are kept.
type RetentionConfig struct {
	// Chunks is measured against the high-water mark, not wall clock.
	// Zero keeps files forever.
	Chunks time.Duration `yaml:"chunks"`
}

// IngestionConfig configures the ingestion pipeline.
type IngestionConfig struct {
	// WAL configures the Write-Ahead Log.
	WAL WALConfig `yaml:"wal"`

	// BatchSize is the number of events per WAL record.
	BatchSize int `yaml:"batch_size"`
}

// WALConfig configures the Write-Ahead Log.
type WALConfig struct {
	// Enabled writes every ingested batch to the WAL.
	Enabled bool `yaml:"enabled"`

	// Dir is the WAL directory. Defaults to {DataDir}/wal.
	Dir string `yaml:"dir"`

	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// SyncInterval is the sync interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// FlushConfig configures the flush and reconcile engine.
type FlushConfig struct {
	// Enabled writes sealed chunks to Parquet.
	Enabled bool `yaml:"enabled"`

	// Workers is the number of parallel flush workers.
	Workers int `yaml:"workers"`

	// QueueSize is the capacity of the job queue.
	QueueSize int `yaml:"queue_size"`

	// ReconcileInterval is how often buckets with late events are
	// rewritten. Zero disables periodic reconciliation.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// QueryConfig configures the query service.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRows is the maximum number of rows returned.
	MaxRows int `yaml:"max_rows"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/mbostore",
		Scale: ScaleConfig{
			Instruments:  10000,
			EventsPerSec: 1000000,
		},
		Partition: PartitionConfig{
			BucketWidth:  defaults.DefaultBucketWidth,
			GracePeriod:  defaults.DefaultGracePeriod,
			CapacityHint: defaults.DefaultChunkCapacityHint,
		},
		Features: FeaturesConfig{
			Percentile: PercentileConfig{
				Enabled:  true,
				Accuracy: 0.01,
			},
			Compression: CompressionConfig{
				Algorithm: "zstd",
				Level:     3,
			},
		},
		Retention: RetentionConfig{
			Chunks: 30 * 24 * time.Hour,
		},
		Ingestion: IngestionConfig{
			WAL: WALConfig{
				Enabled:        false,
				SyncMode:       "async",
				SyncInterval:   defaults.DefaultWALSyncInterval,
				MaxSegmentSize: defaults.DefaultWALSegmentSize,
			},
			BatchSize: defaults.DefaultBatchSize,
		},
		Flush: FlushConfig{
			Enabled:           true,
			Workers:           defaults.DefaultFlushWorkers,
			QueueSize:         defaults.DefaultFlushQueueSize,
			ReconcileInterval: defaults.DefaultReconcileInterval,
		},
		Query: QueryConfig{
			MemoryLimit: defaults.DefaultQueryMemoryLimit,
			Timeout:     defaults.DefaultQueryTimeout,
			MaxRows:     defaults.DefaultQueryMaxRows,
		},
	}
}
