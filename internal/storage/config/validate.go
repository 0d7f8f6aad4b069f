package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xtxerr/mbostore/internal/errors"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	// DataDir
	if c.DataDir == "" {
		errs = append(errs, errors.NewMissingField("data_dir"))
	}

	// Scale
	if err := c.Scale.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scale: %w", err))
	}

	// Partition
	if err := c.Partition.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("partition: %w", err))
	}

	// Features
	if err := c.Features.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("features: %w", err))
	}

	// Retention
	if c.Retention.Chunks < 0 {
		errs = append(errs, errors.NewValidation("retention.chunks", "must not be negative"))
	}

	// Ingestion
	if err := c.Ingestion.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ingestion: %w", err))
	}

	// Flush
	if err := c.Flush.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}

	// Query
	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the scale configuration.
func (c *ScaleConfig) Validate() error {
	var errs []error

	if c.Instruments <= 0 {
		errs = append(errs, errors.NewValidation("instruments", "must be positive"))
	}

	if c.EventsPerSec <= 0 {
		errs = append(errs, errors.NewValidation("events_per_sec", "must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the partition configuration.
func (c *PartitionConfig) Validate() error {
	var errs []error

	if c.BucketWidth <= 0 {
		errs = append(errs, errors.NewValidation("bucket_width", "must be positive"))
	}

	if c.GracePeriod < 0 {
		errs = append(errs, errors.NewValidation("grace_period", "must not be negative"))
	}

	if c.CapacityHint < 0 {
		errs = append(errs, errors.NewValidation("capacity_hint", "must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the features configuration.
func (c *FeaturesConfig) Validate() error {
	var errs []error

	// Percentile
	if c.Percentile.Enabled {
		if c.Percentile.Accuracy <= 0 || c.Percentile.Accuracy >= 1 {
			errs = append(errs, errors.NewValidation("percentile.accuracy", "must be between 0 and 1"))
		}
	}

	// Compression
	validAlgorithms := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"lz4":    true,
		"none":   true,
		"":       true, // Empty defaults to zstd
	}
	if !validAlgorithms[c.Compression.Algorithm] {
		errs = append(errs, errors.NewValidation("compression.algorithm", "must be one of: snappy, zstd, lz4, none"))
	}

	if c.Compression.Algorithm == "zstd" && (c.Compression.Level < 0 || c.Compression.Level > 22) {
		errs = append(errs, errors.NewValidation("compression.level", "for zstd must be between 0 and 22"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the ingestion configuration.
func (c *IngestionConfig) Validate() error {
	var errs []error

	// WAL
	validSyncModes := map[string]bool{
		"async": true,
		"sync":  true,
		"fsync": true,
		"":      true, // Empty defaults to async
	}
	if !validSyncModes[c.WAL.SyncMode] {
		errs = append(errs, errors.NewValidation("wal.sync_mode", "must be one of: async, sync, fsync"))
	}

	if c.WAL.Enabled && c.WAL.SyncMode == "async" && c.WAL.SyncInterval <= 0 {
		errs = append(errs, errors.NewValidation("wal.sync_interval", "must be positive for async mode"))
	}

	if c.WAL.MaxSegmentSize < 0 {
		errs = append(errs, errors.NewValidation("wal.max_segment_size", "must be non-negative"))
	}

	if c.BatchSize <= 0 {
		errs = append(errs, errors.NewValidation("batch_size", "must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the flush configuration.
func (c *FlushConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.Workers <= 0 {
		errs = append(errs, errors.NewValidation("workers", "must be positive"))
	}

	if c.QueueSize <= 0 {
		errs = append(errs, errors.NewValidation("queue_size", "must be positive"))
	}

	if c.ReconcileInterval < 0 {
		errs = append(errs, errors.NewValidation("reconcile_interval", "must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error

	if c.Timeout <= 0 {
		errs = append(errs, errors.NewValidation("timeout", "must be positive"))
	}

	if c.MaxRows <= 0 {
		errs = append(errs, errors.NewValidation("max_rows", "must be positive"))
	}

	if c.MemoryLimit != "" && parseMemoryLimit(c.MemoryLimit) <= 0 {
		errs = append(errs, errors.NewValidation("memory_limit", fmt.Sprintf("%q is not a size", c.MemoryLimit)))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.ChunkDir(),
		c.SummaryDir(),
	}
	if c.Ingestion.WAL.Enabled {
		dirs = append(dirs, c.WALDir())
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// WALDir returns the WAL directory path.
func (c *Config) WALDir() string {
	if c.Ingestion.WAL.Dir != "" {
		return c.Ingestion.WAL.Dir
	}
	return filepath.Join(c.DataDir, "wal")
}

// ChunkDir returns the root directory for flushed chunk files.
func (c *Config) ChunkDir() string {
	return filepath.Join(c.DataDir, "chunks")
}

// InstrumentDir returns the chunk directory of one instrument.
func (c *Config) InstrumentDir(instrument uint32) string {
	return filepath.Join(c.ChunkDir(), fmt.Sprintf("%d", instrument))
}

// SummaryDir returns the directory for flushed bucket summaries.
func (c *Config) SummaryDir() string {
	return filepath.Join(c.DataDir, "summaries")
}
