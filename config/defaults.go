// Package config provides configuration defaults for the mbostore
// application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml.
package config

import "time"

// =============================================================================
// Partition Defaults
// =============================================================================

const (
	// DefaultBucketWidth is the width of one time bucket.
	// Override via config: partition.bucket_width
	DefaultBucketWidth = time.Minute

	// DefaultGracePeriod is how long after a bucket ends late events are
	// still appended to its chunk. After that they go to the late delta store.
	// Override via config: partition.grace_period
	DefaultGracePeriod = 5 * time.Second

	// DefaultChunkCapacityHint is the number of rows reserved per new chunk.
	// Chunks grow past it; it only avoids early reallocations.
	// Override via config: partition.capacity_hint
	DefaultChunkCapacityHint = 4096
)

// =============================================================================
// Ingestion Defaults
// =============================================================================

const (
	// DefaultBatchSize is the number of events per WAL record.
	// Override via config: ingestion.batch_size
	DefaultBatchSize = 1024

	// DefaultWALSegmentSize is the WAL segment size before rotation.
	// Override via config: ingestion.wal.max_segment_size
	DefaultWALSegmentSize = 100 * 1024 * 1024

	// DefaultWALSyncInterval is the sync interval in async mode.
	// Override via config: ingestion.wal.sync_interval
	DefaultWALSyncInterval = time.Second
)

// =============================================================================
// Flush Defaults
// =============================================================================

const (
	// DefaultFlushWorkers is the number of concurrent flush workers.
	// Each worker writes one chunk file at a time.
	// Override via config: flush.workers
	DefaultFlushWorkers = 4

	// DefaultFlushQueueSize is the job queue capacity.
	// When full, submitting a flush job fails.
	// Override via config: flush.queue_size
	DefaultFlushQueueSize = 1024

	// DefaultReconcileInterval is how often buckets with late events are
	// rewritten into reconciled files.
	// Override via config: flush.reconcile_interval
	DefaultReconcileInterval = 10 * time.Minute
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeoutSec is how long to wait for queued flush jobs during
	// shutdown. After this timeout, remaining jobs are abandoned.
	DefaultDrainTimeoutSec = 30
)

// =============================================================================
// Query Defaults
// =============================================================================

const (
	// DefaultQueryMemoryLimit is the DuckDB memory limit.
	// Override via config: query.memory_limit
	DefaultQueryMemoryLimit = "2GB"

	// DefaultQueryTimeout bounds a single query.
	// Override via config: query.timeout
	DefaultQueryTimeout = 30 * time.Second

	// DefaultQueryMaxRows caps rows returned by one query.
	// Override via config: query.max_rows
	DefaultQueryMaxRows = 1000000
)

// =============================================================================
// Shell Defaults
// =============================================================================

const (
	// DefaultShellMaxRows is how many rows the interactive shell prints per
	// query before truncating.
	DefaultShellMaxRows = 50
)
