package storage

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/mbostore/internal/errors"
	"github.com/xtxerr/mbostore/internal/logging"
	"github.com/xtxerr/mbostore/internal/storage/aggregate"
	"github.com/xtxerr/mbostore/internal/storage/compaction"
	"github.com/xtxerr/mbostore/internal/storage/config"
	"github.com/xtxerr/mbostore/internal/storage/delta"
	"github.com/xtxerr/mbostore/internal/storage/ingestion"
	"github.com/xtxerr/mbostore/internal/storage/partition"
	"github.com/xtxerr/mbostore/internal/storage/query"
	"github.com/xtxerr/mbostore/internal/storage/retention"
	"github.com/xtxerr/mbostore/internal/storage/types"
)

var log = logging.Component("storage")

// Service is the main storage service that orchestrates all components.
type Service struct {
	mu sync.RWMutex

	config    *config.Config
	bucketing types.Bucketing

	// Components
	table      *partition.Table
	deltas     *delta.Store
	aggregate  *aggregate.Manager
	ingestion  *ingestion.Service
	compaction *compaction.Engine
	engine     *query.Engine
	sql        *query.SQLService
	retention  *retention.Manager

	// State
	running atomic.Bool

	// Statistics
	startTime time.Time
}

// New creates a new storage service.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Ensure directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	bucketing, err := types.NewBucketing(cfg.Partition.BucketWidth, cfg.Partition.GracePeriod)
	if err != nil {
		return nil, errors.NewValidation("partition", err.Error())
	}

	deltas := delta.NewStore()
	table := partition.New(bucketing, cfg.Partition.CapacityHint, deltas)

	var accuracy float64
	if cfg.Features.Percentile.Enabled {
		accuracy = cfg.Features.Percentile.Accuracy
	}
	agg := aggregate.NewManager(bucketing, accuracy)

	// The flush engine also locates flushed files for SQL queries, so it
	// exists even when flushing is disabled.
	comp, err := compaction.New(cfg, table, deltas)
	if err != nil {
		return nil, fmt.Errorf("create flush engine: %w", err)
	}

	var sink ingestion.Sink
	if cfg.Flush.Enabled {
		sink = comp
	}

	ing, err := ingestion.New(cfg, table, agg, sink)
	if err != nil {
		return nil, fmt.Errorf("create ingestion: %w", err)
	}

	engine := query.NewEngine(table, deltas)

	sqlSvc, err := query.NewSQLService(cfg, bucketing, comp)
	if err != nil {
		if ing.WAL() != nil {
			ing.WAL().Close()
		}
		return nil, fmt.Errorf("create query: %w", err)
	}

	return &Service{
		config:     cfg,
		bucketing:  bucketing,
		table:      table,
		deltas:     deltas,
		aggregate:  agg,
		ingestion:  ing,
		compaction: comp,
		engine:     engine,
		sql:        sqlSvc,
		retention:  retention.New(cfg, bucketing),
	}, nil
}

// Start starts all components. The flush engine starts first so seals
// handled by ingestion always find a running queue.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return errors.Wrap(errors.ErrAlreadyRunning, "storage")
	}

	if s.config.Flush.Enabled {
		if err := s.compaction.Start(); err != nil {
			return fmt.Errorf("start flush engine: %w", err)
		}
	}

	if err := s.ingestion.Start(); err != nil {
		if s.config.Flush.Enabled {
			s.compaction.Stop()
		}
		return fmt.Errorf("start ingestion: %w", err)
	}

	s.running.Store(true)
	s.startTime = time.Now()
	log.Info("storage started",
		"data_dir", s.config.DataDir,
		"bucket_width", s.config.Partition.BucketWidth,
		"grace", s.config.Partition.GracePeriod,
		"flush", s.config.Flush.Enabled,
		"wal", s.config.Ingestion.WAL.Enabled)
	return nil
}

// Stop stops all components gracefully. Ingestion stops first so its
// final summary flush still reaches the flush engine.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	var errs []error

	if err := s.ingestion.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop ingestion: %w", err))
	}

	if s.config.Flush.Enabled {
		if err := s.compaction.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop flush engine: %w", err))
		}
	}

	if err := s.sql.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close query: %w", err))
	}

	log.Info("storage stopped", "high_water", s.table.HighWater())
	return errors.Join(errs...)
}

// Ingest routes a batch of events in order.
func (s *Service) Ingest(events []types.MboEvent) error {
	if !s.running.Load() {
		return errors.Wrap(errors.ErrNotRunning, "storage")
	}
	return s.ingestion.Ingest(events)
}

// IngestSingle ingests a single event.
func (s *Service) IngestSingle(ev types.MboEvent) error {
	return s.Ingest([]types.MboEvent{ev})
}

// AdvanceClock raises the high-water mark and returns the partitions it
// sealed.
func (s *Service) AdvanceClock(hw uint64) ([]partition.SealNotice, error) {
	if !s.running.Load() {
		return nil, errors.Wrap(errors.ErrNotRunning, "storage")
	}
	return s.ingestion.AdvanceClock(hw), nil
}

// RangeQuery returns the in-memory rows of instrument with
// start <= ts < end, late events included.
func (s *Service) RangeQuery(instrument uint32, start, end uint64) iter.Seq[types.Row] {
	return s.engine.RangeQuery(instrument, start, end)
}

// Collect materializes RangeQuery.
func (s *Service) Collect(instrument uint32, start, end uint64) []types.Row {
	return s.engine.Collect(instrument, start, end)
}

// QueryFlushed reads rows of instrument from flushed Parquet files.
func (s *Service) QueryFlushed(ctx context.Context, instrument uint32, start, end uint64) ([]types.Row, error) {
	if !s.running.Load() {
		return nil, errors.Wrap(errors.ErrNotRunning, "storage")
	}
	return s.sql.QueryFlushed(ctx, instrument, start, end)
}

// QuerySummaries reads the latest flushed summary of every bucket of
// instrument.
func (s *Service) QuerySummaries(ctx context.Context, instrument uint32) ([]types.BucketSummary, error) {
	if !s.running.Load() {
		return nil, errors.Wrap(errors.ErrNotRunning, "storage")
	}
	return s.sql.QuerySummaries(ctx, instrument)
}

// QuerySQL executes a raw SQL query.
func (s *Service) QuerySQL(ctx context.Context, sql string) ([]map[string]interface{}, error) {
	if !s.running.Load() {
		return nil, errors.Wrap(errors.ErrNotRunning, "storage")
	}
	return s.sql.ExecuteSQL(ctx, sql)
}

// Summary returns the live summary of a bucket.
func (s *Service) Summary(key types.BucketKey) (types.BucketSummary, bool) {
	return s.aggregate.Summary(key)
}

// State returns the lifecycle state of a partition.
func (s *Service) State(key types.BucketKey) (types.PartitionState, bool) {
	return s.table.State(key)
}

// Reconcile schedules a rewrite of every sealed bucket whose late events
// changed since its last reconciliation.
func (s *Service) Reconcile() (int, error) {
	if !s.config.Flush.Enabled || !s.compaction.IsRunning() {
		return 0, errors.Wrap(errors.ErrNotRunning, "flush engine")
	}
	return s.compaction.ScheduleReconcile(), nil
}

// FlushSealed queues a flush of every sealed partition, for example after
// a replay with flushing disabled. It returns the number of jobs queued.
func (s *Service) FlushSealed() (int, error) {
	if !s.config.Flush.Enabled || !s.compaction.IsRunning() {
		return 0, errors.Wrap(errors.ErrNotRunning, "flush engine")
	}

	queued := 0
	for _, key := range s.table.Sealed() {
		c, err := s.table.ChunkFor(key)
		if err != nil {
			return queued, err
		}
		if err := s.compaction.Flush(key, c); err != nil {
			return queued, fmt.Errorf("flush %s: %w", key, err)
		}
		queued++
	}
	return queued, nil
}

// Prune deletes flushed files past retention and evicts the aggregates of
// the same buckets. Partitions in memory are kept.
func (s *Service) Prune() []retention.CleanupResult {
	hw := s.table.HighWater()
	results := s.retention.RunCleanup(hw)

	if cutoff, ok := s.retention.Cutoff(hw); ok {
		evicted := s.aggregate.FlushOlderThan(cutoff)
		if len(evicted) > 0 {
			log.Debug("aggregates evicted", "count", len(evicted), "cutoff", cutoff)
		}
	}
	return results
}

// DryRunPrune reports what Prune would delete.
func (s *Service) DryRunPrune() []retention.CleanupResult {
	return s.retention.DryRun(s.table.HighWater())
}

// Replay re-applies the WAL segments left by a previous run. Call it right
// after Start, before new events arrive.
func (s *Service) Replay() (int, error) {
	if !s.config.Ingestion.WAL.Enabled {
		return 0, errors.NewValidation("ingestion.wal", "replay needs the WAL enabled")
	}
	return s.ingestion.ReplayDir()
}

// ForceFlush triggers an immediate summary flush.
func (s *Service) ForceFlush() {
	s.ingestion.ForceFlush()
}

// Stats returns combined statistics.
func (s *Service) Stats() ServiceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var uptime time.Duration
	if !s.startTime.IsZero() && s.running.Load() {
		uptime = time.Since(s.startTime)
	}

	return ServiceStats{
		Running:    s.running.Load(),
		Uptime:     uptime,
		Partitions: s.table.Stats(),
		Deltas:     s.deltas.Stats(),
		Aggregates: s.aggregate.Stats(),
		Ingestion:  s.ingestion.Stats(),
		Flush:      s.compaction.Stats(),
		Engine:     s.engine.Stats(),
		Query:      s.sql.Stats(),
		Retention:  s.retention.Stats(),
	}
}

// ServiceStats holds combined statistics.
type ServiceStats struct {
	Running    bool
	Uptime     time.Duration
	Partitions partition.Stats
	Deltas     delta.Stats
	Aggregates aggregate.ManagerStats
	Ingestion  ingestion.ServiceStats
	Flush      compaction.EngineStats
	Engine     query.EngineStats
	Query      query.ServiceStats
	Retention  retention.ManagerStats
}

// Config returns the current configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// Bucketing returns the bucket layout.
func (s *Service) Bucketing() types.Bucketing {
	return s.bucketing
}

// Table returns the partition table.
func (s *Service) Table() *partition.Table {
	return s.table
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// GetDiskUsage returns disk usage per storage area.
func (s *Service) GetDiskUsage() map[string]retention.DiskUsage {
	return s.retention.GetDiskUsage()
}
