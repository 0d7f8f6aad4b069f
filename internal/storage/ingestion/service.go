package ingestion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/mbostore/internal/errors"
	"github.com/xtxerr/mbostore/internal/logging"
	"github.com/xtxerr/mbostore/internal/storage/aggregate"
	"github.com/xtxerr/mbostore/internal/storage/chunk"
	"github.com/xtxerr/mbostore/internal/storage/config"
	"github.com/xtxerr/mbostore/internal/storage/partition"
	"github.com/xtxerr/mbostore/internal/storage/types"
	"github.com/xtxerr/mbostore/internal/storage/wal"
)

var log = logging.Component("ingestion")

// Sink receives sealed chunks and finalized summaries for persistence.
type Sink interface {
	Flush(key types.BucketKey, c *chunk.Chunk) error
	FlushSummaries(summaries []types.BucketSummary, highWater uint64) error
}

// Service drives the ingestion pipeline:
// WAL → partition table → aggregates → clock advance → sink.
//
// Batches are applied one at a time, so the WAL holds events in exactly
// the order they were routed and a replay reproduces every sealing
// decision.
type Service struct {
	mu sync.Mutex

	config *config.Config

	// Components
	table     *partition.Table
	aggregate *aggregate.Manager
	wal       *wal.Writer // nil when disabled
	sink      Sink        // nil when flushing is disabled

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Statistics
	stats Stats

	// Channels
	flushCh chan struct{}
}

// Stats holds ingestion statistics.
type Stats struct {
	EventsReceived   atomic.Int64
	EventsToChunk    atomic.Int64
	EventsLate       atomic.Int64
	EventsReplayed   atomic.Int64
	BatchesProcessed atomic.Int64
	SealsHandled     atomic.Int64
	FlushesQueued    atomic.Int64
	FlushErrors      atomic.Int64
	SummariesFlushed atomic.Int64
	Errors           atomic.Int64
}

// New creates a new ingestion service. sink may be nil.
func New(cfg *config.Config, table *partition.Table, agg *aggregate.Manager, sink Sink) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if table == nil {
		return nil, errors.NewMissingField("partition table")
	}
	if agg == nil {
		agg = aggregate.NewManager(table.Bucketing(), 0)
	}

	s := &Service{
		config:    cfg,
		table:     table,
		aggregate: agg,
		sink:      sink,
		flushCh:   make(chan struct{}, 1),
	}

	if cfg.Ingestion.WAL.Enabled {
		walOpts := wal.Options{
			MaxSegmentSize: cfg.Ingestion.WAL.MaxSegmentSize,
			SyncMode:       cfg.Ingestion.WAL.SyncMode,
			SyncInterval:   cfg.Ingestion.WAL.SyncInterval,
		}

		w, err := wal.NewWriter(cfg.WALDir(), walOpts)
		if err != nil {
			return nil, fmt.Errorf("create WAL writer: %w", err)
		}
		s.wal = w
	}

	return s, nil
}

// Start starts the background workers.
func (s *Service) Start() error {
	if s.running.Load() {
		return fmt.Errorf("ingestion: %w", errors.ErrAlreadyRunning)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running.Store(true)

	// Start flush worker
	s.wg.Add(1)
	go s.flushWorker()

	// Start WAL sync worker
	if s.wal != nil && s.config.Ingestion.WAL.SyncMode == "async" {
		s.wg.Add(1)
		go s.syncWorker(s.config.Ingestion.WAL.SyncInterval)
	}

	return nil
}

// Stop stops the workers, flushes pending summaries and closes the WAL.
func (s *Service) Stop() error {
	if !s.running.Load() {
		return nil
	}

	s.running.Store(false)
	s.cancel()

	// Wait for workers
	s.wg.Wait()

	// Final flush
	s.flushCompleted()

	if s.wal != nil {
		if err := s.wal.Close(); err != nil {
			return fmt.Errorf("close WAL: %w", err)
		}
	}

	return nil
}

// Ingest logs and applies a batch of events in order.
// It stops at the first event the partition table rejects.
func (s *Service) Ingest(events []types.MboEvent) error {
	if !s.running.Load() {
		return fmt.Errorf("ingestion: %w", errors.ErrNotRunning)
	}

	if len(events) == 0 {
		return nil
	}

	s.stats.EventsReceived.Add(int64(len(events)))

	s.mu.Lock()
	defer s.mu.Unlock()

	// Write to WAL first
	if s.wal != nil {
		for _, batch := range split(events, s.config.Ingestion.BatchSize) {
			if err := s.wal.Write(batch); err != nil {
				s.stats.Errors.Add(1)
				return fmt.Errorf("WAL write: %w", err)
			}
		}
	}

	for i := range events {
		if err := s.apply(&events[i]); err != nil {
			return err
		}
	}

	s.stats.BatchesProcessed.Add(1)
	return nil
}

// IngestSingle ingests a single event.
func (s *Service) IngestSingle(ev types.MboEvent) error {
	return s.Ingest([]types.MboEvent{ev})
}

// AdvanceClock raises the high-water mark without an event and handles
// the partitions it seals. Explicit advances are not written to the WAL.
func (s *Service) AdvanceClock(hw uint64) []partition.SealNotice {
	s.mu.Lock()
	defer s.mu.Unlock()

	notices := s.table.AdvanceClock(hw)
	s.handleSeals(notices)
	return notices
}

// Replay re-applies the events of WAL segments without logging them again.
// It returns the number of events applied.
func (s *Service) Replay(paths []string) (int, error) {
	events, err := wal.ReadAllSegments(paths)
	if err != nil {
		return 0, fmt.Errorf("read WAL: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range events {
		if err := s.apply(&events[i]); err != nil {
			return i, err
		}
	}

	s.stats.EventsReplayed.Add(int64(len(events)))
	log.Info("WAL replayed", "segments", len(paths), "events", len(events),
		"high_water", s.table.HighWater())
	return len(events), nil
}

// ReplayDir replays every segment in the configured WAL directory.
// Call it before Start; the segments written afterwards are not included.
func (s *Service) ReplayDir() (int, error) {
	paths, err := wal.ListSegments(s.config.WALDir())
	if err != nil {
		return 0, fmt.Errorf("list WAL segments: %w", err)
	}
	if s.wal != nil {
		// The writer's fresh segment is empty.
		current := s.wal.CurrentSegment()
		filtered := paths[:0]
		for _, p := range paths {
			if p != current {
				filtered = append(filtered, p)
			}
		}
		paths = filtered
	}
	return s.Replay(paths)
}

// apply routes one event, folds it into its aggregate and advances the
// clock to its timestamp. Caller holds s.mu.
func (s *Service) apply(ev *types.MboEvent) error {
	d, err := s.table.Ingest(ev)
	if err != nil {
		s.stats.Errors.Add(1)
		if errors.IsInvariantViolation(err) {
			log.Error("event rejected", "bucket", d.Key.String(), "ts", ev.TsEvent, "error", err)
		}
		return errors.Wrapf(err, "ingest %s@%d", d.Key, ev.TsEvent)
	}

	late := d.Kind == partition.AppendToDelta
	if late {
		s.stats.EventsLate.Add(1)
	} else {
		s.stats.EventsToChunk.Add(1)
	}
	s.aggregate.Observe(ev, late)

	s.handleSeals(s.table.AdvanceClock(ev.TsEvent))
	return nil
}

// handleSeals finalizes summaries and hands sealed chunks to the sink.
// Caller holds s.mu.
func (s *Service) handleSeals(notices []partition.SealNotice) {
	if len(notices) == 0 {
		return
	}

	for _, n := range notices {
		s.stats.SealsHandled.Add(1)
		s.aggregate.Finalize(n.Key)

		if s.sink == nil {
			continue
		}

		c, err := s.table.Chunk(n.Handle)
		if err != nil {
			s.stats.FlushErrors.Add(1)
			log.Error("sealed chunk missing", "bucket", n.Key.String(), "error", err)
			continue
		}
		if err := s.sink.Flush(n.Key, c); err != nil {
			s.stats.FlushErrors.Add(1)
			log.Warn("flush not queued", "bucket", n.Key.String(), "error", err)
			continue
		}
		s.stats.FlushesQueued.Add(1)
	}

	s.ForceFlush()
}

// flushWorker writes finalized summaries when triggered.
func (s *Service) flushWorker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.flushCh:
			s.flushCompleted()
		}
	}
}

// syncWorker periodically syncs the WAL in async mode.
func (s *Service) syncWorker(interval time.Duration) {
	defer s.wg.Done()

	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.wal.Sync(); err != nil {
				s.stats.Errors.Add(1)
				log.Warn("WAL sync failed", "error", err)
			}
		}
	}
}

// flushCompleted hands finalized summaries to the sink.
func (s *Service) flushCompleted() {
	summaries := s.aggregate.FlushCompleted()
	if len(summaries) == 0 || s.sink == nil {
		return
	}

	if err := s.sink.FlushSummaries(summaries, s.table.HighWater()); err != nil {
		s.stats.FlushErrors.Add(1)
		log.Warn("summaries not flushed", "count", len(summaries), "error", err)
		return
	}

	s.stats.SummariesFlushed.Add(int64(len(summaries)))
}

// ForceFlush triggers an immediate summary flush.
func (s *Service) ForceFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
		// Flush already pending
	}
}

// split cuts events into batches of at most size events.
func split(events []types.MboEvent, size int) [][]types.MboEvent {
	if size <= 0 || len(events) <= size {
		return [][]types.MboEvent{events}
	}

	batches := make([][]types.MboEvent, 0, (len(events)+size-1)/size)
	for len(events) > size {
		batches = append(batches, events[:size])
		events = events[size:]
	}
	return append(batches, events)
}

// Stats returns current statistics.
func (s *Service) Stats() ServiceStats {
	tableStats := s.table.Stats()
	aggStats := s.aggregate.Stats()

	stats := ServiceStats{
		Running:          s.running.Load(),
		EventsReceived:   s.stats.EventsReceived.Load(),
		EventsToChunk:    s.stats.EventsToChunk.Load(),
		EventsLate:       s.stats.EventsLate.Load(),
		EventsReplayed:   s.stats.EventsReplayed.Load(),
		BatchesProcessed: s.stats.BatchesProcessed.Load(),
		SealsHandled:     s.stats.SealsHandled.Load(),
		FlushesQueued:    s.stats.FlushesQueued.Load(),
		FlushErrors:      s.stats.FlushErrors.Load(),
		SummariesFlushed: s.stats.SummariesFlushed.Load(),
		Errors:           s.stats.Errors.Load(),
		HighWater:        tableStats.HighWater,
		Partitions:       tableStats.Partitions,
		ActiveAggregates: aggStats.ActiveAggregates,
	}

	if s.wal != nil {
		walStats := s.wal.Stats()
		stats.WALSegments = walStats.SegmentsCreated
		stats.WALBytesWritten = walStats.BytesWritten
	}

	return stats
}

// ServiceStats holds combined service statistics.
type ServiceStats struct {
	Running          bool
	EventsReceived   int64
	EventsToChunk    int64
	EventsLate       int64
	EventsReplayed   int64
	BatchesProcessed int64
	SealsHandled     int64
	FlushesQueued    int64
	FlushErrors      int64
	SummariesFlushed int64
	Errors           int64
	HighWater        uint64
	Partitions       int
	ActiveAggregates int64
	WALSegments      int64
	WALBytesWritten  int64
}

// Table returns the partition table.
func (s *Service) Table() *partition.Table {
	return s.table
}

// AggregateManager returns the aggregate manager.
func (s *Service) AggregateManager() *aggregate.Manager {
	return s.aggregate
}

// WAL returns the WAL writer, or nil when disabled.
func (s *Service) WAL() *wal.Writer {
	return s.wal
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}
