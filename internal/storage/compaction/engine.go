package compaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/mbostore/internal/errors"
	"github.com/xtxerr/mbostore/internal/logging"
	"github.com/xtxerr/mbostore/internal/storage/chunk"
	"github.com/xtxerr/mbostore/internal/storage/config"
	"github.com/xtxerr/mbostore/internal/storage/parquet"
	"github.com/xtxerr/mbostore/internal/storage/types"
)

var log = logging.Component("compaction")

const (
	chunkSuffix      = ".parquet"
	reconciledSuffix = ".reconciled.parquet"
)

// ChunkSource resolves sealed chunks.
type ChunkSource interface {
	ChunkFor(key types.BucketKey) (*chunk.Chunk, error)
}

// DeltaSource exposes late events without consuming them.
type DeltaSource interface {
	TakeForBucket(key types.BucketKey) []types.MboEvent
	Keys() []types.BucketKey
}

// Engine turns sealed partitions into Parquet files.
//
// Flush jobs write a sealed chunk as <chunks>/<instrument>/<bucket>.parquet.
// Reconcile jobs merge the chunk with its late events, ordered by
// timestamp, into <bucket>.reconciled.parquet. The delta store is never
// drained, so in-memory queries stay complete.
type Engine struct {
	mu sync.RWMutex

	config *config.Config
	opts   parquet.Options
	chunks ChunkSource
	deltas DeltaSource

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group

	// Job queue
	jobCh   chan Job
	workers int
	nextID  atomic.Uint64

	// Late event count per bucket at its last reconcile
	reconciled map[types.BucketKey]int

	// Target files being written, closed when the writer is done
	writing map[string]chan struct{}

	// Statistics
	stats Stats
}

// Stats holds engine statistics.
type Stats struct {
	JobsScheduled   atomic.Int64
	JobsCompleted   atomic.Int64
	JobsFailed      atomic.Int64
	JobsSkipped     atomic.Int64
	ChunksFlushed   atomic.Int64
	BucketsMerged   atomic.Int64
	SummaryFiles    atomic.Int64
	FilesWritten    atomic.Int64
	RowsWritten     atomic.Int64
	LateRowsWritten atomic.Int64
}

// JobKind selects what a job does.
type JobKind int

const (
	// JobFlush writes a sealed chunk.
	JobFlush JobKind = iota
	// JobReconcile writes a chunk merged with its late events.
	JobReconcile
	// JobSummaries writes a batch of finalized bucket summaries.
	JobSummaries
)

// String returns the job kind name.
func (k JobKind) String() string {
	switch k {
	case JobFlush:
		return "flush"
	case JobReconcile:
		return "reconcile"
	case JobSummaries:
		return "summaries"
	default:
		return fmt.Sprintf("job(%d)", int(k))
	}
}

// Job represents one unit of background work.
type Job struct {
	Kind JobKind
	Key  types.BucketKey

	// Chunk is the sealed chunk for JobFlush. If nil it is resolved
	// through the ChunkSource.
	Chunk *chunk.Chunk

	// Summaries and HighWater are used by JobSummaries.
	Summaries []types.BucketSummary
	HighWater uint64
}

// New creates a new flush engine. deltas may be nil when reconciliation is
// not needed.
func New(cfg *config.Config, chunks ChunkSource, deltas DeltaSource) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if chunks == nil {
		return nil, errors.NewMissingField("chunk source")
	}

	workers := cfg.Flush.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.Flush.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}

	opts := parquet.DefaultOptions()
	opts.Compression = parquet.ParseCompressionType(cfg.Features.Compression.Algorithm)
	opts.CompressionLevel = cfg.Features.Compression.Level

	return &Engine{
		config:     cfg,
		opts:       opts,
		chunks:     chunks,
		deltas:     deltas,
		jobCh:      make(chan Job, queueSize),
		workers:    workers,
		reconciled: make(map[types.BucketKey]int),
		writing:    make(map[string]chan struct{}),
	}, nil
}

// Start starts the workers and the reconcile scheduler.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return fmt.Errorf("flush engine: %w", errors.ErrAlreadyRunning)
	}

	// Stop closes the job channel; a restarted engine needs a new one.
	if e.group != nil {
		e.jobCh = make(chan Job, cap(e.jobCh))
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.group = &errgroup.Group{}

	for i := 0; i < e.workers; i++ {
		e.group.Go(func() error {
			e.worker()
			return nil
		})
	}

	if e.deltas != nil && e.config.Flush.ReconcileInterval > 0 {
		e.group.Go(func() error {
			e.scheduler(e.ctx, e.config.Flush.ReconcileInterval)
			return nil
		})
	}

	e.running.Store(true)
	log.Info("flush engine started", "workers", e.workers)
	return nil
}

// Stop stops accepting jobs, drains the queue and waits for the workers.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running.Load() {
		e.mu.Unlock()
		return nil
	}
	e.running.Store(false)
	e.cancel()
	close(e.jobCh)
	e.mu.Unlock()

	err := e.group.Wait()
	log.Info("flush engine stopped",
		"completed", e.stats.JobsCompleted.Load(),
		"failed", e.stats.JobsFailed.Load())
	return err
}

// worker processes jobs until the queue is closed.
func (e *Engine) worker() {
	for job := range e.jobCh {
		id := e.nextID.Add(1)
		ctx := logging.ContextWithJobID(context.Background(), id)
		ctx = logging.ContextWithPartition(ctx, job.Key.InstrumentID, job.Key.BucketID)

		if err := e.runJob(job); err != nil {
			e.stats.JobsFailed.Add(1)
			logging.WithContext(ctx).Error("job failed", "kind", job.Kind, "error", err)
			continue
		}
		e.stats.JobsCompleted.Add(1)
		logging.WithContext(ctx).Debug("job done", "kind", job.Kind)
	}
}

// scheduler periodically reconciles buckets with new late events.
func (e *Engine) scheduler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ScheduleReconcile()
		}
	}
}

// ScheduleReconcile queues a reconcile job for every bucket holding late
// events not yet written. It returns the number of jobs queued.
func (e *Engine) ScheduleReconcile() int {
	if e.deltas == nil {
		return 0
	}

	var n int
	for _, key := range e.deltas.Keys() {
		if !e.needsReconcile(key) {
			continue
		}
		if err := e.SubmitJob(Job{Kind: JobReconcile, Key: key}); err != nil {
			log.Warn("reconcile not queued", "bucket", key.String(), "error", err)
			continue
		}
		n++
	}
	return n
}

// Flush queues a flush of a sealed chunk.
func (e *Engine) Flush(key types.BucketKey, c *chunk.Chunk) error {
	return e.SubmitJob(Job{Kind: JobFlush, Key: key, Chunk: c})
}

// FlushSummaries queues a batch of finalized summaries.
func (e *Engine) FlushSummaries(summaries []types.BucketSummary, highWater uint64) error {
	if len(summaries) == 0 {
		return nil
	}
	return e.SubmitJob(Job{Kind: JobSummaries, Summaries: summaries, HighWater: highWater})
}

// SubmitJob submits a job to the queue without blocking.
func (e *Engine) SubmitJob(job Job) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.running.Load() {
		return fmt.Errorf("flush engine: %w", errors.ErrNotRunning)
	}

	select {
	case e.jobCh <- job:
		e.stats.JobsScheduled.Add(1)
		return nil
	default:
		return fmt.Errorf("flush engine: %w", errors.ErrQueueFull)
	}
}

// RunJob executes a job synchronously.
func (e *Engine) RunJob(job Job) error {
	return e.runJob(job)
}

func (e *Engine) runJob(job Job) error {
	switch job.Kind {
	case JobFlush:
		return e.flushChunk(job)
	case JobReconcile:
		return e.reconcile(job.Key)
	case JobSummaries:
		return e.writeSummaries(job)
	default:
		return fmt.Errorf("unknown job kind %d", job.Kind)
	}
}

func (e *Engine) flushChunk(job Job) error {
	c := job.Chunk
	if c == nil {
		var err error
		if c, err = e.chunks.ChunkFor(job.Key); err != nil {
			return errors.Wrapf(err, "resolve chunk %s", job.Key)
		}
	}

	path := e.ChunkPath(job.Key)
	release := e.claim(path)
	defer release()

	rows := parquet.ChunkToRows(c)
	if err := e.writeEvents(path, job.Key, "chunk", rows); err != nil {
		return err
	}

	e.stats.ChunksFlushed.Add(1)
	e.stats.RowsWritten.Add(int64(len(rows)))
	return nil
}

// reconcile merges chunk rows with late rows. Chunk rows come first on
// equal timestamps. Jobs for the same bucket run one at a time; a job that
// waited finds the count written by the one before it.
func (e *Engine) reconcile(key types.BucketKey) error {
	if e.deltas == nil {
		return nil
	}

	path := e.ReconciledPath(key)
	release := e.claim(path)
	defer release()

	late := e.deltas.TakeForBucket(key)
	if len(late) == 0 || !e.needsReconcileCount(key, len(late)) {
		e.stats.JobsSkipped.Add(1)
		return nil
	}

	var rows []types.Row
	if c, err := e.chunks.ChunkFor(key); err == nil {
		rows = c.Rows()
	}
	for i := range late {
		rows = append(rows, types.RowFromEvent(&late[i], true))
	}
	slices.SortStableFunc(rows, func(a, b types.Row) int {
		switch {
		case a.TsEvent < b.TsEvent:
			return -1
		case a.TsEvent > b.TsEvent:
			return 1
		default:
			return 0
		}
	})

	if err := e.writeEvents(path, key, "reconciled", parquet.RowsToEventRows(rows)); err != nil {
		return err
	}

	e.mu.Lock()
	e.reconciled[key] = len(late)
	e.mu.Unlock()

	e.stats.BucketsMerged.Add(1)
	e.stats.RowsWritten.Add(int64(len(rows)))
	e.stats.LateRowsWritten.Add(int64(len(late)))
	return nil
}

// claim waits until no other job writes path and takes it over. The
// returned func hands it back.
func (e *Engine) claim(path string) func() {
	for {
		e.mu.Lock()
		busy, ok := e.writing[path]
		if !ok {
			done := make(chan struct{})
			e.writing[path] = done
			e.mu.Unlock()
			return func() {
				e.mu.Lock()
				delete(e.writing, path)
				e.mu.Unlock()
				close(done)
			}
		}
		e.mu.Unlock()
		<-busy
	}
}

func (e *Engine) needsReconcile(key types.BucketKey) bool {
	return e.needsReconcileCount(key, -1)
}

// needsReconcileCount reports whether the late count differs from the last
// reconcile. A negative count asks the delta source. Late events are only
// ever added, so an unchanged count means unchanged content.
func (e *Engine) needsReconcileCount(key types.BucketKey, count int) bool {
	if count < 0 {
		count = len(e.deltas.TakeForBucket(key))
	}

	e.mu.RLock()
	done, ok := e.reconciled[key]
	e.mu.RUnlock()

	return count > 0 && (!ok || done != count)
}

func (e *Engine) writeEvents(path string, key types.BucketKey, kind string, rows []parquet.EventRow) error {
	opts := e.opts
	opts.Metadata = map[string]string{
		"mbostore.kind":       kind,
		"mbostore.instrument": strconv.FormatUint(uint64(key.InstrumentID), 10),
		"mbostore.bucket":     strconv.FormatUint(key.BucketID, 10),
	}

	w, err := parquet.NewEventWriter(path, opts)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := w.Write(rows); err != nil {
		w.Abort()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}

	e.stats.FilesWritten.Add(1)
	return nil
}

func (e *Engine) writeSummaries(job Job) error {
	path := filepath.Join(e.config.SummaryDir(),
		fmt.Sprintf("%020d-%06d.parquet", job.HighWater, e.stats.SummaryFiles.Add(1)))

	w, err := parquet.NewSummaryWriter(path, e.opts)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := w.Write(job.Summaries); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}

	e.stats.FilesWritten.Add(1)
	return nil
}

// ChunkPath returns the flush target of a bucket.
func (e *Engine) ChunkPath(key types.BucketKey) string {
	return filepath.Join(e.config.InstrumentDir(key.InstrumentID),
		strconv.FormatUint(key.BucketID, 10)+chunkSuffix)
}

// ReconciledPath returns the reconcile target of a bucket.
func (e *Engine) ReconciledPath(key types.BucketKey) string {
	return filepath.Join(e.config.InstrumentDir(key.InstrumentID),
		strconv.FormatUint(key.BucketID, 10)+reconciledSuffix)
}

// Files returns one file per flushed bucket in [first, last], preferring
// the reconciled file over the plain chunk file. Paths are in bucket order.
func (e *Engine) Files(instrument uint32, first, last uint64) ([]string, error) {
	return BucketFiles(e.config.InstrumentDir(instrument), first, last)
}

// BucketFile is a flushed file of one bucket.
type BucketFile struct {
	BucketID   uint64
	Path       string
	Reconciled bool
}

// ListBucketFiles lists the flushed files in an instrument directory,
// ordered by bucket with the plain file before the reconciled one.
func ListBucketFiles(dir string) ([]BucketFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []BucketFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if f, ok := parseBucketFile(entry.Name()); ok {
			f.Path = filepath.Join(dir, entry.Name())
			files = append(files, f)
		}
	}

	slices.SortFunc(files, func(a, b BucketFile) int {
		switch {
		case a.BucketID < b.BucketID:
			return -1
		case a.BucketID > b.BucketID:
			return 1
		case a.Reconciled == b.Reconciled:
			return 0
		case b.Reconciled:
			return -1
		default:
			return 1
		}
	})
	return files, nil
}

// BucketFiles selects one file per bucket in [first, last].
func BucketFiles(dir string, first, last uint64) ([]string, error) {
	files, err := ListBucketFiles(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for i, f := range files {
		if f.BucketID < first || f.BucketID > last {
			continue
		}
		// A reconciled file supersedes the plain file right before it.
		if i+1 < len(files) && files[i+1].BucketID == f.BucketID && files[i+1].Reconciled {
			continue
		}
		paths = append(paths, f.Path)
	}
	return paths, nil
}

func parseBucketFile(name string) (BucketFile, bool) {
	var f BucketFile
	var stem string
	switch {
	case strings.HasSuffix(name, reconciledSuffix):
		stem = strings.TrimSuffix(name, reconciledSuffix)
		f.Reconciled = true
	case strings.HasSuffix(name, chunkSuffix):
		stem = strings.TrimSuffix(name, chunkSuffix)
	default:
		return f, false
	}

	id, err := strconv.ParseUint(stem, 10, 64)
	if err != nil {
		return f, false
	}
	f.BucketID = id
	return f, true
}

// Stats returns current statistics.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Running:       e.running.Load(),
		JobsScheduled: e.stats.JobsScheduled.Load(),
		JobsCompleted: e.stats.JobsCompleted.Load(),
		JobsFailed:    e.stats.JobsFailed.Load(),
		JobsSkipped:   e.stats.JobsSkipped.Load(),
		ChunksFlushed: e.stats.ChunksFlushed.Load(),
		BucketsMerged: e.stats.BucketsMerged.Load(),
		FilesWritten:  e.stats.FilesWritten.Load(),
		RowsWritten:   e.stats.RowsWritten.Load(),
		LateRows:      e.stats.LateRowsWritten.Load(),
	}
}

// EngineStats holds engine statistics.
type EngineStats struct {
	Running       bool
	JobsScheduled int64
	JobsCompleted int64
	JobsFailed    int64
	JobsSkipped   int64
	ChunksFlushed int64
	BucketsMerged int64
	FilesWritten  int64
	RowsWritten   int64
	LateRows      int64
}

// IsRunning returns whether the engine is running.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}
