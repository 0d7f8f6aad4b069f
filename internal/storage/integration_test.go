package storage_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/xtxerr/mbostore/internal/storage"
	"github.com/xtxerr/mbostore/internal/storage/config"
	"github.com/xtxerr/mbostore/internal/storage/retention"
	"github.com/xtxerr/mbostore/internal/storage/types"
	mbotest "github.com/xtxerr/mbostore/internal/testing"
)

func integrationConfig(dataDir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.Partition.BucketWidth = 100
	cfg.Partition.GracePeriod = 50
	cfg.Retention.Chunks = 1000
	cfg.Flush.Workers = 2
	cfg.Flush.ReconcileInterval = 0
	return cfg
}

func startService(t *testing.T, cfg *config.Config) *storage.Service {
	t.Helper()

	svc, err := storage.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })
	return svc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	if err := mbotest.Eventually(5*time.Second, 10*time.Millisecond, cond); err != nil {
		t.Fatalf("%s: %v", what, err)
	}
}

// TestIntegration_FullPipeline covers ingest, seal, flush, late events,
// reconcile and the SQL read paths.
func TestIntegration_FullPipeline(t *testing.T) {
	svc := startService(t, integrationConfig(t.TempDir()))
	ctx := context.Background()

	if err := svc.Ingest(mbotest.Events(1, 100, 105, 110, 260)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := svc.IngestSingle(mbotest.Event(1, 150)); err != nil {
		t.Fatalf("late Ingest: %v", err)
	}

	// In memory: chunk rows and the late row merged by timestamp.
	got := mbotest.Timestamps(svc.Collect(1, 0, 400))
	if want := []uint64{100, 105, 110, 150, 260}; !slices.Equal(got, want) {
		t.Fatalf("Collect = %v, want %v", got, want)
	}

	waitFor(t, "chunk flush", func() bool { return svc.Stats().Flush.ChunksFlushed == 1 })

	flushed, err := svc.QueryFlushed(ctx, 1, 0, 300)
	if err != nil {
		t.Fatalf("QueryFlushed: %v", err)
	}
	if got, want := mbotest.Timestamps(flushed), []uint64{100, 105, 110}; !slices.Equal(got, want) {
		t.Errorf("flushed before reconcile = %v, want %v", got, want)
	}

	n, err := svc.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 1 {
		t.Errorf("Reconcile scheduled %d buckets, want 1", n)
	}
	waitFor(t, "reconcile", func() bool { return svc.Stats().Flush.BucketsMerged == 1 })

	flushed, err = svc.QueryFlushed(ctx, 1, 0, 300)
	if err != nil {
		t.Fatalf("QueryFlushed: %v", err)
	}
	if got, want := mbotest.Timestamps(flushed), []uint64{100, 105, 110, 150}; !slices.Equal(got, want) {
		t.Errorf("flushed after reconcile = %v, want %v", got, want)
	}
	for _, r := range flushed {
		if r.Late != (r.TsEvent == 150) {
			t.Errorf("flushed row %d: Late = %v", r.TsEvent, r.Late)
		}
	}

	// Nothing changed since the last reconcile.
	if n, _ := svc.Reconcile(); n != 0 {
		t.Errorf("second Reconcile scheduled %d buckets, want 0", n)
	}

	var summaries []types.BucketSummary
	waitFor(t, "summary flush", func() bool {
		summaries, err = svc.QuerySummaries(ctx, 1)
		return err == nil && len(summaries) == 1
	})
	s := summaries[0]
	if s.BucketID != 1 || s.Events != 3 || !s.Final {
		t.Errorf("summary = %+v, want bucket 1 with 3 final events", s)
	}
	if !s.HasPercentiles() {
		t.Error("summary should carry percentiles")
	}
}

func TestIntegration_MultipleInstruments(t *testing.T) {
	svc := startService(t, integrationConfig(t.TempDir()))

	for inst := uint32(1); inst <= 3; inst++ {
		events := mbotest.Shuffle(mbotest.RandomEvents(inst, 200, 1000, int64(inst)), int64(inst))
		if err := svc.Ingest(events); err != nil {
			t.Fatalf("Ingest instrument %d: %v", inst, err)
		}
	}

	total := 0
	for inst := uint32(1); inst <= 3; inst++ {
		rows := svc.Collect(inst, 0, ^uint64(0))
		if len(rows) != 200 {
			t.Errorf("instrument %d: %d rows, want 200", inst, len(rows))
		}
		for _, r := range rows {
			if r.InstrumentID != inst {
				t.Fatalf("instrument %d returned a row of %d", inst, r.InstrumentID)
			}
		}
		// Rows are ordered within each bucket.
		for i := 1; i < len(rows); i++ {
			bi := svc.Bucketing().BucketID(rows[i].TsEvent)
			if bi == svc.Bucketing().BucketID(rows[i-1].TsEvent) && rows[i].TsEvent < rows[i-1].TsEvent {
				t.Fatalf("instrument %d: rows out of order at %d", inst, i)
			}
		}
		total += len(rows)
	}

	if got := svc.Stats().Partitions.Rows + svc.Stats().Deltas.Pending; got != total {
		t.Errorf("chunk rows + late events = %d, want %d", got, total)
	}
}

func TestIntegration_Prune(t *testing.T) {
	svc := startService(t, integrationConfig(t.TempDir()))

	if err := svc.Ingest(mbotest.Events(1, 100, 1300, 2200)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	// Buckets 1 and 13 are sealed and flushed; bucket 22 is open.
	waitFor(t, "flush", func() bool { return svc.Stats().Flush.ChunksFlushed == 2 })

	dry := svc.DryRunPrune()
	results := svc.Prune()
	if len(results) != len(dry) {
		t.Fatalf("Prune returned %d results, dry run %d", len(results), len(dry))
	}

	var chunks retention.CleanupResult
	for _, r := range results {
		if r.Area == retention.AreaChunks {
			chunks = r
		}
	}
	// Cutoff 1200 expires bucket 1 (end 200) only.
	if chunks.Cutoff != 1200 || chunks.FilesDeleted != 1 {
		t.Errorf("chunks cleanup = %+v, want cutoff 1200 and 1 file", chunks)
	}
	if got := svc.Stats().Aggregates.Evicted; got != 1 {
		t.Errorf("evicted aggregates = %d, want 1", got)
	}

	// The partition itself stays queryable in memory.
	if got := mbotest.Timestamps(svc.Collect(1, 0, 200)); !slices.Equal(got, []uint64{100}) {
		t.Errorf("Collect after prune = %v", got)
	}
}

func TestIntegration_WALReplay(t *testing.T) {
	dataDir := t.TempDir()

	cfg := integrationConfig(dataDir)
	cfg.Ingestion.WAL.Enabled = true
	cfg.Ingestion.WAL.SyncMode = "sync"
	cfg.Ingestion.BatchSize = 7

	events := mbotest.Shuffle(mbotest.RandomEvents(1, 100, 1000, 7), 7)

	first, err := storage.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := first.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := first.Ingest(events); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	want := first.Collect(1, 0, ^uint64(0))
	wantStats := first.Stats().Partitions
	if err := first.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	second := startService(t, integrationConfig(dataDir))
	// The second service keeps its WAL off; replay needs it on.
	if _, err := second.Replay(); err == nil {
		t.Error("Replay without WAL should fail")
	}

	replayCfg := integrationConfig(dataDir)
	replayCfg.Ingestion.WAL.Enabled = true
	replayCfg.Ingestion.WAL.SyncMode = "sync"
	third := startService(t, replayCfg)

	n, err := third.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != len(events) {
		t.Errorf("replayed %d events, want %d", n, len(events))
	}

	got := third.Collect(1, 0, ^uint64(0))
	if !slices.Equal(got, want) {
		t.Errorf("replayed rows differ: got %d rows, want %d", len(got), len(want))
	}

	gotStats := third.Stats().Partitions
	if gotStats.Sealed != wantStats.Sealed || gotStats.HighWater != wantStats.HighWater {
		t.Errorf("replayed table sealed=%d hw=%d, want sealed=%d hw=%d",
			gotStats.Sealed, gotStats.HighWater, wantStats.Sealed, wantStats.HighWater)
	}
}

func TestIntegration_QuerySQL(t *testing.T) {
	svc := startService(t, integrationConfig(t.TempDir()))

	results, err := svc.QuerySQL(context.Background(), "SELECT 42 AS answer")
	if err != nil {
		t.Fatalf("QuerySQL: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 row, got %d", len(results))
	}
}

func TestIntegration_DiskUsage(t *testing.T) {
	svc := startService(t, integrationConfig(t.TempDir()))

	if err := svc.Ingest(mbotest.Events(1, 100, 300)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	waitFor(t, "flush", func() bool { return svc.Stats().Flush.ChunksFlushed == 1 })

	usage := svc.GetDiskUsage()
	if usage[retention.AreaChunks].FileCount != 1 {
		t.Errorf("chunk files = %d, want 1", usage[retention.AreaChunks].FileCount)
	}
}
