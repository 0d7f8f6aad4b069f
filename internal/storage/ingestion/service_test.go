package ingestion

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/mbostore/internal/errors"
	"github.com/xtxerr/mbostore/internal/storage/aggregate"
	"github.com/xtxerr/mbostore/internal/storage/chunk"
	"github.com/xtxerr/mbostore/internal/storage/config"
	"github.com/xtxerr/mbostore/internal/storage/delta"
	"github.com/xtxerr/mbostore/internal/storage/partition"
	"github.com/xtxerr/mbostore/internal/storage/types"
	"github.com/xtxerr/mbostore/internal/storage/wal"
	mbotest "github.com/xtxerr/mbostore/internal/testing"
)

var testBucketing = types.Bucketing{Width: 100, Grace: 50}

// recordingSink records what the service hands over.
type recordingSink struct {
	mu        sync.Mutex
	flushed   []types.BucketKey
	summaries []types.BucketSummary
	err       error
}

func (r *recordingSink) Flush(key types.BucketKey, c *chunk.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if !c.Sealed() {
		return fmt.Errorf("chunk %s not sealed", key)
	}
	r.flushed = append(r.flushed, key)
	return nil
}

func (r *recordingSink) FlushSummaries(summaries []types.BucketSummary, _ uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.summaries = append(r.summaries, summaries...)
	return nil
}

func (r *recordingSink) snapshot() ([]types.BucketKey, []types.BucketSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.BucketKey(nil), r.flushed...), append([]types.BucketSummary(nil), r.summaries...)
}

func newTable() *partition.Table {
	return partition.New(testBucketing, 16, delta.NewStore())
}

func newService(t *testing.T, cfg *config.Config, sink Sink) *Service {
	t.Helper()

	if cfg == nil {
		cfg = config.DefaultConfig()
		cfg.DataDir = t.TempDir()
	}

	tbl := newTable()
	svc, err := New(cfg, tbl, aggregate.NewManager(tbl.Bucketing(), 0), sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func TestService_New(t *testing.T) {
	if _, err := New(config.DefaultConfig(), nil, nil, nil); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("expected ErrMissingField, got %v", err)
	}

	svc := newService(t, nil, nil)
	if svc.IsRunning() {
		t.Error("service should not be running before Start()")
	}
	if svc.WAL() != nil {
		t.Error("WAL should be disabled by default")
	}
}

func TestService_StartStop(t *testing.T) {
	svc := newService(t, nil, nil)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !svc.IsRunning() {
		t.Error("service should be running after Start()")
	}

	if err := svc.Start(); !errors.Is(err, errors.ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if svc.IsRunning() {
		t.Error("service should not be running after Stop()")
	}
}

func TestService_IngestWhenNotRunning(t *testing.T) {
	svc := newService(t, nil, nil)

	err := svc.Ingest(mbotest.Events(1, 100))
	if !errors.Is(err, errors.ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestService_EmptyIngest(t *testing.T) {
	svc := newService(t, nil, nil)
	svc.Start()
	defer svc.Stop()

	if err := svc.Ingest(nil); err != nil {
		t.Errorf("empty ingest should succeed: %v", err)
	}
	if svc.Stats().BatchesProcessed != 0 {
		t.Error("empty ingest should not count as a batch")
	}
}

func TestService_SealAndLateEvent(t *testing.T) {
	sink := &recordingSink{}
	svc := newService(t, nil, sink)
	svc.Start()
	defer svc.Stop()

	// 260 advances the clock past 1/1's deadline (250); 150 is then late.
	if err := svc.Ingest(mbotest.Events(1, 100, 105, 260, 150)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	stats := svc.Stats()
	if stats.EventsToChunk != 3 || stats.EventsLate != 1 {
		t.Errorf("expected 3 chunk and 1 late event, got %d and %d", stats.EventsToChunk, stats.EventsLate)
	}
	if stats.SealsHandled != 1 || stats.FlushesQueued != 1 {
		t.Errorf("expected 1 seal and 1 flush, got %d and %d", stats.SealsHandled, stats.FlushesQueued)
	}
	if stats.HighWater != 260 {
		t.Errorf("expected high water 260, got %d", stats.HighWater)
	}

	flushed, _ := sink.snapshot()
	if len(flushed) != 1 || flushed[0] != (types.BucketKey{InstrumentID: 1, BucketID: 1}) {
		t.Errorf("expected flush of 1/1, got %v", flushed)
	}

	err := mbotest.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		_, summaries := sink.snapshot()
		return len(summaries) == 1
	})
	if err != nil {
		t.Fatalf("summary not flushed: %v", err)
	}

	_, summaries := sink.snapshot()
	if summaries[0].Events != 2 || !summaries[0].Final {
		t.Errorf("unexpected final summary %+v", summaries[0])
	}

	// The live summary keeps counting the late event.
	live, _ := svc.AggregateManager().Summary(types.BucketKey{InstrumentID: 1, BucketID: 1})
	if live.Events != 3 || live.Late != 1 {
		t.Errorf("expected 3 events with 1 late, got %d/%d", live.Events, live.Late)
	}
}

func TestService_AdvanceClock(t *testing.T) {
	sink := &recordingSink{}
	svc := newService(t, nil, sink)
	svc.Start()
	defer svc.Stop()

	svc.Ingest(mbotest.Events(1, 10, 20))
	svc.Ingest(mbotest.Events(2, 30))

	notices := svc.AdvanceClock(150)
	if len(notices) != 2 {
		t.Fatalf("expected 2 seals, got %d", len(notices))
	}

	// Clock never moves back
	if notices := svc.AdvanceClock(10); len(notices) != 0 {
		t.Errorf("expected no seals, got %d", len(notices))
	}

	flushed, _ := sink.snapshot()
	if len(flushed) != 2 {
		t.Errorf("expected 2 flushes, got %v", flushed)
	}
}

func TestService_SinkErrors(t *testing.T) {
	sink := &recordingSink{err: errors.ErrQueueFull}
	svc := newService(t, nil, sink)
	svc.Start()

	if err := svc.Ingest(mbotest.Events(1, 10, 200)); err != nil {
		t.Fatalf("sink errors must not fail ingestion: %v", err)
	}
	svc.Stop()

	if got := svc.Stats().FlushErrors; got < 1 {
		t.Errorf("expected flush errors, got %d", got)
	}
}

func TestService_ReplayReproducesRouting(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Ingestion.WAL.Enabled = true
	cfg.Ingestion.WAL.SyncMode = "sync"
	cfg.Ingestion.BatchSize = 3

	events := mbotest.Shuffle(mbotest.RandomEvents(1, 500, 0, 7), 11)
	events = append(events, mbotest.RandomEvents(2, 200, 100, 8)...)

	original := newService(t, cfg, nil)
	original.Start()
	for i := 0; i < len(events); i += 50 {
		if err := original.Ingest(events[i:min(i+50, len(events))]); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	if err := original.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	paths, err := wal.ListSegments(cfg.WALDir())
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}

	replayCfg := *cfg
	replayCfg.Ingestion.WAL.Enabled = false
	replayed := newService(t, &replayCfg, nil)

	n, err := replayed.Replay(paths)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != len(events) {
		t.Fatalf("expected %d events replayed, got %d", len(events), n)
	}

	want, got := original.Table().Stats(), replayed.Table().Stats()
	if want.Appended != got.Appended || want.Redirected != got.Redirected {
		t.Errorf("routing differs: original %d/%d, replay %d/%d",
			want.Appended, want.Redirected, got.Appended, got.Redirected)
	}
	if want.HighWater != got.HighWater || want.Partitions != got.Partitions || want.Sealed != got.Sealed {
		t.Errorf("table state differs: %+v vs %+v", want, got)
	}
	if replayed.Stats().EventsReplayed != int64(len(events)) {
		t.Errorf("unexpected replay count %d", replayed.Stats().EventsReplayed)
	}
}

func TestService_ReplayDirSkipsCurrentSegment(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Ingestion.WAL.Enabled = true

	first := newService(t, cfg, nil)
	first.Start()
	first.Ingest(mbotest.Events(1, 100, 105, 300))
	first.Stop()

	second := newService(t, cfg, nil)
	n, err := second.ReplayDir()
	if err != nil {
		t.Fatalf("ReplayDir: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 events, got %d", n)
	}
	second.Start()
	second.Stop()
}

func TestSplit(t *testing.T) {
	events := mbotest.Events(1, 1, 2, 3, 4, 5, 6, 7)

	tests := []struct {
		size     int
		expected []int
	}{
		{0, []int{7}},
		{10, []int{7}},
		{7, []int{7}},
		{3, []int{3, 3, 1}},
		{1, []int{1, 1, 1, 1, 1, 1, 1}},
	}

	for _, tt := range tests {
		batches := split(events, tt.size)
		var sizes []int
		for _, b := range batches {
			sizes = append(sizes, len(b))
		}
		if fmt.Sprint(sizes) != fmt.Sprint(tt.expected) {
			t.Errorf("split(%d): expected %v, got %v", tt.size, tt.expected, sizes)
		}
	}
}

func BenchmarkService_Ingest(b *testing.B) {
	cfg := config.DefaultConfig()
	cfg.DataDir = b.TempDir()

	tbl := newTable()
	svc, err := New(cfg, tbl, nil, nil)
	if err != nil {
		b.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		b.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	batch := make([]types.MboEvent, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := range batch {
			batch[j] = mbotest.Event(1, uint64(i*100+j))
		}
		svc.Ingest(batch)
	}
}
