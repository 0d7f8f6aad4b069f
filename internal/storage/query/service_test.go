package query

import (
	"context"
	"path/filepath"
	"slices"
	"testing"

	"github.com/xtxerr/mbostore/internal/storage/config"
	"github.com/xtxerr/mbostore/internal/storage/parquet"
	"github.com/xtxerr/mbostore/internal/storage/types"
	mbotest "github.com/xtxerr/mbostore/internal/testing"
)

// staticFiles returns the same files for every bucket range.
type staticFiles []string

func (f staticFiles) Files(uint32, uint64, uint64) ([]string, error) {
	return f, nil
}

func newTestSQLService(t *testing.T, files FileLocator) *SQLService {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()

	svc, err := NewSQLService(cfg, types.Bucketing{Width: 100, Grace: 50}, files)
	if err != nil {
		t.Fatalf("NewSQLService: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func writeRows(t *testing.T, path string, rows []types.Row) {
	t.Helper()

	w, err := parquet.NewEventWriter(path, parquet.DefaultOptions())
	if err != nil {
		t.Fatalf("NewEventWriter: %v", err)
	}
	if err := w.Write(parquet.RowsToEventRows(rows)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func rowsOf(instrument uint32, late bool, ts ...uint64) []types.Row {
	events := mbotest.Events(instrument, ts...)
	rows := make([]types.Row, len(events))
	for i := range events {
		rows[i] = types.RowFromEvent(&events[i], late)
	}
	return rows
}

func TestSQLService_New(t *testing.T) {
	svc := newTestSQLService(t, nil)
	if svc == nil {
		t.Fatal("service is nil")
	}
}

func TestSQLService_ExecuteSQL(t *testing.T) {
	svc := newTestSQLService(t, nil)

	results, err := svc.ExecuteSQL(context.Background(), "SELECT 1 AS value")
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	stats := svc.Stats()
	if stats.QueriesExecuted != 1 {
		t.Errorf("expected 1 query executed, got %d", stats.QueriesExecuted)
	}
}

func TestSQLService_ExecuteSQLError(t *testing.T) {
	svc := newTestSQLService(t, nil)

	if _, err := svc.ExecuteSQL(context.Background(), "SELEC nonsense"); err == nil {
		t.Fatal("expected error")
	}
	if svc.Stats().Errors != 1 {
		t.Errorf("expected 1 error, got %d", svc.Stats().Errors)
	}
}

func TestSQLService_QueryFlushed(t *testing.T) {
	dir := t.TempDir()
	bucket1 := filepath.Join(dir, "1.reconciled.parquet")
	bucket2 := filepath.Join(dir, "2.parquet")

	// bucket 1: two chunk rows and a late row merged by timestamp
	merged := append(rowsOf(1, false, 100, 105), rowsOf(1, true, 150)...)
	writeRows(t, bucket1, merged)
	writeRows(t, bucket2, rowsOf(1, false, 230, 210))

	svc := newTestSQLService(t, staticFiles{bucket1, bucket2})

	tests := []struct {
		name       string
		start, end uint64
		expected   []uint64
	}{
		{"all", 0, 1000, []uint64{100, 105, 150, 210, 230}},
		{"half open", 105, 210, []uint64{105, 150}},
		{"empty range", 300, 300, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := svc.QueryFlushed(context.Background(), 1, tt.start, tt.end)
			if err != nil {
				t.Fatalf("QueryFlushed: %v", err)
			}
			if got := mbotest.Timestamps(rows); !slices.Equal(got, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}

	rows, _ := svc.QueryFlushed(context.Background(), 1, 0, 200)
	if len(rows) != 3 || !rows[2].Late || rows[0].Late {
		t.Errorf("late flags not preserved: %+v", rows)
	}
	if rows[0].OrderID != 1100 || rows[0].Price != 5000 || rows[0].Size != 10 {
		t.Errorf("unexpected row contents: %+v", rows[0])
	}

	// Other instruments see nothing
	other, err := svc.QueryFlushed(context.Background(), 2, 0, 1000)
	if err != nil {
		t.Fatalf("QueryFlushed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no rows for instrument 2, got %d", len(other))
	}
}

func TestSQLService_QueryFlushedNoFiles(t *testing.T) {
	svc := newTestSQLService(t, staticFiles{})

	rows, err := svc.QueryFlushed(context.Background(), 1, 0, 1000)
	if err != nil {
		t.Fatalf("QueryFlushed: %v", err)
	}
	if rows != nil {
		t.Errorf("expected nil, got %v", rows)
	}
}

func TestSQLService_MaxRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.parquet")
	writeRows(t, path, rowsOf(1, false, 100, 101, 102, 103))

	svc := newTestSQLService(t, staticFiles{path})
	svc.config.Query.MaxRows = 2

	rows, err := svc.QueryFlushed(context.Background(), 1, 0, 200)
	if err != nil {
		t.Fatalf("QueryFlushed: %v", err)
	}
	if got := mbotest.Timestamps(rows); !slices.Equal(got, []uint64{100, 101}) {
		t.Errorf("expected [100 101], got %v", got)
	}
}

func TestSQLService_QuerySummaries(t *testing.T) {
	svc := newTestSQLService(t, nil)

	write := func(name string, summaries ...types.BucketSummary) {
		w, err := parquet.NewSummaryWriter(filepath.Join(svc.config.SummaryDir(), name), parquet.DefaultOptions())
		if err != nil {
			t.Fatalf("NewSummaryWriter: %v", err)
		}
		if err := w.Write(summaries); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	// No files yet
	got, err := svc.QuerySummaries(context.Background(), 1)
	if err != nil || got != nil {
		t.Fatalf("expected no summaries, got %v (%v)", got, err)
	}

	s := types.BucketSummary{InstrumentID: 1, BucketID: 3, Events: 2, Final: true}
	s.SetPercentiles(10, 20, 30)
	write("00000000000000000400-000001.parquet", s,
		types.BucketSummary{InstrumentID: 2, BucketID: 3, Events: 9})

	// A later file supersedes the same bucket
	s.Events = 3
	write("00000000000000000500-000002.parquet", s,
		types.BucketSummary{InstrumentID: 1, BucketID: 1, Events: 1})

	got, err = svc.QuerySummaries(context.Background(), 1)
	if err != nil {
		t.Fatalf("QuerySummaries: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(got))
	}
	if got[0].BucketID != 1 || got[1].BucketID != 3 {
		t.Errorf("expected buckets [1 3], got [%d %d]", got[0].BucketID, got[1].BucketID)
	}
	if got[1].Events != 3 || !got[1].Final || !got[1].HasPercentiles() {
		t.Errorf("unexpected latest summary %+v", got[1])
	}
}

func TestFileList(t *testing.T) {
	got := fileList([]string{"/a/1.parquet", "/b/it's.parquet"})
	expected := "['/a/1.parquet', '/b/it''s.parquet']"
	if got != expected {
		t.Errorf("expected %s, got %s", expected, got)
	}
}
