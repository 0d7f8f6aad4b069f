package wal

import (
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/mbostore/internal/errors"
	"github.com/xtxerr/mbostore/internal/storage/types"
	mbotest "github.com/xtxerr/mbostore/internal/testing"
)

func TestEncodeDecode(t *testing.T) {
	events := []types.MboEvent{
		{
			InstrumentID: 7,
			TsEvent:      1700000000123456789,
			OrderID:      1<<63 + 5,
			Price:        4294967295,
			Size:         100,
			Flags:        0x82,
			Action:       types.ActionExecute,
			Side:         types.SideAsk,
		},
		{
			InstrumentID: 0,
			TsEvent:      0,
			Action:       types.ActionAdd,
			Side:         types.SideBid,
		},
	}

	data, err := encodeEvents(events)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := decodeEvents(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(decoded) != len(events) {
		t.Fatalf("expected %d events, got %d", len(events), len(decoded))
	}

	for i := range events {
		if decoded[i] != events[i] {
			t.Errorf("event %d: expected %+v, got %+v", i, events[i], decoded[i])
		}
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	ev := mbotest.Event(3, 42)

	var msg []byte
	msg = appendEvent(msg, &ev)
	msg = protowire.AppendTag(msg, 99, protowire.BytesType)
	msg = protowire.AppendBytes(msg, []byte("future"))

	var data []byte
	data = protowire.AppendTag(data, 15, protowire.VarintType)
	data = protowire.AppendVarint(data, 1)
	data = protowire.AppendTag(data, fieldBatchEvents, protowire.BytesType)
	data = protowire.AppendBytes(data, msg)

	decoded, err := decodeEvents(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 1 || decoded[0] != ev {
		t.Errorf("expected [%+v], got %+v", ev, decoded)
	}
}

func TestDecodeCorrupt(t *testing.T) {
	data, _ := encodeEvents(mbotest.Events(1, 1, 2))

	_, err := decodeEvents(data[:len(data)-3])
	if !errors.Is(err, errors.ErrCorruptRecord) {
		t.Errorf("expected ErrCorruptRecord, got %v", err)
	}
}

func TestWriter_Basic(t *testing.T) {
	tmpDir := t.TempDir()

	w, err := NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	if err := w.Write(mbotest.Events(1, 100, 101)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Empty batches are not recorded
	if err := w.Write(nil); err != nil {
		t.Fatalf("Write(nil): %v", err)
	}

	stats := w.Stats()
	if stats.RecordsWritten != 1 {
		t.Errorf("expected 1 record written, got %d", stats.RecordsWritten)
	}
	if stats.EventsWritten != 2 {
		t.Errorf("expected 2 events written, got %d", stats.EventsWritten)
	}

	// Sync and close
	if err := w.Sync(); err != nil {
		t.Errorf("Sync: %v", err)
	}
}

func TestWriter_Rotation(t *testing.T) {
	tmpDir := t.TempDir()

	opts := DefaultOptions()
	opts.MaxSegmentSize = 1024 // Small segment for testing

	w, err := NewWriter(tmpDir, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	// Write many records to trigger rotation
	for i := 0; i < 100; i++ {
		if err := w.Write(mbotest.Events(1, uint64(i))); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	segments, err := w.ListSegments()
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}

	if len(segments) < 2 {
		t.Errorf("expected at least 2 segments due to rotation, got %d", len(segments))
	}

	stats := w.Stats()
	if stats.SegmentsCreated < 2 {
		t.Errorf("expected at least 2 segments created, got %d", stats.SegmentsCreated)
	}
}

func TestReader_Basic(t *testing.T) {
	tmpDir := t.TempDir()

	w, err := NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	written := mbotest.RandomEvents(5, 3, 1000, 1)
	if err := w.Write(written); err != nil {
		t.Fatalf("Write: %v", err)
	}

	segmentPath := w.CurrentSegment()
	w.Close()

	r, err := NewReader(segmentPath)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	read, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	if len(read) != len(written) {
		t.Fatalf("expected %d events, got %d", len(written), len(read))
	}

	for i := range written {
		if read[i] != written[i] {
			t.Errorf("event %d mismatch: %+v vs %+v", i, read[i], written[i])
		}
	}

	if r.Stats().RecordsRead != 1 || r.Stats().EventsRead != 3 {
		t.Errorf("unexpected reader stats: %+v", r.Stats())
	}
}

func TestReader_TruncatedTail(t *testing.T) {
	tmpDir := t.TempDir()

	w, err := NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := w.Write(mbotest.Events(1, uint64(i))); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	segmentPath := w.CurrentSegment()
	w.Close()

	// Simulate a crash mid-record
	info, err := os.Stat(segmentPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(segmentPath, info.Size()-4); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(segmentPath)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	events, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(events) != 4 {
		t.Errorf("expected 4 intact events, got %d", len(events))
	}
	if r.Stats().CorruptRecords != 1 {
		t.Errorf("expected 1 corrupt record, got %d", r.Stats().CorruptRecords)
	}
}

func TestReadAllSegments(t *testing.T) {
	tmpDir := t.TempDir()

	opts := DefaultOptions()
	opts.MaxSegmentSize = 512 // Small for quick rotation

	w, err := NewWriter(tmpDir, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	// Write enough to create multiple segments
	for i := 0; i < 50; i++ {
		if err := w.Write(mbotest.Events(1, uint64(i))); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	w.Close()

	segments, err := ListSegments(tmpDir)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}

	all, err := ReadAllSegments(segments)
	if err != nil {
		t.Fatalf("ReadAllSegments: %v", err)
	}

	if len(all) != 50 {
		t.Fatalf("expected 50 events, got %d", len(all))
	}
	for i := range all {
		if all[i].TsEvent != uint64(i) {
			t.Fatalf("event %d out of order: ts %d", i, all[i].TsEvent)
		}
	}
}

func TestListSegments_MissingDir(t *testing.T) {
	segments, err := ListSegments(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segments) != 0 {
		t.Errorf("expected no segments, got %v", segments)
	}
}

func TestIterator(t *testing.T) {
	tmpDir := t.TempDir()

	w, err := NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	// Write multiple records with more than one event each
	for i := 0; i < 5; i++ {
		if err := w.Write(mbotest.Events(1, uint64(2*i), uint64(2*i+1))); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	segmentPath := w.CurrentSegment()
	w.Close()

	it, err := NewIterator(segmentPath)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	count := 0
	for it.Next() {
		ev := it.Event()
		if ev.TsEvent != uint64(count) {
			t.Errorf("expected ts=%d, got %d", count, ev.TsEvent)
		}
		count++
	}

	if err := it.Err(); err != nil {
		t.Errorf("iterator error: %v", err)
	}

	if count != 10 {
		t.Errorf("expected 10 events, got %d", count)
	}
}

func TestWriter_DeleteSegments(t *testing.T) {
	tmpDir := t.TempDir()

	opts := DefaultOptions()
	opts.MaxSegmentSize = 256

	w, err := NewWriter(tmpDir, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	// Write to create multiple segments
	for i := 0; i < 50; i++ {
		if err := w.Write(mbotest.Events(1, uint64(i))); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	segments, err := w.ListSegments()
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}

	initialCount := len(segments)
	if initialCount < 3 {
		t.Fatalf("expected at least 3 segments, got %d", initialCount)
	}

	// Segments are numbered from 0
	deleted, err := w.DeleteSegmentsBefore(2)
	if err != nil {
		t.Fatalf("DeleteSegmentsBefore: %v", err)
	}

	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}

	remainingSegments, _ := w.ListSegments()
	if len(remainingSegments) != initialCount-2 {
		t.Errorf("expected %d remaining, got %d", initialCount-2, len(remainingSegments))
	}

	if err := w.DeleteSegment(w.CurrentSegment()); err == nil {
		t.Error("deleting the current segment should fail")
	}
}

func TestWriter_Recovery(t *testing.T) {
	tmpDir := t.TempDir()

	// Write some data
	{
		w, err := NewWriter(tmpDir, DefaultOptions())
		if err != nil {
			t.Fatalf("NewWriter: %v", err)
		}

		for i := 0; i < 10; i++ {
			if err := w.Write(mbotest.Events(1, uint64(i))); err != nil {
				t.Fatalf("Write %d: %v", i, err)
			}
		}

		w.Sync()
		w.Close()
	}

	// Re-open (recovery scenario)
	{
		w, err := NewWriter(tmpDir, DefaultOptions())
		if err != nil {
			t.Fatalf("NewWriter after recovery: %v", err)
		}
		defer w.Close()

		// Should create new segment
		segments, _ := w.ListSegments()
		if len(segments) != 2 {
			t.Errorf("expected 2 segments after recovery, got %d", len(segments))
		}

		if err := w.Write(mbotest.Events(1, 100)); err != nil {
			t.Fatalf("Write after recovery: %v", err)
		}
		w.Sync()
	}

	segments, err := ListSegments(tmpDir)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}

	all, err := ReadAllSegments(segments)
	if err != nil {
		t.Fatalf("ReadAllSegments: %v", err)
	}

	if len(all) != 11 {
		t.Errorf("expected 11 events total, got %d", len(all))
	}
}

func TestReader_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	invalidPath := filepath.Join(tmpDir, "invalid.wal")

	// Create invalid file
	if err := os.WriteFile(invalidPath, []byte("invalid content"), 0644); err != nil {
		t.Fatalf("write invalid file: %v", err)
	}

	_, err := NewReader(invalidPath)
	if err == nil {
		t.Error("expected error for invalid file")
	}
}

func BenchmarkWriter_Write(b *testing.B) {
	tmpDir := b.TempDir()

	w, err := NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		b.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	events := mbotest.RandomEvents(1, 1024, 0, 1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := w.Write(events); err != nil {
			b.Fatalf("Write: %v", err)
		}
	}
}

func BenchmarkReader_ReadAll(b *testing.B) {
	tmpDir := b.TempDir()

	// Write test data
	w, err := NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		b.Fatalf("NewWriter: %v", err)
	}

	for i := 0; i < 1000; i++ {
		if err := w.Write(mbotest.RandomEvents(1, 16, uint64(i*16), int64(i))); err != nil {
			b.Fatalf("Write: %v", err)
		}
	}

	segmentPath := w.CurrentSegment()
	w.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r, _ := NewReader(segmentPath)
		r.ReadAll()
		r.Close()
	}
}
