package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func captureJSON(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	InitWithHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestComponent(t *testing.T) {
	buf := captureJSON(t)

	Component("partition").Info("partition sealed", "rows", 3)

	entry := decodeLine(t, buf)
	if entry["component"] != "partition" {
		t.Errorf("expected component=partition, got %v", entry["component"])
	}
	if entry["msg"] != "partition sealed" {
		t.Errorf("unexpected msg: %v", entry["msg"])
	}
}

func TestWithContext(t *testing.T) {
	buf := captureJSON(t)

	ctx := ContextWithPartition(context.Background(), 42, 7)
	ctx = ContextWithJobID(ctx, 9)
	WithContext(ctx).Warn("flush retried")

	entry := decodeLine(t, buf)
	if entry["instrument"] != float64(42) {
		t.Errorf("expected instrument=42, got %v", entry["instrument"])
	}
	if entry["bucket"] != float64(7) {
		t.Errorf("expected bucket=7, got %v", entry["bucket"])
	}
	if entry["job_id"] != float64(9) {
		t.Errorf("expected job_id=9, got %v", entry["job_id"])
	}
}
