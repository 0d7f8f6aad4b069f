package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/xtxerr/mbostore/internal/storage"
	"github.com/xtxerr/mbostore/internal/storage/config"
)

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Partition.BucketWidth = 100
	cfg.Partition.GracePeriod = 50
	cfg.Flush.Enabled = false

	svc, err := storage.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })

	var out bytes.Buffer
	return newShell(context.Background(), svc, &out), &out
}

func TestShell_Commands(t *testing.T) {
	sh, out := newTestShell(t)

	tests := []struct {
		line string
		want string
	}{
		{"add 1 100 add bid 5000 10", "chunk 1/1"},
		{"add 1 120 A S 5001 5 7", "chunk 1/1"},
		{"advance 260", "sealed 1/1 rows=2"},
		{"add 1 150 cancel bid 5000 10", "late 1/1"},
		{"state 1 1", "1/1 sealed"},
		{"query 1 0 300", "(3 rows)"},
		{"summary 1 1", "1/1"},
		{"stats", "high_water"},
		{"help", "advance <high_water>"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			out.Reset()
			if err := sh.exec(tt.line); err != nil {
				t.Fatalf("exec: %v", err)
			}
			if !strings.Contains(out.String(), tt.want) {
				t.Errorf("output %q does not contain %q", out.String(), tt.want)
			}
		})
	}
}

func TestShell_Errors(t *testing.T) {
	sh, _ := newTestShell(t)

	tests := []struct {
		line string
		want string
	}{
		{"bogus", "unknown command"},
		{"add 1 100", "usage: add"},
		{"add x 100 add bid 1 1", "invalid number"},
		{"add 1 100 hold bid 1 1", "unknown action"},
		{"state 1 9", "no partition"},
		{"flush", "not running"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			err := sh.exec(tt.line)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("exec(%q) = %v, want error containing %q", tt.line, err, tt.want)
			}
		})
	}
}

func TestShell_ExitAndComments(t *testing.T) {
	sh, out := newTestShell(t)

	for _, line := range []string{"", "   ", "# comment"} {
		if err := sh.exec(line); err != nil {
			t.Errorf("exec(%q): %v", line, err)
		}
	}
	if out.Len() != 0 {
		t.Errorf("unexpected output %q", out.String())
	}

	sh.run("quit")
	if !sh.done() {
		t.Error("quit should end the shell")
	}
}
