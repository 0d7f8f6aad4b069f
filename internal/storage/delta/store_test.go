package delta

import (
	"fmt"
	"testing"

	"github.com/xtxerr/mbostore/internal/storage/types"
	mbotest "github.com/xtxerr/mbostore/internal/testing"
)

func TestStore_InsertAndTake(t *testing.T) {
	s := NewStore()
	key := types.BucketKey{InstrumentID: 1, BucketID: 1}

	if got := s.TakeForBucket(key); got != nil {
		t.Errorf("expected nil for unknown key, got %v", got)
	}

	for _, ts := range []uint64{150, 120, 180} {
		s.Insert(key, mbotest.Event(1, ts))
	}

	got := s.TakeForBucket(key)
	want := []uint64{150, 120, 180}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].TsEvent != want[i] {
			t.Errorf("event %d: expected ts %d (arrival order), got %d", i, want[i], got[i].TsEvent)
		}
	}

	// Non-destructive
	if s.Len(key) != 3 {
		t.Errorf("expected 3 events after take, got %d", s.Len(key))
	}

	// The returned slice is a copy
	got[0].TsEvent = 0
	if s.TakeForBucket(key)[0].TsEvent != 150 {
		t.Error("TakeForBucket must not expose internal storage")
	}
}

func TestStore_NoDedup(t *testing.T) {
	s := NewStore()
	key := types.BucketKey{InstrumentID: 1, BucketID: 2}
	ev := mbotest.Event(1, 250)

	s.Insert(key, ev)
	s.Insert(key, ev)

	if s.Len(key) != 2 {
		t.Errorf("expected both copies retained, got %d", s.Len(key))
	}
}

func TestStore_Scan(t *testing.T) {
	s := NewStore()
	key := types.BucketKey{InstrumentID: 1, BucketID: 1}
	for _, ev := range mbotest.Events(1, 190, 110, 150, 100) {
		s.Insert(key, ev)
	}

	var got []uint64
	s.Scan(key, 110, 190, func(ev types.MboEvent) bool {
		got = append(got, ev.TsEvent)
		return true
	})
	if fmt.Sprint(got) != "[110 150]" {
		t.Errorf("expected [110 150], got %v", got)
	}

	var n int
	s.Scan(key, 0, 1000, func(types.MboEvent) bool {
		n++
		return false
	})
	if n != 1 {
		t.Errorf("expected early stop after 1, got %d", n)
	}
}

func TestStore_Drain(t *testing.T) {
	s := NewStore()
	key := types.BucketKey{InstrumentID: 4, BucketID: 9}
	s.Insert(key, mbotest.Event(4, 900))
	s.Insert(key, mbotest.Event(4, 901))

	drained := s.Drain(key)
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained, got %d", len(drained))
	}
	if s.Len(key) != 0 || len(s.Keys()) != 0 {
		t.Error("drained key should be gone")
	}
	if s.Drain(key) != nil {
		t.Error("second drain should return nil")
	}

	stats := s.Stats()
	if stats.Inserted != 2 || stats.Drained != 2 || stats.Pending != 0 || stats.Buckets != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestStore_Buckets(t *testing.T) {
	s := NewStore()
	for _, k := range []types.BucketKey{
		{InstrumentID: 2, BucketID: 5},
		{InstrumentID: 1, BucketID: 7},
		{InstrumentID: 1, BucketID: 3},
		{InstrumentID: 1, BucketID: 5},
		{InstrumentID: 3, BucketID: 1},
	} {
		s.Insert(k, mbotest.Event(k.InstrumentID, k.BucketID*100))
	}

	tests := []struct {
		name        string
		instrument  uint32
		first, last uint64
		want        string
	}{
		{"all of instrument 1", 1, 0, 100, "[1/3 1/5 1/7]"},
		{"inner", 1, 4, 6, "[1/5]"},
		{"inclusive bounds", 1, 3, 7, "[1/3 1/5 1/7]"},
		{"other instrument", 2, 0, 10, "[2/5]"},
		{"none", 1, 8, 20, "[]"},
		{"unknown instrument", 9, 0, 10, "[]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fmt.Sprint(s.Buckets(tt.instrument, tt.first, tt.last))
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}

	if got := fmt.Sprint(s.Keys()); got != "[1/3 1/5 1/7 2/5 3/1]" {
		t.Errorf("unexpected key order: %s", got)
	}
}

func TestStore_ConcurrentInsert(t *testing.T) {
	s := NewStore()
	gt := mbotest.NewGoroutineTest(t)

	for w := 0; w < 8; w++ {
		key := types.BucketKey{InstrumentID: uint32(w % 2), BucketID: uint64(w)}
		gt.Go(func() error {
			for i := 0; i < 500; i++ {
				s.Insert(key, mbotest.Event(key.InstrumentID, uint64(i)))
				_ = s.TakeForBucket(key)
			}
			return nil
		})
	}
	gt.Wait()

	stats := s.Stats()
	if stats.Pending != 4000 || stats.Inserted != 4000 || stats.Buckets != 8 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}
