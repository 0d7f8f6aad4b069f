// Package delta holds events that arrived after their partition sealed.
//
// Each (instrument, bucket) key owns an arrival-ordered sequence created on
// the first late event. Sequences are never merged back into sealed chunks;
// the query engine merges them at read time and a persistence collaborator
// may Drain them once reconciled.
package delta

import (
	"sync"
	"sync/atomic"

	"github.com/tidwall/btree"

	"github.com/xtxerr/mbostore/internal/storage/types"
)

// Store is the late delta store.
type Store struct {
	mu      sync.RWMutex
	entries map[types.BucketKey]*entry
	keys    *btree.BTreeG[types.BucketKey]

	// Stats
	inserted atomic.Uint64
	drained  atomic.Uint64
}

type entry struct {
	mu     sync.RWMutex
	events []types.MboEvent
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[types.BucketKey]*entry),
		keys: btree.NewBTreeGOptions(func(a, b types.BucketKey) bool {
			return a.Less(b)
		}, btree.Options{NoLocks: true}),
	}
}

// Insert appends ev to the sequence for key. There is no capacity limit and
// no deduplication.
func (s *Store) Insert(key types.BucketKey, ev types.MboEvent) {
	e := s.getOrCreate(key)

	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()

	s.inserted.Add(1)
}

func (s *Store) getOrCreate(key types.BucketKey) *entry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if e, ok = s.entries[key]; ok {
		return e
	}
	e = &entry{}
	s.entries[key] = e
	s.keys.Set(key)
	return e
}

func (s *Store) get(key types.BucketKey) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key]
}

// TakeForBucket returns a copy of the late events for key in arrival order.
// The store keeps its contents; nil means no late events.
func (s *Store) TakeForBucket(key types.BucketKey) []types.MboEvent {
	e := s.get(key)
	if e == nil {
		return nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]types.MboEvent, len(e.events))
	copy(out, e.events)
	return out
}

// Scan calls fn for each late event of key with start <= ts < end, in
// arrival order, stopping early if fn returns false. fn must not call back
// into the store.
func (s *Store) Scan(key types.BucketKey, start, end uint64, fn func(types.MboEvent) bool) {
	e := s.get(key)
	if e == nil {
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for i := range e.events {
		ts := e.events[i].TsEvent
		if ts < start || ts >= end {
			continue
		}
		if !fn(e.events[i]) {
			return
		}
	}
}

// Drain removes and returns the late events for key. It is meant for a
// persistence collaborator that has durably reconciled the bucket.
func (s *Store) Drain(key types.BucketKey) []types.MboEvent {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
		s.keys.Delete(key)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	e.mu.Lock()
	events := e.events
	e.events = nil
	e.mu.Unlock()

	s.drained.Add(uint64(len(events)))
	return events
}

// Len returns the number of late events for key.
func (s *Store) Len(key types.BucketKey) int {
	e := s.get(key)
	if e == nil {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.events)
}

// Keys returns every key with late events, ordered by instrument and bucket.
func (s *Store) Keys() []types.BucketKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys.Items()
}

// Buckets returns the keys of instrument with first <= bucket <= last,
// in ascending bucket order.
func (s *Store) Buckets(instrument uint32, first, last uint64) []types.BucketKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.BucketKey
	s.keys.Ascend(types.BucketKey{InstrumentID: instrument, BucketID: first}, func(k types.BucketKey) bool {
		if k.InstrumentID != instrument || k.BucketID > last {
			return false
		}
		out = append(out, k)
		return true
	})
	return out
}

// Stats returns store statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var pending int
	for _, e := range entries {
		e.mu.RLock()
		pending += len(e.events)
		e.mu.RUnlock()
	}

	return Stats{
		Buckets:  len(entries),
		Pending:  pending,
		Inserted: s.inserted.Load(),
		Drained:  s.drained.Load(),
	}
}

// Stats holds late delta store statistics.
type Stats struct {
	Buckets  int    // Keys with pending late events
	Pending  int    // Late events currently held
	Inserted uint64 // Late events ever inserted
	Drained  uint64 // Late events removed by Drain
}
