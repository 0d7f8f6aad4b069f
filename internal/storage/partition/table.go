// Package partition maps (instrument, bucket) keys to chunks and drives the
// Open -> Grace -> Sealed state machine.
//
// Time only moves through AdvanceClock, which takes the high-water mark of
// processed event timestamps. There is no timer; replaying the same events
// produces the same sealing decisions.
package partition

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tidwall/btree"

	"github.com/xtxerr/mbostore/internal/errors"
	"github.com/xtxerr/mbostore/internal/logging"
	"github.com/xtxerr/mbostore/internal/storage/chunk"
	"github.com/xtxerr/mbostore/internal/storage/delta"
	"github.com/xtxerr/mbostore/internal/storage/types"
)

var log = logging.Component("partition")

// Handle indexes a chunk in the table's arena.
type Handle uint32

// DecisionKind says where an event goes.
type DecisionKind int

const (
	// AppendToChunk means the partition is Open or Grace.
	AppendToChunk DecisionKind = iota

	// AppendToDelta means the partition is Sealed.
	AppendToDelta
)

// String returns the string representation of the decision kind.
func (k DecisionKind) String() string {
	switch k {
	case AppendToChunk:
		return "chunk"
	case AppendToDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// RouteDecision is the result of routing one event.
type RouteDecision struct {
	Kind   DecisionKind
	Key    types.BucketKey
	Handle Handle
}

// SealNotice reports a partition that became Sealed.
type SealNotice struct {
	Key       types.BucketKey
	Handle    Handle
	Deadline  uint64
	HighWater uint64
	Rows      int
}

type entry struct {
	// mu serializes writers of this partition (chunk append, delta insert
	// and state change) and is held shared by state readers.
	mu sync.RWMutex

	key      types.BucketKey
	handle   Handle
	state    types.PartitionState
	deadline uint64
}

// Table is the partition table.
type Table struct {
	bucketing    types.Bucketing
	capacityHint int
	deltas       *delta.Store

	mu        sync.RWMutex
	arena     []*chunk.Chunk
	entries   map[types.BucketKey]*entry
	byKey     *btree.BTreeG[*entry] // all partitions, by key
	unsealed  *btree.BTreeG[*entry] // Open and Grace, by (deadline, key)
	highWater uint64
	onSeal    func(SealNotice)

	// Statistics
	appended   atomic.Uint64
	redirected atomic.Uint64
	sealed     atomic.Uint64
}

// New creates a partition table. Late events for sealed partitions go to
// deltas.
func New(bucketing types.Bucketing, capacityHint int, deltas *delta.Store) *Table {
	if deltas == nil {
		deltas = delta.NewStore()
	}
	noLocks := btree.Options{NoLocks: true}
	return &Table{
		bucketing:    bucketing,
		capacityHint: capacityHint,
		deltas:       deltas,
		entries:      make(map[types.BucketKey]*entry),
		byKey: btree.NewBTreeGOptions(func(a, b *entry) bool {
			return a.key.Less(b.key)
		}, noLocks),
		unsealed: btree.NewBTreeGOptions(func(a, b *entry) bool {
			if a.deadline != b.deadline {
				return a.deadline < b.deadline
			}
			return a.key.Less(b.key)
		}, noLocks),
	}
}

// SetOnSeal sets the callback invoked for every partition sealed by
// AdvanceClock. It runs on the caller of AdvanceClock without table locks.
func (t *Table) SetOnSeal(fn func(SealNotice)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSeal = fn
}

// Bucketing returns the table's bucketing.
func (t *Table) Bucketing() types.Bucketing {
	return t.bucketing
}

// Deltas returns the late delta store.
func (t *Table) Deltas() *delta.Store {
	return t.deltas
}

// getOrCreate returns the entry for key, creating the partition and its
// chunk on first touch. Creation does not depend on arrival order: an event
// older than already sealed buckets still opens its own bucket.
func (t *Table) getOrCreate(key types.BucketKey, firstTs uint64) *entry {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok = t.entries[key]; ok {
		return e
	}

	// A partition created after its deadline has passed still takes its
	// first events; the next AdvanceClock seals it.
	state := t.bucketing.StateAt(key.BucketID, t.highWater)
	if state == types.StateSealed {
		state = types.StateGrace
	}

	e = &entry{
		key:      key,
		handle:   Handle(len(t.arena)),
		state:    state,
		deadline: t.bucketing.Deadline(key.BucketID),
	}
	t.arena = append(t.arena, chunk.New(key.InstrumentID, t.capacityHint, firstTs))
	t.entries[key] = e
	t.byKey.Set(e)
	t.unsealed.Set(e)

	log.Debug("partition opened",
		"instrument", key.InstrumentID,
		"bucket", key.BucketID,
		"state", state.String(),
		"handle", e.handle)

	return e
}

func (t *Table) chunkLocked(h Handle) *chunk.Chunk {
	if int(h) >= len(t.arena) {
		return nil
	}
	return t.arena[h]
}

// Route computes the partition for ev and reports where it belongs,
// creating the partition on first touch.
func (t *Table) Route(ev *types.MboEvent) RouteDecision {
	key := t.bucketing.Key(ev)
	e := t.getOrCreate(key, ev.TsEvent)

	e.mu.RLock()
	defer e.mu.RUnlock()
	return decide(e)
}

func decide(e *entry) RouteDecision {
	d := RouteDecision{Key: e.key, Handle: e.handle}
	if e.state == types.StateSealed {
		d.Kind = AppendToDelta
	}
	return d
}

// Ingest routes ev and stores it as one step under the partition's writer
// lock, so no seal can slip between the decision and the append.
func (t *Table) Ingest(ev *types.MboEvent) (RouteDecision, error) {
	key := t.bucketing.Key(ev)
	e := t.getOrCreate(key, ev.TsEvent)

	t.mu.RLock()
	c := t.chunkLocked(e.handle)
	t.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	d := decide(e)
	switch d.Kind {
	case AppendToDelta:
		t.deltas.Insert(key, *ev)
		t.redirected.Add(1)
	default:
		if err := c.Append(ev); err != nil {
			if !errors.IsRedirectable(err) {
				return d, fmt.Errorf("append to partition %s: %w", key, err)
			}
			// The chunk was sealed outside AdvanceClock.
			e.state = types.StateSealed
			d.Kind = AppendToDelta
			t.deltas.Insert(key, *ev)
			t.redirected.Add(1)
			return d, nil
		}
		t.appended.Add(1)
	}
	return d, nil
}

// AdvanceClock raises the high-water mark to hw (it never moves back) and
// applies the transitions it implies: Open -> Grace once hw reaches the
// bucket end, Grace -> Sealed once hw reaches end + grace. It returns a
// notice per newly sealed partition and passes each to the OnSeal callback.
//
// Callers must serialize AdvanceClock.
func (t *Table) AdvanceClock(hw uint64) []SealNotice {
	t.mu.Lock()

	if hw > t.highWater {
		t.highWater = hw
	}
	hw = t.highWater

	var (
		notices []SealNotice
		done    []*entry
	)

	// Grace is constant, so deadline order is also bucket-end order.
	t.unsealed.Scan(func(e *entry) bool {
		if hw < t.bucketing.End(e.key.BucketID) {
			return false
		}

		e.mu.Lock()
		if hw >= e.deadline {
			e.state = types.StateSealed
			c := t.arena[e.handle]
			c.Seal()
			notices = append(notices, SealNotice{
				Key:       e.key,
				Handle:    e.handle,
				Deadline:  e.deadline,
				HighWater: hw,
				Rows:      c.RowCount(),
			})
			done = append(done, e)
		} else if e.state == types.StateOpen {
			e.state = types.StateGrace
		}
		e.mu.Unlock()
		return true
	})

	for _, e := range done {
		t.unsealed.Delete(e)
	}
	onSeal := t.onSeal
	t.mu.Unlock()

	for _, n := range notices {
		t.sealed.Add(1)
		log.Debug("partition sealed",
			"instrument", n.Key.InstrumentID,
			"bucket", n.Key.BucketID,
			"rows", n.Rows,
			"high_water", n.HighWater)
		if onSeal != nil {
			onSeal(n)
		}
	}

	return notices
}

// HighWater returns the current high-water mark.
func (t *Table) HighWater() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.highWater
}

// Chunk returns the chunk for a handle.
func (t *Table) Chunk(h Handle) (*chunk.Chunk, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c := t.chunkLocked(h)
	if c == nil {
		return nil, fmt.Errorf("handle %d: %w", h, errors.ErrUnknownHandle)
	}
	return c, nil
}

// Lookup returns the handle and state of a partition without creating it.
func (t *Table) Lookup(key types.BucketKey) (Handle, types.PartitionState, bool) {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handle, e.state, true
}

// State returns the state of a partition.
func (t *Table) State(key types.BucketKey) (types.PartitionState, bool) {
	_, state, ok := t.Lookup(key)
	return state, ok
}

// ChunkFor returns the chunk of a partition, or ErrBucketNotFound.
func (t *Table) ChunkFor(key types.BucketKey) (*chunk.Chunk, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[key]
	if !ok {
		return nil, fmt.Errorf("partition %s: %w", key, errors.ErrBucketNotFound)
	}
	return t.arena[e.handle], nil
}

// Buckets returns the partitions of instrument with first <= bucket <= last,
// in ascending bucket order.
func (t *Table) Buckets(instrument uint32, first, last uint64) []types.BucketKey {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []types.BucketKey
	pivot := &entry{key: types.BucketKey{InstrumentID: instrument, BucketID: first}}
	t.byKey.Ascend(pivot, func(e *entry) bool {
		if e.key.InstrumentID != instrument || e.key.BucketID > last {
			return false
		}
		out = append(out, e.key)
		return true
	})
	return out
}

// Sealed returns the keys of all sealed partitions in key order.
func (t *Table) Sealed() []types.BucketKey {
	t.mu.RLock()
	entries := t.byKey.Items()
	t.mu.RUnlock()

	var out []types.BucketKey
	for _, e := range entries {
		e.mu.RLock()
		if e.state == types.StateSealed {
			out = append(out, e.key)
		}
		e.mu.RUnlock()
	}
	return out
}

// Stats returns table statistics.
func (t *Table) Stats() Stats {
	t.mu.RLock()
	entries := t.byKey.Items()
	arena := t.arena
	s := Stats{
		Partitions: len(entries),
		HighWater:  t.highWater,
	}
	t.mu.RUnlock()

	for _, e := range entries {
		e.mu.RLock()
		switch e.state {
		case types.StateOpen:
			s.Open++
		case types.StateGrace:
			s.Grace++
		case types.StateSealed:
			s.Sealed++
		}
		e.mu.RUnlock()
	}
	for _, c := range arena {
		s.Rows += c.RowCount()
	}

	s.Appended = t.appended.Load()
	s.Redirected = t.redirected.Load()
	s.SealsTotal = t.sealed.Load()
	return s
}

// Stats holds partition table statistics.
type Stats struct {
	Partitions int
	Open       int
	Grace      int
	Sealed     int
	Rows       int    // Rows held in chunks
	HighWater  uint64 // Current logical clock
	Appended   uint64 // Events appended to chunks
	Redirected uint64 // Events sent to the late delta store
	SealsTotal uint64
}
