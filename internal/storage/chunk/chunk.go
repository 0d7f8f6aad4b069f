// Package chunk implements the columnar, single-instrument, single-bucket
// event buffer.
//
// A Chunk keeps one slice per event field. All slices always have the same
// length. Timestamps are stored as absolute values; delta encoding against
// MinTs is computed on demand by TsDeltas, which is only stable once the
// chunk is sealed.
package chunk

import (
	"fmt"
	"sync"

	"github.com/xtxerr/mbostore/internal/errors"
	"github.com/xtxerr/mbostore/internal/storage/types"
)

// Chunk is a columnar buffer of events for one (instrument, bucket).
// It is append-only while open and immutable once sealed.
//
// Readers take the read lock for the whole column set, so a concurrent
// append is observed either entirely or not at all.
type Chunk struct {
	mu sync.RWMutex

	instrumentID uint32

	// Columns
	tsEvent []uint64
	orderID []uint64
	price   []uint32
	size    []uint32
	flags   []uint8
	action  []types.Action
	side    []types.Side

	rowCount int
	minTs    uint64
	maxTs    uint64
	sealed   bool
}

// New creates an empty chunk reserving capacityHint rows per column.
// The hint is not a limit; columns grow past it.
func New(instrumentID uint32, capacityHint int, firstTs uint64) *Chunk {
	if capacityHint < 0 {
		capacityHint = 0
	}
	return &Chunk{
		instrumentID: instrumentID,
		tsEvent:      make([]uint64, 0, capacityHint),
		orderID:      make([]uint64, 0, capacityHint),
		price:        make([]uint32, 0, capacityHint),
		size:         make([]uint32, 0, capacityHint),
		flags:        make([]uint8, 0, capacityHint),
		action:       make([]types.Action, 0, capacityHint),
		side:         make([]types.Side, 0, capacityHint),
		minTs:        firstTs,
		maxTs:        firstTs,
	}
}

// Append adds one event to every column.
func (c *Chunk) Append(e *types.MboEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(e)
}

func (c *Chunk) appendLocked(e *types.MboEvent) error {
	if c.sealed {
		return errors.ErrChunkSealed
	}
	if e.InstrumentID != c.instrumentID {
		return fmt.Errorf("event instrument %d, chunk instrument %d: %w",
			e.InstrumentID, c.instrumentID, errors.ErrInstrumentMismatch)
	}

	c.tsEvent = append(c.tsEvent, e.TsEvent)
	c.orderID = append(c.orderID, e.OrderID)
	c.price = append(c.price, e.Price)
	c.size = append(c.size, e.Size)
	c.flags = append(c.flags, e.Flags)
	c.action = append(c.action, e.Action)
	c.side = append(c.side, e.Side)
	c.rowCount++

	if e.TsEvent < c.minTs {
		c.minTs = e.TsEvent
	}
	if e.TsEvent > c.maxTs {
		c.maxTs = e.TsEvent
	}

	return nil
}

// AppendBatch appends events in order and stops at the first failure.
// It returns the number of events appended.
func (c *Chunk) AppendBatch(events []types.MboEvent) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range events {
		if err := c.appendLocked(&events[i]); err != nil {
			return i, err
		}
	}
	return len(events), nil
}

// Seal makes the chunk read-only. Sealing twice is a no-op.
func (c *Chunk) Seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
}

// Sealed reports whether the chunk is sealed.
func (c *Chunk) Sealed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sealed
}

// InstrumentID returns the chunk's instrument.
func (c *Chunk) InstrumentID() uint32 {
	return c.instrumentID
}

// RowCount returns the number of rows.
func (c *Chunk) RowCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rowCount
}

// MinTs returns the smallest timestamp seen (or the creation timestamp).
func (c *Chunk) MinTs() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.minTs
}

// MaxTs returns the largest timestamp seen (or the creation timestamp).
func (c *Chunk) MaxTs() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxTs
}

// TimeRange returns MinTs and MaxTs under a single lock.
func (c *Chunk) TimeRange() (minTs, maxTs uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.minTs, c.maxTs
}

// ColumnLens returns the length of every column in declaration order.
func (c *Chunk) ColumnLens() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return []int{
		len(c.tsEvent),
		len(c.orderID),
		len(c.price),
		len(c.size),
		len(c.flags),
		len(c.action),
		len(c.side),
	}
}

// RowView returns row i.
func (c *Chunk) RowView(i int) (types.Row, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if i < 0 || i >= c.rowCount {
		return types.Row{}, fmt.Errorf("row %d of %d: %w", i, c.rowCount, errors.ErrRowOutOfRange)
	}
	return c.rowLocked(i), nil
}

func (c *Chunk) rowLocked(i int) types.Row {
	return types.Row{
		InstrumentID: c.instrumentID,
		TsEvent:      c.tsEvent[i],
		OrderID:      c.orderID[i],
		Price:        c.price[i],
		Size:         c.size[i],
		Flags:        c.flags[i],
		Action:       c.action[i],
		Side:         c.side[i],
	}
}

// Scan calls fn for each row with start <= ts < end, in arrival order.
// Scanning stops early if fn returns false. fn must not call back into
// the chunk.
func (c *Chunk) Scan(start, end uint64, fn func(types.Row) bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.rowCount == 0 || end <= c.minTs || start > c.maxTs {
		return
	}

	for i, ts := range c.tsEvent {
		if ts < start || ts >= end {
			continue
		}
		if !fn(c.rowLocked(i)) {
			return
		}
	}
}

// RowsInRange returns the rows with start <= ts < end, in arrival order.
func (c *Chunk) RowsInRange(start, end uint64) []types.Row {
	var rows []types.Row
	c.Scan(start, end, func(r types.Row) bool {
		rows = append(rows, r)
		return true
	})
	return rows
}

// Rows returns a copy of every row in arrival order.
func (c *Chunk) Rows() []types.Row {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows := make([]types.Row, c.rowCount)
	for i := range rows {
		rows[i] = c.rowLocked(i)
	}
	return rows
}

// TsDeltas returns the timestamp column encoded relative to MinTs.
// Deltas are derived from the stored absolute timestamps on every call,
// so a later event that lowers MinTs never leaves stale deltas behind.
func (c *Chunk) TsDeltas() (base uint64, deltas []uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	deltas = make([]uint64, len(c.tsEvent))
	for i, ts := range c.tsEvent {
		deltas[i] = ts - c.minTs
	}
	return c.minTs, deltas
}

// Stats returns chunk statistics.
func (c *Chunk) Stats() ChunkStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ChunkStats{
		InstrumentID: c.instrumentID,
		RowCount:     c.rowCount,
		Capacity:     cap(c.tsEvent),
		MinTs:        c.minTs,
		MaxTs:        c.maxTs,
		Sealed:       c.sealed,
	}
}

// ChunkStats holds chunk statistics.
type ChunkStats struct {
	InstrumentID uint32
	RowCount     int
	Capacity     int
	MinTs        uint64
	MaxTs        uint64
	Sealed       bool
}
