package query

import (
	"cmp"
	"iter"
	"slices"
	"sync/atomic"

	"github.com/xtxerr/mbostore/internal/storage/chunk"
	"github.com/xtxerr/mbostore/internal/storage/types"
)

// ChunkSource resolves the chunk of a partition. *partition.Table
// implements it.
type ChunkSource interface {
	Bucketing() types.Bucketing
	Buckets(instrument uint32, first, last uint64) []types.BucketKey
	ChunkFor(key types.BucketKey) (*chunk.Chunk, error)
}

// DeltaSource exposes late events. *delta.Store implements it.
type DeltaSource interface {
	Buckets(instrument uint32, first, last uint64) []types.BucketKey
	Scan(key types.BucketKey, start, end uint64, fn func(types.MboEvent) bool)
}

// Engine answers time-range reads over in-memory partitions, merging each
// chunk with the late events of its bucket.
type Engine struct {
	chunks ChunkSource
	deltas DeltaSource

	// Statistics
	queries atomic.Int64
	buckets atomic.Int64
	rows    atomic.Int64
}

// NewEngine creates a query engine.
func NewEngine(chunks ChunkSource, deltas DeltaSource) *Engine {
	return &Engine{
		chunks: chunks,
		deltas: deltas,
	}
}

// RangeQuery returns the rows of instrument with start <= ts < end.
//
// Buckets are visited in ascending order. Within a bucket, chunk rows and
// late rows are merged by timestamp; equal timestamps keep arrival order
// with chunk rows first. Each iteration re-reads current state, so the
// sequence can be ranged over again and may observe newer appends to Open
// or Grace partitions. Iterating only reads: the query is counted once,
// when the sequence is built.
func (e *Engine) RangeQuery(instrument uint32, start, end uint64) iter.Seq[types.Row] {
	e.queries.Add(1)
	return func(yield func(types.Row) bool) {
		e.scan(instrument, start, end, yield)
	}
}

// Collect drains a range into a slice. Unlike RangeQuery it also counts
// the buckets visited and the rows returned.
func (e *Engine) Collect(instrument uint32, start, end uint64) []types.Row {
	e.queries.Add(1)

	var rows []types.Row
	buckets := e.scan(instrument, start, end, func(r types.Row) bool {
		rows = append(rows, r)
		return true
	})

	e.buckets.Add(int64(buckets))
	e.rows.Add(int64(len(rows)))
	return rows
}

// scan feeds the rows of a range to yield until it returns false and
// reports how many buckets it visited.
func (e *Engine) scan(instrument uint32, start, end uint64, yield func(types.Row) bool) int {
	first, last, ok := e.chunks.Bucketing().Range(start, end)
	if !ok {
		return 0
	}

	keys := unionKeys(
		e.chunks.Buckets(instrument, first, last),
		e.deltas.Buckets(instrument, first, last),
	)

	for i, key := range keys {
		for _, r := range e.bucketRows(key, start, end) {
			if !yield(r) {
				return i + 1
			}
		}
	}
	return len(keys)
}

// bucketRows merges one bucket. A bucket with neither chunk nor late
// events contributes nothing.
func (e *Engine) bucketRows(key types.BucketKey, start, end uint64) []types.Row {
	var rows []types.Row

	// ErrBucketNotFound only means the bucket has late events alone.
	if c, err := e.chunks.ChunkFor(key); err == nil {
		c.Scan(start, end, func(r types.Row) bool {
			rows = append(rows, r)
			return true
		})
	}

	e.deltas.Scan(key, start, end, func(ev types.MboEvent) bool {
		rows = append(rows, types.RowFromEvent(&ev, true))
		return true
	})

	slices.SortStableFunc(rows, func(a, b types.Row) int {
		return cmp.Compare(a.TsEvent, b.TsEvent)
	})
	return rows
}

// unionKeys merges two ascending key lists, dropping duplicates.
func unionKeys(a, b []types.BucketKey) []types.BucketKey {
	out := make([]types.BucketKey, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i].Less(b[j]):
			out = append(out, a[i])
			i++
		default:
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// Stats returns engine statistics.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Queries:        e.queries.Load(),
		BucketsVisited: e.buckets.Load(),
		RowsReturned:   e.rows.Load(),
	}
}

// EngineStats holds in-memory query statistics.
type EngineStats struct {
	Queries        int64 // RangeQuery and Collect calls
	BucketsVisited int64 // Collect only
	RowsReturned   int64 // Collect only
}
