package aggregate

import (
	"math"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/xtxerr/mbostore/internal/storage/types"
)

// BucketAggregate maintains running statistics for a single partition.
// Price percentiles are tracked with a DDSketch when enabled.
type BucketAggregate struct {
	mu sync.Mutex

	key         types.BucketKey
	bucketStart uint64
	bucketEnd   uint64

	events   int64
	adds     int64
	cancels  int64
	executes int64
	bids     int64
	asks     int64
	late     int64
	volume   uint64

	minTs    uint64
	maxTs    uint64
	minPrice uint32
	maxPrice uint32

	// nil if percentiles are disabled
	sketch *ddsketch.DDSketch

	final bool
}

// New creates an aggregate for the given bucket. accuracy <= 0 disables
// percentiles.
func New(key types.BucketKey, bucketing types.Bucketing, accuracy float64) *BucketAggregate {
	agg := &BucketAggregate{
		key:         key,
		bucketStart: bucketing.Start(key.BucketID),
		bucketEnd:   bucketing.End(key.BucketID),
		minTs:       math.MaxUint64,
		minPrice:    math.MaxUint32,
	}

	if accuracy > 0 {
		sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
		if err == nil {
			agg.sketch = sketch
		}
	}

	return agg
}

// Add folds an event into the aggregate. late marks events that were
// redirected to the delta store.
func (a *BucketAggregate) Add(ev *types.MboEvent, late bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.events++
	if late {
		a.late++
	}

	switch ev.Action {
	case types.ActionAdd:
		a.adds++
	case types.ActionCancel:
		a.cancels++
	case types.ActionExecute:
		a.executes++
		a.volume += uint64(ev.Size)
	}

	switch ev.Side {
	case types.SideBid:
		a.bids++
	case types.SideAsk:
		a.asks++
	}

	a.minTs = min(a.minTs, ev.TsEvent)
	a.maxTs = max(a.maxTs, ev.TsEvent)
	a.minPrice = min(a.minPrice, ev.Price)
	a.maxPrice = max(a.maxPrice, ev.Price)

	if a.sketch != nil {
		// Add only fails for values outside the sketch range.
		_ = a.sketch.Add(float64(ev.Price))
	}
}

// Count returns the number of events added.
func (a *BucketAggregate) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events
}

// IsEmpty returns true if no events have been added.
func (a *BucketAggregate) IsEmpty() bool {
	return a.Count() == 0
}

// MarkFinal flags the aggregate as belonging to a sealed bucket.
func (a *BucketAggregate) MarkFinal() {
	a.mu.Lock()
	a.final = true
	a.mu.Unlock()
}

// Result returns a snapshot of the statistics.
func (a *BucketAggregate) Result() types.BucketSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := types.BucketSummary{
		InstrumentID:   a.key.InstrumentID,
		BucketID:       a.key.BucketID,
		BucketStart:    a.bucketStart,
		BucketEnd:      a.bucketEnd,
		Events:         a.events,
		Adds:           a.adds,
		Cancels:        a.cancels,
		Executes:       a.executes,
		Bids:           a.bids,
		Asks:           a.asks,
		Late:           a.late,
		ExecutedVolume: a.volume,
		Final:          a.final,
	}

	if a.events > 0 {
		result.MinTs = a.minTs
		result.MaxTs = a.maxTs
		result.MinPrice = a.minPrice
		result.MaxPrice = a.maxPrice
	}

	if a.sketch != nil && a.events > 0 {
		p50, _ := a.sketch.GetValueAtQuantile(0.50)
		p90, _ := a.sketch.GetValueAtQuantile(0.90)
		p99, _ := a.sketch.GetValueAtQuantile(0.99)
		result.SetPercentiles(p50, p90, p99)
	}

	return result
}

// Key returns the partition key.
func (a *BucketAggregate) Key() types.BucketKey {
	return a.key
}

// BucketEnd returns the exclusive bucket end timestamp.
func (a *BucketAggregate) BucketEnd() uint64 {
	return a.bucketEnd
}
