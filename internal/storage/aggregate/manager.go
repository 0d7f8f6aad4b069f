package aggregate

import (
	"sync"

	"github.com/xtxerr/mbostore/internal/storage/types"
)

// Manager maintains one aggregate per partition.
// Aggregates stay live after their bucket seals so late events keep
// counting; they are dropped by FlushOlderThan.
type Manager struct {
	mu sync.RWMutex

	bucketing types.Bucketing
	accuracy  float64 // <= 0 disables percentiles

	aggregates map[types.BucketKey]*BucketAggregate

	// Summaries of sealed buckets waiting to be flushed
	completed []types.BucketSummary

	stats ManagerStats
}

// ManagerStats holds statistics for the manager.
type ManagerStats struct {
	ActiveAggregates int64
	CompletedPending int64
	EventsProcessed  int64
	LateProcessed    int64
	BucketsFinalized int64
	FlushesPerformed int64
	Evicted          int64
}

// NewManager creates a new aggregate manager. accuracy <= 0 disables
// percentiles.
func NewManager(bucketing types.Bucketing, accuracy float64) *Manager {
	return &Manager{
		bucketing:  bucketing,
		accuracy:   accuracy,
		aggregates: make(map[types.BucketKey]*BucketAggregate),
		completed:  make([]types.BucketSummary, 0, 64),
	}
}

// Observe adds an event to its partition's aggregate.
func (m *Manager) Observe(ev *types.MboEvent, late bool) {
	key := m.bucketing.Key(ev)

	m.mu.Lock()
	agg, ok := m.aggregates[key]
	if !ok {
		agg = New(key, m.bucketing, m.accuracy)
		m.aggregates[key] = agg
	}
	m.stats.EventsProcessed++
	if late {
		m.stats.LateProcessed++
	}
	m.mu.Unlock()

	agg.Add(ev, late)
}

// Summary returns the current statistics of a partition.
func (m *Manager) Summary(key types.BucketKey) (types.BucketSummary, bool) {
	m.mu.RLock()
	agg, ok := m.aggregates[key]
	m.mu.RUnlock()

	if !ok {
		return types.BucketSummary{}, false
	}
	return agg.Result(), true
}

// Finalize marks a partition as sealed and queues its summary for
// flushing. It returns false if nothing was observed for the key.
func (m *Manager) Finalize(key types.BucketKey) (types.BucketSummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg, ok := m.aggregates[key]
	if !ok || agg.IsEmpty() {
		return types.BucketSummary{}, false
	}

	agg.MarkFinal()
	result := agg.Result()
	m.completed = append(m.completed, result)
	m.stats.BucketsFinalized++

	return result, true
}

// FlushCompleted returns and clears all finalized summaries.
func (m *Manager) FlushCompleted() []types.BucketSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.completed) == 0 {
		return nil
	}

	result := m.completed
	m.completed = make([]types.BucketSummary, 0, 64)
	m.stats.FlushesPerformed++

	return result
}

// FlushOlderThan drops aggregates whose bucket ended at or before cutoff
// and returns their final statistics.
func (m *Manager) FlushOlderThan(cutoff uint64) []types.BucketSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	var flushed []types.BucketSummary

	for key, agg := range m.aggregates {
		if agg.BucketEnd() <= cutoff {
			flushed = append(flushed, agg.Result())
			delete(m.aggregates, key)
			m.stats.Evicted++
		}
	}

	return flushed
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.stats
	stats.ActiveAggregates = int64(len(m.aggregates))
	stats.CompletedPending = int64(len(m.completed))
	return stats
}

// ActiveCount returns the number of live aggregates.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.aggregates)
}

// Bucketing returns the manager's bucketing.
func (m *Manager) Bucketing() types.Bucketing {
	return m.bucketing
}
