package types

// BucketSummary is the running statistics of one (instrument, bucket).
// It is produced by the aggregate manager and flushed alongside chunks.
type BucketSummary struct {
	// Identity
	InstrumentID uint32
	BucketID     uint64

	// Bucket range [BucketStart, BucketEnd), nanoseconds
	BucketStart uint64
	BucketEnd   uint64

	// Event counts
	Events   int64
	Adds     int64
	Cancels  int64
	Executes int64
	Bids     int64
	Asks     int64

	// Late is the number of events that arrived after the bucket sealed.
	Late int64

	// ExecutedVolume is the sum of sizes of execute events.
	ExecutedVolume uint64

	// Observed extremes (zero when Events == 0)
	MinTs    uint64
	MaxTs    uint64
	MinPrice uint32
	MaxPrice uint32

	// Price percentiles (nil if not enabled)
	P50 *float64
	P90 *float64
	P99 *float64

	// Final is set once the bucket has sealed.
	Final bool
}

// Key returns the partition key of the summary.
func (s *BucketSummary) Key() BucketKey {
	return BucketKey{InstrumentID: s.InstrumentID, BucketID: s.BucketID}
}

// IsEmpty returns true if no events were observed.
func (s *BucketSummary) IsEmpty() bool {
	return s.Events == 0
}

// HasPercentiles returns true if percentile data is available.
func (s *BucketSummary) HasPercentiles() bool {
	return s.P50 != nil
}

// SetPercentiles sets the price percentile values.
func (s *BucketSummary) SetPercentiles(p50, p90, p99 float64) {
	s.P50 = &p50
	s.P90 = &p90
	s.P99 = &p99
}
