package types

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// BucketKey identifies one time partition of one instrument.
type BucketKey struct {
	InstrumentID uint32
	BucketID     uint64
}

// String returns "instrument/bucket".
func (k BucketKey) String() string {
	return fmt.Sprintf("%d/%d", k.InstrumentID, k.BucketID)
}

// Less orders keys by instrument, then bucket.
func (k BucketKey) Less(o BucketKey) bool {
	if k.InstrumentID != o.InstrumentID {
		return k.InstrumentID < o.InstrumentID
	}
	return k.BucketID < o.BucketID
}

// PartitionState is the lifecycle state of a partition.
type PartitionState int

const (
	// StateOpen accepts appends; the bucket end has not been crossed.
	StateOpen PartitionState = iota

	// StateGrace still accepts appends into the same chunk; the bucket end
	// has been crossed but the seal deadline has not.
	StateGrace

	// StateSealed is immutable; late events go to the delta store.
	StateSealed
)

// String returns the string representation of the state.
func (s PartitionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateGrace:
		return "grace"
	case StateSealed:
		return "sealed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Bucketing maps nanosecond timestamps onto fixed-width buckets.
// Buckets are half-open: [Start(id), End(id)).
type Bucketing struct {
	Width uint64 // Bucket width in nanoseconds
	Grace uint64 // Grace period after the bucket end, in nanoseconds
}

// NewBucketing creates a Bucketing from durations.
func NewBucketing(width, grace time.Duration) (Bucketing, error) {
	if width <= 0 {
		return Bucketing{}, errors.New("bucket width must be positive")
	}
	if grace < 0 {
		return Bucketing{}, errors.New("grace period must not be negative")
	}
	return Bucketing{Width: uint64(width), Grace: uint64(grace)}, nil
}

// BucketID returns the bucket containing ts.
func (b Bucketing) BucketID(ts uint64) uint64 {
	return ts / b.Width
}

// Key returns the partition key for an event.
func (b Bucketing) Key(e *MboEvent) BucketKey {
	return BucketKey{InstrumentID: e.InstrumentID, BucketID: b.BucketID(e.TsEvent)}
}

// Start returns the first timestamp of a bucket.
func (b Bucketing) Start(id uint64) uint64 {
	return id * b.Width
}

// End returns the start of the next bucket. It saturates at
// math.MaxUint64 for the last bucket of the timestamp range.
func (b Bucketing) End(id uint64) uint64 {
	start := b.Start(id)
	if start > math.MaxUint64-b.Width {
		return math.MaxUint64
	}
	return start + b.Width
}

// Deadline returns the high-water mark at which a bucket seals. It
// saturates at math.MaxUint64.
func (b Bucketing) Deadline(id uint64) uint64 {
	end := b.End(id)
	if end > math.MaxUint64-b.Grace {
		return math.MaxUint64
	}
	return end + b.Grace
}

// Range returns the first and last bucket ids overlapping [start, end).
// ok is false for an empty range.
func (b Bucketing) Range(start, end uint64) (first, last uint64, ok bool) {
	if end <= start {
		return 0, 0, false
	}
	return b.BucketID(start), b.BucketID(end - 1), true
}

// StateAt returns the state a bucket is in at the given high-water mark.
func (b Bucketing) StateAt(id, highWater uint64) PartitionState {
	switch {
	case highWater >= b.Deadline(id):
		return StateSealed
	case highWater >= b.End(id):
		return StateGrace
	default:
		return StateOpen
	}
}
