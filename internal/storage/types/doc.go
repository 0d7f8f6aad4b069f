// Package types defines the core data types used throughout the storage system.
//
// Key types:
//   - MboEvent: A single market-by-order event (add, cancel, execute)
//   - Row: A read-only projection of one stored event
//   - BucketKey: Identity of a time partition (instrument, bucket)
//   - Bucketing: Pure mapping from timestamps to buckets and deadlines
package types
