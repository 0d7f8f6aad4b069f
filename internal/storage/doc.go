// Package storage implements partitioned storage for market-by-order
// (MBO) events.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│  Ingestion  │────▶│  Partition  │────▶│    Flush    │
//	│ Service+WAL │     │    Table    │     │   Engine    │
//	└─────────────┘     └─────────────┘     └─────────────┘
//	       │              │         │              │
//	       ▼              ▼         ▼              ▼
//	┌─────────────┐ ┌──────────┐ ┌──────────┐ ┌─────────────┐
//	│  Aggregate  │ │  Chunks  │ │  Deltas  │ │   Parquet   │
//	│   Manager   │ │          │ │  (late)  │ │    files    │
//	└─────────────┘ └──────────┘ └──────────┘ └─────────────┘
//
// Events are routed by (instrument, bucket). A partition accepts appends
// while Open or in Grace and is sealed once the high-water mark passes its
// bucket end plus the grace period. Events for sealed partitions are kept
// in the late delta store; range queries merge them back by timestamp.
//
// The storage system provides:
//   - Per-partition columnar chunks with sealing driven by the logical clock
//   - A write-ahead log for replay after restart
//   - Parquet flush of sealed chunks and reconciliation with late events
//   - DuckDB queries over flushed files
//   - DDSketch price percentiles in per-bucket summaries
//   - Retention of flushed files measured against the high-water mark
package storage
