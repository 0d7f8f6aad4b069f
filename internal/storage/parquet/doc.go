// Package parquet implements Parquet file reading and writing for flushed
// chunks and bucket summaries.
//
// The package provides:
//   - EventWriter/EventReader for chunk rows (base_ts + delta-encoded ts_delta)
//   - SummaryWriter/SummaryReader for per-bucket statistics
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
//
// Files are written to a temporary name and renamed on Close.
package parquet
