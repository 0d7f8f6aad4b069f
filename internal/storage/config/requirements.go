package config

import (
	"fmt"
	"time"
)

// Requirements represents calculated resource requirements.
type Requirements struct {
	// Memory requirements
	OpenWindowBytes      int64 // Chunks not yet sealed
	SealedPerHourBytes   int64 // Sealed chunks retained in memory, per hour of feed
	AggregateBufferBytes int64
	QueryCacheBytes      int64
	TotalRAMBytes        int64

	// Storage requirements
	ChunkStoragePerDayBytes int64
	TotalStorageBytes       int64

	// Throughput
	EventsPerSecond int64
	BytesPerSecond  int64
	BucketsPerDay   int64

	// CPU estimate
	RecommendedCPUCores int
}

// Constants for calculations
const (
	// Bytes per event across all chunk columns
	bytesPerEvent = 27

	// Bytes per bucket aggregate (in-memory, without DDSketch)
	bytesPerAggregate = 96

	// Bytes per bucket aggregate (in-memory, with DDSketch)
	bytesPerAggregateWithSketch = 1024

	// Bytes per event in Parquet (delta-encoded timestamps, compressed)
	bytesPerParquetRowCompressed = 12
)

// CalculateRequirements computes resource requirements based on configuration.
func (c *Config) CalculateRequirements() Requirements {
	r := Requirements{}

	r.EventsPerSecond = int64(c.Scale.EventsPerSec)
	r.BytesPerSecond = r.EventsPerSecond * bytesPerEvent

	// -------------------------------------------------------------------------
	// Memory Requirements
	// -------------------------------------------------------------------------

	// Every event stays in an open chunk for at most width + grace.
	window := c.Partition.BucketWidth + c.Partition.GracePeriod
	r.OpenWindowBytes = int64(float64(r.BytesPerSecond) * window.Seconds())

	// Sealed chunks stay queryable in memory.
	r.SealedPerHourBytes = r.BytesPerSecond * int64(time.Hour/time.Second)

	// One aggregate per open (instrument, bucket)
	bytesPerAgg := int64(bytesPerAggregate)
	if c.Features.Percentile.Enabled {
		bytesPerAgg = bytesPerAggregateWithSketch
	}
	openBuckets := int64(c.Scale.Instruments)
	if c.Partition.BucketWidth > 0 {
		openBuckets *= int64(window/c.Partition.BucketWidth) + 1
	}
	r.AggregateBufferBytes = openBuckets * bytesPerAgg

	// Query cache (from config or default)
	r.QueryCacheBytes = parseMemoryLimit(c.Query.MemoryLimit)

	r.TotalRAMBytes = r.OpenWindowBytes + r.SealedPerHourBytes + r.AggregateBufferBytes + r.QueryCacheBytes
	// Add 2GB for OS and Go runtime
	r.TotalRAMBytes += 2 * 1024 * 1024 * 1024

	// -------------------------------------------------------------------------
	// Storage Requirements
	// -------------------------------------------------------------------------

	eventsPerDay := r.EventsPerSecond * 86400
	r.ChunkStoragePerDayBytes = eventsPerDay * bytesPerParquetRowCompressed

	if c.Retention.Chunks > 0 {
		retentionDays := float64(c.Retention.Chunks) / float64(24*time.Hour)
		r.TotalStorageBytes = int64(float64(r.ChunkStoragePerDayBytes) * retentionDays)
	} else {
		// Unbounded retention: size one year.
		r.TotalStorageBytes = r.ChunkStoragePerDayBytes * 365
	}

	if c.Partition.BucketWidth > 0 {
		r.BucketsPerDay = int64(24*time.Hour/c.Partition.BucketWidth) * int64(c.Scale.Instruments)
	}

	// -------------------------------------------------------------------------
	// CPU Requirements
	// -------------------------------------------------------------------------

	// Rough estimate: 1 core per 1M events/sec for ingestion
	// Plus cores for flushing
	ingestCores := int(r.EventsPerSecond/1000000) + 1
	r.RecommendedCPUCores = ingestCores + c.Flush.Workers

	return r
}

// FormatRequirements returns a human-readable summary of requirements.
func (r *Requirements) FormatRequirements() string {
	return fmt.Sprintf(`Resource Requirements
=====================

Throughput:
  Events/sec:        %s
  Bytes/sec:         %s
  Buckets/day:       %s

Memory:
  Open Window:       %s
  Sealed (per hour): %s
  Aggregates:        %s
  Query Cache:       %s
  Total RAM:         %s (recommended)

Storage:
  Chunks per day:    %s
  Total Storage:     %s (recommended)

CPU:
  Recommended Cores: %d
`,
		formatNumber(r.EventsPerSecond),
		formatBytes(r.BytesPerSecond),
		formatNumber(r.BucketsPerDay),
		formatBytes(r.OpenWindowBytes),
		formatBytes(r.SealedPerHourBytes),
		formatBytes(r.AggregateBufferBytes),
		formatBytes(r.QueryCacheBytes),
		formatBytes(r.TotalRAMBytes),
		formatBytes(r.ChunkStoragePerDayBytes),
		formatBytes(r.TotalStorageBytes),
		r.RecommendedCPUCores,
	)
}

// parseMemoryLimit parses a memory limit string like "2GB" into bytes.
func parseMemoryLimit(s string) int64 {
	if s == "" {
		return 2 * 1024 * 1024 * 1024 // Default 2GB
	}

	var value int64
	var unit string
	_, err := fmt.Sscanf(s, "%d%s", &value, &unit)
	if err != nil {
		// Try without space
		for i, c := range s {
			if c < '0' || c > '9' {
				fmt.Sscanf(s[:i], "%d", &value)
				unit = s[i:]
				break
			}
		}
	}

	switch unit {
	case "B", "b", "":
		return value
	case "KB", "kb", "K", "k":
		return value * 1024
	case "MB", "mb", "M", "m":
		return value * 1024 * 1024
	case "GB", "gb", "G", "g":
		return value * 1024 * 1024 * 1024
	case "TB", "tb", "T", "t":
		return value * 1024 * 1024 * 1024 * 1024
	default:
		return value
	}
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatNumber formats a number with thousand separators.
func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	if n < 1000000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	return fmt.Sprintf("%.1fB", float64(n)/1000000000)
}
