package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/mbostore/internal/logging"
	"github.com/xtxerr/mbostore/internal/storage/compaction"
	"github.com/xtxerr/mbostore/internal/storage/config"
	"github.com/xtxerr/mbostore/internal/storage/types"
)

var log = logging.Component("retention")

// Area names used in results and disk usage.
const (
	AreaChunks    = "chunks"
	AreaSummaries = "summaries"
)

// Manager removes flushed files that fell out of the retention window.
// Age is measured on the logical clock: a bucket expires once the
// high-water mark is more than Retention.Chunks past its end.
type Manager struct {
	mu        sync.RWMutex
	config    *config.Config
	bucketing types.Bucketing
	stats     Stats
}

// Stats holds retention statistics.
type Stats struct {
	LastRunTime   time.Time
	LastHighWater uint64
	FilesDeleted  int64
	BytesFreed    int64
	FilesSkipped  int64
	Errors        int64
}

// CleanupResult holds the result of a cleanup operation.
type CleanupResult struct {
	Area         string
	Cutoff       uint64
	FilesDeleted int
	BytesFreed   int64
	FilesSkipped int
	Errors       []error
}

// New creates a new retention manager.
func New(cfg *config.Config, bucketing types.Bucketing) *Manager {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	return &Manager{
		config:    cfg,
		bucketing: bucketing,
	}
}

// Cutoff returns the timestamp at or before which data expires, and false
// if nothing can expire yet.
func (m *Manager) Cutoff(highWater uint64) (uint64, bool) {
	keep := m.config.Retention.Chunks
	if keep <= 0 || highWater <= uint64(keep) {
		return 0, false
	}
	return highWater - uint64(keep), true
}

// RunCleanup deletes expired files in all areas.
func (m *Manager) RunCleanup(highWater uint64) []CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.LastRunTime = time.Now()
	m.stats.LastHighWater = highWater

	results := m.cleanup(highWater, false)
	for _, result := range results {
		m.stats.FilesDeleted += int64(result.FilesDeleted)
		m.stats.BytesFreed += result.BytesFreed
		m.stats.FilesSkipped += int64(result.FilesSkipped)
		m.stats.Errors += int64(len(result.Errors))

		if result.FilesDeleted > 0 {
			log.Info("expired files removed",
				"area", result.Area,
				"files", result.FilesDeleted,
				"bytes", result.BytesFreed,
				"cutoff", result.Cutoff)
		}
	}

	return results
}

// DryRun simulates cleanup without deleting files.
func (m *Manager) DryRun(highWater uint64) []CleanupResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.cleanup(highWater, true)
}

func (m *Manager) cleanup(highWater uint64, dryRun bool) []CleanupResult {
	cutoff, ok := m.Cutoff(highWater)
	if !ok {
		return nil
	}

	return []CleanupResult{
		m.cleanupChunks(cutoff, dryRun),
		m.cleanupSummaries(cutoff, dryRun),
	}
}

// cleanupChunks removes chunk and reconciled files of expired buckets.
func (m *Manager) cleanupChunks(cutoff uint64, dryRun bool) CleanupResult {
	result := CleanupResult{Area: AreaChunks, Cutoff: cutoff}

	dirs, err := os.ReadDir(m.config.ChunkDir())
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, fmt.Errorf("list instruments: %w", err))
		}
		return result
	}

	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}

		files, err := compaction.ListBucketFiles(filepath.Join(m.config.ChunkDir(), dir.Name()))
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("list files: %w", err))
			continue
		}

		for _, f := range files {
			if m.bucketing.End(f.BucketID) > cutoff {
				result.FilesSkipped++
				continue
			}
			m.remove(&result, f.Path, dryRun)
		}
	}

	return result
}

// cleanupSummaries removes summary files written at or before the cutoff.
// Summary files are named by the high-water mark at flush time.
func (m *Manager) cleanupSummaries(cutoff uint64, dryRun bool) CleanupResult {
	result := CleanupResult{Area: AreaSummaries, Cutoff: cutoff}

	files, err := m.listFiles(m.config.SummaryDir())
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, fmt.Errorf("list files: %w", err))
		}
		return result
	}

	for _, file := range files {
		hw, err := parseSummaryHighWater(file.name)
		if err != nil || hw > cutoff {
			result.FilesSkipped++
			continue
		}
		m.remove(&result, file.path, dryRun)
	}

	return result
}

func (m *Manager) remove(result *CleanupResult, path string, dryRun bool) {
	info, err := os.Stat(path)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("stat %s: %w", path, err))
		return
	}

	if !dryRun {
		if err := os.Remove(path); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", path, err))
			return
		}
	}

	result.FilesDeleted++
	result.BytesFreed += info.Size()
}

// fileInfo holds information about a file.
type fileInfo struct {
	name string
	path string
	size int64
}

// listFiles lists all Parquet files in a directory.
func (m *Manager) listFiles(dir string) ([]fileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []fileInfo

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) != ".parquet" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		files = append(files, fileInfo{
			name: name,
			path: filepath.Join(dir, name),
			size: info.Size(),
		})
	}

	// Sort by name (oldest first)
	sort.Slice(files, func(i, j int) bool {
		return files[i].name < files[j].name
	})

	return files, nil
}

// parseSummaryHighWater extracts the high-water mark from
// "<highwater>-<seq>.parquet".
func parseSummaryHighWater(name string) (uint64, error) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	hw, _, ok := strings.Cut(base, "-")
	if !ok {
		return 0, fmt.Errorf("unexpected summary file name: %s", name)
	}
	return strconv.ParseUint(hw, 10, 64)
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ManagerStats{
		LastRunTime:   m.stats.LastRunTime,
		LastHighWater: m.stats.LastHighWater,
		FilesDeleted:  m.stats.FilesDeleted,
		BytesFreed:    m.stats.BytesFreed,
		FilesSkipped:  m.stats.FilesSkipped,
		Errors:        m.stats.Errors,
	}
}

// ManagerStats holds manager statistics.
type ManagerStats struct {
	LastRunTime   time.Time
	LastHighWater uint64
	FilesDeleted  int64
	BytesFreed    int64
	FilesSkipped  int64
	Errors        int64
}

// GetDiskUsage returns disk usage per area.
func (m *Manager) GetDiskUsage() map[string]DiskUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	usage := make(map[string]DiskUsage)

	var chunks DiskUsage
	if dirs, err := os.ReadDir(m.config.ChunkDir()); err == nil {
		for _, dir := range dirs {
			if !dir.IsDir() {
				continue
			}
			files, err := m.listFiles(filepath.Join(m.config.ChunkDir(), dir.Name()))
			if err != nil {
				continue
			}
			for _, f := range files {
				chunks.FileCount++
				chunks.TotalSize += f.size
			}
		}
	}
	usage[AreaChunks] = chunks

	var summaries DiskUsage
	if files, err := m.listFiles(m.config.SummaryDir()); err == nil {
		for _, f := range files {
			summaries.FileCount++
			summaries.TotalSize += f.size
		}
	}
	usage[AreaSummaries] = summaries

	return usage
}

// DiskUsage holds disk usage information.
type DiskUsage struct {
	FileCount int
	TotalSize int64
}

// FormatDiskUsage returns a formatted string of disk usage.
func (m *Manager) FormatDiskUsage() string {
	usage := m.GetDiskUsage()

	var result string
	var totalSize int64
	var totalFiles int

	for _, area := range []string{AreaChunks, AreaSummaries} {
		u := usage[area]
		totalSize += u.TotalSize
		totalFiles += u.FileCount

		result += fmt.Sprintf("  %s: %d files, %s\n",
			area,
			u.FileCount,
			formatBytes(u.TotalSize),
		)
	}

	result = fmt.Sprintf("Disk Usage:\n%s  Total: %d files, %s\n",
		result, totalFiles, formatBytes(totalSize))

	return result
}

// formatBytes formats bytes as human-readable string.
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
