// Package retention sweeps the data directory of files nobody will read
// again: partition and summary temp files orphaned by a crash in the middle
// of a rewrite, and journal segments old enough that every packet in them
// has completed a record or been evicted. Partitions themselves are never
// deleted.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/evtrack/internal/logging"
	"github.com/xtxerr/evtrack/internal/storage/config"
	"github.com/xtxerr/evtrack/internal/storage/parquet"
	"github.com/xtxerr/evtrack/internal/storage/wal"
)

// Manager handles periodic cleanup of the data directory.
type Manager struct {
	mu      sync.RWMutex
	config  *config.Config
	journal *wal.Writer
	logger  *slog.Logger
	now     func() time.Time
	stats   Stats
}

// Stats holds retention statistics.
type Stats struct {
	LastRunTime      time.Time
	Runs             int64
	TempFilesDeleted int64
	SegmentsDeleted  int64
	BytesFreed       int64
	Errors           int64
}

// CleanupResult holds the result of one sweep.
type CleanupResult struct {
	TempFilesDeleted int
	SegmentsDeleted  int
	BytesFreed       int64
	FilesSkipped     int
	Errors           []error
}

// New creates a new retention manager. journal may be nil when journaling
// is disabled.
func New(cfg *config.Config, journal *wal.Writer) *Manager {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	return &Manager{
		config:  cfg,
		journal: journal,
		logger:  logging.Component("retention"),
		now:     time.Now,
	}
}

// RunCleanup performs one sweep.
func (m *Manager) RunCleanup() CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := m.sweep(false)

	m.stats.LastRunTime = m.now()
	m.stats.Runs++
	m.stats.TempFilesDeleted += int64(result.TempFilesDeleted)
	m.stats.SegmentsDeleted += int64(result.SegmentsDeleted)
	m.stats.BytesFreed += result.BytesFreed
	m.stats.Errors += int64(len(result.Errors))

	if result.TempFilesDeleted > 0 || result.SegmentsDeleted > 0 {
		m.logger.Info("retention sweep",
			"temp_files", result.TempFilesDeleted,
			"segments", result.SegmentsDeleted,
			"bytes_freed", result.BytesFreed)
	}
	for _, err := range result.Errors {
		m.logger.Warn("retention sweep error", "error", err)
	}

	return result
}

// DryRun reports what a sweep would remove without deleting files.
func (m *Manager) DryRun() CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sweep(true)
}

// Run sweeps every Retention.Interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.config.Retention.Interval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunCleanup()
		}
	}
}

func (m *Manager) sweep(dryRun bool) CleanupResult {
	var result CleanupResult
	now := m.now()

	graceCutoff := now.Add(-m.config.Retention.TempFileGrace)
	for _, dir := range []string{m.config.PartitionsDir(), m.config.DataDir} {
		m.sweepTempFiles(dir, graceCutoff, dryRun, &result)
	}

	if ttl := m.config.Reassembly.PendingTTL; ttl > 0 {
		m.sweepSegments(now.Add(-ttl), dryRun, &result)
	}

	return result
}

func (m *Manager) sweepTempFiles(dir string, cutoff time.Time, dryRun bool, result *CleanupResult) {
	files, err := listFiles(dir, func(name string) bool { return parquet.IsTempFile(name) })
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, fmt.Errorf("list %s: %w", dir, err))
		}
		return
	}

	for _, f := range files {
		if !f.modTime.Before(cutoff) {
			// Possibly an in-flight rewrite.
			result.FilesSkipped++
			continue
		}

		if !dryRun {
			if err := os.Remove(f.path); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", f.path, err))
				continue
			}
		}

		result.TempFilesDeleted++
		result.BytesFreed += f.size
	}
}

func (m *Manager) sweepSegments(cutoff time.Time, dryRun bool, result *CleanupResult) {
	if m.journal == nil {
		return
	}

	paths, err := m.journal.ListSegments()
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list segments: %w", err))
		return
	}

	current := m.journal.CurrentSegment()
	var expired []fileInfo
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if p == current || !info.ModTime().Before(cutoff) {
			break
		}
		expired = append(expired, fileInfo{path: p, size: info.Size()})
	}

	if dryRun {
		for _, f := range expired {
			result.SegmentsDeleted++
			result.BytesFreed += f.size
		}
		return
	}

	deleted, err := m.journal.DeleteSegmentsOlderThan(cutoff)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("delete segments: %w", err))
	}
	for i := 0; i < deleted && i < len(expired); i++ {
		result.BytesFreed += expired[i].size
	}
	result.SegmentsDeleted += deleted
}

// fileInfo holds information about a file.
type fileInfo struct {
	name    string
	path    string
	size    int64
	modTime time.Time
}

// listFiles lists the regular files of dir accepted by keep, sorted by name.
func listFiles(dir string, keep func(name string) bool) ([]fileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []fileInfo
	for _, entry := range entries {
		if entry.IsDir() || !keep(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		files = append(files, fileInfo{
			name:    entry.Name(),
			path:    filepath.Join(dir, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].name < files[j].name
	})

	return files, nil
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Area names a part of the data directory.
type Area string

// Data directory areas.
const (
	AreaPartitions Area = "partitions"
	AreaSummary    Area = "summary"
	AreaJournal    Area = "journal"
)

// Areas lists the areas in display order.
func Areas() []Area {
	return []Area{AreaPartitions, AreaSummary, AreaJournal}
}

// DiskUsage holds disk usage information.
type DiskUsage struct {
	FileCount int
	TotalSize int64
}

// GetDiskUsage returns disk usage per area.
func (m *Manager) GetDiskUsage() map[Area]DiskUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	usage := make(map[Area]DiskUsage)

	if files, err := listFiles(m.config.PartitionsDir(), func(name string) bool {
		return filepath.Ext(name) == ".parquet" && !parquet.IsTempFile(name)
	}); err == nil {
		usage[AreaPartitions] = sum(files)
	}

	summary := m.config.SummaryPath()
	if files, err := listFiles(filepath.Dir(summary), func(name string) bool {
		return name == filepath.Base(summary)
	}); err == nil {
		usage[AreaSummary] = sum(files)
	}

	if files, err := listFiles(m.config.JournalDir(), func(name string) bool {
		return filepath.Ext(name) == ".wal"
	}); err == nil {
		usage[AreaJournal] = sum(files)
	}

	return usage
}

func sum(files []fileInfo) DiskUsage {
	var u DiskUsage
	for _, f := range files {
		u.FileCount++
		u.TotalSize += f.size
	}
	return u
}

// FormatDiskUsage returns a formatted string of disk usage.
func (m *Manager) FormatDiskUsage() string {
	usage := m.GetDiskUsage()

	var result string
	var totalSize int64
	var totalFiles int

	for _, area := range Areas() {
		u := usage[area]
		totalSize += u.TotalSize
		totalFiles += u.FileCount

		result += fmt.Sprintf("  %s: %d files, %s\n",
			area,
			u.FileCount,
			config.FormatBytes(u.TotalSize),
		)
	}

	return fmt.Sprintf("Disk Usage:\n%s  Total: %d files, %s\n",
		result, totalFiles, config.FormatBytes(totalSize))
}
