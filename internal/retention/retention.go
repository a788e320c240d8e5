// Package retention prunes old export files from the data directory.
package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Pattern matches the export files subject to retention.
const Pattern = "export_*.xls*"

// DefaultKeepDays is the retention window when none is configured.
const DefaultKeepDays = 7

// Manager deletes exports older than the retention window, always keeping the newest.
type Manager struct {
	log *zap.Logger
	now func() time.Time
}

// NewManager creates a retention Manager. A nil now uses time.Now.
func NewManager(log *zap.Logger, now func() time.Time) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{log: log, now: now}
}

type artifact struct {
	path    string
	modTime time.Time
}

// Prune removes every export in dir older than keepDays except the most recent
// one, and returns how many were deleted. A file that cannot be inspected or
// removed is logged and skipped; only failing to list dir is an error.
func (m *Manager) Prune(dir string, keepDays int) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read data dir: %w", err)
	}

	files := make([]artifact, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ok, _ := filepath.Match(Pattern, entry.Name()); !ok {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			m.log.Warn("skipping export", zap.String("path", path), zap.Error(err))
			continue
		}
		files = append(files, artifact{path: path, modTime: info.ModTime()})
	}
	if len(files) <= 1 {
		return 0, nil
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	cutoff := m.now().Add(-time.Duration(keepDays) * 24 * time.Hour)

	deleted := 0
	for _, f := range files[1:] {
		if !f.modTime.Before(cutoff) {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			m.log.Warn("could not delete export", zap.String("path", f.path), zap.Error(err))
			continue
		}
		deleted++
		m.log.Info("deleted old export", zap.String("path", f.path), zap.Time("modified", f.modTime))
	}
	m.log.Debug("retention pass done",
		zap.String("dir", dir),
		zap.Int("kept", len(files)-deleted),
		zap.Int("deleted", deleted))
	return deleted, nil
}
