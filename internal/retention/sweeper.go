// Package retention implements the Retention Sweeper (§4.10): a daily,
// concurrency-safe sweep of local-clip and offline-alert directories that
// deletes files older than retention_days. Grounded on the teacher's
// internal/audit's safe-purge-date convention, generalized from a fixed
// 7-year compliance floor to a configurable daily sweep over arbitrary
// directories.
package retention

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config names the directories to sweep and how old a file must be.
type Config struct {
	Directories   []string
	RetentionDays int
}

// DefaultRetentionDays matches §4.10.
const DefaultRetentionDays = 30

// Sweeper runs Config.Directories through a mtime-based purge. Safe for
// concurrent invocation: SweepOnce serializes itself via an internal mutex,
// so an external cron firing alongside the daily in-process timer cannot
// race the same directory.
type Sweeper struct {
	Config Config
	mu     sync.Mutex
}

// NewSweeper builds a Sweeper with the given directories and retention
// window. A zero or negative retentionDays falls back to DefaultRetentionDays.
func NewSweeper(directories []string, retentionDays int) *Sweeper {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Sweeper{Config: Config{Directories: directories, RetentionDays: retentionDays}}
}

// Result summarizes one sweep pass.
type Result struct {
	FilesDeleted int
	BytesFreed   int64
	Errors       int
}

// SweepOnce walks every configured directory and deletes files whose
// modification time is older than RetentionDays. Per-file unlink failures
// are logged, not fatal (§4.10).
func (s *Sweeper) SweepOnce(now time.Time) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.AddDate(0, 0, -s.Config.RetentionDays)
	var result Result

	for _, dir := range s.Config.Directories {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Printf("[retention] read dir %s: %v", dir, err)
				result.Errors++
			}
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				log.Printf("[retention] stat %s: %v", entry.Name(), err)
				result.Errors++
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}

			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err != nil {
				log.Printf("[retention] unlink %s: %v", path, err)
				result.Errors++
				continue
			}
			result.FilesDeleted++
			result.BytesFreed += info.Size()
		}
	}

	return result
}

// RunDaily blocks, invoking SweepOnce once per interval until stop is
// closed. Intended to be run in its own goroutine from cmd/server.
func (s *Sweeper) RunDaily(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case t := <-ticker.C:
			res := s.SweepOnce(t)
			if res.FilesDeleted > 0 || res.Errors > 0 {
				log.Printf("[retention] swept %d files (%d bytes freed, %d errors)", res.FilesDeleted, res.BytesFreed, res.Errors)
			}
		}
	}
}
