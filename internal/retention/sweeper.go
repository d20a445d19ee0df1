// Package retention keeps the artifact store bounded to the newest N files.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/simplelife2010/AIM/internal/metrics"
	"github.com/simplelife2010/AIM/internal/store"
)

// ErrNegativeKeep is returned for a keep count below zero
var ErrNegativeKeep = errors.New("keep count cannot be negative")

// Result is the outcome of one sweep
type Result struct {
	Found        int           `json:"found"`
	Kept         int           `json:"kept"`
	DeletedFiles int           `json:"deleted_files"`
	DeletedDirs  int           `json:"deleted_dirs"`
	Errors       int           `json:"errors"`
	Duration     time.Duration `json:"duration_ns"`
}

// Stats represents sweeper statistics
type Stats struct {
	Root              string    `json:"root"`
	KeepCount         int       `json:"keep_count"`
	Sweeps            uint64    `json:"sweeps"`
	TotalDeletedFiles uint64    `json:"total_deleted_files"`
	TotalDeletedDirs  uint64    `json:"total_deleted_dirs"`
	TotalErrors       uint64    `json:"total_errors"`
	LastSweep         time.Time `json:"last_sweep,omitempty"`
	LastResult        *Result   `json:"last_result,omitempty"`
}

// Sweeper deletes the oldest finalized artifacts under a root directory
type Sweeper struct {
	root    string
	logger  *slog.Logger
	metrics *metrics.Metrics

	keep atomic.Int64

	// serializes sweeps; the ticker and a manual sweep may overlap
	sweepMu sync.Mutex

	statsMu   sync.Mutex
	sweeps    uint64
	files     uint64
	dirs      uint64
	errors    uint64
	lastSweep time.Time
	last      *Result
}

type entry struct {
	path    string
	modTime time.Time
}

// NewSweeper creates a sweeper for root keeping the newest keep files
func NewSweeper(root string, keep int, logger *slog.Logger, m *metrics.Metrics) (*Sweeper, error) {
	if root == "" {
		return nil, fmt.Errorf("retention root cannot be empty")
	}
	if keep < 0 {
		return nil, ErrNegativeKeep
	}

	s := &Sweeper{
		root:    filepath.Clean(root),
		logger:  logger,
		metrics: m,
	}
	s.keep.Store(int64(keep))
	return s, nil
}

// Sweep deletes all but the newest keep finalized files, oldest first by
// modification time, then removes directories left empty. The root itself
// is never removed. Individual failures are logged and counted; the sweep
// carries on.
func (s *Sweeper) Sweep(keep int) (Result, error) {
	if keep < 0 {
		return Result{}, ErrNegativeKeep
	}

	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	started := time.Now()
	var result Result

	files, dirs, walkErrs := s.collect()
	result.Errors += walkErrs
	result.Found = len(files)

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	excess := len(files) - keep
	for i := 0; i < excess; i++ {
		if err := os.Remove(files[i].path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result.Errors++
			s.logger.Warn("Failed to delete artifact",
				slog.String("path", files[i].path),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.DeletedFiles++
	}
	result.Kept = len(files) - result.DeletedFiles

	deletedDirs, dirErrs := s.removeEmptyDirs(dirs)
	result.DeletedDirs = deletedDirs
	result.Errors += dirErrs
	result.Duration = time.Since(started)

	s.record(result)

	if result.DeletedFiles > 0 || result.Errors > 0 {
		s.logger.Info("Retention sweep completed",
			slog.Int("found", result.Found),
			slog.Int("deleted_files", result.DeletedFiles),
			slog.Int("deleted_dirs", result.DeletedDirs),
			slog.Int("errors", result.Errors),
			slog.Duration("duration", result.Duration),
		)
	}

	return result, nil
}

// collect walks the root and returns finalized files and all directories
// below the root, deepest paths last.
func (s *Sweeper) collect() ([]entry, []string, int) {
	var files []entry
	var dirs []string
	errs := 0

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			errs++
			s.logger.Warn("Failed to read retention path",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path != s.root {
				dirs = append(dirs, path)
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasSuffix(path, store.PartSuffix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// removed since the directory was read
			return nil
		}
		files = append(files, entry{path: path, modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		errs++
		s.logger.Warn("Retention walk aborted", slog.String("error", err.Error()))
	}

	return files, dirs, errs
}

// removeEmptyDirs removes empty directories bottom-up. WalkDir visits
// parents before children, so walking the list backwards handles children first.
func (s *Sweeper) removeEmptyDirs(dirs []string) (int, int) {
	removed, errs := 0, 0

	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs++
			}
			continue
		}
		if len(entries) > 0 {
			continue
		}
		if err := os.Remove(dirs[i]); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs++
				s.logger.Warn("Failed to remove empty directory",
					slog.String("path", dirs[i]),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		removed++
	}

	return removed, errs
}

func (s *Sweeper) record(result Result) {
	s.statsMu.Lock()
	s.sweeps++
	s.files += uint64(result.DeletedFiles)
	s.dirs += uint64(result.DeletedDirs)
	s.errors += uint64(result.Errors)
	s.lastSweep = time.Now()
	s.last = &result
	s.statsMu.Unlock()

	s.metrics.RecordSweep(result.DeletedFiles, result.DeletedDirs, result.Errors, result.Kept)
}

// Run sweeps with the current keep count every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("retention interval must be positive, got %v", interval)
	}

	s.logger.Info("Retention sweeper started",
		slog.String("root", s.root),
		slog.Int("keep_count", s.KeepCount()),
		slog.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Retention sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(s.KeepCount()); err != nil {
				s.logger.Error("Retention sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Reconfigure changes the keep count used by Run
func (s *Sweeper) Reconfigure(keep int) error {
	if keep < 0 {
		return ErrNegativeKeep
	}
	if previous := s.keep.Swap(int64(keep)); previous != int64(keep) {
		s.logger.Info("Retention keep count updated",
			slog.Int64("previous", previous),
			slog.Int("keep_count", keep),
		)
	}
	return nil
}

// KeepCount returns the keep count used by Run
func (s *Sweeper) KeepCount() int {
	return int(s.keep.Load())
}

// GetStats returns current sweeper statistics
func (s *Sweeper) GetStats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	stats := Stats{
		Root:              s.root,
		KeepCount:         s.KeepCount(),
		Sweeps:            s.sweeps,
		TotalDeletedFiles: s.files,
		TotalDeletedDirs:  s.dirs,
		TotalErrors:       s.errors,
		LastSweep:         s.lastSweep,
	}
	if s.last != nil {
		last := *s.last
		stats.LastResult = &last
	}
	return stats
}
