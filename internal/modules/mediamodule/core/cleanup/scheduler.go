// Package cleanup sweeps abandoned upload sessions and, on request, old HLS
// artifacts. Nothing is removed before the owning session's expiresAt.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/chunks"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/metrics"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/session"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/core/storage"
	mediaerrors "github.com/mantonx/beatdrop/internal/modules/mediamodule/errors"
)

// Config contains cleanup configuration
type Config struct {
	Interval        time.Duration
	TempDir         string
	RetentionWindow time.Duration
	// OrphanGrace is how old an unowned temp dir must be before removal
	OrphanGrace time.Duration
	// CompletedRetention is how long completed sessions stay queryable;
	// zero keeps them forever
	CompletedRetention time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Interval:        15 * time.Minute,
		TempDir:         filepath.Join(os.TempDir(), "beatdrop"),
		RetentionWindow: 30 * 24 * time.Hour,
		OrphanGrace:     24 * time.Hour,

		CompletedRetention: 7 * 24 * time.Hour,
	}
}

// Stats describes the most recent sweep
type Stats struct {
	LastSweep       time.Time     `json:"lastSweep"`
	Duration        time.Duration `json:"duration"`
	ExpiredSessions int           `json:"expiredSessions"`
	RetiredSessions int           `json:"retiredSessions"`
	DeletedChunks   int           `json:"deletedChunks"`
	RemovedTempDirs int           `json:"removedTempDirs"`
	Errors          int           `json:"errors"`
	TotalSweeps     int           `json:"totalSweeps"`
}

// PurgeResult describes one HLS purge
type PurgeResult struct {
	Cutoff  time.Time `json:"cutoff"`
	Deleted int       `json:"deleted"`
}

// Scheduler removes expired sessions with their chunks and temp files
type Scheduler struct {
	store   session.Store
	objects storage.ObjectStore
	config  Config
	metrics *metrics.Metrics
	logger  hclog.Logger

	mu    sync.Mutex
	stats Stats
	// sweeping serializes sweeps started by Run and by direct calls
	sweeping sync.Mutex
}

// NewScheduler creates a new cleanup scheduler
func NewScheduler(store session.Store, objects storage.ObjectStore, config Config, m *metrics.Metrics, logger hclog.Logger) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Scheduler{
		store:   store,
		objects: objects,
		config:  config,
		metrics: m,
		logger:  logger.Named("cleanup-scheduler"),
	}
}

// Run sweeps once immediately and then on every interval until ctx is done
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("starting cleanup scheduler",
		"interval", s.config.Interval,
		"temp_dir", s.config.TempDir)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			s.logger.Info("cleanup scheduler stopped")
			return
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	if _, err := s.SweepExpired(ctx, time.Now()); err != nil {
		s.logger.Error("cleanup sweep failed", "error", err)
	}
}

// SweepExpired deletes every session whose expiresAt is before now and that
// never completed, along with its chunks and temp dir. Sessions still
// processing are left alone. Completed sessions are dropped once older than
// CompletedRetention, and temp dirs that no session owns once older than
// OrphanGrace.
func (s *Scheduler) SweepExpired(ctx context.Context, now time.Time) (Stats, error) {
	s.sweeping.Lock()
	defer s.sweeping.Unlock()

	started := time.Now()
	run := Stats{LastSweep: now}

	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		s.recordErrorSweep(run)
		return run, err
	}

	for _, sess := range expired {
		if ctx.Err() != nil {
			break
		}
		// never before expiresAt
		if !sess.Expired(now) {
			continue
		}

		logger := s.logger.With("session_id", sess.ID, "status", sess.Status, "expires_at", sess.ExpiresAt)

		n, err := s.objects.DeletePrefix(ctx, storage.ChunkPrefix(sess.ID))
		if err != nil {
			logger.Warn("failed to delete chunks", "error", err)
			run.Errors++
			continue
		}
		run.DeletedChunks += n

		dir := chunks.SessionDir(s.config.TempDir, sess.ID)
		if _, statErr := os.Stat(dir); statErr == nil {
			if err := os.RemoveAll(dir); err != nil {
				logger.Warn("failed to remove temp dir", "error", err)
				run.Errors++
				continue
			}
			run.RemovedTempDirs++
		}

		if err := s.store.Delete(ctx, sess.ID); err != nil {
			logger.Warn("failed to delete session", "error", err)
			run.Errors++
			continue
		}
		run.ExpiredSessions++
		logger.Debug("expired session removed", "chunks", n)
	}

	run.RetiredSessions = s.retireCompleted(ctx, now, &run)
	run.RemovedTempDirs += s.removeOrphanedTempDirs(ctx, now, &run)
	run.Duration = time.Since(started)

	s.metrics.CleanupDeleted("sessions", run.ExpiredSessions)
	s.metrics.CleanupDeleted("completed_sessions", run.RetiredSessions)
	s.metrics.CleanupDeleted("chunks", run.DeletedChunks)
	s.metrics.CleanupDeleted("temp_dirs", run.RemovedTempDirs)

	s.mu.Lock()
	run.TotalSweeps = s.stats.TotalSweeps + 1
	s.stats = run
	s.mu.Unlock()

	if run.ExpiredSessions > 0 || run.RetiredSessions > 0 || run.RemovedTempDirs > 0 || run.Errors > 0 {
		s.logger.Info("cleanup sweep completed",
			"expired_sessions", run.ExpiredSessions,
			"retired_sessions", run.RetiredSessions,
			"deleted_chunks", run.DeletedChunks,
			"removed_temp_dirs", run.RemovedTempDirs,
			"errors", run.Errors,
			"duration", run.Duration)
	}
	return run, nil
}

func (s *Scheduler) recordErrorSweep(run Stats) {
	run.Errors++
	s.mu.Lock()
	run.TotalSweeps = s.stats.TotalSweeps + 1
	s.stats = run
	s.mu.Unlock()
}

// retireCompleted drops completed sessions past the retention window. Their
// chunks and temp dirs were already removed by the gateway.
func (s *Scheduler) retireCompleted(ctx context.Context, now time.Time, run *Stats) int {
	if s.config.CompletedRetention <= 0 {
		return 0
	}

	done, err := s.store.ListCompletedBefore(ctx, now.Add(-s.config.CompletedRetention))
	if err != nil {
		s.logger.Warn("failed to list completed sessions", "error", err)
		run.Errors++
		return 0
	}

	retired := 0
	for _, sess := range done {
		if ctx.Err() != nil {
			break
		}
		if err := s.store.Delete(ctx, sess.ID); err != nil {
			s.logger.Warn("failed to delete completed session", "session_id", sess.ID, "error", err)
			run.Errors++
			continue
		}
		retired++
	}
	return retired
}

// removeOrphanedTempDirs removes temp dirs left by crashed runs whose
// session no longer exists
func (s *Scheduler) removeOrphanedTempDirs(ctx context.Context, now time.Time, run *Stats) int {
	if s.config.TempDir == "" || s.config.OrphanGrace <= 0 {
		return 0
	}

	entries, err := os.ReadDir(s.config.TempDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read temp dir", "dir", s.config.TempDir, "error", err)
		}
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || now.Sub(info.ModTime()) < s.config.OrphanGrace {
			continue
		}

		_, err = s.store.Get(ctx, entry.Name())
		if !mediaerrors.IsType(err, mediaerrors.ErrorTypeNotFound) {
			continue
		}

		dir := filepath.Join(s.config.TempDir, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("failed to remove orphaned temp dir", "dir", dir, "error", err)
			run.Errors++
			continue
		}
		s.logger.Debug("removed orphaned temp dir", "dir", dir)
		removed++
	}
	return removed
}

// PurgeHLS deletes playlist and segment objects last modified before
// now-olderThan. A zero olderThan uses the configured retention window.
// Callers decide which beats are safe to purge; nothing is reference counted.
func (s *Scheduler) PurgeHLS(ctx context.Context, olderThan time.Duration) (PurgeResult, error) {
	if olderThan <= 0 {
		olderThan = s.config.RetentionWindow
	}
	cutoff := time.Now().Add(-olderThan)
	result := PurgeResult{Cutoff: cutoff}

	objects, err := s.objects.List(ctx, storage.PurposePlaylist+"/")
	if err != nil {
		return result, err
	}

	for _, obj := range objects {
		if !obj.LastModified.Before(cutoff) {
			continue
		}
		if err := s.objects.Delete(ctx, obj.Key); err != nil {
			s.logger.Warn("failed to delete playlist object", "key", obj.Key, "error", err)
			return result, err
		}
		result.Deleted++
	}

	s.metrics.CleanupDeleted("hls_objects", result.Deleted)
	s.logger.Info("HLS purge completed", "cutoff", cutoff, "deleted", result.Deleted)
	return result, nil
}

// Stats returns the counters of the last sweep
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
