package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eargollo/radscan/internal/cache"
	"github.com/eargollo/radscan/internal/scan"
)

// Scheduler runs the periodic rescan and the daily cache sweep.
type Scheduler struct {
	mu       sync.RWMutex
	c        *cron.Cron
	mgr      *scan.Manager
	store    *cache.Store
	entryID  cron.EntryID
	cronExpr string
	paused   bool
}

// New creates a stopped Scheduler. Call Start to activate it.
func New(mgr *scan.Manager, store *cache.Store) *Scheduler {
	return &Scheduler{
		c:     cron.New(),
		mgr:   mgr,
		store: store,
	}
}

// SetRescan replaces the scheduled rescan with the given cron expression.
// Scheduled scans use the manager's default options: no explicit target,
// no refresh, so unexpired cached collections are skipped.
func (s *Scheduler) SetRescan(expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entryID != 0 {
		s.c.Remove(s.entryID)
	}

	id, err := s.c.AddFunc(expr, s.runScan)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	s.entryID = id
	s.cronExpr = expr
	slog.Info("scheduler: rescan set", "cron", expr)
	return nil
}

func (s *Scheduler) runScan() {
	s.mu.RLock()
	paused := s.paused
	s.mu.RUnlock()
	if paused {
		slog.Info("scheduler: scan skipped, scanning is paused")
		return
	}

	_, err := s.mgr.Start(context.Background(), "schedule", scan.StartRequest{})
	if errors.Is(err, scan.ErrAlreadyRunning) {
		slog.Info("scheduler: scan skipped, one is already running")
		return
	}
	if err != nil {
		slog.Error("scheduler: scan failed to start", "error", err)
	}
}

// Start begins the cron loop. The daily sweep removing expired cache entries
// and leftover temp files is registered here so it runs on every deployment.
func (s *Scheduler) Start() {
	if _, err := s.c.AddFunc("30 3 * * *", func() {
		removed, err := s.store.Sweep()
		if err != nil {
			slog.Warn("scheduler: cache sweep", "error", err)
			return
		}
		if removed > 0 {
			slog.Info("scheduler: cache sweep", "removed", removed)
		}
	}); err != nil {
		slog.Error("scheduler: sweep job", "error", err)
	}
	s.c.Start()
}

// Stop halts the cron loop gracefully.
func (s *Scheduler) Stop() {
	s.c.Stop()
}

// SetPaused toggles whether scheduled scans actually run. Manually triggered
// scans are unaffected.
func (s *Scheduler) SetPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
}

// NextRunAt returns the next scheduled rescan time, or nil if no job is set.
func (s *Scheduler) NextRunAt() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.entryID == 0 {
		return nil
	}
	entry := s.c.Entry(s.entryID)
	if entry.ID == 0 {
		return nil
	}
	t := entry.Next
	return &t
}

// CronExpr returns the current rescan expression.
func (s *Scheduler) CronExpr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cronExpr
}
