package scan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eargollo/radscan/internal/cache"
	"github.com/eargollo/radscan/internal/memory"
	"github.com/eargollo/radscan/internal/report"
)

// ErrAlreadyRunning is returned when a scan is started while one is in progress.
var ErrAlreadyRunning = errors.New("a scan is already in progress")

// ErrNoActiveScan is returned when cancel is called with no scan running.
var ErrNoActiveScan = errors.New("no scan is currently running")

// ActiveScan holds live information about the running scan.
type ActiveScan struct {
	ID          int64
	StartedAt   time.Time
	TriggeredBy string
	Target      string
	Progress    *Progress
	Reporter    *Reporter
}

// Manager enforces a single-active-scan invariant and exposes start/cancel.
// It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	db      *sql.DB
	archive Archive
	cache   *cache.Store
	gate    *memory.Gate
	monitor *memory.Monitor
	opts    Options
	outer   int

	active     *ActiveScan
	cancelFn   context.CancelFunc
	lastReport []report.CollectionStatus
}

// NewManager creates a Manager. opts are the defaults for future scans;
// Start may override the target and refresh flag per run.
func NewManager(db *sql.DB, a Archive, store *cache.Store, gate *memory.Gate, monitor *memory.Monitor, opts Options, outerCap int) *Manager {
	return &Manager{
		db:      db,
		archive: a,
		cache:   store,
		gate:    gate,
		monitor: monitor,
		opts:    opts,
		outer:   outerCap,
	}
}

// Options returns the current default scan options.
func (m *Manager) Options() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}

// UpdateOptions replaces the default options used for future scans.
// It does NOT affect a currently running scan.
func (m *Manager) UpdateOptions(opts Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts = opts
}

// StartRequest selects what one scan run covers.
type StartRequest struct {
	// Target is empty for everything, a group name, or a collection name.
	Target string
	// Collections is the resolved target; nil means list the archive.
	Collections []string
	// Refresh bypasses cache reads and overwrites entries.
	Refresh bool
}

// Start launches an asynchronous scan. Returns an ActiveScan snapshot or
// ErrAlreadyRunning if a scan is already in progress.
func (m *Manager) Start(parentCtx context.Context, triggeredBy string, req StartRequest) (*ActiveScan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, ErrAlreadyRunning
	}

	// Create the scan_history record NOW so the ID is available immediately
	// in the HTTP response, before the goroutine begins executing.
	startedAt := time.Now()
	scanID, err := insertScanRecord(m.db, startedAt, triggeredBy, req.Target)
	if err != nil {
		return nil, fmt.Errorf("create scan record: %w", err)
	}

	opts := m.opts
	opts.Target = req.Target
	opts.Collections = req.Collections
	opts.Refresh = req.Refresh

	progress := &Progress{}
	reporter := NewReporter(256)
	scanCtx, cancel := context.WithCancel(parentCtx)

	active := &ActiveScan{
		ID:          scanID,
		StartedAt:   startedAt,
		TriggeredBy: triggeredBy,
		Target:      req.Target,
		Progress:    progress,
		Reporter:    reporter,
	}
	m.active = active
	m.cancelFn = cancel

	scanner := New(m.db, m.archive, m.cache, m.gate, m.outer)

	go func() {
		defer cancel()
		statuses, err := m.execute(scanCtx, scanner, scanID, opts, startedAt, progress, reporter)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("scan run error", "error", err)
		}

		m.mu.Lock()
		m.active = nil
		m.cancelFn = nil
		m.lastReport = statuses
		m.mu.Unlock()
	}()

	return active, nil
}

// execute runs the scan for an already-created record, flushing progress to
// the ledger once a second and sampling memory throughout.
func (m *Manager) execute(ctx context.Context, scanner *Scanner, scanID int64, opts Options, startedAt time.Time, progress *Progress, reporter *Reporter) ([]report.CollectionStatus, error) {
	slog.Info("scan started", "id", scanID, "target", opts.Target, "refresh", opts.Refresh)

	if m.monitor != nil {
		go m.monitor.Run(ctx)
	}

	flushStop := make(chan struct{})
	go progressFlusher(ctx, m.db, scanID, progress, flushStop)

	statuses, runErr := scanner.run(ctx, scanID, opts, progress, reporter)
	close(flushStop)

	status := "completed"
	if ctx.Err() != nil {
		status = "cancelled"
		if runErr == nil {
			runErr = ctx.Err()
		}
	} else if runErr != nil {
		status = "failed"
	}

	finishedAt := time.Now()
	duration := int64(finishedAt.Sub(startedAt).Seconds())
	if finalErr := finaliseScanRecord(m.db, scanID, status, finishedAt.Unix(), duration, progress); finalErr != nil {
		slog.Error("finalise scan record", "id", scanID, "error", finalErr)
	}

	slog.Info("scan finished", "id", scanID, "status", status,
		"collections_scanned", progress.CollectionsScanned.Load(),
		"collections_cached", progress.CollectionsCached.Load(),
		"collections_failed", progress.CollectionsFailed.Load(),
		"reports_found", progress.ReportsFound.Load(),
		"dropped_events", reporter.Dropped())

	return statuses, runErr
}

// Cancel stops the currently running scan. Returns ErrNoActiveScan if idle.
func (m *Manager) Cancel() (*ActiveScan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil, ErrNoActiveScan
	}

	snap := *m.active
	m.cancelFn()
	return &snap, nil
}

// ActiveScan returns a snapshot of the running scan, or nil when idle.
func (m *Manager) ActiveScan() *ActiveScan {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	snap := *m.active
	return &snap
}

// LastReport returns the per-collection report of the most recently finished
// scan, or nil if none has finished since startup.
func (m *Manager) LastReport() []report.CollectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReport
}

// Wait blocks until no scan is active or ctx is done. Intended for the
// one-shot CLI mode.
func (m *Manager) Wait(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.ActiveScan() == nil {
				return nil
			}
		}
	}
}

// MarkStaleScansFailed marks any scan_history rows still in 'running' state
// as 'failed'. This should be called once at startup in case a previous
// process crashed mid-scan.
func MarkStaleScansFailed(db *sql.DB) error {
	res, err := db.Exec(`
		UPDATE scan_history
		SET status = 'failed', finished_at = ?
		WHERE status = 'running'`,
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("mark stale scans failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("marked stale scans as failed", "count", n)
	}
	return nil
}
