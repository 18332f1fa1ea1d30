package scan

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eargollo/radscan/internal/cache"
	"github.com/eargollo/radscan/internal/memory"
	"github.com/eargollo/radscan/internal/report"
)

// Scanner iterates target collections, consults the cache store, and fans
// cache misses out to the patient filter. Collections run concurrently up to
// a small outer cap so the filter's inner ceiling is never multiplied
// unbounded.
type Scanner struct {
	db       *sql.DB
	archive  Archive
	cache    *cache.Store
	gate     *memory.Gate
	outerCap int
}

// New creates a Scanner.
func New(db *sql.DB, a Archive, store *cache.Store, gate *memory.Gate, outerCap int) *Scanner {
	if outerCap < 1 {
		outerCap = 1
	}
	return &Scanner{db: db, archive: a, cache: store, gate: gate, outerCap: outerCap}
}

// run executes one scan over the resolved collection list, returning one
// status per collection in listing order. A per-collection failure never
// aborts siblings; run itself fails only when the collection listing fails
// or the scan is cancelled.
func (s *Scanner) run(ctx context.Context, scanID int64, opts Options, progress *Progress, reporter *Reporter) ([]report.CollectionStatus, error) {
	collections := opts.Collections
	if collections == nil {
		var err error
		collections, err = s.archive.ListCollections(ctx)
		if err != nil {
			return nil, fmt.Errorf("list collections: %w", err)
		}
	}
	progress.CollectionsTotal.Store(int64(len(collections)))

	detector := NewDetector(s.archive, opts.SampleSeriesLimit, opts.DeepScan, progress)
	filter := NewFilter(detector, s.gate, opts.EarlyExitSample, reporter)

	statuses := make([]report.CollectionStatus, len(collections))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.outerCap)
	for i, name := range collections {
		i, name := i, name
		g.Go(func() error {
			statuses[i] = s.scanCollection(gctx, scanID, name, opts, filter, progress)
			return nil
		})
	}
	g.Wait()

	return statuses, ctx.Err()
}

// scanCollection drives one collection through its states:
// cache check → (hit: done) | (miss: scanning → merging → done) | failed.
func (s *Scanner) scanCollection(ctx context.Context, scanID int64, name string, opts Options, filter *Filter, progress *Progress) report.CollectionStatus {
	paramsHash := opts.ParamsHash()
	key := cache.Key(name, paramsHash)

	if !opts.Refresh {
		if entry := s.cache.Get(key); entry != nil {
			progress.CacheHits.Add(1)
			progress.CollectionsCached.Add(1)
			slog.Info("scanner: cache hit", "collection", name,
				"reports_found", entry.Result.ReportCount(), "complete", entry.Result.Complete)
			st := statusFromResult(name, &entry.Result, true)
			s.persistCollectionResult(scanID, &entry.Result, true)
			return st
		}
	}
	progress.CacheMisses.Add(1)

	patients, err := s.archive.ListPatients(ctx, name)
	if err != nil {
		return s.fail(ctx, scanID, name, "list patients", err, progress)
	}

	results, err := filter.Run(ctx, name, patients)
	if err != nil {
		return s.fail(ctx, scanID, name, "filter", err, progress)
	}

	// Merging: the result is complete when every patient was either probed
	// or validly inferred, and the failed share stayed under the threshold.
	failed := 0
	for i := range results {
		if results[i].Provenance == report.ProvenanceFailed {
			failed++
		}
	}
	complete := true
	if len(results) > 0 && float64(failed) > opts.MaxFailedFraction*float64(len(results)) {
		complete = false
		slog.Warn("scanner: too many failed probes, marking incomplete",
			"collection", name, "failed", failed, "patients", len(results))
	}

	result := report.ScanResult{
		Collection:  name,
		ParamsHash:  paramsHash,
		Patients:    results,
		Complete:    complete,
		GeneratedAt: time.Now().UTC(),
	}

	// All-or-nothing persistence: a cancelled collection never reaches the
	// cache, so a later scan re-probes it from scratch.
	if ctx.Err() != nil {
		return s.fail(ctx, scanID, name, "merge", ctx.Err(), progress)
	}
	if err := s.cache.Put(key, result); err != nil {
		// Cache-layer failures never propagate as scan failures.
		slog.Warn("scanner: cache write failed", "collection", name, "error", err)
	}
	s.persistCollectionResult(scanID, &result, false)
	progress.CollectionsScanned.Add(1)

	slog.Info("scanner: collection done", "collection", name,
		"patients", len(results), "reports_found", result.ReportCount(), "complete", complete)
	return statusFromResult(name, &result, false)
}

// fail records a per-collection failure without touching any prior cache
// entry for the collection.
func (s *Scanner) fail(ctx context.Context, scanID int64, name, stage string, err error, progress *Progress) report.CollectionStatus {
	reason := fmt.Sprintf("%s: %v", stage, err)
	if ctx.Err() != nil {
		reason = "cancelled"
	}
	progress.CollectionsFailed.Add(1)
	progress.Errors.Add(1)
	slog.Warn("scanner: collection failed", "collection", name, "stage", stage, "error", err)
	s.recordError(scanID, name, stage, reason)
	return report.CollectionStatus{
		Collection: name,
		State:      report.StateFailed,
		Reason:     reason,
	}
}

func statusFromResult(name string, r *report.ScanResult, cached bool) report.CollectionStatus {
	return report.CollectionStatus{
		Collection:   name,
		State:        report.StateDone,
		Cached:       cached,
		PatientCount: len(r.Patients),
		ReportsFound: r.ReportCount(),
		Complete:     r.Complete,
	}
}

// ── DB helpers ────────────────────────────────────────────────────────────────

func insertScanRecord(db *sql.DB, startedAt time.Time, triggeredBy, target string) (int64, error) {
	now := startedAt.Unix()
	res, err := db.Exec(`
		INSERT INTO scan_history
			(started_at, status, triggered_by, target, created_at)
		VALUES (?, 'running', ?, ?, ?)`,
		now, triggeredBy, target, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func finaliseScanRecord(db *sql.DB, scanID int64, status string, finishedAt, durationSecs int64, p *Progress) error {
	_, err := db.Exec(`
		UPDATE scan_history
		SET status              = ?,
		    finished_at         = ?,
		    duration_seconds    = ?,
		    collections_total   = ?,
		    collections_scanned = ?,
		    collections_cached  = ?,
		    collections_failed  = ?,
		    patients_checked    = ?,
		    patients_inferred   = ?,
		    reports_found       = ?,
		    network_calls       = ?,
		    errors              = ?
		WHERE id = ?`,
		status, finishedAt, durationSecs,
		p.CollectionsTotal.Load(),
		p.CollectionsScanned.Load(),
		p.CollectionsCached.Load(),
		p.CollectionsFailed.Load(),
		p.PatientsChecked.Load(),
		p.PatientsInferred.Load(),
		p.ReportsFound.Load(),
		p.NetworkProbes.Load(),
		p.Errors.Load(),
		scanID)
	return err
}

func (s *Scanner) recordError(scanID int64, collection, stage, errMsg string) {
	if s.db == nil {
		return
	}
	_, err := s.db.Exec(`
		INSERT INTO scan_errors (scan_id, collection, stage, error, occurred_at)
		VALUES (?, ?, ?, ?, ?)`,
		scanID, collection, stage, errMsg, time.Now().Unix())
	if err != nil {
		slog.Error("scanner: record error", "collection", collection, "error", err)
	}
}

func (s *Scanner) persistCollectionResult(scanID int64, r *report.ScanResult, fromCache bool) {
	if s.db == nil {
		return
	}
	complete := 0
	if r.Complete {
		complete = 1
	}
	cached := 0
	if fromCache {
		cached = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO collection_results
			(collection, params_hash, scan_id, patient_count, reports_found, complete, from_cache, scanned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, params_hash) DO UPDATE SET
			scan_id       = excluded.scan_id,
			patient_count = excluded.patient_count,
			reports_found = excluded.reports_found,
			complete      = excluded.complete,
			from_cache    = excluded.from_cache,
			scanned_at    = excluded.scanned_at`,
		r.Collection, r.ParamsHash, scanID, len(r.Patients), r.ReportCount(), complete, cached,
		time.Now().Unix())
	if err != nil {
		slog.Error("scanner: persist collection result", "collection", r.Collection, "error", err)
	}
}

// progressFlusher writes the current progress counters to scan_history every
// second until stop is closed.
func progressFlusher(ctx context.Context, db *sql.DB, scanID int64, p *Progress, stop <-chan struct{}) {
	flush := func() {
		_, err := db.ExecContext(ctx, `
			UPDATE scan_history
			SET collections_total   = ?,
			    collections_scanned = ?,
			    collections_cached  = ?,
			    collections_failed  = ?,
			    patients_checked    = ?,
			    patients_inferred   = ?,
			    reports_found       = ?,
			    network_calls       = ?,
			    errors              = ?
			WHERE id = ?`,
			p.CollectionsTotal.Load(),
			p.CollectionsScanned.Load(),
			p.CollectionsCached.Load(),
			p.CollectionsFailed.Load(),
			p.PatientsChecked.Load(),
			p.PatientsInferred.Load(),
			p.ReportsFound.Load(),
			p.NetworkProbes.Load(),
			p.Errors.Load(),
			scanID)
		if err != nil && ctx.Err() == nil {
			slog.Warn("progress flusher: update failed", "error", err)
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			flush()
		case <-stop:
			flush() // final flush
			return
		case <-ctx.Done():
			return
		}
	}
}
