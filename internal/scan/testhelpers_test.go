package scan

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eargollo/radscan/internal/archive"
	"github.com/eargollo/radscan/internal/cache"
	internaldb "github.com/eargollo/radscan/internal/db"
)

// mustOpenDB opens a temp file SQLite database with the full schema applied.
func mustOpenDB(tb testing.TB) *sql.DB {
	tb.Helper()
	dbPath := filepath.Join(tb.TempDir(), "test.db")
	db, err := internaldb.Open(dbPath)
	if err != nil {
		tb.Fatalf("open test DB: %v", err)
	}
	if err := internaldb.RunMigrations(db); err != nil {
		db.Close()
		tb.Fatalf("run migrations: %v", err)
	}
	tb.Cleanup(func() { db.Close() })
	return db
}

// mustInsertScan inserts a scan_history row and returns its ID.
func mustInsertScan(tb testing.TB, db *sql.DB) int64 {
	tb.Helper()
	id, err := insertScanRecord(db, time.Now(), "manual", "")
	if err != nil {
		tb.Fatalf("insert scan: %v", err)
	}
	return id
}

// mustOpenCache creates a Store in a temp dir with a one-hour TTL.
func mustOpenCache(tb testing.TB) *cache.Store {
	tb.Helper()
	store, err := cache.New(tb.TempDir(), time.Hour)
	if err != nil {
		tb.Fatalf("open cache: %v", err)
	}
	return store
}

// fakeArchive is an in-memory Archive that records call counts and peak
// probe concurrency.
type fakeArchive struct {
	mu          sync.Mutex
	collections []string
	patients    map[string][]string
	patientsErr map[string]error
	probes      map[string]archive.Probe // "collection/patient" → probe
	probeErr    map[string]error
	delays      map[string]time.Duration // per-patient probe latency

	probeDelay time.Duration
	// blockProbes, when non-nil, parks every probe until the channel closes
	// (or its context is cancelled). Used by cancellation tests.
	blockProbes chan struct{}

	listCalls  atomic.Int64
	probeCalls atomic.Int64
	inFlight   atomic.Int64
	peak       atomic.Int64
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		patients:    map[string][]string{},
		patientsErr: map[string]error{},
		probes:      map[string]archive.Probe{},
		probeErr:    map[string]error{},
		delays:      map[string]time.Duration{},
	}
}

// addCollection registers a collection whose patient ids are P0001..Pn, with
// reportEvery > 0 marking every reportEvery-th patient as having an SR report.
func (f *fakeArchive) addCollection(name string, numPatients, reportEvery int) {
	ids := make([]string, numPatients)
	for i := range ids {
		ids[i] = fmt.Sprintf("P%04d", i+1)
		if reportEvery > 0 && (i+1)%reportEvery == 0 {
			f.probes[name+"/"+ids[i]] = archive.Probe{Result: archive.ProbeYes, ReportType: "SR"}
		}
	}
	f.mu.Lock()
	f.collections = append(f.collections, name)
	f.patients[name] = ids
	f.mu.Unlock()
}

func (f *fakeArchive) ListCollections(ctx context.Context) ([]string, error) {
	f.listCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.collections))
	copy(out, f.collections)
	return out, nil
}

func (f *fakeArchive) ListPatients(ctx context.Context, collection string) ([]string, error) {
	f.listCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.patientsErr[collection]; err != nil {
		return nil, err
	}
	ids, ok := f.patients[collection]
	if !ok {
		return nil, archive.ErrNotFound
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

func (f *fakeArchive) ProbeReport(ctx context.Context, collection, patientID string, sampleLimit int) (archive.Probe, error) {
	f.probeCalls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if f.blockProbes != nil {
		select {
		case <-f.blockProbes:
		case <-ctx.Done():
			return archive.Probe{}, ctx.Err()
		}
	}
	f.mu.Lock()
	delay := f.probeDelay
	if d, ok := f.delays[collection+"/"+patientID]; ok {
		delay = d
	}
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return archive.Probe{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	key := collection + "/" + patientID
	if err := f.probeErr[key]; err != nil {
		return archive.Probe{}, err
	}
	if probe, ok := f.probes[key]; ok {
		return probe, nil
	}
	return archive.Probe{Result: archive.ProbeNo}, nil
}

// networkCalls is the total of listing and probe requests issued.
func (f *fakeArchive) networkCalls() int64 {
	return f.listCalls.Load() + f.probeCalls.Load()
}

// testOptions returns Options with early exit disabled and small sampling,
// suitable for deterministic tests.
func testOptions() Options {
	return Options{
		SampleSeriesLimit: 20,
		EarlyExitSample:   0,
		MaxFailedFraction: 0.2,
	}
}
