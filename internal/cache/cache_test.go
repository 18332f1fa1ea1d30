package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eargollo/radscan/internal/report"
)

func sampleResult(collection string) report.ScanResult {
	return report.ScanResult{
		Collection:  collection,
		ParamsHash:  "abc123",
		Complete:    true,
		GeneratedAt: time.Now().UTC().Truncate(time.Second),
		Patients: []report.Patient{
			{ID: "P1", Collection: collection, HasReport: report.StatusYes, ReportType: "SR"},
			{ID: "P2", Collection: collection, HasReport: report.StatusNo},
		},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store, err := New(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	key := Key("LIDC-IDRI", "abc123")
	if err := store.Put(key, sampleResult("LIDC-IDRI")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entry := store.Get(key)
	if entry == nil {
		t.Fatal("Get: expected entry, got nil")
	}
	if entry.Result.Collection != "LIDC-IDRI" {
		t.Errorf("collection: got %q", entry.Result.Collection)
	}
	if len(entry.Result.Patients) != 2 {
		t.Fatalf("patients: got %d, want 2", len(entry.Result.Patients))
	}
	if entry.Result.Patients[0].HasReport != report.StatusYes {
		t.Errorf("patient P1 status: got %v, want yes", entry.Result.Patients[0].HasReport)
	}
	if !entry.Result.Complete {
		t.Error("expected complete result")
	}
}

func TestGetAbsent(t *testing.T) {
	store, err := New(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if entry := store.Get(Key("NOPE", "x")); entry != nil {
		t.Errorf("expected nil for absent key, got %+v", entry)
	}
}

func TestGetCorruptEntryDeletedAndAbsent(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	key := Key("LIDC-IDRI", "abc123")
	path := filepath.Join(dir, key+".json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if entry := store.Get(key); entry != nil {
		t.Errorf("corrupt entry must read as absent, got %+v", entry)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupt entry must be deleted on detection")
	}

	// A fresh Put must succeed over the deleted corrupt entry.
	if err := store.Put(key, sampleResult("LIDC-IDRI")); err != nil {
		t.Fatalf("Put after corruption: %v", err)
	}
	if store.Get(key) == nil {
		t.Error("expected entry after overwrite")
	}
}

func TestGetWrongKeyTreatedAsCorrupt(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	key := Key("A", "params")
	if err := store.Put(key, sampleResult("A")); err != nil {
		t.Fatal(err)
	}
	// Copy entry A's bytes under a different key: the embedded key no longer
	// matches the filename, so the entry must be rejected.
	other := Key("B", "params")
	data, err := os.ReadFile(filepath.Join(dir, key+".json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, other+".json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if entry := store.Get(other); entry != nil {
		t.Errorf("mismatched key must read as absent, got key %q", entry.Key)
	}
}

func TestGetExpiredEntry(t *testing.T) {
	store, err := New(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	key := Key("LIDC-IDRI", "abc123")
	if err := store.Put(key, sampleResult("LIDC-IDRI")); err != nil {
		t.Fatal(err)
	}

	// Jump the clock past the TTL.
	store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if entry := store.Get(key); entry != nil {
		t.Errorf("expired entry must read as absent, got %+v", entry)
	}
}

func TestKeyVariesWithParams(t *testing.T) {
	a := Key("LIDC-IDRI", "params-v1")
	b := Key("LIDC-IDRI", "params-v2")
	c := Key("CPTAC-GBM", "params-v1")
	if a == b || a == c {
		t.Errorf("keys must differ across params and collections: %q %q %q", a, b, c)
	}
}

func TestSweepRemovesExpiredAndTemp(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	fresh := Key("FRESH", "p")
	stale := Key("STALE", "p")
	if err := store.Put(fresh, sampleResult("FRESH")); err != nil {
		t.Fatal(err)
	}
	store.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	if err := store.Put(stale, sampleResult("STALE")); err != nil {
		t.Fatal(err)
	}
	store.now = time.Now

	// Simulate an interrupted write.
	if err := os.WriteFile(filepath.Join(dir, stale+".tmp-12345"), []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	removed, err := store.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed: got %d, want 1", removed)
	}
	if store.Get(fresh) == nil {
		t.Error("fresh entry must survive sweep")
	}
	if store.Get(stale) != nil {
		t.Error("stale entry must be swept")
	}
	leftover, _ := filepath.Glob(filepath.Join(dir, "*.tmp-*"))
	if len(leftover) != 0 {
		t.Errorf("temp files must be swept, found %v", leftover)
	}
}
