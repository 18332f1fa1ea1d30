// Package cache persists scan results on disk, one JSON file per
// (collection, parameter-hash) key. Entries expire after a TTL, corrupt
// entries are deleted and treated as absent, and writes go through a temp
// file + rename so concurrent readers never observe a partial entry.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eargollo/radscan/internal/report"
)

// Entry wraps a cached ScanResult with its expiry.
type Entry struct {
	Key       string            `json:"key"`
	Result    report.ScanResult `json:"result"`
	SavedAt   time.Time         `json:"saved_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Store is a directory-backed cache of scan results. Safe for concurrent use
// by multiple collection scans: writes are atomic renames and reads open
// complete files only.
type Store struct {
	dir string
	ttl time.Duration

	// now is swappable for expiry tests.
	now func() time.Time
}

// New creates a Store rooted at dir, creating it if needed.
func New(dir string, ttl time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %q: %w", dir, err)
	}
	return &Store{dir: dir, ttl: ttl, now: time.Now}, nil
}

// Key derives the cache key for one collection and parameter hash.
func Key(collection, paramsHash string) string {
	sum := sha256.Sum256([]byte(collection + "\x00" + paramsHash))
	return hex.EncodeToString(sum[:])
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Get returns the entry for key, or nil when absent, expired, or corrupt.
// Expired and corrupt entries are deleted on detection. Get never fails the
// scan: all cache-layer problems degrade to a miss.
func (s *Store) Get(key string) *Entry {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("cache: read entry", "key", key, "error", err)
		}
		return nil
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Key != key {
		slog.Warn("cache: discarding corrupt entry", "key", key, "error", err)
		s.Invalidate(key)
		return nil
	}
	if s.now().After(entry.ExpiresAt) {
		slog.Debug("cache: entry expired", "key", key, "expired_at", entry.ExpiresAt)
		s.Invalidate(key)
		return nil
	}
	return &entry
}

// Put stores result under key with the store's TTL. The write is atomic with
// respect to concurrent Gets of the same key.
func (s *Store) Put(key string, result report.ScanResult) error {
	now := s.now()
	entry := Entry{
		Key:       key,
		Result:    result,
		SavedAt:   now,
		ExpiresAt: now.Add(s.ttl),
	}
	data, err := json.MarshalIndent(&entry, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: encode entry %q: %w", key, err)
	}

	tmp, err := os.CreateTemp(s.dir, key+".tmp-*")
	if err != nil {
		return fmt.Errorf("cache: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("cache: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: replace entry %q: %w", key, err)
	}
	return nil
}

// Invalidate removes the entry for key. Missing entries are not an error.
func (s *Store) Invalidate(key string) {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("cache: invalidate entry", "key", key, "error", err)
	}
}

// Sweep deletes expired and stale temp files, returning how many entries
// were removed. Intended to run on a schedule.
func (s *Store) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("cache: read dir: %w", err)
	}

	removed := 0
	for _, de := range entries {
		name := de.Name()
		if strings.Contains(name, ".tmp-") {
			// Leftover from an interrupted write.
			os.Remove(filepath.Join(s.dir, name))
			continue
		}
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		key := strings.TrimSuffix(name, ".json")
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil || s.now().After(entry.ExpiresAt) {
			s.Invalidate(key)
			removed++
		}
	}
	return removed, nil
}
