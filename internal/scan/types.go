// Package scan implements the collection scan engine: per-patient report
// detection, bounded-concurrency patient filtering, per-collection scanning
// with cache consultation, and the manager that runs one scan at a time.
package scan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/eargollo/radscan/internal/archive"
)

// Archive is the subset of the archive client the scan engine consumes.
// Implementations must be safe for concurrent use.
type Archive interface {
	ListCollections(ctx context.Context) ([]string, error)
	ListPatients(ctx context.Context, collection string) ([]string, error)
	ProbeReport(ctx context.Context, collection, patientID string, sampleLimit int) (archive.Probe, error)
}

// Options are the operator-facing parameters of one scan. Options that
// influence probe outcomes participate in ParamsHash, so a different
// configuration never reuses a stale cache entry.
type Options struct {
	// Target selects what to scan: empty for every collection the archive
	// lists, a configured group name, or a single collection name.
	// Resolution happens before the scanner runs; see Collections.
	Target string

	// Collections is the resolved target list; nil means list the archive.
	Collections []string

	// Refresh bypasses cache reads, forcing a rescan that overwrites
	// existing entries.
	Refresh bool

	SampleSeriesLimit int
	EarlyExitSample   int
	MaxFailedFraction float64
	DeepScan          bool
}

// ParamsHash returns a stable hash of the probe-affecting parameters.
// Target and Refresh are excluded: they change what is scanned, not what a
// per-collection result means.
func (o Options) ParamsHash() string {
	s := fmt.Sprintf("v1|series=%d|k=%d|maxfail=%.4f|deep=%t",
		o.SampleSeriesLimit, o.EarlyExitSample, o.MaxFailedFraction, o.DeepScan)
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
