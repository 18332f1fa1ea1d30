package scan

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eargollo/radscan/internal/memory"
	"github.com/eargollo/radscan/internal/report"
)

// Filter evaluates all patients of one collection under the memory gate's
// concurrency ceiling. Detection completes out of order, but each result is
// written to its listing-order slot in a pre-sized buffer, so the output
// sequence always matches the archive's patient listing.
type Filter struct {
	detector  *Detector
	gate      *memory.Gate
	earlyExit int
	reporter  *Reporter
}

// NewFilter creates a Filter. earlyExit caps the leading sample used for the
// collection-level early exit; 0 disables the policy.
func NewFilter(detector *Detector, gate *memory.Gate, earlyExit int, reporter *Reporter) *Filter {
	return &Filter{detector: detector, gate: gate, earlyExit: earlyExit, reporter: reporter}
}

// Run resolves every patient of collection. It returns results in listing
// order; the error is non-nil only on cancellation.
func (f *Filter) Run(ctx context.Context, collection string, patientIDs []string) ([]report.Patient, error) {
	results := make([]report.Patient, len(patientIDs))
	start := time.Now()
	var checked atomic.Int64

	emit := func() {
		f.reporter.Publish(report.ProgressEvent{
			Collection:      collection,
			PatientsChecked: int(checked.Load()),
			PatientsTotal:   len(patientIDs),
			Elapsed:         time.Since(start),
		})
	}

	// Phase 1: probe the leading sample.
	k := len(patientIDs)
	if f.earlyExit > 0 && f.earlyExit < k {
		k = f.earlyExit
	}
	if err := f.probeRange(ctx, collection, patientIDs, results, 0, k, &checked, emit); err != nil {
		return nil, err
	}

	// Collection early exit: a leading sample that is entirely probed-"no"
	// marks the remainder as inferred-"no" without further network calls.
	if k < len(patientIDs) && allProbedNo(results[:k]) {
		for i := k; i < len(patientIDs); i++ {
			results[i] = report.Patient{
				ID:         patientIDs[i],
				Collection: collection,
				HasReport:  report.StatusNo,
				Provenance: report.ProvenanceInferred,
			}
		}
		inferred := len(patientIDs) - k
		f.detector.progress.PatientsInferred.Add(int64(inferred))
		checked.Add(int64(inferred))
		emit()
		slog.Info("filter: early exit, remainder inferred",
			"collection", collection, "sampled", k, "inferred", inferred)
		return results, nil
	}

	// Phase 2: probe the rest.
	if err := f.probeRange(ctx, collection, patientIDs, results, k, len(patientIDs), &checked, emit); err != nil {
		return nil, err
	}
	return results, nil
}

// probeRange detects patients [from, to) with at most gate.Limit() in flight.
// Each slot is acquired before its goroutine starts, so admission tracks the
// ceiling even as the memory monitor changes it mid-range.
func (f *Filter) probeRange(ctx context.Context, collection string, ids []string,
	results []report.Patient, from, to int, checked *atomic.Int64, emit func()) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := from; i < to; i++ {
		i := i
		if err := f.gate.Acquire(gctx); err != nil {
			break // ctx done; the error surfaces below
		}
		g.Go(func() error {
			defer f.gate.Release()
			p, err := f.detector.Detect(gctx, collection, ids[i])
			if err != nil {
				return err
			}
			results[i] = p
			checked.Add(1)
			emit()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// allProbedNo reports whether every patient in the sample resolved to a
// directly probed "no". A failed or report-positive probe disables inference.
func allProbedNo(sample []report.Patient) bool {
	for i := range sample {
		if sample[i].HasReport != report.StatusNo || sample[i].Provenance != report.ProvenanceProbed {
			return false
		}
	}
	return len(sample) > 0
}
