package scan

import (
	"context"
	"log/slog"
	"time"

	"github.com/eargollo/radscan/internal/archive"
	"github.com/eargollo/radscan/internal/report"
)

// Detector resolves a single patient's report status. It wraps the archive's
// probe, relying on the client's own retry policy: a probe that still fails
// degrades to "no" with ProvenanceFailed instead of failing the collection.
type Detector struct {
	archive     Archive
	sampleLimit int
	deepScan    bool
	progress    *Progress
}

// NewDetector creates a Detector. With deepScan set, every probe examines
// the patient's full series list, so no result is ever inconclusive.
func NewDetector(a Archive, sampleLimit int, deepScan bool, progress *Progress) *Detector {
	return &Detector{archive: a, sampleLimit: sampleLimit, deepScan: deepScan, progress: progress}
}

// Detect probes one patient. The returned error is non-nil only when ctx was
// cancelled; every other failure is absorbed into the Patient's provenance.
func (d *Detector) Detect(ctx context.Context, collection, patientID string) (report.Patient, error) {
	limit := d.sampleLimit
	if d.deepScan {
		limit = 0 // examine every series
	}

	d.progress.NetworkProbes.Add(1)
	probe, err := d.archive.ProbeReport(ctx, collection, patientID, limit)

	now := time.Now().UTC()
	p := report.Patient{
		ID:         patientID,
		Collection: collection,
		Provenance: report.ProvenanceProbed,
		CheckedAt:  &now,
	}

	if err != nil {
		if ctx.Err() != nil {
			return report.Patient{}, ctx.Err()
		}
		slog.Warn("detector: probe failed", "collection", collection, "patient", patientID, "error", err)
		d.progress.PatientsFailed.Add(1)
		d.progress.Errors.Add(1)
		p.HasReport = report.StatusNo
		p.Provenance = report.ProvenanceFailed
		return p, nil
	}

	switch probe.Result {
	case archive.ProbeYes:
		p.HasReport = report.StatusYes
		p.ReportType = probe.ReportType
		d.progress.ReportsFound.Add(1)
	default:
		// ProbeNo, and ProbeInconclusive outside deep-scan mode.
		p.HasReport = report.StatusNo
	}
	d.progress.PatientsChecked.Add(1)
	return p, nil
}
