// Package report defines the value types produced by a collection scan:
// per-patient report status, per-collection scan results, and the transient
// progress events emitted while a scan runs.
package report

import "time"

// Status is the tri-state belief about whether a patient has a diagnostic
// report. It is deliberately not a *bool: an inferred "no" and a probed "no"
// must stay distinguishable (see Provenance).
type Status int

const (
	StatusUnknown Status = iota
	StatusYes
	StatusNo
)

// String returns the lowercase name used in JSON and logs.
func (s Status) String() string {
	switch s {
	case StatusYes:
		return "yes"
	case StatusNo:
		return "no"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so Status serialises as its
// name inside cached ScanResults.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "yes":
		*s = StatusYes
	case "no":
		*s = StatusNo
	default:
		*s = StatusUnknown
	}
	return nil
}

// Provenance records how a patient's Status was determined.
type Provenance int

const (
	// ProvenanceProbed means the archive was queried for this patient.
	ProvenanceProbed Provenance = iota
	// ProvenanceInferred means the status was derived from the collection
	// early-exit policy without a network call.
	ProvenanceInferred
	// ProvenanceFailed means probing failed after retries; the status
	// defaults to "no" but must not be trusted for final decisions.
	ProvenanceFailed
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceInferred:
		return "inferred"
	case ProvenanceFailed:
		return "failed"
	default:
		return "probed"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Provenance) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Provenance) UnmarshalText(b []byte) error {
	switch string(b) {
	case "inferred":
		*p = ProvenanceInferred
	case "failed":
		*p = ProvenanceFailed
	default:
		*p = ProvenanceProbed
	}
	return nil
}

// Patient is one subject of a collection together with the scan's verdict.
// Patients are value objects local to a single ScanResult.
type Patient struct {
	ID         string     `json:"id"`
	Collection string     `json:"collection"`
	HasReport  Status     `json:"has_report"`
	Provenance Provenance `json:"provenance"`
	// ReportType names the marker that matched, e.g. "SR" or "keyword",
	// empty when no report was found.
	ReportType string     `json:"report_type,omitempty"`
	CheckedAt  *time.Time `json:"checked_at,omitempty"`
}

// ScanResult is the complete outcome of scanning one collection with one
// parameter set. Written once, read-only afterwards. When Complete is true
// every patient has HasReport != StatusUnknown.
type ScanResult struct {
	Collection  string    `json:"collection"`
	ParamsHash  string    `json:"params_hash"`
	Patients    []Patient `json:"patients"`
	Complete    bool      `json:"complete"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ReportCount returns how many patients resolved to StatusYes.
func (r *ScanResult) ReportCount() int {
	n := 0
	for i := range r.Patients {
		if r.Patients[i].HasReport == StatusYes {
			n++
		}
	}
	return n
}

// HasReports reports whether any patient in the collection has a report.
func (r *ScanResult) HasReports() bool { return r.ReportCount() > 0 }

// CollectionState is the terminal state of one collection within a scan run.
type CollectionState string

const (
	StateDone   CollectionState = "done"
	StateFailed CollectionState = "failed"
)

// CollectionStatus is the per-collection line of the final scan report.
type CollectionStatus struct {
	Collection string          `json:"collection"`
	State      CollectionState `json:"state"`
	// Reason is set for failed collections ("cancelled", "list patients: ...").
	Reason string `json:"reason,omitempty"`
	// Cached is true when the result came from the cache store.
	Cached       bool `json:"cached"`
	PatientCount int  `json:"patient_count"`
	ReportsFound int  `json:"reports_found"`
	Complete     bool `json:"complete"`
}

// ProgressEvent is a transient snapshot emitted as patients complete.
// Events have no identity beyond emission order and are never persisted.
type ProgressEvent struct {
	Collection      string        `json:"collection"`
	PatientsChecked int           `json:"patients_checked"`
	PatientsTotal   int           `json:"patients_total"`
	Elapsed         time.Duration `json:"elapsed"`
}
