package handlers

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/eargollo/radscan/internal/config"
	"github.com/eargollo/radscan/internal/scan"
	"github.com/eargollo/radscan/internal/scheduler"
)

// StatusHandler serves the service status endpoint.
type StatusHandler struct {
	DB      *sql.DB
	Manager *scan.Manager
	Cfg     *config.Config
	Sched   *scheduler.Scheduler
	Version string
}

type activeScanStatus struct {
	ID                 int64  `json:"id"`
	StartedAt          string `json:"started_at"`
	TriggeredBy        string `json:"triggered_by"`
	Target             string `json:"target"`
	CollectionsTotal   int64  `json:"collections_total"`
	CollectionsScanned int64  `json:"collections_scanned"`
	CollectionsCached  int64  `json:"collections_cached"`
	CollectionsFailed  int64  `json:"collections_failed"`
	PatientsChecked    int64  `json:"patients_checked"`
	PatientsInferred   int64  `json:"patients_inferred"`
	ReportsFound       int64  `json:"reports_found"`
	NetworkCalls       int64  `json:"network_calls"`
	Errors             int64  `json:"errors"`
}

type lastScanStatus struct {
	ID           int64  `json:"id"`
	FinishedAt   string `json:"finished_at"`
	Status       string `json:"status"`
	Target       string `json:"target"`
	ReportsFound int64  `json:"reports_found"`
}

type statusResponse struct {
	Version    string            `json:"version"`
	Scanning   bool              `json:"scanning"`
	ActiveScan *activeScanStatus `json:"active_scan"`
	LastScan   *lastScanStatus   `json:"last_scan"`
	Schedule   string            `json:"schedule"`
	NextRunAt  *string           `json:"next_run_at"`
	ScanPaused bool              `json:"scan_paused"`
}

// Get handles GET /api/status.
func (h *StatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:    h.Version,
		Schedule:   h.Cfg.Schedule,
		ScanPaused: h.Cfg.ScanPaused,
	}
	if h.Sched != nil {
		if next := h.Sched.NextRunAt(); next != nil {
			s := next.UTC().Format(time.RFC3339)
			resp.NextRunAt = &s
		}
	}

	if active := h.Manager.ActiveScan(); active != nil {
		resp.Scanning = true
		p := active.Progress
		resp.ActiveScan = &activeScanStatus{
			ID:                 active.ID,
			StartedAt:          active.StartedAt.UTC().Format(time.RFC3339),
			TriggeredBy:        active.TriggeredBy,
			Target:             active.Target,
			CollectionsTotal:   p.CollectionsTotal.Load(),
			CollectionsScanned: p.CollectionsScanned.Load(),
			CollectionsCached:  p.CollectionsCached.Load(),
			CollectionsFailed:  p.CollectionsFailed.Load(),
			PatientsChecked:    p.PatientsChecked.Load(),
			PatientsInferred:   p.PatientsInferred.Load(),
			ReportsFound:       p.ReportsFound.Load(),
			NetworkCalls:       p.NetworkProbes.Load(),
			Errors:             p.Errors.Load(),
		}
	}

	var (
		id, finishedAt, reportsFound int64
		status, target               string
	)
	err := h.DB.QueryRowContext(r.Context(), `
		SELECT id, finished_at, status, target, reports_found
		FROM scan_history
		WHERE finished_at IS NOT NULL
		ORDER BY finished_at DESC
		LIMIT 1`).Scan(&id, &finishedAt, &status, &target, &reportsFound)
	if err == nil {
		resp.LastScan = &lastScanStatus{
			ID:           id,
			FinishedAt:   time.Unix(finishedAt, 0).UTC().Format(time.RFC3339),
			Status:       status,
			Target:       target,
			ReportsFound: reportsFound,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
