package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eargollo/radscan/internal/config"
	"github.com/eargollo/radscan/internal/scan"
)

// ScansHandler handles scan-related API endpoints.
type ScansHandler struct {
	DB      *sql.DB
	Manager *scan.Manager
	Cfg     *config.Config
}

// createRequest is the body of POST /api/scans.
type createRequest struct {
	// Target is empty for everything, a group name, or a collection name.
	Target  string `json:"target"`
	Refresh bool   `json:"refresh"`
}

// Create handles POST /api/scans — triggers a scan of the requested target.
func (h *ScansHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Malformed request body")
		return
	}

	// The scan outlives this request, so it must not inherit the request
	// context: net/http cancels it as soon as the handler returns.
	active, err := h.Manager.Start(context.Background(), "api", scan.StartRequest{
		Target:      req.Target,
		Collections: h.Cfg.Collections(req.Target),
		Refresh:     req.Refresh,
	})
	if err != nil {
		if errors.Is(err, scan.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "SCAN_ALREADY_RUNNING", "A scan is already in progress")
			return
		}
		slog.Error("scans: start", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start scan")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":         active.ID,
		"status":     "running",
		"target":     active.Target,
		"started_at": active.StartedAt.UTC().Format(time.RFC3339),
	})
}

// Cancel handles DELETE /api/scans/current.
func (h *ScansHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Manager.Cancel()
	if err != nil {
		if errors.Is(err, scan.ErrNoActiveScan) {
			writeError(w, http.StatusNotFound, "NO_ACTIVE_SCAN", "No scan is currently running")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          snap.ID,
		"status":      "cancelled",
		"started_at":  snap.StartedAt.UTC().Format(time.RFC3339),
		"finished_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// Report handles GET /api/scans/report — the per-collection report of the
// most recently finished scan.
func (h *ScansHandler) Report(w http.ResponseWriter, r *http.Request) {
	rep := h.Manager.LastReport()
	if rep == nil {
		writeError(w, http.StatusNotFound, "NO_REPORT", "No scan has finished since startup")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"collections": rep})
}

type scanItem struct {
	ID                 int64   `json:"id"`
	StartedAt          string  `json:"started_at"`
	FinishedAt         *string `json:"finished_at"`
	Status             string  `json:"status"`
	TriggeredBy        string  `json:"triggered_by"`
	Target             string  `json:"target"`
	CollectionsTotal   int64   `json:"collections_total"`
	CollectionsScanned int64   `json:"collections_scanned"`
	CollectionsCached  int64   `json:"collections_cached"`
	CollectionsFailed  int64   `json:"collections_failed"`
	PatientsChecked    int64   `json:"patients_checked"`
	PatientsInferred   int64   `json:"patients_inferred"`
	ReportsFound       int64   `json:"reports_found"`
	NetworkCalls       int64   `json:"network_calls"`
	Errors             int64   `json:"errors"`
	DurationSeconds    *int64  `json:"duration_seconds"`
}

const scanColumns = `id, started_at, finished_at, status, triggered_by, target,
	collections_total, collections_scanned, collections_cached, collections_failed,
	patients_checked, patients_inferred, reports_found, network_calls, errors,
	duration_seconds`

func scanRow(row interface{ Scan(...any) error }) (scanItem, error) {
	var it scanItem
	var startedAt int64
	var finishedAt sql.NullInt64
	var durSecs sql.NullInt64
	err := row.Scan(
		&it.ID, &startedAt, &finishedAt, &it.Status, &it.TriggeredBy, &it.Target,
		&it.CollectionsTotal, &it.CollectionsScanned, &it.CollectionsCached, &it.CollectionsFailed,
		&it.PatientsChecked, &it.PatientsInferred, &it.ReportsFound, &it.NetworkCalls, &it.Errors,
		&durSecs,
	)
	if err != nil {
		return it, err
	}
	it.StartedAt = time.Unix(startedAt, 0).UTC().Format(time.RFC3339)
	if finishedAt.Valid {
		s := time.Unix(finishedAt.Int64, 0).UTC().Format(time.RFC3339)
		it.FinishedAt = &s
	}
	if durSecs.Valid {
		it.DurationSeconds = &durSecs.Int64
	}
	return it, nil
}

// List handles GET /api/scans — returns scan history newest first.
func (h *ScansHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	rows, err := h.DB.QueryContext(r.Context(), `
		SELECT `+scanColumns+`
		FROM scan_history
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		slog.Error("scans list: query", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	defer rows.Close()

	items := []scanItem{}
	for rows.Next() {
		it, err := scanRow(rows)
		if err != nil {
			slog.Error("scans list: scan row", "error", err)
			continue
		}
		items = append(items, it)
	}

	var total int
	h.DB.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM scan_history`).Scan(&total)

	writeJSON(w, http.StatusOK, ListResponse[scanItem]{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// Get handles GET /api/scans/:id, including the collection error list.
func (h *ScansHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid scan ID")
		return
	}

	type errItem struct {
		Collection string `json:"collection"`
		Stage      string `json:"stage"`
		Error      string `json:"error"`
		OccurredAt string `json:"occurred_at"`
	}
	type scanDetail struct {
		scanItem
		ErrorList []errItem `json:"error_list"`
	}

	row := h.DB.QueryRowContext(r.Context(),
		`SELECT `+scanColumns+` FROM scan_history WHERE id = ?`, id)
	it, err := scanRow(row)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Scan not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	d := scanDetail{scanItem: it, ErrorList: []errItem{}}
	errRows, _ := h.DB.QueryContext(r.Context(), `
		SELECT collection, stage, error, occurred_at
		FROM scan_errors WHERE scan_id = ?
		ORDER BY occurred_at`, id)
	if errRows != nil {
		defer errRows.Close()
		for errRows.Next() {
			var e errItem
			var occAt int64
			if errRows.Scan(&e.Collection, &e.Stage, &e.Error, &occAt) == nil {
				e.OccurredAt = time.Unix(occAt, 0).UTC().Format(time.RFC3339)
				d.ErrorList = append(d.ErrorList, e)
			}
		}
	}

	writeJSON(w, http.StatusOK, d)
}
