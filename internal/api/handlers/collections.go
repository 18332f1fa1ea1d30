package handlers

import (
	"database/sql"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eargollo/radscan/internal/cache"
	"github.com/eargollo/radscan/internal/report"
	"github.com/eargollo/radscan/internal/scan"
)

// CollectionsHandler serves per-collection scan results.
type CollectionsHandler struct {
	DB      *sql.DB
	Cache   *cache.Store
	Manager *scan.Manager
}

type collectionItem struct {
	Collection   string `json:"collection"`
	PatientCount int    `json:"patient_count"`
	ReportsFound int    `json:"reports_found"`
	Complete     bool   `json:"complete"`
	FromCache    bool   `json:"from_cache"`
	ScannedAt    string `json:"scanned_at"`
}

// List handles GET /api/collections — the latest persisted result per
// collection, for the current probe parameters.
func (h *CollectionsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	paramsHash := h.Manager.Options().ParamsHash()

	rows, err := h.DB.QueryContext(r.Context(), `
		SELECT collection, patient_count, reports_found, complete, from_cache, scanned_at
		FROM collection_results
		WHERE params_hash = ?
		ORDER BY collection
		LIMIT ? OFFSET ?`, paramsHash, limit, offset)
	if err != nil {
		slog.Error("collections list: query", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	defer rows.Close()

	items := []collectionItem{}
	for rows.Next() {
		var it collectionItem
		var scannedAt int64
		if err := rows.Scan(&it.Collection, &it.PatientCount, &it.ReportsFound,
			&it.Complete, &it.FromCache, &scannedAt); err != nil {
			slog.Error("collections list: scan row", "error", err)
			continue
		}
		it.ScannedAt = time.Unix(scannedAt, 0).UTC().Format(time.RFC3339)
		items = append(items, it)
	}

	var total int
	h.DB.QueryRowContext(r.Context(),
		`SELECT COUNT(*) FROM collection_results WHERE params_hash = ?`, paramsHash).Scan(&total)

	writeJSON(w, http.StatusOK, ListResponse[collectionItem]{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

type patientItem struct {
	ID         string `json:"id"`
	HasReport  string `json:"has_report"`
	Provenance string `json:"provenance"`
	ReportType string `json:"report_type,omitempty"`
	CheckedAt  string `json:"checked_at,omitempty"`
}

// Get handles GET /api/collections/:name — the full cached patient-level
// result for one collection. Only patients with reports are listed in full;
// pass ?all=true for every patient.
func (h *CollectionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	paramsHash := h.Manager.Options().ParamsHash()

	entry := h.Cache.Get(cache.Key(name, paramsHash))
	if entry == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "No cached result for this collection")
		return
	}

	res := entry.Result
	all := r.URL.Query().Get("all") == "true"

	patients := []patientItem{}
	for _, p := range res.Patients {
		if !all && p.HasReport != report.StatusYes {
			continue
		}
		it := patientItem{
			ID:         p.ID,
			HasReport:  p.HasReport.String(),
			Provenance: p.Provenance.String(),
			ReportType: p.ReportType,
		}
		if p.CheckedAt != nil {
			it.CheckedAt = p.CheckedAt.UTC().Format(time.RFC3339)
		}
		patients = append(patients, it)
	}
	sort.Slice(patients, func(i, j int) bool { return patients[i].ID < patients[j].ID })

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"collection":    res.Collection,
		"patient_count": len(res.Patients),
		"reports_found": res.ReportCount(),
		"has_reports":   res.HasReports(),
		"complete":      res.Complete,
		"generated_at":  res.GeneratedAt.UTC().Format(time.RFC3339),
		"cached_until":  entry.ExpiresAt.UTC().Format(time.RFC3339),
		"patients":      patients,
	})
}
