package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/qkdops/groundsync/internal/ingest"
	"github.com/qkdops/groundsync/internal/store"
)

// maxUploadBytes caps the payload of a pushed unit.
const maxUploadBytes = 64 << 20

// healthHandler handles GET /healthz and GET /livez.
func healthHandler(startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(startedAt).Round(time.Second).String(),
		})
	}
}

// readyHandler handles GET /readyz. Ready means the database answers a
// ping.
func readyHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbStatus := map[string]string{"status": "up"}
		ready := true
		if err := st.Ping(r.Context()); err != nil {
			dbStatus["status"] = "down"
			dbStatus["error"] = err.Error()
			ready = false
		}

		status := http.StatusOK
		overall := "ready"
		if !ready {
			status = http.StatusServiceUnavailable
			overall = "not_ready"
		}
		writeJSON(w, status, map[string]any{
			"status":   overall,
			"database": dbStatus,
		})
	}
}

// statsHandler handles GET /api/ingest/v1/stats
func statsHandler(coord *Coordinator, st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tables, err := st.TableCounts(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to count tables: %v", err))
			return
		}
		anomalies, err := st.CountAnomaliesByCategory(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to count anomalies: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"pipeline":  coord.Stats(),
			"tables":    tables,
			"anomalies": anomalies,
		})
	}
}

// listUnitsHandler handles GET /api/ingest/v1/units
// Query params: kind (log or package, default log), pageSize, pageToken
func listUnitsHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pageSize := pageSizeParam(r, 50)
		pageToken := r.URL.Query().Get("pageToken")

		kind := r.URL.Query().Get("kind")
		switch kind {
		case "", string(ingest.KindLog):
			records, nextToken, err := st.ListProcessedFiles(r.Context(), pageSize, pageToken)
			if err != nil {
				writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list processed files: %v", err))
				return
			}
			units := make([]processedFileResponse, len(records))
			for i := range records {
				units[i] = fileToResponse(&records[i])
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"kind":          string(ingest.KindLog),
				"units":         units,
				"nextPageToken": nextToken,
			})
		case string(ingest.KindPackage):
			records, nextToken, err := st.ListProcessedPackages(r.Context(), pageSize, pageToken)
			if err != nil {
				writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list processed packages: %v", err))
				return
			}
			units := make([]processedPackageResponse, len(records))
			for i := range records {
				units[i] = packageToResponse(&records[i])
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"kind":          string(ingest.KindPackage),
				"units":         units,
				"nextPageToken": nextToken,
			})
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown unit kind %q", kind))
		}
	}
}

// submitUnitHandler handles POST /api/ingest/v1/units. The body is the
// raw unit payload; X-Unit-Name carries the delivery name and X-Unit-Kind
// optionally forces the stream (log or package, inferred from the name
// otherwise). Used for push ingestion and for replaying a unit by hand.
func submitUnitHandler(coord *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.Header.Get("X-Unit-Name")
		if name == "" {
			writeError(w, http.StatusBadRequest, "missing X-Unit-Name header")
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read payload: %v", err))
			return
		}

		kind := ingest.Kind(r.Header.Get("X-Unit-Kind"))
		switch kind {
		case "":
			kind = ingest.DetectKind(name)
		case ingest.KindLog, ingest.KindPackage:
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown unit kind %q", kind))
			return
		}

		source := r.Header.Get("X-Unit-Source")
		if source == "" {
			source = "api"
		}

		unit, err := ingest.NewUnit(name, kind, payload, source)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to build unit: %v", err))
			return
		}

		switch err := coord.Submit(r.Context(), unit); {
		case err == nil:
			writeJSON(w, http.StatusAccepted, map[string]string{
				"status": "accepted",
				"unit":   unit.Name,
			})
		case errors.Is(err, store.ErrDuplicateUnit), errors.Is(err, ErrUnitInFlight):
			writeJSON(w, http.StatusConflict, map[string]string{
				"status": "duplicate",
				"unit":   unit.Name,
			})
		case errors.Is(err, ErrQueueFull), errors.Is(err, ErrStopped):
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
	}
}

// listAnomaliesHandler handles GET /api/ingest/v1/anomalies
// Query params: fingerprint, category, since (RFC 3339), pageSize, pageToken
func listAnomaliesHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.AnomalyFilter{
			Fingerprint: r.URL.Query().Get("fingerprint"),
			Category:    r.URL.Query().Get("category"),
		}
		if since := r.URL.Query().Get("since"); since != "" {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since %q: %v", since, err))
				return
			}
			filter.Since = t
		}

		pageSize := pageSizeParam(r, 50)
		pageToken := r.URL.Query().Get("pageToken")

		records, nextToken, total, err := st.ListAnomalies(r.Context(), filter, pageSize, pageToken)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list anomalies: %v", err))
			return
		}

		anomalies := make([]anomalyResponse, len(records))
		for i := range records {
			anomalies[i] = anomalyToResponse(&records[i])
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"anomalies":     anomalies,
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

// correlateHandler handles POST /api/ingest/v1/correlate. Runs one
// deferred-correlation sweep synchronously.
func correlateHandler(coord *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := coord.Correlate(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("correlation sweep failed: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{
			"linksResolved":  res.LinksResolved,
			"alertsResolved": res.AlertsResolved,
			"ties":           res.Ties,
		})
	}
}

func pageSizeParam(r *http.Request, fallback int) int {
	pageSize := fallback
	if ps := r.URL.Query().Get("pageSize"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 {
			pageSize = v
		}
	}
	return pageSize
}

// processedFileResponse is the API shape of one log-file ledger row.
type processedFileResponse struct {
	ID              int64  `json:"id"`
	Filename        string `json:"filename"`
	FileSize        int64  `json:"fileSize"`
	TotalLines      int    `json:"totalLines"`
	KeyCreations    int    `json:"keyCreations"`
	SyncLatency     int    `json:"syncLatency"`
	KeyCounts       int    `json:"keyCounts"`
	ControllerSyncs int    `json:"controllerSyncs"`
	ProcessedAt     string `json:"processedAt"`
}

func fileToResponse(rec *store.ProcessedFileRecord) processedFileResponse {
	return processedFileResponse{
		ID:              rec.ID,
		Filename:        rec.Filename,
		FileSize:        rec.FileSize,
		TotalLines:      rec.TotalLines,
		KeyCreations:    rec.KeyCreationsCount,
		SyncLatency:     rec.SyncLatencyCount,
		KeyCounts:       rec.KeyCountCount,
		ControllerSyncs: rec.ControllerSyncCount,
		ProcessedAt:     rec.ProcessedAt.Format(time.RFC3339Nano),
	}
}

// processedPackageResponse is the API shape of one telemetry-package
// ledger row.
type processedPackageResponse struct {
	ID               int64  `json:"id"`
	PackageTimestamp string `json:"packageTimestamp"`
	RecordsInserted  int    `json:"recordsInserted"`
	ProcessedAt      string `json:"processedAt"`
}

func packageToResponse(rec *store.ProcessedPackageRecord) processedPackageResponse {
	return processedPackageResponse{
		ID:               rec.ID,
		PackageTimestamp: rec.PackageTimestamp,
		RecordsInserted:  rec.RecordsInserted,
		ProcessedAt:      rec.ProcessedAt.Format(time.RFC3339Nano),
	}
}

type anomalyResponse struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	Category    string `json:"category"`
	Detail      string `json:"detail,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

func anomalyToResponse(rec *store.IngestAnomaly) anomalyResponse {
	return anomalyResponse{
		ID:          rec.ID,
		Fingerprint: rec.Fingerprint,
		Category:    rec.Category,
		Detail:      rec.Detail,
		CreatedAt:   rec.CreatedAt.Format(time.RFC3339Nano),
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
