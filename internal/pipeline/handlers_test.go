package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qkdops/groundsync/internal/ogs"
	"github.com/qkdops/groundsync/internal/store"
)

func setupTestAPI(t *testing.T) (*Coordinator, *store.Store, http.Handler) {
	t.Helper()
	st := setupTestStore(t)
	coord := NewCoordinator(st, testConfig(), nil)
	return coord, st, NewRouter(coord, st)
}

func doRequest(t *testing.T, router http.Handler, method, target string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	_, _, router := setupTestAPI(t)

	rec := doRequest(t, router, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alive", body["status"])
	assert.NotEmpty(t, body["uptime"])

	rec = doRequest(t, router, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var ready struct {
		Status   string            `json:"status"`
		Database map[string]string `json:"database"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, "up", ready.Database["status"])
}

func TestStatsEndpoint(t *testing.T) {
	_, st, router := setupTestAPI(t)

	res := mustParseLog(t, latencyLine)
	_, err := st.ApplyLogUnit(context.Background(), &store.LogUnit{
		Fingerprint: "site-a.log",
		Size:        int64(len(latencyLine)),
		Result:      res,
	})
	require.NoError(t, err)

	rec := doRequest(t, router, http.MethodGet, "/api/ingest/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Pipeline  Stats            `json:"pipeline"`
		Tables    map[string]int64 `json:"tables"`
		Anomalies map[string]int64 `json:"anomalies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Len(t, body.Tables, 12)
	assert.Equal(t, int64(1), body.Tables["processed_files"])
	assert.Equal(t, int64(1), body.Tables["sync_latency_metrics"])
	assert.Empty(t, body.Anomalies)
	assert.Zero(t, body.Pipeline.UnitsReceived)
}

func TestSubmitUnitEndpoint(t *testing.T) {
	// The worker pool is not running, so accepted units park in the
	// queue and hold their in-flight claim.
	coord, _, router := setupTestAPI(t)

	rec := doRequest(t, router, http.MethodPost, "/api/ingest/v1/units",
		latencyLine, map[string]string{"X-Unit-Name": "site-a.log"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, "site-a.log", body["unit"])
	assert.Equal(t, 1, coord.Stats().QueueDepth)

	rec = doRequest(t, router, http.MethodPost, "/api/ingest/v1/units",
		latencyLine, map[string]string{"X-Unit-Name": "site-a.log"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "duplicate", body["status"])
}

func TestSubmitUnitValidation(t *testing.T) {
	_, _, router := setupTestAPI(t)

	rec := doRequest(t, router, http.MethodPost, "/api/ingest/v1/units", "x", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/ingest/v1/units", "x",
		map[string]string{"X-Unit-Name": "site-a.log", "X-Unit-Kind": "carrier-pigeon"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListUnitsEndpoint(t *testing.T) {
	_, st, router := setupTestAPI(t)

	res := mustParseLog(t, latencyLine)
	for _, name := range []string{"site-a.log", "site-b.log"} {
		_, err := st.ApplyLogUnit(context.Background(), &store.LogUnit{
			Fingerprint: name,
			Size:        64,
			Result:      res,
		})
		require.NoError(t, err)
	}

	pkg, err := ogs.Parse(linkPackage("2025-07-01T10:02:00Z", "2025-07-01T10:01:30Z", ""))
	require.NoError(t, err)
	_, err = st.ApplyPackage(context.Background(), &store.PackageUnit{
		Fingerprint: pkg.PackageTimestamp,
		Package:     pkg,
	})
	require.NoError(t, err)

	rec := doRequest(t, router, http.MethodGet, "/api/ingest/v1/units", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var logs struct {
		Kind  string                  `json:"kind"`
		Units []processedFileResponse `json:"units"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	assert.Equal(t, "log", logs.Kind)
	require.Len(t, logs.Units, 2)
	assert.Equal(t, 1, logs.Units[0].SyncLatency)

	rec = doRequest(t, router, http.MethodGet, "/api/ingest/v1/units?kind=package", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var pkgs struct {
		Kind  string                     `json:"kind"`
		Units []processedPackageResponse `json:"units"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pkgs))
	require.Len(t, pkgs.Units, 1)
	assert.Equal(t, "2025-07-01T10:02:00Z", pkgs.Units[0].PackageTimestamp)
	assert.Equal(t, 1, pkgs.Units[0].RecordsInserted)

	rec = doRequest(t, router, http.MethodGet, "/api/ingest/v1/units?kind=nonsense", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAnomaliesEndpoint(t *testing.T) {
	_, st, router := setupTestAPI(t)

	ctx := context.Background()
	require.NoError(t, st.RecordAnomaly(ctx, "site-a.log", store.AnomalyRecordConflict, "key identity already stored"))
	require.NoError(t, st.RecordAnomaly(ctx, "2025-07-01T10:02:00Z", store.AnomalyCorrelationTie, "two candidate passes"))

	rec := doRequest(t, router, http.MethodGet, "/api/ingest/v1/anomalies", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Anomalies []anomalyResponse `json:"anomalies"`
		TotalSize int               `json:"totalSize"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.TotalSize)
	assert.Len(t, body.Anomalies, 2)

	rec = doRequest(t, router, http.MethodGet, "/api/ingest/v1/anomalies?category=record_conflict", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Anomalies, 1)
	assert.Equal(t, "site-a.log", body.Anomalies[0].Fingerprint)

	rec = doRequest(t, router, http.MethodGet, "/api/ingest/v1/anomalies?since=whenever", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCorrelateEndpoint(t *testing.T) {
	_, st, router := setupTestAPI(t)

	ctx := context.Background()
	linkPkg, err := ogs.Parse(linkPackage("2025-07-01T10:02:00Z", "2025-07-01T10:01:30Z", ""))
	require.NoError(t, err)
	_, err = st.ApplyPackage(ctx, &store.PackageUnit{Fingerprint: linkPkg.PackageTimestamp, Package: linkPkg})
	require.NoError(t, err)

	sumPkg, err := ogs.Parse(summaryPackage("2025-07-01T10:20:00Z", "pass-20250701-100000",
		"2025-07-01T10:00:00Z", "2025-07-01T10:10:00Z"))
	require.NoError(t, err)
	_, err = st.ApplyPackage(ctx, &store.PackageUnit{Fingerprint: sumPkg.PackageTimestamp, Package: sumPkg})
	require.NoError(t, err)

	rec := doRequest(t, router, http.MethodPost, "/api/ingest/v1/correlate", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body["linksResolved"])
	assert.Zero(t, body["alertsResolved"])
	assert.Zero(t, body["ties"])
}
