package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/civicmaps/ofisi/internal/evidence"
	"github.com/civicmaps/ofisi/internal/ledger"
	"github.com/civicmaps/ofisi/internal/moderation"
	"github.com/civicmaps/ofisi/internal/registry"
	"github.com/civicmaps/ofisi/internal/stats"
	"github.com/civicmaps/ofisi/internal/store"
)

func newTestAPI(t *testing.T) *apiServer {
	t.Helper()

	dir := t.TempDir()
	st, err := store.NewSQLite(filepath.Join(dir, "api-test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	ev, err := evidence.NewDirStore(filepath.Join(dir, "evidence"), "/evidence")
	require.NoError(t, err)

	det := registry.NewDetector(st)
	led := ledger.New(st, ledger.DefaultDedupWindow)

	return &apiServer{
		env: &pipelineEnv{
			Store:      st,
			Moderation: moderation.NewService(st, det, led, nil),
			Ledger:     led,
			Evidence:   ev,
			Stats:      stats.NewCache(st, time.Minute),
		},
		confirmLimiter: rate.NewLimiter(rate.Inf, 1),
	}
}

func postJSON(t *testing.T, mux http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func submitContribution(t *testing.T, mux http.Handler) string {
	t.Helper()
	rr := postJSON(t, mux, "/contributions", map[string]any{
		"office_location": "Huduma Centre Annex",
		"county":          "Nairobi",
		"samples": []map[string]float64{
			{"latitude": -1.2921, "longitude": 36.8219, "accuracy_meters": 10},
		},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var c struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &c))
	require.NotEmpty(t, c.ID)
	return c.ID
}

func TestMux_Health(t *testing.T) {
	mux := newTestAPI(t).routes()

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestMux_SubmitAndGet(t *testing.T) {
	mux := newTestAPI(t).routes()

	id := submitContribution(t, mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/contributions/"+id, nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var c struct {
		Status          string `json:"status"`
		ConfidenceScore int    `json:"confidence_score"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &c))
	assert.Equal(t, "pending_review", c.Status)
	assert.Equal(t, 70, c.ConfidenceScore)
}

func TestMux_SubmitRejectsMissingLocation(t *testing.T) {
	mux := newTestAPI(t).routes()

	rr := postJSON(t, mux, "/contributions", map[string]any{
		"samples": []map[string]float64{
			{"latitude": -1.29, "longitude": 36.82, "accuracy_meters": 10},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "office location")
}

func TestMux_SubmitRejectsInvalidJSON(t *testing.T) {
	mux := newTestAPI(t).routes()

	req := httptest.NewRequest(http.MethodPost, "/contributions", bytes.NewReader([]byte("not json")))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMux_GetUnknownContribution(t *testing.T) {
	mux := newTestAPI(t).routes()

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/contributions/no-such-id", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMux_List(t *testing.T) {
	mux := newTestAPI(t).routes()
	submitContribution(t, mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/contributions?status=pending_review", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
}

func TestMux_ConfirmFlow(t *testing.T) {
	mux := newTestAPI(t).routes()
	id := submitContribution(t, mux)

	payload := map[string]any{
		"latitude":           -1.2922,
		"longitude":          36.8220,
		"accuracy_meters":    15,
		"device_fingerprint": "device-a",
	}

	rr := postJSON(t, mux, "/contributions/"+id+"/confirm", payload)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var res struct {
		Weight            int `json:"weight"`
		ConfirmationCount int `json:"confirmation_count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, 5, res.Weight) // tight accuracy +2, close proximity +2
	assert.Equal(t, 5, res.ConfirmationCount)

	// Same device again inside the window: idempotent no-op.
	rr = postJSON(t, mux, "/contributions/"+id+"/confirm", payload)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "already_confirmed")
}

func TestMux_ConfirmTooFar(t *testing.T) {
	mux := newTestAPI(t).routes()
	id := submitContribution(t, mux)

	rr := postJSON(t, mux, "/contributions/"+id+"/confirm", map[string]any{
		"latitude":           -1.35, // several km south
		"longitude":          36.82,
		"accuracy_meters":    15,
		"device_fingerprint": "device-b",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestMux_ConfirmRateLimited(t *testing.T) {
	api := newTestAPI(t)
	api.confirmLimiter = rate.NewLimiter(rate.Every(time.Minute), 1)
	mux := api.routes()
	id := submitContribution(t, mux)

	payload := map[string]any{
		"latitude": -1.2921, "longitude": 36.8219,
		"accuracy_meters": 15, "device_fingerprint": "device-c",
	}
	rr := postJSON(t, mux, "/contributions/"+id+"/confirm", payload)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = postJSON(t, mux, "/contributions/"+id+"/confirm", payload)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestMux_VerifyPublishesOffice(t *testing.T) {
	mux := newTestAPI(t).routes()
	id := submitContribution(t, mux)

	rr := postJSON(t, mux, "/contributions/"+id+"/verify", map[string]any{
		"actor": "moderator@example.org",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var office struct {
		ID       string `json:"id"`
		Verified bool   `json:"verified"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &office))
	assert.True(t, office.Verified)
	assert.NotEmpty(t, office.ID)

	// The contribution is archived; a second verify conflicts.
	rr = postJSON(t, mux, "/contributions/"+id+"/verify", map[string]any{"actor": "m"})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestMux_RejectRequiresReason(t *testing.T) {
	mux := newTestAPI(t).routes()
	id := submitContribution(t, mux)

	rr := postJSON(t, mux, "/contributions/"+id+"/reject", map[string]any{"actor": "m"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = postJSON(t, mux, "/contributions/"+id+"/reject", map[string]any{
		"actor": "m", "reason": "location does not exist",
	})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMux_RestoreReopensContribution(t *testing.T) {
	mux := newTestAPI(t).routes()
	id := submitContribution(t, mux)

	rr := postJSON(t, mux, "/contributions/"+id+"/reject", map[string]any{
		"actor": "m", "reason": "needs another look",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	// Find the archive record.
	lr := httptest.NewRecorder()
	mux.ServeHTTP(lr, httptest.NewRequest(http.MethodGet, "/archives", nil))
	require.Equal(t, http.StatusOK, lr.Code)

	var archives struct {
		Archives []struct {
			ID string `json:"archive_id"`
		} `json:"archives"`
	}
	require.NoError(t, json.Unmarshal(lr.Body.Bytes(), &archives))
	require.Len(t, archives.Archives, 1)

	rr = postJSON(t, mux, fmt.Sprintf("/archives/%s/restore", archives.Archives[0].ID),
		map[string]any{"actor": "m"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var c struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &c))
	assert.Equal(t, "pending_review", c.Status)
}

func TestMux_BulkReject(t *testing.T) {
	mux := newTestAPI(t).routes()
	a := submitContribution(t, mux)
	b := submitContribution(t, mux)

	rr := postJSON(t, mux, "/moderation/bulk", map[string]any{
		"action":           "reject",
		"contribution_ids": []string{a, b, "missing-id"},
		"actor":            "m",
		"reason":           "duplicate survey batch",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var res struct {
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
}

func TestMux_Stats(t *testing.T) {
	mux := newTestAPI(t).routes()
	submitContribution(t, mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var snap struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.Total)
}
