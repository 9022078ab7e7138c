package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j0hanz/fetch-url-mcp-sub000/internal/mcp"
)

// mockHealthChecker implements mcp.HealthChecker for testing.
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func getPath(router http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// --- /health ---

func TestHandleHealth_ReturnsStatusAndCounts(t *testing.T) {
	_, router := newTestServer()
	initSession(t, router)

	rec := getPath(router, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])

	sessions := body["sessions"].(map[string]any)
	assert.EqualValues(t, 1, sessions["active"])

	tasks := body["tasks"].(map[string]any)
	assert.EqualValues(t, 0, tasks["tracked"])

	cacheInfo := body["cache"].(map[string]any)
	assert.Equal(t, true, cacheInfo["enabled"])
}

// --- /health/live ---

func TestHandleHealthLive_AlwaysReturns200(t *testing.T) {
	srv, router := newTestServer()
	// Liveness ignores dependency health.
	srv.HealthCheckers = map[string]mcp.HealthChecker{
		"upstream": &mockHealthChecker{err: errors.New("connection refused")},
	}

	rec := getPath(router, "/health/live")

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["go_version"])
}

// --- /health/ready ---

func TestHandleHealthReady_AllHealthy_Returns200(t *testing.T) {
	srv, router := newTestServer()
	srv.HealthCheckers = map[string]mcp.HealthChecker{
		"cache":      &mockHealthChecker{err: nil},
		"translator": &mockHealthChecker{err: nil},
	}

	rec := getPath(router, "/health/ready")

	assert.Equal(t, http.StatusOK, rec.Code)

	var body mcp.ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ready", body.Status)
	assert.Len(t, body.Checks, 2)
	assert.Equal(t, "ok", body.Checks["cache"].Status)
	assert.Equal(t, "ok", body.Checks["translator"].Status)
}

func TestHandleHealthReady_DependencyDown_Returns503(t *testing.T) {
	srv, router := newTestServer()
	srv.HealthCheckers = map[string]mcp.HealthChecker{
		"cache":      &mockHealthChecker{err: nil},
		"translator": &mockHealthChecker{err: errors.New("translator unavailable")},
	}

	rec := getPath(router, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body mcp.ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, "ok", body.Checks["cache"].Status)
	assert.Equal(t, "error", body.Checks["translator"].Status)
	assert.Equal(t, "translator unavailable", body.Checks["translator"].Error)
}

func TestHandleHealthReady_NoDepsConfigured_ReturnsReady(t *testing.T) {
	_, router := newTestServer()

	rec := getPath(router, "/health/ready")

	assert.Equal(t, http.StatusOK, rec.Code)

	var body mcp.ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ready", body.Status)
	assert.Empty(t, body.Checks)
}

// --- /metrics ---

func TestHandleMetrics_ExposesGauges(t *testing.T) {
	_, router := newTestServer()
	initSession(t, router)

	rec := getPath(router, "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	metrics := rec.Body.String()
	assert.Contains(t, metrics, "fetchd_info{")
	assert.Contains(t, metrics, "fetchd_goroutines")
	assert.Contains(t, metrics, "fetchd_sessions_active 1")
	assert.Contains(t, metrics, "fetchd_tasks_tracked 0")
	assert.Contains(t, metrics, "fetchd_cache_entries 0")
}
