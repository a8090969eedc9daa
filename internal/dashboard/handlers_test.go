package dashboard_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqreele/pmcs-gateway/internal/dashboard"
)

func TestHandlerGetServesSnapshot(t *testing.T) {
	f := newFakeUpstream(t)
	agg := newTestAggregator(t, f, dashboard.Config{})
	h := dashboard.Handler{Agg: agg}

	rec := httptest.NewRecorder()
	h.Get(rec, httptest.NewRequest(http.MethodGet, "/api/v1/dashboard", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sections map[string]struct {
			Data  json.RawMessage `json:"data"`
			Stale bool            `json:"stale"`
		} `json:"sections"`
		HealthStatus string `json:"health_status"`
		IsStale      bool   `json:"is_stale"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sections, 4)
	require.JSONEq(t, `{"total":9,"active":8,"out_of_service":0}`, string(body.Sections["rooms"].Data))
	require.Equal(t, "healthy", body.HealthStatus)
	require.False(t, body.IsStale)
}

func TestHandlerGetReusesCachedData(t *testing.T) {
	f := newFakeUpstream(t)
	agg := newTestAggregator(t, f, dashboard.Config{})
	h := dashboard.Handler{Agg: agg}

	for range 3 {
		rec := httptest.NewRecorder()
		h.Get(rec, httptest.NewRequest(http.MethodGet, "/api/v1/dashboard", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Equal(t, 4, f.totalCount(), "repeated GETs inside the cache window hit the upstream once")
}

func TestHandlerRefreshForcesFetch(t *testing.T) {
	f := newFakeUpstream(t)
	agg := newTestAggregator(t, f, dashboard.Config{})
	h := dashboard.Handler{Agg: agg}

	h.Get(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/dashboard", nil))
	h.Refresh(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/dashboard/refresh", nil))
	require.Equal(t, 8, f.totalCount())
}

func TestHandlerWithoutAggregatorIsUnavailable(t *testing.T) {
	rec := httptest.NewRecorder()
	dashboard.Handler{}.Get(rec, httptest.NewRequest(http.MethodGet, "/api/v1/dashboard", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
