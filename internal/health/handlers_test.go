package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sqreele/pmcs-gateway/internal/health"
)

type stubChecker struct {
	upstreamErr error
	redisErr    error
}

func (s stubChecker) PingUpstream(context.Context, time.Duration) error { return s.upstreamErr }
func (s stubChecker) PingRedis(context.Context, time.Duration) error    { return s.redisErr }

func TestLive(t *testing.T) {
	rec := httptest.NewRecorder()
	health.Handler{}.Live(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestReadyReportsPerDependencyStatus(t *testing.T) {
	cases := []struct {
		name     string
		checker  stubChecker
		wantCode int
		wantUp   string
	}{
		{"all dependencies up", stubChecker{}, http.StatusOK, "ok"},
		{"upstream down", stubChecker{upstreamErr: errors.New("dial tcp: refused")}, http.StatusServiceUnavailable, "dial tcp: refused"},
		{"redis down", stubChecker{redisErr: errors.New("redis: closed")}, http.StatusServiceUnavailable, "ok"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h := health.Handler{Checker: tc.checker}
			h.Ready(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			require.Equal(t, tc.wantCode, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(t, tc.wantUp, body["upstream"])
		})
	}
}

func TestStatusServesMonitorSnapshot(t *testing.T) {
	monitor := health.NewMonitor(health.MonitorConfig{}, nil, nil)
	monitor.RecordError("machines", 503, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	health.Handler{Monitor: monitor}.Status(rec, httptest.NewRequest(http.MethodGet, "/health/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status string `json:"status"`
		Events []struct {
			Kind     string `json:"kind"`
			Endpoint string `json:"endpoint"`
			Status   int    `json:"status"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "degraded", body.Status, "recorded errors degrade the status before the next probe")
	require.Len(t, body.Events, 1)
	require.Equal(t, "api_error", body.Events[0].Kind)
	require.Equal(t, "machines", body.Events[0].Endpoint)
	require.Equal(t, 503, body.Events[0].Status)
}

func TestStatusWithoutMonitorIsUnavailable(t *testing.T) {
	rec := httptest.NewRecorder()
	health.Handler{}.Status(rec, httptest.NewRequest(http.MethodGet, "/health/status", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
