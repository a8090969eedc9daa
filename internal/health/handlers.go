package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Checker represents dependencies that can be probed for readiness.
type Checker interface {
	PingUpstream(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// Handler exposes HTTP handlers for the health endpoints.
type Handler struct {
	Monitor         *Monitor
	Checker         Checker
	UpstreamTimeout time.Duration
	RedisTimeout    time.Duration
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness based on dependency probes.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Checker == nil {
		http.Error(w, "dependencies unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	upstreamStatus := "ok"
	if err := h.Checker.PingUpstream(ctx, h.upstreamTimeout()); err != nil {
		upstreamStatus = err.Error()
	}
	redisStatus := "ok"
	if err := h.Checker.PingRedis(ctx, h.redisTimeout()); err != nil {
		redisStatus = err.Error()
	}
	status := map[string]string{
		"upstream": upstreamStatus,
		"redis":    redisStatus,
	}
	w.Header().Set("Content-Type", "application/json")
	if upstreamStatus != "ok" || redisStatus != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// statusBody is the payload served by Status.
type statusBody struct {
	Status  string            `json:"status"`
	Metrics Metrics           `json:"metrics"`
	Circuit map[string]string `json:"circuit_states"`
	Events  []Event           `json:"events"`
}

// Status serves the monitor's latest snapshot and recent events.
func (h Handler) Status(w http.ResponseWriter, _ *http.Request) {
	if h.Monitor == nil {
		http.Error(w, "monitor unavailable", http.StatusServiceUnavailable)
		return
	}
	metrics := h.Monitor.Metrics()
	circuit := make(map[string]string, len(metrics.CircuitStates))
	for endpoint, state := range metrics.CircuitStates {
		circuit[endpoint] = state.String()
	}
	body := statusBody{
		Status:  StatusOf(metrics).String(),
		Metrics: metrics,
		Circuit: circuit,
		Events:  h.Monitor.Events(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

func (h Handler) upstreamTimeout() time.Duration {
	if h.UpstreamTimeout <= 0 {
		return 500 * time.Millisecond
	}
	return h.UpstreamTimeout
}

func (h Handler) redisTimeout() time.Duration {
	if h.RedisTimeout <= 0 {
		return 300 * time.Millisecond
	}
	return h.RedisTimeout
}
