package upstream_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqreele/pmcs-gateway/internal/upstream"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *upstream.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &upstream.Client{HTTP: server.Client(), BaseURL: server.URL}
}

func TestRequestDecodesSuccessfulResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/machines/summary", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"total": 12}`))
	})
	client.SetAuthToken("secret")

	var payload struct {
		Total int `json:"total"`
	}
	err := client.GetJSON(context.Background(), "/api/v1/machines/summary", &payload)
	require.NoError(t, err)
	require.Equal(t, 12, payload.Total)
}

func TestRequestClassifiesGatewayErrorsAsRetryable(t *testing.T) {
	for _, status := range []int{502, 503, 504, 525} {
		client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		})

		_, err := client.Request(context.Background(), http.MethodGet, "/api/v1/rooms/summary", nil)
		var srvErr *upstream.ServerError
		require.ErrorAs(t, err, &srvErr)
		require.Equal(t, status, srvErr.Status)
		require.True(t, upstream.Retryable(err), "status %d must be retryable", status)
		require.Equal(t, status, upstream.StatusOf(err))
	}
}

func TestRequestInternalErrorIsTerminal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.Request(context.Background(), http.MethodGet, "/api/v1/users/summary", nil)
	var srvErr *upstream.ServerError
	require.ErrorAs(t, err, &srvErr)
	require.False(t, upstream.Retryable(err), "a plain 500 is not in the retryable set")
}

func TestRequestClientErrorIsTerminal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.Request(context.Background(), http.MethodGet, "/api/v1/missing", nil)
	var clientErr *upstream.NonRetryableError
	require.ErrorAs(t, err, &clientErr)
	require.Equal(t, http.StatusNotFound, clientErr.Status)
	require.False(t, upstream.Retryable(err))
}

func TestRequestUnauthorizedInvalidatesSession(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	client.SetAuthToken("stale")
	invalidated := false
	client.OnSessionExpired = func(context.Context) {
		invalidated = true
		client.ClearAuthToken()
	}

	_, err := client.Request(context.Background(), http.MethodGet, "/api/v1/work-orders/summary", nil)
	var authErr *upstream.AuthExpiredError
	require.ErrorAs(t, err, &authErr)
	require.True(t, invalidated, "401 must fire the session-invalidation callback")
	require.False(t, upstream.Retryable(err))
	require.Equal(t, http.StatusUnauthorized, upstream.StatusOf(err))
}

func TestRequestNetworkFailureIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	client := &upstream.Client{HTTP: &http.Client{}, BaseURL: server.URL}
	server.Close()

	_, err := client.Request(context.Background(), http.MethodGet, "/api/v1/health", nil)
	var netErr *upstream.NetworkError
	require.ErrorAs(t, err, &netErr)
	require.True(t, upstream.Retryable(err))
	require.Zero(t, upstream.StatusOf(err), "no response carries no status")
}

func TestProbeUsesHealthEndpoint(t *testing.T) {
	var probed string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		probed = r.URL.Path
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	require.NoError(t, client.Probe(context.Background()))
	require.Equal(t, "/api/v1/health", probed)
}
