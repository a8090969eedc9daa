package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxBodyBytes bounds how much of an upstream response is buffered.
const maxBodyBytes = 4 << 20

// Response is the transport-agnostic result handed back to callers: a status
// code and the raw body.
type Response struct {
	Status int
	Body   []byte
}

// Client speaks to the PMCS API. It owns body buffering, status
// classification and the session-invalidation hook; retry and circuit
// breaking live in the resilience package on top of it.
type Client struct {
	HTTP      *http.Client
	BaseURL   string
	UserAgent string
	Logger    *zerolog.Logger
	// OnSessionExpired is invoked once per 401 response before the error is
	// returned to the caller.
	OnSessionExpired func(ctx context.Context)

	mu        sync.Mutex
	authToken string
}

// SetAuthToken installs the bearer token sent with subsequent requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = strings.TrimSpace(token)
}

// ClearAuthToken drops the current bearer token, typically from the
// session-invalidation callback.
func (c *Client) ClearAuthToken() {
	c.SetAuthToken("")
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authToken
}

// Request performs one HTTP exchange and maps the outcome onto the typed
// error taxonomy. A nil error means a non-error status; the caller owns
// decoding the body.
func (c *Client) Request(ctx context.Context, method, path string, body any) (*Response, error) {
	if c.HTTP == nil {
		return nil, errors.New("upstream: http client not configured")
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("upstream: encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ua := strings.TrimSpace(c.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.logExchange(ctx, method, path, 0, time.Since(start), err)
		return nil, &NetworkError{URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.logExchange(ctx, method, path, resp.StatusCode, time.Since(start), err)
		return nil, &NetworkError{URL: url, Err: err}
	}
	c.logExchange(ctx, method, path, resp.StatusCode, time.Since(start), nil)

	switch {
	case resp.StatusCode < http.StatusBadRequest:
		return &Response{Status: resp.StatusCode, Body: data}, nil
	case resp.StatusCode == http.StatusUnauthorized:
		if c.OnSessionExpired != nil {
			c.OnSessionExpired(ctx)
		}
		return nil, &AuthExpiredError{Path: path}
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, &ServerError{Status: resp.StatusCode, Path: path}
	default:
		return nil, &NonRetryableError{Status: resp.StatusCode, Path: path}
	}
}

// GetJSON issues a GET and decodes the body into dst.
func (c *Client) GetJSON(ctx context.Context, path string, dst any) error {
	resp, err := c.Request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if len(resp.Body) == 0 {
		return fmt.Errorf("upstream: empty body from %s", path)
	}
	if err := json.Unmarshal(resp.Body, dst); err != nil {
		return fmt.Errorf("upstream: decode %s: %w", path, err)
	}
	return nil
}

// Probe issues the lightweight health-check request used by the monitor.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.Request(ctx, http.MethodGet, "/api/v1/health", nil)
	return err
}

func (c *Client) logExchange(ctx context.Context, method, path string, status int, elapsed time.Duration, err error) {
	logger := c.Logger
	if logger == nil {
		logger = zerolog.Ctx(ctx)
	}
	evt := logger.Debug().
		Str("method", method).
		Str("path", path).
		Int64("duration_ms", elapsed.Milliseconds())
	if status > 0 {
		evt = evt.Int("status", status)
	}
	if err != nil {
		evt = evt.Err(err)
	}
	evt.Msg("upstream_request")
}
