package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

// retryableStatuses are the server/gateway statuses worth retrying. Everything
// else with a response is terminal for the caller.
var retryableStatuses = map[int]bool{
	http.StatusBadGateway:         true, // 502
	http.StatusServiceUnavailable: true, // 503
	http.StatusGatewayTimeout:     true, // 504
	525:                           true, // cloudflare SSL handshake failure
}

// NetworkError indicates that no response was received at all (connection
// reset, DNS failure, timeout).
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("upstream: network failure calling %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError carries a 5xx response status.
type ServerError struct {
	Status int
	Path   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("upstream: %s returned %d", e.Path, e.Status)
}

// NonRetryableError carries a terminal 4xx response status other than 401.
type NonRetryableError struct {
	Status int
	Path   string
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("upstream: %s rejected with %d", e.Path, e.Status)
}

// AuthExpiredError indicates a 401 response. It is never retried; the client
// fires its session-invalidation callback instead.
type AuthExpiredError struct {
	Path string
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("upstream: session expired calling %s", e.Path)
}

// Retryable classifies an error for the retry executor: network-level
// failures and the 502/503/504/525 gateway statuses are retryable, everything
// else is terminal.
func Retryable(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		return retryableStatuses[srvErr.Status]
	}
	return false
}

// StatusOf extracts the response status carried by the error chain, or zero
// when the failure produced no response.
func StatusOf(err error) int {
	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		return srvErr.Status
	}
	var clientErr *NonRetryableError
	if errors.As(err, &clientErr) {
		return clientErr.Status
	}
	var authErr *AuthExpiredError
	if errors.As(err, &authErr) {
		return http.StatusUnauthorized
	}
	return 0
}
