package resilience

import (
	"errors"
	"fmt"
)

// CircuitOpenError is returned when the breaker rejects a request without
// attempting it because the endpoint is presumed down.
type CircuitOpenError struct {
	Endpoint string
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("resilience: circuit open for %s", e.Endpoint)
}

// RetryExhaustedError wraps the last underlying error after all permitted
// attempts have failed.
type RetryExhaustedError struct {
	Endpoint string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("resilience: %d attempt(s) against %s exhausted: %v", e.Attempts, e.Endpoint, e.Err)
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// IsCircuitOpen reports whether the error chain contains a circuit rejection.
func IsCircuitOpen(err error) bool {
	var target *CircuitOpenError
	return errors.As(err, &target)
}
