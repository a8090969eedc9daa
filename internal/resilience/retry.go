package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// Policy configures one retry sequence. It is treated as immutable per call.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt. Zero
	// means exactly one attempt.
	MaxRetries int
	// BaseDelay seeds the exponential backoff schedule.
	BaseDelay time.Duration
	// Jitter is the fraction of the computed delay added as random spread.
	Jitter float64
	// Retryable classifies whether a failed attempt may be retried. Nil
	// treats every error as terminal.
	Retryable func(error) bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Retryer executes operations against named endpoints with bounded retries
// gated by a shared circuit breaker.
type Retryer struct {
	Breaker *Breaker
	Policy  Policy
	// Sleep waits between attempts. Nil uses a context-aware timer.
	// Overridable for tests.
	Sleep  func(context.Context, time.Duration) error
	Logger *zerolog.Logger
}

// Backoff returns the exponential backoff delay for the given attempt
// (0-based), spread by a non-negative random jitter fraction.
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 20 {
		attempt = 20
	}
	d := base * time.Duration(1<<uint(attempt))
	if jitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*jitter*float64(d))
}

// Execute runs the operation using the retryer's default policy.
func Execute[T any](ctx context.Context, r *Retryer, endpoint string, op func(context.Context) (T, error)) (T, error) {
	return ExecutePolicy(ctx, r, endpoint, r.Policy, op)
}

// ExecutePolicy runs the operation against the endpoint, consulting the
// breaker before every attempt and reporting the outcome of each one. A
// rejected attempt consumes no retry budget; a failed attempt reports to the
// breaker immediately so the circuit can open mid-sequence, after which the
// next gate check short-circuits the remaining retries.
func ExecutePolicy[T any](ctx context.Context, r *Retryer, endpoint string, policy Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	policy = policy.withDefaults()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if r.Breaker != nil && !r.Breaker.Allow(ctx, endpoint) {
			return zero, &CircuitOpenError{Endpoint: endpoint}
		}
		result, err := op(ctx)
		if err == nil {
			if r.Breaker != nil {
				r.Breaker.ReportSuccess(ctx, endpoint)
			}
			RetryAttemptsTotal.WithLabelValues(endpoint, "success").Inc()
			return result, nil
		}
		if r.Breaker != nil {
			r.Breaker.ReportFailure(ctx, endpoint)
		}
		RetryAttemptsTotal.WithLabelValues(endpoint, "failure").Inc()
		lastErr = err

		if policy.Retryable == nil || !policy.Retryable(err) {
			return zero, err
		}
		if attempt >= policy.MaxRetries {
			RetryExhaustedTotal.WithLabelValues(endpoint).Inc()
			return zero, &RetryExhaustedError{Endpoint: endpoint, Attempts: attempt + 1, Err: lastErr}
		}

		delay := Backoff(policy.BaseDelay, attempt, policy.Jitter)
		r.logAttempt(ctx, endpoint, attempt, delay, err)
		if err := r.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func (r *Retryer) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Retryer) logAttempt(ctx context.Context, endpoint string, attempt int, delay time.Duration, err error) {
	logger := r.Logger
	if logger == nil {
		if ctxLogger := zerolog.Ctx(ctx); ctxLogger != nil {
			logger = ctxLogger
		} else {
			logger = &breakerNopLogger
		}
	}
	logger.Debug().
		Str("endpoint", endpoint).
		Int("attempt", attempt+1).
		Dur("backoff", delay).
		Err(err).
		Msg("retry_scheduled")
}
