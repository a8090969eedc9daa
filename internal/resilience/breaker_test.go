package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sqreele/pmcs-gateway/internal/resilience"
)

func newClockedBreaker(cfg resilience.BreakerConfig) (*resilience.Breaker, *time.Time) {
	current := time.Now()
	breaker := resilience.NewBreaker(cfg).WithClock(func() time.Time { return current })
	return breaker, &current
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	breaker, _ := newClockedBreaker(resilience.BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		require.True(t, breaker.Allow(ctx, "machines"))
		breaker.ReportFailure(ctx, "machines")
		require.Equal(t, resilience.Closed, breaker.State("machines"))
	}
	breaker.ReportFailure(ctx, "machines")
	require.Equal(t, resilience.Open, breaker.State("machines"))
	require.False(t, breaker.Allow(ctx, "machines"), "open circuit must reject without attempting")
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	breaker, _ := newClockedBreaker(resilience.BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute})

	breaker.ReportFailure(ctx, "rooms")
	breaker.ReportSuccess(ctx, "rooms")
	breaker.ReportFailure(ctx, "rooms")
	require.Equal(t, resilience.Closed, breaker.State("rooms"), "non-consecutive failures must not open the circuit")
}

func TestBreakerHalfOpenTransitionHappensOnce(t *testing.T) {
	ctx := context.Background()
	breaker, clock := newClockedBreaker(resilience.BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 2,
	})

	breaker.ReportFailure(ctx, "users")
	require.Equal(t, resilience.Open, breaker.State("users"))
	require.False(t, breaker.Allow(ctx, "users"))

	*clock = clock.Add(31 * time.Second)
	require.True(t, breaker.Allow(ctx, "users"), "first check after the timeout admits a probe")
	require.Equal(t, resilience.HalfOpen, breaker.State("users"))

	// Re-checking does not re-transition; it only consumes the admission cap.
	require.True(t, breaker.Allow(ctx, "users"))
	require.Equal(t, resilience.HalfOpen, breaker.State("users"))
	require.False(t, breaker.Allow(ctx, "users"), "admission cap reached")
}

func TestBreakerHalfOpenFailureReopensAndResetsTimer(t *testing.T) {
	ctx := context.Background()
	breaker, clock := newClockedBreaker(resilience.BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 3,
	})

	breaker.ReportFailure(ctx, "work_orders")
	*clock = clock.Add(31 * time.Second)
	require.True(t, breaker.Allow(ctx, "work_orders"))

	*clock = clock.Add(10 * time.Second)
	breaker.ReportFailure(ctx, "work_orders")
	require.Equal(t, resilience.Open, breaker.State("work_orders"))

	// The timer restarts from the half-open failure, not the original open.
	*clock = clock.Add(25 * time.Second)
	require.False(t, breaker.Allow(ctx, "work_orders"))
	*clock = clock.Add(6 * time.Second)
	require.True(t, breaker.Allow(ctx, "work_orders"))
}

func TestBreakerClosesAfterHalfOpenSuccesses(t *testing.T) {
	ctx := context.Background()
	breaker, clock := newClockedBreaker(resilience.BreakerConfig{
		FailureThreshold:  1,
		RecoveryTimeout:   time.Second,
		HalfOpenMaxCalls:  3,
		HalfOpenSuccesses: 2,
	})

	breaker.ReportFailure(ctx, "machines")
	*clock = clock.Add(2 * time.Second)

	require.True(t, breaker.Allow(ctx, "machines"))
	breaker.ReportSuccess(ctx, "machines")
	require.Equal(t, resilience.HalfOpen, breaker.State("machines"))

	require.True(t, breaker.Allow(ctx, "machines"))
	breaker.ReportSuccess(ctx, "machines")
	require.Equal(t, resilience.Closed, breaker.State("machines"))

	// A fresh failure counts from zero again.
	breaker.ReportFailure(ctx, "machines")
	require.Equal(t, resilience.Open, breaker.State("machines"))
}

func TestBreakerSnapshotTracksEveryEndpoint(t *testing.T) {
	ctx := context.Background()
	breaker, _ := newClockedBreaker(resilience.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})

	require.True(t, breaker.Allow(ctx, "rooms"))
	breaker.ReportFailure(ctx, "users")

	snapshot := breaker.Snapshot()
	require.Equal(t, resilience.Closed, snapshot["rooms"])
	require.Equal(t, resilience.Open, snapshot["users"])
}

func TestBackoffGrowsExponentially(t *testing.T) {
	base := 100 * time.Millisecond

	require.Equal(t, base, resilience.Backoff(base, 0, 0))
	require.Equal(t, 2*base, resilience.Backoff(base, 1, 0))
	require.Equal(t, 4*base, resilience.Backoff(base, 2, 0))

	// Jitter is additive only: the delay never drops below the exponential floor.
	for i := 0; i < 20; i++ {
		d := resilience.Backoff(base, 2, 0.5)
		require.GreaterOrEqual(t, d, 4*base)
		require.LessOrEqual(t, d, 6*base)
	}
}
