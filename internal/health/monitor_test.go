package health_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sqreele/pmcs-gateway/internal/health"
	"github.com/sqreele/pmcs-gateway/internal/resilience"
)

func TestStatusOf(t *testing.T) {
	open := func(n int) map[string]resilience.State {
		states := make(map[string]resilience.State)
		for i := 0; i < n; i++ {
			states[string(rune('a'+i))] = resilience.Open
		}
		return states
	}

	cases := []struct {
		name    string
		metrics health.Metrics
		want    health.Level
	}{
		{"clean snapshot", health.Metrics{Healthy: true}, health.Healthy},
		{"probe failing", health.Metrics{Healthy: false}, health.Unhealthy},
		{"five consecutive failures", health.Metrics{Healthy: true, ConsecutiveFailures: 5}, health.Unhealthy},
		{"three open circuits", health.Metrics{Healthy: true, CircuitStates: open(3)}, health.Unhealthy},
		{"elevated error rate", health.Metrics{Healthy: true, ErrorRatePercent: 20.5}, health.Degraded},
		{"error rate at threshold stays healthy", health.Metrics{Healthy: true, ErrorRatePercent: 20}, health.Healthy},
		{"two consecutive failures", health.Metrics{Healthy: true, ConsecutiveFailures: 2}, health.Degraded},
		{"single open circuit", health.Metrics{Healthy: true, CircuitStates: open(1)}, health.Degraded},
		{"unhealthy wins over degraded", health.Metrics{Healthy: false, ErrorRatePercent: 50}, health.Unhealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, health.StatusOf(tc.metrics))
		})
	}
}

func TestEventLogIsBoundedAndNewestFirst(t *testing.T) {
	monitor := health.NewMonitor(health.MonitorConfig{EventCapacity: 5}, nil, nil)

	for status := 500; status < 508; status++ {
		monitor.RecordError("work_orders", status, 10*time.Millisecond)
	}

	events := monitor.Events()
	require.Len(t, events, 5)
	require.Equal(t, 507, events[0].Status, "newest event comes first")
	require.Equal(t, 503, events[4].Status, "oldest surviving event comes last")
	for _, e := range events {
		require.Equal(t, health.EventAPIError, e.Kind)
		require.NotEmpty(t, e.ID)
	}
}

func TestRecordedTrafficMovesStatusBetweenProbes(t *testing.T) {
	monitor := health.NewMonitor(health.MonitorConfig{}, nil, nil)
	require.Equal(t, health.Healthy, monitor.Status())

	monitor.RecordError("work_orders", 503, 10*time.Millisecond)
	monitor.RecordError("work_orders", 503, 10*time.Millisecond)
	require.Equal(t, health.Degraded, monitor.Status(), "two consecutive failures degrade without waiting for a probe")

	for i := 0; i < 3; i++ {
		monitor.RecordError("work_orders", 503, 10*time.Millisecond)
	}
	require.Equal(t, health.Unhealthy, monitor.Status(), "five consecutive failures flip to unhealthy immediately")

	monitor.RecordSuccess("work_orders", 10*time.Millisecond)
	require.Equal(t, health.Degraded, monitor.Status(), "the streak resets but the error rate stays elevated")
}

func TestStartProbesImmediately(t *testing.T) {
	monitor := health.NewMonitor(health.MonitorConfig{ProbeInterval: time.Hour}, func(context.Context) error {
		return nil
	}, nil)
	snapshots := make(chan health.Metrics, 1)
	defer monitor.Subscribe(func(m health.Metrics) { snapshots <- m })()

	monitor.Start(context.Background())
	defer monitor.Stop()

	select {
	case m := <-snapshots:
		require.True(t, m.Healthy)
		require.Zero(t, m.ConsecutiveFailures)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published after Start")
	}

	events := monitor.Events()
	require.Len(t, events, 1)
	require.Equal(t, health.EventHealthCheck, events[0].Kind)
}

func TestFailingProbeDegradesThenRecovers(t *testing.T) {
	var probeErr error = errors.New("upstream down")
	monitor := health.NewMonitor(health.MonitorConfig{ProbeInterval: time.Hour}, func(context.Context) error {
		return probeErr
	}, nil)
	snapshots := make(chan health.Metrics, 4)
	defer monitor.Subscribe(func(m health.Metrics) { snapshots <- m })()

	monitor.Start(context.Background())
	defer monitor.Stop()
	m := <-snapshots
	require.False(t, m.Healthy)
	require.Equal(t, 1, m.ConsecutiveFailures)
	require.Equal(t, health.Unhealthy, health.StatusOf(m))

	probeErr = nil
	monitor.Start(context.Background()) // replaces the loop, probing again at once
	m = <-snapshots
	require.True(t, m.Healthy)
	require.Zero(t, m.ConsecutiveFailures)
	require.Equal(t, float64(50), m.ErrorRatePercent, "one failure out of two calls")
}

func TestStopDiscardsInFlightProbe(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	monitor := health.NewMonitor(health.MonitorConfig{ProbeInterval: time.Hour}, func(context.Context) error {
		close(entered)
		<-release
		return nil
	}, nil)
	published := make(chan health.Metrics, 1)
	defer monitor.Subscribe(func(m health.Metrics) { published <- m })()

	monitor.Start(context.Background())
	<-entered
	monitor.Stop()
	close(release)

	require.Never(t, func() bool {
		return len(monitor.Events()) > 0 || len(published) > 0
	}, 200*time.Millisecond, 20*time.Millisecond, "stale probe result must be discarded")
}

func TestSubscriberPanicDoesNotStopDelivery(t *testing.T) {
	monitor := health.NewMonitor(health.MonitorConfig{ProbeInterval: time.Hour}, func(context.Context) error {
		return nil
	}, nil)
	received := make(chan struct{}, 1)
	defer monitor.Subscribe(func(health.Metrics) { panic("bad subscriber") })()
	defer monitor.Subscribe(func(health.Metrics) { received <- struct{}{} })()

	monitor.Start(context.Background())
	defer monitor.Stop()

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("surviving subscriber was never notified")
	}
}

func TestProbeEmitsCircuitTransitionEvents(t *testing.T) {
	fixed := time.Now()
	clock := func() time.Time { return fixed }
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
	}).WithClock(clock)
	monitor := health.NewMonitor(health.MonitorConfig{
		ProbeInterval: time.Hour,
		Endpoints:     []string{"work_orders"},
	}, func(context.Context) error { return nil }, breaker)
	snapshots := make(chan health.Metrics, 4)
	defer monitor.Subscribe(func(m health.Metrics) { snapshots <- m })()

	breaker.ReportFailure(context.Background(), "work_orders")
	monitor.Start(context.Background())
	defer monitor.Stop()
	<-snapshots

	events := monitor.Events()
	require.Equal(t, health.EventCircuitOpen, events[0].Kind)
	require.Equal(t, "work_orders", events[0].Endpoint)

	// Past the recovery timeout the breaker probes half-open, which is no
	// longer considered open.
	fixed = fixed.Add(2 * time.Minute)
	require.True(t, breaker.Allow(context.Background(), "work_orders"))
	monitor.Start(context.Background())
	<-snapshots

	events = monitor.Events()
	require.Equal(t, health.EventRecovery, events[0].Kind)
	require.Equal(t, "work_orders", events[0].Endpoint)
}

func TestResetClearsCountersButKeepsEvents(t *testing.T) {
	monitor := health.NewMonitor(health.MonitorConfig{}, nil, nil)
	monitor.RecordError("rooms", 503, 5*time.Millisecond)
	monitor.RecordError("rooms", 503, 5*time.Millisecond)

	monitor.Reset()
	monitor.RecordSuccess("rooms", 5*time.Millisecond)

	require.Len(t, monitor.Events(), 2, "reset must not erase the operator event log")
}
