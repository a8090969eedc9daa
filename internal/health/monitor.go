package health

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sqreele/pmcs-gateway/internal/resilience"
)

var monitorNopLogger = zerolog.Nop()

// Level is the tri-level availability status derived from the latest
// metrics snapshot.
type Level int

const (
	Healthy Level = iota
	Degraded
	Unhealthy
)

func (l Level) String() string {
	switch l {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText renders the level for JSON payloads.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// EventKind classifies entries in the monitor's event log.
type EventKind string

const (
	EventHealthCheck EventKind = "health_check"
	EventAPIError    EventKind = "api_error"
	EventCircuitOpen EventKind = "circuit_open"
	EventRecovery    EventKind = "recovery"
)

// Event is an immutable log record kept in a bounded ring, newest first.
type Event struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Kind           EventKind `json:"kind"`
	Endpoint       string    `json:"endpoint,omitempty"`
	Status         int       `json:"status,omitempty"`
	ResponseTimeMs float64   `json:"response_time_ms,omitempty"`
	Message        string    `json:"message,omitempty"`
}

// Metrics is the snapshot produced wholesale on each probe cycle. Consumers
// receive copies and never mutate the monitor's own record.
type Metrics struct {
	Healthy             bool                        `json:"healthy"`
	LastChecked         time.Time                   `json:"last_checked"`
	UptimeMs            int64                       `json:"uptime_ms"`
	AvgResponseTimeMs   float64                     `json:"avg_response_time_ms"`
	CircuitStates       map[string]resilience.State `json:"-"`
	ErrorRatePercent    float64                     `json:"error_rate_percent"`
	ConsecutiveFailures int                         `json:"consecutive_failures"`
}

// StatusOf derives the tri-level status from a snapshot. Unhealthy
// conditions are checked before degraded ones; the order matters.
func StatusOf(m Metrics) Level {
	open := 0
	for _, state := range m.CircuitStates {
		if state == resilience.Open {
			open++
		}
	}
	switch {
	case !m.Healthy, m.ConsecutiveFailures >= 5, open > 2:
		return Unhealthy
	case m.ErrorRatePercent > 20, m.ConsecutiveFailures >= 2, open > 0:
		return Degraded
	default:
		return Healthy
	}
}

// MonitorConfig tunes the probing loop.
type MonitorConfig struct {
	// ProbeInterval is the period between health probes.
	ProbeInterval time.Duration
	// WindowSize bounds the response-time sample window.
	WindowSize int
	// EventCapacity bounds the event ring buffer.
	EventCapacity int
	// Endpoints is the fixed set of endpoint keys inspected for circuit
	// transitions after each probe.
	Endpoints []string
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 50
	}
	if c.EventCapacity <= 0 {
		c.EventCapacity = 100
	}
	return c
}

// Monitor keeps a process-wide rolling picture of upstream availability,
// independent of any single request. It is constructed and owned explicitly;
// Start/Stop tie it to the application's lifecycle.
type Monitor struct {
	mu      sync.Mutex
	cfg     MonitorConfig
	probe   func(context.Context) error
	breaker *resilience.Breaker
	logger  *zerolog.Logger
	now     func() time.Time

	running   bool
	runID     uint64
	stopCh    chan struct{}
	startedAt time.Time

	samples     []float64
	events      []Event
	totalCalls  int
	errorCalls  int
	consFails   int
	wasOpen     map[string]bool
	lastProbeOK bool
	lastChecked time.Time

	subs    map[int]func(Metrics)
	nextSub int
}

// NewMonitor constructs a monitor around a lightweight probe operation and
// the shared circuit breaker registry.
func NewMonitor(cfg MonitorConfig, probe func(context.Context) error, breaker *resilience.Breaker) *Monitor {
	return &Monitor{
		cfg:         cfg.withDefaults(),
		probe:       probe,
		breaker:     breaker,
		now:         time.Now,
		wasOpen:     make(map[string]bool),
		lastProbeOK: true,
		subs:        make(map[int]func(Metrics)),
	}
}

// WithLogger configures the monitor's logger.
func (m *Monitor) WithLogger(logger zerolog.Logger) *Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = &logger
	return m
}

// WithClock overrides the time source. Intended for tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// Start begins periodic probing; the first probe fires immediately rather
// than after a full interval. Calling Start while running replaces the
// existing loop instead of stacking timers.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		close(m.stopCh)
	}
	m.runID++
	run := m.runID
	m.running = true
	m.stopCh = make(chan struct{})
	stop := m.stopCh
	if m.startedAt.IsZero() {
		m.startedAt = m.now()
	}
	interval := m.cfg.ProbeInterval
	m.mu.Unlock()

	go func() {
		m.probeOnce(ctx, run)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.probeOnce(ctx, run)
			}
		}
	}()
}

// Stop cancels the probing loop. It is idempotent, and once it returns no
// further events are appended: results from a probe still in flight are
// discarded when they arrive.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.runID++
	close(m.stopCh)
}

// probeOnce runs the injected probe outside the lock and applies its result
// only if the same run is still current.
func (m *Monitor) probeOnce(ctx context.Context, run uint64) {
	start := time.Now()
	err := m.probe(ctx)
	elapsed := time.Since(start)

	m.mu.Lock()
	if !m.running || m.runID != run {
		m.mu.Unlock()
		return
	}
	now := m.now()
	m.totalCalls++
	m.pushSampleLocked(elapsed)
	if err != nil {
		m.errorCalls++
		m.consFails++
		m.appendEventLocked(Event{
			Timestamp:      now,
			Kind:           EventAPIError,
			ResponseTimeMs: durationMillis(elapsed),
			Message:        err.Error(),
		})
	} else {
		m.consFails = 0
		m.appendEventLocked(Event{
			Timestamp:      now,
			Kind:           EventHealthCheck,
			ResponseTimeMs: durationMillis(elapsed),
		})
	}
	m.diffCircuitsLocked(now)
	m.lastProbeOK = err == nil
	m.lastChecked = now
	snapshot := m.snapshotLocked(m.lastProbeOK, now)
	subs := make([]func(Metrics), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.loggerRef().Debug().
		Bool("healthy", err == nil).
		Float64("error_rate", snapshot.ErrorRatePercent).
		Int("consecutive_failures", snapshot.ConsecutiveFailures).
		Msg("health_probe")
	notify(subs, snapshot)
}

// notify publishes synchronously; a panicking subscriber must not prevent
// the rest from being notified.
func notify(subs []func(Metrics), snapshot Metrics) {
	for _, fn := range subs {
		func() {
			defer func() { _ = recover() }()
			fn(snapshot)
		}()
	}
}

// RecordSuccess lets callers outside the probe loop feed the shared
// counters, so UI-triggered traffic moves the status between ticks.
func (m *Monitor) RecordSuccess(endpoint string, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalCalls++
	m.pushSampleLocked(elapsed)
	m.consFails = 0
}

// RecordError contributes an external failure to the shared counters and the
// event log.
func (m *Monitor) RecordError(endpoint string, status int, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalCalls++
	m.errorCalls++
	m.consFails++
	m.pushSampleLocked(elapsed)
	m.appendEventLocked(Event{
		Timestamp:      m.now(),
		Kind:           EventAPIError,
		Endpoint:       endpoint,
		Status:         status,
		ResponseTimeMs: durationMillis(elapsed),
	})
}

// Subscribe registers a listener for metrics snapshots and returns its
// unsubscribe function.
func (m *Monitor) Subscribe(fn func(Metrics)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Metrics builds a snapshot from the live counters, so traffic recorded via
// RecordSuccess/RecordError moves the derived status between probe ticks.
// Healthy reflects the outcome of the most recent probe.
func (m *Monitor) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(m.lastProbeOK, m.lastChecked)
}

// Status derives the tri-level status from the current counters.
func (m *Monitor) Status() Level {
	return StatusOf(m.Metrics())
}

// Events returns the recorded events, newest first.
func (m *Monitor) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Reset clears the lifetime counters and the sample window. The event log is
// left intact for operators.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalCalls = 0
	m.errorCalls = 0
	m.consFails = 0
	m.samples = nil
}

func (m *Monitor) pushSampleLocked(elapsed time.Duration) {
	m.samples = append(m.samples, durationMillis(elapsed))
	if len(m.samples) > m.cfg.WindowSize {
		m.samples = m.samples[len(m.samples)-m.cfg.WindowSize:]
	}
}

func (m *Monitor) appendEventLocked(e Event) {
	e.ID = uuid.NewString()
	m.events = append([]Event{e}, m.events...)
	if len(m.events) > m.cfg.EventCapacity {
		m.events = m.events[:m.cfg.EventCapacity]
	}
}

// diffCircuitsLocked appends circuit_open/recovery events for endpoints that
// changed open-state since the previous probe.
func (m *Monitor) diffCircuitsLocked(now time.Time) {
	if m.breaker == nil {
		return
	}
	states := m.breaker.Snapshot()
	for _, endpoint := range m.endpointsLocked(states) {
		open := states[endpoint] == resilience.Open
		switch {
		case open && !m.wasOpen[endpoint]:
			m.appendEventLocked(Event{Timestamp: now, Kind: EventCircuitOpen, Endpoint: endpoint})
		case !open && m.wasOpen[endpoint]:
			m.appendEventLocked(Event{Timestamp: now, Kind: EventRecovery, Endpoint: endpoint})
		}
		m.wasOpen[endpoint] = open
	}
}

func (m *Monitor) endpointsLocked(states map[string]resilience.State) []string {
	if len(m.cfg.Endpoints) > 0 {
		return m.cfg.Endpoints
	}
	out := make([]string, 0, len(states))
	for endpoint := range states {
		out = append(out, endpoint)
	}
	return out
}

func (m *Monitor) snapshotLocked(probeOK bool, checkedAt time.Time) Metrics {
	var avg float64
	if len(m.samples) > 0 {
		var sum float64
		for _, sample := range m.samples {
			sum += sample
		}
		avg = sum / float64(len(m.samples))
	}
	var rate float64
	if m.totalCalls > 0 {
		rate = float64(m.errorCalls) / float64(m.totalCalls) * 100
	}
	var states map[string]resilience.State
	if m.breaker != nil {
		states = m.breaker.Snapshot()
	}
	var uptime int64
	if !m.startedAt.IsZero() {
		uptime = m.now().Sub(m.startedAt).Milliseconds()
	}
	return Metrics{
		Healthy:             probeOK,
		LastChecked:         checkedAt,
		UptimeMs:            uptime,
		AvgResponseTimeMs:   avg,
		CircuitStates:       states,
		ErrorRatePercent:    rate,
		ConsecutiveFailures: m.consFails,
	}
}

func (m *Monitor) loggerRef() *zerolog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logger == nil {
		return &monitorNopLogger
	}
	return m.logger
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
