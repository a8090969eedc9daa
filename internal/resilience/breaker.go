package resilience

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var breakerNopLogger = zerolog.Nop()

// State represents the current breaker state for an endpoint.
type State int

const (
	// Closed accepts all requests and tracks consecutive failures.
	Closed State = iota
	// Open rejects requests until the recovery timeout expires.
	Open
	// HalfOpen allows a limited number of probes to determine recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the per-endpoint state machine.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit while closed.
	FailureThreshold int
	// RecoveryTimeout is how long an open circuit rejects requests before
	// sampling the endpoint again.
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls caps the number of trial calls admitted while half-open.
	HalfOpenMaxCalls int
	// HalfOpenSuccesses is the number of consecutive successful trial calls
	// required to close the circuit again. Zero defaults to HalfOpenMaxCalls.
	HalfOpenSuccesses int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	if c.HalfOpenSuccesses <= 0 || c.HalfOpenSuccesses > c.HalfOpenMaxCalls {
		c.HalfOpenSuccesses = c.HalfOpenMaxCalls
	}
	return c
}

// endpointState is the per-endpoint record guarded by the registry lock.
type endpointState struct {
	state             State
	consecutiveFails  int
	lastFailure       time.Time
	halfOpenAdmitted  int
	halfOpenSuccesses int
}

// Breaker tracks one circuit per logical endpoint key. Records are created
// lazily on first use and live for the process lifetime. All transitions are
// performed under the registry lock so concurrent callers on the same
// endpoint never observe a torn state.
type Breaker struct {
	mu        sync.Mutex
	cfg       BreakerConfig
	endpoints map[string]*endpointState
	logger    *zerolog.Logger
	now       func() time.Time
}

// NewBreaker constructs a breaker registry with the provided configuration.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:       cfg.withDefaults(),
		endpoints: make(map[string]*endpointState),
		now:       time.Now,
	}
}

// WithLogger configures the logger used for transition events.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = &logger
	return b
}

// WithClock overrides the time source. Intended for tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	return b
}

// Allow reports whether a request to the endpoint is permitted. An open
// circuit moves to half-open exactly once when the recovery timeout has
// elapsed; while half-open, admission is capped at HalfOpenMaxCalls trial
// calls until the circuit resolves either way.
func (b *Breaker) Allow(ctx context.Context, endpoint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stateFor(endpoint)
	switch st.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(st.lastFailure) < b.cfg.RecoveryTimeout {
			return false
		}
		b.transitionLocked(ctx, endpoint, st, HalfOpen)
		fallthrough
	case HalfOpen:
		if st.halfOpenAdmitted >= b.cfg.HalfOpenMaxCalls {
			return false
		}
		st.halfOpenAdmitted++
		return true
	default:
		return true
	}
}

// ReportSuccess records a successful call against the endpoint.
func (b *Breaker) ReportSuccess(ctx context.Context, endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stateFor(endpoint)
	switch st.state {
	case Open:
		// Stray result from before the circuit opened.
		return
	case HalfOpen:
		st.halfOpenSuccesses++
		if st.halfOpenSuccesses >= b.cfg.HalfOpenSuccesses {
			b.transitionLocked(ctx, endpoint, st, Closed)
		}
	default:
		st.consecutiveFails = 0
	}
}

// ReportFailure records a failed call against the endpoint. While half-open a
// single failure reopens the circuit and restarts the recovery timer.
func (b *Breaker) ReportFailure(ctx context.Context, endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stateFor(endpoint)
	switch st.state {
	case Open:
		return
	case HalfOpen:
		st.lastFailure = b.now()
		b.transitionLocked(ctx, endpoint, st, Open)
	default:
		st.consecutiveFails++
		if st.consecutiveFails >= b.cfg.FailureThreshold {
			st.lastFailure = b.now()
			b.transitionLocked(ctx, endpoint, st, Open)
		}
	}
}

// State returns the currently recorded state for the endpoint without
// evaluating pending transitions.
func (b *Breaker) State(endpoint string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.endpoints[endpoint]; ok {
		return st.state
	}
	return Closed
}

// Snapshot returns the state of every endpoint observed so far.
func (b *Breaker) Snapshot() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]State, len(b.endpoints))
	for endpoint, st := range b.endpoints {
		out[endpoint] = st.state
	}
	return out
}

func (b *Breaker) stateFor(endpoint string) *endpointState {
	st, ok := b.endpoints[endpoint]
	if !ok {
		st = &endpointState{state: Closed}
		b.endpoints[endpoint] = st
	}
	return st
}

func (b *Breaker) transitionLocked(ctx context.Context, endpoint string, st *endpointState, next State) {
	prev := st.state
	if prev == next {
		return
	}
	st.state = next
	st.halfOpenAdmitted = 0
	st.halfOpenSuccesses = 0
	if next == Closed {
		st.consecutiveFails = 0
		st.lastFailure = time.Time{}
	}
	b.recordState(endpoint, next)
	b.recordTransition(ctx, endpoint, prev, next)
}

func (b *Breaker) recordState(endpoint string, state State) {
	if BreakerState == nil {
		return
	}
	BreakerState.WithLabelValues(endpointLabel(endpoint)).Set(stateGaugeValue(state))
}

func (b *Breaker) recordTransition(ctx context.Context, endpoint string, from, to State) {
	label := endpointLabel(endpoint)
	if BreakerTransitions != nil {
		BreakerTransitions.WithLabelValues(label, from.String(), to.String()).Inc()
	}
	if to == Open && BreakerOpenedTotal != nil {
		BreakerOpenedTotal.WithLabelValues(label).Inc()
	}
	logger := b.loggerFor(ctx)
	evt := logger.Info().Str("endpoint", label).Str("from_state", from.String()).Str("to_state", to.String())
	if traceID := traceIDFromContext(ctx); traceID != "" {
		evt = evt.Str("trace_id", traceID)
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) loggerFor(ctx context.Context) *zerolog.Logger {
	if ctxLogger := zerolog.Ctx(ctx); ctxLogger != nil && ctxLogger.GetLevel() != zerolog.Disabled {
		logger := ctxLogger.With().Logger()
		return &logger
	}
	if b.logger == nil {
		return &breakerNopLogger
	}
	return b.logger
}

func endpointLabel(endpoint string) string {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return "default"
	}
	return trimmed
}

func stateGaugeValue(state State) float64 {
	switch state {
	case Closed:
		return 0
	case Open:
		return 1
	case HalfOpen:
		return 2
	default:
		return -1
	}
}

func traceIDFromContext(ctx context.Context) string {
	span := trace.SpanContextFromContext(ctx)
	if span.IsValid() {
		return span.TraceID().String()
	}
	return ""
}
