package dashboard

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sqreele/pmcs-gateway/internal/health"
	"github.com/sqreele/pmcs-gateway/internal/resilience"
	"github.com/sqreele/pmcs-gateway/internal/upstream"
)

var aggregatorNopLogger = zerolog.Nop()

// Config tunes the aggregator's caching and recovery behaviour.
type Config struct {
	// CacheDuration is how long a fully-successful refresh suppresses
	// non-forced fetches.
	CacheDuration time.Duration
	// StaleThreshold is the age past which the served view is flagged stale.
	StaleThreshold time.Duration
	// RecoveryDelay is how long after a health recovery the automatic retry
	// waits, so recovering backends are not hit by a retry storm.
	RecoveryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.CacheDuration <= 0 {
		c.CacheDuration = 5 * time.Minute
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 10 * time.Minute
	}
	if c.RecoveryDelay <= 0 {
		c.RecoveryDelay = 30 * time.Second
	}
	return c
}

// sectionState is the aggregator's private per-section record.
type sectionState struct {
	data      any
	err       error
	stale     bool
	updatedAt time.Time
}

// SectionView is the read-only per-section slice of a snapshot.
type SectionView struct {
	Data      any       `json:"data"`
	Stale     bool      `json:"stale"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Snapshot is the read-only view model handed to consumers.
type Snapshot struct {
	Sections     map[string]SectionView `json:"sections"`
	Loading      bool                   `json:"loading"`
	Error        string                 `json:"error,omitempty"`
	LastUpdated  time.Time              `json:"last_updated,omitzero"`
	IsStale      bool                   `json:"is_stale"`
	HealthStatus health.Level           `json:"health_status"`
}

// Aggregator fetches the dashboard's independent data sections concurrently,
// tolerates partial failure by keeping last known-good values, and serves a
// staleness-aware view. One instance owns its view model for its lifetime.
type Aggregator struct {
	mu       sync.Mutex
	cfg      Config
	client   *upstream.Client
	retryer  *resilience.Retryer
	monitor  *health.Monitor
	store    *Store
	sections []SectionSpec
	logger   *zerolog.Logger
	now      func() time.Time

	state           map[string]*sectionState
	loading         bool
	generation      uint64
	lastUpdated     time.Time
	lastFullRefresh time.Time

	prevLevel   health.Level
	retryTimer  *time.Timer
	unsubscribe func()
	closed      bool
}

// NewAggregator constructs an aggregator over the default section set. When a
// monitor is provided the aggregator subscribes for auto-recovery and feeds
// the monitor's external counters; when a store is provided the last
// known-good sections are hydrated from it, flagged stale.
func NewAggregator(cfg Config, client *upstream.Client, retryer *resilience.Retryer, monitor *health.Monitor, store *Store) *Aggregator {
	a := &Aggregator{
		cfg:       cfg.withDefaults(),
		client:    client,
		retryer:   retryer,
		monitor:   monitor,
		store:     store,
		sections:  DefaultSections(),
		now:       time.Now,
		state:     make(map[string]*sectionState),
		prevLevel: health.Healthy,
	}
	for _, spec := range a.sections {
		a.state[spec.Name] = &sectionState{}
	}
	if monitor != nil {
		a.unsubscribe = monitor.Subscribe(func(m health.Metrics) {
			a.onHealth(health.StatusOf(m))
		})
	}
	return a
}

// WithLogger configures the aggregator's logger.
func (a *Aggregator) WithLogger(logger zerolog.Logger) *Aggregator {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logger = &logger
	return a
}

// WithClock overrides the time source. Intended for tests.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
	return a
}

// Hydrate restores last known-good sections from the store, if any. Restored
// data is flagged stale until the first successful fetch replaces it.
func (a *Aggregator) Hydrate(ctx context.Context) {
	if a.store == nil {
		return
	}
	persisted, ok, err := a.store.Load(ctx)
	if err != nil {
		a.loggerRef().Warn().Err(err).Msg("hydrate_dashboard")
		return
	}
	if !ok {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, spec := range a.sections {
		entry, ok := persisted.Sections[spec.Name]
		if !ok || len(entry.Data) == 0 {
			continue
		}
		dst := spec.New()
		if err := entry.decode(dst); err != nil {
			continue
		}
		st := a.state[spec.Name]
		st.data = dst
		st.stale = true
		st.updatedAt = entry.UpdatedAt
	}
}

// Fetch refreshes all sections. It never returns an error; failures are
// captured per section. Within the cache window of the last fully-successful
// refresh, non-forced calls serve the cached view without network traffic.
// Overlapping fetches are superseded: results belonging to an older
// generation are dropped.
func (a *Aggregator) Fetch(ctx context.Context, force bool) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if !force && !a.lastFullRefresh.IsZero() && a.now().Sub(a.lastFullRefresh) < a.cfg.CacheDuration {
		a.mu.Unlock()
		return
	}
	a.generation++
	gen := a.generation
	a.loading = true
	specs := append([]SectionSpec(nil), a.sections...)
	a.mu.Unlock()

	a.run(ctx, gen, specs)
}

// Retry re-fetches only the sections that are currently failed or empty,
// bypassing the cache window. Sections holding fresh data are left alone.
func (a *Aggregator) Retry(ctx context.Context) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	var specs []SectionSpec
	for _, spec := range a.sections {
		st := a.state[spec.Name]
		if st.err != nil || st.data == nil || st.stale {
			specs = append(specs, spec)
		}
	}
	if len(specs) == 0 {
		a.mu.Unlock()
		return
	}
	a.generation++
	gen := a.generation
	a.loading = true
	a.mu.Unlock()

	a.run(ctx, gen, specs)
}

type sectionResult struct {
	name string
	data any
	err  error
}

// run issues the section fetches concurrently and barrier-joins them all
// before merging, so one slow or failing section never blocks the others
// from landing.
func (a *Aggregator) run(ctx context.Context, gen uint64, specs []SectionSpec) {
	results := make([]sectionResult, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec SectionSpec) {
			defer wg.Done()
			data, err := a.fetchSection(ctx, spec)
			results[i] = sectionResult{name: spec.Name, data: data, err: err}
		}(i, spec)
	}
	wg.Wait()
	a.apply(ctx, gen, results)
}

func (a *Aggregator) fetchSection(ctx context.Context, spec SectionSpec) (any, error) {
	return resilience.Execute(ctx, a.retryer, spec.Name, func(ctx context.Context) (any, error) {
		dst := spec.New()
		start := time.Now()
		err := a.client.GetJSON(ctx, spec.Path, dst)
		elapsed := time.Since(start)
		if a.monitor != nil {
			if err != nil {
				a.monitor.RecordError(spec.Name, upstream.StatusOf(err), elapsed)
			} else {
				a.monitor.RecordSuccess(spec.Name, elapsed)
			}
		}
		if err != nil {
			return nil, err
		}
		return dst, nil
	})
}

func (a *Aggregator) apply(ctx context.Context, gen uint64, results []sectionResult) {
	a.mu.Lock()
	if a.closed || gen != a.generation {
		a.mu.Unlock()
		return
	}
	now := a.now()
	anySuccess := false
	for _, res := range results {
		st := a.state[res.name]
		if st == nil {
			continue
		}
		if res.err != nil {
			st.err = res.err
			if st.data != nil {
				st.stale = true
			}
			a.loggerRef().Warn().Str("section", res.name).Err(res.err).Msg("section_fetch_failed")
			continue
		}
		st.data = res.data
		st.err = nil
		st.stale = false
		st.updatedAt = now
		anySuccess = true
	}
	if anySuccess {
		a.lastUpdated = now
	}
	if a.allFreshLocked() {
		a.lastFullRefresh = now
	}
	a.loading = false
	persisted := a.persistedLocked()
	a.mu.Unlock()

	if a.store != nil && anySuccess {
		// Mirror last known-good data so a restart can serve stale data
		// before its first upstream round trip.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := a.store.Save(saveCtx, persisted); err != nil {
			a.loggerRef().Warn().Err(err).Msg("persist_dashboard")
		}
	}
}

// Snapshot returns the current read-only view model.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()

	sections := make(map[string]SectionView, len(a.state))
	var errMsgs []string
	for name, st := range a.state {
		view := SectionView{Data: st.data, Stale: st.stale, UpdatedAt: st.updatedAt}
		if st.err != nil {
			view.Error = st.err.Error()
			errMsgs = append(errMsgs, name+": "+st.err.Error())
		}
		sections[name] = view
	}

	reference := a.lastFullRefresh
	if reference.IsZero() {
		reference = a.lastUpdated
	}
	isStale := !reference.IsZero() && now.Sub(reference) > a.cfg.StaleThreshold
	for _, st := range a.state {
		if st.stale {
			isStale = true
		}
	}

	status := health.Healthy
	if a.monitor != nil {
		status = a.monitor.Status()
	}
	return Snapshot{
		Sections:     sections,
		Loading:      a.loading,
		Error:        strings.Join(errMsgs, "; "),
		LastUpdated:  a.lastUpdated,
		IsStale:      isStale,
		HealthStatus: status,
	}
}

// onHealth schedules a single delayed retry when the monitor transitions
// from non-healthy to healthy while failed or stale sections remain.
func (a *Aggregator) onHealth(level health.Level) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.prevLevel
	a.prevLevel = level
	if a.closed || level != health.Healthy || prev == health.Healthy {
		return
	}
	if !a.hasDegradedSectionLocked() || a.retryTimer != nil {
		return
	}
	a.retryTimer = time.AfterFunc(a.cfg.RecoveryDelay, func() {
		a.mu.Lock()
		a.retryTimer = nil
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return
		}
		a.Retry(context.Background())
	})
}

// Close stops the auto-recovery machinery. Pending fetch results are dropped.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.closed = true
	a.generation++
	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
	unsubscribe := a.unsubscribe
	a.unsubscribe = nil
	a.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (a *Aggregator) hasDegradedSectionLocked() bool {
	for _, st := range a.state {
		if st.err != nil || st.data == nil || st.stale {
			return true
		}
	}
	return false
}

func (a *Aggregator) allFreshLocked() bool {
	for _, st := range a.state {
		if st.err != nil || st.data == nil || st.stale {
			return false
		}
	}
	return true
}

func (a *Aggregator) persistedLocked() PersistedSections {
	out := PersistedSections{Sections: make(map[string]PersistedSection, len(a.state))}
	for name, st := range a.state {
		if st.data == nil {
			continue
		}
		entry, err := newPersistedSection(st.data, st.updatedAt)
		if err != nil {
			continue
		}
		out.Sections[name] = entry
	}
	return out
}

func (a *Aggregator) loggerRef() *zerolog.Logger {
	if a.logger == nil {
		return &aggregatorNopLogger
	}
	return a.logger
}
