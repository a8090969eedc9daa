package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sqreele/pmcs-gateway/internal/common"
	"github.com/sqreele/pmcs-gateway/internal/config"
	"github.com/sqreele/pmcs-gateway/internal/dashboard"
	"github.com/sqreele/pmcs-gateway/internal/health"
	"github.com/sqreele/pmcs-gateway/internal/obs"
	"github.com/sqreele/pmcs-gateway/internal/ratelimit"
	"github.com/sqreele/pmcs-gateway/internal/resilience"
	"github.com/sqreele/pmcs-gateway/internal/upstream"
)

func main() {
	cfg := config.MustLoad()

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracingEnabled := envBool("OBS_ENABLE_TRACING", false)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
			ServiceName:   "pmcs-gateway",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse redis url")
		}
		redisClient = redis.NewClient(redisOpts)
		if err := redisotel.InstrumentTracing(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis tracing")
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, continuing without cache mirror")
			redisClient = nil
		} else {
			defer func() {
				if err := redisClient.Close(); err != nil {
					logger.Error().Err(err).Msg("close redis")
				}
			}()
		}
	}

	upstreamLogger := logger.With().Str("component", "upstream").Logger()
	client := &upstream.Client{
		HTTP: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.UpstreamTimeout,
		},
		BaseURL:   cfg.UpstreamBaseURL,
		UserAgent: "pmcs-gateway",
		Logger:    &upstreamLogger,
	}
	client.SetAuthToken(cfg.UpstreamAPIToken)
	client.OnSessionExpired = func(ctx context.Context) {
		// The gateway cannot mint tokens itself; drop the stale one and let
		// the operator rotate it.
		client.ClearAuthToken()
		logger.Warn().Msg("upstream session expired, auth token cleared")
	}

	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		FailureThreshold:  cfg.BreakerFailureThreshold,
		RecoveryTimeout:   cfg.BreakerRecoveryTimeout,
		HalfOpenMaxCalls:  cfg.BreakerHalfOpenMaxCalls,
		HalfOpenSuccesses: cfg.BreakerHalfOpenSuccesses,
	}).WithLogger(logger.With().Str("component", "breaker").Logger())

	retryLogger := logger.With().Str("component", "retry").Logger()
	retryer := &resilience.Retryer{
		Breaker: breaker,
		Policy: resilience.Policy{
			MaxRetries: cfg.RetryMax,
			BaseDelay:  cfg.RetryBaseDelay,
			Jitter:     cfg.RetryJitter,
			Retryable:  upstream.Retryable,
		},
		Logger: &retryLogger,
	}

	sectionNames := make([]string, 0, len(dashboard.DefaultSections()))
	for _, spec := range dashboard.DefaultSections() {
		sectionNames = append(sectionNames, spec.Name)
	}
	monitor := health.NewMonitor(health.MonitorConfig{
		ProbeInterval: cfg.HealthProbeInterval,
		Endpoints:     sectionNames,
	}, client.Probe, breaker).WithLogger(logger.With().Str("component", "health").Logger())

	var store *dashboard.Store
	if redisClient != nil {
		store = &dashboard.Store{Client: redisClient, TTL: 24 * time.Hour}
	}
	aggregator := dashboard.NewAggregator(dashboard.Config{
		CacheDuration:  cfg.DashboardCacheDuration,
		StaleThreshold: cfg.DashboardStaleThreshold,
		RecoveryDelay:  cfg.DashboardRecoveryDelay,
	}, client, retryer, monitor, store).
		WithLogger(logger.With().Str("component", "dashboard").Logger())
	aggregator.Hydrate(ctx)
	defer aggregator.Close()

	monitor.Start(ctx)
	defer monitor.Stop()

	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "pmcs"), buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Monitor:         monitor,
		Checker:         readinessChecker{client: client, redis: redisClient},
		UpstreamTimeout: envDurationMillis("HEALTH_READY_UPSTREAM_TIMEOUT_MS", 500),
		RedisTimeout:    envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	r.Get("/health/status", healthHandler.Status)

	refreshLimit := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: redisClient},
		Config: ratelimit.Config{
			Key:    func(r *http.Request) string { return "refresh:" + common.ClientIP(r) },
			Window: cfg.RefreshLimitWindow,
			Max:    cfg.RefreshLimitMax,
		},
		OnError: func(err error) { logger.Error().Err(err).Msg("rate limit check") },
	}

	dashboardHandler := dashboard.Handler{Agg: aggregator}
	r.Route("/api/v1", func(v chi.Router) {
		v.Get("/dashboard", dashboardHandler.Get)
		v.With(refreshLimit.Middleware).Post("/dashboard/refresh", dashboardHandler.Refresh)
		v.Post("/dashboard/retry", dashboardHandler.Retry)
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown server")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Str("upstream", cfg.UpstreamBaseURL).Msg("gateway starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

type readinessChecker struct {
	client *upstream.Client
	redis  *redis.Client
}

func (c readinessChecker) PingUpstream(ctx context.Context, timeout time.Duration) error {
	if c.client == nil {
		return errors.New("upstream not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.client.Probe(ctx)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		// Redis is optional; a deployment without it is still ready.
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDurationMillis(key string, fallback int) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return time.Duration(fallback) * time.Millisecond
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return time.Duration(fallback) * time.Millisecond
	}
	return time.Duration(parsed) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	return http.StripPrefix("/debug/pprof", mux)
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	if user == "" || pass == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(gotUser), []byte(user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(gotPass), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="pprof"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
