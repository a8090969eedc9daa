package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds gateway configuration loaded from the environment. Every
// resilience knob is externally tunable; the defaults are the contract.
type Config struct {
	AppEnv             string `validate:"required"`
	Port               string
	UpstreamBaseURL    string `validate:"required,url"`
	UpstreamAPIToken   string
	UpstreamTimeout    time.Duration
	RedisURL           string
	CORSAllowedOrigins []string

	BreakerFailureThreshold  int           `validate:"gte=1"`
	BreakerRecoveryTimeout   time.Duration `validate:"gt=0"`
	BreakerHalfOpenMaxCalls  int           `validate:"gte=1"`
	BreakerHalfOpenSuccesses int           `validate:"gte=1"`

	RetryMax       int           `validate:"gte=0"`
	RetryBaseDelay time.Duration `validate:"gt=0"`
	RetryJitter    float64       `validate:"gte=0,lte=1"`

	HealthProbeInterval time.Duration `validate:"gt=0"`

	DashboardCacheDuration  time.Duration `validate:"gt=0"`
	DashboardStaleThreshold time.Duration `validate:"gt=0"`
	DashboardRecoveryDelay  time.Duration `validate:"gt=0"`

	RefreshLimitWindow time.Duration
	RefreshLimitMax    int
}

// Load reads configuration from environment variables and optional .env
// files, applies defaults and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		UpstreamBaseURL:    strings.TrimSpace(k.String("UPSTREAM_BASE_URL")),
		UpstreamAPIToken:   strings.TrimSpace(k.String("UPSTREAM_API_TOKEN")),
		UpstreamTimeout:    millis(k.String("UPSTREAM_TIMEOUT_MS"), 10000),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		BreakerFailureThreshold:  intOrDefault(k.String("BREAKER_FAILURE_THRESHOLD"), 5),
		BreakerRecoveryTimeout:   millis(k.String("BREAKER_RECOVERY_TIMEOUT_MS"), 30000),
		BreakerHalfOpenMaxCalls:  intOrDefault(k.String("BREAKER_HALF_OPEN_MAX_CALLS"), 3),
		BreakerHalfOpenSuccesses: intOrDefault(k.String("BREAKER_HALF_OPEN_SUCCESSES"), 3),

		RetryMax:       intOrDefault(k.String("RETRY_MAX"), 3),
		RetryBaseDelay: millis(k.String("RETRY_BASE_DELAY_MS"), 1000),
		RetryJitter:    floatOrDefault(k.String("RETRY_JITTER_RATIO"), 0.2),

		HealthProbeInterval: millis(k.String("HEALTH_PROBE_INTERVAL_MS"), 30000),

		DashboardCacheDuration:  millis(k.String("DASHBOARD_CACHE_MS"), 300000),
		DashboardStaleThreshold: millis(k.String("DASHBOARD_STALE_MS"), 600000),
		DashboardRecoveryDelay:  millis(k.String("DASHBOARD_RECOVERY_DELAY_MS"), 30000),

		RefreshLimitWindow: millis(k.String("REFRESH_LIMIT_WINDOW_MS"), 60000),
		RefreshLimitMax:    intOrDefault(k.String("REFRESH_LIMIT_MAX"), 10),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func intOrDefault(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func floatOrDefault(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func millis(value string, fallback int) time.Duration {
	return time.Duration(intOrDefault(value, fallback)) * time.Millisecond
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
