// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings. DatabaseURL selects the backend: postgres:// for pgx,
	// sqlite:// or file: for SQLite, "memory" for the in-process store.
	DatabaseURL string

	// Redis settings. Empty disables the cross-instance run lease.
	RedisURL string
	LeaseTTL time.Duration

	// Recovery sweep. Queued runs older than SweepStaleAfter are re-dispatched
	// every SweepInterval; zero disables the sweep.
	SweepInterval   time.Duration
	SweepStaleAfter time.Duration

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Trigger settings.
	APIKey              string // Process-wide API key; empty disables it.
	DefaultTenant       string
	SlackSigningSecret  string // Fallback webhook secret when a tenant has none.
	TenantSecretsFile   string // Optional YAML file of per-tenant webhook secrets.
	WebhookMaxSkew      time.Duration
	SessionCookieName   string
	MaxRequestBodyBytes int64

	// Planner settings.
	PlannerURL     string
	PlannerTimeout time.Duration

	// Execution settings.
	MaxSteps           int
	SandboxTimeout     time.Duration
	SandboxOutputBytes int
	RunTimeout         time.Duration
	MaxConcurrentRuns  int
	DefaultRegion      string

	// Rate limiting.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel        string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var cfg Config
	var err error

	cfg.Port, err = envInt("NUCLEUS_PORT", 8080)
	collect(err)
	cfg.ReadTimeout, err = envDuration("NUCLEUS_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("NUCLEUS_WRITE_TIMEOUT", 30*time.Second)
	collect(err)

	cfg.DatabaseURL = envStr("DATABASE_URL", "memory")
	cfg.RedisURL = envStr("REDIS_URL", "")
	cfg.LeaseTTL, err = envDuration("NUCLEUS_LEASE_TTL", 15*time.Minute)
	collect(err)
	cfg.SweepInterval, err = envDuration("NUCLEUS_SWEEP_INTERVAL", 30*time.Second)
	collect(err)
	cfg.SweepStaleAfter, err = envDuration("NUCLEUS_SWEEP_STALE_AFTER", time.Minute)
	collect(err)

	cfg.JWTPrivateKeyPath = envStr("NUCLEUS_JWT_PRIVATE_KEY", "")
	cfg.JWTPublicKeyPath = envStr("NUCLEUS_JWT_PUBLIC_KEY", "")
	cfg.JWTExpiration, err = envDuration("NUCLEUS_JWT_EXPIRATION", 24*time.Hour)
	collect(err)

	cfg.APIKey = envStr("NUCLEUS_API_KEY", "")
	cfg.DefaultTenant = envStr("NUCLEUS_DEFAULT_TENANT", "default")
	cfg.SlackSigningSecret = envStr("SLACK_SIGNING_SECRET", "")
	cfg.TenantSecretsFile = envStr("NUCLEUS_TENANT_SECRETS_FILE", "")
	cfg.WebhookMaxSkew, err = envDuration("NUCLEUS_WEBHOOK_MAX_SKEW", 5*time.Minute)
	collect(err)
	cfg.SessionCookieName = envStr("NUCLEUS_SESSION_COOKIE", "nucleus_session")
	maxBody, err := envInt("NUCLEUS_MAX_REQUEST_BODY_BYTES", 1*1024*1024) // 1 MB default
	collect(err)
	cfg.MaxRequestBodyBytes = int64(maxBody)

	cfg.PlannerURL = envStr("NUCLEUS_PLANNER_URL", "http://localhost:8090")
	cfg.PlannerTimeout, err = envDuration("NUCLEUS_PLANNER_TIMEOUT", 2*time.Minute)
	collect(err)

	cfg.MaxSteps, err = envInt("NUCLEUS_MAX_STEPS", 12)
	collect(err)
	cfg.SandboxTimeout, err = envDuration("NUCLEUS_SANDBOX_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.SandboxOutputBytes, err = envInt("NUCLEUS_SANDBOX_OUTPUT_BYTES", 64*1024)
	collect(err)
	cfg.RunTimeout, err = envDuration("NUCLEUS_RUN_TIMEOUT", 15*time.Minute)
	collect(err)
	cfg.MaxConcurrentRuns, err = envInt("NUCLEUS_MAX_CONCURRENT_RUNS", 16)
	collect(err)
	cfg.DefaultRegion = envStr("NUCLEUS_DEFAULT_REGION", envStr("AWS_REGION", "us-east-1"))

	cfg.RateLimitEnabled, err = envBool("NUCLEUS_RATE_LIMIT_ENABLED", true)
	collect(err)
	cfg.RateLimitRPS, err = envFloat("NUCLEUS_RATE_LIMIT_RPS", 5)
	collect(err)
	cfg.RateLimitBurst, err = envInt("NUCLEUS_RATE_LIMIT_BURST", 20)
	collect(err)

	cfg.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.ServiceName = envStr("OTEL_SERVICE_NAME", "nucleus")

	cfg.LogLevel = envStr("NUCLEUS_LOG_LEVEL", "info")
	cfg.ShutdownTimeout, err = envDuration("NUCLEUS_SHUTDOWN_TIMEOUT", 30*time.Second)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: NUCLEUS_PORT must be between 1 and 65535")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: NUCLEUS_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("config: NUCLEUS_MAX_STEPS must be positive")
	}
	if c.SandboxTimeout <= 0 {
		return fmt.Errorf("config: NUCLEUS_SANDBOX_TIMEOUT must be positive")
	}
	if c.RunTimeout < c.SandboxTimeout {
		return fmt.Errorf("config: NUCLEUS_RUN_TIMEOUT must be at least NUCLEUS_SANDBOX_TIMEOUT")
	}
	if c.SweepInterval < 0 || c.SweepStaleAfter <= 0 {
		return fmt.Errorf("config: NUCLEUS_SWEEP_INTERVAL must not be negative and NUCLEUS_SWEEP_STALE_AFTER must be positive")
	}
	if c.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("config: NUCLEUS_MAX_CONCURRENT_RUNS must be positive")
	}
	if c.SandboxOutputBytes <= 0 {
		return fmt.Errorf("config: NUCLEUS_SANDBOX_OUTPUT_BYTES must be positive")
	}
	if c.DefaultTenant == "" {
		return fmt.Errorf("config: NUCLEUS_DEFAULT_TENANT must not be empty")
	}
	if (c.JWTPrivateKeyPath == "") != (c.JWTPublicKeyPath == "") {
		return fmt.Errorf("config: NUCLEUS_JWT_PRIVATE_KEY and NUCLEUS_JWT_PUBLIC_KEY must be set together")
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("config: NUCLEUS_RATE_LIMIT_RPS and NUCLEUS_RATE_LIMIT_BURST must be positive")
	}
	return nil
}

// StorageBackend names the backend selected by DatabaseURL.
func (c Config) StorageBackend() string {
	switch {
	case c.DatabaseURL == "memory":
		return "memory"
	case strings.HasPrefix(c.DatabaseURL, "sqlite://"), strings.HasPrefix(c.DatabaseURL, "file:"):
		return "sqlite"
	default:
		return "postgres"
	}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
