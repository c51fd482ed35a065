// Package nucleus wires the run engine into a runnable server.
//
//	app, err := nucleus.New(ctx,
//	    nucleus.WithVersion(version),
//	    nucleus.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph is one-way: nucleus (root) imports internal/*, but
// internal/* never imports the root package.
package nucleus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nucleus-ops/nucleus/internal/auth"
	"github.com/nucleus-ops/nucleus/internal/capability"
	"github.com/nucleus-ops/nucleus/internal/config"
	"github.com/nucleus-ops/nucleus/internal/dispatch"
	"github.com/nucleus-ops/nucleus/internal/mcp"
	"github.com/nucleus-ops/nucleus/internal/metrics"
	"github.com/nucleus-ops/nucleus/internal/planner"
	"github.com/nucleus-ops/nucleus/internal/ratelimit"
	"github.com/nucleus-ops/nucleus/internal/sandbox"
	"github.com/nucleus-ops/nucleus/internal/server"
	"github.com/nucleus-ops/nucleus/internal/service/runs"
	"github.com/nucleus-ops/nucleus/internal/storage"
	"github.com/nucleus-ops/nucleus/internal/storage/sqlite"
	"github.com/nucleus-ops/nucleus/internal/telemetry"
	"github.com/nucleus-ops/nucleus/internal/trigger"
	"github.com/nucleus-ops/nucleus/internal/webhook"
	"github.com/nucleus-ops/nucleus/migrations"
)

// store is what every storage backend provides.
type store interface {
	runs.Store
	webhook.SecretStore
	capability.AccountResolver
	Ping(ctx context.Context) error
}

// App is the Nucleus server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        store
	closeStore   func()
	redis        *redis.Client // nil when REDIS_URL is unset
	dispatcher   *dispatch.Dispatcher
	limiter      ratelimit.Limiter
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the server. It opens storage, wires all subsystems, and
// returns a ready-to-run App. It does not accept HTTP connections; call Run.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("nucleus starting", "version", version, "port", cfg.Port, "storage", cfg.StorageBackend())

	a := &App{cfg: cfg, logger: logger, version: version, closeStore: func() {}}
	if err := a.init(ctx, o); err != nil {
		a.cleanup()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, o resolvedOptions) error {
	cfg, logger := a.cfg, a.logger

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, a.version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.otelShutdown = otelShutdown

	if err := a.openStore(ctx); err != nil {
		return err
	}

	if cfg.RedisURL != "" {
		client, err := dispatch.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.redis = client
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: ping: %w", err)
		}
		logger.Info("redis: enabled (run lease, rate limiting)")
	}

	// Metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink := metrics.NewPrometheusSink(registry, logger)

	// Credentials.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	var apiKeys auth.APIKeyStore
	if ks, ok := a.store.(auth.APIKeyStore); ok {
		apiKeys = ks
	} else {
		logger.Info("managed api keys: unavailable on this storage backend")
	}
	authn := auth.NewAuthenticator(jwtMgr, cfg.APIKey, apiKeys, logger)

	secrets := webhook.ChainStore{}
	if cfg.TenantSecretsFile != "" {
		fileStore, err := webhook.LoadFileSecretStore(cfg.TenantSecretsFile)
		if err != nil {
			return fmt.Errorf("webhook secrets: %w", err)
		}
		secrets = append(secrets, fileStore)
	}
	secrets = append(secrets, a.store)
	verifier := webhook.NewVerifier(secrets, cfg.SlackSigningSecret, logger,
		webhook.WithMaxSkew(cfg.WebhookMaxSkew),
		webhook.WithMetrics(sink),
	)

	// Execution.
	caps := o.capabilities
	if caps == nil {
		provider, err := capability.NewProvider(ctx, cfg.DefaultRegion, a.store, logger)
		if err != nil {
			return fmt.Errorf("capabilities: %w", err)
		}
		caps = provider
	}
	plan := o.planner
	if plan == nil {
		plan = planner.NewHTTPPlanner(cfg.PlannerURL, cfg.PlannerTimeout)
	}
	executor := sandbox.New(logger,
		sandbox.WithTimeout(cfg.SandboxTimeout),
		sandbox.WithMaxOutput(cfg.SandboxOutputBytes),
		sandbox.WithMetrics(sink),
	)

	manager := runs.New(a.store, logger, runs.WithMetrics(sink))
	dispatchOpts := []dispatch.Option{dispatch.WithMetrics(sink), dispatch.WithRecovery(manager)}
	if a.redis != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithLease(dispatch.NewRedisLease(a.redis)))
	}
	a.dispatcher = dispatch.New(manager, plan, caps, executor, dispatch.Config{
		MaxSteps:      cfg.MaxSteps,
		StepTimeout:   cfg.SandboxTimeout,
		RunTimeout:    cfg.RunTimeout,
		MaxConcurrent: int64(cfg.MaxConcurrentRuns),
		LeaseTTL:      cfg.LeaseTTL,
		SweepInterval: cfg.SweepInterval,
		StaleAfter:    cfg.SweepStaleAfter,
	}, logger, dispatchOpts...)

	a.limiter = a.newLimiter()

	normalizer := trigger.Normalizer{DefaultTenant: cfg.DefaultTenant}
	mcpSrv := mcp.New(manager, a.dispatcher, normalizer, logger, a.version)

	a.srv = server.New(server.ServerConfig{
		Runs:                manager,
		Dispatcher:          a.dispatcher,
		Authenticator:       authn,
		Verifier:            verifier,
		Normalizer:          normalizer,
		Logger:              logger,
		Limiter:             a.limiter,
		MCPServer:           mcpSrv.MCPServer(),
		MetricsHandler:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Storage:             a.store,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		SessionCookieName:   cfg.SessionCookieName,
	})
	return nil
}

// openStore selects the backend named by DATABASE_URL.
func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.StorageBackend() {
	case "memory":
		a.logger.Warn("storage: in-memory, runs are lost on restart")
		a.store = storage.NewMemoryStore()
	case "sqlite":
		s, err := sqlite.Open(ctx, a.cfg.DatabaseURL, a.logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.store = s
		a.closeStore = func() { _ = s.Close() }
	default:
		db, err := storage.New(ctx, a.cfg.DatabaseURL, a.logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.closeStore = db.Close
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		a.store = db
	}
	return nil
}

// newLimiter picks Redis when configured so limits hold across instances.
func (a *App) newLimiter() ratelimit.Limiter {
	cfg := a.cfg
	switch {
	case !cfg.RateLimitEnabled:
		a.logger.Info("rate limiting: disabled")
		return ratelimit.NoopLimiter{}
	case a.redis != nil:
		// A fixed window of burst requests averages out to RPS.
		window := time.Duration(float64(cfg.RateLimitBurst) / cfg.RateLimitRPS * float64(time.Second))
		a.logger.Info("rate limiting: redis (fixed window)", "limit", cfg.RateLimitBurst, "window", window)
		return ratelimit.NewRedisLimiter(a.redis, cfg.RateLimitBurst, window)
	default:
		a.logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
		return ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
}

// Handler returns the root HTTP handler for use in tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the HTTP server and blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown has been called.
func (a *App) Run(ctx context.Context) error {
	a.dispatcher.StartRecovery()
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	return errors.Join(runErr, a.Shutdown(context.Background()))
}

// Shutdown stops accepting HTTP requests, then waits for in-flight runs up
// to NUCLEUS_SHUTDOWN_TIMEOUT. Runs still going at the deadline are
// cancelled and end as failed.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("nucleus shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	var err error
	runCtx, runCancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	if derr := a.dispatcher.Shutdown(runCtx); derr != nil {
		a.logger.Error("in-flight runs cancelled at shutdown deadline", "error", derr)
		err = fmt.Errorf("dispatcher shutdown: %w", derr)
	}
	runCancel()

	a.cleanup()
	a.logger.Info("nucleus stopped")
	return err
}

// cleanup releases resources in reverse order of acquisition. Safe on a
// partially initialised App.
func (a *App) cleanup() {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.closeStore()
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}
