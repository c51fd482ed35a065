// Package server implements the HTTP ingress for Nucleus: the API trigger,
// the signed chat-ops webhook, run inspection, health, metrics and the MCP
// transport.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/nucleus-ops/nucleus/internal/ctxutil"
	"github.com/nucleus-ops/nucleus/internal/ratelimit"
	"github.com/nucleus-ops/nucleus/internal/trigger"
)

// Server is the Nucleus HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer, MetricsHandler, Storage.
type ServerConfig struct {
	// Required dependencies.
	Runs          RunService
	Dispatcher    Dispatcher
	Authenticator Authenticator
	Verifier      WebhookVerifier
	Normalizer    trigger.Normalizer
	Logger        *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter        ratelimit.Limiter
	MCPServer      *mcpserver.MCPServer
	MetricsHandler http.Handler
	Storage        Pinger

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	SessionCookieName   string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Runs:                cfg.Runs,
		Dispatcher:          cfg.Dispatcher,
		Normalizer:          cfg.Normalizer,
		Verifier:            cfg.Verifier,
		Storage:             cfg.Storage,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	triggerRL := ratelimit.Middleware(cfg.Limiter, principalKeyFunc, reqIDFunc, cfg.Logger)
	webhookRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// API trigger and run inspection (credentials required, rate limited per principal).
	mux.Handle("POST /v1/runs", triggerRL(http.HandlerFunc(h.HandleCreateRun)))
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("GET /v1/threads/{thread_id}/runs", h.HandleListThread)

	// Chat-ops webhooks (signature verified in the handler, rate limited by IP).
	mux.Handle("POST /v1/webhooks/slack", webhookRL(http.HandlerFunc(h.HandleSlackCommand)))
	mux.Handle("POST /v1/webhooks/slack/{tenant_id}", webhookRL(http.HandlerFunc(h.HandleSlackCommand)))

	// MCP StreamableHTTP transport (credentials required).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", triggerRL(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	// Health and metrics (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Authenticator, cfg.SessionCookieName, cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(mux, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// principalKeyFunc keys the rate limiter on the authenticated principal.
func principalKeyFunc(r *http.Request) string {
	p := ctxutil.PrincipalFromContext(r.Context())
	if p == nil {
		return ratelimit.IPKeyFunc(r)
	}
	return "principal:" + p.TenantID + ":" + p.Subject
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
