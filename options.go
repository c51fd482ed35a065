package nucleus

import (
	"log/slog"

	"github.com/nucleus-ops/nucleus/internal/capability"
	"github.com/nucleus-ops/nucleus/internal/planner"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port         int
	databaseURL  string
	logger       *slog.Logger
	version      string
	planner      planner.Planner
	capabilities capability.Source
}

// WithPort overrides the TCP port from config (NUCLEUS_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the storage URL from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithPlanner replaces the HTTP planner client (NUCLEUS_PLANNER_URL).
func WithPlanner(p planner.Planner) Option {
	return func(o *resolvedOptions) { o.planner = p }
}

// WithCapabilitySource replaces the AWS-backed capability provider.
// Useful for local development against a static inventory.
func WithCapabilitySource(s capability.Source) Option {
	return func(o *resolvedOptions) { o.capabilities = s }
}
