// Package mcp exposes run triggering and run inspection as Model Context
// Protocol tools, so MCP-capable agents can start runs the same way the
// HTTP API does. Callers are authenticated by the HTTP layer; handlers read
// the principal from the request context.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/nucleus-ops/nucleus/internal/model"
	"github.com/nucleus-ops/nucleus/internal/service/runs"
	"github.com/nucleus-ops/nucleus/internal/trigger"
)

// RunService is the part of the run lifecycle the tools use.
type RunService interface {
	Submit(ctx context.Context, trigger model.TriggerRequest, d runs.Dispatcher) (model.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListThread(ctx context.Context, tenantID, threadID string, limit int) ([]model.Run, error)
}

// Server wraps the mcp-go server.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	runs       RunService
	dispatcher runs.Dispatcher
	normalizer trigger.Normalizer
	logger     *slog.Logger
}

// New creates an MCP server with the run tools and resources registered.
func New(svc RunService, d runs.Dispatcher, normalizer trigger.Normalizer, logger *slog.Logger, version string) *Server {
	s := &Server{
		runs:       svc,
		dispatcher: d,
		normalizer: normalizer,
		logger:     logger,
	}
	s.mcpServer = mcpserver.NewMCPServer(
		"nucleus",
		version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(false),
	)
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result")
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
