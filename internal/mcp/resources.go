package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/nucleus-ops/nucleus/internal/ctxutil"
)

const runURIPrefix = "nucleus://runs/"

func (s *Server) registerResources() {
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			runURIPrefix+"{run_id}",
			"Run",
			mcplib.WithTemplateDescription("A run with its steps and result"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunResource,
	)
}

func (s *Server) handleRunResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := uuid.Parse(strings.TrimPrefix(uri, runURIPrefix))
	if err != nil || !strings.HasPrefix(uri, runURIPrefix) {
		return nil, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	run, err := s.runs.GetRun(ctx, id)
	if err != nil || !ctxutil.TenantVisible(ctxutil.PrincipalFromContext(ctx), run.TenantID) {
		return nil, fmt.Errorf("mcp: run %s not found", id)
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal run: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
