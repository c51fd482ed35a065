package mcp

import (
	"context"
	"errors"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/nucleus-ops/nucleus/internal/ctxutil"
	"github.com/nucleus-ops/nucleus/internal/model"
	"github.com/nucleus-ops/nucleus/internal/service/runs"
	"github.com/nucleus-ops/nucleus/internal/trigger"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("nucleus_trigger_run",
			mcplib.WithDescription(`Start a run that investigates cloud infrastructure for a task.

The run is queued and executes in the background; this tool returns at once
with the run id. Poll nucleus_get_run for progress and the final summary.

Runs are read-only: the planner can describe, list and get resources but
never change them.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("task_description",
				mcplib.Description("What to investigate, in plain language"),
				mcplib.Required(),
			),
			mcplib.WithString("account_id", mcplib.Description("Cloud account to inspect; defaults to the ambient account")),
			mcplib.WithString("account_name", mcplib.Description("Display name for the account")),
			mcplib.WithString("selected_skill", mcplib.Description("Optional planner skill hint")),
			mcplib.WithString("mode", mcplib.Description("Planner mode hint, passed through unchanged"), mcplib.DefaultString(model.DefaultMode)),
			mcplib.WithString("thread_id", mcplib.Description("Conversation key to group related runs")),
		),
		s.handleTriggerRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("nucleus_get_run",
			mcplib.WithDescription("Fetch a run's status, steps and result."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("run_id", mcplib.Description("Run id returned by nucleus_trigger_run"), mcplib.Required()),
		),
		s.handleGetRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("nucleus_list_thread",
			mcplib.WithDescription("List runs that share a thread id, newest first."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("thread_id", mcplib.Description("Thread id"), mcplib.Required()),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum runs to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleListThread,
	)
}

func (s *Server) handleTriggerRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	principal := ctxutil.PrincipalFromContext(ctx)
	req, err := s.normalizer.Normalize(trigger.ForPrincipal(principal, trigger.Payload{
		TaskDescription: request.GetString("task_description", ""),
		AccountID:       request.GetString("account_id", ""),
		AccountName:     request.GetString("account_name", ""),
		SelectedSkill:   request.GetString("selected_skill", ""),
		Mode:            request.GetString("mode", ""),
		ThreadID:        request.GetString("thread_id", ""),
		Metadata:        map[string]string{"via": "mcp"},
	}))
	switch {
	case errors.Is(err, trigger.ErrUnauthenticated):
		return errorResult("authentication required"), nil
	case errors.Is(err, trigger.ErrMissingField):
		return errorResult("task_description is required"), nil
	case err != nil:
		return errorResult(err.Error()), nil
	}

	run, err := s.runs.Submit(ctx, req, s.dispatcher)
	if err != nil {
		if errors.Is(err, runs.ErrDispatchRejected) {
			return errorResult("run could not be started: server is shutting down"), nil
		}
		s.logger.Error("mcp: submit run", "error", err)
		return errorResult("failed to create run"), nil
	}
	return jsonResult(model.CreateRunResponse{RunID: run.ID, Status: run.Status, ThreadID: run.ThreadID}), nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	principal := ctxutil.PrincipalFromContext(ctx)
	if principal == nil {
		return errorResult("authentication required"), nil
	}
	id, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a UUID"), nil
	}
	run, err := s.runs.GetRun(ctx, id)
	if err != nil || !ctxutil.TenantVisible(principal, run.TenantID) {
		if err != nil && !errors.Is(err, runs.ErrNotFound) {
			s.logger.Error("mcp: get run", "run_id", id, "error", err)
		}
		return errorResult("run not found"), nil
	}
	return jsonResult(run), nil
}

func (s *Server) handleListThread(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	principal := ctxutil.PrincipalFromContext(ctx)
	if principal == nil {
		return errorResult("authentication required"), nil
	}
	threadID := request.GetString("thread_id", "")
	if threadID == "" {
		return errorResult("thread_id is required"), nil
	}
	tenant := principal.TenantID
	if tenant == "" {
		tenant = s.normalizer.DefaultTenant
	}
	list, err := s.runs.ListThread(ctx, tenant, threadID, request.GetInt("limit", 20))
	if err != nil {
		s.logger.Error("mcp: list thread", "thread_id", threadID, "error", err)
		return errorResult("failed to list runs"), nil
	}
	return jsonResult(map[string]any{"thread_id": threadID, "runs": list, "total": len(list)}), nil
}
