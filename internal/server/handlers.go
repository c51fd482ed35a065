package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nucleus-ops/nucleus/internal/ctxutil"
	"github.com/nucleus-ops/nucleus/internal/model"
	"github.com/nucleus-ops/nucleus/internal/service/runs"
	"github.com/nucleus-ops/nucleus/internal/trigger"
)

// RunService is the part of the run lifecycle the HTTP layer uses.
type RunService interface {
	Submit(ctx context.Context, trigger model.TriggerRequest, d runs.Dispatcher) (model.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListThread(ctx context.Context, tenantID, threadID string, limit int) ([]model.Run, error)
}

// Dispatcher starts run loops and reports how many are active.
type Dispatcher interface {
	runs.Dispatcher
	InFlight() int
}

// Pinger reports storage reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WebhookVerifier authenticates chat-ops deliveries.
type WebhookVerifier interface {
	Verify(ctx context.Context, tenantID string, body []byte, timestamp, signature string) bool
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	runs                RunService
	dispatcher          Dispatcher
	normalizer          trigger.Normalizer
	verifier            WebhookVerifier
	storage             Pinger
	logger              *slog.Logger
	version             string
	maxRequestBodyBytes int64
	startedAt           time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Storage may be nil; health then reports it as "unknown".
type HandlersDeps struct {
	Runs                RunService
	Dispatcher          Dispatcher
	Normalizer          trigger.Normalizer
	Verifier            WebhookVerifier
	Storage             Pinger
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(deps HandlersDeps) *Handlers {
	maxBody := deps.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		runs:                deps.Runs,
		dispatcher:          deps.Dispatcher,
		normalizer:          deps.Normalizer,
		verifier:            deps.Verifier,
		storage:             deps.Storage,
		logger:              deps.Logger,
		version:             deps.Version,
		maxRequestBodyBytes: maxBody,
		startedAt:           time.Now(),
	}
}

// HandleCreateRun handles POST /v1/runs.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	principal := ctxutil.PrincipalFromContext(r.Context())
	treq, err := h.normalizer.Normalize(trigger.ForPrincipal(principal, trigger.Payload{
		TaskDescription: req.TaskDescription,
		TenantID:        req.TenantID,
		AccountID:       req.AccountID,
		AccountName:     req.AccountName,
		SelectedSkill:   req.SelectedSkill,
		Mode:            req.Mode,
		ThreadID:        req.ThreadID,
		Metadata:        req.Metadata,
	}))
	if !h.writeTriggerError(w, r, err) {
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("nucleus.tenant_id", treq.TenantID),
		attribute.String("nucleus.trigger_source", string(treq.Source)),
	)

	run, ok := h.submit(w, r, treq)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("nucleus.run_id", run.ID.String()))
	writeJSON(w, r, http.StatusOK, model.CreateRunResponse{
		RunID:    run.ID,
		Status:   run.Status,
		ThreadID: run.ThreadID,
	})
}

// writeTriggerError maps a normalization error to a response. It returns
// true when err is nil and the caller should continue.
func (h *Handlers) writeTriggerError(w http.ResponseWriter, r *http.Request, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, trigger.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "authentication required")
	case errors.Is(err, trigger.ErrMissingField):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "task_description is required")
	case errors.Is(err, trigger.ErrInvalidTrigger):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	default:
		h.writeInternalError(w, r, "failed to normalize trigger", err)
	}
	return false
}

// submit persists and dispatches a run. It writes the error response itself
// and reports whether the caller may proceed.
func (h *Handlers) submit(w http.ResponseWriter, r *http.Request, treq model.TriggerRequest) (model.Run, bool) {
	run, err := h.runs.Submit(r.Context(), treq, h.dispatcher)
	switch {
	case err == nil:
		return run, true
	case errors.Is(err, runs.ErrMissingTask):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "task_description is required")
	case errors.Is(err, runs.ErrDispatchRejected):
		h.logger.Warn("run rejected by dispatcher",
			"run_id", run.ID,
			"error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "run could not be started")
	default:
		h.writeInternalError(w, r, "failed to create run", err)
	}
	return model.Run{}, false
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return
	}

	run, err := h.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runs.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}
	// Another tenant's run is indistinguishable from a missing one.
	if !ctxutil.TenantVisible(ctxutil.PrincipalFromContext(r.Context()), run.TenantID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListThread handles GET /v1/threads/{thread_id}/runs.
func (h *Handlers) HandleListThread(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	if threadID == "" || len(threadID) > model.MaxThreadIDLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid thread_id")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	principal := ctxutil.PrincipalFromContext(r.Context())
	tenant := r.URL.Query().Get("tenant_id")
	if principal != nil && principal.TenantID != "" {
		tenant = principal.TenantID
	}
	if tenant == "" {
		tenant = h.normalizer.DefaultTenant
	}

	list, err := h.runs.ListThread(r.Context(), tenant, threadID, limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"runs":      list,
		"total":     len(list),
	})
}

// HandleHealth handles GET /health (no auth).
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storageStatus := "unknown"
	status := "healthy"
	httpStatus := http.StatusOK

	if h.storage != nil {
		storageStatus = "connected"
		if err := h.storage.Ping(r.Context()); err != nil {
			storageStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	inFlight := 0
	if h.dispatcher != nil {
		inFlight = h.dispatcher.InFlight()
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Storage:  storageStatus,
		InFlight: inFlight,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}
