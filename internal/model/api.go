package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for trigger fields. They bound what a caller can push
// into the planner prompt and the runs table.
const (
	MaxTaskDescriptionLen = 16 * 1024 // 16 KB
	MaxThreadIDLen        = 256
	MaxAccountFieldLen    = 256
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// CreateRunRequest is the request body for POST /v1/runs.
// TenantID is ignored when the caller's credential is bound to a tenant.
type CreateRunRequest struct {
	TaskDescription string            `json:"task_description"`
	TenantID        string            `json:"tenant_id,omitempty"`
	AccountID       string            `json:"account_id,omitempty"`
	AccountName     string            `json:"account_name,omitempty"`
	SelectedSkill   string            `json:"selected_skill,omitempty"`
	Mode            string            `json:"mode,omitempty"`
	ThreadID        string            `json:"thread_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// CreateRunResponse is returned once a run has been persisted and handed to
// the dispatcher.
type CreateRunResponse struct {
	RunID    uuid.UUID `json:"run_id"`
	Status   RunStatus `json:"status"`
	ThreadID string    `json:"thread_id"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Storage  string `json:"storage"`
	InFlight int    `json:"in_flight_runs"`
	Uptime   int64  `json:"uptime_seconds"`
}

// ValidateTrigger checks per-field length limits on a normalized trigger.
func ValidateTrigger(t TriggerRequest) error {
	if len(t.TaskDescription) > MaxTaskDescriptionLen {
		return fmt.Errorf("task_description exceeds maximum length of %d bytes", MaxTaskDescriptionLen)
	}
	if len(t.ThreadID) > MaxThreadIDLen {
		return fmt.Errorf("thread_id exceeds maximum length of %d characters", MaxThreadIDLen)
	}
	if len(t.AccountID) > MaxAccountFieldLen {
		return fmt.Errorf("account_id exceeds maximum length of %d characters", MaxAccountFieldLen)
	}
	if len(t.AccountName) > MaxAccountFieldLen {
		return fmt.Errorf("account_name exceeds maximum length of %d characters", MaxAccountFieldLen)
	}
	return nil
}
