// Package model defines the core domain types for Nucleus.
//
// Types here are shared by storage, the run lifecycle service, the dispatcher
// and the HTTP layer. They carry no behavior beyond validation helpers and the
// run state machine.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimedOut  RunStatus = "timed_out"
)

// IsTerminal reports whether s is an absorbing state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusTimedOut:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusTimedOut:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal edge.
// Terminal states have no outgoing edges; callers treat a transition out of a
// terminal state as a no-op rather than an error.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunStatusQueued:
		// queued -> failed covers a dispatch failure before the loop starts.
		return next == RunStatusRunning || next == RunStatusFailed
	case RunStatusRunning:
		return next.IsTerminal()
	}
	return false
}

// Run is one execution lifecycle from trigger to terminal outcome.
type Run struct {
	ID        uuid.UUID      `json:"run_id"`
	TenantID  string         `json:"tenant_id"`
	ThreadID  string         `json:"thread_id"`
	Status    RunStatus      `json:"status"`
	Trigger   TriggerRequest `json:"trigger"`
	Result    *RunResult     `json:"result,omitempty"`
	Steps     []StepRecord   `json:"steps"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// RunResult is the outcome recorded when a run reaches a terminal state.
type RunResult struct {
	Summary   string `json:"summary,omitempty"`
	Error     string `json:"error,omitempty"`
	StepCount int    `json:"step_count"`
}

// StepRecord is the persisted trace of one sandboxed tool invocation.
type StepRecord struct {
	Index      int       `json:"index"`
	Code       string    `json:"code"`
	Outcome    string    `json:"outcome"`
	Output     string    `json:"output"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

// Clone returns a copy of r that shares no mutable state with it.
func (r Run) Clone() Run {
	out := r
	out.Trigger = r.Trigger.Clone()
	if r.Result != nil {
		res := *r.Result
		out.Result = &res
	}
	out.Steps = append([]StepRecord(nil), r.Steps...)
	return out
}
