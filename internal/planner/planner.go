// Package planner is the client side of the opaque AI planner. Given a task
// and the exchanges so far, the planner either returns the next snippet to
// run in the sandbox or declares the run done with a summary.
package planner

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNoStep is returned when a planner response carries neither code nor a
// done marker.
var ErrNoStep = errors.New("planner: response has no code and is not done")

// Exchange is one executed snippet and the text the sandbox produced.
type Exchange struct {
	Code    string `json:"code"`
	Outcome string `json:"outcome"`
	Output  string `json:"output"`
}

// Request is everything the planner sees for one decision.
type Request struct {
	RunID         uuid.UUID  `json:"run_id"`
	TenantID      string     `json:"tenant_id"`
	ThreadID      string     `json:"thread_id"`
	Task          string     `json:"task"`
	Mode          string     `json:"mode"`
	SelectedSkill string     `json:"selected_skill,omitempty"`
	AccountID     string     `json:"account_id,omitempty"`
	AccountName   string     `json:"account_name,omitempty"`
	Region        string     `json:"region,omitempty"`
	Capabilities  []string   `json:"capabilities"`
	History       []Exchange `json:"history"`
}

// Step is the planner's decision.
type Step struct {
	Done    bool   `json:"done"`
	Summary string `json:"summary,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Planner decides the next step of a run.
type Planner interface {
	Next(ctx context.Context, req Request) (Step, error)
}
