package sandbox

import (
	"fmt"
	"strings"
	"time"
)

// Kind is how an invocation ended.
type Kind string

const (
	KindCompleted Kind = "completed"
	KindTimedOut  Kind = "timed_out"
	KindThrew     Kind = "threw"
)

// Phase locates a failure for KindThrew.
type Phase string

const (
	PhaseCompile Phase = "compile"
	PhaseRuntime Phase = "runtime"
	PhaseSetup   Phase = "setup"
)

// NoOutput is what the planner reads when a snippet completes silently.
const NoOutput = "Execution completed with no output."

const truncationMarker = "... [output truncated]"

// Line is one captured console call.
type Line struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// Outcome is the result of one sandboxed invocation. It is never an error:
// timeouts and exceptions are ordinary outcomes.
type Outcome struct {
	Code      string        `json:"code"`
	StartedAt time.Time     `json:"started_at"`
	Deadline  time.Time     `json:"deadline"`
	Duration  time.Duration `json:"duration"`
	Kind      Kind          `json:"kind"`
	Phase     Phase         `json:"phase,omitempty"`
	Message   string        `json:"message,omitempty"`
	Lines     []Line        `json:"lines"`
	Truncated bool          `json:"truncated,omitempty"`
}

// Text renders the outcome for the planner.
func (o Outcome) Text() string {
	var b strings.Builder
	for i, l := range o.Lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		switch l.Level {
		case "log", "info":
			b.WriteString(l.Text)
		default:
			fmt.Fprintf(&b, "[%s] %s", l.Level, l.Text)
		}
	}
	if o.Truncated {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(truncationMarker)
	}

	var tail string
	switch o.Kind {
	case KindCompleted:
		if b.Len() == 0 {
			return NoOutput
		}
	case KindTimedOut:
		tail = fmt.Sprintf("Execution timed out after %s.", o.Deadline.Sub(o.StartedAt).Round(time.Millisecond))
	case KindThrew:
		// Runtime throws are already captured as an error line.
		if o.Phase != PhaseRuntime {
			tail = fmt.Sprintf("Execution failed (%s): %s", o.Phase, o.Message)
		}
	}
	if tail != "" {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(tail)
	}
	return b.String()
}
