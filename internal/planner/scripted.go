package planner

import (
	"context"
	"sync"
)

// Scripted replays a fixed list of steps. Once the script runs out it
// reports done. Used by tests and local smoke runs.
type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	next     int
	requests []Request
}

// NewScripted returns a planner that yields steps in order.
func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// Next returns the next scripted step.
func (s *Scripted) Next(ctx context.Context, req Request) (Step, error) {
	if err := ctx.Err(); err != nil {
		return Step{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.next >= len(s.steps) {
		return Step{Done: true, Summary: "script finished"}, nil
	}
	step := s.steps[s.next]
	s.next++
	return step, nil
}

// Requests returns every request seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}
