// Package runs owns the run lifecycle: creation, monotonic status
// transitions and the step log.
//
// It is the only writer of runs. Both the HTTP API and the MCP server create
// runs through it, and the dispatcher drives every transition through it.
package runs

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nucleus-ops/nucleus/internal/model"
	"github.com/nucleus-ops/nucleus/internal/storage"
	"github.com/nucleus-ops/nucleus/internal/telemetry"
)

var (
	// ErrNotFound is returned for an unknown run id.
	ErrNotFound = errors.New("runs: run not found")
	// ErrInvalidTransition is returned for an edge the state machine forbids.
	ErrInvalidTransition = errors.New("runs: invalid status transition")
	// ErrMissingTask is returned when the trigger has a blank task description.
	ErrMissingTask = errors.New("runs: task description is required")
	// ErrRunFinished is returned when recording a step on a terminal run.
	ErrRunFinished = errors.New("runs: run already finished")
)

// Store persists runs.
type Store interface {
	CreateRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	// UpdateRun writes run only if the stored status is still prev.
	UpdateRun(ctx context.Context, run model.Run, prev model.RunStatus) error
	ListRunsByThread(ctx context.Context, tenantID, threadID string, limit int) ([]model.Run, error)
	ListQueuedRuns(ctx context.Context, cutoff time.Time, limit int) ([]model.Run, error)
}

// MetricsSink receives lifecycle events.
type MetricsSink interface {
	RunCreated(source string)
	RunTransitioned(status string)
}

type noopSink struct{}

func (noopSink) RunCreated(string)      {}
func (noopSink) RunTransitioned(string) {}

const lockStripes = 64

// Manager creates runs and serializes their transitions.
type Manager struct {
	store   Store
	logger  *slog.Logger
	metrics MetricsSink
	tracer  trace.Tracer
	now     func() time.Time

	// Transitions for one run are totally ordered by its stripe.
	locks [lockStripes]sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics attaches a metrics sink.
func WithMetrics(m MetricsSink) Option {
	return func(mgr *Manager) {
		if m != nil {
			mgr.metrics = m
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

// New creates a Manager over store.
func New(store Store, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		logger:  logger,
		metrics: noopSink{},
		tracer:  telemetry.Tracer("nucleus/runs"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) lockFor(id uuid.UUID) *sync.Mutex {
	return &m.locks[binary.BigEndian.Uint32(id[12:])%lockStripes]
}

// CreateRun persists a new queued run for trigger. Every call creates a
// distinct run.
func (m *Manager) CreateRun(ctx context.Context, trigger model.TriggerRequest) (model.Run, error) {
	ctx, span := m.tracer.Start(ctx, "runs.create")
	defer span.End()

	trigger.TaskDescription = strings.TrimSpace(trigger.TaskDescription)
	if trigger.TaskDescription == "" {
		return model.Run{}, ErrMissingTask
	}
	if trigger.Mode == "" {
		trigger.Mode = model.DefaultMode
	}

	now := m.now()
	run := model.Run{
		ID:        uuid.New(),
		TenantID:  trigger.TenantID,
		ThreadID:  trigger.ThreadID,
		Status:    model.RunStatusQueued,
		Trigger:   trigger.Clone(),
		Steps:     []model.StepRecord{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if run.ThreadID == "" {
		run.ThreadID = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("run.id", run.ID.String()),
		attribute.String("run.source", string(trigger.Source)),
	)

	if err := m.store.CreateRun(ctx, run); err != nil {
		return model.Run{}, fmt.Errorf("runs: create: %w", err)
	}
	m.metrics.RunCreated(string(trigger.Source))
	m.logger.Info("runs: created",
		"run_id", run.ID,
		"tenant_id", run.TenantID,
		"thread_id", run.ThreadID,
		"source", trigger.Source,
	)
	return run, nil
}

// GetRun returns a run or ErrNotFound.
func (m *Manager) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := m.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("runs: get: %w", err)
	}
	return run, nil
}

// ListThread returns a tenant's runs sharing threadID, newest first.
func (m *Manager) ListThread(ctx context.Context, tenantID, threadID string, limit int) ([]model.Run, error) {
	runs, err := m.store.ListRunsByThread(ctx, tenantID, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("runs: list thread: %w", err)
	}
	return runs, nil
}

// ListQueued returns runs of any tenant still queued and created before
// cutoff, oldest first.
func (m *Manager) ListQueued(ctx context.Context, cutoff time.Time, limit int) ([]model.Run, error) {
	runs, err := m.store.ListQueuedRuns(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("runs: list queued: %w", err)
	}
	return runs, nil
}

// Transition moves a run to status. A run already in a terminal state is
// returned unchanged with no error; any other edge outside the state machine
// returns ErrInvalidTransition. result is recorded when non-nil.
func (m *Manager) Transition(ctx context.Context, id uuid.UUID, status model.RunStatus, result *model.RunResult) (model.Run, error) {
	ctx, span := m.tracer.Start(ctx, "runs.transition", trace.WithAttributes(
		attribute.String("run.id", id.String()),
		attribute.String("run.status", string(status)),
	))
	defer span.End()

	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	run, err := m.GetRun(ctx, id)
	if err != nil {
		return model.Run{}, err
	}
	if run.Status.IsTerminal() {
		m.logger.Debug("runs: transition on terminal run ignored",
			"run_id", id, "status", run.Status, "requested", status)
		return run, nil
	}
	if !run.Status.CanTransition(status) {
		return model.Run{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, run.Status, status)
	}

	from := run.Status
	run.Status = status
	run.UpdatedAt = m.now()
	if result != nil {
		res := *result
		if res.StepCount == 0 {
			res.StepCount = len(run.Steps)
		}
		run.Result = &res
	}
	if err := m.update(ctx, run, from); err != nil {
		if !errors.Is(err, storage.ErrStatusConflict) {
			return model.Run{}, err
		}
		// Another process moved the run between our read and write.
		current, gerr := m.GetRun(ctx, id)
		if gerr != nil {
			return model.Run{}, gerr
		}
		if current.Status.IsTerminal() {
			m.logger.Debug("runs: run finished by another writer",
				"run_id", id, "status", current.Status, "requested", status)
			return current, nil
		}
		return model.Run{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
	}

	m.metrics.RunTransitioned(string(status))
	m.logger.Info("runs: transitioned", "run_id", id, "from", from, "to", status)
	return run, nil
}

// RecordStep appends a step to a run that has not finished.
func (m *Manager) RecordStep(ctx context.Context, id uuid.UUID, step model.StepRecord) (model.Run, error) {
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	run, err := m.GetRun(ctx, id)
	if err != nil {
		return model.Run{}, err
	}
	if run.Status.IsTerminal() {
		return model.Run{}, fmt.Errorf("%w: %s", ErrRunFinished, run.Status)
	}
	step.Index = len(run.Steps)
	run.Steps = append(run.Steps, step)
	run.UpdatedAt = m.now()
	if err := m.update(ctx, run, run.Status); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			current, gerr := m.GetRun(ctx, id)
			if gerr == nil && current.Status.IsTerminal() {
				return model.Run{}, fmt.Errorf("%w: %s", ErrRunFinished, current.Status)
			}
		}
		return model.Run{}, err
	}
	return run, nil
}

// update writes run guarded on prev. storage.ErrStatusConflict stays in the
// chain so callers can tell a lost race from a failed write.
func (m *Manager) update(ctx context.Context, run model.Run, prev model.RunStatus) error {
	if err := m.store.UpdateRun(ctx, run, prev); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("runs: update: %w", err)
	}
	return nil
}
