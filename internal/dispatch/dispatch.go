// Package dispatch drives queued runs to a terminal state in the background.
//
// Dispatch returns as soon as the run is tracked; the planner/sandbox loop
// runs on a goroutine derived from the dispatcher's own context, never from
// the request that created the run. Every failure inside the loop, panics
// included, ends the run as failed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/nucleus-ops/nucleus/internal/capability"
	"github.com/nucleus-ops/nucleus/internal/model"
	"github.com/nucleus-ops/nucleus/internal/planner"
	"github.com/nucleus-ops/nucleus/internal/sandbox"
	"github.com/nucleus-ops/nucleus/internal/service/runs"
	"github.com/nucleus-ops/nucleus/internal/telemetry"
)

var (
	// ErrAlreadyDispatched is returned when the run already has a loop.
	ErrAlreadyDispatched = errors.New("dispatch: run already dispatched")
	// ErrNotQueued is returned for a run that is not queued.
	ErrNotQueued = errors.New("dispatch: run is not queued")
	// ErrShuttingDown is returned once Shutdown has begun.
	ErrShuttingDown = errors.New("dispatch: shutting down")
)

// finalizeTimeout bounds the terminal write after the loop's context is gone.
const finalizeTimeout = 10 * time.Second

// RunManager is the subset of the run lifecycle the loop drives.
type RunManager interface {
	Transition(ctx context.Context, id uuid.UUID, status model.RunStatus, result *model.RunResult) (model.Run, error)
	RecordStep(ctx context.Context, id uuid.UUID, step model.StepRecord) (model.Run, error)
}

// Executor runs one snippet.
type Executor interface {
	Execute(ctx context.Context, code string, caps *capability.Set, deadline time.Duration) sandbox.Outcome
}

// MetricsSink receives dispatcher events.
type MetricsSink interface {
	DispatchStarted()
	DispatchFinished()
	DispatchRejected(reason string)
}

type noopSink struct{}

func (noopSink) DispatchStarted()        {}
func (noopSink) DispatchFinished()       {}
func (noopSink) DispatchRejected(string) {}

// Config bounds the loop.
type Config struct {
	MaxSteps      int
	StepTimeout   time.Duration
	RunTimeout    time.Duration
	MaxConcurrent int64
	LeaseTTL      time.Duration
	// SweepInterval is how often StartRecovery looks for orphaned queued
	// runs. Zero disables the sweep.
	SweepInterval time.Duration
	// StaleAfter is how long a run must have been queued before a sweep
	// picks it up.
	StaleAfter time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 12
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = sandbox.DefaultTimeout
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 15 * time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = c.RunTimeout + time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Minute
	}
}

// Dispatcher owns the background run loops.
type Dispatcher struct {
	runs    RunManager
	planner planner.Planner
	caps    capability.Source
	exec    Executor
	cfg     Config
	lease   Lease
	queued  QueuedLister
	metrics MetricsSink
	logger  *slog.Logger
	tracer  trace.Tracer

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
	closing  bool

	sweepStop chan struct{}
	sweepOnce sync.Once
	sweepWG   sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLease enables the cross-instance run lease.
func WithLease(l Lease) Option { return func(d *Dispatcher) { d.lease = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m MetricsSink) Option { return func(d *Dispatcher) { d.metrics = m } }

// New creates a Dispatcher.
func New(runs RunManager, p planner.Planner, caps capability.Source, exec Executor, cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		runs:      runs,
		planner:   p,
		caps:      caps,
		exec:      exec,
		cfg:       cfg,
		metrics:   noopSink{},
		logger:    logger,
		tracer:    telemetry.Tracer("nucleus/dispatch"),
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		ctx:       ctx,
		cancel:    cancel,
		inFlight:  make(map[uuid.UUID]struct{}),
		sweepStop: make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch starts the loop for a queued run and returns immediately.
func (d *Dispatcher) Dispatch(run model.Run) error {
	if run.Status != model.RunStatusQueued {
		d.metrics.DispatchRejected("not_queued")
		return fmt.Errorf("%w: %s is %s", ErrNotQueued, run.ID, run.Status)
	}

	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		d.metrics.DispatchRejected("shutting_down")
		return ErrShuttingDown
	}
	if _, ok := d.inFlight[run.ID]; ok {
		d.mu.Unlock()
		d.metrics.DispatchRejected("already_dispatched")
		return fmt.Errorf("%w: %s", ErrAlreadyDispatched, run.ID)
	}
	d.inFlight[run.ID] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	d.metrics.DispatchStarted()
	go d.loop(run.Clone())
	return nil
}

// InFlight returns the number of tracked loops.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

// Shutdown stops accepting runs and waits for in-flight loops. If ctx ends
// first the loops are cancelled, which fails their runs, and ctx's error is
// returned once they have exited.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	d.stopRecovery()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.logger.Warn("dispatch: shutdown deadline reached, cancelling in-flight runs", "in_flight", d.InFlight())
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) loop(run model.Run) {
	logger := d.logger.With("run_id", run.ID, "tenant_id", run.TenantID)
	defer func() {
		d.mu.Lock()
		delete(d.inFlight, run.ID)
		d.mu.Unlock()
		d.metrics.DispatchFinished()
		d.wg.Done()
	}()
	defer func() {
		if p := recover(); p != nil {
			logger.Error("dispatch: panic in run loop", "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
			d.finalize(logger, run.ID, model.RunStatusFailed, &model.RunResult{Error: "internal error"})
		}
	}()

	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		d.finalize(logger, run.ID, model.RunStatusFailed, &model.RunResult{Error: "dispatcher shutting down"})
		return
	}
	defer d.sem.Release(1)

	if d.lease != nil {
		release, ok, err := d.lease.Acquire(d.ctx, run.ID, d.cfg.LeaseTTL)
		if err != nil {
			logger.Error("dispatch: acquire lease", "error", err)
			d.finalize(logger, run.ID, model.RunStatusFailed, &model.RunResult{Error: "could not acquire run lease"})
			return
		}
		if !ok {
			logger.Info("dispatch: run leased by another instance")
			return
		}
		defer release()
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.RunTimeout)
	defer cancel()
	ctx, span := d.tracer.Start(ctx, "dispatch.run", trace.WithAttributes(
		attribute.String("run.id", run.ID.String()),
		attribute.String("run.tenant_id", run.TenantID),
		attribute.String("run.mode", run.Trigger.Mode),
	))
	defer span.End()

	// The copy handed to Dispatch may be stale; only the loop that moves the
	// stored run from queued to running gets to drive it.
	started, err := d.runs.Transition(ctx, run.ID, model.RunStatusRunning, nil)
	switch {
	case errors.Is(err, runs.ErrInvalidTransition):
		logger.Info("dispatch: run already started elsewhere, skipping", "error", err)
		span.SetAttributes(attribute.Bool("run.skipped", true))
		return
	case err != nil:
		logger.Error("dispatch: start run", "error", err)
		d.finalize(logger, run.ID, model.RunStatusFailed, &model.RunResult{Error: "could not start run"})
		return
	case started.Status != model.RunStatusRunning:
		logger.Info("dispatch: run already finished, skipping", "status", started.Status)
		span.SetAttributes(attribute.Bool("run.skipped", true))
		return
	}

	status, result := d.drive(ctx, logger, started)
	span.SetAttributes(attribute.String("run.status", string(status)))
	if status != model.RunStatusSucceeded {
		span.SetStatus(codes.Error, result.Error)
	}
	d.finalize(logger, run.ID, status, result)
}

// drive runs the planner/sandbox loop for a run already marked running and
// returns the terminal state to record. It does not write the terminal state
// itself.
func (d *Dispatcher) drive(ctx context.Context, logger *slog.Logger, run model.Run) (model.RunStatus, *model.RunResult) {
	target := capability.Target{TenantID: run.TenantID, AccountID: run.Trigger.AccountID}

	// Region and surface are fixed for the run. The first set also serves the
	// first execution.
	unused, err := d.caps.ForInvocation(ctx, target)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return interrupted(ctxErr)
		}
		logger.Error("dispatch: build capabilities", "error", err)
		return model.RunStatusFailed, &model.RunResult{Error: fmt.Sprintf("capabilities unavailable: %v", err)}
	}
	region, surface := unused.Region(), unused.Describe()

	var (
		history  []planner.Exchange
		lastKind sandbox.Kind
	)
	for step := 0; step < d.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return interrupted(err)
		}

		next, err := d.planner.Next(ctx, planner.Request{
			RunID:         run.ID,
			TenantID:      run.TenantID,
			ThreadID:      run.ThreadID,
			Task:          run.Trigger.TaskDescription,
			Mode:          run.Trigger.Mode,
			SelectedSkill: run.Trigger.SelectedSkill,
			AccountID:     run.Trigger.AccountID,
			AccountName:   run.Trigger.AccountName,
			Region:        region,
			Capabilities:  surface,
			History:       history,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return interrupted(ctxErr)
			}
			logger.Error("dispatch: planner", "error", err, "step", step)
			return model.RunStatusFailed, &model.RunResult{Error: fmt.Sprintf("planner failed: %v", err)}
		}
		if next.Done {
			return model.RunStatusSucceeded, &model.RunResult{Summary: next.Summary}
		}

		// Each execution gets its own set.
		caps := unused
		unused = nil
		if caps == nil {
			if caps, err = d.caps.ForInvocation(ctx, target); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return interrupted(ctxErr)
				}
				logger.Error("dispatch: build capabilities", "error", err, "step", step)
				return model.RunStatusFailed, &model.RunResult{Error: fmt.Sprintf("capabilities unavailable: %v", err)}
			}
		}

		out := d.exec.Execute(ctx, next.Code, caps, d.cfg.StepTimeout)
		text := out.Text()
		if err := d.recordStep(ctx, run.ID, model.StepRecord{
			Code:       next.Code,
			Outcome:    string(out.Kind),
			Output:     text,
			StartedAt:  out.StartedAt,
			DurationMs: out.Duration.Milliseconds(),
		}); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return interrupted(ctxErr)
			}
			logger.Error("dispatch: record step", "error", err, "step", step)
			return model.RunStatusFailed, &model.RunResult{Error: "could not record step"}
		}
		logger.Debug("dispatch: step executed", "step", step, "outcome", out.Kind)

		if err := ctx.Err(); err != nil {
			return interrupted(err)
		}
		history = append(history, planner.Exchange{Code: next.Code, Outcome: string(out.Kind), Output: text})
		lastKind = out.Kind
	}

	msg := fmt.Sprintf("step limit of %d reached", d.cfg.MaxSteps)
	if lastKind == sandbox.KindTimedOut {
		return model.RunStatusTimedOut, &model.RunResult{Error: msg}
	}
	return model.RunStatusFailed, &model.RunResult{Error: msg}
}

// recordStep persists a step that already ran. The write outlives the run
// deadline so the step that hit it is still on record.
func (d *Dispatcher) recordStep(ctx context.Context, id uuid.UUID, step model.StepRecord) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	_, err := d.runs.RecordStep(ctx, id, step)
	return err
}

func interrupted(err error) (model.RunStatus, *model.RunResult) {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.RunStatusTimedOut, &model.RunResult{Error: "run deadline exceeded"}
	}
	return model.RunStatusFailed, &model.RunResult{Error: "run cancelled"}
}

// finalize writes the terminal state on a context detached from the loop so
// a cancelled or expired run can still be closed out.
func (d *Dispatcher) finalize(logger *slog.Logger, id uuid.UUID, status model.RunStatus, result *model.RunResult) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	run, err := d.runs.Transition(ctx, id, status, result)
	if err != nil {
		logger.Error("dispatch: finalize run", "status", status, "error", err)
		return
	}
	logger.Info("dispatch: run finished", "status", run.Status)
}
