package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nucleus-ops/nucleus/internal/model"
)

// sweepBatch caps how many queued runs one sweep dispatches.
const sweepBatch = 100

// QueuedLister finds runs that were created but never started.
type QueuedLister interface {
	ListQueued(ctx context.Context, cutoff time.Time, limit int) ([]model.Run, error)
}

// WithRecovery lets the dispatcher pick up queued runs nobody is driving:
// runs whose creating process died before dispatch, or whose dispatch lost
// the lease to an instance that then went away.
func WithRecovery(l QueuedLister) Option { return func(d *Dispatcher) { d.queued = l } }

// Recover dispatches every run still queued and created before cutoff. Runs
// this instance is already driving are skipped. It returns how many loops it
// started.
func (d *Dispatcher) Recover(ctx context.Context, cutoff time.Time) (int, error) {
	if d.queued == nil {
		return 0, nil
	}
	pending, err := d.queued.ListQueued(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("dispatch: list queued runs: %w", err)
	}
	started := 0
	for _, run := range pending {
		err := d.Dispatch(run)
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrAlreadyDispatched), errors.Is(err, ErrNotQueued):
		default:
			return started, err
		}
	}
	if started > 0 {
		d.logger.Info("dispatch: recovered queued runs", "count", started, "cutoff", cutoff)
	}
	return started, nil
}

// StartRecovery sweeps once immediately and then every SweepInterval until
// Shutdown. It is a no-op without WithRecovery or with a zero interval.
func (d *Dispatcher) StartRecovery() {
	if d.queued == nil || d.cfg.SweepInterval <= 0 {
		return
	}
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return
	}
	d.sweepWG.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.sweepWG.Done()
		ticker := time.NewTicker(d.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			d.sweep()
			select {
			case <-d.sweepStop:
				return
			case <-d.ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (d *Dispatcher) sweep() {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.SweepInterval)
	defer cancel()
	if _, err := d.Recover(ctx, time.Now().Add(-d.cfg.StaleAfter)); err != nil && !errors.Is(err, ErrShuttingDown) {
		d.logger.Warn("dispatch: recovery sweep failed", "error", err)
	}
}

func (d *Dispatcher) stopRecovery() {
	d.sweepOnce.Do(func() { close(d.sweepStop) })
	d.sweepWG.Wait()
}
