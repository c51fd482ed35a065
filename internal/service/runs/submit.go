package runs

import (
	"context"
	"errors"
	"fmt"

	"github.com/nucleus-ops/nucleus/internal/model"
)

// ErrDispatchRejected wraps a dispatcher refusal. The run exists and has
// been marked failed.
var ErrDispatchRejected = errors.New("runs: dispatch rejected")

// Dispatcher starts the background loop for a queued run.
type Dispatcher interface {
	Dispatch(run model.Run) error
}

// Submit creates a run for trigger and hands it to d without waiting for
// any execution. If d refuses the run it is failed so it does not sit in
// queued forever.
func (m *Manager) Submit(ctx context.Context, trigger model.TriggerRequest, d Dispatcher) (model.Run, error) {
	run, err := m.CreateRun(ctx, trigger)
	if err != nil {
		return model.Run{}, err
	}
	if err := d.Dispatch(run); err != nil {
		m.logger.Error("runs: dispatch rejected", "run_id", run.ID, "error", err)
		failed, terr := m.Transition(context.WithoutCancel(ctx), run.ID, model.RunStatusFailed,
			&model.RunResult{Error: "dispatch rejected"})
		if terr != nil {
			return run, fmt.Errorf("%w: %v (fail run: %v)", ErrDispatchRejected, err, terr)
		}
		return failed, fmt.Errorf("%w: %v", ErrDispatchRejected, err)
	}
	return run, nil
}
