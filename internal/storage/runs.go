package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nucleus-ops/nucleus/internal/model"
)

const runColumns = `id, tenant_id, thread_id, status, trigger, result, steps, created_at, updated_at`

// CreateRun inserts a new run.
func (db *DB) CreateRun(ctx context.Context, run model.Run) error {
	trigger, result, steps, err := encodeRunJSON(run)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.TenantID, run.ThreadID, string(run.Status),
		trigger, result, steps, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("storage: create run %s: %w", run.ID, ErrConflict)
		}
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by id. Returns ErrNotFound when absent.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// UpdateRun overwrites the mutable columns of a run that is still in status
// prev. Returns ErrNotFound when the run does not exist and ErrStatusConflict
// when another writer moved it first.
func (db *DB) UpdateRun(ctx context.Context, run model.Run, prev model.RunStatus) error {
	_, result, steps, err := encodeRunJSON(run)
	if err != nil {
		return err
	}
	return WithRetry(ctx, runWriteAttempts, runWriteBaseDelay, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE runs SET status = $1, result = $2, steps = $3, updated_at = $4
			 WHERE id = $5 AND status = $6`,
			string(run.Status), result, steps, run.UpdatedAt, run.ID, string(prev),
		)
		if err != nil {
			return fmt.Errorf("storage: update run: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		var exists bool
		if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, run.ID).Scan(&exists); err != nil {
			return fmt.Errorf("storage: update run: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return fmt.Errorf("storage: update run %s from %s: %w", run.ID, prev, ErrStatusConflict)
	})
}

// ListQueuedRuns returns runs of every tenant still queued and created
// before cutoff, oldest first.
func (db *DB) ListQueuedRuns(ctx context.Context, cutoff time.Time, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE status = 'queued' AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list queued runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListRunsByThread returns a tenant's runs in a thread, newest first.
func (db *DB) ListRunsByThread(ctx context.Context, tenantID, threadID string, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE tenant_id = $1 AND thread_id = $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		tenantID, threadID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (model.Run, error) {
	var (
		r                      model.Run
		status                 string
		trigger, result, steps []byte
	)
	if err := row.Scan(&r.ID, &r.TenantID, &r.ThreadID, &status,
		&trigger, &result, &steps, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return model.Run{}, err
	}
	r.Status = model.RunStatus(status)
	if err := json.Unmarshal(trigger, &r.Trigger); err != nil {
		return model.Run{}, fmt.Errorf("decode trigger: %w", err)
	}
	if len(result) > 0 {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal(result, r.Result); err != nil {
			return model.Run{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &r.Steps); err != nil {
			return model.Run{}, fmt.Errorf("decode steps: %w", err)
		}
	}
	return r, nil
}

func encodeRunJSON(run model.Run) (trigger, result, steps []byte, err error) {
	trigger, err = json.Marshal(run.Trigger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("storage: encode trigger: %w", err)
	}
	if run.Result != nil {
		result, err = json.Marshal(run.Result)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("storage: encode result: %w", err)
		}
	}
	stepList := run.Steps
	if stepList == nil {
		stepList = []model.StepRecord{}
	}
	steps, err = json.Marshal(stepList)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("storage: encode steps: %w", err)
	}
	return trigger, result, steps, nil
}
