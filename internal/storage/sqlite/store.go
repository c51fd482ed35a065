// Package sqlite is a single-node run store on an embedded SQLite database.
// It satisfies the same contract as the Postgres store and is selected with a
// sqlite:// or file: DATABASE_URL.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nucleus-ops/nucleus/internal/model"
	"github.com/nucleus-ops/nucleus/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    thread_id   TEXT NOT NULL,
    status      TEXT NOT NULL,
    trigger     TEXT NOT NULL,
    result      TEXT,
    steps       TEXT NOT NULL DEFAULT '[]',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_tenant_thread ON runs (tenant_id, thread_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs (status, created_at);

CREATE TABLE IF NOT EXISTS tenant_settings (
    tenant_id             TEXT PRIMARY KEY,
    slack_signing_secret  TEXT,
    updated_at            INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cloud_accounts (
    tenant_id     TEXT NOT NULL,
    account_id    TEXT NOT NULL,
    account_name  TEXT NOT NULL DEFAULT '',
    role_arn      TEXT NOT NULL,
    external_id   TEXT NOT NULL DEFAULT '',
    regions       TEXT NOT NULL DEFAULT '[]',
    PRIMARY KEY (tenant_id, account_id)
);
`

// Store is a SQLite-backed run store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database named by url and applies the schema.
func Open(ctx context.Context, url string, logger *slog.Logger) (*Store, error) {
	dsn := strings.TrimPrefix(url, "sqlite://")
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, run model.Run) error {
	trigger, result, steps, err := encode(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, tenant_id, thread_id, status, trigger, result, steps, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.TenantID, run.ThreadID, string(run.Status),
		trigger, result, steps, run.CreatedAt.UnixNano(), run.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("sqlite: create run %s: %w", run.ID, storage.ErrConflict)
		}
		return fmt.Errorf("sqlite: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, thread_id, status, trigger, result, steps, created_at, updated_at
		 FROM runs WHERE id = ?`, id.String())
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, storage.ErrNotFound
		}
		return model.Run{}, fmt.Errorf("sqlite: get run: %w", err)
	}
	return run, nil
}

// UpdateRun overwrites the mutable columns of a run still in status prev.
func (s *Store) UpdateRun(ctx context.Context, run model.Run, prev model.RunStatus) error {
	_, result, steps, err := encode(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, result = ?, steps = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(run.Status), result, steps, run.UpdatedAt.UnixNano(), run.ID.String(), string(prev),
	)
	if err != nil {
		return fmt.Errorf("sqlite: update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update run rows: %w", err)
	}
	if n == 1 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, run.ID.String()).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return storage.ErrNotFound
	case err != nil:
		return fmt.Errorf("sqlite: update run: %w", err)
	}
	return fmt.Errorf("sqlite: update run %s from %s: %w", run.ID, prev, storage.ErrStatusConflict)
}

// ListQueuedRuns returns queued runs created before cutoff, oldest first.
func (s *Store) ListQueuedRuns(ctx context.Context, cutoff time.Time, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, thread_id, status, trigger, result, steps, created_at, updated_at
		 FROM runs WHERE status = 'queued' AND created_at < ?
		 ORDER BY created_at LIMIT ?`,
		cutoff.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list queued runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListRunsByThread returns a tenant's runs in a thread, newest first.
func (s *Store) ListRunsByThread(ctx context.Context, tenantID, threadID string, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, thread_id, status, trigger, result, steps, created_at, updated_at
		 FROM runs WHERE tenant_id = ? AND thread_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		tenantID, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetWebhookSecret returns a tenant's webhook secret, or "" when unset.
func (s *Store) GetWebhookSecret(ctx context.Context, tenantID string) (string, error) {
	var secret sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT slack_signing_secret FROM tenant_settings WHERE tenant_id = ?`, tenantID,
	).Scan(&secret)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("sqlite: get webhook secret: %w", err)
	}
	return secret.String, nil
}

// SetWebhookSecret stores or replaces a tenant's webhook secret.
func (s *Store) SetWebhookSecret(ctx context.Context, tenantID, secret string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_settings (tenant_id, slack_signing_secret, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET slack_signing_secret = excluded.slack_signing_secret,
		 updated_at = excluded.updated_at`,
		tenantID, secret, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: set webhook secret: %w", err)
	}
	return nil
}

// GetCloudAccount returns a registered cloud account.
func (s *Store) GetCloudAccount(ctx context.Context, tenantID, accountID string) (model.CloudAccount, error) {
	var (
		a       model.CloudAccount
		regions string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, account_id, account_name, role_arn, external_id, regions
		 FROM cloud_accounts WHERE tenant_id = ? AND account_id = ?`, tenantID, accountID,
	).Scan(&a.TenantID, &a.AccountID, &a.AccountName, &a.RoleARN, &a.ExternalID, &regions)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CloudAccount{}, storage.ErrNotFound
		}
		return model.CloudAccount{}, fmt.Errorf("sqlite: get cloud account: %w", err)
	}
	if err := json.Unmarshal([]byte(regions), &a.Regions); err != nil {
		return model.CloudAccount{}, fmt.Errorf("sqlite: decode regions: %w", err)
	}
	return a, nil
}

// UpsertCloudAccount registers or updates a cloud account.
func (s *Store) UpsertCloudAccount(ctx context.Context, a model.CloudAccount) error {
	regions := a.Regions
	if regions == nil {
		regions = []string{}
	}
	encoded, err := json.Marshal(regions)
	if err != nil {
		return fmt.Errorf("sqlite: encode regions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cloud_accounts (tenant_id, account_id, account_name, role_arn, external_id, regions)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, account_id) DO UPDATE SET account_name = excluded.account_name,
		 role_arn = excluded.role_arn, external_id = excluded.external_id, regions = excluded.regions`,
		a.TenantID, a.AccountID, a.AccountName, a.RoleARN, a.ExternalID, string(encoded))
	if err != nil {
		return fmt.Errorf("sqlite: upsert cloud account: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (model.Run, error) {
	var (
		r                model.Run
		id, status       string
		trigger, steps   string
		result           sql.NullString
		created, updated int64
	)
	if err := row.Scan(&id, &r.TenantID, &r.ThreadID, &status, &trigger, &result, &steps, &created, &updated); err != nil {
		return model.Run{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return model.Run{}, fmt.Errorf("decode id: %w", err)
	}
	r.ID = parsed
	r.Status = model.RunStatus(status)
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	if err := json.Unmarshal([]byte(trigger), &r.Trigger); err != nil {
		return model.Run{}, fmt.Errorf("decode trigger: %w", err)
	}
	if result.Valid {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal([]byte(result.String), r.Result); err != nil {
			return model.Run{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(steps), &r.Steps); err != nil {
		return model.Run{}, fmt.Errorf("decode steps: %w", err)
	}
	return r, nil
}

func encode(run model.Run) (trigger string, result sql.NullString, steps string, err error) {
	t, err := json.Marshal(run.Trigger)
	if err != nil {
		return "", result, "", fmt.Errorf("sqlite: encode trigger: %w", err)
	}
	if run.Result != nil {
		r, err := json.Marshal(run.Result)
		if err != nil {
			return "", result, "", fmt.Errorf("sqlite: encode result: %w", err)
		}
		result = sql.NullString{String: string(r), Valid: true}
	}
	list := run.Steps
	if list == nil {
		list = []model.StepRecord{}
	}
	st, err := json.Marshal(list)
	if err != nil {
		return "", result, "", fmt.Errorf("sqlite: encode steps: %w", err)
	}
	return string(t), result, string(st), nil
}
