package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetWebhookSecret returns a tenant's webhook signing secret, or "" when the
// tenant has none.
func (db *DB) GetWebhookSecret(ctx context.Context, tenantID string) (string, error) {
	var secret *string
	err := db.pool.QueryRow(ctx,
		`SELECT slack_signing_secret FROM tenant_settings WHERE tenant_id = $1`, tenantID,
	).Scan(&secret)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("storage: get webhook secret: %w", err)
	}
	if secret == nil {
		return "", nil
	}
	return *secret, nil
}

// SetWebhookSecret stores or replaces a tenant's webhook signing secret.
func (db *DB) SetWebhookSecret(ctx context.Context, tenantID, secret string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tenant_settings (tenant_id, slack_signing_secret, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (tenant_id) DO UPDATE
		 SET slack_signing_secret = EXCLUDED.slack_signing_secret, updated_at = now()`,
		tenantID, secret,
	)
	if err != nil {
		return fmt.Errorf("storage: set webhook secret: %w", err)
	}
	return nil
}
