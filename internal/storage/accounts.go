package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nucleus-ops/nucleus/internal/model"
)

// GetCloudAccount returns an active cloud account for a tenant.
func (db *DB) GetCloudAccount(ctx context.Context, tenantID, accountID string) (model.CloudAccount, error) {
	var (
		a          model.CloudAccount
		externalID *string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT tenant_id, account_id, account_name, role_arn, external_id, regions
		 FROM cloud_accounts
		 WHERE tenant_id = $1 AND account_id = $2 AND active`,
		tenantID, accountID,
	).Scan(&a.TenantID, &a.AccountID, &a.AccountName, &a.RoleARN, &externalID, &a.Regions)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CloudAccount{}, ErrNotFound
		}
		return model.CloudAccount{}, fmt.Errorf("storage: get cloud account: %w", err)
	}
	if externalID != nil {
		a.ExternalID = *externalID
	}
	return a, nil
}

// UpsertCloudAccount registers or updates a tenant's cloud account.
func (db *DB) UpsertCloudAccount(ctx context.Context, a model.CloudAccount) error {
	regions := a.Regions
	if regions == nil {
		regions = []string{}
	}
	var externalID *string
	if a.ExternalID != "" {
		externalID = &a.ExternalID
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO cloud_accounts (tenant_id, account_id, account_name, role_arn, external_id, regions, active)
		 VALUES ($1, $2, $3, $4, $5, $6, true)
		 ON CONFLICT (tenant_id, account_id) DO UPDATE
		 SET account_name = EXCLUDED.account_name,
		     role_arn = EXCLUDED.role_arn,
		     external_id = EXCLUDED.external_id,
		     regions = EXCLUDED.regions,
		     active = true`,
		a.TenantID, a.AccountID, a.AccountName, a.RoleARN, externalID, regions,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert cloud account: %w", err)
	}
	return nil
}
