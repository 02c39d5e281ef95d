package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// UpsertChannelAccount stores or refreshes an account keyed by its identity
// (tenant, channel, identifier). Credentials and status are mutable; identity
// is not.
func (r *PostgresRepository) UpsertChannelAccount(ctx context.Context, acc ChannelAccount) (*ChannelAccount, error) {
	creds, err := toJSON(acc.Credentials)
	if err != nil {
		return nil, err
	}
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	if acc.HealthStatus == "" {
		acc.HealthStatus = HealthHealthy
	}

	const q = `
INSERT INTO channel_accounts (id, tenant_id, channel_type, identifier, credentials, enabled, health_status, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
ON CONFLICT (tenant_id, channel_type, identifier) DO UPDATE SET
    credentials = EXCLUDED.credentials,
    enabled = EXCLUDED.enabled,
    health_status = EXCLUDED.health_status,
    updated_at = NOW()
RETURNING id, tenant_id, channel_type, identifier, credentials, enabled, health_status, created_at, updated_at;
`
	row := r.pool.QueryRow(ctx, q, acc.ID, acc.TenantID, acc.ChannelType, acc.Identifier, creds, acc.Enabled, acc.HealthStatus)
	return scanChannelAccount(row)
}

// GetChannelAccount loads one account by id.
func (r *PostgresRepository) GetChannelAccount(ctx context.Context, id string) (*ChannelAccount, error) {
	const q = `
SELECT id, tenant_id, channel_type, identifier, credentials, enabled, health_status, created_at, updated_at
FROM channel_accounts
WHERE id = $1;
`
	acc, err := scanChannelAccount(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return acc, nil
}

// ListEnabledChannelAccounts returns all accounts eligible for sending and
// health polling.
func (r *PostgresRepository) ListEnabledChannelAccounts(ctx context.Context) ([]ChannelAccount, error) {
	const q = `
SELECT id, tenant_id, channel_type, identifier, credentials, enabled, health_status, created_at, updated_at
FROM channel_accounts
WHERE enabled
ORDER BY created_at;
`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list channel accounts: %w", err)
	}
	defer rows.Close()

	var accounts []ChannelAccount
	for rows.Next() {
		acc, err := scanChannelAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel accounts: %w", err)
	}
	return accounts, nil
}

// UpdateChannelAccountHealth records the latest health probe result.
func (r *PostgresRepository) UpdateChannelAccountHealth(ctx context.Context, id, status string) error {
	const q = `UPDATE channel_accounts SET health_status = $2, updated_at = NOW() WHERE id = $1;`
	ct, err := r.pool.Exec(ctx, q, id, status)
	if err != nil {
		return fmt.Errorf("update account health: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DisableChannelAccount marks the account disabled, e.g. on deauthorization.
func (r *PostgresRepository) DisableChannelAccount(ctx context.Context, id string) error {
	const q = `UPDATE channel_accounts SET enabled = FALSE, health_status = $2, updated_at = NOW() WHERE id = $1;`
	ct, err := r.pool.Exec(ctx, q, id, HealthDisconnected)
	if err != nil {
		return fmt.Errorf("disable account: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannelAccount(row rowScanner) (*ChannelAccount, error) {
	var acc ChannelAccount
	var creds []byte
	if err := row.Scan(&acc.ID, &acc.TenantID, &acc.ChannelType, &acc.Identifier, &creds, &acc.Enabled, &acc.HealthStatus, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan channel account: %w", err)
	}
	acc.Credentials = map[string]string{}
	if err := fromJSON(creds, &acc.Credentials); err != nil {
		return nil, err
	}
	return &acc, nil
}
