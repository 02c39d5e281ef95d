package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"msghub/internal/model"
)

// EnsureWallet creates the tenant's wallet if it does not exist yet.
func (r *PostgresRepository) EnsureWallet(ctx context.Context, tenantID, currency string, lowBalanceThreshold int64) (*Wallet, error) {
	const q = `
INSERT INTO wallets (tenant_id, balance, currency, low_balance_threshold)
VALUES ($1, 0, $2, $3)
ON CONFLICT (tenant_id) DO UPDATE SET
    low_balance_threshold = EXCLUDED.low_balance_threshold,
    updated_at = NOW()
RETURNING tenant_id, balance, currency, low_balance_threshold, created_at, updated_at;
`
	return scanWallet(r.pool.QueryRow(ctx, q, tenantID, currency, lowBalanceThreshold))
}

// GetWallet loads the tenant's wallet.
func (r *PostgresRepository) GetWallet(ctx context.Context, tenantID string) (*Wallet, error) {
	const q = `
SELECT tenant_id, balance, currency, low_balance_threshold, created_at, updated_at
FROM wallets
WHERE tenant_id = $1;
`
	w, err := scanWallet(r.pool.QueryRow(ctx, q, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return w, nil
}

// DebitWallet performs one atomic debit: the balance check, the spend-limit
// check, the ledger append and the balance update happen in a single
// transaction with the wallet row locked. A debit that would overdraw fails
// with ErrInsufficientBalance; one that would breach the channel's daily or
// monthly cap fails with ErrSpendLimitExceeded.
func (r *PostgresRepository) DebitWallet(ctx context.Context, p DebitParams) (*WalletTransaction, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", p.Amount)
	}

	var txn WalletTransaction
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var balance int64
		err := tx.QueryRow(ctx, `SELECT balance FROM wallets WHERE tenant_id = $1 FOR UPDATE;`, p.TenantID).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock wallet: %w", err)
		}
		if balance < p.Amount {
			return ErrInsufficientBalance
		}

		if err := checkSpendLimits(ctx, tx, p); err != nil {
			return err
		}

		newBalance := balance - p.Amount
		if _, err := tx.Exec(ctx, `UPDATE wallets SET balance = $2, updated_at = NOW() WHERE tenant_id = $1;`, p.TenantID, newBalance); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		txn = WalletTransaction{
			ID:           uuid.NewString(),
			TenantID:     p.TenantID,
			Type:         TxnDebit,
			Amount:       p.Amount,
			BalanceAfter: newBalance,
			ChannelType:  p.ChannelType,
			Description:  p.Description,
			ReferenceID:  p.ReferenceID,
		}
		return insertTransaction(ctx, tx, &txn)
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// CreditWallet appends a top-up to the ledger and raises the balance, in one
// transaction.
func (r *PostgresRepository) CreditWallet(ctx context.Context, p CreditParams) (*WalletTransaction, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", p.Amount)
	}

	var txn WalletTransaction
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var balance int64
		err := tx.QueryRow(ctx, `SELECT balance FROM wallets WHERE tenant_id = $1 FOR UPDATE;`, p.TenantID).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock wallet: %w", err)
		}

		newBalance := balance + p.Amount
		if _, err := tx.Exec(ctx, `UPDATE wallets SET balance = $2, updated_at = NOW() WHERE tenant_id = $1;`, p.TenantID, newBalance); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		txn = WalletTransaction{
			ID:           uuid.NewString(),
			TenantID:     p.TenantID,
			Type:         TxnCredit,
			Amount:       p.Amount,
			BalanceAfter: newBalance,
			Description:  p.Description,
			ReferenceID:  p.ReferenceID,
		}
		return insertTransaction(ctx, tx, &txn)
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func checkSpendLimits(ctx context.Context, tx pgx.Tx, p DebitParams) error {
	var daily, monthly int64
	err := tx.QueryRow(ctx, `SELECT daily_limit, monthly_limit FROM spend_limits WHERE tenant_id = $1 AND channel_type = $2;`, p.TenantID, p.ChannelType).Scan(&daily, &monthly)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load spend limit: %w", err)
	}

	now := time.Now()
	if daily > 0 {
		spent, err := spendSince(ctx, tx, p.TenantID, p.ChannelType, DayStart(now))
		if err != nil {
			return err
		}
		if spent+p.Amount > daily {
			return ErrSpendLimitExceeded
		}
	}
	if monthly > 0 {
		spent, err := spendSince(ctx, tx, p.TenantID, p.ChannelType, MonthStart(now))
		if err != nil {
			return err
		}
		if spent+p.Amount > monthly {
			return ErrSpendLimitExceeded
		}
	}
	return nil
}

func spendSince(ctx context.Context, tx pgx.Tx, tenantID string, channel model.ChannelType, since time.Time) (int64, error) {
	var spent int64
	err := tx.QueryRow(ctx, `
SELECT COALESCE(SUM(amount), 0)
FROM wallet_transactions
WHERE tenant_id = $1 AND channel_type = $2 AND type = 'DEBIT' AND created_at >= $3;
`, tenantID, channel, since).Scan(&spent)
	if err != nil {
		return 0, fmt.Errorf("sum channel spend: %w", err)
	}
	return spent, nil
}

// SumSpendSince totals the channel's DEBIT transactions since the given
// instant. Preflight checks use it to reject a send before the provider call;
// the authoritative check stays inside the debit transaction.
func (r *PostgresRepository) SumSpendSince(ctx context.Context, tenantID string, channel model.ChannelType, since time.Time) (int64, error) {
	const q = `
SELECT COALESCE(SUM(amount), 0)
FROM wallet_transactions
WHERE tenant_id = $1 AND channel_type = $2 AND type = 'DEBIT' AND created_at >= $3;
`
	var spent int64
	if err := r.pool.QueryRow(ctx, q, tenantID, channel, since).Scan(&spent); err != nil {
		return 0, fmt.Errorf("sum channel spend: %w", err)
	}
	return spent, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, txn *WalletTransaction) error {
	const q = `
INSERT INTO wallet_transactions (id, tenant_id, type, amount, balance_after, channel_type, description, reference_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING created_at;
`
	err := tx.QueryRow(ctx, q, txn.ID, txn.TenantID, txn.Type, txn.Amount, txn.BalanceAfter, txn.ChannelType, txn.Description, txn.ReferenceID).Scan(&txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert wallet transaction: %w", err)
	}
	return nil
}

// ListWalletTransactions returns the latest ledger entries, newest first.
func (r *PostgresRepository) ListWalletTransactions(ctx context.Context, tenantID string, limit int) ([]WalletTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, tenant_id, type, amount, balance_after, channel_type, description, reference_id, created_at
FROM wallet_transactions
WHERE tenant_id = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list wallet transactions: %w", err)
	}
	defer rows.Close()

	var txns []WalletTransaction
	for rows.Next() {
		var txn WalletTransaction
		if err := rows.Scan(&txn.ID, &txn.TenantID, &txn.Type, &txn.Amount, &txn.BalanceAfter, &txn.ChannelType, &txn.Description, &txn.ReferenceID, &txn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wallet transactions: %w", err)
	}
	return txns, nil
}

// UpsertSpendLimit stores the per-channel caps for a tenant.
func (r *PostgresRepository) UpsertSpendLimit(ctx context.Context, limit SpendLimit) error {
	const q = `
INSERT INTO spend_limits (tenant_id, channel_type, daily_limit, monthly_limit)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tenant_id, channel_type) DO UPDATE SET
    daily_limit = EXCLUDED.daily_limit,
    monthly_limit = EXCLUDED.monthly_limit,
    updated_at = NOW();
`
	if _, err := r.pool.Exec(ctx, q, limit.TenantID, limit.ChannelType, limit.DailyLimit, limit.MonthlyLimit); err != nil {
		return fmt.Errorf("upsert spend limit: %w", err)
	}
	return nil
}

// GetSpendLimit loads the caps for one (tenant, channel) pair.
func (r *PostgresRepository) GetSpendLimit(ctx context.Context, tenantID string, channel model.ChannelType) (*SpendLimit, error) {
	const q = `
SELECT tenant_id, channel_type, daily_limit, monthly_limit, updated_at
FROM spend_limits
WHERE tenant_id = $1 AND channel_type = $2;
`
	var l SpendLimit
	err := r.pool.QueryRow(ctx, q, tenantID, channel).Scan(&l.TenantID, &l.ChannelType, &l.DailyLimit, &l.MonthlyLimit, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get spend limit: %w", err)
	}
	return &l, nil
}

func scanWallet(row rowScanner) (*Wallet, error) {
	var w Wallet
	if err := row.Scan(&w.TenantID, &w.Balance, &w.Currency, &w.LowBalanceThreshold, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}
