package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"msghub/internal/model"
)

// -- Channel accounts --

func (r *SQLiteRepository) UpsertChannelAccount(ctx context.Context, acc ChannelAccount) (*ChannelAccount, error) {
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
	now := time.Now().UTC()

	const q = `
INSERT INTO channel_accounts (id, tenant_id, channel_type, identifier, credentials, enabled, health_status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (tenant_id, channel_type, identifier) DO UPDATE SET
    credentials = excluded.credentials,
    enabled = excluded.enabled,
    health_status = excluded.health_status,
    updated_at = excluded.updated_at
RETURNING id, tenant_id, channel_type, identifier, credentials, enabled, health_status, created_at, updated_at;
`
	row := r.db.QueryRowContext(ctx, q, acc.ID, acc.TenantID, acc.ChannelType, acc.Identifier, string(creds), acc.Enabled, acc.HealthStatus, now, now)
	return scanChannelAccount(row)
}

func (r *SQLiteRepository) GetChannelAccount(ctx context.Context, id string) (*ChannelAccount, error) {
	const q = `
SELECT id, tenant_id, channel_type, identifier, credentials, enabled, health_status, created_at, updated_at
FROM channel_accounts
WHERE id = ?
LIMIT 1;
`
	acc, err := scanChannelAccount(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return acc, nil
}

func (r *SQLiteRepository) ListEnabledChannelAccounts(ctx context.Context) ([]ChannelAccount, error) {
	const q = `
SELECT id, tenant_id, channel_type, identifier, credentials, enabled, health_status, created_at, updated_at
FROM channel_accounts
WHERE enabled
ORDER BY created_at;
`
	rows, err := r.db.QueryContext(ctx, q)
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

func (r *SQLiteRepository) UpdateChannelAccountHealth(ctx context.Context, id, status string) error {
	const q = `UPDATE channel_accounts SET health_status = ?, updated_at = ? WHERE id = ?;`
	res, err := r.db.ExecContext(ctx, q, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update account health: %w", err)
	}
	return requireRowsAffected(res)
}

func (r *SQLiteRepository) DisableChannelAccount(ctx context.Context, id string) error {
	const q = `UPDATE channel_accounts SET enabled = 0, health_status = ?, updated_at = ? WHERE id = ?;`
	res, err := r.db.ExecContext(ctx, q, HealthDisconnected, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("disable account: %w", err)
	}
	return requireRowsAffected(res)
}

// -- Messages --

func (r *SQLiteRepository) InsertMessage(ctx context.Context, msg MessageRecord) error {
	content, err := toJSON(msg.Content)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	const q = `
INSERT INTO messages (id, external_id, tenant_id, account_id, conversation_id, channel_type, direction, content_type, sender, recipient, content, status, status_rank, cost, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err = r.db.ExecContext(ctx, q,
		msg.ID, msg.ExternalID, msg.TenantID, msg.AccountID, msg.ConversationID,
		msg.ChannelType, msg.Direction, msg.ContentType, msg.Sender, msg.Recipient,
		string(content), msg.Status, msg.Status.Rank(), msg.Cost, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetMessage(ctx context.Context, id string) (*MessageRecord, error) {
	return r.getMessage(ctx, `WHERE id = ?`, id)
}

func (r *SQLiteRepository) GetMessageByExternalID(ctx context.Context, accountID, externalID string) (*MessageRecord, error) {
	return r.getMessage(ctx, `WHERE account_id = ? AND external_id = ?`, accountID, externalID)
}

func (r *SQLiteRepository) getMessage(ctx context.Context, where string, args ...any) (*MessageRecord, error) {
	q := `
SELECT id, external_id, tenant_id, account_id, conversation_id, channel_type, direction, content_type, sender, recipient, content, status, cost, created_at, updated_at
FROM messages ` + where + ` LIMIT 1;`
	row := r.db.QueryRowContext(ctx, q, args...)

	var msg MessageRecord
	var content []byte
	err := row.Scan(&msg.ID, &msg.ExternalID, &msg.TenantID, &msg.AccountID, &msg.ConversationID, &msg.ChannelType, &msg.Direction, &msg.ContentType, &msg.Sender, &msg.Recipient, &content, &msg.Status, &msg.Cost, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	if err := fromJSON(content, &msg.Content); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *SQLiteRepository) AcknowledgeMessage(ctx context.Context, id, externalID string) error {
	const q = `
UPDATE messages
SET external_id = ?, updated_at = ?
WHERE id = ? AND external_id IS NULL;
`
	if _, err := r.db.ExecContext(ctx, q, externalID, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("acknowledge message: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) AdvanceMessageStatus(ctx context.Context, accountID, externalID string, status model.DeliveryStatus) (bool, error) {
	const q = `
UPDATE messages
SET status = ?, status_rank = ?, updated_at = ?
WHERE account_id = ? AND external_id = ? AND status_rank < ?
  AND status NOT IN ('READ', 'FAILED');
`
	res, err := r.db.ExecContext(ctx, q, status, status.Rank(), time.Now().UTC(), accountID, externalID, status.Rank())
	if err != nil {
		return false, fmt.Errorf("advance message status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance message status: %w", err)
	}
	return n > 0, nil
}

// -- Wallet --

func (r *SQLiteRepository) EnsureWallet(ctx context.Context, tenantID, currency string, lowBalanceThreshold int64) (*Wallet, error) {
	now := time.Now().UTC()
	const q = `
INSERT INTO wallets (tenant_id, balance, currency, low_balance_threshold, created_at, updated_at)
VALUES (?, 0, ?, ?, ?, ?)
ON CONFLICT (tenant_id) DO UPDATE SET
    low_balance_threshold = excluded.low_balance_threshold,
    updated_at = excluded.updated_at
RETURNING tenant_id, balance, currency, low_balance_threshold, created_at, updated_at;
`
	return scanWallet(r.db.QueryRowContext(ctx, q, tenantID, currency, lowBalanceThreshold, now, now))
}

func (r *SQLiteRepository) GetWallet(ctx context.Context, tenantID string) (*Wallet, error) {
	const q = `
SELECT tenant_id, balance, currency, low_balance_threshold, created_at, updated_at
FROM wallets
WHERE tenant_id = ?
LIMIT 1;
`
	w, err := scanWallet(r.db.QueryRowContext(ctx, q, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return w, nil
}

func (r *SQLiteRepository) DebitWallet(ctx context.Context, p DebitParams) (*WalletTransaction, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", p.Amount)
	}

	r.walletMu.Lock()
	defer r.walletMu.Unlock()

	var txn WalletTransaction
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var balance int64
		err := tx.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE tenant_id = ?;`, p.TenantID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		if balance < p.Amount {
			return ErrInsufficientBalance
		}

		if err := r.checkSpendLimitsTx(ctx, tx, p); err != nil {
			return err
		}

		newBalance := balance - p.Amount
		if _, err := tx.ExecContext(ctx, `UPDATE wallets SET balance = ?, updated_at = ? WHERE tenant_id = ?;`, newBalance, time.Now().UTC(), p.TenantID); err != nil {
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
			CreatedAt:    time.Now().UTC(),
		}
		return insertTransactionTx(ctx, tx, &txn)
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *SQLiteRepository) CreditWallet(ctx context.Context, p CreditParams) (*WalletTransaction, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", p.Amount)
	}

	r.walletMu.Lock()
	defer r.walletMu.Unlock()

	var txn WalletTransaction
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var balance int64
		err := tx.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE tenant_id = ?;`, p.TenantID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}

		newBalance := balance + p.Amount
		if _, err := tx.ExecContext(ctx, `UPDATE wallets SET balance = ?, updated_at = ? WHERE tenant_id = ?;`, newBalance, time.Now().UTC(), p.TenantID); err != nil {
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
			CreatedAt:    time.Now().UTC(),
		}
		return insertTransactionTx(ctx, tx, &txn)
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *SQLiteRepository) checkSpendLimitsTx(ctx context.Context, tx *sql.Tx, p DebitParams) error {
	var daily, monthly int64
	err := tx.QueryRowContext(ctx, `SELECT daily_limit, monthly_limit FROM spend_limits WHERE tenant_id = ? AND channel_type = ?;`, p.TenantID, p.ChannelType).Scan(&daily, &monthly)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load spend limit: %w", err)
	}

	now := time.Now()
	for _, check := range []struct {
		limit int64
		since time.Time
	}{
		{daily, DayStart(now)},
		{monthly, MonthStart(now)},
	} {
		if check.limit <= 0 {
			continue
		}
		var spent int64
		err := tx.QueryRowContext(ctx, `
SELECT COALESCE(SUM(amount), 0)
FROM wallet_transactions
WHERE tenant_id = ? AND channel_type = ? AND type = 'DEBIT' AND created_at >= ?;
`, p.TenantID, p.ChannelType, check.since).Scan(&spent)
		if err != nil {
			return fmt.Errorf("sum channel spend: %w", err)
		}
		if spent+p.Amount > check.limit {
			return ErrSpendLimitExceeded
		}
	}
	return nil
}

func (r *SQLiteRepository) SumSpendSince(ctx context.Context, tenantID string, channel model.ChannelType, since time.Time) (int64, error) {
	const q = `
SELECT COALESCE(SUM(amount), 0)
FROM wallet_transactions
WHERE tenant_id = ? AND channel_type = ? AND type = 'DEBIT' AND created_at >= ?;
`
	var spent int64
	if err := r.db.QueryRowContext(ctx, q, tenantID, channel, since).Scan(&spent); err != nil {
		return 0, fmt.Errorf("sum channel spend: %w", err)
	}
	return spent, nil
}

func insertTransactionTx(ctx context.Context, tx *sql.Tx, txn *WalletTransaction) error {
	const q = `
INSERT INTO wallet_transactions (id, tenant_id, type, amount, balance_after, channel_type, description, reference_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	if _, err := tx.ExecContext(ctx, q, txn.ID, txn.TenantID, txn.Type, txn.Amount, txn.BalanceAfter, txn.ChannelType, txn.Description, txn.ReferenceID, txn.CreatedAt); err != nil {
		return fmt.Errorf("insert wallet transaction: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListWalletTransactions(ctx context.Context, tenantID string, limit int) ([]WalletTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, tenant_id, type, amount, balance_after, channel_type, description, reference_id, created_at
FROM wallet_transactions
WHERE tenant_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, tenantID, limit)
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

func (r *SQLiteRepository) UpsertSpendLimit(ctx context.Context, limit SpendLimit) error {
	const q = `
INSERT INTO spend_limits (tenant_id, channel_type, daily_limit, monthly_limit, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (tenant_id, channel_type) DO UPDATE SET
    daily_limit = excluded.daily_limit,
    monthly_limit = excluded.monthly_limit,
    updated_at = excluded.updated_at;
`
	if _, err := r.db.ExecContext(ctx, q, limit.TenantID, limit.ChannelType, limit.DailyLimit, limit.MonthlyLimit, time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert spend limit: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetSpendLimit(ctx context.Context, tenantID string, channel model.ChannelType) (*SpendLimit, error) {
	const q = `
SELECT tenant_id, channel_type, daily_limit, monthly_limit, updated_at
FROM spend_limits
WHERE tenant_id = ? AND channel_type = ?
LIMIT 1;
`
	var l SpendLimit
	err := r.db.QueryRowContext(ctx, q, tenantID, channel).Scan(&l.TenantID, &l.ChannelType, &l.DailyLimit, &l.MonthlyLimit, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get spend limit: %w", err)
	}
	return &l, nil
}

// -- Conversations --

func (r *SQLiteRepository) FindOrCreateConversation(ctx context.Context, tenantID, accountID string, channel model.ChannelType, contact string) (*Conversation, bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
INSERT INTO conversations (id, tenant_id, account_id, channel_type, contact_identifier, status, priority, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 'NORMAL', ?, ?)
ON CONFLICT (account_id, contact_identifier) DO NOTHING;
`, uuid.NewString(), tenantID, accountID, channel, contact, ConversationOpen, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}

	convo, err := r.scanConversationWhere(ctx, `WHERE account_id = ? AND contact_identifier = ?`, accountID, contact)
	if err != nil {
		return nil, false, err
	}
	return convo, inserted > 0, nil
}

func (r *SQLiteRepository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return r.scanConversationWhere(ctx, `WHERE id = ?`, id)
}

func (r *SQLiteRepository) scanConversationWhere(ctx context.Context, where string, args ...any) (*Conversation, error) {
	q := `
SELECT id, tenant_id, account_id, channel_type, contact_identifier, status, priority, assigned_to_id, assigned_to_team_id, created_at, updated_at
FROM conversations ` + where + ` LIMIT 1;`
	var convo Conversation
	err := r.db.QueryRowContext(ctx, q, args...).Scan(
		&convo.ID, &convo.TenantID, &convo.AccountID, &convo.ChannelType, &convo.ContactIdentifier,
		&convo.Status, &convo.Priority, &convo.AssignedToID, &convo.AssignedToTeamID,
		&convo.CreatedAt, &convo.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &convo, nil
}

func (r *SQLiteRepository) AssignConversation(ctx context.Context, conversationID string, userID, teamID *string) error {
	const q = `
UPDATE conversations
SET assigned_to_id = ?, assigned_to_team_id = ?, updated_at = ?
WHERE id = ?;
`
	res, err := r.db.ExecContext(ctx, q, userID, teamID, time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("assign conversation: %w", err)
	}
	return requireRowsAffected(res)
}

func (r *SQLiteRepository) CountActiveConversations(ctx context.Context, tenantID string, userIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(userIDs))
	if len(userIDs) == 0 {
		return counts, nil
	}

	placeholders := strings.Repeat("?,", len(userIDs))
	placeholders = placeholders[:len(placeholders)-1]
	q := fmt.Sprintf(`
SELECT assigned_to_id, COUNT(*)
FROM conversations
WHERE tenant_id = ? AND assigned_to_id IN (%s) AND status IN ('OPEN', 'PENDING')
GROUP BY assigned_to_id;
`, placeholders)

	args := make([]any, 0, len(userIDs)+1)
	args = append(args, tenantID)
	for _, id := range userIDs {
		args = append(args, id)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("count active conversations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		var n int
		if err := rows.Scan(&userID, &n); err != nil {
			return nil, fmt.Errorf("scan conversation count: %w", err)
		}
		counts[userID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation counts: %w", err)
	}
	return counts, nil
}

// -- Assignment rules and agents --

func (r *SQLiteRepository) CreateAssignmentRule(ctx context.Context, rule AssignmentRule) (*AssignmentRule, error) {
	conditions, err := toJSON(rule.Conditions)
	if err != nil {
		return nil, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	const q = `
INSERT INTO assignment_rules (id, tenant_id, name, priority, active, conditions, target_type, target_user_id, target_team_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err = r.db.ExecContext(ctx, q,
		rule.ID, rule.TenantID, rule.Name, rule.Priority, rule.Active,
		string(conditions), rule.TargetType, rule.TargetUserID, rule.TargetTeamID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create assignment rule: %w", err)
	}
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.LastAssignedIndex = -1
	return &rule, nil
}

func (r *SQLiteRepository) ListActiveAssignmentRules(ctx context.Context, tenantID string) ([]AssignmentRule, error) {
	const q = `
SELECT id, tenant_id, name, priority, active, conditions, target_type, target_user_id, target_team_id, matched_count, assigned_count, last_assigned_index, created_at, updated_at
FROM assignment_rules
WHERE tenant_id = ? AND active
ORDER BY priority DESC, created_at ASC, id ASC;
`
	rows, err := r.db.QueryContext(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list assignment rules: %w", err)
	}
	defer rows.Close()

	var rules []AssignmentRule
	for rows.Next() {
		var rule AssignmentRule
		var conditions []byte
		if err := rows.Scan(
			&rule.ID, &rule.TenantID, &rule.Name, &rule.Priority, &rule.Active,
			&conditions, &rule.TargetType, &rule.TargetUserID, &rule.TargetTeamID,
			&rule.MatchedCount, &rule.AssignedCount, &rule.LastAssignedIndex,
			&rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan assignment rule: %w", err)
		}
		if err := fromJSON(conditions, &rule.Conditions); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignment rules: %w", err)
	}
	return rules, nil
}

func (r *SQLiteRepository) IncrementRuleMatched(ctx context.Context, ruleID string) error {
	return r.incrementRuleCounter(ctx, ruleID, "matched_count")
}

func (r *SQLiteRepository) IncrementRuleAssigned(ctx context.Context, ruleID string) error {
	return r.incrementRuleCounter(ctx, ruleID, "assigned_count")
}

func (r *SQLiteRepository) incrementRuleCounter(ctx context.Context, ruleID, column string) error {
	q := fmt.Sprintf(`UPDATE assignment_rules SET %s = %s + 1, updated_at = ? WHERE id = ?;`, column, column)
	res, err := r.db.ExecContext(ctx, q, time.Now().UTC(), ruleID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	return requireRowsAffected(res)
}

func (r *SQLiteRepository) AdvanceRoundRobinCursor(ctx context.Context, ruleID string, modulo int) (int, error) {
	if modulo <= 0 {
		return 0, fmt.Errorf("cursor modulo must be positive, got %d", modulo)
	}
	// Single-statement read-increment-write; SQLite serializes writers, so
	// concurrent advances of the same rule get distinct indices.
	const q = `
UPDATE assignment_rules
SET last_assigned_index = (last_assigned_index + 1) % ?, updated_at = ?
WHERE id = ?
RETURNING last_assigned_index;
`
	var idx int
	err := r.db.QueryRowContext(ctx, q, modulo, time.Now().UTC(), ruleID).Scan(&idx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("advance round robin cursor: %w", err)
	}
	return idx, nil
}

func (r *SQLiteRepository) UpsertTeamMember(ctx context.Context, member TeamMember) error {
	const q = `
INSERT INTO team_members (id, tenant_id, team_id, display_name, online, active, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    team_id = excluded.team_id,
    display_name = excluded.display_name,
    online = excluded.online,
    active = excluded.active;
`
	if _, err := r.db.ExecContext(ctx, q, member.ID, member.TenantID, member.TeamID, member.DisplayName, member.Online, member.Active, time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert team member: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetTeamMember(ctx context.Context, id string) (*TeamMember, error) {
	const q = `
SELECT id, tenant_id, team_id, display_name, online, active, created_at
FROM team_members
WHERE id = ?
LIMIT 1;
`
	var m TeamMember
	err := r.db.QueryRowContext(ctx, q, id).Scan(&m.ID, &m.TenantID, &m.TeamID, &m.DisplayName, &m.Online, &m.Active, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get team member: %w", err)
	}
	return &m, nil
}

func (r *SQLiteRepository) ListTeamMembers(ctx context.Context, teamID string) ([]TeamMember, error) {
	const q = `
SELECT id, tenant_id, team_id, display_name, online, active, created_at
FROM team_members
WHERE team_id = ?
ORDER BY created_at ASC, id ASC;
`
	rows, err := r.db.QueryContext(ctx, q, teamID)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	defer rows.Close()

	var members []TeamMember
	for rows.Next() {
		var m TeamMember
		if err := rows.Scan(&m.ID, &m.TenantID, &m.TeamID, &m.DisplayName, &m.Online, &m.Active, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate team members: %w", err)
	}
	return members, nil
}

// -- Helpers --

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
