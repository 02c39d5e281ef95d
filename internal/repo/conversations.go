package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"msghub/internal/model"
)

// FindOrCreateConversation resolves the thread for one contact on one channel
// account, creating an OPEN conversation when none exists. The second return
// value reports whether a new conversation was created.
func (r *PostgresRepository) FindOrCreateConversation(ctx context.Context, tenantID, accountID string, channel model.ChannelType, contact string) (*Conversation, bool, error) {
	const q = `
INSERT INTO conversations (id, tenant_id, account_id, channel_type, contact_identifier, status, priority)
VALUES ($1, $2, $3, $4, $5, $6, 'NORMAL')
ON CONFLICT (account_id, contact_identifier) DO UPDATE SET updated_at = NOW()
RETURNING id, tenant_id, account_id, channel_type, contact_identifier, status, priority, assigned_to_id, assigned_to_team_id, created_at, updated_at, (xmax = 0) AS inserted;
`
	var convo Conversation
	var created bool
	err := r.pool.QueryRow(ctx, q, uuid.NewString(), tenantID, accountID, channel, contact, ConversationOpen).Scan(
		&convo.ID, &convo.TenantID, &convo.AccountID, &convo.ChannelType, &convo.ContactIdentifier,
		&convo.Status, &convo.Priority, &convo.AssignedToID, &convo.AssignedToTeamID,
		&convo.CreatedAt, &convo.UpdatedAt, &created,
	)
	if err != nil {
		return nil, false, fmt.Errorf("find or create conversation: %w", err)
	}
	return &convo, created, nil
}

// GetConversation loads one conversation by id.
func (r *PostgresRepository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	const q = `
SELECT id, tenant_id, account_id, channel_type, contact_identifier, status, priority, assigned_to_id, assigned_to_team_id, created_at, updated_at
FROM conversations
WHERE id = $1;
`
	var convo Conversation
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&convo.ID, &convo.TenantID, &convo.AccountID, &convo.ChannelType, &convo.ContactIdentifier,
		&convo.Status, &convo.Priority, &convo.AssignedToID, &convo.AssignedToTeamID,
		&convo.CreatedAt, &convo.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &convo, nil
}

// AssignConversation persists the assignment decision.
func (r *PostgresRepository) AssignConversation(ctx context.Context, conversationID string, userID, teamID *string) error {
	const q = `
UPDATE conversations
SET assigned_to_id = $2, assigned_to_team_id = $3, updated_at = NOW()
WHERE id = $1;
`
	ct, err := r.pool.Exec(ctx, q, conversationID, userID, teamID)
	if err != nil {
		return fmt.Errorf("assign conversation: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActiveConversations counts OPEN/PENDING conversations per user. Users
// with no active conversations are absent from the result; callers treat a
// missing entry as zero.
func (r *PostgresRepository) CountActiveConversations(ctx context.Context, tenantID string, userIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(userIDs))
	if len(userIDs) == 0 {
		return counts, nil
	}
	const q = `
SELECT assigned_to_id, COUNT(*)
FROM conversations
WHERE tenant_id = $1 AND assigned_to_id = ANY($2) AND status IN ('OPEN', 'PENDING')
GROUP BY assigned_to_id;
`
	rows, err := r.pool.Query(ctx, q, tenantID, userIDs)
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
