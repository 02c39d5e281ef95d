package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"msghub/internal/model"
)

// InsertMessage persists one normalized message.
func (r *PostgresRepository) InsertMessage(ctx context.Context, msg MessageRecord) error {
	content, err := toJSON(msg.Content)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO messages (id, external_id, tenant_id, account_id, conversation_id, channel_type, direction, content_type, sender, recipient, content, status, status_rank, cost)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
`
	_, err = r.pool.Exec(ctx, q,
		msg.ID,
		msg.ExternalID,
		msg.TenantID,
		msg.AccountID,
		msg.ConversationID,
		msg.ChannelType,
		msg.Direction,
		msg.ContentType,
		msg.Sender,
		msg.Recipient,
		content,
		msg.Status,
		msg.Status.Rank(),
		msg.Cost,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessage loads one message by id.
func (r *PostgresRepository) GetMessage(ctx context.Context, id string) (*MessageRecord, error) {
	return r.getMessage(ctx, `WHERE id = $1`, id)
}

// GetMessageByExternalID resolves a provider message id within one account.
func (r *PostgresRepository) GetMessageByExternalID(ctx context.Context, accountID, externalID string) (*MessageRecord, error) {
	return r.getMessage(ctx, `WHERE account_id = $1 AND external_id = $2`, accountID, externalID)
}

func (r *PostgresRepository) getMessage(ctx context.Context, where string, args ...any) (*MessageRecord, error) {
	q := `
SELECT id, external_id, tenant_id, account_id, conversation_id, channel_type, direction, content_type, sender, recipient, content, status, cost, created_at, updated_at
FROM messages ` + where + ` LIMIT 1;`
	row := r.pool.QueryRow(ctx, q, args...)

	var msg MessageRecord
	var content []byte
	err := row.Scan(&msg.ID, &msg.ExternalID, &msg.TenantID, &msg.AccountID, &msg.ConversationID, &msg.ChannelType, &msg.Direction, &msg.ContentType, &msg.Sender, &msg.Recipient, &content, &msg.Status, &msg.Cost, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	if err := fromJSON(content, &msg.Content); err != nil {
		return nil, err
	}
	return &msg, nil
}

// AcknowledgeMessage records the provider message id exactly once. A message
// already acknowledged keeps its original external id.
func (r *PostgresRepository) AcknowledgeMessage(ctx context.Context, id, externalID string) error {
	const q = `
UPDATE messages
SET external_id = $2, updated_at = NOW()
WHERE id = $1 AND external_id IS NULL;
`
	if _, err := r.pool.Exec(ctx, q, id, externalID); err != nil {
		return fmt.Errorf("acknowledge message: %w", err)
	}
	return nil
}

// AdvanceMessageStatus applies a delivery status transition, honoring the
// monotonic ordering: a lower-ranked status never overwrites a higher-ranked
// one, and terminal states (READ, FAILED) absorb every later receipt.
// Returns whether the transition was applied.
func (r *PostgresRepository) AdvanceMessageStatus(ctx context.Context, accountID, externalID string, status model.DeliveryStatus) (bool, error) {
	const q = `
UPDATE messages
SET status = $3, status_rank = $4, updated_at = NOW()
WHERE account_id = $1 AND external_id = $2 AND status_rank < $4
  AND status NOT IN ('READ', 'FAILED');
`
	ct, err := r.pool.Exec(ctx, q, accountID, externalID, status, status.Rank())
	if err != nil {
		return false, fmt.Errorf("advance message status: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}
