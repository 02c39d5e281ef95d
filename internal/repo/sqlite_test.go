package repo

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msghub/internal/model"
	"msghub/migrations"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(repo.Close)

	require.NoError(t, repo.RunMigrations(ctx, migrations.Files))
	return repo
}

func seedAccount(t *testing.T, repo *SQLiteRepository, tenantID string, channel model.ChannelType) *ChannelAccount {
	t.Helper()
	acc, err := repo.UpsertChannelAccount(context.Background(), ChannelAccount{
		TenantID:    tenantID,
		ChannelType: channel,
		Identifier:  "acct-" + uuid.NewString()[:8],
		Credentials: map[string]string{"api_key": "test"},
		Enabled:     true,
	})
	require.NoError(t, err)
	return acc
}

func TestDebitWalletRejectsInsufficientBalance(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.EnsureWallet(ctx, "t1", "INR", 0)
	require.NoError(t, err)
	_, err = repo.CreditWallet(ctx, CreditParams{TenantID: "t1", Amount: 100, Description: "topup"})
	require.NoError(t, err)

	_, err = repo.DebitWallet(ctx, DebitParams{TenantID: "t1", Amount: 150, ChannelType: model.ChannelSMS})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// The failed debit must not have touched the balance.
	w, err := repo.GetWallet(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.Balance)
}

func TestDebitWalletConcurrentNeverOverdraws(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.EnsureWallet(ctx, "t1", "INR", 0)
	require.NoError(t, err)
	_, err = repo.CreditWallet(ctx, CreditParams{TenantID: "t1", Amount: 500, Description: "topup"})
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.DebitWallet(ctx, DebitParams{TenantID: "t1", Amount: 50, ChannelType: model.ChannelWhatsApp})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, refused int
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, ErrInsufficientBalance)
			refused++
		}
	}
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 10, refused)

	w, err := repo.GetWallet(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Balance)
}

func TestDebitWalletEnforcesDailyLimit(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.EnsureWallet(ctx, "t1", "INR", 0)
	require.NoError(t, err)
	_, err = repo.CreditWallet(ctx, CreditParams{TenantID: "t1", Amount: 10_000, Description: "topup"})
	require.NoError(t, err)

	require.NoError(t, repo.UpsertSpendLimit(ctx, SpendLimit{
		TenantID:    "t1",
		ChannelType: model.ChannelVoice,
		DailyLimit:  100,
	}))

	_, err = repo.DebitWallet(ctx, DebitParams{TenantID: "t1", Amount: 80, ChannelType: model.ChannelVoice})
	require.NoError(t, err)

	_, err = repo.DebitWallet(ctx, DebitParams{TenantID: "t1", Amount: 30, ChannelType: model.ChannelVoice})
	require.ErrorIs(t, err, ErrSpendLimitExceeded)

	// Limits are per channel; other channels keep spending.
	_, err = repo.DebitWallet(ctx, DebitParams{TenantID: "t1", Amount: 30, ChannelType: model.ChannelSMS})
	require.NoError(t, err)
}

func TestWalletLedgerRecordsBalanceAfter(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.EnsureWallet(ctx, "t1", "INR", 0)
	require.NoError(t, err)

	_, err = repo.CreditWallet(ctx, CreditParams{TenantID: "t1", Amount: 300, Description: "topup"})
	require.NoError(t, err)
	txn, err := repo.DebitWallet(ctx, DebitParams{TenantID: "t1", Amount: 120, ChannelType: model.ChannelEmail, ReferenceID: "msg-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(180), txn.BalanceAfter)

	txns, err := repo.ListWalletTransactions(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	// Newest first.
	assert.Equal(t, TxnDebit, txns[0].Type)
	assert.Equal(t, "msg-1", txns[0].ReferenceID)
	assert.Equal(t, int64(180), txns[0].BalanceAfter)
	assert.Equal(t, TxnCredit, txns[1].Type)
	assert.Equal(t, int64(300), txns[1].BalanceAfter)
}

func TestAdvanceMessageStatusIsMonotonic(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	acc := seedAccount(t, repo, "t1", model.ChannelWhatsApp)

	extID := "wamid.1"
	require.NoError(t, repo.InsertMessage(ctx, MessageRecord{
		ID:          uuid.NewString(),
		ExternalID:  &extID,
		TenantID:    "t1",
		AccountID:   acc.ID,
		ChannelType: model.ChannelWhatsApp,
		Direction:   model.DirectionOutbound,
		ContentType: model.ContentText,
		Sender:      "+1000",
		Recipient:   "+2000",
		Content:     model.Content{Text: "hi"},
		Status:      model.StatusSent,
	}))

	applied, err := repo.AdvanceMessageStatus(ctx, acc.ID, extID, model.StatusRead)
	require.NoError(t, err)
	assert.True(t, applied)

	// A late DELIVERED must not regress a READ message.
	applied, err = repo.AdvanceMessageStatus(ctx, acc.ID, extID, model.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, applied)

	// READ is terminal: even the higher-ranked FAILED cannot overwrite it.
	applied, err = repo.AdvanceMessageStatus(ctx, acc.ID, extID, model.StatusFailed)
	require.NoError(t, err)
	assert.False(t, applied)

	msg, err := repo.GetMessageByExternalID(ctx, acc.ID, extID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, msg.Status)
}

func TestAcknowledgeMessageIsWriteOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	acc := seedAccount(t, repo, "t1", model.ChannelSMS)

	id := uuid.NewString()
	require.NoError(t, repo.InsertMessage(ctx, MessageRecord{
		ID:          id,
		TenantID:    "t1",
		AccountID:   acc.ID,
		ChannelType: model.ChannelSMS,
		Direction:   model.DirectionOutbound,
		ContentType: model.ContentText,
		Sender:      "+1000",
		Recipient:   "+2000",
		Content:     model.Content{Text: "hi"},
		Status:      model.StatusPending,
	}))

	require.NoError(t, repo.AcknowledgeMessage(ctx, id, "SM1"))
	require.NoError(t, repo.AcknowledgeMessage(ctx, id, "SM2"))

	msg, err := repo.GetMessage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, msg.ExternalID)
	assert.Equal(t, "SM1", *msg.ExternalID)
}

func TestFindOrCreateConversationIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	acc := seedAccount(t, repo, "t1", model.ChannelWhatsApp)

	first, created, err := repo.FindOrCreateConversation(ctx, "t1", acc.ID, model.ChannelWhatsApp, "+5511999")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := repo.FindOrCreateConversation(ctx, "t1", acc.ID, model.ChannelWhatsApp, "+5511999")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// A different contact on the same account opens a new thread.
	third, created, err := repo.FindOrCreateConversation(ctx, "t1", acc.ID, model.ChannelWhatsApp, "+5511888")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestCountActiveConversationsSkipsClosed(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	acc := seedAccount(t, repo, "t1", model.ChannelEmail)

	userA, userB := "agent-a", "agent-b"
	for i, contact := range []string{"c1", "c2", "c3"} {
		convo, _, err := repo.FindOrCreateConversation(ctx, "t1", acc.ID, model.ChannelEmail, contact)
		require.NoError(t, err)
		assignee := userA
		if i == 2 {
			assignee = userB
		}
		require.NoError(t, repo.AssignConversation(ctx, convo.ID, &assignee, nil))
	}

	counts, err := repo.CountActiveConversations(ctx, "t1", []string{userA, userB, "agent-c"})
	require.NoError(t, err)
	assert.Equal(t, 2, counts[userA])
	assert.Equal(t, 1, counts[userB])
	assert.Equal(t, 0, counts["agent-c"])
}

func TestAdvanceRoundRobinCursorCycles(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rule, err := repo.CreateAssignmentRule(ctx, AssignmentRule{
		TenantID:   "t1",
		Name:       "support rotation",
		Priority:   10,
		Active:     true,
		TargetType: TargetRoundRobin,
	})
	require.NoError(t, err)
	assert.Equal(t, -1, rule.LastAssignedIndex)

	var got []int
	for i := 0; i < 7; i++ {
		idx, err := repo.AdvanceRoundRobinCursor(ctx, rule.ID, 3)
		require.NoError(t, err)
		got = append(got, idx)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0}, got)
}

func TestListActiveAssignmentRulesOrdersByPriority(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	low, err := repo.CreateAssignmentRule(ctx, AssignmentRule{TenantID: "t1", Name: "fallback", Priority: 1, Active: true, TargetType: TargetLeastBusy})
	require.NoError(t, err)
	high, err := repo.CreateAssignmentRule(ctx, AssignmentRule{TenantID: "t1", Name: "vip", Priority: 100, Active: true, TargetType: TargetUser})
	require.NoError(t, err)
	_, err = repo.CreateAssignmentRule(ctx, AssignmentRule{TenantID: "t1", Name: "disabled", Priority: 200, Active: false, TargetType: TargetTeam})
	require.NoError(t, err)

	rules, err := repo.ListActiveAssignmentRules(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, high.ID, rules[0].ID)
	assert.Equal(t, low.ID, rules[1].ID)
}

func TestUpsertChannelAccountUpdatesInPlace(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	acc, err := repo.UpsertChannelAccount(ctx, ChannelAccount{
		TenantID:    "t1",
		ChannelType: model.ChannelSMS,
		Identifier:  "+15550001",
		Credentials: map[string]string{"api_key": "old"},
		Enabled:     true,
	})
	require.NoError(t, err)

	updated, err := repo.UpsertChannelAccount(ctx, ChannelAccount{
		TenantID:    "t1",
		ChannelType: model.ChannelSMS,
		Identifier:  "+15550001",
		Credentials: map[string]string{"api_key": "new"},
		Enabled:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, acc.ID, updated.ID)
	assert.Equal(t, "new", updated.Credentials["api_key"])

	require.NoError(t, repo.UpdateChannelAccountHealth(ctx, acc.ID, HealthDegraded))
	got, err := repo.GetChannelAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, HealthDegraded, got.HealthStatus)

	require.NoError(t, repo.DisableChannelAccount(ctx, acc.ID))
	enabled, err := repo.ListEnabledChannelAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, enabled)
}
