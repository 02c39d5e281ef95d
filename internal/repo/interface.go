package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"msghub/internal/model"
)

// Sentinel errors shared by all repository implementations.
var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSpendLimitExceeded  = errors.New("spend limit exceeded")
)

// Repository defines the interface for data persistence. Both the Postgres
// and the SQLite implementation satisfy it.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Channel accounts
	UpsertChannelAccount(ctx context.Context, acc ChannelAccount) (*ChannelAccount, error)
	GetChannelAccount(ctx context.Context, id string) (*ChannelAccount, error)
	ListEnabledChannelAccounts(ctx context.Context) ([]ChannelAccount, error)
	UpdateChannelAccountHealth(ctx context.Context, id, status string) error
	DisableChannelAccount(ctx context.Context, id string) error

	// Messages
	InsertMessage(ctx context.Context, msg MessageRecord) error
	GetMessage(ctx context.Context, id string) (*MessageRecord, error)
	GetMessageByExternalID(ctx context.Context, accountID, externalID string) (*MessageRecord, error)
	AcknowledgeMessage(ctx context.Context, id, externalID string) error
	AdvanceMessageStatus(ctx context.Context, accountID, externalID string, status model.DeliveryStatus) (bool, error)

	// Wallet
	EnsureWallet(ctx context.Context, tenantID, currency string, lowBalanceThreshold int64) (*Wallet, error)
	GetWallet(ctx context.Context, tenantID string) (*Wallet, error)
	DebitWallet(ctx context.Context, p DebitParams) (*WalletTransaction, error)
	CreditWallet(ctx context.Context, p CreditParams) (*WalletTransaction, error)
	ListWalletTransactions(ctx context.Context, tenantID string, limit int) ([]WalletTransaction, error)
	UpsertSpendLimit(ctx context.Context, limit SpendLimit) error
	GetSpendLimit(ctx context.Context, tenantID string, channel model.ChannelType) (*SpendLimit, error)
	SumSpendSince(ctx context.Context, tenantID string, channel model.ChannelType, since time.Time) (int64, error)

	// Conversations
	FindOrCreateConversation(ctx context.Context, tenantID, accountID string, channel model.ChannelType, contact string) (*Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	AssignConversation(ctx context.Context, conversationID string, userID, teamID *string) error
	CountActiveConversations(ctx context.Context, tenantID string, userIDs []string) (map[string]int, error)

	// Assignment rules and agents
	CreateAssignmentRule(ctx context.Context, rule AssignmentRule) (*AssignmentRule, error)
	ListActiveAssignmentRules(ctx context.Context, tenantID string) ([]AssignmentRule, error)
	IncrementRuleMatched(ctx context.Context, ruleID string) error
	IncrementRuleAssigned(ctx context.Context, ruleID string) error
	AdvanceRoundRobinCursor(ctx context.Context, ruleID string, modulo int) (int, error)
	UpsertTeamMember(ctx context.Context, member TeamMember) error
	GetTeamMember(ctx context.Context, id string) (*TeamMember, error)
	ListTeamMembers(ctx context.Context, teamID string) ([]TeamMember, error)
}

// DayStart returns the UTC start of the day containing t. Daily spend windows
// are calendar days in UTC.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthStart returns the UTC start of the month containing t.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
