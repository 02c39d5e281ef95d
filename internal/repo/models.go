package repo

import (
	"time"

	"msghub/internal/model"
)

// ChannelAccount binds a tenant to one provider account on one channel.
// Identity is immutable once created; credentials and health status change
// over the account's lifetime.
type ChannelAccount struct {
	ID           string
	TenantID     string
	ChannelType  model.ChannelType
	Identifier   string
	Credentials  map[string]string
	Enabled      bool
	HealthStatus string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Health status values for channel accounts.
const (
	HealthHealthy      = "healthy"
	HealthDegraded     = "degraded"
	HealthDisconnected = "disconnected"
)

// MessageRecord is the persisted form of a normalized message.
type MessageRecord struct {
	ID             string
	ExternalID     *string
	TenantID       string
	AccountID      string
	ConversationID *string
	ChannelType    model.ChannelType
	Direction      model.Direction
	ContentType    model.ContentType
	Sender         string
	Recipient      string
	Content        model.Content
	Status         model.DeliveryStatus
	Cost           int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Conversation is an inbound thread with one contact on one channel account.
type Conversation struct {
	ID                string
	TenantID          string
	AccountID         string
	ChannelType       model.ChannelType
	ContactIdentifier string
	Status            string
	Priority          string
	AssignedToID      *string
	AssignedToTeamID  *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Conversation status values.
const (
	ConversationOpen     = "OPEN"
	ConversationPending  = "PENDING"
	ConversationResolved = "RESOLVED"
	ConversationClosed   = "CLOSED"
)

// Wallet is a tenant's prepaid balance in minor currency units.
type Wallet struct {
	TenantID            string
	Balance             int64
	Currency            string
	LowBalanceThreshold int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Transaction types for the wallet ledger.
const (
	TxnCredit = "CREDIT"
	TxnDebit  = "DEBIT"
)

// WalletTransaction is one immutable ledger entry. BalanceAfter snapshots the
// wallet balance after the entry was applied, for auditability.
type WalletTransaction struct {
	ID           string
	TenantID     string
	Type         string
	Amount       int64
	BalanceAfter int64
	ChannelType  model.ChannelType
	Description  string
	ReferenceID  string
	CreatedAt    time.Time
}

// SpendLimit caps a tenant's spend per channel. Zero means uncapped.
type SpendLimit struct {
	TenantID     string
	ChannelType  model.ChannelType
	DailyLimit   int64
	MonthlyLimit int64
	UpdatedAt    time.Time
}

// Assignment target types.
const (
	TargetUser       = "USER"
	TargetTeam       = "TEAM"
	TargetRoundRobin = "ROUND_ROBIN"
	TargetLeastBusy  = "LEAST_BUSY"
)

// RuleConditions are the optional sub-conditions of an assignment rule. A nil
// field is always satisfied.
type RuleConditions struct {
	Channel       *model.ChannelType `json:"channel,omitempty"`
	Priority      *string            `json:"priority,omitempty"`
	Keywords      []string           `json:"keywords,omitempty"`
	BusinessHours *bool              `json:"business_hours,omitempty"`
}

// AssignmentRule routes inbound conversations to an assignee. Rules are
// evaluated in descending priority; ties break on creation order.
type AssignmentRule struct {
	ID                string
	TenantID          string
	Name              string
	Priority          int
	Active            bool
	Conditions        RuleConditions
	TargetType        string
	TargetUserID      *string
	TargetTeamID      *string
	MatchedCount      int64
	AssignedCount     int64
	LastAssignedIndex int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TeamMember is a human agent eligible for assignment.
type TeamMember struct {
	ID          string
	TenantID    string
	TeamID      string
	DisplayName string
	Online      bool
	Active      bool
	CreatedAt   time.Time
}

// DebitParams describe one atomic wallet debit.
type DebitParams struct {
	TenantID    string
	Amount      int64
	ChannelType model.ChannelType
	Description string
	ReferenceID string
}

// CreditParams describe one wallet top-up.
type CreditParams struct {
	TenantID    string
	Amount      int64
	Description string
	ReferenceID string
}
