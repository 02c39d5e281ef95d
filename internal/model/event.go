package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a domain event emitted by the messaging pipeline.
type EventType string

const (
	EventMessageSent      EventType = "MESSAGE_SENT"
	EventMessageDelivered EventType = "MESSAGE_DELIVERED"
	EventMessageRead      EventType = "MESSAGE_READ"
	EventMessageFailed    EventType = "MESSAGE_FAILED"
	EventMessageReceived  EventType = "MESSAGE_RECEIVED"
	EventCallStarted      EventType = "CALL_STARTED"
	EventCallEnded        EventType = "CALL_ENDED"
	EventWalletDebited    EventType = "WALLET_DEBITED"
	EventWalletCredited   EventType = "WALLET_CREDITED"
	EventWalletLowBalance EventType = "WALLET_LOW_BALANCE"
	EventConvoAssigned    EventType = "CONVERSATION_ASSIGNED"
)

// Event is a domain event produced by business logic. Operations return the
// events they caused alongside their result; the outer layer decides where
// they go (bus, log, nowhere in tests).
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	TenantID   string         `json:"tenant_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(t EventType, tenantID string, payload map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}
