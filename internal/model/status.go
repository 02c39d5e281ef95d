package model

import "time"

// DeliveryStatus is the canonical delivery state of a message.
//
// The happy path is PENDING -> SENT -> DELIVERED -> READ. FAILED is terminal
// and reachable from any non-terminal state. Providers deliver receipts
// at-least-once and out of order, so transitions are monotonic: a status only
// ever moves to a higher-ranked one.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "PENDING"
	StatusSent      DeliveryStatus = "SENT"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusRead      DeliveryStatus = "READ"
	StatusFailed    DeliveryStatus = "FAILED"
)

var statusRank = map[DeliveryStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
	StatusFailed:    4,
}

// Rank returns the ordering rank of the status. Unknown statuses rank below
// PENDING so they can never overwrite a real state.
func (s DeliveryStatus) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Terminal reports whether no further transitions are possible.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusRead || s == StatusFailed
}

// Apply resolves an incoming status against the current one and returns the
// winner. Out-of-order receipts (e.g. "read" before "delivered") keep the
// higher-ranked state; a lower-ranked receipt never regresses the status, and
// a terminal state absorbs everything, so a stray "failed" receipt cannot
// overwrite READ.
func (s DeliveryStatus) Apply(next DeliveryStatus) (DeliveryStatus, bool) {
	if s.Terminal() {
		return s, false
	}
	if next.Rank() > s.Rank() {
		return next, true
	}
	return s, false
}

// StatusUpdate is the normalized form of a provider status webhook.
type StatusUpdate struct {
	ExternalID string
	Status     DeliveryStatus
	Timestamp  time.Time
	Error      string
}
