package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryStatusApply(t *testing.T) {
	cases := []struct {
		name    string
		current DeliveryStatus
		next    DeliveryStatus
		want    DeliveryStatus
		applied bool
	}{
		{"forward", StatusSent, StatusDelivered, StatusDelivered, true},
		{"out of order", StatusRead, StatusDelivered, StatusRead, false},
		{"failed after read", StatusRead, StatusFailed, StatusRead, false},
		{"read after failed", StatusFailed, StatusRead, StatusFailed, false},
		{"failed from pending", StatusPending, StatusFailed, StatusFailed, true},
		{"unknown never wins", StatusSent, DeliveryStatus("bogus"), StatusSent, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, applied := tc.current.Apply(tc.next)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.applied, applied)
		})
	}
}
