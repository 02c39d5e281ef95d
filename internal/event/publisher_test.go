package event

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"msghub/internal/model"
)

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "message.sent", RoutingKey(model.EventMessageSent))
	assert.Equal(t, "wallet.low.balance", RoutingKey(model.EventWalletLowBalance))
	assert.Equal(t, "conversation.assigned", RoutingKey(model.EventConvoAssigned))
	assert.Equal(t, "call.ended", RoutingKey(model.EventCallEnded))
}
