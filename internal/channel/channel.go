// Package channel implements the outbound send pipeline and the provider
// webhook normalizers for the four supported channel families. All adapters
// share one admission sequence: rate limit check, balance check, provider
// call, then usage recording. Usage is only recorded after a successful
// provider acknowledgement; a failed or timed-out send consumes neither rate
// budget nor wallet balance.
package channel

import (
	"context"

	"msghub/internal/model"
	"msghub/internal/repo"
)

// ProviderRequest carries one outbound message to a provider client.
type ProviderRequest struct {
	Account repo.ChannelAccount
	Message *model.NormalizedMessage
}

// ProviderAck is a provider's acceptance of an outbound request. ExternalID
// is the provider-side message (or call) id used to correlate later webhooks.
type ProviderAck struct {
	ExternalID string
}

// ProviderClient performs the actual vendor API calls for one channel
// family. Implementations return *model.Failure for expected provider
// errors so the pipeline can classify them; any other error is treated as
// PROVIDER_REJECTED.
type ProviderClient interface {
	Send(ctx context.Context, req ProviderRequest) (*ProviderAck, error)
	ValidateCredentials(ctx context.Context, acc repo.ChannelAccount) error
}

// SendResult is the outcome of a send attempt. Expected failures are carried
// as a value on Failure, not as an error: the error return of the send
// operations is reserved for unexpected infrastructure problems.
type SendResult struct {
	Success    bool
	MessageID  string
	ExternalID string
	Cost       int64
	Failure    *model.Failure
	Events     []model.Event
}

// Adapter is the uniform surface of one channel family.
type Adapter interface {
	ChannelType() model.ChannelType
	Capabilities() model.CapabilitySet

	SendMessage(ctx context.Context, acc repo.ChannelAccount, recipient string, content model.Content) (*SendResult, error)
	SendTemplate(ctx context.Context, acc repo.ChannelAccount, recipient, templateID string, variables map[string]string) (*SendResult, error)

	ParseInboundWebhook(payload []byte) (*model.NormalizedMessage, error)
	ParseStatusWebhook(payload []byte) (*model.StatusUpdate, error)

	ValidateCredentials(ctx context.Context, acc repo.ChannelAccount) error
	HealthStatus(ctx context.Context, acc repo.ChannelAccount) string
	EstimateCost(contentType model.ContentType, units int) int64
}

// Registry holds the fixed set of adapters keyed by channel type.
type Registry map[model.ChannelType]Adapter

// NewRegistry indexes adapters by their channel type.
func NewRegistry(adapters ...Adapter) Registry {
	reg := make(Registry, len(adapters))
	for _, a := range adapters {
		reg[a.ChannelType()] = a
	}
	return reg
}

// For returns the adapter for a channel type.
func (r Registry) For(channel model.ChannelType) (Adapter, bool) {
	a, ok := r[channel]
	return a, ok
}
