package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"msghub/internal/model"
	"msghub/internal/ratelimit"
	"msghub/internal/repo"
)

// EmailAdapter speaks a transactional-email event webhook dialect: status
// callbacks arrive as a JSON array of events keyed by message id, inbound
// mail as a single parsed JSON document.
type EmailAdapter struct {
	pipeline *Pipeline
	client   ProviderClient
	caps     model.CapabilitySet
}

func NewEmailAdapter(p *Pipeline, client ProviderClient) *EmailAdapter {
	return &EmailAdapter{
		pipeline: p,
		client:   client,
		caps: model.NewCapabilitySet(
			model.CapText, model.CapRichText, model.CapImages,
			model.CapDocuments, model.CapTemplates, model.CapReplies,
		),
	}
}

func (a *EmailAdapter) ChannelType() model.ChannelType    { return model.ChannelEmail }
func (a *EmailAdapter) Capabilities() model.CapabilitySet { return a.caps }

func (a *EmailAdapter) SendMessage(ctx context.Context, acc repo.ChannelAccount, recipient string, content model.Content) (*SendResult, error) {
	if content.Subject == "" {
		return nil, fmt.Errorf("email requires a subject")
	}
	msg := model.NewOutbound(acc.TenantID, acc.ID, model.ChannelEmail, model.ContentText, recipient, content)
	msg.Sender = acc.Identifier
	cost := a.pipeline.estimate(model.ChannelEmail, model.ContentText, 1)
	return a.pipeline.send(ctx, sendSpec{
		account:       acc,
		message:       msg,
		action:        ratelimit.ActionMessage,
		preflightCost: cost,
		upfrontCost:   cost,
		client:        a.client,
	})
}

func (a *EmailAdapter) SendTemplate(ctx context.Context, acc repo.ChannelAccount, recipient, templateID string, variables map[string]string) (*SendResult, error) {
	content := model.Content{TemplateID: templateID, Variables: variables}
	msg := model.NewOutbound(acc.TenantID, acc.ID, model.ChannelEmail, model.ContentTemplate, recipient, content)
	msg.Sender = acc.Identifier
	cost := a.pipeline.estimate(model.ChannelEmail, model.ContentTemplate, 1)
	return a.pipeline.send(ctx, sendSpec{
		account:       acc,
		message:       msg,
		action:        ratelimit.ActionTemplate,
		preflightCost: cost,
		upfrontCost:   cost,
		client:        a.client,
	})
}

// emailInbound is the parsed form of an inbound mail webhook.
type emailInbound struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Subject   string `json:"subject"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// emailEvent is one entry of a status event batch.
type emailEvent struct {
	MessageID string `json:"message_id"`
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason"`
}

func (a *EmailAdapter) ParseInboundWebhook(payload []byte) (*model.NormalizedMessage, error) {
	var in emailInbound
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("decode email webhook: %w", err)
	}
	if in.MessageID == "" {
		return nil, fmt.Errorf("email webhook missing message_id")
	}
	if in.From == "" {
		return nil, fmt.Errorf("email webhook missing from")
	}
	content := model.Content{Subject: in.Subject, Text: in.Text}
	return model.NewInbound("", model.ChannelEmail, in.MessageID, in.From, model.ContentText, content, unixTime(in.Timestamp)), nil
}

// ParseStatusWebhook takes the first recognized event of the batch. Events
// with no delivery-state meaning (clicks, spam reports) are skipped; an
// "open" counts as the email equivalent of a read receipt.
func (a *EmailAdapter) ParseStatusWebhook(payload []byte) (*model.StatusUpdate, error) {
	var events []emailEvent
	if err := json.Unmarshal(payload, &events); err != nil {
		return nil, fmt.Errorf("decode email webhook: %w", err)
	}
	for _, ev := range events {
		status, ok := emailDeliveryStatus(ev.Event)
		if !ok {
			continue
		}
		if ev.MessageID == "" {
			return nil, fmt.Errorf("email event missing message_id")
		}
		return &model.StatusUpdate{
			ExternalID: ev.MessageID,
			Status:     status,
			Timestamp:  unixTime(ev.Timestamp),
			Error:      ev.Reason,
		}, nil
	}
	return nil, fmt.Errorf("email webhook carries no delivery event")
}

func (a *EmailAdapter) ValidateCredentials(ctx context.Context, acc repo.ChannelAccount) error {
	return a.client.ValidateCredentials(ctx, acc)
}

func (a *EmailAdapter) HealthStatus(ctx context.Context, acc repo.ChannelAccount) string {
	return a.pipeline.healthStatus(ctx, a, acc)
}

func (a *EmailAdapter) EstimateCost(contentType model.ContentType, units int) int64 {
	return a.pipeline.estimate(model.ChannelEmail, contentType, units)
}

func emailDeliveryStatus(event string) (model.DeliveryStatus, bool) {
	switch event {
	case "processed", "deferred":
		return model.StatusPending, true
	case "sent":
		return model.StatusSent, true
	case "delivered":
		return model.StatusDelivered, true
	case "open":
		return model.StatusRead, true
	case "bounce", "dropped", "blocked":
		return model.StatusFailed, true
	default:
		return "", false
	}
}

func unixTime(secs int64) time.Time {
	if secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
