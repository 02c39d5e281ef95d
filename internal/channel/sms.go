package channel

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"msghub/internal/model"
	"msghub/internal/ratelimit"
	"msghub/internal/repo"
)

// SMSAdapter speaks the form-encoded webhook dialect common to SMS gateways
// (MessageSid/MessageStatus fields). SMS is text only; templates render to
// plain text before they reach this adapter, so both operations share the
// message bucket.
type SMSAdapter struct {
	pipeline *Pipeline
	client   ProviderClient
	caps     model.CapabilitySet
}

func NewSMSAdapter(p *Pipeline, client ProviderClient) *SMSAdapter {
	return &SMSAdapter{
		pipeline: p,
		client:   client,
		caps:     model.NewCapabilitySet(model.CapText, model.CapDeliveryReceipts),
	}
}

func (a *SMSAdapter) ChannelType() model.ChannelType    { return model.ChannelSMS }
func (a *SMSAdapter) Capabilities() model.CapabilitySet { return a.caps }

func (a *SMSAdapter) SendMessage(ctx context.Context, acc repo.ChannelAccount, recipient string, content model.Content) (*SendResult, error) {
	if content.Text == "" {
		return nil, fmt.Errorf("sms requires text content")
	}
	msg := model.NewOutbound(acc.TenantID, acc.ID, model.ChannelSMS, model.ContentText, recipient, content)
	msg.Sender = acc.Identifier
	cost := a.pipeline.estimate(model.ChannelSMS, model.ContentText, 1)
	return a.pipeline.send(ctx, sendSpec{
		account:       acc,
		message:       msg,
		action:        ratelimit.ActionMessage,
		preflightCost: cost,
		upfrontCost:   cost,
		client:        a.client,
	})
}

func (a *SMSAdapter) SendTemplate(ctx context.Context, acc repo.ChannelAccount, recipient, templateID string, variables map[string]string) (*SendResult, error) {
	content := model.Content{TemplateID: templateID, Variables: variables}
	msg := model.NewOutbound(acc.TenantID, acc.ID, model.ChannelSMS, model.ContentTemplate, recipient, content)
	msg.Sender = acc.Identifier
	cost := a.pipeline.estimate(model.ChannelSMS, model.ContentTemplate, 1)
	return a.pipeline.send(ctx, sendSpec{
		account:       acc,
		message:       msg,
		action:        ratelimit.ActionMessage,
		preflightCost: cost,
		upfrontCost:   cost,
		client:        a.client,
	})
}

func (a *SMSAdapter) ParseInboundWebhook(payload []byte) (*model.NormalizedMessage, error) {
	form, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, fmt.Errorf("decode sms webhook: %w", err)
	}
	sid := form.Get("MessageSid")
	if sid == "" {
		return nil, fmt.Errorf("sms webhook missing MessageSid")
	}
	from := form.Get("From")
	if from == "" {
		return nil, fmt.Errorf("sms webhook missing From")
	}
	content := model.Content{Text: form.Get("Body")}
	return model.NewInbound("", model.ChannelSMS, sid, from, model.ContentText, content, time.Now().UTC()), nil
}

func (a *SMSAdapter) ParseStatusWebhook(payload []byte) (*model.StatusUpdate, error) {
	form, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, fmt.Errorf("decode sms webhook: %w", err)
	}
	sid := form.Get("MessageSid")
	if sid == "" {
		return nil, fmt.Errorf("sms webhook missing MessageSid")
	}
	status, err := smsDeliveryStatus(form.Get("MessageStatus"))
	if err != nil {
		return nil, err
	}
	return &model.StatusUpdate{
		ExternalID: sid,
		Status:     status,
		Timestamp:  time.Now().UTC(),
		Error:      form.Get("ErrorMessage"),
	}, nil
}

func (a *SMSAdapter) ValidateCredentials(ctx context.Context, acc repo.ChannelAccount) error {
	return a.client.ValidateCredentials(ctx, acc)
}

func (a *SMSAdapter) HealthStatus(ctx context.Context, acc repo.ChannelAccount) string {
	return a.pipeline.healthStatus(ctx, a, acc)
}

func (a *SMSAdapter) EstimateCost(contentType model.ContentType, units int) int64 {
	return a.pipeline.estimate(model.ChannelSMS, contentType, units)
}

func smsDeliveryStatus(s string) (model.DeliveryStatus, error) {
	switch s {
	case "queued", "accepted", "sending":
		return model.StatusPending, nil
	case "sent":
		return model.StatusSent, nil
	case "delivered":
		return model.StatusDelivered, nil
	case "read":
		return model.StatusRead, nil
	case "failed", "undelivered":
		return model.StatusFailed, nil
	default:
		return "", fmt.Errorf("unknown sms status %q", s)
	}
}
