package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"msghub/internal/model"
	"msghub/internal/ratelimit"
	"msghub/internal/repo"
)

// WhatsAppAdapter speaks the WhatsApp Business webhook format. Session
// messages and template messages draw from independent rate and cost
// buckets, matching the provider's session-vs-template quota split.
type WhatsAppAdapter struct {
	pipeline *Pipeline
	client   ProviderClient
	caps     model.CapabilitySet
}

func NewWhatsAppAdapter(p *Pipeline, client ProviderClient) *WhatsAppAdapter {
	return &WhatsAppAdapter{
		pipeline: p,
		client:   client,
		caps: model.NewCapabilitySet(
			model.CapText, model.CapImages, model.CapVideos, model.CapAudio,
			model.CapDocuments, model.CapTemplates, model.CapInteractive,
			model.CapVoiceMessage, model.CapReadReceipts, model.CapDeliveryReceipts,
			model.CapReactions, model.CapReplies,
		),
	}
}

func (a *WhatsAppAdapter) ChannelType() model.ChannelType    { return model.ChannelWhatsApp }
func (a *WhatsAppAdapter) Capabilities() model.CapabilitySet { return a.caps }

func (a *WhatsAppAdapter) SendMessage(ctx context.Context, acc repo.ChannelAccount, recipient string, content model.Content) (*SendResult, error) {
	contentType := contentTypeOf(content)
	msg := model.NewOutbound(acc.TenantID, acc.ID, model.ChannelWhatsApp, contentType, recipient, content)
	msg.Sender = acc.Identifier
	cost := a.pipeline.estimate(model.ChannelWhatsApp, contentType, 1)
	return a.pipeline.send(ctx, sendSpec{
		account:       acc,
		message:       msg,
		action:        ratelimit.ActionMessage,
		preflightCost: cost,
		upfrontCost:   cost,
		client:        a.client,
	})
}

func (a *WhatsAppAdapter) SendTemplate(ctx context.Context, acc repo.ChannelAccount, recipient, templateID string, variables map[string]string) (*SendResult, error) {
	content := model.Content{TemplateID: templateID, Variables: variables}
	msg := model.NewOutbound(acc.TenantID, acc.ID, model.ChannelWhatsApp, model.ContentTemplate, recipient, content)
	msg.Sender = acc.Identifier
	cost := a.pipeline.estimate(model.ChannelWhatsApp, model.ContentTemplate, 1)
	return a.pipeline.send(ctx, sendSpec{
		account:       acc,
		message:       msg,
		action:        ratelimit.ActionTemplate,
		preflightCost: cost,
		upfrontCost:   cost,
		client:        a.client,
	})
}

// waWebhook is the entry/changes envelope WhatsApp wraps every event in.
type waWebhook struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []waMessage `json:"messages"`
				Statuses []waStatus  `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type waMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *waMedia `json:"image"`
	Video    *waMedia `json:"video"`
	Audio    *waMedia `json:"audio"`
	Document *waMedia `json:"document"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
}

type waStatus struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Errors    []struct {
		Title string `json:"title"`
	} `json:"errors"`
}

func (a *WhatsAppAdapter) ParseInboundWebhook(payload []byte) (*model.NormalizedMessage, error) {
	var hook waWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, fmt.Errorf("decode whatsapp webhook: %w", err)
	}
	wm, ok := firstWAMessage(hook)
	if !ok {
		return nil, fmt.Errorf("whatsapp webhook carries no message")
	}

	contentType, content, err := waContent(wm)
	if err != nil {
		return nil, err
	}
	return model.NewInbound("", model.ChannelWhatsApp, wm.ID, wm.From, contentType, content, unixStringTime(wm.Timestamp)), nil
}

func (a *WhatsAppAdapter) ParseStatusWebhook(payload []byte) (*model.StatusUpdate, error) {
	var hook waWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, fmt.Errorf("decode whatsapp webhook: %w", err)
	}
	ws, ok := firstWAStatus(hook)
	if !ok {
		return nil, fmt.Errorf("whatsapp webhook carries no status")
	}

	status, err := waDeliveryStatus(ws.Status)
	if err != nil {
		return nil, err
	}
	update := &model.StatusUpdate{
		ExternalID: ws.ID,
		Status:     status,
		Timestamp:  unixStringTime(ws.Timestamp),
	}
	if len(ws.Errors) > 0 {
		update.Error = ws.Errors[0].Title
	}
	return update, nil
}

func (a *WhatsAppAdapter) ValidateCredentials(ctx context.Context, acc repo.ChannelAccount) error {
	return a.client.ValidateCredentials(ctx, acc)
}

func (a *WhatsAppAdapter) HealthStatus(ctx context.Context, acc repo.ChannelAccount) string {
	return a.pipeline.healthStatus(ctx, a, acc)
}

func (a *WhatsAppAdapter) EstimateCost(contentType model.ContentType, units int) int64 {
	return a.pipeline.estimate(model.ChannelWhatsApp, contentType, units)
}

func firstWAMessage(hook waWebhook) (waMessage, bool) {
	for _, e := range hook.Entry {
		for _, c := range e.Changes {
			if len(c.Value.Messages) > 0 {
				return c.Value.Messages[0], true
			}
		}
	}
	return waMessage{}, false
}

func firstWAStatus(hook waWebhook) (waStatus, bool) {
	for _, e := range hook.Entry {
		for _, c := range e.Changes {
			if len(c.Value.Statuses) > 0 {
				return c.Value.Statuses[0], true
			}
		}
	}
	return waStatus{}, false
}

func waContent(wm waMessage) (model.ContentType, model.Content, error) {
	media := func(t model.ContentType, m *waMedia) (model.ContentType, model.Content, error) {
		if m == nil {
			return "", model.Content{}, fmt.Errorf("whatsapp %s message without media payload", wm.Type)
		}
		return t, model.Content{MediaURL: m.ID, MimeType: m.MimeType, Caption: m.Caption}, nil
	}
	switch wm.Type {
	case "text":
		if wm.Text == nil {
			return "", model.Content{}, fmt.Errorf("whatsapp text message without body")
		}
		return model.ContentText, model.Content{Text: wm.Text.Body}, nil
	case "image":
		return media(model.ContentImage, wm.Image)
	case "video":
		return media(model.ContentVideo, wm.Video)
	case "audio":
		return media(model.ContentAudio, wm.Audio)
	case "document":
		return media(model.ContentDocument, wm.Document)
	default:
		return "", model.Content{}, fmt.Errorf("unsupported whatsapp message type %q", wm.Type)
	}
}

func waDeliveryStatus(s string) (model.DeliveryStatus, error) {
	switch s {
	case "sent":
		return model.StatusSent, nil
	case "delivered":
		return model.StatusDelivered, nil
	case "read":
		return model.StatusRead, nil
	case "failed":
		return model.StatusFailed, nil
	default:
		return "", fmt.Errorf("unknown whatsapp status %q", s)
	}
}

// unixStringTime parses the second-resolution unix timestamps WhatsApp sends
// as strings. A missing or malformed value falls back to now.
func unixStringTime(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}

// contentTypeOf infers the canonical content type from a variant payload.
func contentTypeOf(c model.Content) model.ContentType {
	switch {
	case c.TemplateID != "":
		return model.ContentTemplate
	case c.MediaURL != "":
		return mediaContentType(c.MimeType)
	default:
		return model.ContentText
	}
}

func mediaContentType(mime string) model.ContentType {
	switch {
	case len(mime) >= 5 && mime[:5] == "image":
		return model.ContentImage
	case len(mime) >= 5 && mime[:5] == "video":
		return model.ContentVideo
	case len(mime) >= 5 && mime[:5] == "audio":
		return model.ContentAudio
	default:
		return model.ContentDocument
	}
}
