package channel

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"msghub/internal/model"
	"msghub/internal/ratelimit"
	"msghub/internal/repo"
	"msghub/internal/wallet"
)

// VoiceAdapter places outbound calls and tracks their lifecycle through
// provider status callbacks. Unlike the message channels, voice bills on the
// terminal call webhook, not at initiation: duration is unknown until the
// call ends, so initiation only pre-checks the balance for one minute and
// settlement charges the started minutes actually spoken.
type VoiceAdapter struct {
	pipeline *Pipeline
	client   ProviderClient
	caps     model.CapabilitySet
}

func NewVoiceAdapter(p *Pipeline, client ProviderClient) *VoiceAdapter {
	return &VoiceAdapter{
		pipeline: p,
		client:   client,
		caps:     model.NewCapabilitySet(model.CapVoiceCall, model.CapVoiceMessage),
	}
}

func (a *VoiceAdapter) ChannelType() model.ChannelType    { return model.ChannelVoice }
func (a *VoiceAdapter) Capabilities() model.CapabilitySet { return a.caps }

// SendMessage initiates a call to the recipient. The external id of the
// result is the provider call id; billing is deferred to SettleCall.
func (a *VoiceAdapter) SendMessage(ctx context.Context, acc repo.ChannelAccount, recipient string, content model.Content) (*SendResult, error) {
	msg := model.NewOutbound(acc.TenantID, acc.ID, model.ChannelVoice, model.ContentVoiceCall, recipient, content)
	msg.Sender = acc.Identifier
	result, err := a.pipeline.send(ctx, sendSpec{
		account: acc,
		message: msg,
		action:  ratelimit.ActionCall,
		// One minute is the smallest bill a connected call can produce.
		preflightCost: a.pipeline.estimate(model.ChannelVoice, model.ContentVoiceCall, 1),
		upfrontCost:   0,
		client:        a.client,
	})
	if err != nil || result.Failure != nil {
		return result, err
	}
	result.Events = append(result.Events, model.NewEvent(model.EventCallStarted, acc.TenantID, map[string]any{
		"message_id": result.MessageID,
		"call_id":    result.ExternalID,
		"recipient":  recipient,
	}))
	return result, nil
}

// SendTemplate plays a prerecorded or templated announcement; the admission
// path is the same call bucket.
func (a *VoiceAdapter) SendTemplate(ctx context.Context, acc repo.ChannelAccount, recipient, templateID string, variables map[string]string) (*SendResult, error) {
	return a.SendMessage(ctx, acc, recipient, model.Content{TemplateID: templateID, Variables: variables})
}

func (a *VoiceAdapter) ParseInboundWebhook(payload []byte) (*model.NormalizedMessage, error) {
	form, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, fmt.Errorf("decode voice webhook: %w", err)
	}
	callID := form.Get("CallSid")
	if callID == "" {
		return nil, fmt.Errorf("voice webhook missing CallSid")
	}
	from := form.Get("From")
	if from == "" {
		return nil, fmt.Errorf("voice webhook missing From")
	}
	content := model.Content{CallID: callID}
	if rec := form.Get("RecordingUrl"); rec != "" {
		content.MediaURL = rec
	}
	return model.NewInbound("", model.ChannelVoice, callID, from, model.ContentVoiceCall, content, time.Now().UTC()), nil
}

// ParseStatusWebhook maps terminal call states onto the delivery state
// machine so the shared message record tracking still applies: a completed
// call counts as delivered, everything else terminal as failed.
func (a *VoiceAdapter) ParseStatusWebhook(payload []byte) (*model.StatusUpdate, error) {
	update, err := a.ParseCallWebhook(payload)
	if err != nil {
		return nil, err
	}
	var status model.DeliveryStatus
	switch {
	case update.State == model.CallCompleted:
		status = model.StatusDelivered
	case update.State.Terminal():
		status = model.StatusFailed
	case update.State == model.CallInitiated:
		status = model.StatusPending
	default:
		status = model.StatusSent
	}
	return &model.StatusUpdate{
		ExternalID: update.CallID,
		Status:     status,
		Timestamp:  update.Timestamp,
		Error:      update.Error,
	}, nil
}

// ParseCallWebhook normalizes a call status callback into the call lifecycle
// vocabulary.
func (a *VoiceAdapter) ParseCallWebhook(payload []byte) (*model.CallUpdate, error) {
	form, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, fmt.Errorf("decode voice webhook: %w", err)
	}
	callID := form.Get("CallSid")
	if callID == "" {
		return nil, fmt.Errorf("voice webhook missing CallSid")
	}
	state, err := voiceCallState(form.Get("CallStatus"))
	if err != nil {
		return nil, err
	}
	duration := 0
	if d := form.Get("CallDuration"); d != "" {
		duration, err = strconv.Atoi(d)
		if err != nil {
			return nil, fmt.Errorf("parse call duration: %w", err)
		}
	}
	return &model.CallUpdate{
		CallID:    callID,
		State:     state,
		DurationS: duration,
		Timestamp: time.Now().UTC(),
		Error:     form.Get("ErrorMessage"),
	}, nil
}

// SettleCall bills a terminated call. Only completed calls that reached
// IN_PROGRESS carry a duration and therefore a charge; busy, unanswered and
// cancelled calls bill nothing. Started minutes round up.
func (a *VoiceAdapter) SettleCall(ctx context.Context, acc repo.ChannelAccount, update *model.CallUpdate) (int64, []model.Event, error) {
	if !update.State.Terminal() {
		return 0, nil, fmt.Errorf("call %s not terminal (state %s)", update.CallID, update.State)
	}

	events := []model.Event{model.NewEvent(model.EventCallEnded, acc.TenantID, map[string]any{
		"call_id":    update.CallID,
		"state":      update.State,
		"duration_s": update.DurationS,
	})}

	minutes := 0
	if update.State == model.CallCompleted {
		minutes = model.BillableMinutes(update.DurationS)
	}
	if minutes == 0 {
		return 0, events, nil
	}

	cost := a.pipeline.estimate(model.ChannelVoice, model.ContentVoiceCall, minutes)
	_, walletEvents, err := a.pipeline.meter.Charge(ctx, wallet.ChargeParams{
		TenantID:    acc.TenantID,
		Channel:     model.ChannelVoice,
		Amount:      cost,
		ReferenceID: update.CallID,
		Description: fmt.Sprintf("voice call %s, %d min", update.CallID, minutes),
	})
	if err != nil {
		return 0, events, fmt.Errorf("settle call %s: %w", update.CallID, err)
	}
	return cost, append(events, walletEvents...), nil
}

func (a *VoiceAdapter) ValidateCredentials(ctx context.Context, acc repo.ChannelAccount) error {
	return a.client.ValidateCredentials(ctx, acc)
}

func (a *VoiceAdapter) HealthStatus(ctx context.Context, acc repo.ChannelAccount) string {
	return a.pipeline.healthStatus(ctx, a, acc)
}

func (a *VoiceAdapter) EstimateCost(contentType model.ContentType, units int) int64 {
	return a.pipeline.estimate(model.ChannelVoice, contentType, units)
}

func voiceCallState(s string) (model.CallState, error) {
	switch s {
	case "queued", "initiated":
		return model.CallInitiated, nil
	case "ringing":
		return model.CallRinging, nil
	case "in-progress", "answered":
		return model.CallInProgress, nil
	case "completed":
		return model.CallCompleted, nil
	case "failed":
		return model.CallFailed, nil
	case "busy":
		return model.CallBusy, nil
	case "no-answer":
		return model.CallNoAnswer, nil
	case "canceled", "cancelled":
		return model.CallCancelled, nil
	default:
		return "", fmt.Errorf("unknown call status %q", s)
	}
}
