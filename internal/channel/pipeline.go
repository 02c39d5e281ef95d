package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"msghub/internal/metrics"
	"msghub/internal/model"
	"msghub/internal/ratelimit"
	"msghub/internal/repo"
	"msghub/internal/wallet"
)

// Pipeline is the shared admission machinery every adapter sends through.
// It owns the ordering contract: the rate check runs strictly before the
// provider call, and rate/wallet usage is recorded strictly after a
// successful acknowledgement.
type Pipeline struct {
	limiter *ratelimit.Limiter
	meter   *wallet.Meter
	repo    repo.Repository
	metrics *metrics.Metrics
	logger  *slog.Logger
	timeout time.Duration
}

func NewPipeline(limiter *ratelimit.Limiter, meter *wallet.Meter, r repo.Repository, m *metrics.Metrics, logger *slog.Logger, providerTimeout time.Duration) *Pipeline {
	if providerTimeout <= 0 {
		providerTimeout = 15 * time.Second
	}
	return &Pipeline{
		limiter: limiter,
		meter:   meter,
		repo:    r,
		metrics: m,
		logger:  logger.With("component", "channel"),
		timeout: providerTimeout,
	}
}

// sendSpec parameterizes one admission run. upfrontCost is debited after a
// successful acknowledgement; preflightCost is only checked, for operations
// billed later (voice calls settle on the terminal call webhook).
type sendSpec struct {
	account       repo.ChannelAccount
	message       *model.NormalizedMessage
	action        ratelimit.Action
	preflightCost int64
	upfrontCost   int64
	client        ProviderClient
}

func (p *Pipeline) send(ctx context.Context, spec sendSpec) (*SendResult, error) {
	acc := spec.account
	msg := spec.message
	channel := string(msg.ChannelType)

	decision, err := p.limiter.CheckLimit(ctx, acc.ID, msg.ChannelType, spec.action)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !decision.Allowed {
		if p.metrics != nil {
			p.metrics.RateLimitRejections.WithLabelValues(channel, string(spec.action)).Inc()
		}
		f := &model.Failure{
			Kind:       model.FailureRateLimited,
			Message:    fmt.Sprintf("account %s out of %s budget", acc.ID, spec.action),
			RetryAfter: decision.RetryAfter,
		}
		return p.failed(ctx, msg, f), nil
	}

	if err := p.meter.CheckBalance(ctx, acc.TenantID, msg.ChannelType, spec.preflightCost); err != nil {
		if f, ok := model.AsFailure(err); ok {
			return p.failed(ctx, msg, f), nil
		}
		return nil, err
	}

	ack, f := p.callProvider(ctx, spec)
	if f != nil {
		if f.Kind == model.FailureTimeout {
			// Unknown outcome: the message stays pending so a delayed
			// status webhook can still reconcile it. Nothing is billed.
			p.persist(ctx, msg, 0)
			return &SendResult{MessageID: msg.ID, Failure: f}, nil
		}
		return p.failed(ctx, msg, f), nil
	}
	msg.Acknowledge(ack.ExternalID)
	msg.Status = model.StatusSent

	if err := p.limiter.RecordAction(ctx, acc.ID, msg.ChannelType, spec.action); err != nil {
		p.logger.Error("record rate usage", "account_id", acc.ID, "error", err)
	}

	events := []model.Event{model.NewEvent(model.EventMessageSent, acc.TenantID, map[string]any{
		"message_id":  msg.ID,
		"external_id": msg.ExternalID,
		"channel":     msg.ChannelType,
		"recipient":   msg.Recipient,
	})}

	if spec.upfrontCost > 0 {
		_, walletEvents, err := p.meter.Charge(ctx, wallet.ChargeParams{
			TenantID:    acc.TenantID,
			Channel:     msg.ChannelType,
			Amount:      spec.upfrontCost,
			ReferenceID: msg.ID,
			Description: fmt.Sprintf("%s %s to %s", channel, msg.ContentType, msg.Recipient),
		})
		if err != nil {
			// The provider already accepted the message; log and carry on
			// rather than failing a send that went out.
			p.logger.Error("charge usage after send", "message_id", msg.ID, "error", err)
		} else {
			msg.Cost = spec.upfrontCost
			events = append(events, walletEvents...)
		}
	}

	p.persist(ctx, msg, msg.Cost)
	if p.metrics != nil {
		p.metrics.MessagesSent.WithLabelValues(channel, string(spec.action)).Inc()
	}

	return &SendResult{
		Success:    true,
		MessageID:  msg.ID,
		ExternalID: msg.ExternalID,
		Cost:       msg.Cost,
		Events:     events,
	}, nil
}

// callProvider runs the provider request under the pipeline timeout and
// classifies the outcome.
func (p *Pipeline) callProvider(ctx context.Context, spec sendSpec) (*ProviderAck, *model.Failure) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	ack, err := spec.client.Send(callCtx, ProviderRequest{Account: spec.account, Message: spec.message})
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	if p.metrics != nil {
		p.metrics.ProviderLatency.WithLabelValues(string(spec.message.ChannelType), status).Observe(elapsed.Seconds())
	}

	if err == nil {
		if ack == nil || ack.ExternalID == "" {
			return nil, model.NewFailure(model.FailureProviderRejected, "provider returned no message id")
		}
		return ack, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, model.WrapFailure(model.FailureTimeout, err)
	}
	if f, ok := model.AsFailure(err); ok {
		return nil, f
	}
	return nil, model.WrapFailure(model.FailureProviderRejected, err)
}

// failed marks the message FAILED, persists it and returns a failure result.
// No rate budget or balance was consumed on this path.
func (p *Pipeline) failed(ctx context.Context, msg *model.NormalizedMessage, f *model.Failure) *SendResult {
	msg.Status = model.StatusFailed
	p.persist(ctx, msg, 0)
	if p.metrics != nil {
		p.metrics.SendFailures.WithLabelValues(string(msg.ChannelType), string(f.Kind)).Inc()
	}
	return &SendResult{
		MessageID: msg.ID,
		Failure:   f,
		Events: []model.Event{model.NewEvent(model.EventMessageFailed, msg.TenantID, map[string]any{
			"message_id": msg.ID,
			"channel":    msg.ChannelType,
			"kind":       f.Kind,
			"reason":     f.Message,
		})},
	}
}

func (p *Pipeline) persist(ctx context.Context, msg *model.NormalizedMessage, cost int64) {
	rec := repo.MessageRecord{
		ID:          msg.ID,
		TenantID:    msg.TenantID,
		AccountID:   msg.AccountID,
		ChannelType: msg.ChannelType,
		Direction:   msg.Direction,
		ContentType: msg.ContentType,
		Sender:      msg.Sender,
		Recipient:   msg.Recipient,
		Content:     msg.Content,
		Status:      msg.Status,
		Cost:        cost,
	}
	if msg.ExternalID != "" {
		rec.ExternalID = &msg.ExternalID
	}
	if err := p.repo.InsertMessage(ctx, rec); err != nil {
		p.logger.Error("persist message", "message_id", msg.ID, "error", err)
		if p.metrics != nil {
			p.metrics.Errors.WithLabelValues("channel").Inc()
		}
	}
}

// estimate prices the message without touching any budget.
func (p *Pipeline) estimate(channel model.ChannelType, contentType model.ContentType, units int) int64 {
	return p.meter.EstimateCost(channel, contentType, units)
}

// healthStatus maps a credential probe to an account health value.
func (p *Pipeline) healthStatus(ctx context.Context, adapter Adapter, acc repo.ChannelAccount) string {
	if err := adapter.ValidateCredentials(ctx, acc); err != nil {
		if f, ok := model.AsFailure(err); ok && f.Kind == model.FailureCredentialInvalid {
			return repo.HealthDisconnected
		}
		return repo.HealthDegraded
	}
	return repo.HealthHealthy
}
