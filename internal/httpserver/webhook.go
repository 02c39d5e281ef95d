package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"msghub/internal/assign"
	"msghub/internal/channel"
	"msghub/internal/dedupe"
	"msghub/internal/event"
	"msghub/internal/metrics"
	"msghub/internal/model"
	"msghub/internal/repo"
)

// webhookJob is one raw provider delivery waiting to be processed.
type webhookJob struct {
	accountID string
	payload   []byte
}

// WebhookProcessor drains the webhook queue. The HTTP handler only enqueues
// and returns 2xx; normalization, persistence, status transitions and
// assignment all happen here so provider-facing latency stays flat.
type WebhookProcessor struct {
	repo      repo.Repository
	registry  channel.Registry
	dedupe    dedupe.Store
	engine    *assign.Engine
	publisher event.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	queue   chan webhookJob
	workers int
	wg      sync.WaitGroup
}

func NewWebhookProcessor(r repo.Repository, registry channel.Registry, d dedupe.Store, engine *assign.Engine, pub event.Publisher, m *metrics.Metrics, logger *slog.Logger, queueSize, workers int) *WebhookProcessor {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 4
	}
	return &WebhookProcessor{
		repo:      r,
		registry:  registry,
		dedupe:    d,
		engine:    engine,
		publisher: pub,
		metrics:   m,
		logger:    logger.With("component", "webhook"),
		queue:     make(chan webhookJob, queueSize),
		workers:   workers,
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and the queue
// is drained.
func (p *WebhookProcessor) Run(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					// Finish whatever the handler already acknowledged
					// with a 2xx before exiting.
					for {
						select {
						case job := <-p.queue:
							p.process(context.WithoutCancel(ctx), job)
						default:
							return
						}
					}
				case job := <-p.queue:
					p.process(context.WithoutCancel(ctx), job)
				}
			}
		}()
	}
	p.wg.Wait()
}

// Enqueue hands a raw delivery to the pool. It reports false when the queue
// is full; the handler turns that into a 503 so the provider retries later.
func (p *WebhookProcessor) Enqueue(accountID string, payload []byte) bool {
	select {
	case p.queue <- webhookJob{accountID: accountID, payload: payload}:
		return true
	default:
		return false
	}
}

func (p *WebhookProcessor) process(ctx context.Context, job webhookJob) {
	acc, err := p.repo.GetChannelAccount(ctx, job.accountID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			p.count("unknown", "unknown_account")
			return
		}
		p.logger.Error("load channel account", "account_id", job.accountID, "error", err)
		return
	}
	if !acc.Enabled {
		p.count(string(acc.ChannelType), "disabled_account")
		return
	}
	adapter, ok := p.registry.For(acc.ChannelType)
	if !ok {
		p.count(string(acc.ChannelType), "no_adapter")
		return
	}

	// A provider endpoint receives both status callbacks and inbound
	// messages; try status first, then inbound.
	if update, err := adapter.ParseStatusWebhook(job.payload); err == nil {
		p.processStatus(ctx, acc, adapter, update, job.payload)
		return
	}
	msg, err := adapter.ParseInboundWebhook(job.payload)
	if err != nil {
		p.count(string(acc.ChannelType), "unparseable")
		p.logger.Warn("unparseable webhook", "account_id", acc.ID, "channel", acc.ChannelType, "error", err)
		return
	}
	p.processInbound(ctx, acc, msg)
}

func (p *WebhookProcessor) processStatus(ctx context.Context, acc *repo.ChannelAccount, adapter channel.Adapter, update *model.StatusUpdate, payload []byte) {
	chName := string(acc.ChannelType)

	// The same external id legitimately carries several statuses over its
	// lifetime; only the (id, status) pair identifies one provider event.
	key := fmt.Sprintf("%s:%s:status:%s:%s", chName, acc.ID, update.ExternalID, update.Status)
	if p.isDuplicate(ctx, chName, key) {
		return
	}

	applied, err := p.repo.AdvanceMessageStatus(ctx, acc.ID, update.ExternalID, update.Status)
	if err != nil {
		p.logger.Error("advance message status", "external_id", update.ExternalID, "error", err)
		p.count(chName, "error")
		p.release(ctx, key)
		return
	}

	var events []model.Event
	if applied {
		if ev, ok := statusEvent(update.Status); ok {
			data := map[string]any{
				"external_id": update.ExternalID,
				"channel":     acc.ChannelType,
				"status":      update.Status,
			}
			if update.Error != "" {
				data["error"] = update.Error
			}
			events = append(events, model.NewEvent(ev, acc.TenantID, data))
		}
	}

	// Terminal voice callbacks additionally settle per-minute billing.
	if voice, ok := adapter.(*channel.VoiceAdapter); ok {
		if callUpdate, err := voice.ParseCallWebhook(payload); err == nil && callUpdate.State.Terminal() {
			_, settleEvents, err := voice.SettleCall(ctx, *acc, callUpdate)
			if err != nil {
				p.logger.Error("settle call", "call_id", callUpdate.CallID, "error", err)
				// Let the provider retry settle; re-applying the status
				// transition is a monotonic no-op.
				p.release(ctx, key)
			}
			events = append(events, settleEvents...)
		}
	}

	p.publish(ctx, events)
	if applied {
		p.count(chName, "status_applied")
	} else {
		p.count(chName, "status_stale")
	}
}

func (p *WebhookProcessor) processInbound(ctx context.Context, acc *repo.ChannelAccount, msg *model.NormalizedMessage) {
	chName := string(acc.ChannelType)

	key := fmt.Sprintf("%s:%s:inbound:%s", chName, acc.ID, msg.ExternalID)
	if p.isDuplicate(ctx, chName, key) {
		return
	}

	msg.TenantID = acc.TenantID
	msg.AccountID = acc.ID
	msg.Recipient = acc.Identifier

	convo, _, err := p.repo.FindOrCreateConversation(ctx, acc.TenantID, acc.ID, acc.ChannelType, msg.Sender)
	if err != nil {
		p.logger.Error("find conversation", "account_id", acc.ID, "sender", msg.Sender, "error", err)
		p.count(chName, "error")
		p.release(ctx, key)
		return
	}

	if err := p.repo.InsertMessage(ctx, repo.MessageRecord{
		ID:             msg.ID,
		ExternalID:     &msg.ExternalID,
		TenantID:       msg.TenantID,
		AccountID:      msg.AccountID,
		ConversationID: &convo.ID,
		ChannelType:    msg.ChannelType,
		Direction:      msg.Direction,
		ContentType:    msg.ContentType,
		Sender:         msg.Sender,
		Recipient:      msg.Recipient,
		Content:        msg.Content,
		Status:         msg.Status,
	}); err != nil {
		p.logger.Error("persist inbound message", "message_id", msg.ID, "error", err)
		p.count(chName, "error")
		p.release(ctx, key)
		return
	}
	if p.metrics != nil {
		p.metrics.MessagesInbound.WithLabelValues(chName).Inc()
	}

	events := []model.Event{model.NewEvent(model.EventMessageReceived, acc.TenantID, map[string]any{
		"message_id":      msg.ID,
		"external_id":     msg.ExternalID,
		"conversation_id": convo.ID,
		"channel":         msg.ChannelType,
		"sender":          msg.Sender,
	})}

	// Assignment is best effort; an unassigned conversation is normal.
	if convo.AssignedToID == nil && convo.AssignedToTeamID == nil {
		result := p.engine.AutoAssign(ctx, acc.TenantID, convo.ID, assign.Context{
			Channel:     acc.ChannelType,
			Priority:    convo.Priority,
			MessageText: msg.Content.Text,
		})
		events = append(events, result.Events...)
	}

	p.publish(ctx, events)
	p.count(chName, "inbound")
}

func (p *WebhookProcessor) isDuplicate(ctx context.Context, chName, key string) bool {
	seen, err := p.dedupe.Seen(ctx, key)
	if err != nil {
		// Fail open: a broken dedupe store must not drop real events, and
		// the status state machine tolerates replays.
		p.logger.Warn("dedupe lookup", "key", key, "error", err)
		return false
	}
	if seen && p.metrics != nil {
		p.metrics.WebhookDuplicates.WithLabelValues(chName).Inc()
	}
	if seen {
		p.count(chName, "duplicate")
	}
	return seen
}

// release un-claims a dedupe key after a failed side effect so the provider's
// retry of the same delivery is processed instead of suppressed.
func (p *WebhookProcessor) release(ctx context.Context, key string) {
	if err := p.dedupe.Forget(ctx, key); err != nil {
		p.logger.Warn("dedupe release", "key", key, "error", err)
	}
}

func (p *WebhookProcessor) publish(ctx context.Context, events []model.Event) {
	if len(events) == 0 {
		return
	}
	if err := p.publisher.Publish(ctx, events...); err != nil {
		p.logger.Error("publish events", "count", len(events), "error", err)
	}
}

func (p *WebhookProcessor) count(channelName, outcome string) {
	if p.metrics != nil {
		p.metrics.WebhookEvents.WithLabelValues(channelName, outcome).Inc()
	}
}

func statusEvent(s model.DeliveryStatus) (model.EventType, bool) {
	switch s {
	case model.StatusDelivered:
		return model.EventMessageDelivered, true
	case model.StatusRead:
		return model.EventMessageRead, true
	case model.StatusFailed:
		return model.EventMessageFailed, true
	default:
		return "", false
	}
}
