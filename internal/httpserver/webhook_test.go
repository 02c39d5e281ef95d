package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msghub/internal/assign"
	"msghub/internal/channel"
	"msghub/internal/dedupe"
	"msghub/internal/model"
	"msghub/internal/ratelimit"
	"msghub/internal/repo"
	"msghub/internal/wallet"
	"msghub/migrations"
)

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(_ context.Context, events ...model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) byType(t model.EventType) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type webhookFixture struct {
	repo      repo.Repository
	processor *WebhookProcessor
	publisher *recorder
	account   repo.ChannelAccount
	adapters  channel.Registry
	meter     *wallet.Meter
}

func newWebhookFixture(t *testing.T, channelType model.ChannelType) *webhookFixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	require.NoError(t, r.RunMigrations(ctx, migrations.Files))

	_, err = r.EnsureWallet(ctx, "t1", "INR", 0)
	require.NoError(t, err)
	meter := wallet.NewMeter(r, nil, nil, logger)
	_, _, err = meter.Credit(ctx, "t1", 10_000, "topup", "")
	require.NoError(t, err)

	acc, err := r.UpsertChannelAccount(ctx, repo.ChannelAccount{
		TenantID:    "t1",
		ChannelType: channelType,
		Identifier:  "+15550001",
		Enabled:     true,
	})
	require.NoError(t, err)

	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Limits{}, logger)
	pipeline := channel.NewPipeline(limiter, meter, r, nil, logger, time.Second)
	client := &stubClient{}
	registry := channel.NewRegistry(
		channel.NewWhatsAppAdapter(pipeline, client),
		channel.NewSMSAdapter(pipeline, client),
		channel.NewEmailAdapter(pipeline, client),
		channel.NewVoiceAdapter(pipeline, client),
	)

	pub := &recorder{}
	engine := assign.NewEngine(r, nil, logger, assign.BusinessHours{})
	processor := NewWebhookProcessor(r, registry, dedupe.NewMemoryStore(time.Hour), engine, pub, nil, logger, 16, 2)

	return &webhookFixture{
		repo:      r,
		processor: processor,
		publisher: pub,
		account:   *acc,
		adapters:  registry,
		meter:     meter,
	}
}

type stubClient struct{}

func (stubClient) Send(ctx context.Context, req channel.ProviderRequest) (*channel.ProviderAck, error) {
	return &channel.ProviderAck{ExternalID: "ext-stub"}, nil
}

func (stubClient) ValidateCredentials(ctx context.Context, acc repo.ChannelAccount) error {
	return nil
}

func (fx *webhookFixture) seedOutbound(t *testing.T, externalID string, status model.DeliveryStatus) string {
	t.Helper()
	id := "msg-" + externalID
	require.NoError(t, fx.repo.InsertMessage(context.Background(), repo.MessageRecord{
		ID:          id,
		ExternalID:  &externalID,
		TenantID:    "t1",
		AccountID:   fx.account.ID,
		ChannelType: fx.account.ChannelType,
		Direction:   model.DirectionOutbound,
		ContentType: model.ContentText,
		Sender:      "+15550001",
		Recipient:   "+2000",
		Content:     model.Content{Text: "hi"},
		Status:      status,
	}))
	return id
}

func TestStatusWebhookAppliedExactlyOnce(t *testing.T) {
	fx := newWebhookFixture(t, model.ChannelWhatsApp)
	ctx := context.Background()
	fx.seedOutbound(t, "wamid.1", model.StatusSent)

	payload := []byte(`{"entry": [{"changes": [{"value": {"statuses": [{
		"id": "wamid.1", "status": "delivered", "timestamp": "1700000000"
	}]}}]}]}`)

	fx.processor.process(ctx, webhookJob{accountID: fx.account.ID, payload: payload})
	fx.processor.process(ctx, webhookJob{accountID: fx.account.ID, payload: payload})

	msg, err := fx.repo.GetMessageByExternalID(ctx, fx.account.ID, "wamid.1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, msg.Status)

	// The replay was deduplicated: exactly one delivered event went out.
	assert.Len(t, fx.publisher.byType(model.EventMessageDelivered), 1)
}

func TestOutOfOrderStatusDoesNotRegress(t *testing.T) {
	fx := newWebhookFixture(t, model.ChannelWhatsApp)
	ctx := context.Background()
	fx.seedOutbound(t, "wamid.2", model.StatusSent)

	read := []byte(`{"entry": [{"changes": [{"value": {"statuses": [{
		"id": "wamid.2", "status": "read", "timestamp": "1700000200"
	}]}}]}]}`)
	delivered := []byte(`{"entry": [{"changes": [{"value": {"statuses": [{
		"id": "wamid.2", "status": "delivered", "timestamp": "1700000100"
	}]}}]}]}`)

	fx.processor.process(ctx, webhookJob{accountID: fx.account.ID, payload: read})
	fx.processor.process(ctx, webhookJob{accountID: fx.account.ID, payload: delivered})

	msg, err := fx.repo.GetMessageByExternalID(ctx, fx.account.ID, "wamid.2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, msg.Status)

	// The stale delivered receipt produced no event.
	assert.Len(t, fx.publisher.byType(model.EventMessageDelivered), 0)
	assert.Len(t, fx.publisher.byType(model.EventMessageRead), 1)
}

func TestInboundWebhookCreatesConversationAndAssigns(t *testing.T) {
	fx := newWebhookFixture(t, model.ChannelWhatsApp)
	ctx := context.Background()

	agent := "agent-1"
	require.NoError(t, fx.repo.UpsertTeamMember(ctx, repo.TeamMember{
		ID: agent, TenantID: "t1", TeamID: "support", Online: true, Active: true,
	}))
	team := "support"
	_, err := fx.repo.CreateAssignmentRule(ctx, repo.AssignmentRule{
		TenantID:     "t1",
		Name:         "catch all",
		Priority:     1,
		Active:       true,
		TargetType:   repo.TargetRoundRobin,
		TargetTeamID: &team,
	})
	require.NoError(t, err)

	payload := []byte(`{"entry": [{"changes": [{"value": {"messages": [{
		"id": "wamid.in1", "from": "5511999887766", "timestamp": "1700000000",
		"type": "text", "text": {"body": "preciso de ajuda"}
	}]}}]}]}`)

	fx.processor.process(ctx, webhookJob{accountID: fx.account.ID, payload: payload})

	msg, err := fx.repo.GetMessageByExternalID(ctx, fx.account.ID, "wamid.in1")
	require.NoError(t, err)
	assert.Equal(t, model.DirectionInbound, msg.Direction)
	require.NotNil(t, msg.ConversationID)

	convo, err := fx.repo.GetConversation(ctx, *msg.ConversationID)
	require.NoError(t, err)
	require.NotNil(t, convo.AssignedToID)
	assert.Equal(t, agent, *convo.AssignedToID)

	assert.Len(t, fx.publisher.byType(model.EventMessageReceived), 1)
	assert.Len(t, fx.publisher.byType(model.EventConvoAssigned), 1)

	// Replaying the inbound webhook creates nothing new.
	fx.processor.process(ctx, webhookJob{accountID: fx.account.ID, payload: payload})
	assert.Len(t, fx.publisher.byType(model.EventMessageReceived), 1)
}

func TestVoiceTerminalWebhookSettlesBillingOnce(t *testing.T) {
	fx := newWebhookFixture(t, model.ChannelVoice)
	ctx := context.Background()
	fx.seedOutbound(t, "CA42", model.StatusSent)

	form := url.Values{
		"CallSid":      {"CA42"},
		"CallStatus":   {"completed"},
		"CallDuration": {"61"},
	}
	payload := []byte(form.Encode())

	fx.processor.process(ctx, webhookJob{accountID: fx.account.ID, payload: payload})
	fx.processor.process(ctx, webhookJob{accountID: fx.account.ID, payload: payload})

	// 61s rounds to 2 minutes at 100 paise; billed exactly once.
	w, err := fx.repo.GetWallet(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000-200), w.Balance)

	assert.Len(t, fx.publisher.byType(model.EventCallEnded), 1)
	assert.Len(t, fx.publisher.byType(model.EventWalletDebited), 1)
}

func TestUnknownAccountIsDropped(t *testing.T) {
	fx := newWebhookFixture(t, model.ChannelSMS)
	fx.processor.process(context.Background(), webhookJob{accountID: "nope", payload: []byte("MessageSid=SM1&From=%2B1")})
	assert.Empty(t, fx.publisher.events)
}

func TestRunDrainsQueueOnShutdown(t *testing.T) {
	fx := newWebhookFixture(t, model.ChannelWhatsApp)
	fx.seedOutbound(t, "wamid.9", model.StatusSent)

	payload := []byte(`{"entry": [{"changes": [{"value": {"statuses": [{
		"id": "wamid.9", "status": "delivered", "timestamp": "1700000000"
	}]}}]}]}`)
	require.True(t, fx.processor.Enqueue(fx.account.ID, payload))

	// The context is already cancelled when Run starts: the acknowledged
	// delivery must still be processed before the pool exits.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fx.processor.Run(ctx)

	msg, err := fx.repo.GetMessageByExternalID(context.Background(), fx.account.ID, "wamid.9")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, msg.Status)
}

// flakyRepo fails AdvanceMessageStatus a fixed number of times before
// delegating to the real repository.
type flakyRepo struct {
	repo.Repository
	failures int
}

func (f *flakyRepo) AdvanceMessageStatus(ctx context.Context, accountID, externalID string, status model.DeliveryStatus) (bool, error) {
	if f.failures > 0 {
		f.failures--
		return false, errors.New("connection reset")
	}
	return f.Repository.AdvanceMessageStatus(ctx, accountID, externalID, status)
}

func TestStatusWebhookRetriedAfterStoreFailure(t *testing.T) {
	fx := newWebhookFixture(t, model.ChannelWhatsApp)
	ctx := context.Background()
	fx.seedOutbound(t, "wamid.8", model.StatusSent)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	flaky := &flakyRepo{Repository: fx.repo, failures: 1}
	proc := NewWebhookProcessor(flaky, fx.adapters, dedupe.NewMemoryStore(time.Hour), nil, fx.publisher, nil, logger, 16, 2)

	payload := []byte(`{"entry": [{"changes": [{"value": {"statuses": [{
		"id": "wamid.8", "status": "delivered", "timestamp": "1700000000"
	}]}}]}]}`)

	// The first delivery hits a store error; the provider redelivers the
	// same payload and the retry must not be suppressed as a duplicate.
	proc.process(ctx, webhookJob{accountID: fx.account.ID, payload: payload})
	proc.process(ctx, webhookJob{accountID: fx.account.ID, payload: payload})

	msg, err := fx.repo.GetMessageByExternalID(ctx, fx.account.ID, "wamid.8")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, msg.Status)
	assert.Len(t, fx.publisher.byType(model.EventMessageDelivered), 1)
}

func TestWebhookHandlerAcknowledgesFast(t *testing.T) {
	fx := newWebhookFixture(t, model.ChannelSMS)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := New(":0", logger, nil, fx.processor, fx.repo, "")

	form := url.Values{"MessageSid": {"SM1"}, "From": {"+15550002"}, "Body": {"oi"}}
	req := httptest.NewRequest(http.MethodPost, "/webhook/"+fx.account.ID, strings.NewReader(form.Encode()))
	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// Empty bodies are rejected up front.
	req = httptest.NewRequest(http.MethodPost, "/webhook/"+fx.account.ID, strings.NewReader(""))
	rec = httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookHandlerShedsLoadWhenQueueFull(t *testing.T) {
	fx := newWebhookFixture(t, model.ChannelSMS)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// A processor that is never run: the queue fills and stays full.
	small := NewWebhookProcessor(fx.repo, fx.adapters, dedupe.NewMemoryStore(time.Hour), nil, fx.publisher, nil, logger, 1, 1)
	server := New(":0", logger, nil, small, fx.repo, "")

	body := "MessageSid=SM1&From=%2B15550002"
	first := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/webhook/"+fx.account.ID, strings.NewReader(body)))
	assert.Equal(t, http.StatusAccepted, first.Code)

	second := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/webhook/"+fx.account.ID, strings.NewReader(body)))
	assert.Equal(t, http.StatusServiceUnavailable, second.Code)
}
