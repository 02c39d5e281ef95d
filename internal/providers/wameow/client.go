// Package wameow backs a WhatsApp channel account with a WhatsApp Web
// pairing instead of a cloud API credential. Outbound sends go through the
// paired device; inbound messages are re-encoded as webhook payloads and fed
// into the same processing queue real provider callbacks use, so the rest of
// the pipeline cannot tell the two apart.
package wameow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"msghub/internal/channel"
	"msghub/internal/model"
	"msghub/internal/repo"
)

// Config holds configuration to initialise the WhatsApp Web client.
type Config struct {
	StorePath string
	LogLevel  string
	AccountID string
}

// Enqueuer receives synthesized inbound payloads. The webhook processor
// satisfies it.
type Enqueuer interface {
	Enqueue(accountID string, payload []byte) bool
}

// Client wraps the whatsmeow client as a channel.ProviderClient.
type Client struct {
	client    *whatsmeow.Client
	logger    *slog.Logger
	accountID string
	sink      Enqueuer
}

// New creates a WhatsApp Web client backed by an SQLite session store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}
	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)
	wc := &Client{
		client:    whatsmeow.NewClient(deviceStore, waLogger),
		logger:    logger.With("component", "wameow"),
		accountID: cfg.AccountID,
	}
	wc.client.AddEventHandler(wc.handleEvent)
	return wc, nil
}

// SetSink registers where inbound messages go.
func (c *Client) SetSink(sink Enqueuer) {
	c.sink = sink
}

// Start connects the client and handles the login/QR pairing flow.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}
		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					c.logger.Info("scan the QR code with WhatsApp", "qr", evt.Code)
				} else {
					c.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}
	c.logger.Info("whatsapp client connected")
	return nil
}

// Close disconnects the WhatsApp client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

// Send implements channel.ProviderClient.
func (c *Client) Send(ctx context.Context, req channel.ProviderRequest) (*channel.ProviderAck, error) {
	jid, err := recipientJID(req.Message.Recipient)
	if err != nil {
		return nil, model.WrapFailure(model.FailureProviderRejected, err)
	}

	text, err := outboundText(req.Message)
	if err != nil {
		return nil, model.WrapFailure(model.FailureProviderRejected, err)
	}

	resp, err := c.client.SendMessage(ctx, jid, &waProto.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		if errors.Is(err, whatsmeow.ErrNotLoggedIn) {
			return nil, model.WrapFailure(model.FailureCredentialInvalid, err)
		}
		return nil, fmt.Errorf("send text: %w", err)
	}
	return &channel.ProviderAck{ExternalID: string(resp.ID)}, nil
}

// ValidateCredentials implements channel.ProviderClient. A paired, connected
// session is the web-client equivalent of a valid API credential.
func (c *Client) ValidateCredentials(_ context.Context, _ repo.ChannelAccount) error {
	if c.client.Store.ID == nil {
		return model.NewFailure(model.FailureCredentialInvalid, "device not paired")
	}
	if !c.client.IsConnected() {
		return fmt.Errorf("whatsapp client disconnected")
	}
	return nil
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleMessage(v)
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	}
}

// handleMessage re-encodes a device message as an inbound webhook payload
// and queues it on the shared pipeline.
func (c *Client) handleMessage(evt *events.Message) {
	if evt.Message == nil || c.sink == nil {
		return
	}
	text := evt.Message.GetConversation()
	if text == "" && evt.Message.ExtendedTextMessage != nil {
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		c.logger.Debug("ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	payload, err := inboundPayload(string(evt.Info.ID), evt.Info.Sender.User, evt.Info.Timestamp, text)
	if err != nil {
		c.logger.Error("encode inbound payload", "error", err)
		return
	}
	if !c.sink.Enqueue(c.accountID, payload) {
		c.logger.Warn("webhook queue full, inbound message dropped", "from", evt.Info.Sender.User)
	}
}

// inboundPayload builds the same envelope the WhatsApp webhook normalizer
// parses.
func inboundPayload(id, from string, at time.Time, text string) ([]byte, error) {
	type textBody struct {
		Body string `json:"body"`
	}
	type message struct {
		ID        string   `json:"id"`
		From      string   `json:"from"`
		Timestamp string   `json:"timestamp"`
		Type      string   `json:"type"`
		Text      textBody `json:"text"`
	}
	type value struct {
		Messages []message `json:"messages"`
	}
	type change struct {
		Value value `json:"value"`
	}
	type entry struct {
		Changes []change `json:"changes"`
	}
	return json.Marshal(map[string]any{
		"entry": []entry{{Changes: []change{{Value: value{Messages: []message{{
			ID:        id,
			From:      from,
			Timestamp: strconv.FormatInt(at.Unix(), 10),
			Type:      "text",
			Text:      textBody{Body: text},
		}}}}}}},
	})
}

func recipientJID(recipient string) (types.JID, error) {
	if strings.Contains(recipient, "@") {
		jid, err := types.ParseJID(recipient)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("parse recipient jid: %w", err)
		}
		return jid, nil
	}
	user := strings.TrimPrefix(recipient, "+")
	if user == "" {
		return types.EmptyJID, errors.New("empty recipient")
	}
	return types.NewJID(user, types.DefaultUserServer), nil
}

// outboundText flattens the message content to the plain text the web client
// can carry. Templates render as their body-less fallback: template id plus
// the variables in key order.
func outboundText(msg *model.NormalizedMessage) (string, error) {
	switch msg.ContentType {
	case model.ContentText:
		if msg.Content.Text == "" {
			return "", errors.New("empty text content")
		}
		return msg.Content.Text, nil
	case model.ContentTemplate:
		var b strings.Builder
		b.WriteString(msg.Content.TemplateID)
		keys := make([]string, 0, len(msg.Content.Variables))
		for k := range msg.Content.Variables {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(" ")
			b.WriteString(msg.Content.Variables[k])
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("unsupported content type %s", msg.ContentType)
	}
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}
