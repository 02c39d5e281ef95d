// Package httpapi is a REST provider client usable by any channel whose
// provider exposes a JSON send API. Endpoint and API key come from the
// channel account's credentials, so one process can serve accounts on
// different providers of the same channel type.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"msghub/internal/channel"
	"msghub/internal/model"
	"msghub/internal/repo"
)

const maxResponseBody = 256 << 10

// Credential keys every account using this client must carry.
const (
	CredentialBaseURL = "base_url"
	CredentialAPIKey  = "api_key"
)

// Client posts outbound messages to a provider's REST API.
type Client struct {
	channel model.ChannelType
	logger  *slog.Logger
	http    *http.Client
}

// New builds a client for one channel type. The timeout bounds a single
// provider round trip; the send pipeline applies its own deadline on top.
func New(channelType model.ChannelType, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		channel: channelType,
		logger:  logger.With("component", "provider_http", "channel", string(channelType)),
		http:    &http.Client{Timeout: timeout},
	}
}

// sendPayload is the wire shape of an outbound send. Providers that need
// different field names sit behind a translation gateway.
type sendPayload struct {
	To         string            `json:"to"`
	From       string            `json:"from,omitempty"`
	Type       string            `json:"type"`
	Text       string            `json:"text,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	MediaURL   string            `json:"media_url,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// sendResponse is the provider's acceptance envelope.
type sendResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Send implements channel.ProviderClient.
func (c *Client) Send(ctx context.Context, req channel.ProviderRequest) (*channel.ProviderAck, error) {
	base, key, err := accountEndpoint(req.Account)
	if err != nil {
		return nil, model.WrapFailure(model.FailureCredentialInvalid, err)
	}

	payload := sendPayload{
		To:         req.Message.Recipient,
		From:       req.Account.Identifier,
		Type:       strings.ToLower(string(req.Message.ContentType)),
		Text:       req.Message.Content.Text,
		Subject:    req.Message.Content.Subject,
		MediaURL:   req.Message.Content.MediaURL,
		TemplateID: req.Message.Content.TemplateID,
		Variables:  req.Message.Content.Variables,
	}

	path := "/messages"
	if c.channel == model.ChannelVoice {
		path = "/calls"
	}

	var resp sendResponse
	if err := c.post(ctx, base, path, key, payload, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, model.NewFailure(model.FailureProviderRejected, "provider returned no message id")
	}
	return &channel.ProviderAck{ExternalID: resp.ID}, nil
}

// ValidateCredentials implements channel.ProviderClient by probing the
// provider's account endpoint.
func (c *Client) ValidateCredentials(ctx context.Context, acc repo.ChannelAccount) error {
	base, key, err := accountEndpoint(acc)
	if err != nil {
		return model.WrapFailure(model.FailureCredentialInvalid, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/account", nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("probe provider: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return model.NewFailure(model.FailureCredentialInvalid, "provider rejected credentials")
	}
	if res.StatusCode >= 400 {
		return fmt.Errorf("provider account probe: status=%d", res.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, base, path, key string, payload any, dest any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider request: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode >= 400 {
		return classifyHTTPError(res.StatusCode, raw)
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classifyHTTPError maps provider error statuses onto typed failures so the
// pipeline can decide what is retryable.
func classifyHTTPError(status int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.NewFailure(model.FailureCredentialInvalid, snippet)
	case status == http.StatusTooManyRequests:
		return &model.Failure{
			Kind:       model.FailureRateLimited,
			Message:    snippet,
			RetryAfter: time.Minute,
		}
	case status >= 400 && status < 500:
		return model.NewFailure(model.FailureProviderRejected, snippet)
	default:
		return fmt.Errorf("provider error: status=%d body=%s", status, snippet)
	}
}

func accountEndpoint(acc repo.ChannelAccount) (base, key string, err error) {
	base = strings.TrimRight(acc.Credentials[CredentialBaseURL], "/")
	key = acc.Credentials[CredentialAPIKey]
	if base == "" {
		return "", "", fmt.Errorf("account %s has no %s credential", acc.ID, CredentialBaseURL)
	}
	if key == "" {
		return "", "", fmt.Errorf("account %s has no %s credential", acc.ID, CredentialAPIKey)
	}
	return base, key, nil
}
