package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msghub/internal/channel"
	"msghub/internal/model"
	"msghub/internal/repo"
)

func testAccount(baseURL string) repo.ChannelAccount {
	return repo.ChannelAccount{
		ID:          "acc-1",
		TenantID:    "tenant-1",
		ChannelType: model.ChannelSMS,
		Identifier:  "+15550001111",
		Credentials: map[string]string{
			CredentialBaseURL: baseURL,
			CredentialAPIKey:  "key-123",
		},
	}
}

func outboundText(text string) *model.NormalizedMessage {
	return model.NewOutbound("tenant-1", "acc-1", model.ChannelSMS, model.ContentText, "+15557770000", model.Content{Text: text})
}

func TestSendReturnsProviderMessageID(t *testing.T) {
	var got sendPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "Bearer key-123", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(sendResponse{ID: "prov-42", Status: "queued"})
	}))
	defer srv.Close()

	c := New(model.ChannelSMS, time.Second, slog.Default())
	ack, err := c.Send(context.Background(), channel.ProviderRequest{
		Account: testAccount(srv.URL),
		Message: outboundText("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "prov-42", ack.ExternalID)
	assert.Equal(t, "+15557770000", got.To)
	assert.Equal(t, "text", got.Type)
	assert.Equal(t, "hello", got.Text)
}

func TestSendClassifiesProviderErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		kind   model.FailureKind
	}{
		{"unauthorized", http.StatusUnauthorized, model.FailureCredentialInvalid},
		{"forbidden", http.StatusForbidden, model.FailureCredentialInvalid},
		{"throttled", http.StatusTooManyRequests, model.FailureRateLimited},
		{"bad request", http.StatusBadRequest, model.FailureProviderRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()

			c := New(model.ChannelSMS, time.Second, slog.Default())
			_, err := c.Send(context.Background(), channel.ProviderRequest{
				Account: testAccount(srv.URL),
				Message: outboundText("hello"),
			})
			f, ok := model.AsFailure(err)
			require.True(t, ok, "expected typed failure, got %v", err)
			assert.Equal(t, tc.kind, f.Kind)
			if tc.kind == model.FailureRateLimited {
				assert.Positive(t, f.RetryAfter)
			}
		})
	}
}

func TestSendServerErrorIsNotTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(model.ChannelSMS, time.Second, slog.Default())
	_, err := c.Send(context.Background(), channel.ProviderRequest{
		Account: testAccount(srv.URL),
		Message: outboundText("hello"),
	})
	require.Error(t, err)
	_, ok := model.AsFailure(err)
	assert.False(t, ok)
}

func TestSendMissingCredentials(t *testing.T) {
	acc := testAccount("http://unused")
	delete(acc.Credentials, CredentialAPIKey)

	c := New(model.ChannelSMS, time.Second, slog.Default())
	_, err := c.Send(context.Background(), channel.ProviderRequest{
		Account: acc,
		Message: outboundText("hello"),
	})
	f, ok := model.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, model.FailureCredentialInvalid, f.Kind)
}

func TestValidateCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(model.ChannelSMS, time.Second, slog.Default())
	require.NoError(t, c.ValidateCredentials(context.Background(), testAccount(srv.URL)))

	bad := testAccount(srv.URL)
	bad.Credentials[CredentialAPIKey] = "wrong"
	err := c.ValidateCredentials(context.Background(), bad)
	f, ok := model.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, model.FailureCredentialInvalid, f.Kind)
}

func TestVoiceUsesCallsPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calls", r.URL.Path)
		_ = json.NewEncoder(w).Encode(sendResponse{ID: "call-1"})
	}))
	defer srv.Close()

	acc := testAccount(srv.URL)
	acc.ChannelType = model.ChannelVoice
	msg := model.NewOutbound("tenant-1", "acc-1", model.ChannelVoice, model.ContentVoiceCall, "+15557770000", model.Content{})

	c := New(model.ChannelVoice, time.Second, slog.Default())
	ack, err := c.Send(context.Background(), channel.ProviderRequest{Account: acc, Message: msg})
	require.NoError(t, err)
	assert.Equal(t, "call-1", ack.ExternalID)
}
