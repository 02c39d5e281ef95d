package model

import (
	"time"

	"github.com/google/uuid"
)

// ChannelType identifies the provider family a message travels over.
type ChannelType string

const (
	ChannelWhatsApp ChannelType = "WHATSAPP"
	ChannelSMS      ChannelType = "SMS"
	ChannelEmail    ChannelType = "EMAIL"
	ChannelVoice    ChannelType = "VOICE"
)

// Valid reports whether the channel type is one of the known variants.
func (c ChannelType) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelSMS, ChannelEmail, ChannelVoice:
		return true
	}
	return false
}

// Direction of a message relative to the platform.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// ContentType describes the payload variant carried by a message.
type ContentType string

const (
	ContentText         ContentType = "TEXT"
	ContentImage        ContentType = "IMAGE"
	ContentVideo        ContentType = "VIDEO"
	ContentAudio        ContentType = "AUDIO"
	ContentDocument     ContentType = "DOCUMENT"
	ContentTemplate     ContentType = "TEMPLATE"
	ContentVoiceCall    ContentType = "VOICE_CALL"
	ContentVoiceMessage ContentType = "VOICE_MESSAGE"
)

// Content is the variant payload of a normalized message. Exactly the fields
// relevant to the ContentType are set; the rest stay zero.
type Content struct {
	Text       string            `json:"text,omitempty"`
	MediaURL   string            `json:"media_url,omitempty"`
	MimeType   string            `json:"mime_type,omitempty"`
	Caption    string            `json:"caption,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
	CallID     string            `json:"call_id,omitempty"`
	DurationS  int               `json:"duration_s,omitempty"`
}

// NormalizedMessage is the channel-agnostic envelope every adapter produces
// and consumes. ExternalID is the provider's message id; it is set exactly
// once, at first successful provider acknowledgement.
type NormalizedMessage struct {
	ID          string
	ExternalID  string
	TenantID    string
	AccountID   string
	ChannelType ChannelType
	Direction   Direction
	ContentType ContentType
	Sender      string
	Recipient   string
	Content     Content
	Status      DeliveryStatus
	Cost        int64
	Timestamp   time.Time
}

// NewOutbound builds a pending outbound message bound to a channel account.
func NewOutbound(tenantID, accountID string, channel ChannelType, contentType ContentType, recipient string, content Content) *NormalizedMessage {
	return &NormalizedMessage{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		AccountID:   accountID,
		ChannelType: channel,
		Direction:   DirectionOutbound,
		ContentType: contentType,
		Recipient:   recipient,
		Content:     content,
		Status:      StatusPending,
		Timestamp:   time.Now().UTC(),
	}
}

// NewInbound builds an inbound message already acknowledged by the provider.
func NewInbound(accountID string, channel ChannelType, externalID, sender string, contentType ContentType, content Content, at time.Time) *NormalizedMessage {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return &NormalizedMessage{
		ID:          uuid.NewString(),
		ExternalID:  externalID,
		AccountID:   accountID,
		ChannelType: channel,
		Direction:   DirectionInbound,
		ContentType: contentType,
		Sender:      sender,
		Content:     content,
		Status:      StatusDelivered,
		Timestamp:   at,
	}
}

// Acknowledge records the provider message id. The id is write-once; a second
// acknowledgement with a different id is ignored.
func (m *NormalizedMessage) Acknowledge(externalID string) {
	if m.ExternalID == "" {
		m.ExternalID = externalID
	}
}
