package model

// Capability names a feature a channel can carry.
type Capability string

const (
	CapText             Capability = "TEXT"
	CapRichText         Capability = "RICH_TEXT"
	CapImages           Capability = "IMAGES"
	CapVideos           Capability = "VIDEOS"
	CapAudio            Capability = "AUDIO"
	CapDocuments        Capability = "DOCUMENTS"
	CapTemplates        Capability = "TEMPLATES"
	CapInteractive      Capability = "INTERACTIVE"
	CapVoiceCall        Capability = "VOICE_CALL"
	CapVoiceMessage     Capability = "VOICE_MESSAGE"
	CapReadReceipts     Capability = "READ_RECEIPTS"
	CapDeliveryReceipts Capability = "DELIVERY_RECEIPTS"
	CapReactions        Capability = "REACTIONS"
	CapReplies          Capability = "REPLIES"
)

// CapabilitySet is the fixed feature set an adapter declares.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// Has reports whether the capability is present.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}
