// Package domain contains core domain types for the concierge chat service.
package domain

import (
	"time"
)

// ConversationStatus is the soft lifecycle state of a conversation.
// Conversations are never hard-deleted.
type ConversationStatus string

const (
	// ConversationActive marks an open conversation that can be resumed by session key.
	ConversationActive ConversationStatus = "active"
	// ConversationArchived marks a conversation that is kept for audit only.
	ConversationArchived ConversationStatus = "archived"
)

// Conversation is an ordered thread of messages tied to a session or contact.
type Conversation struct {
	ID        string             `json:"id"`
	SessionID string             `json:"sessionId,omitempty"`
	ContactID string             `json:"contactId,omitempty"`
	Title     string             `json:"title"`
	Status    ConversationStatus `json:"status"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// IsOpen reports whether the conversation can still receive messages.
func (c *Conversation) IsOpen() bool {
	return c.Status == ConversationActive
}

// ConversationSummary is a list-view projection of a conversation.
type ConversationSummary struct {
	Conversation
	MessageCount int              `json:"messageCount"`
	LastMessage  *TranscriptEntry `json:"lastMessage,omitempty"`
}

// ConversationFilter narrows conversation listings.
type ConversationFilter struct {
	SessionID string
	ContactID string
	Limit     int
}

// DefaultTitle is assigned to conversations until the first exchange completes.
const DefaultTitle = "New conversation"

// TitleFromReply derives a conversation title from the first assistant reply.
func TitleFromReply(reply string) string {
	const maxTitleRunes = 60
	runes := []rune(reply)
	if len(runes) <= maxTitleRunes {
		return reply
	}
	return string(runes[:maxTitleRunes]) + "..."
}
