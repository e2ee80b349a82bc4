package domain

import (
	"fmt"
	"time"
)

// Role identifies the author of a message. The set is closed.
type Role uint8

const (
	// RoleUser is a message typed by the visitor.
	RoleUser Role = iota + 1
	// RoleAssistant is a message produced by the model.
	RoleAssistant
	// RoleSystem is an instruction message; it is sent to the model but never to visitors.
	RoleSystem
)

// String returns the persisted name of the role.
func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	case RoleSystem:
		return "system"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return []byte(r.String()), nil
	default:
		return nil, fmt.Errorf("invalid role %d", uint8(r))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRole parses a persisted role name.
func ParseRole(s string) (Role, error) {
	switch s {
	case "user", "USER":
		return RoleUser, nil
	case "assistant", "ASSISTANT":
		return RoleAssistant, nil
	case "system", "SYSTEM":
		return RoleSystem, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// Message is an immutable entry in a conversation.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// VisibleRole is the subset of roles that may be shown to visitors.
// There is no system value, so system messages cannot be serialized to clients.
type VisibleRole string

const (
	// VisibleUser is a visitor message.
	VisibleUser VisibleRole = "user"
	// VisibleAssistant is an assistant message.
	VisibleAssistant VisibleRole = "assistant"
)

// TranscriptEntry is the client-facing view of a message.
type TranscriptEntry struct {
	ID        string      `json:"id"`
	Role      VisibleRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Visible converts the message to its client-facing form.
// It returns false for system messages.
func (m Message) Visible() (TranscriptEntry, bool) {
	var role VisibleRole
	switch m.Role {
	case RoleUser:
		role = VisibleUser
	case RoleAssistant:
		role = VisibleAssistant
	default:
		return TranscriptEntry{}, false
	}
	return TranscriptEntry{
		ID:        m.ID,
		Role:      role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}, true
}

// Transcript returns the client-visible messages in order.
func Transcript(msgs []Message) []TranscriptEntry {
	out := make([]TranscriptEntry, 0, len(msgs))
	for _, m := range msgs {
		if entry, ok := m.Visible(); ok {
			out = append(out, entry)
		}
	}
	return out
}
