package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength is the longest utterance accepted, in characters.
const MaxMessageLength = 4000

const maxIDLength = 128

// ErrConversationNotFound is returned when a supplied conversation id does not exist.
var ErrConversationNotFound = errors.New("conversation not found")

// SendRequest is the body of a chat send.
type SendRequest struct {
	Message        string         `json:"message"`
	ConversationID string         `json:"conversationId,omitempty"`
	SessionID      string         `json:"sessionId,omitempty"`
	ContactID      string         `json:"contactId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ValidationError reports a rejected request field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"error"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate normalizes identifiers and checks the request.
func (r *SendRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return &ValidationError{Field: "message", Message: "message is required"}
	}
	if n := utf8.RuneCountInString(r.Message); n > MaxMessageLength {
		return &ValidationError{
			Field:   "message",
			Message: fmt.Sprintf("message must be at most %d characters, got %d", MaxMessageLength, n),
		}
	}

	r.ConversationID = strings.TrimSpace(r.ConversationID)
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.ContactID = strings.TrimSpace(r.ContactID)
	for field, value := range map[string]string{
		"conversationId": r.ConversationID,
		"sessionId":      r.SessionID,
		"contactId":      r.ContactID,
	} {
		if len(value) > maxIDLength {
			return &ValidationError{Field: field, Message: fmt.Sprintf("%s is too long", field)}
		}
	}
	return nil
}
