// Package stream defines the chat turn wire protocol shared by the server and its clients.
package stream

import (
	"encoding/json"
)

// EventType identifies a StreamEvent.
type EventType string

const (
	EventContent      EventType = "content"
	EventFunctionCall EventType = "function_call"
	EventDone         EventType = "done"
	EventError        EventType = "error"
)

// Event is one incremental unit of a chat turn.
//
// A turn is zero or more content/function_call events (and action error
// notices) followed by exactly one terminal event.
type Event struct {
	Type           EventType       `json:"type"`
	Content        string          `json:"content,omitempty"`
	Function       string          `json:"function,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Message        string          `json:"message,omitempty"`
	Error          string          `json:"error,omitempty"`
	ConversationID string          `json:"conversationId"`
}

// IsTerminal reports whether the event ends a turn. An error event that names
// a function reports a failed action and does not end the turn.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case EventDone:
		return true
	case EventError:
		return e.Function == ""
	default:
		return false
	}
}

// IsActionError reports whether the event is an inline action failure notice.
func (e Event) IsActionError() bool {
	return e.Type == EventError && e.Function != ""
}

// Content returns a text fragment event.
func Content(conversationID, text string) Event {
	return Event{Type: EventContent, Content: text, ConversationID: conversationID}
}

// FunctionCall returns an action result event. ack is the acknowledgment
// text the client appends to the in-flight message.
func FunctionCall(conversationID, function string, result json.RawMessage, ack string) Event {
	return Event{
		Type:           EventFunctionCall,
		Function:       function,
		Result:         result,
		Message:        ack,
		ConversationID: conversationID,
	}
}

// Done returns the successful terminal event.
func Done(conversationID string) Event {
	return Event{Type: EventDone, ConversationID: conversationID}
}

// Error returns the failed terminal event.
func Error(conversationID, message string) Event {
	return Event{Type: EventError, Error: message, ConversationID: conversationID}
}

// ActionError returns a non-terminal notice that one action failed.
func ActionError(conversationID, function, message string) Event {
	return Event{Type: EventError, Function: function, Error: message, ConversationID: conversationID}
}
