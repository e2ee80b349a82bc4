package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionKind enumerates the side-effecting actions the assistant may perform.
type ActionKind string

const (
	ActionCreateContact ActionKind = "create-contact"
	ActionCreateEnquiry ActionKind = "create-enquiry"
	ActionCreateBooking ActionKind = "create-booking"
	ActionFetchCatalog  ActionKind = "fetch-catalog"
)

// ActionKinds lists every supported kind in a stable order.
var ActionKinds = []ActionKind{
	ActionCreateContact,
	ActionCreateEnquiry,
	ActionCreateBooking,
	ActionFetchCatalog,
}

// ParseActionKind validates an action kind.
func ParseActionKind(s string) (ActionKind, error) {
	for _, k := range ActionKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown action kind %q", s)
}

// ActionStatus is the execution state of an ActionInvocation.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// IsTerminal reports whether the status is completed or failed.
func (s ActionStatus) IsTerminal() bool {
	return s == ActionCompleted || s == ActionFailed
}

// ActionInvocation is the audit record of one action the assistant performed.
// It references, but does not own, the conversation and any CRM record it touched.
type ActionInvocation struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Kind           ActionKind      `json:"kind"`
	Function       string          `json:"function,omitempty"`
	Input          json.RawMessage `json:"input"`
	Status         ActionStatus    `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	ResourceType   string          `json:"resourceType,omitempty"`
	ResourceID     string          `json:"resourceId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}
