// Package llm abstracts the hosted chat-completion service the relay streams from.
package llm

import (
	"context"
	"iter"
)

// Message roles understood by completion providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Finish reasons reported on the final delta of a stream.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// Message is one entry of the model input.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolDefinition describes a function the model may call.
// Parameters is a JSON schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// CompletionRequest is a streamed completion with optional tools.
// When Tools is non-empty the provider lets the model choose whether to call one.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float32
}

// ToolCallFragment is a partial tool call. Fragments sharing an Index belong
// to the same call; ID and Name usually arrive only on the first fragment.
type ToolCallFragment struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Delta is one incremental piece of a streamed completion.
type Delta struct {
	Content      string
	ToolCalls    []ToolCallFragment
	FinishReason string
}

// Provider streams completions from a hosted model.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Stream yields deltas until the completion finishes. A non-nil error ends
	// the sequence. Stopping iteration early releases the upstream stream.
	Stream(ctx context.Context, req CompletionRequest) iter.Seq2[Delta, error]
}
