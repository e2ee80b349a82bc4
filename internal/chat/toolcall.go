package chat

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hawkins-trichology/concierge/internal/llm"
)

// ToolCallState is the accumulation phase of the tool calls in one completion.
type ToolCallState uint8

const (
	// ToolCallIdle means no tool-call fragment has arrived yet.
	ToolCallIdle ToolCallState = iota
	// ToolCallAccumulating means fragments are being collected.
	ToolCallAccumulating
	// ToolCallComplete means the upstream stream finished and the calls are final.
	ToolCallComplete
)

func (s ToolCallState) String() string {
	switch s {
	case ToolCallIdle:
		return "idle"
	case ToolCallAccumulating:
		return "accumulating"
	case ToolCallComplete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ErrToolCallComplete is returned when a fragment arrives after the calls were completed.
var ErrToolCallComplete = errors.New("tool call fragment after completion")

// ToolCall is a fully accumulated function call requested by the model.
type ToolCall struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

type toolCallBuilder struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

// ToolCallAccumulator assembles streamed tool-call fragments.
//
// The name and id of a call are fixed by the first fragment that carries them;
// argument fragments are concatenated in arrival order.
type ToolCallAccumulator struct {
	state   ToolCallState
	byIndex map[int]*toolCallBuilder
}

// State returns the current phase.
func (a *ToolCallAccumulator) State() ToolCallState {
	return a.state
}

// Add folds one fragment into the call it belongs to.
func (a *ToolCallAccumulator) Add(f llm.ToolCallFragment) error {
	if a.state == ToolCallComplete {
		return ErrToolCallComplete
	}
	if a.byIndex == nil {
		a.byIndex = make(map[int]*toolCallBuilder)
	}
	a.state = ToolCallAccumulating

	b, ok := a.byIndex[f.Index]
	if !ok {
		b = &toolCallBuilder{index: f.Index}
		a.byIndex[f.Index] = b
	}
	if b.id == "" {
		b.id = f.ID
	}
	if b.name == "" {
		b.name = f.Name
	}
	b.args.WriteString(f.Arguments)
	return nil
}

// Complete finalizes accumulation and returns the calls ordered by index.
// It returns nil when no fragment was seen.
func (a *ToolCallAccumulator) Complete() []ToolCall {
	if a.state == ToolCallIdle {
		return nil
	}
	a.state = ToolCallComplete

	calls := make([]ToolCall, 0, len(a.byIndex))
	for _, b := range a.byIndex {
		calls = append(calls, ToolCall{
			Index:     b.index,
			ID:        b.id,
			Name:      b.name,
			Arguments: b.args.String(),
		})
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].Index < calls[j].Index })
	return calls
}
