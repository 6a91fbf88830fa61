package llm

import (
	"encoding/json"

	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

type EventType string

const (
	EventTextStart      EventType = "text.start"
	EventTextDelta      EventType = "text.delta"
	EventTextEnd        EventType = "text.end"
	EventReasoningStart EventType = "reasoning.start"
	EventReasoningDelta EventType = "reasoning.delta"
	EventReasoningEnd   EventType = "reasoning.end"
	EventToolStart      EventType = "tool.start"
	EventToolArgsDelta  EventType = "tool.args_delta"
	EventToolEnd        EventType = "tool.end"
	EventMessageDone    EventType = "message.done"
)

// Event is one increment of a streamed model response. ID names the block
// the event belongs to: a text or reasoning block id, or a tool call id.
type Event struct {
	Type         EventType       `json:"type"`
	ID           string          `json:"id,omitempty"`
	Delta        string          `json:"delta,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	Signature    string          `json:"signature,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	Usage        *types.Usage    `json:"usage,omitempty"`
}

func TextStart(id string) Event { return Event{Type: EventTextStart, ID: id} }

func TextDelta(id, delta string) Event { return Event{Type: EventTextDelta, ID: id, Delta: delta} }

func TextEnd(id string) Event { return Event{Type: EventTextEnd, ID: id} }

func ReasoningStart(id string) Event { return Event{Type: EventReasoningStart, ID: id} }

func ReasoningDelta(id, delta string) Event {
	return Event{Type: EventReasoningDelta, ID: id, Delta: delta}
}

func ReasoningEnd(id, signature string) Event {
	return Event{Type: EventReasoningEnd, ID: id, Signature: signature}
}

func ToolStart(toolCallID, toolName string) Event {
	return Event{Type: EventToolStart, ID: toolCallID, ToolName: toolName}
}

func ToolArgsDelta(toolCallID, delta string) Event {
	return Event{Type: EventToolArgsDelta, ID: toolCallID, Delta: delta}
}

// ToolEnd closes a tool call. Nil args means "use the streamed deltas".
func ToolEnd(toolCallID string, args json.RawMessage) Event {
	return Event{Type: EventToolEnd, ID: toolCallID, Arguments: args}
}

func MessageDone(finishReason string, usage *types.Usage) Event {
	return Event{Type: EventMessageDone, FinishReason: finishReason, Usage: usage}
}
