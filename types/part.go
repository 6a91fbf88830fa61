package types

import (
	"encoding/json"
	"fmt"

	"github.com/buger/jsonparser"
)

type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
	PartTool      PartType = "tool"
	PartHook      PartType = "hook"
)

type PartState string

const (
	StateStreaming PartState = "streaming"
	StateDone      PartState = "done"
)

type ToolStatus string

const (
	ToolPending ToolStatus = "pending"
	ToolResult  ToolStatus = "result"
	ToolError   ToolStatus = "error"
)

type HookStatus string

const (
	HookPending   HookStatus = "pending"
	HookResolved  HookStatus = "resolved"
	HookCancelled HookStatus = "cancelled"
)

// Part is one typed content unit of a Message. The set of implementations
// is closed: TextPart, ReasoningPart, ToolPart and HookPart.
//
// State and status fields only move forward. The mutators on each part
// return false instead of applying a transition that would regress.
type Part interface {
	Type() PartType
	Done() bool
	clonePart() Part
}

type TextPart struct {
	State PartState `json:"state"`
	Text  string    `json:"text"`
	Delta string    `json:"delta,omitempty"`
}

func (p *TextPart) Type() PartType { return PartText }
func (p *TextPart) Done() bool     { return p.State == StateDone }

// Append merges a streamed delta. It is a no-op once the part is done.
func (p *TextPart) Append(delta string) bool {
	if p.Done() {
		return false
	}
	if p.State == "" {
		p.State = StateStreaming
	}
	p.Text += delta
	p.Delta = delta
	return true
}

func (p *TextPart) Finish() bool {
	if p.Done() {
		return false
	}
	p.State = StateDone
	p.Delta = ""
	return true
}

func (p *TextPart) clonePart() Part {
	cp := *p
	return &cp
}

func (p *TextPart) MarshalJSON() ([]byte, error) {
	type alias TextPart
	return json.Marshal(struct {
		Type PartType `json:"type"`
		*alias
	}{PartText, (*alias)(p)})
}

type ReasoningPart struct {
	State     PartState `json:"state"`
	Text      string    `json:"text"`
	Delta     string    `json:"delta,omitempty"`
	Signature string    `json:"signature,omitempty"`
}

func (p *ReasoningPart) Type() PartType { return PartReasoning }
func (p *ReasoningPart) Done() bool     { return p.State == StateDone }

func (p *ReasoningPart) Append(delta string) bool {
	if p.Done() {
		return false
	}
	if p.State == "" {
		p.State = StateStreaming
	}
	p.Text += delta
	p.Delta = delta
	return true
}

func (p *ReasoningPart) Finish(signature string) bool {
	if p.Done() {
		return false
	}
	p.State = StateDone
	p.Delta = ""
	if signature != "" {
		p.Signature = signature
	}
	return true
}

func (p *ReasoningPart) clonePart() Part {
	cp := *p
	return &cp
}

func (p *ReasoningPart) MarshalJSON() ([]byte, error) {
	type alias ReasoningPart
	return json.Marshal(struct {
		Type PartType `json:"type"`
		*alias
	}{PartReasoning, (*alias)(p)})
}

// ToolPart is a tool call requested by the model. State tracks streaming of
// the arguments; Status tracks execution of the call.
type ToolPart struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	State      PartState       `json:"state"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Status     ToolStatus      `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func (p *ToolPart) Type() PartType { return PartTool }

// Done reports whether the call has a terminal status.
func (p *ToolPart) Done() bool {
	return p.Status == ToolResult || p.Status == ToolError
}

func (p *ToolPart) FinishArguments(args json.RawMessage) bool {
	if p.State == StateDone {
		return false
	}
	p.State = StateDone
	if len(args) > 0 {
		p.Arguments = append(json.RawMessage(nil), args...)
	}
	if p.Status == "" {
		p.Status = ToolPending
	}
	return true
}

func (p *ToolPart) SetResult(result json.RawMessage) bool {
	if p.Done() {
		return false
	}
	p.State = StateDone
	p.Status = ToolResult
	p.Result = append(json.RawMessage(nil), result...)
	return true
}

func (p *ToolPart) SetError(msg string) bool {
	if p.Done() {
		return false
	}
	p.State = StateDone
	p.Status = ToolError
	p.Error = msg
	return true
}

func (p *ToolPart) Call() ToolCall {
	return ToolCall{ID: p.ToolCallID, Name: p.ToolName, Arguments: append(json.RawMessage(nil), p.Arguments...)}
}

func (p *ToolPart) clonePart() Part {
	cp := *p
	cp.Arguments = cloneRaw(p.Arguments)
	cp.Result = cloneRaw(p.Result)
	return &cp
}

func (p *ToolPart) MarshalJSON() ([]byte, error) {
	type alias ToolPart
	return json.Marshal(struct {
		Type PartType `json:"type"`
		*alias
	}{PartTool, (*alias)(p)})
}

type HookPart struct {
	HookID     string          `json:"hook_id"`
	HookType   string          `json:"hook_type"`
	Status     HookStatus      `json:"status"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	Resolution json.RawMessage `json:"resolution,omitempty"`
}

func (p *HookPart) Type() PartType { return PartHook }

func (p *HookPart) Done() bool {
	return p.Status == HookResolved || p.Status == HookCancelled
}

func (p *HookPart) Resolve(resolution json.RawMessage) bool {
	if p.Done() {
		return false
	}
	p.Status = HookResolved
	p.Resolution = cloneRaw(resolution)
	return true
}

func (p *HookPart) Cancel() bool {
	if p.Done() {
		return false
	}
	p.Status = HookCancelled
	return true
}

func (p *HookPart) clonePart() Part {
	cp := *p
	cp.Metadata = CloneMap(p.Metadata)
	cp.Resolution = cloneRaw(p.Resolution)
	return &cp
}

func (p *HookPart) MarshalJSON() ([]byte, error) {
	type alias HookPart
	return json.Marshal(struct {
		Type PartType `json:"type"`
		*alias
	}{PartHook, (*alias)(p)})
}

// UnmarshalPart decodes one JSON-encoded part using its "type" field.
func UnmarshalPart(data []byte) (Part, error) {
	kind, err := jsonparser.GetString(data, "type")
	if err != nil {
		return nil, fmt.Errorf("part type: %w", err)
	}
	var part Part
	switch PartType(kind) {
	case PartText:
		part = &TextPart{}
	case PartReasoning:
		part = &ReasoningPart{}
	case PartTool:
		part = &ToolPart{}
	case PartHook:
		part = &HookPart{}
	default:
		return nil, fmt.Errorf("unknown part type %q", kind)
	}
	if err := json.Unmarshal(data, part); err != nil {
		return nil, fmt.Errorf("decode %s part: %w", kind, err)
	}
	return part, nil
}

// ClonePart returns a deep copy of p.
func ClonePart(p Part) Part {
	if p == nil {
		return nil
	}
	return p.clonePart()
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// CloneMap deep-copies JSON-shaped maps. Values other than maps and slices
// are copied by assignment.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case json.RawMessage:
		return cloneRaw(val)
	default:
		return val
	}
}
