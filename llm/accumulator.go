package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

// Accumulator folds stream events into one in-flight Message. A delta for a
// block that was never started creates the block.
type Accumulator struct {
	msg          *types.Message
	text         map[string]*types.TextPart
	reasoning    map[string]*types.ReasoningPart
	tools        map[string]*types.ToolPart
	args         map[string]*strings.Builder
	usage        *types.Usage
	finishReason string
}

func NewAccumulator(msg *types.Message) *Accumulator {
	if msg == nil {
		msg = types.NewMessage(types.RoleAssistant, "")
	}
	return &Accumulator{
		msg:       msg,
		text:      map[string]*types.TextPart{},
		reasoning: map[string]*types.ReasoningPart{},
		tools:     map[string]*types.ToolPart{},
		args:      map[string]*strings.Builder{},
	}
}

func (a *Accumulator) Message() *types.Message { return a.msg }

func (a *Accumulator) Usage() *types.Usage { return a.usage }

func (a *Accumulator) FinishReason() string { return a.finishReason }

// Apply merges ev into the message and reports whether anything visible
// changed.
func (a *Accumulator) Apply(ev Event) (bool, error) {
	switch ev.Type {
	case EventTextStart:
		_, created := a.textPart(ev.ID)
		return created, nil
	case EventTextDelta:
		p, _ := a.textPart(ev.ID)
		return p.Append(ev.Delta), nil
	case EventTextEnd:
		p, _ := a.textPart(ev.ID)
		return p.Finish(), nil

	case EventReasoningStart:
		_, created := a.reasoningPart(ev.ID)
		return created, nil
	case EventReasoningDelta:
		p, _ := a.reasoningPart(ev.ID)
		return p.Append(ev.Delta), nil
	case EventReasoningEnd:
		p, _ := a.reasoningPart(ev.ID)
		return p.Finish(ev.Signature), nil

	case EventToolStart:
		if ev.ID == "" {
			return false, fmt.Errorf("tool start without tool call id")
		}
		_, created := a.toolPart(ev.ID, ev.ToolName)
		return created, nil
	case EventToolArgsDelta:
		p, _ := a.toolPart(ev.ID, ev.ToolName)
		if p.State == types.StateDone {
			return false, nil
		}
		a.args[ev.ID].WriteString(ev.Delta)
		return false, nil
	case EventToolEnd:
		p, _ := a.toolPart(ev.ID, ev.ToolName)
		return a.finishTool(p, ev.Arguments), nil

	case EventMessageDone:
		if ev.Usage != nil {
			if a.usage == nil {
				a.usage = &types.Usage{}
			}
			a.usage.Add(ev.Usage)
			a.msg.Usage = a.usage.Clone()
		}
		if ev.FinishReason != "" {
			a.finishReason = ev.FinishReason
		}
		return ev.Usage != nil, nil
	}
	return false, fmt.Errorf("unknown stream event %q", ev.Type)
}

// Finish forces every part to done and returns the message.
func (a *Accumulator) Finish() *types.Message {
	for _, p := range a.msg.Parts {
		switch part := p.(type) {
		case *types.TextPart:
			part.Finish()
		case *types.ReasoningPart:
			part.Finish("")
		case *types.ToolPart:
			if part.State != types.StateDone {
				a.finishTool(part, nil)
			}
		}
	}
	return a.msg
}

func (a *Accumulator) finishTool(p *types.ToolPart, args json.RawMessage) bool {
	if len(args) == 0 {
		args = normalizeArgs(a.args[p.ToolCallID].String())
	} else if !json.Valid(args) {
		args = normalizeArgs(string(args))
	}
	return p.FinishArguments(args)
}

// normalizeArgs keeps malformed argument text as a JSON string so the
// message stays encodable; schema validation then rejects it.
func normalizeArgs(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}

func (a *Accumulator) textPart(id string) (*types.TextPart, bool) {
	if p, ok := a.text[id]; ok {
		return p, false
	}
	p := &types.TextPart{State: types.StateStreaming}
	a.text[id] = p
	a.msg.Parts = append(a.msg.Parts, p)
	return p, true
}

func (a *Accumulator) reasoningPart(id string) (*types.ReasoningPart, bool) {
	if p, ok := a.reasoning[id]; ok {
		return p, false
	}
	p := &types.ReasoningPart{State: types.StateStreaming}
	a.reasoning[id] = p
	a.msg.Parts = append(a.msg.Parts, p)
	return p, true
}

func (a *Accumulator) toolPart(id, name string) (*types.ToolPart, bool) {
	if p, ok := a.tools[id]; ok {
		if p.ToolName == "" && name != "" {
			p.ToolName = name
		}
		return p, false
	}
	p := &types.ToolPart{
		ToolCallID: id,
		ToolName:   name,
		State:      types.StateStreaming,
		Status:     types.ToolPending,
	}
	a.tools[id] = p
	a.args[id] = &strings.Builder{}
	a.msg.Parts = append(a.msg.Parts, p)
	return p, true
}
