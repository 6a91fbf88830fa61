package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Message is an ordered list of parts produced by one branch. The producer
// mutates it in place while parts stream; consumers receive clones.
type Message struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
	Label string `json:"label,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
}

func NewMessage(role Role, label string, parts ...Part) *Message {
	return &Message{
		ID:    uuid.NewString(),
		Role:  role,
		Parts: parts,
		Label: label,
	}
}

func UserMessage(text string) *Message {
	return NewMessage(RoleUser, "", &TextPart{State: StateDone, Text: text})
}

func SystemMessage(text string) *Message {
	return NewMessage(RoleSystem, "", &TextPart{State: StateDone, Text: text})
}

// MakeMessages builds the usual system + user prelude. An empty system
// prompt is skipped.
func MakeMessages(system, user string) []*Message {
	out := make([]*Message, 0, 2)
	if strings.TrimSpace(system) != "" {
		out = append(out, SystemMessage(system))
	}
	return append(out, UserMessage(user))
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := &Message{
		ID:    m.ID,
		Role:  m.Role,
		Label: m.Label,
		Usage: m.Usage.Clone(),
	}
	if m.Parts != nil {
		cp.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			cp.Parts[i] = ClonePart(p)
		}
	}
	return cp
}

// Done reports whether every streaming part has finished. Tool parts count
// as done once their arguments are complete; hook parts are never waited on.
func (m *Message) Done() bool {
	if m == nil {
		return true
	}
	for _, p := range m.Parts {
		switch part := p.(type) {
		case *TextPart:
			if !part.Done() {
				return false
			}
		case *ReasoningPart:
			if !part.Done() {
				return false
			}
		case *ToolPart:
			if part.State != StateDone {
				return false
			}
		}
	}
	return true
}

func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(*TextPart); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

func (m *Message) Reasoning() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if r, ok := p.(*ReasoningPart); ok {
			b.WriteString(r.Text)
		}
	}
	return b.String()
}

func (m *Message) ToolParts() []*ToolPart {
	if m == nil {
		return nil
	}
	var out []*ToolPart
	for _, p := range m.Parts {
		if t, ok := p.(*ToolPart); ok {
			out = append(out, t)
		}
	}
	return out
}

// PendingToolCalls returns tool parts that have not been executed yet.
func (m *Message) PendingToolCalls() []*ToolPart {
	var out []*ToolPart
	for _, t := range m.ToolParts() {
		if !t.Done() {
			out = append(out, t)
		}
	}
	return out
}

func (m *Message) ToolPart(toolCallID string) *ToolPart {
	for _, t := range m.ToolParts() {
		if t.ToolCallID == toolCallID {
			return t
		}
	}
	return nil
}

func (m *Message) HookPart(hookID string) *HookPart {
	if m == nil {
		return nil
	}
	for _, p := range m.Parts {
		if h, ok := p.(*HookPart); ok && h.HookID == hookID {
			return h
		}
	}
	return nil
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var raw struct {
		*alias
		Parts []json.RawMessage `json:"parts"`
	}
	raw.alias = (*alias)(m)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Parts = nil
	if raw.Parts != nil {
		m.Parts = make([]Part, 0, len(raw.Parts))
	}
	for i, data := range raw.Parts {
		part, err := UnmarshalPart(data)
		if err != nil {
			return fmt.Errorf("message %s part %d: %w", m.ID, i, err)
		}
		m.Parts = append(m.Parts, part)
	}
	return nil
}

func CloneMessages(in []*Message) []*Message {
	if in == nil {
		return nil
	}
	out := make([]*Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
