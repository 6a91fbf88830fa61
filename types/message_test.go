package types

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageJSONKeepsPartTypes(t *testing.T) {
	msg := NewMessage(RoleAssistant, "researcher",
		&ReasoningPart{State: StateDone, Text: "thinking", Signature: "sig"},
		&TextPart{State: StateDone, Text: "hello"},
		&ToolPart{ToolCallID: "call-1", ToolName: "calculator", State: StateDone, Arguments: json.RawMessage(`{"expression":"2+2"}`), Status: ToolResult, Result: json.RawMessage(`{"result":"4"}`)},
		&HookPart{HookID: "approve", HookType: "approval", Status: HookPending, Metadata: map[string]any{"tool": "deploy"}},
	)
	msg.Usage = &Usage{InputTokens: 3, OutputTokens: 5, TotalTokens: 8}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"tool"`)
	assert.Contains(t, string(raw), `"tool_call_id":"call-1"`)

	var decoded Message
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded.Parts, 4)
	assert.Equal(t, "researcher", decoded.Label)
	assert.Equal(t, "thinking", decoded.Reasoning())
	assert.Equal(t, "hello", decoded.Text())
	tool := decoded.ToolPart("call-1")
	require.NotNil(t, tool)
	assert.JSONEq(t, `{"result":"4"}`, string(tool.Result))
	hook := decoded.HookPart("approve")
	require.NotNil(t, hook)
	assert.Equal(t, "deploy", hook.Metadata["tool"])
	assert.Equal(t, 8, decoded.Usage.TotalTokens)
}

func TestUnmarshalPartRejectsUnknownType(t *testing.T) {
	_, err := UnmarshalPart([]byte(`{"type":"image","url":"x"}`))
	require.Error(t, err)

	_, err = UnmarshalPart([]byte(`{"text":"no type"}`))
	require.Error(t, err)
}

func TestPartsOnlyAdvance(t *testing.T) {
	text := &TextPart{}
	assert.True(t, text.Append("he"))
	assert.True(t, text.Append("llo"))
	assert.Equal(t, "llo", text.Delta)
	assert.True(t, text.Finish())
	assert.False(t, text.Append("!"))
	assert.False(t, text.Finish())
	assert.Equal(t, "hello", text.Text)
	assert.Empty(t, text.Delta)

	tool := &ToolPart{ToolCallID: "c", ToolName: "t", State: StateStreaming, Status: ToolPending}
	assert.True(t, tool.FinishArguments(json.RawMessage(`{}`)))
	assert.True(t, tool.SetResult(json.RawMessage(`1`)))
	assert.False(t, tool.SetError("late"))
	assert.Equal(t, ToolResult, tool.Status)

	hook := &HookPart{HookID: "h", Status: HookPending}
	assert.True(t, hook.Cancel())
	assert.False(t, hook.Resolve(json.RawMessage(`true`)))
	assert.Equal(t, HookCancelled, hook.Status)
}

func TestMessageCloneIsIndependent(t *testing.T) {
	msg := NewMessage(RoleAssistant, "a",
		&TextPart{State: StateStreaming, Text: "par"},
		&HookPart{HookID: "h", Status: HookPending, Metadata: map[string]any{"nested": map[string]any{"k": "v"}}},
	)
	cp := msg.Clone()

	msg.Parts[0].(*TextPart).Append("tial")
	msg.HookPart("h").Metadata["nested"].(map[string]any)["k"] = "changed"

	assert.Equal(t, "par", cp.Text())
	assert.Equal(t, "v", cp.HookPart("h").Metadata["nested"].(map[string]any)["k"])
	assert.Equal(t, msg.ID, cp.ID)
}

func TestMessageDone(t *testing.T) {
	msg := NewMessage(RoleAssistant, "",
		&TextPart{State: StateDone, Text: "x"},
		&ToolPart{ToolCallID: "c", State: StateStreaming, Status: ToolPending},
	)
	assert.False(t, msg.Done())
	msg.ToolPart("c").FinishArguments(nil)
	assert.True(t, msg.Done())
	assert.Len(t, msg.PendingToolCalls(), 1)
}

func TestLabelContext(t *testing.T) {
	ctx := ContextWithLabel(context.Background(), "branch-a")
	assert.Equal(t, "branch-a", LabelFromContext(ctx))
	assert.Empty(t, LabelFromContext(context.Background()))
}

func TestMakeMessages(t *testing.T) {
	msgs := MakeMessages("be brief", "2+2")
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, "2+2", msgs[1].Text())

	assert.Len(t, MakeMessages("  ", "hi"), 1)
}
