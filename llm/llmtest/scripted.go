// Package llmtest provides scripted language models for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/PipeOpsHQ/agent-runtime-go/llm"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

// Turn is one scripted response. Err, if set, is yielded after Events.
type Turn struct {
	Events []llm.Event
	Err    error
}

// Text scripts a plain text answer streamed word by word.
func Text(text string) Turn {
	events := []llm.Event{llm.TextStart("t0")}
	for i, w := range strings.SplitAfter(text, " ") {
		if w == "" && i > 0 {
			continue
		}
		events = append(events, llm.TextDelta("t0", w))
	}
	events = append(events,
		llm.TextEnd("t0"),
		llm.MessageDone("stop", &types.Usage{InputTokens: 10, OutputTokens: len(text), TotalTokens: 10 + len(text)}),
	)
	return Turn{Events: events}
}

// ToolCall scripts a response that asks for one tool call, streaming the
// arguments in two halves.
func ToolCall(id, name string, args any) Turn {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("llmtest: encode args: %v", err))
	}
	half := len(raw) / 2
	return Turn{Events: []llm.Event{
		llm.ToolStart(id, name),
		llm.ToolArgsDelta(id, string(raw[:half])),
		llm.ToolArgsDelta(id, string(raw[half:])),
		llm.ToolEnd(id, nil),
		llm.MessageDone("tool_calls", &types.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}),
	}}
}

// Fail scripts a response that errors before producing anything.
func Fail(err error) Turn {
	return Turn{Err: err}
}

// Model replays turns in order, one per Stream call.
type Model struct {
	mu       sync.Mutex
	name     string
	turns    []Turn
	calls    int
	requests [][]*types.Message
	tools    [][]types.ToolDefinition
}

func New(turns ...Turn) *Model {
	return &Model{name: "scripted", turns: turns}
}

func (m *Model) Name() string { return m.name }

func (m *Model) Stream(ctx context.Context, messages []*types.Message, tools []types.ToolDefinition) iter.Seq2[llm.Event, error] {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.requests = append(m.requests, types.CloneMessages(messages))
	m.tools = append(m.tools, append([]types.ToolDefinition(nil), tools...))
	var turn Turn
	exhausted := idx >= len(m.turns)
	if !exhausted {
		turn = m.turns[idx]
	}
	m.mu.Unlock()

	return func(yield func(llm.Event, error) bool) {
		if exhausted {
			yield(llm.Event{}, fmt.Errorf("llmtest: script exhausted after %d turns", idx))
			return
		}
		for _, ev := range turn.Events {
			if err := ctx.Err(); err != nil {
				yield(llm.Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if turn.Err != nil {
			yield(llm.Event{}, turn.Err)
		}
	}
}

func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests returns the message history passed to each Stream call.
func (m *Model) Requests() [][]*types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]*types.Message, len(m.requests))
	for i, r := range m.requests {
		out[i] = types.CloneMessages(r)
	}
	return out
}

func (m *Model) Tools() [][]types.ToolDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]types.ToolDefinition(nil), m.tools...)
}
