// Package llm defines the streaming model contract and the accumulator that
// folds a model's event stream into a Message.
package llm

import (
	"context"
	"iter"

	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

// LanguageModel streams one model response. Implementations stop producing
// events when ctx is done and yield ctx.Err().
type LanguageModel interface {
	Name() string
	Stream(ctx context.Context, messages []*types.Message, tools []types.ToolDefinition) iter.Seq2[Event, error]
}

// Collect drains a stream into a single finished Message.
func Collect(stream iter.Seq2[Event, error], label string) (*types.Message, error) {
	acc := NewAccumulator(types.NewMessage(types.RoleAssistant, label))
	for ev, err := range stream {
		if err != nil {
			return nil, err
		}
		if _, err := acc.Apply(ev); err != nil {
			return nil, err
		}
	}
	return acc.Finish(), nil
}
