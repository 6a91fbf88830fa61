package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/PipeOpsHQ/agent-runtime-go/llm"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

var ErrMaxIterations = errors.New("runtime: max iterations reached")

const defaultMaxIterations = 6

type LoopOptions struct {
	// KeyPrefix prefixes the step keys; it defaults to the branch label.
	KeyPrefix     string
	MaxIterations int
}

type LoopResult struct {
	// Messages is the history with every assistant turn appended.
	Messages   []*types.Message
	Iterations int
	Usage      *types.Usage
}

// Text returns the text of the last assistant turn.
func (r *LoopResult) Text() string {
	if r == nil {
		return ""
	}
	return lastAssistantText(r.Messages)
}

// Loop alternates model steps and tool execution until the model answers
// without calling a tool. Each turn is a step keyed "<prefix>/turn-<n>", so
// a resumed loop replays finished turns and recorded tool calls. A call to a
// tool missing from the catalog stops the loop with ErrUnknownTool.
func Loop(ctx context.Context, rt *Runtime, model llm.LanguageModel, history []*types.Message, opts LoopOptions) (*LoopResult, error) {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = rt.Label()
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	res := &LoopResult{Messages: types.CloneMessages(history)}
	for i := 1; i <= maxIter; i++ {
		res.Iterations = i
		step, err := rt.StreamStep(ctx, fmt.Sprintf("%s/turn-%d", prefix, i), model, res.Messages)
		if err != nil {
			return res, err
		}
		msg := step.LastMessage()
		if msg == nil {
			return res, fmt.Errorf("turn %d produced no message", i)
		}
		if step.Usage != nil {
			if res.Usage == nil {
				res.Usage = &types.Usage{}
			}
			res.Usage.Add(step.Usage)
		}
		res.Messages = append(res.Messages, msg)

		if len(msg.PendingToolCalls()) == 0 {
			return res, nil
		}
		if _, err := rt.ExecuteTools(ctx, msg); err != nil {
			return res, err
		}
	}
	return res, fmt.Errorf("%w (%d)", ErrMaxIterations, maxIter)
}
