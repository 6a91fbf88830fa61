package runtime

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/PipeOpsHQ/agent-runtime-go/checkpoint"
	"github.com/PipeOpsHQ/agent-runtime-go/hooks"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

// Result is what Collect returns. Messages holds every snapshot in bus
// order, including the intermediate ones of streamed messages.
type Result struct {
	RunID        string
	SessionID    string
	State        State
	Messages     []*types.Message
	Checkpoint   *checkpoint.Checkpoint
	PendingHooks map[string]hooks.Info
}

// Final returns the latest snapshot of each message, in first-seen order.
func (r *Result) Final() []*types.Message {
	if r == nil {
		return nil
	}
	latest := orderedmap.New[string, *types.Message]()
	for _, msg := range r.Messages {
		latest.Set(msg.ID, msg)
	}
	out := make([]*types.Message, 0, latest.Len())
	for pair := latest.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// LastMessage returns the final snapshot of the last message started.
func (r *Result) LastMessage() *types.Message {
	final := r.Final()
	if len(final) == 0 {
		return nil
	}
	return final[len(final)-1]
}

// Text returns the text of the last assistant message.
func (r *Result) Text() string {
	return lastAssistantText(r.Final())
}

func (r *Result) TotalUsage() *types.Usage {
	return totalUsage(r.Final())
}

// ByLabel groups the final messages by branch label, keeping order.
func (r *Result) ByLabel() map[string][]*types.Message {
	out := map[string][]*types.Message{}
	for _, msg := range r.Final() {
		out[msg.Label] = append(out[msg.Label], msg)
	}
	return out
}

func lastAssistantText(msgs []*types.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == types.RoleAssistant {
			if text := msgs[i].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}

func totalUsage(msgs []*types.Message) *types.Usage {
	var total *types.Usage
	for _, msg := range msgs {
		if msg.Usage == nil {
			continue
		}
		if total == nil {
			total = &types.Usage{}
		}
		total.Add(msg.Usage)
	}
	return total
}
