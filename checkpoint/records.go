package checkpoint

import (
	"encoding/json"

	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

// StepRecord is the fully materialized output of one step. Deltas are never
// stored; Messages hold the final, done state.
type StepRecord struct {
	Key      string           `json:"key"`
	Label    string           `json:"label,omitempty"`
	Messages []*types.Message `json:"messages"`
	Usage    *types.Usage     `json:"usage,omitempty"`
}

func (r StepRecord) Clone() StepRecord {
	r.Messages = types.CloneMessages(r.Messages)
	r.Usage = r.Usage.Clone()
	return r
}

// ToolRecord is the terminal outcome of one tool call. Unknown marks a call
// whose tool was missing from the catalog; replaying it reproduces the
// original failure.
type ToolRecord struct {
	ToolCallID string           `json:"tool_call_id"`
	ToolName   string           `json:"tool_name"`
	Status     types.ToolStatus `json:"status"`
	Result     json.RawMessage  `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	Unknown    bool             `json:"unknown_tool,omitempty"`
}

func (r ToolRecord) Clone() ToolRecord {
	if r.Result != nil {
		r.Result = append(json.RawMessage(nil), r.Result...)
	}
	return r
}

type HookRecord struct {
	HookID     string           `json:"hook_id"`
	HookType   string           `json:"hook_type"`
	Label      string           `json:"label,omitempty"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	Status     types.HookStatus `json:"status"`
	Resolution json.RawMessage  `json:"resolution,omitempty"`
}

func (r HookRecord) Clone() HookRecord {
	r.Metadata = types.CloneMap(r.Metadata)
	if r.Resolution != nil {
		r.Resolution = append(json.RawMessage(nil), r.Resolution...)
	}
	return r
}
