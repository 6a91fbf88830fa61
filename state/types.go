package state

import (
	"encoding/json"
	"time"

	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusSuspended = "suspended"
	StatusFailed    = "failed"
)

// PendingHook is one entry of a suspended run's pending-hooks report.
type PendingHook struct {
	HookID   string         `json:"hookId"`
	Label    string         `json:"label,omitempty"`
	HookType string         `json:"hookType,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type RunRecord struct {
	RunID        string           `json:"runId"`
	SessionID    string           `json:"sessionId"`
	Workflow     string           `json:"workflow"`
	Status       string           `json:"status"`
	Input        string           `json:"input"`
	Output       string           `json:"output"`
	Messages     []*types.Message `json:"messages,omitempty"`
	Usage        *types.Usage     `json:"usage,omitempty"`
	PendingHooks []PendingHook    `json:"pendingHooks,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
	Error        string           `json:"error,omitempty"`
	CreatedAt    *time.Time       `json:"createdAt,omitempty"`
	UpdatedAt    *time.Time       `json:"updatedAt,omitempty"`
	CompletedAt  *time.Time       `json:"completedAt,omitempty"`
}

// CheckpointRecord is one saved checkpoint of a run. Checkpoint holds the
// serialized log exactly as checkpoint.Marshal produced it; Seq increases by
// one per save.
type CheckpointRecord struct {
	RunID       string          `json:"runId"`
	Seq         int             `json:"seq"`
	Status      string          `json:"status"`
	Checkpoint  json.RawMessage `json:"checkpoint"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}
