// Package observe carries runtime lifecycle events to pluggable sinks:
// tracing, metrics and a queryable trace store.
package observe

import "time"

type Kind string

type Status string

const (
	KindRun        Kind = "run"
	KindStep       Kind = "step"
	KindTool       Kind = "tool"
	KindHook       Kind = "hook"
	KindCheckpoint Kind = "checkpoint"
	KindCustom     Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSuspended Status = "suspended"
	StatusReplayed  Status = "replayed"
	StatusPending   Status = "pending"
	StatusCancelled Status = "cancelled"
)

type Event struct {
	ID           string         `json:"id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	RunID        string         `json:"runId,omitempty"`
	SessionID    string         `json:"sessionId,omitempty"`
	SpanID       string         `json:"spanId,omitempty"`
	ParentSpanID string         `json:"parentSpanId,omitempty"`
	Kind         Kind           `json:"kind"`
	Status       Status         `json:"status,omitempty"`
	Name         string         `json:"name,omitempty"`
	Label        string         `json:"label,omitempty"`
	Provider     string         `json:"provider,omitempty"`
	ToolName     string         `json:"toolName,omitempty"`
	HookID       string         `json:"hookId,omitempty"`
	Message      string         `json:"message,omitempty"`
	Error        string         `json:"error,omitempty"`
	DurationMs   int64          `json:"durationMs,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}

// Terminal reports whether the event closes the unit of work it describes.
func (e Event) Terminal() bool {
	switch e.Status {
	case StatusCompleted, StatusFailed, StatusSuspended, StatusReplayed, StatusCancelled:
		return true
	}
	return false
}
