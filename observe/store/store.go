// Package store defines the queryable record of runtime events behind the
// HTTP trace endpoints.
package store

import (
	"context"
	"time"

	"github.com/PipeOpsHQ/agent-runtime-go/observe"
)

// ListQuery pages events in recording order. Kind, Status and Label
// narrow the result when set.
type ListQuery struct {
	Limit  int
	Offset int
	Kind   observe.Kind
	Status observe.Status
	Label  string
}

type MetricsQuery struct {
	Since *time.Time
}

type MetricsSummary struct {
	RunsStarted    int64 `json:"runsStarted"`
	RunsCompleted  int64 `json:"runsCompleted"`
	RunsFailed     int64 `json:"runsFailed"`
	RunsSuspended  int64 `json:"runsSuspended"`
	StepCalls      int64 `json:"stepCalls"`
	StepReplays    int64 `json:"stepReplays"`
	StepFailures   int64 `json:"stepFailures"`
	ToolCalls      int64 `json:"toolCalls"`
	ToolFailures   int64 `json:"toolFailures"`
	HooksSuspended int64 `json:"hooksSuspended"`
}

// Store persists observe events for later inspection, one row per event.
type Store interface {
	SaveEvent(ctx context.Context, event observe.Event) error
	ListEventsByRun(ctx context.Context, runID string, query ListQuery) ([]observe.Event, error)
	ListEventsBySession(ctx context.Context, sessionID string, query ListQuery) ([]observe.Event, error)
	AggregateMetrics(ctx context.Context, query MetricsQuery) (MetricsSummary, error)
	// Prune deletes events recorded before the cutoff and reports how many
	// were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
