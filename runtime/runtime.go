package runtime

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/agent-runtime-go/checkpoint"
	"github.com/PipeOpsHQ/agent-runtime-go/hooks"
	"github.com/PipeOpsHQ/agent-runtime-go/observe"
	"github.com/PipeOpsHQ/agent-runtime-go/tools"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

var _ tools.Runtime = (*Runtime)(nil)

// Runtime is the handle a workflow branch uses to reach its run. Each branch
// holds its own handle; they differ only by label.
type Runtime struct {
	run   *Run
	label string
}

func (rt *Runtime) RunID() string { return rt.run.id }

func (rt *Runtime) SessionID() string { return rt.run.sessionID }

func (rt *Runtime) Label() string { return rt.label }

// WithLabel returns a handle for a child branch.
func (rt *Runtime) WithLabel(label string) *Runtime {
	return &Runtime{run: rt.run, label: label}
}

// Put publishes msg on the run's bus. The label is left as the caller set
// it.
func (rt *Runtime) Put(ctx context.Context, msg *types.Message) error {
	return rt.run.Put(ctx, msg)
}

func (rt *Runtime) Hooks() *hooks.Registry { return rt.run.registry }

func (rt *Runtime) Tools() *tools.Catalog { return rt.run.cfg.catalog }

func (rt *Runtime) Logger() *zap.Logger {
	return rt.run.logger.With(zap.String("label", rt.label))
}

// Checkpoint returns a snapshot of the run's checkpoint so far.
func (rt *Runtime) Checkpoint() *checkpoint.Checkpoint { return rt.run.cp.Snapshot() }

// Emit sends a custom event to the run's observer.
func (rt *Runtime) Emit(ctx context.Context, name string, attrs map[string]any) {
	rt.run.emit(ctx, observe.Event{
		Kind:       observe.KindCustom,
		Status:     observe.StatusCompleted,
		Name:       name,
		Label:      rt.label,
		Timestamp:  time.Now().UTC(),
		Attributes: attrs,
	})
}

// CreateHook suspends the branch until the hook is resolved, or returns the
// resolution recorded by an earlier run.
func (rt *Runtime) CreateHook(ctx context.Context, req hooks.Request) (json.RawMessage, error) {
	if req.Label == "" {
		req.Label = rt.label
	}
	return rt.run.registry.Create(ctx, req)
}

// Await is the typed form of CreateHook.
func Await[T any](ctx context.Context, rt *Runtime, hook *hooks.Hook[T], hookID string, opts ...hooks.CreateOption) (T, error) {
	opts = append([]hooks.CreateOption{hooks.WithLabel(rt.label)}, opts...)
	return hook.Create(ctx, rt.run.registry, hookID, opts...)
}
