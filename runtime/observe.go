package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/agent-runtime-go/hooks"
	"github.com/PipeOpsHQ/agent-runtime-go/observe"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

func (r *Run) emit(ctx context.Context, ev observe.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.RunID = r.id
	ev.SessionID = r.sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.ParentSpanID == "" && ev.Kind != observe.KindRun {
		ev.ParentSpanID = r.id
	}
	if err := r.cfg.observer.Emit(ctx, ev); err != nil {
		r.logger.Debug("observer rejected event",
			zap.String("kind", string(ev.Kind)),
			zap.String("status", string(ev.Status)),
			zap.Error(err),
		)
	}
}

func (r *Run) onHookTransition(ctx context.Context, t hooks.Transition) {
	ev := observe.Event{
		Kind:   observe.KindHook,
		Name:   t.Info.HookType,
		Label:  t.Info.Label,
		HookID: t.Info.HookID,
		SpanID: t.Info.HookID,
	}
	switch {
	case t.Replayed:
		ev.Status = observe.StatusReplayed
	case t.Status == types.HookPending:
		ev.Status = observe.StatusPending
		if r.registry != nil && r.registry.Mode() == hooks.NonBlocking {
			ev.Status = observe.StatusSuspended
		}
	case t.Status == types.HookResolved:
		ev.Status = observe.StatusCompleted
	case t.Status == types.HookCancelled:
		ev.Status = observe.StatusCancelled
	}
	r.emit(ctx, ev)

	if !t.Replayed && (t.Status == types.HookResolved || t.Status == types.HookCancelled) {
		r.checkpointed(ctx, "hook "+t.Info.HookID)
	}
}
