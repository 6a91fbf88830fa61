package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/agent-runtime-go/hooks"
	"github.com/PipeOpsHQ/agent-runtime-go/observe"
	"github.com/PipeOpsHQ/agent-runtime-go/state"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

var (
	// ErrRunLocked means another process holds the run's lease.
	ErrRunLocked = errors.New("runtime: run is locked by another owner")
	// ErrRunCompleted means the run finished and has nothing to resume.
	ErrRunCompleted = errors.New("runtime: run already completed")
)

// Resume loads the latest persisted checkpoint of runID and starts wf from
// it. opts are applied after the persisted settings, so resolutions and
// overrides can be passed the usual way. When store implements
// state.Locker, the run holds a lease until it is terminal.
func Resume(ctx context.Context, store state.Store, runID string, wf Workflow, opts ...Option) (*Run, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	rec, err := store.LoadRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if rec.Status == state.StatusCompleted {
		return nil, fmt.Errorf("%w: %s", ErrRunCompleted, runID)
	}

	cp, err := loadLatest(ctx, store, runID)
	if err != nil {
		return nil, err
	}

	base := []Option{
		WithStore(store),
		WithRunID(runID),
		WithSessionID(rec.SessionID),
		WithWorkflowName(rec.Workflow),
		WithInput(rec.Input),
		WithMetadata(rec.Metadata),
		WithCheckpoint(cp),
	}
	opts = append(base, opts...)

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if locker, ok := store.(state.Locker); ok {
		owner := uuid.NewString()
		acquired, err := locker.AcquireRunLock(ctx, runID, owner, cfg.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("lock run %s: %w", runID, err)
		}
		if !acquired {
			return nil, fmt.Errorf("%w: %s", ErrRunLocked, runID)
		}
		logger := cfg.logger
		opts = append(opts, onFinish(func() {
			if err := locker.ReleaseRunLock(context.Background(), runID, owner); err != nil {
				logger.Warn("failed to release run lock", zap.String("run_id", runID), zap.Error(err))
			}
		}))
	}
	return Start(ctx, wf, opts...), nil
}

func (r *Run) persistTerminal(ctx context.Context, final State) error {
	if r.cfg.store == nil {
		return nil
	}
	if err := r.saveCheckpoint(ctx, final); err != nil {
		return err
	}
	return r.saveRun(ctx, final)
}

// checkpointed is called after every record; it saves a checkpoint when
// incremental checkpoints are enabled.
func (r *Run) checkpointed(ctx context.Context, what string) {
	if !r.cfg.incremental || r.cfg.store == nil {
		return
	}
	if err := r.saveCheckpoint(context.WithoutCancel(ctx), StateRunning); err != nil {
		r.logger.Warn("incremental checkpoint failed", zap.String("after", what), zap.Error(err))
	}
}

func (r *Run) saveCheckpoint(ctx context.Context, st State) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	snap := r.cp.Snapshot()
	raw, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	fp, err := snap.Fingerprint()
	if err != nil {
		return fmt.Errorf("fingerprint checkpoint: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if r.seq == 0 || attempt > 0 {
			next, err := state.NextSeq(ctx, r.cfg.store, r.id)
			if err != nil {
				return fmt.Errorf("next checkpoint seq: %w", err)
			}
			r.seq = next
		}
		rec := state.CheckpointRecord{
			RunID:       r.id,
			Seq:         r.seq,
			Status:      st.String(),
			Checkpoint:  raw,
			Fingerprint: fp,
			CreatedAt:   time.Now().UTC(),
		}
		err = r.cfg.store.SaveCheckpoint(ctx, rec)
		if errors.Is(err, state.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		r.seq++
		r.emit(ctx, observe.Event{
			Kind:       observe.KindCheckpoint,
			Status:     observe.StatusCompleted,
			Name:       fmt.Sprintf("checkpoint-%d", rec.Seq),
			Attributes: map[string]any{"seq": rec.Seq, "units": snap.Len(), "fingerprint": fp},
		})
		return nil
	}
	return fmt.Errorf("save checkpoint: %w", err)
}

func (r *Run) saveRun(ctx context.Context, st State) error {
	if r.cfg.store == nil {
		return nil
	}
	now := time.Now().UTC()
	created := r.startedAt
	rec := state.RunRecord{
		RunID:     r.id,
		SessionID: r.sessionID,
		Workflow:  r.cfg.workflow,
		Status:    statusFor(st),
		Input:     r.cfg.input,
		Messages:  r.Transcript(),
		Metadata:  types.CloneMap(r.cfg.metadata),
		CreatedAt: &created,
		UpdatedAt: &now,
	}
	if existing, err := r.cfg.store.LoadRun(ctx, r.id); err == nil && existing.CreatedAt != nil {
		rec.CreatedAt = existing.CreatedAt
	}
	if st.Terminal() {
		rec.CompletedAt = &now
		rec.Output = lastAssistantText(rec.Messages)
		rec.Usage = totalUsage(rec.Messages)
		r.mu.Lock()
		if r.err != nil {
			rec.Error = r.err.Error()
		}
		pending := r.pending
		r.mu.Unlock()
		rec.PendingHooks = pendingReport(pending)
	}
	if err := r.cfg.store.SaveRun(ctx, rec); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func statusFor(st State) string {
	switch st {
	case StateCompleted:
		return state.StatusCompleted
	case StateSuspended:
		return state.StatusSuspended
	case StateFailed:
		return state.StatusFailed
	}
	return state.StatusRunning
}

func pendingReport(pending map[string]hooks.Info) []state.PendingHook {
	if len(pending) == 0 {
		return nil
	}
	out := make([]state.PendingHook, 0, len(pending))
	for id, info := range pending {
		out = append(out, state.PendingHook{
			HookID:   id,
			Label:    info.Label,
			HookType: info.HookType,
			Metadata: types.CloneMap(info.Metadata),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HookID < out[j].HookID })
	return out
}
