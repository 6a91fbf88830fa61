package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PipeOpsHQ/agent-runtime-go/checkpoint"
	"github.com/PipeOpsHQ/agent-runtime-go/hooks"
	"github.com/PipeOpsHQ/agent-runtime-go/state"
)

// LookupPending returns the pending report of hookID for a persisted run
// that is not executing. It fails with hooks.ErrAlreadyResolved when the
// run's latest checkpoint already holds an outcome for the hook, and with
// hooks.ErrUnknownHook when the run is not waiting on it.
func LookupPending(ctx context.Context, store state.Store, runID, hookID string) (state.PendingHook, error) {
	if store == nil {
		return state.PendingHook{}, errors.New("store is required")
	}
	rec, err := store.LoadRun(ctx, runID)
	if err != nil {
		return state.PendingHook{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	cp, err := loadLatest(ctx, store, runID)
	if err != nil {
		return state.PendingHook{}, err
	}
	return pendingIn(rec, cp, hookID)
}

// CancelPending records a cancellation for each named hook of a persisted
// run in a new checkpoint. When the run is resumed, the branch waiting on
// each hook observes hooks.ErrHookCancelled.
func CancelPending(ctx context.Context, store state.Store, runID string, hookIDs ...string) error {
	if len(hookIDs) == 0 {
		return nil
	}
	if store == nil {
		return errors.New("store is required")
	}
	rec, err := store.LoadRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	cp, err := loadLatest(ctx, store, runID)
	if err != nil {
		return err
	}
	for _, id := range hookIDs {
		hook, err := pendingIn(rec, cp, id)
		if err != nil {
			return err
		}
		if err := cp.CancelHook(id, hook.HookType); err != nil {
			return err
		}
	}

	raw, err := cp.Marshal()
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	fp, err := cp.Fingerprint()
	if err != nil {
		return fmt.Errorf("fingerprint checkpoint: %w", err)
	}
	seq, err := state.NextSeq(ctx, store, runID)
	if err != nil {
		return fmt.Errorf("next checkpoint seq: %w", err)
	}
	return store.SaveCheckpoint(ctx, state.CheckpointRecord{
		RunID:       runID,
		Seq:         seq,
		Status:      rec.Status,
		Checkpoint:  raw,
		Fingerprint: fp,
		CreatedAt:   time.Now().UTC(),
	})
}

func pendingIn(rec state.RunRecord, cp *checkpoint.Checkpoint, hookID string) (state.PendingHook, error) {
	if _, done := cp.Hook(hookID); done {
		return state.PendingHook{}, fmt.Errorf("%w: %s", hooks.ErrAlreadyResolved, hookID)
	}
	for _, hook := range rec.PendingHooks {
		if hook.HookID == hookID {
			return hook, nil
		}
	}
	return state.PendingHook{}, fmt.Errorf("%w: run %s is not waiting on %s", hooks.ErrUnknownHook, rec.RunID, hookID)
}

// loadLatest decodes the newest checkpoint of runID. A run without one
// starts from an empty checkpoint.
func loadLatest(ctx context.Context, store state.Store, runID string) (*checkpoint.Checkpoint, error) {
	latest, err := store.LoadLatestCheckpoint(ctx, runID)
	switch {
	case err == nil:
		cp, err := checkpoint.Unmarshal(latest.Checkpoint)
		if err != nil {
			return nil, fmt.Errorf("decode checkpoint %s/%d: %w", runID, latest.Seq, err)
		}
		return cp, nil
	case errors.Is(err, state.ErrNotFound):
		return checkpoint.New(), nil
	default:
		return nil, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
}
