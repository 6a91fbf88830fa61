package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/agent-runtime-go/checkpoint"
	"github.com/PipeOpsHQ/agent-runtime-go/state"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

func TestRunsAreIsolatedCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	msg := types.UserMessage("hello")
	require.NoError(t, s.SaveRun(ctx, state.RunRecord{
		RunID:     "r1",
		SessionID: "s1",
		Messages:  []*types.Message{msg},
		Metadata:  map[string]any{"k": "v"},
	}))
	msg.Parts[0].(*types.TextPart).Text = "mutated"

	got, err := s.LoadRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Messages[0].Text())
	assert.Equal(t, state.StatusRunning, got.Status)
	require.NotNil(t, got.CreatedAt)

	got.Metadata["k"] = "changed"
	again, err := s.LoadRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Metadata["k"])

	_, err = s.LoadRun(ctx, "missing")
	require.ErrorIs(t, err, state.ErrNotFound)
	require.Error(t, s.SaveRun(ctx, state.RunRecord{RunID: "r2"}))
}

func TestListRunsFiltersAndPages(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		created := base.Add(time.Duration(i) * time.Minute)
		status := state.StatusCompleted
		if id == "b" {
			status = state.StatusSuspended
		}
		require.NoError(t, s.SaveRun(ctx, state.RunRecord{RunID: id, SessionID: "s", Status: status, CreatedAt: &created}))
	}
	require.NoError(t, s.SaveRun(ctx, state.RunRecord{RunID: "other", SessionID: "x"}))

	runs, err := s.ListRuns(ctx, state.ListRunsQuery{SessionID: "s"})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{runs[0].RunID, runs[1].RunID, runs[2].RunID})

	runs, err = s.ListRuns(ctx, state.ListRunsQuery{SessionID: "s", Status: state.StatusSuspended})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "b", runs[0].RunID)

	runs, err = s.ListRuns(ctx, state.ListRunsQuery{SessionID: "s", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "b", runs[0].RunID)

	runs, err = s.ListRuns(ctx, state.ListRunsQuery{SessionID: "s", Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestCheckpointsOrderAndConflict(t *testing.T) {
	s := New()
	ctx := context.Background()

	cp := checkpoint.New()
	require.NoError(t, cp.ResolveHook("approve-1", "approval", map[string]bool{"approved": true}))
	raw, err := cp.Marshal()
	require.NoError(t, err)

	for seq := 1; seq <= 3; seq++ {
		next, err := state.NextSeq(ctx, s, "r1")
		require.NoError(t, err)
		require.Equal(t, seq, next)
		require.NoError(t, s.SaveCheckpoint(ctx, state.CheckpointRecord{RunID: "r1", Seq: next, Checkpoint: raw}))
	}
	err = s.SaveCheckpoint(ctx, state.CheckpointRecord{RunID: "r1", Seq: 2, Checkpoint: raw})
	require.True(t, errors.Is(err, state.ErrConflict))
	require.Error(t, s.SaveCheckpoint(ctx, state.CheckpointRecord{RunID: "r1", Seq: 9, Checkpoint: json.RawMessage("{")}))

	latest, err := s.LoadLatestCheckpoint(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Seq)

	restored, err := checkpoint.Unmarshal(latest.Checkpoint)
	require.NoError(t, err)
	rec, ok := restored.Hook("approve-1")
	require.True(t, ok)
	assert.Equal(t, types.HookResolved, rec.Status)

	list, err := s.ListCheckpoints(ctx, "r1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 3, list[0].Seq)
	assert.Equal(t, 2, list[1].Seq)

	_, err = s.LoadLatestCheckpoint(ctx, "nope")
	require.ErrorIs(t, err, state.ErrNotFound)
}

func TestRunLockLease(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ok, err := s.AcquireRunLock(ctx, "r1", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireRunLock(ctx, "r1", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseRunLock(ctx, "r1", "b"))
	ok, _ = s.AcquireRunLock(ctx, "r1", "b", time.Minute)
	assert.False(t, ok, "release by a non-owner must not free the lease")

	now = now.Add(2 * time.Minute)
	ok, err = s.AcquireRunLock(ctx, "r1", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")
}
