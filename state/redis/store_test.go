package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"github.com/PipeOpsHQ/agent-runtime-go/state"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

func newTestRedisStore(t testing.TB) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	prefix := "agentrt-test-" + uuid.NewString()

	s, err := New(mr.Addr(), WithPrefix(prefix), WithTTL(5*time.Minute))
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func checkpointPayload(t testing.TB, seq int) json.RawMessage {
	t.Helper()
	return json.RawMessage(fmt.Sprintf(`{"steps":[],"tools":[],"hooks":[{"hook_id":"h%d","hook_type":"approval","status":"resolved"}]}`, seq))
}

func TestRedisStore_SaveLoadRunAndTTL(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	run := state.RunRecord{
		RunID:     "run-1",
		SessionID: "sess-1",
		Workflow:  "approve",
		Status:    state.StatusSuspended,
		Input:     "hello",
		Messages:  []*types.Message{types.UserMessage("hello")},
		PendingHooks: []state.PendingHook{
			{HookID: "approve-1", Label: "main", HookType: "approval"},
		},
		Metadata:  map[string]any{"m": "v"},
		CreatedAt: &now,
		UpdatedAt: &now,
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := s.LoadRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if got.RunID != "run-1" || got.SessionID != "sess-1" {
		t.Fatalf("unexpected run: %#v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Text() != "hello" {
		t.Fatalf("messages did not round trip: %#v", got.Messages)
	}
	if len(got.PendingHooks) != 1 || got.PendingHooks[0].HookID != "approve-1" {
		t.Fatalf("pending hooks did not round trip: %#v", got.PendingHooks)
	}

	runs, err := s.ListRuns(ctx, state.ListRunsQuery{SessionID: "sess-1", Limit: 10})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}

	if ttl := mr.TTL(s.runKey("run-1")); ttl <= 0 {
		t.Fatalf("expected ttl > 0, got %v", ttl)
	}

	mr.FastForward(6 * time.Minute)
	if _, err := s.LoadRun(ctx, "run-1"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected run to expire, got %v", err)
	}
}

func TestRedisStore_SaveCheckpointAndLatest(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	cp1 := state.CheckpointRecord{
		RunID:      "run-ckpt",
		Seq:        1,
		Status:     state.StatusSuspended,
		Checkpoint: checkpointPayload(t, 1),
		CreatedAt:  time.Now().UTC(),
	}
	cp2 := state.CheckpointRecord{
		RunID:      "run-ckpt",
		Seq:        2,
		Status:     state.StatusCompleted,
		Checkpoint: checkpointPayload(t, 2),
		CreatedAt:  time.Now().UTC().Add(time.Second),
	}
	if err := s.SaveCheckpoint(ctx, cp1); err != nil {
		t.Fatalf("SaveCheckpoint 1 failed: %v", err)
	}
	if err := s.SaveCheckpoint(ctx, cp2); err != nil {
		t.Fatalf("SaveCheckpoint 2 failed: %v", err)
	}
	if err := s.SaveCheckpoint(ctx, cp2); !errors.Is(err, state.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate seq, got %v", err)
	}

	latest, err := s.LoadLatestCheckpoint(ctx, "run-ckpt")
	if err != nil {
		t.Fatalf("LoadLatestCheckpoint failed: %v", err)
	}
	if latest.Seq != 2 || latest.Status != state.StatusCompleted {
		t.Fatalf("unexpected latest checkpoint: %#v", latest)
	}

	list, err := s.ListCheckpoints(ctx, "run-ckpt", 10)
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(list))
	}
	if list[0].Seq != 2 {
		t.Fatalf("expected descending sequence order, got %#v", list)
	}

	if err := s.SaveCheckpoint(ctx, state.CheckpointRecord{RunID: "run-ckpt", Seq: 3, Checkpoint: []byte("{")}); err == nil {
		t.Fatalf("expected invalid payload to be rejected")
	}
}

func TestRedisStore_PrunesStaleSessionIndexEntries(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	run := state.RunRecord{
		RunID:     "run-stale",
		SessionID: "sess-stale",
		Workflow:  "chat",
		Status:    state.StatusRunning,
		Input:     "hello",
		Messages:  []*types.Message{types.UserMessage("hello")},
		Metadata:  map[string]any{},
		CreatedAt: &now,
		UpdatedAt: &now,
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	if err := s.client.Del(ctx, s.runKey("run-stale")).Err(); err != nil {
		t.Fatalf("failed to delete run key: %v", err)
	}

	runs, err := s.ListRuns(ctx, state.ListRunsQuery{SessionID: "sess-stale", Limit: 10})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected 0 runs after stale key prune, got %d", len(runs))
	}

	score, err := s.client.ZScore(ctx, s.sessionIndexKey("sess-stale"), "run-stale").Result()
	if err == nil {
		t.Fatalf("expected stale run index removed, found zscore=%f", score)
	}
}

func TestRedisStore_ListRunsAcrossSessions(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	statuses := []string{state.StatusCompleted, state.StatusSuspended, state.StatusSuspended, state.StatusFailed, state.StatusSuspended}
	for i, status := range statuses {
		at := base.Add(time.Duration(i) * time.Second)
		run := state.RunRecord{
			RunID:     fmt.Sprintf("run-%d", i),
			SessionID: fmt.Sprintf("sess-%d", i%2),
			Workflow:  "approve",
			Status:    status,
			CreatedAt: &at,
			UpdatedAt: &at,
		}
		if err := s.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun %d failed: %v", i, err)
		}
	}

	all, err := s.ListRuns(ctx, state.ListRunsQuery{Limit: 10})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(all) != 5 || all[0].RunID != "run-4" || all[4].RunID != "run-0" {
		t.Fatalf("expected all runs newest first, got %#v", all)
	}

	suspended, err := s.ListRuns(ctx, state.ListRunsQuery{Status: state.StatusSuspended, Offset: 1, Limit: 10})
	if err != nil {
		t.Fatalf("ListRuns by status failed: %v", err)
	}
	if len(suspended) != 2 || suspended[0].RunID != "run-2" || suspended[1].RunID != "run-1" {
		t.Fatalf("unexpected suspended page: %#v", suspended)
	}

	if err := s.client.Del(ctx, s.runKey("run-4")).Err(); err != nil {
		t.Fatalf("failed to delete run key: %v", err)
	}
	first, err := s.ListRuns(ctx, state.ListRunsQuery{Limit: 1})
	if err != nil {
		t.Fatalf("ListRuns after expiry failed: %v", err)
	}
	if len(first) != 1 || first[0].RunID != "run-3" {
		t.Fatalf("expected expired run skipped, got %#v", first)
	}
}

func TestRedisStore_LockHelpers(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()
	runID := "run-lock-" + uuid.NewString()

	got, err := s.AcquireRunLock(ctx, runID, "owner-1", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireRunLock 1 failed: %v", err)
	}
	if !got {
		t.Fatalf("expected first lock acquisition to succeed")
	}
	got, err = s.AcquireRunLock(ctx, runID, "owner-2", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireRunLock 2 failed: %v", err)
	}
	if got {
		t.Fatalf("expected second lock acquisition to fail")
	}

	if err := s.ReleaseRunLock(ctx, runID, "owner-2"); err != nil {
		t.Fatalf("ReleaseRunLock with wrong owner should not error: %v", err)
	}
	got, err = s.AcquireRunLock(ctx, runID, "owner-3", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireRunLock 3 failed: %v", err)
	}
	if got {
		t.Fatalf("expected lock to remain held with wrong owner release")
	}

	if err := s.ReleaseRunLock(ctx, runID, "owner-1"); err != nil {
		t.Fatalf("ReleaseRunLock with right owner failed: %v", err)
	}
	got, err = s.AcquireRunLock(ctx, runID, "owner-4", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireRunLock 4 failed: %v", err)
	}
	if !got {
		t.Fatalf("expected lock acquisition after release")
	}
	if err := s.ReleaseRunLock(ctx, runID, "owner-4"); err != nil {
		t.Fatalf("final release failed: %v", err)
	}
}

func TestRedisStore_NotFound(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.LoadRun(ctx, "missing-"+uuid.NewString())
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing run, got %v", err)
	}

	_, err = s.LoadLatestCheckpoint(ctx, "missing-"+uuid.NewString())
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing checkpoint, got %v", err)
	}
}

func BenchmarkRedisStore_SaveRun(b *testing.B) {
	s, _ := newTestRedisStore(b)

	ctx := context.Background()
	now := time.Now().UTC()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		run := state.RunRecord{
			RunID:     fmt.Sprintf("run-%d", i),
			SessionID: "bench",
			Workflow:  "bench",
			Status:    state.StatusRunning,
			Input:     "x",
			Messages:  []*types.Message{types.UserMessage("x")},
			Metadata:  map[string]any{},
			CreatedAt: &now,
			UpdatedAt: &now,
		}
		if err := s.SaveRun(ctx, run); err != nil {
			b.Fatalf("SaveRun failed: %v", err)
		}
	}
}
