// Package memory is an in-process state.Store for tests and embedded use.
// Nothing survives the process.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/PipeOpsHQ/agent-runtime-go/state"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

const defaultLimit = 50

var (
	_ state.Store  = (*Store)(nil)
	_ state.Locker = (*Store)(nil)
)

type lease struct {
	owner   string
	expires time.Time
}

type Store struct {
	mu          sync.Mutex
	runs        map[string]state.RunRecord
	checkpoints map[string][]state.CheckpointRecord
	locks       map[string]lease
	now         func() time.Time
}

func New() *Store {
	return &Store{
		runs:        map[string]state.RunRecord{},
		checkpoints: map[string][]state.CheckpointRecord{},
		locks:       map[string]lease{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) SaveRun(_ context.Context, run state.RunRecord) error {
	if run.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if run.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	now := s.now()
	if run.CreatedAt == nil {
		run.CreatedAt = &now
	}
	if run.UpdatedAt == nil {
		run.UpdatedAt = &now
	}
	if run.Status == "" {
		run.Status = state.StatusRunning
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.runs[run.RunID]; ok && prev.CreatedAt != nil {
		run.CreatedAt = prev.CreatedAt
	}
	s.runs[run.RunID] = cloneRun(run)
	return nil
}

func (s *Store) LoadRun(_ context.Context, runID string) (state.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return state.RunRecord{}, state.ErrNotFound
	}
	return cloneRun(run), nil
}

// ListRuns returns matching runs newest first.
func (s *Store) ListRuns(_ context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := max(query.Offset, 0)

	s.mu.Lock()
	out := make([]state.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		if query.SessionID != "" && run.SessionID != query.SessionID {
			continue
		}
		if query.Status != "" && run.Status != query.Status {
			continue
		}
		out = append(out, cloneRun(run))
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := out[i].CreatedAt, out[j].CreatedAt
		if ci.Equal(*cj) {
			return out[i].RunID > out[j].RunID
		}
		return ci.After(*cj)
	})
	if offset >= len(out) {
		return []state.RunRecord{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SaveCheckpoint(_ context.Context, checkpoint state.CheckpointRecord) error {
	if checkpoint.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if len(checkpoint.Checkpoint) == 0 || !json.Valid(checkpoint.Checkpoint) {
		return fmt.Errorf("checkpoint payload must be valid JSON")
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = s.now()
	}
	checkpoint.Checkpoint = slices.Clone(checkpoint.Checkpoint)

	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.checkpoints[checkpoint.RunID]
	for _, item := range existing {
		if item.Seq == checkpoint.Seq {
			return fmt.Errorf("checkpoint %s/%d: %w", checkpoint.RunID, checkpoint.Seq, state.ErrConflict)
		}
	}
	s.checkpoints[checkpoint.RunID] = append(existing, checkpoint)
	return nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, runID string) (state.CheckpointRecord, error) {
	list, err := s.ListCheckpoints(ctx, runID, 1)
	if err != nil {
		return state.CheckpointRecord{}, err
	}
	if len(list) == 0 {
		return state.CheckpointRecord{}, state.ErrNotFound
	}
	return list[0], nil
}

// ListCheckpoints returns checkpoints highest seq first.
func (s *Store) ListCheckpoints(_ context.Context, runID string, limit int) ([]state.CheckpointRecord, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	s.mu.Lock()
	list := make([]state.CheckpointRecord, 0, len(s.checkpoints[runID]))
	for _, item := range s.checkpoints[runID] {
		item.Checkpoint = slices.Clone(item.Checkpoint)
		list = append(list, item)
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Seq > list[j].Seq })
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *Store) AcquireRunLock(_ context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	if runID == "" || owner == "" {
		return false, fmt.Errorf("run_id and owner are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if held, ok := s.locks[runID]; ok && held.owner != owner && now.Before(held.expires) {
		return false, nil
	}
	s.locks[runID] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *Store) ReleaseRunLock(_ context.Context, runID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.locks[runID]; ok && held.owner == owner {
		delete(s.locks, runID)
	}
	return nil
}

func (s *Store) Close() error { return nil }

func cloneRun(run state.RunRecord) state.RunRecord {
	run.Messages = types.CloneMessages(run.Messages)
	run.PendingHooks = slices.Clone(run.PendingHooks)
	run.Metadata = maps.Clone(run.Metadata)
	if run.Usage != nil {
		usage := *run.Usage
		run.Usage = &usage
	}
	return run
}
