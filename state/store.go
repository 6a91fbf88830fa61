// Package state persists run records and serialized checkpoints so that a
// suspended or crashed run can be resumed in another process.
package state

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("state: not found")
	ErrConflict = errors.New("state: conflict")
)

type ListRunsQuery struct {
	SessionID string
	Limit     int
	Offset    int
	Status    string
}

type Store interface {
	SaveRun(ctx context.Context, run RunRecord) error
	LoadRun(ctx context.Context, runID string) (RunRecord, error)
	ListRuns(ctx context.Context, query ListRunsQuery) ([]RunRecord, error)

	SaveCheckpoint(ctx context.Context, checkpoint CheckpointRecord) error
	LoadLatestCheckpoint(ctx context.Context, runID string) (CheckpointRecord, error)
	ListCheckpoints(ctx context.Context, runID string, limit int) ([]CheckpointRecord, error)

	Close() error
}

// NextSeq returns the sequence number the next checkpoint of runID should
// carry.
func NextSeq(ctx context.Context, store Store, runID string) (int, error) {
	latest, err := store.LoadLatestCheckpoint(ctx, runID)
	if errors.Is(err, ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return latest.Seq + 1, nil
}

// Locker is implemented by stores that can hand out per-run leases.
type Locker interface {
	AcquireRunLock(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error)
	ReleaseRunLock(ctx context.Context, runID, owner string) error
}
