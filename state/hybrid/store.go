// Package hybrid fronts a durable store with a cache. Writes go to the
// durable store first and are then copied to the cache; reads try the cache
// and fall back to the durable store, backfilling on the way.
//
// A run whose cache write failed is marked stale and read from the durable
// store until a backfill succeeds, so a resume never sees an older
// checkpoint than the one last saved by this process.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/agent-runtime-go/state"
)

var (
	_ state.Store  = (*HybridStore)(nil)
	_ state.Locker = (*HybridStore)(nil)
)

type entryKind uint8

const (
	runEntry entryKind = iota
	checkpointEntry
)

type staleKey struct {
	entry entryKind
	runID string
}

type HybridStore struct {
	durable state.Store
	cache   state.Store
	logger  *zap.Logger

	stale sync.Map // staleKey -> struct{}
}

type Option func(*HybridStore)

func WithLogger(logger *zap.Logger) Option {
	return func(h *HybridStore) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New returns a store backed by durable. cache may be nil, in which case
// every call goes straight to durable.
func New(durable state.Store, cache state.Store, opts ...Option) (*HybridStore, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	h := &HybridStore{durable: durable, cache: cache, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(zap.String("component", "hybrid-store"))
	return h, nil
}

func (h *HybridStore) SaveRun(ctx context.Context, run state.RunRecord) error {
	if err := h.durable.SaveRun(ctx, run); err != nil {
		return err
	}
	h.mirror(runEntry, run.RunID, "SaveRun", func(c state.Store) error { return c.SaveRun(ctx, run) })
	return nil
}

func (h *HybridStore) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	return readThrough(h, runEntry, runID, "LoadRun",
		func(s state.Store) (state.RunRecord, error) { return s.LoadRun(ctx, runID) },
		func(c state.Store, run state.RunRecord) error { return c.SaveRun(ctx, run) },
	)
}

func (h *HybridStore) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	return h.durable.ListRuns(ctx, query)
}

func (h *HybridStore) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	if err := h.durable.SaveCheckpoint(ctx, checkpoint); err != nil {
		return err
	}
	h.mirror(checkpointEntry, checkpoint.RunID, "SaveCheckpoint", func(c state.Store) error { return c.SaveCheckpoint(ctx, checkpoint) })
	return nil
}

func (h *HybridStore) LoadLatestCheckpoint(ctx context.Context, runID string) (state.CheckpointRecord, error) {
	return readThrough(h, checkpointEntry, runID, "LoadLatestCheckpoint",
		func(s state.Store) (state.CheckpointRecord, error) { return s.LoadLatestCheckpoint(ctx, runID) },
		func(c state.Store, rec state.CheckpointRecord) error {
			// The cache may already hold this seq from an earlier write.
			if err := c.SaveCheckpoint(ctx, rec); err != nil && !errors.Is(err, state.ErrConflict) {
				return err
			}
			return nil
		},
	)
}

func (h *HybridStore) ListCheckpoints(ctx context.Context, runID string, limit int) ([]state.CheckpointRecord, error) {
	return h.durable.ListCheckpoints(ctx, runID, limit)
}

// AcquireRunLock uses the cache's leases when it has them, then the durable
// store's. With neither, every acquisition succeeds.
func (h *HybridStore) AcquireRunLock(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	if locker := h.locker(); locker != nil {
		return locker.AcquireRunLock(ctx, runID, owner, ttl)
	}
	return true, nil
}

func (h *HybridStore) ReleaseRunLock(ctx context.Context, runID, owner string) error {
	if locker := h.locker(); locker != nil {
		return locker.ReleaseRunLock(ctx, runID, owner)
	}
	return nil
}

func (h *HybridStore) Close() error {
	var errs []error
	if h.cache != nil {
		errs = append(errs, h.cache.Close())
	}
	errs = append(errs, h.durable.Close())
	return errors.Join(errs...)
}

// mirror copies a successful durable write into the cache.
func (h *HybridStore) mirror(entry entryKind, runID, op string, write func(state.Store) error) {
	if h.cache == nil {
		return
	}
	if err := write(h.cache); err != nil {
		h.stale.Store(staleKey{entry, runID}, struct{}{})
		h.cacheFailed(op, runID, err)
	}
}

func readThrough[T any](h *HybridStore, entry entryKind, runID, op string, load func(state.Store) (T, error), backfill func(state.Store, T) error) (T, error) {
	if h.cache != nil {
		if _, stale := h.stale.Load(staleKey{entry, runID}); !stale {
			v, err := load(h.cache)
			if err == nil {
				return v, nil
			}
			if !errors.Is(err, state.ErrNotFound) {
				h.cacheFailed(op, runID, err)
			}
		}
	}

	v, err := load(h.durable)
	if err != nil {
		var zero T
		return zero, err
	}
	if h.cache != nil {
		if err := backfill(h.cache, v); err != nil {
			h.cacheFailed("backfill "+op, runID, err)
		} else {
			h.stale.Delete(staleKey{entry, runID})
		}
	}
	return v, nil
}

func (h *HybridStore) locker() state.Locker {
	if l, ok := h.cache.(state.Locker); ok {
		return l
	}
	if l, ok := h.durable.(state.Locker); ok {
		return l
	}
	return nil
}

func (h *HybridStore) cacheFailed(op, runID string, err error) {
	h.logger.Warn("cache operation failed",
		zap.String("op", op),
		zap.String("run_id", runID),
		zap.Error(err),
	)
}
