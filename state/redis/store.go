// Package redis stores run records and checkpoints in Redis. Every key
// expires after the configured TTL, so the store suits suspended runs that
// are resumed within days rather than long-term history.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/agent-runtime-go/state"
)

const (
	defaultTTL     = 72 * time.Hour
	defaultLimit   = 50
	defaultPrefix  = "agentrt"
	defaultLockTTL = 15 * time.Second
)

// saveCheckpointScript writes a checkpoint under its seq only if that seq is
// free, and indexes it in the run's ordered seq set.
//
// KEYS[1] checkpoint hash, KEYS[2] seq index; ARGV seq, payload, ttl (ms).
var saveCheckpointScript = goredis.NewScript(`
if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call("ZADD", KEYS[2], ARGV[1], ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
redis.call("PEXPIRE", KEYS[2], ARGV[3])
return 1
`)

var releaseLockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) { s.password = password }
}

func WithDB(db int) Option {
	return func(s *Store) { s.db = db }
}

// WithTTL sets how long runs and checkpoints live after their last write.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if p := strings.TrimSpace(prefix); p != "" {
			s.prefix = p
		}
	}
}

// WithClient reuses an existing client; addr is then only used for errors.
func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	s := &Store{ttl: defaultTTL, prefix: defaultPrefix, addr: addr}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}
	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s failed: %w", s.addr, err)
	}
	return s, nil
}

// SaveRun upserts the record and moves it to the front of the global and
// session indexes.
func (s *Store) SaveRun(ctx context.Context, run state.RunRecord) error {
	if run.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if run.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	now := time.Now().UTC()
	if run.CreatedAt == nil {
		run.CreatedAt = &now
	}
	if run.UpdatedAt == nil {
		run.UpdatedAt = &now
	}

	raw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.RunID, err)
	}
	member := goredis.Z{Score: float64(run.UpdatedAt.UnixMilli()), Member: run.RunID}
	sessionIdx := s.sessionIndexKey(run.SessionID)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(run.RunID), raw, s.ttl)
	pipe.ZAdd(ctx, s.runIndexKey(), member)
	pipe.ZAdd(ctx, sessionIdx, member)
	pipe.Expire(ctx, sessionIdx, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if runID == "" {
		return state.RunRecord{}, fmt.Errorf("run_id is required")
	}
	raw, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return state.RunRecord{}, state.ErrNotFound
	}
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	var run state.RunRecord
	if err := json.Unmarshal(raw, &run); err != nil {
		return state.RunRecord{}, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns walks the session index (or the global one) newest first. Index
// entries whose record has expired are pruned on the way. Offset counts
// records that match the status filter.
func (s *Store) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	skip := max(query.Offset, 0)
	index := s.runIndexKey()
	if query.SessionID != "" {
		index = s.sessionIndexKey(query.SessionID)
	}

	out := make([]state.RunRecord, 0, limit)
	page := int64(limit + skip)
	for start := int64(0); len(out) < limit; start += page {
		ids, err := s.client.ZRevRange(ctx, index, start, start+page-1).Result()
		if err != nil {
			return nil, fmt.Errorf("list run index: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		runs, stale, err := s.loadRuns(ctx, ids)
		if err != nil {
			return nil, err
		}
		if len(stale) > 0 {
			_ = s.client.ZRem(ctx, index, stale...).Err()
			// Removing members shifts the remaining ranks down.
			start -= int64(len(stale))
		}
		for _, run := range runs {
			if query.Status != "" && run.Status != query.Status {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			out = append(out, run)
			if len(out) == limit {
				break
			}
		}
		if int64(len(ids)) < page {
			break
		}
	}
	return out, nil
}

func (s *Store) loadRuns(ctx context.Context, ids []string) ([]state.RunRecord, []any, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("load runs: %w", err)
	}
	runs := make([]state.RunRecord, 0, len(values))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var run state.RunRecord
		if err := json.Unmarshal([]byte(raw), &run); err != nil {
			continue
		}
		runs = append(runs, run)
	}
	return runs, stale, nil
}

// SaveCheckpoint stores the record under its seq. A seq that is already
// taken yields state.ErrConflict.
func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	if checkpoint.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if checkpoint.Seq <= 0 {
		return fmt.Errorf("checkpoint seq must be positive")
	}
	if len(checkpoint.Checkpoint) == 0 || !json.Valid(checkpoint.Checkpoint) {
		return fmt.Errorf("checkpoint payload must be valid JSON")
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	keys := []string{s.checkpointKey(checkpoint.RunID), s.checkpointIndexKey(checkpoint.RunID)}
	saved, err := saveCheckpointScript.Run(ctx, s.client, keys,
		checkpoint.Seq, raw, s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("save checkpoint %s#%d: %w", checkpoint.RunID, checkpoint.Seq, err)
	}
	if saved == 0 {
		return fmt.Errorf("checkpoint %s#%d: %w", checkpoint.RunID, checkpoint.Seq, state.ErrConflict)
	}
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

// ListCheckpoints returns up to limit checkpoints, highest seq first.
func (s *Store) ListCheckpoints(ctx context.Context, runID string, limit int) ([]state.CheckpointRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	seqs, err := s.client.ZRevRange(ctx, s.checkpointIndexKey(runID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints %s: %w", runID, err)
	}
	if len(seqs) == 0 {
		return []state.CheckpointRecord{}, nil
	}
	values, err := s.client.HMGet(ctx, s.checkpointKey(runID), seqs...).Result()
	if err != nil {
		return nil, fmt.Errorf("load checkpoints %s: %w", runID, err)
	}
	out := make([]state.CheckpointRecord, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec state.CheckpointRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", runID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// AcquireRunLock takes an exclusive lease on runID so that only one process
// resumes a suspended run at a time.
func (s *Store) AcquireRunLock(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	if runID == "" || owner == "" {
		return false, fmt.Errorf("run_id and owner are required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	ok, err := s.client.SetNX(ctx, s.lockKey(runID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire run lock %s: %w", runID, err)
	}
	return ok, nil
}

// ReleaseRunLock drops the lease only if owner still holds it.
func (s *Store) ReleaseRunLock(ctx context.Context, runID, owner string) error {
	if runID == "" || owner == "" {
		return fmt.Errorf("run_id and owner are required")
	}
	if err := releaseLockScript.Run(ctx, s.client, []string{s.lockKey(runID)}, owner).Err(); err != nil {
		return fmt.Errorf("release run lock %s: %w", runID, err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *Store) runKey(runID string) string { return s.key("run", runID) }

func (s *Store) runIndexKey() string { return s.key("runs") }

func (s *Store) sessionIndexKey(sessionID string) string {
	return s.key("runs", "session", sessionID)
}

func (s *Store) checkpointKey(runID string) string { return s.key("ckpt", runID) }

func (s *Store) checkpointIndexKey(runID string) string {
	return s.key("ckpt", runID, "seq")
}

func (s *Store) lockKey(runID string) string { return s.key("lock", runID) }

var (
	_ state.Store  = (*Store)(nil)
	_ state.Locker = (*Store)(nil)
)
