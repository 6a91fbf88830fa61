// Package sqlite is the single-node durable state backend. Runs and their
// checkpoint history live in one database file; run leases live in a side
// table so that two CLI processes never resume the same run together.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/agent-runtime-go/state"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
	defaultLockTTL     = 15 * time.Second
)

const runColumns = `run_id, session_id, workflow, status, input, output, messages, usage,
  pending_hooks, metadata, error, created_at, updated_at, completed_at`

const checkpointColumns = `run_id, seq, status, checkpoint, fingerprint, created_at`

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
	now         func() time.Time
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) { s.enableWAL = enabled }
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

// New opens (and creates, with its parent directory) the database at path.
func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	s.db = db

	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	pragmas := []string{}
	if s.busyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout=%d;", s.busyTimeout.Milliseconds()))
	}
	if s.enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL;")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlite %q: %w", p, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

// SaveRun upserts run. CreatedAt of an existing row is preserved.
func (s *Store) SaveRun(ctx context.Context, run state.RunRecord) error {
	if strings.TrimSpace(run.RunID) == "" {
		return fmt.Errorf("run_id is required")
	}
	if strings.TrimSpace(run.SessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	now := s.now()
	if run.CreatedAt == nil {
		run.CreatedAt = &now
	}
	if run.UpdatedAt == nil {
		run.UpdatedAt = &now
	}
	if run.Workflow == "" {
		run.Workflow = "unknown"
	}
	if run.Status == "" {
		run.Status = state.StatusRunning
	}
	if run.Metadata == nil {
		run.Metadata = map[string]any{}
	}
	if run.Messages == nil {
		run.Messages = []*types.Message{}
	}

	var enc jsonColumns
	messages := enc.required(run.Messages, "messages")
	usage := enc.optional(run.Usage, "usage")
	pending := enc.optional(run.PendingHooks, "pending hooks")
	metadata := enc.required(run.Metadata, "metadata")
	if enc.err != nil {
		return enc.err
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
  session_id=excluded.session_id, workflow=excluded.workflow, status=excluded.status,
  input=excluded.input, output=excluded.output, messages=excluded.messages,
  usage=excluded.usage, pending_hooks=excluded.pending_hooks, metadata=excluded.metadata,
  error=excluded.error, updated_at=excluded.updated_at, completed_at=excluded.completed_at;`,
		run.RunID, run.SessionID, run.Workflow, run.Status, run.Input, run.Output,
		messages, usage, pending, metadata, run.Error,
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt), formatTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if strings.TrimSpace(runID) == "" {
		return state.RunRecord{}, fmt.Errorf("run_id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?;`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.RunRecord{}, state.ErrNotFound
	}
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns runs newest first, filtered by session and status.
func (s *Store) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	var (
		where []string
		args  []any
	)
	if query.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, query.SessionID)
	}
	if query.Status != "" {
		where = append(where, "status = ?")
		args = append(args, query.Status)
	}
	q := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, run_id DESC LIMIT ? OFFSET ?;`
	args = append(args, limit, max(query.Offset, 0))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]state.RunRecord, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// SaveCheckpoint appends one checkpoint. A (run, seq) pair that already
// exists yields state.ErrConflict.
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
		checkpoint.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (`+checkpointColumns+`) VALUES (?, ?, ?, ?, ?, ?);`,
		checkpoint.RunID, checkpoint.Seq, checkpoint.Status, string(checkpoint.Checkpoint),
		checkpoint.Fingerprint, formatTime(&checkpoint.CreatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("checkpoint %s#%d: %w", checkpoint.RunID, checkpoint.Seq, state.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("save checkpoint %s#%d: %w", checkpoint.RunID, checkpoint.Seq, err)
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE run_id = ? ORDER BY seq DESC LIMIT ?;`,
		runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints %s: %w", runID, err)
	}
	defer rows.Close()

	out := make([]state.CheckpointRecord, 0, limit)
	for rows.Next() {
		var (
			rec     state.CheckpointRecord
			payload string
			created string
		)
		if err := rows.Scan(&rec.RunID, &rec.Seq, &rec.Status, &payload, &rec.Fingerprint, &created); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if rec.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("checkpoint %s#%d created_at: %w", rec.RunID, rec.Seq, err)
		}
		rec.Checkpoint = json.RawMessage(payload)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints %s: %w", runID, err)
	}
	return out, nil
}

// AcquireRunLock takes the lease on runID for owner. An expired lease, or
// one already held by owner, is taken over.
func (s *Store) AcquireRunLock(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	if runID == "" || owner == "" {
		return false, fmt.Errorf("run_id and owner are required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO run_locks (run_id, owner, expires_at) VALUES (?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET owner=excluded.owner, expires_at=excluded.expires_at
WHERE run_locks.expires_at <= ? OR run_locks.owner = excluded.owner;`,
		runID, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire run lock %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire run lock %s: %w", runID, err)
	}
	return n == 1, nil
}

// ReleaseRunLock drops the lease only if owner still holds it.
func (s *Store) ReleaseRunLock(ctx context.Context, runID, owner string) error {
	if runID == "" || owner == "" {
		return fmt.Errorf("run_id and owner are required")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_locks WHERE run_id = ? AND owner = ?;`, runID, owner); err != nil {
		return fmt.Errorf("release run lock %s: %w", runID, err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ state.Store  = (*Store)(nil)
	_ state.Locker = (*Store)(nil)
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (state.RunRecord, error) {
	var (
		run                       state.RunRecord
		messages, metadata        string
		usage, pending, completed sql.NullString
		created, updated          string
	)
	err := row.Scan(&run.RunID, &run.SessionID, &run.Workflow, &run.Status, &run.Input, &run.Output,
		&messages, &usage, &pending, &metadata, &run.Error, &created, &updated, &completed)
	if err != nil {
		return state.RunRecord{}, err
	}

	if err := json.Unmarshal([]byte(messages), &run.Messages); err != nil {
		return state.RunRecord{}, fmt.Errorf("run %s messages: %w", run.RunID, err)
	}
	if usage.Valid {
		if err := json.Unmarshal([]byte(usage.String), &run.Usage); err != nil {
			return state.RunRecord{}, fmt.Errorf("run %s usage: %w", run.RunID, err)
		}
	}
	if pending.Valid {
		if err := json.Unmarshal([]byte(pending.String), &run.PendingHooks); err != nil {
			return state.RunRecord{}, fmt.Errorf("run %s pending hooks: %w", run.RunID, err)
		}
	}
	run.Metadata = map[string]any{}
	if strings.TrimSpace(metadata) != "" {
		if err := json.Unmarshal([]byte(metadata), &run.Metadata); err != nil {
			return state.RunRecord{}, fmt.Errorf("run %s metadata: %w", run.RunID, err)
		}
	}

	for _, ts := range []struct {
		raw string
		dst **time.Time
	}{{created, &run.CreatedAt}, {updated, &run.UpdatedAt}, {completed.String, &run.CompletedAt}} {
		if ts.raw == "" {
			continue
		}
		t, err := parseTime(ts.raw)
		if err != nil {
			return state.RunRecord{}, fmt.Errorf("run %s timestamp: %w", run.RunID, err)
		}
		*ts.dst = &t
	}
	return run, nil
}

// jsonColumns encodes several values and keeps the first error.
type jsonColumns struct{ err error }

func (e *jsonColumns) required(v any, what string) string {
	if e.err != nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		e.err = fmt.Errorf("encode %s: %w", what, err)
		return ""
	}
	return string(raw)
}

// optional stores nil and empty collections as SQL NULL.
func (e *jsonColumns) optional(v any, what string) any {
	raw := e.required(v, what)
	switch raw {
	case "", "null", "[]", "{}":
		return nil
	}
	return raw
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
