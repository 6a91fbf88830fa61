// Package sqlite records observe events in a sqlite file so runs can be
// inspected after the process that executed them has exited.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/agent-runtime-go/observe"
	observestore "github.com/PipeOpsHQ/agent-runtime-go/observe/store"
)

//go:embed schema.sql
var schemaSQL string

const defaultLimit = 200

const eventColumns = `event_id, run_id, session_id, span_id, parent_span_id, kind, status, name, label,
  provider, tool_name, hook_id, message, error, duration_ms, attributes, timestamp`

type Store struct {
	db *sql.DB
}

// New opens the trace database at path, creating the file and its parent
// directory when missing.
func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite trace path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open trace db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, stmt := range []string{"PRAGMA journal_mode=WAL;", schemaSQL} {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialize trace db: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// SaveEvent inserts event. Re-saving an event ID is a no-op, so replays of
// an async buffer do not duplicate rows.
func (s *Store) SaveEvent(ctx context.Context, event observe.Event) error {
	if s == nil || s.db == nil {
		return nil
	}
	event.Normalize()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	attrs, err := json.Marshal(event.Attributes)
	if err != nil {
		return fmt.Errorf("encode trace attributes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trace_events (`+eventColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(event_id) DO NOTHING;`,
		event.ID, event.RunID, event.SessionID, event.SpanID, event.ParentSpanID,
		string(event.Kind), string(event.Status), event.Name, event.Label,
		event.Provider, event.ToolName, event.HookID, event.Message, event.Error,
		event.DurationMs, string(attrs), formatTime(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("save trace event: %w", err)
	}
	return nil
}

func (s *Store) ListEventsByRun(ctx context.Context, runID string, query observestore.ListQuery) ([]observe.Event, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("runID is required")
	}
	return s.list(ctx, "run_id", runID, query)
}

func (s *Store) ListEventsBySession(ctx context.Context, sessionID string, query observestore.ListQuery) ([]observe.Event, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("sessionID is required")
	}
	return s.list(ctx, "session_id", sessionID, query)
}

func (s *Store) list(ctx context.Context, column, value string, query observestore.ListQuery) ([]observe.Event, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	where := []string{column + " = ?"}
	args := []any{value}
	for _, f := range []struct{ column, value string }{
		{"kind", string(query.Kind)},
		{"status", string(query.Status)},
		{"label", query.Label},
	} {
		if f.value != "" {
			where = append(where, f.column+" = ?")
			args = append(args, f.value)
		}
	}
	args = append(args, limit, max(query.Offset, 0))

	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM trace_events
WHERE `+strings.Join(where, " AND ")+`
ORDER BY timestamp ASC, seq ASC
LIMIT ? OFFSET ?;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list trace events: %w", err)
	}
	defer rows.Close()

	out := make([]observe.Event, 0, limit)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list trace events: %w", err)
	}
	return out, nil
}

func scanEvent(row interface{ Scan(dest ...any) error }) (observe.Event, error) {
	var (
		e            observe.Event
		kind, status string
		attrs, ts    string
	)
	err := row.Scan(&e.ID, &e.RunID, &e.SessionID, &e.SpanID, &e.ParentSpanID, &kind, &status,
		&e.Name, &e.Label, &e.Provider, &e.ToolName, &e.HookID, &e.Message, &e.Error,
		&e.DurationMs, &attrs, &ts)
	if err != nil {
		return observe.Event{}, fmt.Errorf("scan trace event: %w", err)
	}
	e.Kind = observe.Kind(kind)
	e.Status = observe.Status(status)
	if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		e.Timestamp = parsed
	}
	if attrs != "" {
		_ = json.Unmarshal([]byte(attrs), &e.Attributes)
	}
	e.Normalize()
	return e, nil
}

// AggregateMetrics counts terminal outcomes per kind in one grouped query.
func (s *Store) AggregateMetrics(ctx context.Context, query observestore.MetricsQuery) (observestore.MetricsSummary, error) {
	var metrics observestore.MetricsSummary
	if s == nil || s.db == nil {
		return metrics, nil
	}
	q := `SELECT kind, status, COUNT(*) FROM trace_events`
	var args []any
	if query.Since != nil {
		q += ` WHERE timestamp >= ?`
		args = append(args, formatTime(*query.Since))
	}
	q += ` GROUP BY kind, status;`

	counters := map[[2]string]*int64{
		{string(observe.KindRun), string(observe.StatusStarted)}:    &metrics.RunsStarted,
		{string(observe.KindRun), string(observe.StatusCompleted)}:  &metrics.RunsCompleted,
		{string(observe.KindRun), string(observe.StatusFailed)}:     &metrics.RunsFailed,
		{string(observe.KindRun), string(observe.StatusSuspended)}:  &metrics.RunsSuspended,
		{string(observe.KindStep), string(observe.StatusCompleted)}: &metrics.StepCalls,
		{string(observe.KindStep), string(observe.StatusReplayed)}:  &metrics.StepReplays,
		{string(observe.KindStep), string(observe.StatusFailed)}:    &metrics.StepFailures,
		{string(observe.KindTool), string(observe.StatusCompleted)}: &metrics.ToolCalls,
		{string(observe.KindTool), string(observe.StatusFailed)}:    &metrics.ToolFailures,
		{string(observe.KindHook), string(observe.StatusSuspended)}: &metrics.HooksSuspended,
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("aggregate trace metrics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind, status string
			n            int64
		)
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return observestore.MetricsSummary{}, fmt.Errorf("aggregate trace metrics: %w", err)
		}
		if dst, ok := counters[[2]string{kind, status}]; ok {
			*dst = n
		}
	}
	if err := rows.Err(); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("aggregate trace metrics: %w", err)
	}
	return metrics, nil
}

func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM trace_events WHERE timestamp < ?;`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune trace events: %w", err)
	}
	return res.RowsAffected()
}

// Sink adapts the store to observe.Sink. Wrap it in observe.NewAsyncSink to
// keep inserts off the runtime's path.
func (s *Store) Sink() observe.Sink {
	return observe.SinkFunc(s.SaveEvent)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// formatTime renders UTC with a fixed-width fraction so that timestamps
// compare correctly as text.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

var _ observestore.Store = (*Store)(nil)
