package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/PipeOpsHQ/agent-runtime-go/observe"
	observestore "github.com/PipeOpsHQ/agent-runtime-go/observe/store"
)

func TestStore_SaveListAndMetrics(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "trace.db")
	store, err := New(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	now := time.Now().UTC()
	inputs := []observe.Event{
		{RunID: "r1", SessionID: "s1", Kind: observe.KindRun, Status: observe.StatusStarted, Timestamp: now},
		{RunID: "r1", SessionID: "s1", Kind: observe.KindStep, Status: observe.StatusCompleted, Label: "main", Timestamp: now.Add(time.Millisecond)},
		{RunID: "r1", SessionID: "s1", Kind: observe.KindTool, Status: observe.StatusCompleted, ToolName: "calculator", Timestamp: now.Add(2 * time.Millisecond)},
		{RunID: "r1", SessionID: "s1", Kind: observe.KindHook, Status: observe.StatusSuspended, HookID: "approve-1", Timestamp: now.Add(3 * time.Millisecond)},
		{RunID: "r1", SessionID: "s1", Kind: observe.KindRun, Status: observe.StatusSuspended, Timestamp: now.Add(4 * time.Millisecond)},
		{RunID: "r2", SessionID: "s1", Kind: observe.KindStep, Status: observe.StatusReplayed, Timestamp: now.Add(5 * time.Millisecond)},
	}
	for _, in := range inputs {
		if err := store.SaveEvent(ctx, in); err != nil {
			t.Fatalf("save event: %v", err)
		}
	}

	events, err := store.ListEventsByRun(ctx, "r1", observestore.ListQuery{Limit: 20})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	if events[1].Label != "main" || events[3].HookID != "approve-1" {
		t.Fatalf("label or hook id not persisted: %+v", events)
	}

	bySession, err := store.ListEventsBySession(ctx, "s1", observestore.ListQuery{})
	if err != nil {
		t.Fatalf("list by session: %v", err)
	}
	if len(bySession) != len(inputs) {
		t.Fatalf("expected %d session events, got %d", len(inputs), len(bySession))
	}

	metrics, err := store.AggregateMetrics(ctx, observestore.MetricsQuery{})
	if err != nil {
		t.Fatalf("aggregate metrics: %v", err)
	}
	if metrics.RunsStarted != 1 || metrics.RunsSuspended != 1 || metrics.ToolCalls != 1 || metrics.StepCalls != 1 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
	if metrics.StepReplays != 1 || metrics.HooksSuspended != 1 {
		t.Fatalf("unexpected replay/hook metrics: %+v", metrics)
	}
}

func TestStoreAsAsyncSink(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "trace.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = store.Close() }()

	sink := observe.NewAsyncSink(store.Sink(), 16)
	for i := 0; i < 3; i++ {
		if err := sink.Emit(context.Background(), observe.Event{RunID: "r1", Kind: observe.KindCustom}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	sink.Close()

	events, err := store.ListEventsByRun(context.Background(), "r1", observestore.ListQuery{})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events after close, got %d", len(events))
	}
}

func TestStore_ListFiltersAndPrune(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "trace.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := old.Add(48 * time.Hour)
	inputs := []observe.Event{
		{RunID: "r1", Kind: observe.KindStep, Status: observe.StatusCompleted, Label: "plan", Timestamp: old},
		{RunID: "r1", Kind: observe.KindStep, Status: observe.StatusFailed, Label: "plan", Timestamp: recent},
		{RunID: "r1", Kind: observe.KindTool, Status: observe.StatusCompleted, Label: "plan/search", Timestamp: recent.Add(time.Second)},
	}
	for _, in := range inputs {
		if err := store.SaveEvent(ctx, in); err != nil {
			t.Fatalf("save event: %v", err)
		}
	}

	steps, err := store.ListEventsByRun(ctx, "r1", observestore.ListQuery{Kind: observe.KindStep})
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 step events, got %d", len(steps))
	}
	failed, err := store.ListEventsByRun(ctx, "r1", observestore.ListQuery{Kind: observe.KindStep, Status: observe.StatusFailed})
	if err != nil {
		t.Fatalf("list failed steps: %v", err)
	}
	if len(failed) != 1 || !failed[0].Timestamp.Equal(recent) {
		t.Fatalf("unexpected failed steps: %+v", failed)
	}
	labelled, err := store.ListEventsByRun(ctx, "r1", observestore.ListQuery{Label: "plan/search"})
	if err != nil {
		t.Fatalf("list by label: %v", err)
	}
	if len(labelled) != 1 || labelled[0].Kind != observe.KindTool {
		t.Fatalf("unexpected label match: %+v", labelled)
	}

	since := recent
	metrics, err := store.AggregateMetrics(ctx, observestore.MetricsQuery{Since: &since})
	if err != nil {
		t.Fatalf("aggregate metrics: %v", err)
	}
	if metrics.StepCalls != 0 || metrics.StepFailures != 1 || metrics.ToolCalls != 1 {
		t.Fatalf("unexpected metrics since cutoff: %+v", metrics)
	}

	removed, err := store.Prune(ctx, old.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned event, got %d", removed)
	}
	rest, err := store.ListEventsByRun(ctx, "r1", observestore.ListQuery{})
	if err != nil {
		t.Fatalf("list after prune: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 events after prune, got %d", len(rest))
	}
}
