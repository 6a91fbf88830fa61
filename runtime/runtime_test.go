package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/agent-runtime-go/hooks"
	"github.com/PipeOpsHQ/agent-runtime-go/llm/llmtest"
	"github.com/PipeOpsHQ/agent-runtime-go/observe"
	"github.com/PipeOpsHQ/agent-runtime-go/tools"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

type approval struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

var approvalHook = hooks.New[approval]("approval")

func answerWorkflow(model *llmtest.Model, question string) Workflow {
	return func(ctx context.Context, rt *Runtime) error {
		_, err := rt.StreamStep(ctx, "", model, types.MakeMessages("", question))
		return err
	}
}

func TestSingleStepAnswer(t *testing.T) {
	model := llmtest.New(llmtest.Text("4"))
	res, err := RunWorkflow(context.Background(), answerWorkflow(model, "2+2"))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)

	final := res.Final()
	require.Len(t, final, 1)
	msg := final[0]
	assert.Equal(t, types.RoleAssistant, msg.Role)
	assert.Equal(t, RootLabel, msg.Label)
	require.Len(t, msg.Parts, 1)
	text, ok := msg.Parts[0].(*types.TextPart)
	require.True(t, ok)
	assert.Equal(t, "4", text.Text)
	assert.True(t, text.Done())

	rec, ok := res.Checkpoint.Step(RootLabel)
	require.True(t, ok, "step keyed by its label")
	assert.Equal(t, 1, res.Checkpoint.Len())
	assert.Equal(t, "4", rec.Messages[0].Text())
	assert.Empty(t, res.PendingHooks)
	assert.Equal(t, "4", res.Text())
	require.NotNil(t, res.TotalUsage())
}

func TestStreamedSnapshotsShareMessageID(t *testing.T) {
	model := llmtest.New(llmtest.Text("the answer is four"))
	res, err := RunWorkflow(context.Background(), answerWorkflow(model, "2+2"))
	require.NoError(t, err)
	require.Greater(t, len(res.Messages), 1)

	id := res.Messages[0].ID
	for _, msg := range res.Messages {
		assert.Equal(t, id, msg.ID)
	}
	assert.False(t, res.Messages[0].Done())
	assert.True(t, res.Messages[len(res.Messages)-1].Done())
}

func TestReplayDoesNotCallModel(t *testing.T) {
	first := llmtest.New(llmtest.Text("4"))
	res, err := RunWorkflow(context.Background(), answerWorkflow(first, "2+2"))
	require.NoError(t, err)

	second := llmtest.New()
	replayed, err := RunWorkflow(context.Background(), answerWorkflow(second, "2+2"), WithCheckpoint(res.Checkpoint))
	require.NoError(t, err)
	assert.Equal(t, 0, second.Calls())
	assert.Equal(t, "4", replayed.Text())
	assert.Equal(t, res.Final()[0].ID, replayed.Final()[0].ID)
}

func TestSuppliedCheckpointIsNotMutated(t *testing.T) {
	model := llmtest.New(llmtest.Text("a"), llmtest.Text("b"))
	wf := func(ctx context.Context, rt *Runtime) error {
		if _, err := rt.StreamStep(ctx, "one", model, nil); err != nil {
			return err
		}
		_, err := rt.StreamStep(ctx, "two", model, nil)
		return err
	}
	first, err := RunWorkflow(context.Background(), func(ctx context.Context, rt *Runtime) error {
		_, err := rt.StreamStep(ctx, "one", model, nil)
		return err
	})
	require.NoError(t, err)
	cp := first.Checkpoint
	require.Equal(t, 1, cp.Len())

	res, err := RunWorkflow(context.Background(), wf, WithCheckpoint(cp))
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Len())
	assert.Equal(t, 2, res.Checkpoint.Len())
	assert.Equal(t, 2, model.Calls())
}

func TestStepFailureFailsRun(t *testing.T) {
	model := llmtest.New(llmtest.Fail(errors.New("boom")))
	res, err := RunWorkflow(context.Background(), answerWorkflow(model, "2+2"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 0, res.Checkpoint.Len())
}

func TestWorkflowPanicFailsRun(t *testing.T) {
	res, err := RunWorkflow(context.Background(), func(context.Context, *Runtime) error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, StateFailed, res.State)
}

func TestNilWorkflowFails(t *testing.T) {
	run := Start(context.Background(), nil)
	require.Error(t, run.Wait(context.Background()))
	assert.Equal(t, StateFailed, run.State())
}

func TestLoopExecutesToolsUntilAnswer(t *testing.T) {
	model := llmtest.New(
		llmtest.ToolCall("call-1", "calculator", map[string]any{"expression": "2+2"}),
		llmtest.Text("4"),
	)
	var loop *LoopResult
	wf := func(ctx context.Context, rt *Runtime) error {
		var err error
		loop, err = Loop(ctx, rt, model, types.MakeMessages("", "what is 2+2?"), LoopOptions{})
		return err
	}
	res, err := RunWorkflow(context.Background(), wf, WithTools(tools.Builtins()))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, "4", loop.Text())
	assert.Equal(t, 2, loop.Iterations)

	rec, ok := res.Checkpoint.Tool("call-1")
	require.True(t, ok)
	assert.Equal(t, types.ToolResult, rec.Status)
	assert.JSONEq(t, `{"expression":"2+2","value":4,"result":"4"}`, string(rec.Result))

	_, ok = res.Checkpoint.Step("main/turn-1")
	assert.True(t, ok)
	_, ok = res.Checkpoint.Step("main/turn-2")
	assert.True(t, ok)

	// the second model call sees the tool result
	requests := model.Requests()
	require.Len(t, requests, 2)
	last := requests[1][len(requests[1])-1]
	part := last.ToolPart("call-1")
	require.NotNil(t, part)
	assert.Equal(t, types.ToolResult, part.Status)
}

func TestUnknownToolIsRecordedAsError(t *testing.T) {
	model := llmtest.New(llmtest.ToolCall("call-1", "missing", map[string]any{}))
	var toolErr error
	wf := func(ctx context.Context, rt *Runtime) error {
		step, err := rt.StreamStep(ctx, "ask", model, nil)
		if err != nil {
			return err
		}
		results, err := rt.ExecuteTools(ctx, step.LastMessage())
		toolErr = err
		if assert.Len(t, results, 1) {
			assert.True(t, results[0].Failed())
		}
		return nil
	}
	res, err := RunWorkflow(context.Background(), wf, WithTools(tools.Builtins()))
	require.NoError(t, err)
	assert.ErrorIs(t, toolErr, ErrUnknownTool)

	rec, ok := res.Checkpoint.Tool("call-1")
	require.True(t, ok)
	assert.True(t, rec.Unknown)
	assert.Equal(t, types.ToolError, rec.Status)

	part := res.LastMessage().ToolPart("call-1")
	require.NotNil(t, part)
	assert.Equal(t, types.ToolError, part.Status)
	assert.Contains(t, part.Error, "not found")
}

func TestLoopStopsOnUnknownTool(t *testing.T) {
	model := llmtest.New(
		llmtest.ToolCall("call-1", "missing", map[string]any{}),
		llmtest.Text("carried on"),
	)
	var loopErr error
	wf := func(ctx context.Context, rt *Runtime) error {
		_, loopErr = Loop(ctx, rt, model, types.MakeMessages("", "go"), LoopOptions{KeyPrefix: "main"})
		return loopErr
	}
	res, err := RunWorkflow(context.Background(), wf, WithTools(tools.Builtins()))
	require.ErrorIs(t, loopErr, ErrUnknownTool)
	require.ErrorIs(t, err, ErrUnknownTool)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 1, model.Calls())

	_, ok := res.Checkpoint.Step("main/turn-2")
	assert.False(t, ok)
	rec, ok := res.Checkpoint.Tool("call-1")
	require.True(t, ok)
	assert.True(t, rec.Unknown)
}

func TestToolValidationFailureIsCaptured(t *testing.T) {
	model := llmtest.New(llmtest.ToolCall("call-1", "calculator", map[string]any{"wrong": 1}))
	wf := func(ctx context.Context, rt *Runtime) error {
		step, err := rt.StreamStep(ctx, "ask", model, nil)
		if err != nil {
			return err
		}
		results, err := rt.ExecuteTools(ctx, step.LastMessage())
		if err != nil {
			return err
		}
		assert.True(t, results[0].Failed())
		return nil
	}
	res, err := RunWorkflow(context.Background(), wf, WithTools(tools.Builtins()))
	require.NoError(t, err)
	rec, ok := res.Checkpoint.Tool("call-1")
	require.True(t, ok)
	assert.Equal(t, types.ToolError, rec.Status)
	assert.False(t, rec.Unknown)
}

func TestRuntimeToolPublishesUnderCallerLabel(t *testing.T) {
	model := llmtest.New(
		llmtest.ToolCall("note-1", "note", map[string]any{"text": "halfway there"}),
		llmtest.Text("done"),
	)
	wf := func(ctx context.Context, rt *Runtime) error {
		return rt.Parallel(ctx, Branch{Label: "writer", Run: func(ctx context.Context, rt *Runtime) error {
			_, err := Loop(ctx, rt, model, types.MakeMessages("", "write"), LoopOptions{})
			return err
		}})
	}
	res, err := RunWorkflow(context.Background(), wf, WithTools(tools.Builtins()), WithRunID("run-note"))
	require.NoError(t, err)

	var note *types.Message
	for _, msg := range res.Final() {
		if msg.Text() == "halfway there" {
			note = msg
		}
	}
	require.NotNil(t, note)
	assert.Equal(t, "writer", note.Label)

	rec, ok := res.Checkpoint.Tool("note-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"run_id":"run-note","published":true}`, string(rec.Result))
}

func TestBlockingHookResolvedThroughRun(t *testing.T) {
	var got approval
	wf := func(ctx context.Context, rt *Runtime) error {
		var err error
		got, err = Await(ctx, rt, approvalHook, "gate")
		return err
	}
	run := Start(context.Background(), wf)
	for msg := range run.Messages() {
		if part := msg.HookPart("gate"); part != nil && part.Status == types.HookPending {
			assert.Contains(t, run.PendingHooks(), "gate")
			require.NoError(t, run.Resolve("gate", approval{Approved: true, Comment: "ok"}))
		}
	}
	require.NoError(t, run.Wait(context.Background()))
	assert.Equal(t, StateCompleted, run.State())
	assert.True(t, got.Approved)

	rec, ok := run.Checkpoint().Hook("gate")
	require.True(t, ok)
	assert.Equal(t, types.HookResolved, rec.Status)
}

func TestBlockingHookCancelledThroughRun(t *testing.T) {
	wf := func(ctx context.Context, rt *Runtime) error {
		_, err := Await(ctx, rt, approvalHook, "gate")
		return err
	}
	run := Start(context.Background(), wf)
	for msg := range run.Messages() {
		if part := msg.HookPart("gate"); part != nil && part.Status == types.HookPending {
			require.NoError(t, run.Cancel("gate"))
		}
	}
	err := run.Wait(context.Background())
	require.ErrorIs(t, err, hooks.ErrHookCancelled)
	assert.Equal(t, StateFailed, run.State())
}

func TestResolutionRejectedBySchema(t *testing.T) {
	wf := func(ctx context.Context, rt *Runtime) error {
		_, err := Await(ctx, rt, approvalHook, "gate")
		return err
	}
	run := Start(context.Background(), wf)
	for msg := range run.Messages() {
		if part := msg.HookPart("gate"); part != nil && part.Status == types.HookPending {
			err := run.Resolve("gate", map[string]any{"approved": "yes"})
			require.ErrorIs(t, err, hooks.ErrInvalidResolution)
			require.NoError(t, run.Resolve("gate", approval{Approved: false}))
		}
	}
	require.NoError(t, run.Wait(context.Background()))
}

func TestNonBlockingHookSuspendsRun(t *testing.T) {
	wf := func(ctx context.Context, rt *Runtime) error {
		_, err := Await(ctx, rt, approvalHook, "gate", hooks.WithMetadata(map[string]any{"reason": "publish"}))
		return err
	}
	res, err := RunWorkflow(context.Background(), wf, WithHookMode(hooks.NonBlocking))
	require.NoError(t, err)
	assert.Equal(t, StateSuspended, res.State)
	require.Contains(t, res.PendingHooks, "gate")
	info := res.PendingHooks["gate"]
	assert.Equal(t, RootLabel, info.Label)
	assert.Equal(t, "approval", info.HookType)
	assert.Equal(t, "publish", info.Metadata["reason"])

	_, recorded := res.Checkpoint.Hook("gate")
	assert.False(t, recorded, "pending hooks are not recorded")
}

func TestSuppliedResolutionSkipsSuspension(t *testing.T) {
	var got approval
	wf := func(ctx context.Context, rt *Runtime) error {
		var err error
		got, err = Await(ctx, rt, approvalHook, "gate")
		return err
	}
	res, err := RunWorkflow(context.Background(), wf,
		WithHookMode(hooks.NonBlocking),
		WithResolutions(map[string]json.RawMessage{"gate": json.RawMessage(`{"approved":true}`)}),
	)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.True(t, got.Approved)
}

func TestStopCancelsWaitingBranch(t *testing.T) {
	wf := func(ctx context.Context, rt *Runtime) error {
		_, err := Await(ctx, rt, approvalHook, "gate")
		return err
	}
	run := Start(context.Background(), wf)
	for msg := range run.Messages() {
		if part := msg.HookPart("gate"); part != nil && part.Status == types.HookPending {
			run.Stop()
		}
	}
	err := run.Wait(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, run.State())
	assert.Empty(t, run.PendingHooks())
}

func TestBoundedBusAppliesBackpressure(t *testing.T) {
	model := llmtest.New(llmtest.Text("one two three four five six seven eight"))
	run := Start(context.Background(), answerWorkflow(model, "count"), WithBusCapacity(1))

	select {
	case <-run.Done():
		t.Fatal("run finished without its messages being drained")
	case <-time.After(50 * time.Millisecond):
	}
	res, err := run.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "one two three four five six seven eight", res.Text())
}

func TestObserverReceivesLifecycleEvents(t *testing.T) {
	var (
		mu     sync.Mutex
		events []observe.Event
	)
	sink := observe.SinkFunc(func(_ context.Context, ev observe.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		return nil
	})
	model := llmtest.New(
		llmtest.ToolCall("call-1", "calculator", map[string]any{"expression": "1+1"}),
		llmtest.Text("2"),
	)
	wf := func(ctx context.Context, rt *Runtime) error {
		rt.Emit(ctx, "custom-mark", map[string]any{"k": "v"})
		_, err := Loop(ctx, rt, model, nil, LoopOptions{KeyPrefix: "calc"})
		return err
	}
	_, err := RunWorkflow(context.Background(), wf, WithObserver(sink), WithTools(tools.Builtins()), WithRunID("run-obs"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	seen := map[string]bool{}
	for _, ev := range events {
		assert.Equal(t, "run-obs", ev.RunID)
		seen[string(ev.Kind)+":"+string(ev.Status)] = true
	}
	for _, want := range []string{
		"run:started", "run:completed",
		"step:started", "step:completed",
		"tool:started", "tool:completed",
		"custom:completed",
	} {
		assert.True(t, seen[want], "missing %s", want)
	}
	assert.Equal(t, observe.KindRun, events[len(events)-1].Kind)
}

func TestDerivedStepKeys(t *testing.T) {
	model := llmtest.New(llmtest.Text("a"), llmtest.Text("b"), llmtest.Text("c"))
	wf := func(ctx context.Context, rt *Runtime) error {
		for i := 0; i < 2; i++ {
			if _, err := rt.StreamStep(ctx, "", model, nil); err != nil {
				return err
			}
		}
		_, err := rt.StreamStep(ctx, "named", model, nil)
		return err
	}
	res, err := RunWorkflow(context.Background(), wf)
	require.NoError(t, err)
	for _, key := range []string{"main", "main/step-2", "named"} {
		_, ok := res.Checkpoint.Step(key)
		assert.True(t, ok, key)
	}
}
