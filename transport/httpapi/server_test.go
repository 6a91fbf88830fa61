package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/agent-runtime-go/checkpoint"
	"github.com/PipeOpsHQ/agent-runtime-go/hooks"
	"github.com/PipeOpsHQ/agent-runtime-go/observe"
	"github.com/PipeOpsHQ/agent-runtime-go/observe/prom"
	observesqlite "github.com/PipeOpsHQ/agent-runtime-go/observe/store/sqlite"
	"github.com/PipeOpsHQ/agent-runtime-go/runtime/cron"
	"github.com/PipeOpsHQ/agent-runtime-go/state"
	"github.com/PipeOpsHQ/agent-runtime-go/state/memory"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
	"github.com/PipeOpsHQ/agent-runtime-go/workflow"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Workflows == nil {
		cfg.Workflows = workflow.Builtins()
	}
	s := NewServer(cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Close()
	})
	return s, ts
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = strings.NewReader(string(raw))
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func waitForState(t *testing.T, base, runID, want string) RunView {
	t.Helper()
	var view RunView
	require.Eventually(t, func() bool {
		view = RunView{}
		doJSON(t, http.MethodGet, base+"/api/v1/runs/"+runID, nil, &view)
		return view.State == want
	}, 5*time.Second, 10*time.Millisecond, "run %s never reached %s", runID, want)
	return view
}

func TestStartRunAndStreamSSE(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	var view RunView
	status := doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs", StartRequest{Workflow: "echo", Input: "hi there"}, &view)
	require.Equal(t, http.StatusAccepted, status)
	require.NotEmpty(t, view.RunID)

	resp, err := http.Get(ts.URL + "/api/v1/runs/" + view.RunID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	var last string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, name)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			last = data
		}
	}
	require.NotEmpty(t, events)
	assert.Equal(t, "done", events[len(events)-1])
	assert.Contains(t, events, "message")

	var done RunView
	require.NoError(t, json.Unmarshal([]byte(last), &done))
	assert.Equal(t, "completed", done.State)
}

func TestBlockingHookResolvedOverHTTP(t *testing.T) {
	store := memory.New()
	_, ts := newTestServer(t, Config{Store: store})

	var view RunView
	doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs", StartRequest{Workflow: "approve", Input: "ship it", RunID: "run-a"}, &view)
	require.Equal(t, "run-a", view.RunID)

	require.Eventually(t, func() bool {
		var pending []state.PendingHook
		doJSON(t, http.MethodGet, ts.URL+"/api/v1/runs/run-a/hooks", nil, &pending)
		return len(pending) == 1 && pending[0].HookID == "approve-publish"
	}, 5*time.Second, 10*time.Millisecond)

	status := doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs/run-a/hooks/approve-publish/resolve", map[string]any{"approved": true}, nil)
	require.Equal(t, http.StatusOK, status)

	final := waitForState(t, ts.URL, "run-a", "completed")
	assert.Equal(t, "Published: ship it", final.Output)

	status = doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs/run-a/hooks/approve-publish/resolve", map[string]any{"approved": true}, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestInvalidResolutionRejected(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs", StartRequest{Workflow: "approve", Input: "x", RunID: "run-bad"}, nil)
	require.Eventually(t, func() bool {
		var pending []state.PendingHook
		doJSON(t, http.MethodGet, ts.URL+"/api/v1/runs/run-bad/hooks", nil, &pending)
		return len(pending) == 1
	}, 5*time.Second, 10*time.Millisecond)

	status := doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs/run-bad/hooks/approve-publish/resolve", map[string]any{"approved": "yes"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status = doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs/run-bad/hooks/approve-publish/cancel", nil, nil)
	require.Equal(t, http.StatusOK, status)
	waitForState(t, ts.URL, "run-bad", "failed")
}

func TestSuspendedRunResumedByResolution(t *testing.T) {
	store := memory.New()
	_, ts := newTestServer(t, Config{Store: store, HookMode: hooks.NonBlocking})

	doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs", StartRequest{Workflow: "approve", Input: "ship it", RunID: "run-s"}, nil)
	suspended := waitForState(t, ts.URL, "run-s", "suspended")
	require.Len(t, suspended.PendingHooks, 1)

	var rows []state.CheckpointRecord
	doJSON(t, http.MethodGet, ts.URL+"/api/v1/runs/run-s/checkpoints", nil, &rows)
	require.NotEmpty(t, rows)

	var resumed RunView
	status := doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs/run-s/hooks/approve-publish/resolve", map[string]any{"approved": true}, &resumed)
	require.Equal(t, http.StatusAccepted, status)

	final := waitForState(t, ts.URL, "run-s", "completed")
	assert.Equal(t, "Published: ship it", final.Output)

	var cp state.CheckpointRecord
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/api/v1/runs/run-s/checkpoint", nil, &cp))
	assert.Equal(t, state.StatusCompleted, cp.Status)

	status = doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs/run-s/resume", map[string]any{}, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestSuspendedRunRejectsUnknownHook(t *testing.T) {
	store := memory.New()
	_, ts := newTestServer(t, Config{Store: store, HookMode: hooks.NonBlocking})

	doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs", StartRequest{Workflow: "approve", Input: "ship it", RunID: "run-p"}, nil)
	waitForState(t, ts.URL, "run-p", "suspended")
	before, err := store.ListCheckpoints(context.Background(), "run-p", 0)
	require.NoError(t, err)

	status := doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs/run-p/hooks/no-such-hook/resolve", map[string]any{"approved": true}, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status = doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs/run-p/hooks/no-such-hook/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	after, err := store.ListCheckpoints(context.Background(), "run-p", 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
	var view RunView
	doJSON(t, http.MethodGet, ts.URL+"/api/v1/runs/run-p", nil, &view)
	assert.Equal(t, "suspended", view.State)
}

func TestSuspendedRunHookCancelledByID(t *testing.T) {
	store := memory.New()
	_, ts := newTestServer(t, Config{Store: store, HookMode: hooks.NonBlocking})

	doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs", StartRequest{Workflow: "approve", Input: "ship it", RunID: "run-c"}, nil)
	waitForState(t, ts.URL, "run-c", "suspended")

	status := doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs/run-c/hooks/approve-publish/cancel", nil, nil)
	require.Equal(t, http.StatusAccepted, status)

	final := waitForState(t, ts.URL, "run-c", "failed")
	assert.Contains(t, final.Error, "cancelled")

	cp, err := store.LoadLatestCheckpoint(context.Background(), "run-c")
	require.NoError(t, err)
	decoded, err := checkpoint.Unmarshal(cp.Checkpoint)
	require.NoError(t, err)
	rec, ok := decoded.Hook("approve-publish")
	require.True(t, ok)
	assert.Equal(t, types.HookCancelled, rec.Status)

	status = doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs/run-c/hooks/approve-publish/resolve", map[string]any{"approved": true}, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestWebSocketResolve(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs", StartRequest{Workflow: "approve", Input: "ship it", RunID: "run-ws"}, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/runs/run-ws/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	resolved := false
	var done *RunView
	for done == nil {
		var frame wsFrame
		require.NoError(t, conn.ReadJSON(&frame))
		switch frame.Type {
		case "message":
			part := frame.Message.HookPart("approve-publish")
			if part != nil && part.Status == types.HookPending && !resolved {
				resolved = true
				require.NoError(t, conn.WriteJSON(wsCommand{Type: "resolve", HookID: "approve-publish", Value: json.RawMessage(`{"approved":false,"comment":"later"}`)}))
			}
		case "ack":
			assert.Equal(t, "resolve", frame.Command)
		case "done":
			done = frame.Run
		case "error":
			t.Fatalf("unexpected error frame: %s", frame.Error)
		}
	}
	assert.True(t, resolved)
	assert.Equal(t, "completed", done.State)
}

func TestStopRun(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs", StartRequest{Workflow: "approve", Input: "x", RunID: "run-stop"}, nil)
	waitForState(t, ts.URL, "run-stop", "running")

	require.Equal(t, http.StatusAccepted, doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs/run-stop/stop", nil, nil))
	view := waitForState(t, ts.URL, "run-stop", "failed")
	assert.Contains(t, view.Error, "context canceled")

	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs/run-stop/stop", nil, nil))
}

func TestAPIKeyRequired(t *testing.T) {
	_, ts := newTestServer(t, Config{APIKeys: []string{"secret"}})

	resp, err := http.Get(ts.URL + "/api/v1/workflows")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/workflows", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var names map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&names))
	assert.Contains(t, names, "approve")

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownWorkflow(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	var body map[string]string
	status := doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs", StartRequest{Workflow: "nope"}, &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "unknown workflow")
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := prom.NewSink(prom.WithRegisterer(reg))
	_, ts := newTestServer(t, Config{Observer: sink, Gatherer: reg})

	var view RunView
	doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs", StartRequest{Workflow: "echo", Input: "x"}, &view)
	waitForState(t, ts.URL, view.RunID, "completed")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "agent_runtime_events_total")
}

func TestRunEventsFilteredByKind(t *testing.T) {
	traces, err := observesqlite.New(t.TempDir() + "/traces.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = traces.Close() })
	_, ts := newTestServer(t, Config{Observer: traces.Sink(), TraceStore: traces})

	var view RunView
	doJSON(t, http.MethodPost, ts.URL+"/api/v1/runs", StartRequest{Workflow: "echo", Input: "x"}, &view)
	waitForState(t, ts.URL, view.RunID, "completed")

	var events []observe.Event
	require.Eventually(t, func() bool {
		events = nil
		doJSON(t, http.MethodGet, ts.URL+"/api/v1/runs/"+view.RunID+"/events?kind=run&status=completed", nil, &events)
		return len(events) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, observe.KindRun, events[0].Kind)
	assert.Equal(t, view.RunID, events[0].RunID)

	var all []observe.Event
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/api/v1/runs/"+view.RunID+"/events", nil, &all))
	assert.Greater(t, len(all), len(events))
}

func TestScheduleTriggerStartsRun(t *testing.T) {
	var server *Server
	sched := cron.New(func(_ context.Context, job string, cfg cron.JobConfig) (string, error) {
		view, err := server.StartRun(StartRequest{Workflow: cfg.Workflow, Input: cfg.Input, Metadata: map[string]any{"schedule": job}})
		return view.RunID, err
	})
	require.NoError(t, sched.Add("hourly-echo", "@hourly", cron.JobConfig{Workflow: "echo", Input: "tick"}))
	require.NoError(t, sched.Add("broken", "@hourly", cron.JobConfig{Workflow: "missing"}))
	server, ts := newTestServer(t, Config{Schedules: sched})

	var jobs []cron.Job
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/api/v1/schedules", nil, &jobs))
	require.Len(t, jobs, 2)

	var run cron.JobRun
	require.Equal(t, http.StatusAccepted, doJSON(t, http.MethodPost, ts.URL+"/api/v1/schedules/hourly-echo/trigger", nil, &run))
	require.NotEmpty(t, run.RunID)
	final := waitForState(t, ts.URL, run.RunID, "completed")
	assert.Equal(t, "tick", final.Output)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, ts.URL+"/api/v1/schedules/broken/trigger", nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, ts.URL+"/api/v1/schedules/nope/trigger", nil, nil))

	var job cron.Job
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, ts.URL+"/api/v1/schedules/hourly-echo/disable", nil, &job))
	assert.False(t, job.Enabled)

	var detail struct {
		Job     cron.Job      `json:"job"`
		History []cron.JobRun `json:"history"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/api/v1/schedules/hourly-echo", nil, &detail))
	require.Len(t, detail.History, 1)
	assert.Equal(t, run.RunID, detail.History[0].RunID)
}

func TestHubBacklogAndLag(t *testing.T) {
	h := newMessageHub()
	first := types.UserMessage("one")
	h.publish(first)

	id, backlog, ch := h.subscribe(1)
	require.Len(t, backlog, 1)
	assert.Equal(t, first.ID, backlog[0].ID)

	h.publish(types.UserMessage("two"))
	h.publish(types.UserMessage("three"))
	<-ch
	_, open := <-ch
	assert.False(t, open, "lagging watcher is dropped")
	h.unsubscribe(id)

	h.close()
	_, late, closed := h.subscribe(0)
	assert.Len(t, late, 3)
	_, open = <-closed
	assert.False(t, open)
}
