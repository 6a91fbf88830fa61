package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/agent-runtime-go/observe"
	"github.com/PipeOpsHQ/agent-runtime-go/runtime"
	"github.com/PipeOpsHQ/agent-runtime-go/state"
	"github.com/PipeOpsHQ/agent-runtime-go/workflow"
)

var (
	errRunNotLive  = errors.New("run is not active in this server")
	errRunIsLive   = errors.New("run is already active")
	errNoStore     = errors.New("state store not configured")
	errNoWorkflows = errors.New("workflow registry not configured")
)

// StartRequest is the body of POST /api/v1/runs.
type StartRequest struct {
	Workflow    string                     `json:"workflow"`
	Input       string                     `json:"input"`
	RunID       string                     `json:"runId,omitempty"`
	SessionID   string                     `json:"sessionId,omitempty"`
	Resolutions map[string]json.RawMessage `json:"resolutions,omitempty"`
	Metadata    map[string]any             `json:"metadata,omitempty"`
}

// RunView is the API shape of a run, live or persisted.
type RunView struct {
	RunID        string              `json:"runId"`
	SessionID    string              `json:"sessionId"`
	Workflow     string              `json:"workflow"`
	State        string              `json:"state"`
	Live         bool                `json:"live"`
	Output       string              `json:"output,omitempty"`
	Error        string              `json:"error,omitempty"`
	PendingHooks []state.PendingHook `json:"pendingHooks,omitempty"`
	StartedAt    *time.Time          `json:"startedAt,omitempty"`
	Record       *state.RunRecord    `json:"record,omitempty"`
}

type liveRun struct {
	run      *runtime.Run
	hub      *messageHub
	workflow string
	started  time.Time
}

// runManager owns the runs started through the API. Runs outlive the
// request that started them and are stopped when the manager closes.
type runManager struct {
	cfg      *Config
	logger   *zap.Logger
	observer observe.Sink
	ctx      context.Context
	cancel   context.CancelFunc

	mu   sync.Mutex
	runs map[string]*liveRun
}

func newRunManager(cfg *Config, logger *zap.Logger, observer observe.Sink) *runManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &runManager{
		cfg:      cfg,
		logger:   logger,
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
		runs:     map[string]*liveRun{},
	}
}

func (m *runManager) baseOptions() []runtime.Option {
	opts := []runtime.Option{
		runtime.WithLogger(m.cfg.Logger),
		runtime.WithHookMode(m.cfg.HookMode),
		runtime.WithObserver(m.observer),
		runtime.WithIncrementalCheckpoints(m.cfg.IncrementalCheckpoints),
	}
	if m.cfg.Tools != nil {
		opts = append(opts, runtime.WithTools(m.cfg.Tools))
	}
	return opts
}

func (m *runManager) build(name, input string) (runtime.Workflow, error) {
	if m.cfg.Workflows == nil {
		return nil, errNoWorkflows
	}
	return m.cfg.Workflows.Build(name, workflow.Deps{
		Model:        m.cfg.Model,
		Input:        input,
		SystemPrompt: m.cfg.SystemPrompt,
	})
}

func (m *runManager) start(req StartRequest) (*liveRun, error) {
	name := strings.TrimSpace(req.Workflow)
	if name == "" {
		name = m.cfg.DefaultWorkflow
	}
	if name == "" {
		return nil, fmt.Errorf("workflow is required")
	}
	if req.RunID != "" {
		if _, ok := m.get(req.RunID); ok {
			return nil, fmt.Errorf("%w: %s", errRunIsLive, req.RunID)
		}
	}
	wf, err := m.build(name, req.Input)
	if err != nil {
		return nil, err
	}
	opts := append(m.baseOptions(),
		runtime.WithWorkflowName(name),
		runtime.WithInput(req.Input),
		runtime.WithRunID(req.RunID),
		runtime.WithSessionID(req.SessionID),
		runtime.WithMetadata(req.Metadata),
		runtime.WithResolutions(req.Resolutions),
	)
	if m.cfg.Store != nil {
		opts = append(opts, runtime.WithStore(m.cfg.Store))
	}
	return m.track(runtime.Start(m.ctx, wf, opts...), name), nil
}

// resume re-enters a persisted run from its latest checkpoint.
func (m *runManager) resume(ctx context.Context, runID string, resolutions map[string]json.RawMessage) (*liveRun, error) {
	if m.cfg.Store == nil {
		return nil, errNoStore
	}
	if lr, ok := m.get(runID); ok && !lr.run.State().Terminal() {
		return nil, fmt.Errorf("%w: %s", errRunIsLive, runID)
	}
	rec, err := m.cfg.Store.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	wf, err := m.build(rec.Workflow, rec.Input)
	if err != nil {
		return nil, err
	}
	opts := append(m.baseOptions(), runtime.WithResolutions(resolutions))
	run, err := runtime.Resume(m.ctx, m.cfg.Store, runID, wf, opts...)
	if err != nil {
		return nil, err
	}
	return m.track(run, rec.Workflow), nil
}

func (m *runManager) track(run *runtime.Run, name string) *liveRun {
	lr := &liveRun{run: run, hub: newMessageHub(), workflow: name, started: time.Now().UTC()}
	m.mu.Lock()
	m.runs[run.ID()] = lr
	m.mu.Unlock()

	go func() {
		for msg := range run.Messages() {
			lr.hub.publish(msg)
		}
		<-run.Done()
		lr.hub.close()
		m.logger.Debug("run drained",
			zap.String("run_id", run.ID()),
			zap.String("state", run.State().String()),
		)
	}()
	return lr
}

func (m *runManager) get(runID string) (*liveRun, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lr, ok := m.runs[runID]
	return lr, ok
}

// active returns the run only while it can still take hook resolutions.
func (m *runManager) active(runID string) (*liveRun, bool) {
	lr, ok := m.get(runID)
	if !ok || lr.run.State().Terminal() {
		return nil, false
	}
	return lr, true
}

func (m *runManager) list() []*liveRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*liveRun, 0, len(m.runs))
	for _, lr := range m.runs {
		out = append(out, lr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].started.After(out[j].started) })
	return out
}

// close stops every active run and waits for them to finish or ctx to end.
func (m *runManager) close(ctx context.Context) error {
	m.cancel()
	for _, lr := range m.list() {
		if err := lr.run.Wait(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (lr *liveRun) view() RunView {
	run := lr.run
	started := lr.started
	v := RunView{
		RunID:     run.ID(),
		SessionID: run.SessionID(),
		Workflow:  lr.workflow,
		State:     run.State().String(),
		Live:      !run.State().Terminal(),
		StartedAt: &started,
	}
	if err := run.Err(); err != nil {
		v.Error = err.Error()
	}
	if !v.Live {
		v.Output = (&runtime.Result{Messages: run.Transcript()}).Text()
	}
	pending := run.PendingHooks()
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		info := pending[id]
		v.PendingHooks = append(v.PendingHooks, state.PendingHook{
			HookID:   id,
			Label:    info.Label,
			HookType: info.HookType,
			Metadata: info.Metadata,
		})
	}
	return v
}

func recordView(rec state.RunRecord) RunView {
	return RunView{
		RunID:        rec.RunID,
		SessionID:    rec.SessionID,
		Workflow:     rec.Workflow,
		State:        rec.Status,
		Output:       rec.Output,
		Error:        rec.Error,
		PendingHooks: rec.PendingHooks,
		StartedAt:    rec.CreatedAt,
		Record:       &rec,
	}
}
