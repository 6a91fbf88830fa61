// Package runtime executes workflows whose non-deterministic units (model
// steps, tool calls and hooks) are recorded in a checkpoint, so that a run
// can suspend, be persisted, and later re-enter at the same decision point
// without repeating work.
//
// Start spawns the workflow and exposes its messages as one ordered stream.
// The run ends in one of three states: completed, suspended (one or more
// hooks are waiting for a resolution) or failed.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/agent-runtime-go/bus"
	"github.com/PipeOpsHQ/agent-runtime-go/checkpoint"
	"github.com/PipeOpsHQ/agent-runtime-go/hooks"
	"github.com/PipeOpsHQ/agent-runtime-go/observe"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

// Workflow is the user code a run executes. It returns nil on success, a
// hooks.PendingError (possibly wrapped) when a branch suspended, or any
// other error to fail the run.
type Workflow func(ctx context.Context, rt *Runtime) error

type State int32

const (
	StateStarting State = iota
	StateRunning
	StateCompleted
	StateSuspended
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateSuspended:
		return "suspended"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether the run has finished.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateSuspended || s == StateFailed
}

type Run struct {
	id        string
	sessionID string
	cfg       config

	cp       *checkpoint.Checkpoint
	registry *hooks.Registry
	bus      *bus.Bus
	logger   *zap.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	state     atomic.Int32
	startedAt time.Time

	mu         sync.Mutex
	err        error
	pending    map[string]hooks.Info
	finishedAt time.Time
	counters   map[string]int
	seq        int
	onFinish   []func()

	// applyMu orders mutations of shared in-flight messages with the
	// snapshots put on the bus.
	applyMu sync.Mutex

	transcriptMu sync.Mutex
	transcript   *orderedmap.OrderedMap[string, *types.Message]

	persistMu sync.Mutex
}

// Start spawns wf and returns immediately. Messages must be drained when a
// bus capacity is configured.
func Start(ctx context.Context, wf Workflow, opts ...Option) *Run {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.runID == "" {
		cfg.runID = uuid.NewString()
	}
	if cfg.sessionID == "" {
		cfg.sessionID = cfg.runID
	}
	if cfg.workflow == "" {
		cfg.workflow = "anonymous"
	}

	r := &Run{
		id:         cfg.runID,
		sessionID:  cfg.sessionID,
		cfg:        cfg,
		bus:        bus.New(bus.WithCapacity(cfg.busCapacity)),
		done:       make(chan struct{}),
		startedAt:  time.Now().UTC(),
		counters:   map[string]int{},
		onFinish:   cfg.onFinish,
		transcript: orderedmap.New[string, *types.Message](),
	}
	r.logger = cfg.logger.With(
		zap.String("component", "runtime"),
		zap.String("run_id", r.id),
	)
	if cfg.checkpoint != nil {
		r.cp = cfg.checkpoint.Snapshot()
	} else {
		r.cp = checkpoint.New()
	}
	r.registry = hooks.NewRegistry(r.cp, r,
		hooks.WithMode(cfg.hookMode),
		hooks.WithLogger(cfg.logger),
		hooks.WithResolutions(cfg.resolutions),
		hooks.WithListener(r.onHookTransition),
	)
	r.state.Store(int32(StateStarting))

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if wf == nil {
		cfg.err = errors.New("workflow is required")
	}
	if cfg.err != nil {
		r.fail(runCtx, cfg.err)
		return r
	}

	r.emit(runCtx, observe.Event{Kind: observe.KindRun, Status: observe.StatusStarted, Name: cfg.workflow, SpanID: r.id})
	if err := r.saveRun(context.WithoutCancel(runCtx), StateRunning); err != nil {
		r.fail(runCtx, fmt.Errorf("failed to persist run start: %w", err))
		return r
	}
	r.logger.Info("run started",
		zap.String("workflow", cfg.workflow),
		zap.Int("recorded_units", r.cp.Len()),
	)

	r.state.Store(int32(StateRunning))
	release := r.bus.Register()
	root := &Runtime{run: r, label: cfg.label}
	go func() {
		defer release()
		err := safeCall(func() error { return wf(types.ContextWithLabel(runCtx, root.label), root) })
		r.finish(runCtx, err)
	}()
	return r
}

// RunWorkflow starts wf, drains every message and returns the collected result.
// The error is nil for completed and suspended runs.
func RunWorkflow(ctx context.Context, wf Workflow, opts ...Option) (*Result, error) {
	return Start(ctx, wf, opts...).Collect(ctx)
}

func (r *Run) ID() string { return r.id }

func (r *Run) SessionID() string { return r.sessionID }

func (r *Run) State() State { return State(r.state.Load()) }

// Err returns the failure of a failed run, nil otherwise.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done is closed once the run is terminal and its bus is closed.
func (r *Run) Done() <-chan struct{} { return r.done }

// Messages yields every message snapshot in bus order. It is a single
// consumer sequence: iterate it once.
func (r *Run) Messages() iter.Seq[*types.Message] {
	return r.bus.All(context.Background())
}

// Wait blocks until the run is terminal.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Collect drains the message stream and waits for the run to finish.
func (r *Run) Collect(ctx context.Context) (*Result, error) {
	res := &Result{RunID: r.id, SessionID: r.sessionID}
	for msg := range r.bus.All(ctx) {
		res.Messages = append(res.Messages, msg)
	}
	if err := r.Wait(ctx); err != nil && !r.State().Terminal() {
		return nil, err
	}
	res.State = r.State()
	res.Checkpoint = r.Checkpoint()
	res.PendingHooks = r.PendingHooks()
	return res, r.Err()
}

// Checkpoint returns a snapshot of the run's checkpoint.
func (r *Run) Checkpoint() *checkpoint.Checkpoint { return r.cp.Snapshot() }

// PendingHooks reports the hooks the run is waiting on. Once the run is
// terminal this is the report it finished with.
func (r *Run) PendingHooks() map[string]hooks.Info {
	r.mu.Lock()
	final := r.pending
	r.mu.Unlock()
	if final != nil {
		out := make(map[string]hooks.Info, len(final))
		for id, info := range final {
			info.Metadata = types.CloneMap(info.Metadata)
			out[id] = info
		}
		return out
	}
	return r.registry.Pending()
}

// Resolve delivers value to the branch blocked on hookID.
func (r *Run) Resolve(hookID string, value any) error {
	return r.registry.Resolve(hookID, value)
}

// Cancel fails the branch blocked on hookID with hooks.ErrHookCancelled.
func (r *Run) Cancel(hookID string) error {
	return r.registry.Cancel(hookID)
}

// Stop cancels the workflow and every branch it started.
func (r *Run) Stop() { r.cancel() }

// Transcript returns the latest snapshot of every message the run produced,
// in first-seen order.
func (r *Run) Transcript() []*types.Message {
	r.transcriptMu.Lock()
	defer r.transcriptMu.Unlock()
	out := make([]*types.Message, 0, r.transcript.Len())
	for pair := r.transcript.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.Clone())
	}
	return out
}

// Put records msg in the transcript and enqueues a snapshot on the bus.
func (r *Run) Put(ctx context.Context, msg *types.Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	r.transcriptMu.Lock()
	r.transcript.Set(msg.ID, msg.Clone())
	r.transcriptMu.Unlock()
	return r.bus.Put(ctx, msg)
}

func (r *Run) finish(ctx context.Context, err error) {
	pending := r.registry.Pending()

	var final State
	switch {
	case err == nil && len(pending) == 0:
		final = StateCompleted
	case (err == nil || errors.Is(err, hooks.ErrHookPending)) && len(pending) > 0:
		final = StateSuspended
		err = nil
	default:
		if err == nil {
			err = errors.New("run ended with unresolved hooks")
		}
		final = StateFailed
	}

	r.mu.Lock()
	r.err = err
	r.pending = pending
	r.finishedAt = time.Now().UTC()
	r.mu.Unlock()

	persistCtx := context.WithoutCancel(ctx)
	if perr := r.persistTerminal(persistCtx, final); perr != nil {
		r.logger.Error("failed to persist run", zap.Error(perr))
		if final != StateFailed {
			final = StateFailed
			r.mu.Lock()
			r.err = fmt.Errorf("failed to persist run: %w", perr)
			r.mu.Unlock()
		}
	}
	r.state.Store(int32(final))

	ev := observe.Event{Kind: observe.KindRun, Name: r.cfg.workflow, SpanID: r.id, DurationMs: time.Since(r.startedAt).Milliseconds()}
	switch final {
	case StateCompleted:
		ev.Status = observe.StatusCompleted
		r.logger.Info("run completed", zap.Int64("duration_ms", ev.DurationMs))
	case StateSuspended:
		ev.Status = observe.StatusSuspended
		ev.Attributes = map[string]any{"pending_hooks": len(pending)}
		r.logger.Info("run suspended", zap.Int("pending_hooks", len(pending)))
	default:
		ev.Status = observe.StatusFailed
		ev.Error = r.Err().Error()
		r.logger.Warn("run failed", zap.Error(r.Err()))
	}
	r.emit(persistCtx, ev)

	r.runFinishHooks()
	r.cancel()
	r.bus.CloseWhenIdle()
	close(r.done)
}

// fail ends a run that never started its workflow.
func (r *Run) fail(ctx context.Context, err error) {
	r.mu.Lock()
	r.err = err
	r.pending = map[string]hooks.Info{}
	r.finishedAt = time.Now().UTC()
	r.mu.Unlock()
	r.state.Store(int32(StateFailed))
	r.logger.Warn("run failed to start", zap.Error(err))
	r.emit(context.WithoutCancel(ctx), observe.Event{Kind: observe.KindRun, Status: observe.StatusFailed, Name: r.cfg.workflow, SpanID: r.id, Error: err.Error()})
	r.runFinishHooks()
	r.cancel()
	r.bus.Close()
	close(r.done)
}

func (r *Run) runFinishHooks() {
	r.mu.Lock()
	fns := r.onFinish
	r.onFinish = nil
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (r *Run) nextStepIndex(label string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[label]++
	return r.counters[label]
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("workflow panicked: %v", p)
		}
	}()
	return fn()
}
