package runtime

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/agent-runtime-go/checkpoint"
	"github.com/PipeOpsHQ/agent-runtime-go/hooks"
	"github.com/PipeOpsHQ/agent-runtime-go/observe"
	"github.com/PipeOpsHQ/agent-runtime-go/state"
	"github.com/PipeOpsHQ/agent-runtime-go/tools"
)

const (
	// RootLabel is the label of the workflow's own branch.
	RootLabel = "main"

	defaultLockTTL = 10 * time.Minute
)

type Option func(*config)

type config struct {
	checkpoint  *checkpoint.Checkpoint
	resolutions map[string]json.RawMessage
	hookMode    hooks.Mode
	catalog     *tools.Catalog
	busCapacity int
	observer    observe.Sink
	logger      *zap.Logger
	store       state.Store
	runID       string
	sessionID   string
	workflow    string
	input       string
	label       string
	incremental bool
	toolTimeout time.Duration
	lockTTL     time.Duration
	metadata    map[string]any
	onFinish    []func()
	err         error
}

func defaultConfig() config {
	return config{
		resolutions: map[string]json.RawMessage{},
		hookMode:    hooks.Blocking,
		observer:    observe.NoopSink{},
		logger:      zap.NewNop(),
		label:       RootLabel,
		lockTTL:     defaultLockTTL,
	}
}

// WithCheckpoint re-enters a run from cp. The run works on a copy; cp
// itself is never modified.
func WithCheckpoint(cp *checkpoint.Checkpoint) Option {
	return func(c *config) { c.checkpoint = cp }
}

// WithResolutions pre-supplies hook resolutions by hook id.
func WithResolutions(values map[string]json.RawMessage) Option {
	return func(c *config) {
		for id, v := range values {
			c.resolutions[id] = append(json.RawMessage(nil), v...)
		}
	}
}

// WithResolution pre-supplies one hook resolution, JSON-encoding value.
func WithResolution(hookID string, value any) Option {
	return func(c *config) {
		raw, err := json.Marshal(value)
		if err != nil {
			c.err = fmt.Errorf("resolution for hook %q: %w", hookID, err)
			return
		}
		c.resolutions[hookID] = raw
	}
}

func WithHookMode(mode hooks.Mode) Option {
	return func(c *config) { c.hookMode = mode }
}

func WithTools(catalog *tools.Catalog) Option {
	return func(c *config) { c.catalog = catalog }
}

// WithBusCapacity bounds the number of undelivered messages. Producers block
// while the bound is reached, so the caller must drain Messages.
func WithBusCapacity(n int) Option {
	return func(c *config) { c.busCapacity = n }
}

func WithObserver(sink observe.Sink) Option {
	return func(c *config) {
		if sink != nil {
			c.observer = sink
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStore persists the run record and a checkpoint whenever the run
// reaches a terminal state.
func WithStore(store state.Store) Option {
	return func(c *config) { c.store = store }
}

func WithRunID(runID string) Option {
	return func(c *config) {
		if runID != "" {
			c.runID = runID
		}
	}
}

func WithSessionID(sessionID string) Option {
	return func(c *config) {
		if sessionID != "" {
			c.sessionID = sessionID
		}
	}
}

// WithWorkflowName names the workflow in persisted run records.
func WithWorkflowName(name string) Option {
	return func(c *config) { c.workflow = name }
}

// WithInput records the text that started the run.
func WithInput(input string) Option {
	return func(c *config) { c.input = input }
}

func WithMetadata(metadata map[string]any) Option {
	return func(c *config) { c.metadata = metadata }
}

// WithRootLabel changes the label of the workflow's own branch.
func WithRootLabel(label string) Option {
	return func(c *config) {
		if label != "" {
			c.label = label
		}
	}
}

// WithIncrementalCheckpoints also saves a checkpoint after every recorded
// step, tool call and hook resolution. Requires WithStore.
func WithIncrementalCheckpoints(enabled bool) Option {
	return func(c *config) { c.incremental = enabled }
}

func WithToolTimeout(timeout time.Duration) Option {
	return func(c *config) {
		if timeout >= 0 {
			c.toolTimeout = timeout
		}
	}
}

// WithLockTTL sets the lease Resume takes on stores that implement
// state.Locker.
func WithLockTTL(ttl time.Duration) Option {
	return func(c *config) {
		if ttl > 0 {
			c.lockTTL = ttl
		}
	}
}

func onFinish(fn func()) Option {
	return func(c *config) { c.onFinish = append(c.onFinish, fn) }
}
