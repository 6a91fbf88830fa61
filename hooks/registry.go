// Package hooks implements suspension points: named places where a workflow
// branch waits for a value supplied from outside the run.
//
// A Registry is bound to one run. Creating a hook first consults the run's
// checkpoint, so a hook resolved in an earlier run returns its resolution
// without suspending. Otherwise the registry either parks the branch until
// Resolve or Cancel is called (blocking mode) or fails the branch with a
// PendingError and reports the hook (non-blocking mode).
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/agent-runtime-go/checkpoint"
	"github.com/PipeOpsHQ/agent-runtime-go/schema"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

type Mode int

const (
	// Blocking parks the creating branch until Resolve or Cancel.
	Blocking Mode = iota
	// NonBlocking fails the creating branch with a PendingError unless a
	// resolution was supplied up front.
	NonBlocking
)

func (m Mode) String() string {
	if m == NonBlocking {
		return "non-blocking"
	}
	return "blocking"
}

// ParseMode accepts "blocking" and "non-blocking" (or "nonblocking").
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "blocking":
		return Blocking, nil
	case "non-blocking", "nonblocking":
		return NonBlocking, nil
	}
	return Blocking, fmt.Errorf("unknown hook mode %q", raw)
}

// Publisher receives hook messages. *bus.Bus satisfies it.
type Publisher interface {
	Put(ctx context.Context, msg *types.Message) error
}

// Transition is reported to listeners whenever a hook changes state.
type Transition struct {
	Info     Info
	Status   types.HookStatus
	Replayed bool
}

type Request struct {
	HookID   string
	HookType string
	// Label defaults to the branch label carried by the context.
	Label    string
	Metadata map[string]any
	// Schema constrains the resolution. Nil accepts any JSON value.
	Schema map[string]any
}

type slot struct {
	info      Info
	validator *schema.Validator
	done      chan struct{}
	value     json.RawMessage
	err       error
}

type Registry struct {
	mu        sync.Mutex
	cp        *checkpoint.Checkpoint
	pub       Publisher
	mode      Mode
	logger    *zap.Logger
	listener  func(context.Context, Transition)
	provided  map[string]json.RawMessage
	slots     map[string]*slot
	suspended map[string]Info
	terminal  map[string]types.HookStatus
}

type Option func(*Registry)

func WithMode(mode Mode) Option {
	return func(r *Registry) {
		r.mode = mode
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithResolutions pre-supplies resolutions by hook id.
func WithResolutions(values map[string]json.RawMessage) Option {
	return func(r *Registry) {
		for id, v := range values {
			r.provided[id] = append(json.RawMessage(nil), v...)
		}
	}
}

func WithListener(fn func(context.Context, Transition)) Option {
	return func(r *Registry) {
		r.listener = fn
	}
}

func NewRegistry(cp *checkpoint.Checkpoint, pub Publisher, opts ...Option) *Registry {
	if cp == nil {
		cp = checkpoint.New()
	}
	r := &Registry{
		cp:        cp,
		pub:       pub,
		logger:    zap.NewNop(),
		provided:  map[string]json.RawMessage{},
		slots:     map[string]*slot{},
		suspended: map[string]Info{},
		terminal:  map[string]types.HookStatus{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "hooks"))
	return r
}

func (r *Registry) Mode() Mode { return r.mode }

// Create returns the resolution for req.HookID, suspending the calling
// branch if none is known yet.
func (r *Registry) Create(ctx context.Context, req Request) (json.RawMessage, error) {
	if strings.TrimSpace(req.HookID) == "" {
		return nil, fmt.Errorf("hook_id is required")
	}
	if req.Label == "" {
		req.Label = types.LabelFromContext(ctx)
	}
	info := Info{HookID: req.HookID, Label: req.Label, HookType: req.HookType, Metadata: types.CloneMap(req.Metadata)}

	r.mu.Lock()
	if rec, ok := r.cp.Hook(req.HookID); ok {
		r.mu.Unlock()
		return r.replay(ctx, info, rec)
	}
	if _, live := r.slots[req.HookID]; live {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: hook %q is already waiting", checkpoint.ErrDuplicateKey, req.HookID)
	}
	if _, seen := r.suspended[req.HookID]; seen {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: hook %q is already pending", checkpoint.ErrDuplicateKey, req.HookID)
	}

	validator, err := schema.Compile(req.Schema)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("hook %q: %w", req.HookID, err)
	}

	if value, ok := r.provided[req.HookID]; ok {
		if err := validator.Validate(value); err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: hook %q: %v", ErrInvalidResolution, req.HookID, err)
		}
		if err := r.recordLocked(info, types.HookResolved, value); err != nil {
			r.mu.Unlock()
			return nil, err
		}
		delete(r.provided, req.HookID)
		r.mu.Unlock()

		r.logger.Debug("hook resolved from supplied value", zap.String("hook_id", req.HookID))
		msg := hookMessage(info, types.HookPending)
		msg.HookPart(info.HookID).Resolve(value)
		if err := r.publish(ctx, msg); err != nil {
			return nil, err
		}
		r.notify(ctx, Transition{Info: info, Status: types.HookResolved})
		return value, nil
	}

	if r.mode == NonBlocking {
		r.suspended[req.HookID] = info
		r.terminal[req.HookID] = types.HookCancelled
		r.mu.Unlock()

		r.logger.Info("hook pending, suspending branch",
			zap.String("hook_id", req.HookID),
			zap.String("hook_type", req.HookType),
			zap.String("label", req.Label),
		)
		if err := r.publish(ctx, hookMessage(info, types.HookPending)); err != nil {
			return nil, err
		}
		r.notify(ctx, Transition{Info: info, Status: types.HookPending})
		return nil, &PendingError{Hooks: []Info{info}}
	}

	s := &slot{info: info, validator: validator, done: make(chan struct{})}
	r.slots[req.HookID] = s
	r.mu.Unlock()

	msg := hookMessage(info, types.HookPending)
	if err := r.publish(ctx, msg); err != nil {
		r.abandon(s)
		return nil, err
	}
	r.notify(ctx, Transition{Info: info, Status: types.HookPending})

	select {
	case <-s.done:
	case <-ctx.Done():
		if r.abandon(s) {
			return nil, ctx.Err()
		}
		// Resolved concurrently with cancellation; honour the resolution.
		<-s.done
	}

	part := msg.HookPart(info.HookID)
	if s.err != nil {
		part.Cancel()
		if err := r.publish(ctx, msg); err != nil {
			return nil, err
		}
		return nil, s.err
	}
	part.Resolve(s.value)
	if err := r.publish(ctx, msg); err != nil {
		return nil, err
	}
	return s.value, nil
}

// Resolve delivers value to the branch waiting on hookID and records the
// resolution into the checkpoint.
func (r *Registry) Resolve(hookID string, value any) error {
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("hook %q: %w", hookID, err)
	}

	r.mu.Lock()
	s, err := r.liveSlotLocked(hookID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if err := s.validator.Validate(raw); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: hook %q: %v", ErrInvalidResolution, hookID, err)
	}
	if err := r.recordLocked(s.info, types.HookResolved, raw); err != nil {
		r.mu.Unlock()
		return err
	}
	delete(r.slots, hookID)
	s.value = raw
	close(s.done)
	r.mu.Unlock()

	r.logger.Info("hook resolved", zap.String("hook_id", hookID))
	r.notify(context.Background(), Transition{Info: s.info, Status: types.HookResolved})
	return nil
}

// Cancel wakes the branch waiting on hookID with ErrHookCancelled.
func (r *Registry) Cancel(hookID string) error {
	r.mu.Lock()
	s, err := r.liveSlotLocked(hookID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if err := r.recordLocked(s.info, types.HookCancelled, nil); err != nil {
		r.mu.Unlock()
		return err
	}
	delete(r.slots, hookID)
	s.err = fmt.Errorf("%w: %s", ErrHookCancelled, hookID)
	close(s.done)
	r.mu.Unlock()

	r.logger.Info("hook cancelled", zap.String("hook_id", hookID))
	r.notify(context.Background(), Transition{Info: s.info, Status: types.HookCancelled})
	return nil
}

// Provide supplies a resolution for a hook that has not been created yet.
// It has no effect on hooks already recorded in the checkpoint.
func (r *Registry) Provide(hookID string, value any) error {
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("hook %q: %w", hookID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, live := r.slots[hookID]; live {
		return fmt.Errorf("hook %q is already waiting, use Resolve", hookID)
	}
	r.provided[hookID] = raw
	return nil
}

// Pending reports hooks that suspended a branch or are still being waited
// on, keyed by hook id.
func (r *Registry) Pending() map[string]Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Info, len(r.suspended)+len(r.slots))
	for id, info := range r.suspended {
		out[id] = cloneInfo(info)
	}
	for id, s := range r.slots {
		out[id] = cloneInfo(s.info)
	}
	return out
}

func (r *Registry) liveSlotLocked(hookID string) (*slot, error) {
	if s, ok := r.slots[hookID]; ok {
		return s, nil
	}
	if _, ok := r.terminal[hookID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, hookID)
	}
	if _, ok := r.cp.Hook(hookID); ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, hookID)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownHook, hookID)
}

func (r *Registry) recordLocked(info Info, status types.HookStatus, value json.RawMessage) error {
	err := r.cp.RecordHook(checkpoint.HookRecord{
		HookID:     info.HookID,
		HookType:   info.HookType,
		Label:      info.Label,
		Metadata:   info.Metadata,
		Status:     status,
		Resolution: value,
	})
	if err != nil {
		return fmt.Errorf("record hook %q: %w", info.HookID, err)
	}
	r.terminal[info.HookID] = status
	return nil
}

// abandon removes a slot whose waiter gave up. It reports false if the slot
// was already completed by Resolve or Cancel.
func (r *Registry) abandon(s *slot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[s.info.HookID] != s {
		return false
	}
	delete(r.slots, s.info.HookID)
	return true
}

func (r *Registry) replay(ctx context.Context, info Info, rec checkpoint.HookRecord) (json.RawMessage, error) {
	if rec.HookType != "" {
		info.HookType = rec.HookType
	}
	msg := hookMessage(info, types.HookPending)
	part := msg.HookPart(info.HookID)
	if rec.Status == types.HookCancelled {
		part.Cancel()
	} else {
		part.Resolve(rec.Resolution)
	}
	if err := r.publish(ctx, msg); err != nil {
		return nil, err
	}
	r.notify(ctx, Transition{Info: info, Status: rec.Status, Replayed: true})
	r.logger.Debug("hook replayed", zap.String("hook_id", info.HookID), zap.String("status", string(rec.Status)))
	if rec.Status == types.HookCancelled {
		return nil, fmt.Errorf("%w: %s", ErrHookCancelled, info.HookID)
	}
	return append(json.RawMessage(nil), rec.Resolution...), nil
}

func (r *Registry) publish(ctx context.Context, msg *types.Message) error {
	if r.pub == nil {
		return nil
	}
	if err := r.pub.Put(ctx, msg); err != nil {
		return fmt.Errorf("publish hook message: %w", err)
	}
	return nil
}

func (r *Registry) notify(ctx context.Context, t Transition) {
	if r.listener != nil {
		r.listener(ctx, t)
	}
}

func hookMessage(info Info, status types.HookStatus) *types.Message {
	return types.NewMessage(types.RoleAssistant, info.Label, &types.HookPart{
		HookID:   info.HookID,
		HookType: info.HookType,
		Status:   status,
		Metadata: types.CloneMap(info.Metadata),
	})
}

func cloneInfo(info Info) Info {
	info.Metadata = types.CloneMap(info.Metadata)
	return info
}

func encode(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("resolution is not valid JSON")
		}
		return append(json.RawMessage(nil), v...), nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("resolution is not valid JSON")
		}
		return append(json.RawMessage(nil), v...), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode resolution: %w", err)
		}
		return raw, nil
	}
}
