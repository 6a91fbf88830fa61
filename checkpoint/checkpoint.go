// Package checkpoint implements the append-only event log that makes workflow
// replay deterministic.
//
// A Checkpoint holds three keyed maps: steps (keyed by the caller-assigned
// step key), tools (keyed by tool call id) and hooks (keyed by hook id). A
// key is written at most once per kind; recording it again fails with
// ErrDuplicateKey because it means the same non-deterministic unit ran twice.
//
// The JSON encoding is a plain object with exactly three members, "steps",
// "tools" and "hooks", each mapping keys to records in insertion order. It
// carries no process-local references and can be stored, shipped and loaded
// by any runtime that understands the record shapes.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

var ErrDuplicateKey = errors.New("checkpoint: duplicate key")

type Kind string

const (
	KindStep Kind = "step"
	KindTool Kind = "tool"
	KindHook Kind = "hook"
)

type Checkpoint struct {
	mu    sync.RWMutex
	steps *orderedmap.OrderedMap[string, StepRecord]
	tools *orderedmap.OrderedMap[string, ToolRecord]
	hooks *orderedmap.OrderedMap[string, HookRecord]
}

func New() *Checkpoint {
	c := &Checkpoint{}
	c.init()
	return c
}

func (c *Checkpoint) init() {
	if c.steps == nil {
		c.steps = orderedmap.New[string, StepRecord]()
	}
	if c.tools == nil {
		c.tools = orderedmap.New[string, ToolRecord]()
	}
	if c.hooks == nil {
		c.hooks = orderedmap.New[string, HookRecord]()
	}
}

func (c *Checkpoint) RecordStep(rec StepRecord) error {
	if strings.TrimSpace(rec.Key) == "" {
		return fmt.Errorf("step key is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	if _, exists := c.steps.Get(rec.Key); exists {
		return fmt.Errorf("%w: step %q", ErrDuplicateKey, rec.Key)
	}
	c.steps.Set(rec.Key, rec.Clone())
	return nil
}

func (c *Checkpoint) RecordTool(rec ToolRecord) error {
	if strings.TrimSpace(rec.ToolCallID) == "" {
		return fmt.Errorf("tool_call_id is required")
	}
	if rec.Status != types.ToolResult && rec.Status != types.ToolError {
		return fmt.Errorf("tool %q: status %q is not terminal", rec.ToolCallID, rec.Status)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	if _, exists := c.tools.Get(rec.ToolCallID); exists {
		return fmt.Errorf("%w: tool %q", ErrDuplicateKey, rec.ToolCallID)
	}
	c.tools.Set(rec.ToolCallID, rec.Clone())
	return nil
}

// RecordHook stores a terminal hook transition. Pending hooks live in the
// hook registry of the run that created them and are never recorded.
func (c *Checkpoint) RecordHook(rec HookRecord) error {
	if strings.TrimSpace(rec.HookID) == "" {
		return fmt.Errorf("hook_id is required")
	}
	if rec.Status != types.HookResolved && rec.Status != types.HookCancelled {
		return fmt.Errorf("hook %q: status %q is not terminal", rec.HookID, rec.Status)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	if _, exists := c.hooks.Get(rec.HookID); exists {
		return fmt.Errorf("%w: hook %q", ErrDuplicateKey, rec.HookID)
	}
	c.hooks.Set(rec.HookID, rec.Clone())
	return nil
}

// Record dispatches on kind. value must be the record type for that kind.
func (c *Checkpoint) Record(kind Kind, key string, value any) error {
	switch kind {
	case KindStep:
		rec, ok := value.(StepRecord)
		if !ok {
			return fmt.Errorf("step %q: expected StepRecord, got %T", key, value)
		}
		rec.Key = key
		return c.RecordStep(rec)
	case KindTool:
		rec, ok := value.(ToolRecord)
		if !ok {
			return fmt.Errorf("tool %q: expected ToolRecord, got %T", key, value)
		}
		rec.ToolCallID = key
		return c.RecordTool(rec)
	case KindHook:
		rec, ok := value.(HookRecord)
		if !ok {
			return fmt.Errorf("hook %q: expected HookRecord, got %T", key, value)
		}
		rec.HookID = key
		return c.RecordHook(rec)
	default:
		return fmt.Errorf("unknown checkpoint kind %q", kind)
	}
}

func (c *Checkpoint) Lookup(kind Kind, key string) (any, bool) {
	switch kind {
	case KindStep:
		return c.Step(key)
	case KindTool:
		return c.Tool(key)
	case KindHook:
		return c.Hook(key)
	}
	return nil, false
}

func (c *Checkpoint) Step(key string) (StepRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.steps == nil {
		return StepRecord{}, false
	}
	rec, ok := c.steps.Get(key)
	if !ok {
		return StepRecord{}, false
	}
	return rec.Clone(), true
}

func (c *Checkpoint) Tool(toolCallID string) (ToolRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tools == nil {
		return ToolRecord{}, false
	}
	rec, ok := c.tools.Get(toolCallID)
	if !ok {
		return ToolRecord{}, false
	}
	return rec.Clone(), true
}

func (c *Checkpoint) Hook(hookID string) (HookRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.hooks == nil {
		return HookRecord{}, false
	}
	rec, ok := c.hooks.Get(hookID)
	if !ok {
		return HookRecord{}, false
	}
	return rec.Clone(), true
}

// ResolveHook records an out-of-band resolution so that a run re-entered
// with this checkpoint returns value from the hook without suspending.
func (c *Checkpoint) ResolveHook(hookID, hookType string, value any) error {
	raw, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("hook %q: %w", hookID, err)
	}
	return c.RecordHook(HookRecord{
		HookID:     hookID,
		HookType:   hookType,
		Status:     types.HookResolved,
		Resolution: raw,
	})
}

func (c *Checkpoint) CancelHook(hookID, hookType string) error {
	return c.RecordHook(HookRecord{HookID: hookID, HookType: hookType, Status: types.HookCancelled})
}

// Keys returns the recorded keys of kind in insertion order.
func (c *Checkpoint) Keys(kind Kind) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	switch kind {
	case KindStep:
		if c.steps != nil {
			for p := c.steps.Oldest(); p != nil; p = p.Next() {
				out = append(out, p.Key)
			}
		}
	case KindTool:
		if c.tools != nil {
			for p := c.tools.Oldest(); p != nil; p = p.Next() {
				out = append(out, p.Key)
			}
		}
	case KindHook:
		if c.hooks != nil {
			for p := c.hooks.Oldest(); p != nil; p = p.Next() {
				out = append(out, p.Key)
			}
		}
	}
	return out
}

// Len returns the total number of records across all kinds.
func (c *Checkpoint) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	if c.steps != nil {
		n += c.steps.Len()
	}
	if c.tools != nil {
		n += c.tools.Len()
	}
	if c.hooks != nil {
		n += c.hooks.Len()
	}
	return n
}

// Snapshot returns a deep copy that shares no state with c.
func (c *Checkpoint) Snapshot() *Checkpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := New()
	if c.steps != nil {
		for p := c.steps.Oldest(); p != nil; p = p.Next() {
			out.steps.Set(p.Key, p.Value.Clone())
		}
	}
	if c.tools != nil {
		for p := c.tools.Oldest(); p != nil; p = p.Next() {
			out.tools.Set(p.Key, p.Value.Clone())
		}
	}
	if c.hooks != nil {
		for p := c.hooks.Oldest(); p != nil; p = p.Next() {
			out.hooks.Set(p.Key, p.Value.Clone())
		}
	}
	return out
}

type wire struct {
	Steps *orderedmap.OrderedMap[string, StepRecord] `json:"steps"`
	Tools *orderedmap.OrderedMap[string, ToolRecord] `json:"tools"`
	Hooks *orderedmap.OrderedMap[string, HookRecord] `json:"hooks"`
}

func (c *Checkpoint) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.init()
	return json.Marshal(wire{Steps: c.steps, Tools: c.tools, Hooks: c.hooks})
}

func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	w := wire{
		Steps: orderedmap.New[string, StepRecord](),
		Tools: orderedmap.New[string, ToolRecord](),
		Hooks: orderedmap.New[string, HookRecord](),
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}
	// Keys are authoritative; records written by other runtimes may omit
	// the duplicated key field.
	for p := w.Steps.Oldest(); p != nil; p = p.Next() {
		p.Value.Key = p.Key
	}
	for p := w.Tools.Oldest(); p != nil; p = p.Next() {
		p.Value.ToolCallID = p.Key
	}
	for p := w.Hooks.Oldest(); p != nil; p = p.Next() {
		p.Value.HookID = p.Key
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps, c.tools, c.hooks = w.Steps, w.Tools, w.Hooks
	c.init()
	return nil
}

func (c *Checkpoint) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

func Unmarshal(data []byte) (*Checkpoint, error) {
	c := New()
	if err := c.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return c, nil
}

// Fingerprint is a stable hash of the encoded checkpoint. Two checkpoints
// with the same records in the same order share a fingerprint.
func (c *Checkpoint) Fingerprint() (string, error) {
	raw, err := c.Marshal()
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(xxhash.Sum64(raw), 16), nil
}

func encodeValue(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
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
