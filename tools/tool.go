package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/PipeOpsHQ/agent-runtime-go/schema"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

type Tool interface {
	Definition() types.ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// Runtime is the slice of the run handle that tools may use.
type Runtime interface {
	RunID() string
	Label() string
	Put(ctx context.Context, msg *types.Message) error
}

// RuntimeTool is a Tool that needs the run handle. The executor calls
// ExecuteWithRuntime instead of Execute for such tools.
type RuntimeTool interface {
	Tool
	ExecuteWithRuntime(ctx context.Context, rt Runtime, args json.RawMessage) (any, error)
}

type FuncTool struct {
	def types.ToolDefinition
	fn  func(ctx context.Context, args json.RawMessage) (any, error)
}

func NewFuncTool(name, description string, schema map[string]any, fn func(ctx context.Context, args json.RawMessage) (any, error)) *FuncTool {
	return &FuncTool{
		def: types.ToolDefinition{
			Name:        name,
			Description: description,
			JSONSchema:  schema,
		},
		fn: fn,
	}
}

func (t *FuncTool) Definition() types.ToolDefinition {
	return t.def
}

func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	if t.fn == nil {
		return nil, fmt.Errorf("tool %q has no execute function", t.def.Name)
	}
	return t.fn(ctx, args)
}

type RuntimeFuncTool struct {
	def types.ToolDefinition
	fn  func(ctx context.Context, rt Runtime, args json.RawMessage) (any, error)
}

func NewRuntimeFuncTool(name, description string, schema map[string]any, fn func(ctx context.Context, rt Runtime, args json.RawMessage) (any, error)) *RuntimeFuncTool {
	return &RuntimeFuncTool{
		def: types.ToolDefinition{Name: name, Description: description, JSONSchema: schema},
		fn:  fn,
	}
}

func (t *RuntimeFuncTool) Definition() types.ToolDefinition {
	return t.def
}

func (t *RuntimeFuncTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	return nil, fmt.Errorf("tool %q requires a runtime", t.def.Name)
}

func (t *RuntimeFuncTool) ExecuteWithRuntime(ctx context.Context, rt Runtime, args json.RawMessage) (any, error) {
	if t.fn == nil {
		return nil, fmt.Errorf("tool %q has no execute function", t.def.Name)
	}
	return t.fn(ctx, rt, args)
}

// NewTyped builds a tool whose argument schema is reflected from Args.
func NewTyped[Args any](name, description string, fn func(ctx context.Context, args Args) (any, error)) *FuncTool {
	return NewFuncTool(name, description, schema.MustFor[Args](), func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in Args
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("invalid %s args: %w", name, err)
			}
		}
		return fn(ctx, in)
	})
}

// NewTypedRuntime is NewTyped for tools that need the run handle.
func NewTypedRuntime[Args any](name, description string, fn func(ctx context.Context, rt Runtime, args Args) (any, error)) *RuntimeFuncTool {
	return NewRuntimeFuncTool(name, description, schema.MustFor[Args](), func(ctx context.Context, rt Runtime, raw json.RawMessage) (any, error) {
		var in Args
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("invalid %s args: %w", name, err)
			}
		}
		return fn(ctx, rt, in)
	})
}
