package hooks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/PipeOpsHQ/agent-runtime-go/schema"
)

// Hook is a typed suspension point. The resolution schema is reflected from T.
type Hook[T any] struct {
	hookType string
	schema   map[string]any
}

func New[T any](hookType string) *Hook[T] {
	return &Hook[T]{hookType: hookType, schema: schema.MustFor[T]()}
}

func (h *Hook[T]) Type() string { return h.hookType }

func (h *Hook[T]) Schema() map[string]any { return h.schema }

type CreateOption func(*Request)

func WithLabel(label string) CreateOption {
	return func(r *Request) { r.Label = label }
}

func WithMetadata(metadata map[string]any) CreateOption {
	return func(r *Request) { r.Metadata = metadata }
}

// Create suspends until hookID is resolved and decodes the resolution into T.
func (h *Hook[T]) Create(ctx context.Context, reg *Registry, hookID string, opts ...CreateOption) (T, error) {
	var out T
	req := Request{HookID: hookID, HookType: h.hookType, Schema: h.schema}
	for _, opt := range opts {
		opt(&req)
	}
	raw, err := reg.Create(ctx, req)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s resolution for %q: %w", h.hookType, hookID, err)
	}
	return out, nil
}

func (h *Hook[T]) Resolve(reg *Registry, hookID string, value T) error {
	return reg.Resolve(hookID, value)
}

func (h *Hook[T]) Cancel(reg *Registry, hookID string) error {
	return reg.Cancel(hookID)
}
