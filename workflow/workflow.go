// Package workflow names runnable workflows so that transports and the CLI
// can start and resume them by name.
package workflow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/PipeOpsHQ/agent-runtime-go/llm"
	"github.com/PipeOpsHQ/agent-runtime-go/runtime"
)

// Deps are the values a workflow is built from. A resumed run is rebuilt
// from the same Deps so that its branches reach the same keys.
type Deps struct {
	Model        llm.LanguageModel
	Input        string
	SystemPrompt string
}

type Builder interface {
	Name() string
	Description() string
	Build(deps Deps) (runtime.Workflow, error)
}

// Func adapts a plain function to Builder.
type Func struct {
	ID    string
	About string
	Fn    func(deps Deps) (runtime.Workflow, error)
}

func (f Func) Name() string        { return f.ID }
func (f Func) Description() string { return f.About }

func (f Func) Build(deps Deps) (runtime.Workflow, error) {
	if f.Fn == nil {
		return nil, fmt.Errorf("workflow %q has no body", f.ID)
	}
	return f.Fn(deps)
}

type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

func NewRegistry(builders ...Builder) (*Registry, error) {
	r := &Registry{builders: map[string]Builder{}}
	for _, b := range builders {
		if err := r.Register(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(b Builder) error {
	if b == nil {
		return fmt.Errorf("workflow builder is nil")
	}
	name := b.Name()
	if name == "" {
		return fmt.Errorf("workflow name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builders[name]; exists {
		return fmt.Errorf("workflow %q already registered", name)
	}
	r.builders[name] = b
	return nil
}

func (r *Registry) MustRegister(b Builder) {
	if err := r.Register(b); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (Builder, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[name]
	return b, ok
}

// Build looks up name and builds it.
func (r *Registry) Build(name string, deps Deps) (runtime.Workflow, error) {
	b, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q (available: %v)", name, r.Names())
	}
	wf, err := b.Build(deps)
	if err != nil {
		return nil, fmt.Errorf("build workflow %q: %w", name, err)
	}
	return wf, nil
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.builders))
	for name := range r.builders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Describe returns name → description for every registered workflow.
func (r *Registry) Describe() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.builders))
	for name, b := range r.builders {
		out[name] = b.Description()
	}
	return out
}
