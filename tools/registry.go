package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/PipeOpsHQ/agent-runtime-go/schema"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type entry struct {
	tool      Tool
	validator *schema.Validator
}

// Catalog is the set of tools visible to one run. Argument schemas are
// compiled once when a tool is added.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]entry
	order []string
}

func NewCatalog(tools ...Tool) (*Catalog, error) {
	c := &Catalog{tools: map[string]entry{}}
	for _, t := range tools {
		if err := c.Add(t); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func MustCatalog(tools ...Tool) *Catalog {
	c, err := NewCatalog(tools...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Add(t Tool) error {
	if t == nil {
		return fmt.Errorf("tool is required")
	}
	def := t.Definition()
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	v, err := schema.Compile(def.JSONSchema)
	if err != nil {
		return fmt.Errorf("tool %q: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tools == nil {
		c.tools = map[string]entry{}
	}
	if _, exists := c.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	c.tools[name] = entry{tool: t, validator: v}
	c.order = append(c.order, name)
	return nil
}

func (c *Catalog) Lookup(name string) (Tool, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.tools[name]
	return e.tool, ok
}

// Validate checks args against the schema of the named tool.
func (c *Catalog) Validate(name string, args json.RawMessage) error {
	if c == nil {
		return fmt.Errorf("unknown tool %q", name)
	}
	c.mu.RLock()
	e, ok := c.tools[name]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return e.validator.Validate(args)
}

// Definitions returns tool definitions in registration order.
func (c *Catalog) Definitions() []types.ToolDefinition {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tools[name].tool.Definition())
	}
	return out
}

func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := append([]string(nil), c.order...)
	sort.Strings(out)
	return out
}

func (c *Catalog) Info() []ToolInfo {
	defs := c.Definitions()
	out := make([]ToolInfo, 0, len(defs))
	for _, d := range defs {
		out = append(out, ToolInfo{Name: d.Name, Description: d.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Subset returns a catalog holding only the named tools. "*" selects all.
func (c *Catalog) Subset(selection []string) (*Catalog, error) {
	out := &Catalog{tools: map[string]entry{}}
	if c == nil {
		return out, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := map[string]bool{}
	add := func(name string) error {
		if seen[name] {
			return nil
		}
		e, ok := c.tools[name]
		if !ok {
			return fmt.Errorf("unknown tool %q", name)
		}
		seen[name] = true
		out.tools[name] = e
		out.order = append(out.order, name)
		return nil
	}
	for _, raw := range selection {
		name := strings.TrimSpace(raw)
		switch name {
		case "":
			continue
		case "*":
			for _, n := range c.order {
				if err := add(n); err != nil {
					return nil, err
				}
			}
		default:
			if err := add(name); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}
