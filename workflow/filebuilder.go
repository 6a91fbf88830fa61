package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/PipeOpsHQ/agent-runtime-go/hooks"
	"github.com/PipeOpsHQ/agent-runtime-go/llm"
	"github.com/PipeOpsHQ/agent-runtime-go/runtime"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

// FileSpec is a workflow declared as an ordered list of steps in YAML or
// JSON.
type FileSpec struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	System      string         `yaml:"system" json:"system"`
	Steps       []FileStepSpec `yaml:"steps" json:"steps"`
}

// FileStepSpec is one step. Templates may reference {{input}}, {{runId}},
// {{sessionId}} and the output of an earlier step by its id. Approval steps
// also expose {{<id>.approved}} and {{<id>.comment}}; tool steps expose the
// top-level fields of an object result as {{<id>.<field>}}.
type FileStepSpec struct {
	ID       string         `yaml:"id" json:"id"`
	Kind     string         `yaml:"kind" json:"kind"`
	Template string         `yaml:"template,omitempty" json:"template,omitempty"`
	Loop     bool           `yaml:"loop,omitempty" json:"loop,omitempty"`
	MaxTurns int            `yaml:"maxTurns,omitempty" json:"maxTurns,omitempty"`
	Tool     string         `yaml:"tool,omitempty" json:"tool,omitempty"`
	Args     map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
	HookID   string         `yaml:"hookId,omitempty" json:"hookId,omitempty"`
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// StopOnReject ends the workflow when an approval step is rejected.
	StopOnReject bool          `yaml:"stopOnReject,omitempty" json:"stopOnReject,omitempty"`
	When         *FileStepWhen `yaml:"when,omitempty" json:"when,omitempty"`
}

// FileStepWhen runs a step only when the token renders to Equals.
type FileStepWhen struct {
	Key    string `yaml:"key" json:"key"`
	Equals string `yaml:"equals" json:"equals"`
}

const (
	kindModel    = "model"
	kindText     = "text"
	kindTool     = "tool"
	kindApproval = "approval"
	kindNote     = "note"
)

type fileBuilder struct {
	spec FileSpec
}

func NewFileBuilderFromPath(path string) (Builder, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("workflow file path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workflow file path: %w", err)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file %q: %w", abs, err)
	}
	b, err := ParseFileSpec(content)
	if err != nil {
		return nil, fmt.Errorf("workflow file %q: %w", abs, err)
	}
	if strings.TrimSpace(b.spec.Name) == "" {
		base := filepath.Base(abs)
		b.spec.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return b, nil
}

// ParseFileSpec decodes and validates a YAML or JSON workflow document.
func ParseFileSpec(content []byte) (*fileBuilder, error) {
	var spec FileSpec
	if err := yaml.Unmarshal(content, &spec); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	if len(spec.Steps) == 0 {
		return nil, fmt.Errorf("workflow has no steps")
	}
	seen := make(map[string]bool, len(spec.Steps))
	for i := range spec.Steps {
		step := &spec.Steps[i]
		step.ID = strings.TrimSpace(step.ID)
		step.Kind = strings.TrimSpace(step.Kind)
		if step.ID == "" {
			return nil, fmt.Errorf("step %d: id is required", i+1)
		}
		if seen[step.ID] {
			return nil, fmt.Errorf("step %q: duplicate id", step.ID)
		}
		seen[step.ID] = true
		if err := validateStep(*step); err != nil {
			return nil, fmt.Errorf("step %q: %w", step.ID, err)
		}
	}
	return &fileBuilder{spec: spec}, nil
}

func validateStep(step FileStepSpec) error {
	switch step.Kind {
	case kindModel, kindText, kindNote:
		if strings.TrimSpace(step.Template) == "" {
			return fmt.Errorf("%s step requires template", step.Kind)
		}
	case kindTool:
		if strings.TrimSpace(step.Tool) == "" {
			return fmt.Errorf("tool step requires tool")
		}
	case kindApproval:
	case "":
		return fmt.Errorf("kind is required")
	default:
		return fmt.Errorf("unsupported step kind %q", step.Kind)
	}
	return nil
}

func (b *fileBuilder) Name() string {
	if b == nil {
		return ""
	}
	return strings.TrimSpace(b.spec.Name)
}

func (b *fileBuilder) Description() string {
	if b == nil {
		return ""
	}
	return strings.TrimSpace(b.spec.Description)
}

func (b *fileBuilder) Build(deps Deps) (runtime.Workflow, error) {
	if b == nil {
		return nil, fmt.Errorf("file builder is nil")
	}
	for _, step := range b.spec.Steps {
		if step.Kind == kindModel && deps.Model == nil {
			return nil, fmt.Errorf("step %q needs a model", step.ID)
		}
	}
	system := deps.SystemPrompt
	if system == "" {
		system = b.spec.System
	}
	steps := b.spec.Steps
	return func(ctx context.Context, rt *runtime.Runtime) error {
		s := &fileState{
			input:     deps.Input,
			runID:     rt.RunID(),
			sessionID: rt.SessionID(),
			data:      map[string]string{},
		}
		for _, step := range steps {
			if step.When != nil && resolveToken(step.When.Key, s) != step.When.Equals {
				continue
			}
			stop, err := runFileStep(ctx, rt, deps.Model, system, step, s)
			if err != nil {
				return fmt.Errorf("step %q: %w", step.ID, err)
			}
			if stop {
				return nil
			}
		}
		return nil
	}, nil
}

type fileState struct {
	input     string
	runID     string
	sessionID string
	data      map[string]string
}

func runFileStep(ctx context.Context, rt *runtime.Runtime, model llm.LanguageModel, system string, step FileStepSpec, s *fileState) (bool, error) {
	switch step.Kind {
	case kindModel:
		prompt := renderTemplate(step.Template, s)
		history := types.MakeMessages(system, prompt)
		if step.Loop {
			res, err := runtime.Loop(ctx, rt, model, history, runtime.LoopOptions{KeyPrefix: step.ID, MaxIterations: step.MaxTurns})
			if err != nil {
				return false, err
			}
			s.data[step.ID] = res.Text()
			return false, nil
		}
		res, err := rt.StreamStep(ctx, step.ID, model, history)
		if err != nil {
			return false, err
		}
		s.data[step.ID] = res.Text()

	case kindText:
		res, err := rt.Step(ctx, step.ID, TextStep(renderTemplate(step.Template, s)))
		if err != nil {
			return false, err
		}
		s.data[step.ID] = res.Text()

	case kindNote:
		// Notes go straight to the stream and are not checkpointed.
		text := renderTemplate(step.Template, s)
		msg := types.NewMessage(types.RoleAssistant, rt.Label(), &types.TextPart{Text: text, State: types.StateDone})
		if err := rt.Put(ctx, msg); err != nil {
			return false, err
		}
		s.data[step.ID] = text

	case kindTool:
		out, err := runToolStep(ctx, rt, step, s)
		if err != nil {
			return false, err
		}
		s.data[step.ID] = out

	case kindApproval:
		hookID := step.HookID
		if hookID == "" {
			hookID = step.ID
		}
		meta := renderValues(step.Metadata, s)
		decision, err := runtime.Await(ctx, rt, ApprovalHook, renderTemplate(hookID, s), hooks.WithMetadata(meta))
		if err != nil {
			return false, err
		}
		s.data[step.ID] = fmt.Sprint(decision.Approved)
		s.data[step.ID+".approved"] = fmt.Sprint(decision.Approved)
		s.data[step.ID+".comment"] = decision.Comment
		if !decision.Approved && step.StopOnReject {
			_, err := rt.Step(ctx, step.ID+"/rejected", TextStep(rejection(decision)))
			return true, err
		}
	}
	return false, nil
}

// runToolStep records a single synthetic tool call as a step and executes
// it through the run's catalog.
func runToolStep(ctx context.Context, rt *runtime.Runtime, step FileStepSpec, s *fileState) (string, error) {
	raw, err := json.Marshal(renderValues(step.Args, s))
	if err != nil {
		return "", fmt.Errorf("encode tool args: %w", err)
	}
	callID := "call_" + step.ID
	res, err := rt.Step(ctx, step.ID, toolCallStep(callID, step.Tool, raw))
	if err != nil {
		return "", err
	}
	msg := res.LastMessage()
	part := msg.ToolPart(callID)
	if part == nil {
		return "", fmt.Errorf("tool call %q missing from step output", callID)
	}
	out, err := rt.ExecuteTool(ctx, part, msg)
	if err != nil {
		return "", err
	}
	if out.Failed() {
		return "", fmt.Errorf("tool %s failed: %s", step.Tool, out.Error)
	}
	var fields map[string]any
	if json.Unmarshal(out.Result, &fields) == nil {
		for k, v := range fields {
			s.data[step.ID+"."+k] = stringify(v)
		}
	}
	return string(out.Result), nil
}

// renderValues renders the string values of in as templates.
func renderValues(in map[string]any, s *fileState) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if str, ok := v.(string); ok {
			out[k] = renderTemplate(str, s)
			continue
		}
		out[k] = v
	}
	return out
}

func toolCallStep(callID, name string, args json.RawMessage) runtime.StepFunc {
	return func(ctx context.Context) iter.Seq2[llm.Event, error] {
		return func(yield func(llm.Event, error) bool) {
			if !yield(llm.ToolStart(callID, name), nil) {
				return
			}
			if !yield(llm.ToolEnd(callID, args), nil) {
				return
			}
			yield(llm.MessageDone("tool_calls", nil), nil)
		}
	}
}

var tokenPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

func renderTemplate(template string, s *fileState) string {
	if template == "" {
		return ""
	}
	return tokenPattern.ReplaceAllStringFunc(template, func(match string) string {
		token := tokenPattern.FindStringSubmatch(match)
		if len(token) < 2 {
			return ""
		}
		return resolveToken(token[1], s)
	})
}

func resolveToken(token string, s *fileState) string {
	token = strings.TrimSpace(token)
	if s == nil {
		return ""
	}
	switch token {
	case "input":
		return s.input
	case "runId":
		return s.runID
	case "sessionId":
		return s.sessionID
	}
	token = strings.TrimPrefix(token, "data.")
	return s.data[token]
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
