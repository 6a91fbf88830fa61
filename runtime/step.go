package runtime

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/agent-runtime-go/checkpoint"
	"github.com/PipeOpsHQ/agent-runtime-go/llm"
	"github.com/PipeOpsHQ/agent-runtime-go/observe"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

// StepFunc produces the incremental events of one step, typically a model
// call. It is not invoked when the step is replayed.
type StepFunc func(ctx context.Context) iter.Seq2[llm.Event, error]

type StepResult struct {
	Key      string
	Label    string
	Messages []*types.Message
	Usage    *types.Usage
	Replayed bool
}

func (r *StepResult) LastMessage() *types.Message {
	if r == nil || len(r.Messages) == 0 {
		return nil
	}
	return r.Messages[len(r.Messages)-1]
}

func (r *StepResult) Text() string {
	return r.LastMessage().Text()
}

// ToolCalls returns the tool calls of the last message.
func (r *StepResult) ToolCalls() []*types.ToolPart {
	return r.LastMessage().ToolParts()
}

// Step runs fn once per checkpoint under key. An empty key is derived from
// the branch label: the first step of a label is keyed by the label itself,
// later ones by "<label>/step-<n>". Derived keys are only stable when the
// branch issues its steps in the same order on every run.
func (rt *Runtime) Step(ctx context.Context, key string, fn StepFunc) (*StepResult, error) {
	r := rt.run
	key = rt.stepKey(key)
	log := r.logger.With(zap.String("step", key), zap.String("label", rt.label))

	if rec, ok := r.cp.Step(key); ok {
		for _, msg := range rec.Messages {
			if err := r.Put(ctx, msg); err != nil {
				return nil, fmt.Errorf("step %q: %w", key, err)
			}
		}
		log.Debug("step replayed")
		r.emit(ctx, observe.Event{Kind: observe.KindStep, Status: observe.StatusReplayed, Name: key, Label: rec.Label, SpanID: key})
		return &StepResult{
			Key:      key,
			Label:    rec.Label,
			Messages: types.CloneMessages(rec.Messages),
			Usage:    rec.Usage.Clone(),
			Replayed: true,
		}, nil
	}
	if fn == nil {
		return nil, fmt.Errorf("step %q: producer is required", key)
	}

	started := time.Now()
	r.emit(ctx, observe.Event{Kind: observe.KindStep, Status: observe.StatusStarted, Name: key, Label: rt.label, SpanID: key})
	fail := func(err error) (*StepResult, error) {
		r.emit(ctx, observe.Event{
			Kind:       observe.KindStep,
			Status:     observe.StatusFailed,
			Name:       key,
			Label:      rt.label,
			SpanID:     key,
			Error:      err.Error(),
			DurationMs: time.Since(started).Milliseconds(),
		})
		log.Debug("step failed", zap.Error(err))
		return nil, fmt.Errorf("step %q: %w", key, err)
	}

	acc := llm.NewAccumulator(types.NewMessage(types.RoleAssistant, rt.label))
	stepCtx := types.ContextWithLabel(ctx, rt.label)
	for ev, err := range fn(stepCtx) {
		if err != nil {
			return fail(err)
		}
		changed, err := acc.Apply(ev)
		if err != nil {
			return fail(err)
		}
		if !changed {
			continue
		}
		if err := r.Put(ctx, acc.Message()); err != nil {
			return fail(err)
		}
	}
	// A producer that stops early on cancellation leaves a partial message.
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	final := acc.Finish()
	if err := r.Put(ctx, final); err != nil {
		return fail(err)
	}
	rec := checkpoint.StepRecord{
		Key:      key,
		Label:    rt.label,
		Messages: []*types.Message{final},
		Usage:    acc.Usage(),
	}
	if err := r.cp.RecordStep(rec); err != nil {
		return fail(err)
	}
	r.checkpointed(ctx, "step "+key)

	ev := observe.Event{
		Kind:       observe.KindStep,
		Status:     observe.StatusCompleted,
		Name:       key,
		Label:      rt.label,
		SpanID:     key,
		DurationMs: time.Since(started).Milliseconds(),
	}
	if reason := acc.FinishReason(); reason != "" {
		ev.Attributes = map[string]any{"finish_reason": reason}
	}
	if u := acc.Usage(); u != nil {
		if ev.Attributes == nil {
			ev.Attributes = map[string]any{}
		}
		ev.Attributes["total_tokens"] = u.TotalTokens
	}
	r.emit(ctx, ev)
	log.Debug("step recorded", zap.Int("parts", len(final.Parts)))

	return &StepResult{
		Key:      key,
		Label:    rt.label,
		Messages: []*types.Message{final.Clone()},
		Usage:    acc.Usage().Clone(),
	}, nil
}

// StreamStep runs one model call as a step, offering the run's tools.
func (rt *Runtime) StreamStep(ctx context.Context, key string, model llm.LanguageModel, messages []*types.Message) (*StepResult, error) {
	if model == nil {
		return nil, fmt.Errorf("model is required")
	}
	var defs []types.ToolDefinition
	if catalog := rt.Tools(); catalog != nil {
		defs = catalog.Definitions()
	}
	history := types.CloneMessages(messages)
	return rt.Step(ctx, key, func(ctx context.Context) iter.Seq2[llm.Event, error] {
		return model.Stream(ctx, history, defs)
	})
}

func (rt *Runtime) stepKey(key string) string {
	if key = strings.TrimSpace(key); key != "" {
		return key
	}
	label := rt.label
	if label == "" {
		label = RootLabel
	}
	n := rt.run.nextStepIndex(label)
	if n == 1 {
		return label
	}
	return fmt.Sprintf("%s/step-%d", label, n)
}
