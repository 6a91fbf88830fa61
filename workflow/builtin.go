package workflow

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/PipeOpsHQ/agent-runtime-go/hooks"
	"github.com/PipeOpsHQ/agent-runtime-go/llm"
	"github.com/PipeOpsHQ/agent-runtime-go/runtime"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

// Approval is the resolution of the approval hooks used by the built-in
// workflows.
type Approval struct {
	Approved bool   `json:"approved" jsonschema_description:"Whether the reviewer approves."`
	Comment  string `json:"comment,omitempty" jsonschema_description:"Optional reviewer note."`
}

var ApprovalHook = hooks.New[Approval]("approval")

const calcPrompt = "You are a precise assistant. Use the calculator tool for any arithmetic and answer with the result only."

// Builtins returns a registry holding the demo workflows: echo, calc,
// approve and review.
func Builtins() *Registry {
	r, err := NewRegistry(
		Func{ID: "echo", About: "Stream the input back as one step. Needs no model.", Fn: buildEcho},
		Func{ID: "calc", About: "Answer an arithmetic question with the calculator tool.", Fn: buildCalc},
		Func{ID: "approve", About: "Draft a reply, wait for approval, then publish it.", Fn: buildApprove},
		Func{ID: "review", About: "Ask two reviewers in parallel and summarise their verdicts.", Fn: buildReview},
	)
	if err != nil {
		panic(err)
	}
	return r
}

func buildEcho(deps Deps) (runtime.Workflow, error) {
	input := deps.Input
	return func(ctx context.Context, rt *runtime.Runtime) error {
		_, err := rt.Step(ctx, "", TextStep(input))
		return err
	}, nil
}

func buildCalc(deps Deps) (runtime.Workflow, error) {
	if deps.Model == nil {
		return nil, fmt.Errorf("calc needs a model")
	}
	system := deps.SystemPrompt
	if system == "" {
		system = calcPrompt
	}
	history := types.MakeMessages(system, deps.Input)
	return func(ctx context.Context, rt *runtime.Runtime) error {
		_, err := runtime.Loop(ctx, rt, deps.Model, history, runtime.LoopOptions{KeyPrefix: "calc"})
		return err
	}, nil
}

func buildApprove(deps Deps) (runtime.Workflow, error) {
	input := deps.Input
	return func(ctx context.Context, rt *runtime.Runtime) error {
		draft, err := draftStep(ctx, rt, deps, "draft", "Draft a short reply to: "+input, input)
		if err != nil {
			return err
		}
		decision, err := runtime.Await(ctx, rt, ApprovalHook, "approve-publish",
			hooks.WithMetadata(map[string]any{"draft": draft}))
		if err != nil {
			return err
		}
		if !decision.Approved {
			_, err := rt.Step(ctx, "rejected", TextStep(rejection(decision)))
			return err
		}
		_, err = rt.Step(ctx, "publish", TextStep("Published: "+draft))
		return err
	}, nil
}

func buildReview(deps Deps) (runtime.Workflow, error) {
	input := deps.Input
	reviewers := []string{"legal", "editor"}
	return func(ctx context.Context, rt *runtime.Runtime) error {
		draft, err := draftStep(ctx, rt, deps, "draft", "Draft a short announcement about: "+input, input)
		if err != nil {
			return err
		}
		verdicts := make([]Approval, len(reviewers))
		branches := make([]runtime.Branch, len(reviewers))
		for i, who := range reviewers {
			branches[i] = runtime.Branch{Label: who, Run: func(ctx context.Context, rt *runtime.Runtime) error {
				v, err := runtime.Await(ctx, rt, ApprovalHook, "review-"+who,
					hooks.WithMetadata(map[string]any{"draft": draft, "reviewer": who}))
				if err != nil {
					return err
				}
				verdicts[i] = v
				return nil
			}}
		}
		if err := rt.Parallel(ctx, branches...); err != nil {
			return err
		}
		var lines []string
		for i, who := range reviewers {
			verdict := "rejected"
			if verdicts[i].Approved {
				verdict = "approved"
			}
			line := who + ": " + verdict
			if verdicts[i].Comment != "" {
				line += " (" + verdicts[i].Comment + ")"
			}
			lines = append(lines, line)
		}
		_, err = rt.Step(ctx, "summary", TextStep(strings.Join(lines, "\n")))
		return err
	}, nil
}

// draftStep asks the model for a draft, or uses fallback when no model is
// configured.
func draftStep(ctx context.Context, rt *runtime.Runtime, deps Deps, key, prompt, fallback string) (string, error) {
	if deps.Model == nil {
		res, err := rt.Step(ctx, key, TextStep(fallback))
		if err != nil {
			return "", err
		}
		return res.Text(), nil
	}
	res, err := rt.StreamStep(ctx, key, deps.Model, types.MakeMessages(deps.SystemPrompt, prompt))
	if err != nil {
		return "", err
	}
	return res.Text(), nil
}

func rejection(a Approval) string {
	if a.Comment != "" {
		return "Not published: " + a.Comment
	}
	return "Not published."
}

// TextStep streams text word by word as a finished assistant message.
func TextStep(text string) runtime.StepFunc {
	return func(ctx context.Context) iter.Seq2[llm.Event, error] {
		return func(yield func(llm.Event, error) bool) {
			if !yield(llm.TextStart("t0"), nil) {
				return
			}
			for _, word := range strings.SplitAfter(text, " ") {
				if word == "" {
					continue
				}
				if err := ctx.Err(); err != nil {
					yield(llm.Event{}, err)
					return
				}
				if !yield(llm.TextDelta("t0", word), nil) {
					return
				}
			}
			if !yield(llm.TextEnd("t0"), nil) {
				return
			}
			yield(llm.MessageDone("stop", nil), nil)
		}
	}
}
