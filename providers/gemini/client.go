// Package gemini adapts the Google Gen AI SDK to llm.LanguageModel.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"math"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/PipeOpsHQ/agent-runtime-go/llm"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

const defaultModel = "gemini-2.5-flash"

type Client struct {
	client          *genai.Client
	model           string
	maxOutputTokens int
}

var _ llm.LanguageModel = (*Client)(nil)

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

func WithMaxOutputTokens(n int) Option {
	return func(c *Client) { c.maxOutputTokens = n }
}

func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	c := &Client{model: defaultModel}
	for _, opt := range opts {
		opt(c)
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	c.client = gc
	return c, nil
}

func (c *Client) Name() string { return "gemini/" + c.model }

func (c *Client) Stream(ctx context.Context, messages []*types.Message, defs []types.ToolDefinition) iter.Seq2[llm.Event, error] {
	system, contents := toGeminiContents(messages)
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if c.maxOutputTokens > 0 {
		config.MaxOutputTokens = clampInt32(c.maxOutputTokens)
	}
	if len(defs) > 0 {
		config.Tools = []*genai.Tool{
			{FunctionDeclarations: toGeminiFunctionDeclarations(defs)},
		}
		config.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeAuto,
			},
		}
	}

	return func(yield func(llm.Event, error) bool) {
		conv := newConverter()
		for chunk, err := range c.client.Models.GenerateContentStream(ctx, c.model, contents, config) {
			if err != nil {
				yield(llm.Event{}, fmt.Errorf("gemini generation failed: %w", err))
				return
			}
			for _, ev := range conv.chunk(chunk) {
				if !yield(ev, nil) {
					return
				}
			}
		}
		if err := ctx.Err(); err != nil {
			yield(llm.Event{}, err)
			return
		}
		for _, ev := range conv.finish() {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// converter turns response chunks into stream events. Gemini delivers
// function calls whole, so each one becomes a start/end pair.
type converter struct {
	textOpen      bool
	reasoningOpen bool
	calls         int
	finishReason  string
	usage         *types.Usage
	sawCandidate  bool
	blockReason   string
}

func newConverter() *converter { return &converter{} }

func (c *converter) chunk(resp *genai.GenerateContentResponse) []llm.Event {
	if resp == nil {
		return nil
	}
	if resp.UsageMetadata != nil {
		c.usage = &types.Usage{
			InputTokens:     int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens:    int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:     int(resp.UsageMetadata.TotalTokenCount),
			ReasoningTokens: int(resp.UsageMetadata.ThoughtsTokenCount),
			CacheReadTokens: int(resp.UsageMetadata.CachedContentTokenCount),
		}
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReasonMessage != "" {
		c.blockReason = strings.TrimSpace(resp.PromptFeedback.BlockReasonMessage)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil
	}
	cand := resp.Candidates[0]
	if cand.FinishReason != "" {
		c.finishReason = strings.ToLower(string(cand.FinishReason))
	}
	if cand.Content == nil {
		return nil
	}
	c.sawCandidate = true

	var out []llm.Event
	for _, part := range cand.Content.Parts {
		if part == nil {
			continue
		}
		switch {
		case part.FunctionCall != nil:
			out = append(out, c.closeText()...)
			c.calls++
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call_%d_%s", c.calls, uuid.NewString()[:8])
			}
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			raw, err := json.Marshal(args)
			if err != nil {
				raw = []byte("{}")
			}
			out = append(out, llm.ToolStart(id, part.FunctionCall.Name), llm.ToolEnd(id, raw))
		case part.Thought && part.Text != "":
			if !c.reasoningOpen {
				c.reasoningOpen = true
				out = append(out, llm.ReasoningStart("r0"))
			}
			out = append(out, llm.ReasoningDelta("r0", part.Text))
		case part.Text != "":
			if c.reasoningOpen {
				c.reasoningOpen = false
				out = append(out, llm.ReasoningEnd("r0", string(part.ThoughtSignature)))
			}
			if !c.textOpen {
				c.textOpen = true
				out = append(out, llm.TextStart("t0"))
			}
			out = append(out, llm.TextDelta("t0", part.Text))
		}
	}
	return out
}

func (c *converter) closeText() []llm.Event {
	var out []llm.Event
	if c.reasoningOpen {
		c.reasoningOpen = false
		out = append(out, llm.ReasoningEnd("r0", ""))
	}
	if c.textOpen {
		c.textOpen = false
		out = append(out, llm.TextEnd("t0"))
	}
	return out
}

func (c *converter) finish() []llm.Event {
	out := c.closeText()
	if !c.sawCandidate {
		text := "Gemini returned no candidates."
		if c.blockReason != "" {
			text = "Gemini returned no candidates: " + c.blockReason
		}
		out = append(out, llm.TextStart("t0"), llm.TextDelta("t0", text), llm.TextEnd("t0"))
	}
	reason := c.finishReason
	if c.calls > 0 {
		reason = "tool_calls"
	}
	return append(out, llm.MessageDone(reason, c.usage))
}

func clampInt32(v int) int32 {
	if v <= 0 {
		return 0
	}
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(v)
}

func toGeminiFunctionDeclarations(defs []types.ToolDefinition) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		schema := d.JSONSchema
		if len(schema) == 0 {
			schema = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		out = append(out, &genai.FunctionDeclaration{
			Name:                 d.Name,
			Description:          d.Description,
			ParametersJsonSchema: schema,
		})
	}
	return out
}

// toGeminiContents splits off system text and maps the rest of the history.
// Finished tool parts of an assistant message are answered by a following
// user turn of function responses. Hook parts are not sent.
func toGeminiContents(messages []*types.Message) (string, []*genai.Content) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		if m == nil {
			continue
		}
		switch m.Role {
		case types.RoleSystem:
			if text := m.Text(); text != "" {
				system = append(system, text)
			}

		case types.RoleUser:
			if text := m.Text(); text != "" {
				contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
			}

		case types.RoleAssistant, types.RoleTool:
			var parts, responses []*genai.Part
			for _, p := range m.Parts {
				switch part := p.(type) {
				case *types.TextPart:
					if part.Text != "" {
						parts = append(parts, genai.NewPartFromText(part.Text))
					}
				case *types.ToolPart:
					args := map[string]any{}
					if len(part.Arguments) > 0 {
						_ = json.Unmarshal(part.Arguments, &args)
					}
					call := genai.NewPartFromFunctionCall(part.ToolName, args)
					call.FunctionCall.ID = part.ToolCallID
					parts = append(parts, call)
					if part.Done() {
						resp := genai.NewPartFromFunctionResponse(part.ToolName, toolResponse(part))
						resp.FunctionResponse.ID = part.ToolCallID
						responses = append(responses, resp)
					}
				}
			}
			if len(parts) > 0 {
				contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
			}
			if len(responses) > 0 {
				contents = append(contents, genai.NewContentFromParts(responses, genai.RoleUser))
			}
		}
	}
	return strings.Join(system, "\n\n"), contents
}

func toolResponse(part *types.ToolPart) map[string]any {
	if part.Status == types.ToolError {
		return map[string]any{"error": part.Error}
	}
	out := map[string]any{}
	if err := json.Unmarshal(part.Result, &out); err != nil {
		var value any
		_ = json.Unmarshal(part.Result, &value)
		out = map[string]any{"output": value}
	}
	return out
}
