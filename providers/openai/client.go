// Package openai streams chat completions from OpenAI-compatible endpoints
// (OpenAI, Ollama's /v1, vLLM and similar) as llm events.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/PipeOpsHQ/agent-runtime-go/llm"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

const defaultModel = "gpt-4o-mini"

type Client struct {
	apiKey          string
	model           string
	baseURL         string
	endpoint        string
	authHeader      string
	name            string
	maxOutputTokens int
	httpClient      *http.Client
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

func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithEndpoint replaces the chat completions URL derived from the base URL.
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

// WithAPIKeyHeader sends the key verbatim in header instead of as a bearer
// token.
func WithAPIKeyHeader(header string) Option {
	return func(c *Client) { c.authHeader = header }
}

// WithName sets the provider prefix reported by Name.
func WithName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.name = name
		}
	}
}

func WithMaxOutputTokens(n int) Option {
	return func(c *Client) { c.maxOutputTokens = n }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New builds a client. An empty apiKey is allowed for local endpoints that
// do not authenticate.
func New(apiKey string, opts ...Option) (*Client, error) {
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		name:    "openai",
		baseURL: "https://api.openai.com",
		httpClient: &http.Client{
			Timeout:   5 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" && c.baseURL == "https://api.openai.com" && c.endpoint == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.endpoint == "" {
		c.endpoint = c.baseURL + "/v1/chat/completions"
	}
	return c, nil
}

func (c *Client) Name() string { return c.name + "/" + c.model }

func (c *Client) Stream(ctx context.Context, messages []*types.Message, defs []types.ToolDefinition) iter.Seq2[llm.Event, error] {
	return func(yield func(llm.Event, error) bool) {
		payload := openAIRequest{
			Model:         c.model,
			Messages:      toOpenAIMessages(messages),
			MaxTokens:     c.maxOutputTokens,
			Stream:        true,
			StreamOptions: &streamOptions{IncludeUsage: true},
		}
		if len(defs) > 0 {
			payload.ToolChoice = "auto"
			payload.Tools = toOpenAITools(defs)
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			yield(llm.Event{}, fmt.Errorf("failed to marshal openai request: %w", err))
			return
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
		if err != nil {
			yield(llm.Event{}, fmt.Errorf("failed to create openai request: %w", err))
			return
		}
		switch {
		case c.apiKey == "":
		case c.authHeader != "":
			httpReq.Header.Set(c.authHeader, c.apiKey)
		default:
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			yield(llm.Event{}, fmt.Errorf("openai request failed: %w", err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			yield(llm.Event{}, fmt.Errorf("openai API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body))))
			return
		}

		dec := newDecoder()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			data, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				continue
			}
			data = bytes.TrimSpace(data)
			if bytes.Equal(data, []byte("[DONE]")) {
				break
			}
			events, err := dec.chunk(data)
			if err != nil {
				yield(llm.Event{}, err)
				return
			}
			for _, ev := range events {
				if !yield(ev, nil) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			yield(llm.Event{}, fmt.Errorf("openai stream failed: %w", err))
			return
		}
		if err := ctx.Err(); err != nil {
			yield(llm.Event{}, err)
			return
		}
		for _, ev := range dec.finish() {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// decoder turns streamed chat completion chunks into events. Tool calls are
// keyed by their index; only the first delta of a call carries its id.
type decoder struct {
	textOpen      bool
	reasoningOpen bool
	calls         map[int64]string
	finishReason  string
	usage         *types.Usage
}

func newDecoder() *decoder { return &decoder{calls: map[int64]string{}} }

func (d *decoder) chunk(data []byte) ([]llm.Event, error) {
	if msg, err := jsonparser.GetString(data, "error", "message"); err == nil {
		return nil, fmt.Errorf("openai stream error: %s", msg)
	}
	var out []llm.Event
	var parseErr error
	_, err := jsonparser.ArrayEach(data, func(choice []byte, _ jsonparser.ValueType, _ int, err error) {
		if err != nil || parseErr != nil {
			return
		}
		if reason, err := jsonparser.GetString(choice, "finish_reason"); err == nil && reason != "" {
			d.finishReason = reason
		}
		if text, err := jsonparser.GetString(choice, "delta", "reasoning_content"); err == nil && text != "" {
			if !d.reasoningOpen {
				d.reasoningOpen = true
				out = append(out, llm.ReasoningStart("r0"))
			}
			out = append(out, llm.ReasoningDelta("r0", text))
		}
		if text, err := jsonparser.GetString(choice, "delta", "content"); err == nil && text != "" {
			if d.reasoningOpen {
				d.reasoningOpen = false
				out = append(out, llm.ReasoningEnd("r0", ""))
			}
			if !d.textOpen {
				d.textOpen = true
				out = append(out, llm.TextStart("t0"))
			}
			out = append(out, llm.TextDelta("t0", text))
		}
		_, err = jsonparser.ArrayEach(choice, func(call []byte, _ jsonparser.ValueType, _ int, err error) {
			if err != nil || parseErr != nil {
				return
			}
			idx, err := jsonparser.GetInt(call, "index")
			if err != nil {
				parseErr = fmt.Errorf("openai tool call delta without index")
				return
			}
			id, known := d.calls[idx]
			if !known {
				id, _ = jsonparser.GetString(call, "id")
				if id == "" {
					id = fmt.Sprintf("call_%d", idx)
				}
				d.calls[idx] = id
				name, _ := jsonparser.GetString(call, "function", "name")
				out = append(out, llm.ToolStart(id, name))
			}
			if args, err := jsonparser.GetString(call, "function", "arguments"); err == nil && args != "" {
				out = append(out, llm.ToolArgsDelta(id, args))
			}
		}, "delta", "tool_calls")
		if err != nil && err != jsonparser.KeyPathNotFoundError {
			parseErr = fmt.Errorf("failed to decode openai tool calls: %w", err)
		}
	}, "choices")
	if err != nil && err != jsonparser.KeyPathNotFoundError {
		return nil, fmt.Errorf("failed to decode openai chunk: %w", err)
	}
	if parseErr != nil {
		return nil, parseErr
	}
	if usage, _, _, err := jsonparser.Get(data, "usage"); err == nil && len(usage) > 0 && !bytes.Equal(usage, []byte("null")) {
		var u struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		}
		if err := json.Unmarshal(usage, &u); err == nil {
			d.usage = &types.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
		}
	}
	return out, nil
}

func (d *decoder) finish() []llm.Event {
	var out []llm.Event
	if d.reasoningOpen {
		out = append(out, llm.ReasoningEnd("r0", ""))
	}
	if d.textOpen {
		out = append(out, llm.TextEnd("t0"))
	}
	idx := make([]int64, 0, len(d.calls))
	for i := range d.calls {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })
	for _, i := range idx {
		out = append(out, llm.ToolEnd(d.calls[i], nil))
	}
	return append(out, llm.MessageDone(d.finishReason, d.usage))
}

// toOpenAIMessages maps the history. Finished tool parts of an assistant
// message are followed by one tool message per call. Hook parts are not sent.
func toOpenAIMessages(in []*types.Message) []openAIMessage {
	msgs := make([]openAIMessage, 0, len(in))
	for _, m := range in {
		if m == nil {
			continue
		}
		switch m.Role {
		case types.RoleSystem:
			msgs = append(msgs, openAIMessage{Role: "system", Content: m.Text()})
		case types.RoleUser:
			msgs = append(msgs, openAIMessage{Role: "user", Content: m.Text()})
		case types.RoleAssistant, types.RoleTool:
			calls := m.ToolParts()
			text := m.Text()
			if text == "" && len(calls) == 0 {
				continue
			}
			out := openAIMessage{Role: "assistant", Content: text}
			var results []openAIMessage
			for _, tc := range calls {
				args := "{}"
				if len(tc.Arguments) > 0 {
					args = string(tc.Arguments)
				}
				out.ToolCalls = append(out.ToolCalls, openAIToolCall{
					ID:   tc.ToolCallID,
					Type: "function",
					Function: openAIFunctionCall{
						Name:      tc.ToolName,
						Arguments: args,
					},
				})
				if tc.Done() {
					content := string(tc.Result)
					if tc.Status == types.ToolError {
						encoded, _ := json.Marshal(map[string]string{"error": tc.Error})
						content = string(encoded)
					}
					results = append(results, openAIMessage{
						Role:       "tool",
						Name:       tc.ToolName,
						ToolCallID: tc.ToolCallID,
						Content:    content,
					})
				}
			}
			msgs = append(msgs, out)
			msgs = append(msgs, results...)
		}
	}
	return msgs
}

func toOpenAITools(in []types.ToolDefinition) []openAITool {
	tools := make([]openAITool, 0, len(in))
	for _, t := range in {
		params := t.JSONSchema
		if len(params) == 0 {
			params = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		tools = append(tools, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	Tools         []openAITool    `json:"tools,omitempty"`
	ToolChoice    string          `json:"tool_choice,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Stream        bool            `json:"stream"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Name       string           `json:"name,omitempty"`
	Content    any              `json:"content"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAIToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

