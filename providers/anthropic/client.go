// Package anthropic streams responses from the Anthropic Messages API as
// llm events.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/PipeOpsHQ/agent-runtime-go/llm"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

const (
	defaultModel      = "claude-3-5-sonnet-latest"
	anthropicVersion  = "2023-06-01"
	defaultMaxTokens  = 1024
	defaultAPIBaseURL = "https://api.anthropic.com"
)

type Client struct {
	apiKey          string
	model           string
	baseURL         string
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
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
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

func New(apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	c := &Client{
		apiKey:          strings.TrimSpace(apiKey),
		model:           defaultModel,
		baseURL:         defaultAPIBaseURL,
		maxOutputTokens: defaultMaxTokens,
		httpClient: &http.Client{
			Timeout:   5 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxOutputTokens <= 0 {
		c.maxOutputTokens = defaultMaxTokens
	}
	return c, nil
}

func (c *Client) Name() string { return "anthropic/" + c.model }

func (c *Client) Stream(ctx context.Context, messages []*types.Message, defs []types.ToolDefinition) iter.Seq2[llm.Event, error] {
	return func(yield func(llm.Event, error) bool) {
		system, msgs := toAnthropicMessages(messages)
		payload := anthropicRequest{
			Model:     c.model,
			System:    system,
			MaxTokens: c.maxOutputTokens,
			Messages:  msgs,
			Stream:    true,
		}
		if len(defs) > 0 {
			payload.Tools = toAnthropicTools(defs)
			payload.ToolChoice = &anthropicToolChoice{Type: "auto"}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			yield(llm.Event{}, fmt.Errorf("failed to marshal anthropic request: %w", err))
			return
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(raw))
		if err != nil {
			yield(llm.Event{}, fmt.Errorf("failed to create anthropic request: %w", err))
			return
		}
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", anthropicVersion)
		httpReq.Header.Set("content-type", "application/json")
		httpReq.Header.Set("accept", "text/event-stream")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			yield(llm.Event{}, fmt.Errorf("anthropic request failed: %w", err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			yield(llm.Event{}, fmt.Errorf("anthropic API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body))))
			return
		}

		dec := newDecoder()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
		for scanner.Scan() {
			data, ok := bytes.CutPrefix(bytes.TrimSpace(scanner.Bytes()), []byte("data:"))
			if !ok {
				continue
			}
			events, done, err := dec.event(bytes.TrimSpace(data))
			if err != nil {
				yield(llm.Event{}, err)
				return
			}
			for _, ev := range events {
				if !yield(ev, nil) {
					return
				}
			}
			if done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			yield(llm.Event{}, fmt.Errorf("anthropic stream failed: %w", err))
			return
		}
		if err := ctx.Err(); err != nil {
			yield(llm.Event{}, err)
			return
		}
		yield(llm.Event{}, fmt.Errorf("anthropic stream ended before message_stop"))
	}
}

type blockKind int

const (
	blockText blockKind = iota
	blockThinking
	blockTool
)

type block struct {
	kind      blockKind
	id        string
	signature string
}

// decoder maps content block indexes to event ids: text blocks become
// t<index>, thinking blocks r<index> and tool_use blocks keep their id.
type decoder struct {
	blocks       map[int64]*block
	inputTokens  int
	outputTokens int
	stopReason   string
}

func newDecoder() *decoder { return &decoder{blocks: map[int64]*block{}} }

func (d *decoder) event(data []byte) ([]llm.Event, bool, error) {
	typ, err := jsonparser.GetString(data, "type")
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode anthropic event: %w", err)
	}
	switch typ {
	case "error":
		msg, _ := jsonparser.GetString(data, "error", "message")
		return nil, false, fmt.Errorf("anthropic stream error: %s", msg)

	case "message_start":
		if n, err := jsonparser.GetInt(data, "message", "usage", "input_tokens"); err == nil {
			d.inputTokens = int(n)
		}

	case "content_block_start":
		idx, err := jsonparser.GetInt(data, "index")
		if err != nil {
			return nil, false, fmt.Errorf("anthropic block without index")
		}
		kind, _ := jsonparser.GetString(data, "content_block", "type")
		switch kind {
		case "text":
			b := &block{kind: blockText, id: fmt.Sprintf("t%d", idx)}
			d.blocks[idx] = b
			out := []llm.Event{llm.TextStart(b.id)}
			if text, _ := jsonparser.GetString(data, "content_block", "text"); text != "" {
				out = append(out, llm.TextDelta(b.id, text))
			}
			return out, false, nil
		case "thinking":
			b := &block{kind: blockThinking, id: fmt.Sprintf("r%d", idx)}
			d.blocks[idx] = b
			return []llm.Event{llm.ReasoningStart(b.id)}, false, nil
		case "tool_use":
			id, _ := jsonparser.GetString(data, "content_block", "id")
			name, _ := jsonparser.GetString(data, "content_block", "name")
			if id == "" {
				id = fmt.Sprintf("toolu_%d", idx)
			}
			d.blocks[idx] = &block{kind: blockTool, id: id}
			return []llm.Event{llm.ToolStart(id, name)}, false, nil
		}

	case "content_block_delta":
		idx, _ := jsonparser.GetInt(data, "index")
		b, ok := d.blocks[idx]
		if !ok {
			return nil, false, nil
		}
		kind, _ := jsonparser.GetString(data, "delta", "type")
		switch kind {
		case "text_delta":
			text, _ := jsonparser.GetString(data, "delta", "text")
			return []llm.Event{llm.TextDelta(b.id, text)}, false, nil
		case "thinking_delta":
			text, _ := jsonparser.GetString(data, "delta", "thinking")
			return []llm.Event{llm.ReasoningDelta(b.id, text)}, false, nil
		case "signature_delta":
			b.signature, _ = jsonparser.GetString(data, "delta", "signature")
		case "input_json_delta":
			partial, _ := jsonparser.GetString(data, "delta", "partial_json")
			if partial != "" {
				return []llm.Event{llm.ToolArgsDelta(b.id, partial)}, false, nil
			}
		}

	case "content_block_stop":
		idx, _ := jsonparser.GetInt(data, "index")
		b, ok := d.blocks[idx]
		if !ok {
			return nil, false, nil
		}
		delete(d.blocks, idx)
		switch b.kind {
		case blockText:
			return []llm.Event{llm.TextEnd(b.id)}, false, nil
		case blockThinking:
			return []llm.Event{llm.ReasoningEnd(b.id, b.signature)}, false, nil
		case blockTool:
			return []llm.Event{llm.ToolEnd(b.id, nil)}, false, nil
		}

	case "message_delta":
		if reason, err := jsonparser.GetString(data, "delta", "stop_reason"); err == nil {
			d.stopReason = reason
		}
		if n, err := jsonparser.GetInt(data, "usage", "output_tokens"); err == nil {
			d.outputTokens = int(n)
		}

	case "message_stop":
		var usage *types.Usage
		if d.inputTokens > 0 || d.outputTokens > 0 {
			usage = &types.Usage{
				InputTokens:  d.inputTokens,
				OutputTokens: d.outputTokens,
				TotalTokens:  d.inputTokens + d.outputTokens,
			}
		}
		return []llm.Event{llm.MessageDone(d.stopReason, usage)}, true, nil
	}
	return nil, false, nil
}

func toAnthropicTools(in []types.ToolDefinition) []anthropicTool {
	tools := make([]anthropicTool, 0, len(in))
	for _, t := range in {
		schema := t.JSONSchema
		if len(schema) == 0 {
			schema = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		tools = append(tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools
}

// toAnthropicMessages splits off the system prompt and maps the history.
// Finished tool calls are answered by tool_result blocks in the following
// user turn; consecutive turns of one role are merged.
func toAnthropicMessages(in []*types.Message) (string, []anthropicMessage) {
	var system []string
	msgs := make([]anthropicMessage, 0, len(in))
	push := func(role string, blocks ...anthropicContentBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content = append(msgs[n-1].Content, blocks...)
			return
		}
		msgs = append(msgs, anthropicMessage{Role: role, Content: blocks})
	}
	for _, m := range in {
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
				push("user", anthropicContentBlock{Type: "text", Text: text})
			}
		case types.RoleAssistant, types.RoleTool:
			var blocks, results []anthropicContentBlock
			for _, part := range m.Parts {
				switch p := part.(type) {
				case *types.ReasoningPart:
					if p.Signature != "" {
						blocks = append(blocks, anthropicContentBlock{Type: "thinking", Thinking: p.Text, Signature: p.Signature})
					}
				case *types.TextPart:
					if p.Text != "" {
						blocks = append(blocks, anthropicContentBlock{Type: "text", Text: p.Text})
					}
				case *types.ToolPart:
					input := json.RawMessage(`{}`)
					if len(p.Arguments) > 0 {
						input = p.Arguments
					}
					blocks = append(blocks, anthropicContentBlock{Type: "tool_use", ID: p.ToolCallID, Name: p.ToolName, Input: input})
					if p.Done() {
						result := anthropicContentBlock{Type: "tool_result", ToolUseID: p.ToolCallID, Content: string(p.Result)}
						if p.Status == types.ToolError {
							result.Content = p.Error
							result.IsError = true
						}
						results = append(results, result)
					}
				}
			}
			push("assistant", blocks...)
			push("user", results...)
		}
	}
	return strings.Join(system, "\n\n"), msgs
}

type anthropicRequest struct {
	Model      string               `json:"model"`
	System     string               `json:"system,omitempty"`
	MaxTokens  int                  `json:"max_tokens"`
	Messages   []anthropicMessage   `json:"messages"`
	Tools      []anthropicTool      `json:"tools,omitempty"`
	ToolChoice *anthropicToolChoice `json:"tool_choice,omitempty"`
	Stream     bool                 `json:"stream"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}
