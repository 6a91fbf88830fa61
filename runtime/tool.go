package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PipeOpsHQ/agent-runtime-go/checkpoint"
	"github.com/PipeOpsHQ/agent-runtime-go/observe"
	"github.com/PipeOpsHQ/agent-runtime-go/tools"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

// ErrUnknownTool means the tool named by a call is not in the run's catalog.
var ErrUnknownTool = errors.New("runtime: unknown tool")

// ToolResult is the terminal outcome of one tool call. Tool failures are
// reported here with Status types.ToolError; they are not Go errors.
type ToolResult struct {
	ToolCallID string
	ToolName   string
	Status     types.ToolStatus
	Result     json.RawMessage
	Error      string
	Replayed   bool
}

func (r ToolResult) Failed() bool { return r.Status == types.ToolError }

// ExecuteTool runs the call described by part once per checkpoint. part is
// updated with the outcome; when target is the message that holds part, the
// updated message is put on the bus.
//
// The only error returned for a completed call is ErrUnknownTool. Tool
// failures, including argument validation, are captured in the result.
func (rt *Runtime) ExecuteTool(ctx context.Context, part *types.ToolPart, target *types.Message) (ToolResult, error) {
	if part == nil {
		return ToolResult{}, errors.New("tool part is required")
	}
	r := rt.run
	call := part.Call()
	log := r.logger.With(zap.String("tool", call.Name), zap.String("tool_call_id", call.ID))

	if rec, ok := r.cp.Tool(call.ID); ok {
		res := resultFromRecord(rec)
		res.Replayed = true
		if err := rt.applyToolResult(ctx, part, target, res); err != nil {
			return ToolResult{}, err
		}
		r.emit(ctx, observe.Event{Kind: observe.KindTool, Status: observe.StatusReplayed, Name: call.Name, ToolName: call.Name, Label: rt.label, SpanID: call.ID})
		log.Debug("tool replayed")
		if rec.Unknown {
			return res, fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
		}
		return res, nil
	}

	var tool tools.Tool
	if catalog := r.cfg.catalog; catalog != nil {
		tool, _ = catalog.Lookup(call.Name)
	}
	if tool == nil {
		res := ToolResult{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Status:     types.ToolError,
			Error:      fmt.Sprintf("tool %q not found", call.Name),
		}
		if err := rt.recordTool(ctx, part, target, res, true); err != nil {
			return ToolResult{}, err
		}
		r.emit(ctx, observe.Event{Kind: observe.KindTool, Status: observe.StatusFailed, Name: call.Name, ToolName: call.Name, Label: rt.label, SpanID: call.ID, Error: res.Error})
		log.Warn("unknown tool requested")
		return res, fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}

	started := time.Now()
	r.emit(ctx, observe.Event{Kind: observe.KindTool, Status: observe.StatusStarted, Name: call.Name, ToolName: call.Name, Label: rt.label, SpanID: call.ID})

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var (
		out     any
		toolErr error
	)
	if err := r.cfg.catalog.Validate(call.Name, args); err != nil {
		toolErr = err
	} else {
		out, toolErr = rt.invoke(ctx, tool, args)
	}
	// A call cut short by cancellation did not complete; leave it unrecorded
	// so a later run executes it.
	if err := ctx.Err(); err != nil {
		return ToolResult{}, err
	}

	res := ToolResult{ToolCallID: call.ID, ToolName: call.Name}
	if toolErr == nil {
		encoded, err := json.Marshal(out)
		if err != nil {
			toolErr = fmt.Errorf("failed to encode tool output: %w", err)
		} else {
			res.Status = types.ToolResult
			res.Result = encoded
		}
	}
	if toolErr != nil {
		res.Status = types.ToolError
		res.Error = toolErr.Error()
	}
	if err := rt.recordTool(ctx, part, target, res, false); err != nil {
		return ToolResult{}, err
	}

	ev := observe.Event{
		Kind:       observe.KindTool,
		Status:     observe.StatusCompleted,
		Name:       call.Name,
		ToolName:   call.Name,
		Label:      rt.label,
		SpanID:     call.ID,
		DurationMs: time.Since(started).Milliseconds(),
	}
	if res.Failed() {
		ev.Status = observe.StatusFailed
		ev.Error = res.Error
	}
	r.emit(ctx, ev)
	log.Debug("tool recorded", zap.String("status", string(res.Status)))
	return res, nil
}

// ExecuteTools runs every pending tool call of msg concurrently and returns
// the results in call order. Every call runs to completion even when one
// fails; the first ErrUnknownTool is returned.
func (rt *Runtime) ExecuteTools(ctx context.Context, msg *types.Message) ([]ToolResult, error) {
	if msg == nil {
		return nil, nil
	}
	calls := msg.PendingToolCalls()
	results := make([]ToolResult, len(calls))
	var g errgroup.Group
	for i, part := range calls {
		g.Go(func() error {
			res, err := rt.ExecuteTool(ctx, part, msg)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (rt *Runtime) invoke(ctx context.Context, tool tools.Tool, args json.RawMessage) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool panicked: %v", p)
		}
	}()
	toolCtx := types.ContextWithLabel(ctx, rt.label)
	if timeout := rt.run.cfg.toolTimeout; timeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(toolCtx, timeout)
		defer cancel()
	}
	if rtTool, ok := tool.(tools.RuntimeTool); ok {
		return rtTool.ExecuteWithRuntime(toolCtx, rt, args)
	}
	return tool.Execute(toolCtx, args)
}

func (rt *Runtime) recordTool(ctx context.Context, part *types.ToolPart, target *types.Message, res ToolResult, unknown bool) error {
	r := rt.run
	err := r.cp.RecordTool(checkpoint.ToolRecord{
		ToolCallID: res.ToolCallID,
		ToolName:   res.ToolName,
		Status:     res.Status,
		Result:     res.Result,
		Error:      res.Error,
		Unknown:    unknown,
	})
	if err != nil {
		return fmt.Errorf("tool %q: %w", res.ToolCallID, err)
	}
	r.checkpointed(ctx, "tool "+res.ToolCallID)
	return rt.applyToolResult(ctx, part, target, res)
}

func (rt *Runtime) applyToolResult(ctx context.Context, part *types.ToolPart, target *types.Message, res ToolResult) error {
	r := rt.run
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	if res.Status == types.ToolResult {
		part.SetResult(res.Result)
	} else {
		part.SetError(res.Error)
	}
	if target == nil {
		return nil
	}
	if err := r.Put(ctx, target); err != nil {
		return fmt.Errorf("tool %q: %w", res.ToolCallID, err)
	}
	return nil
}

func resultFromRecord(rec checkpoint.ToolRecord) ToolResult {
	return ToolResult{
		ToolCallID: rec.ToolCallID,
		ToolName:   rec.ToolName,
		Status:     rec.Status,
		Result:     append(json.RawMessage(nil), rec.Result...),
		Error:      rec.Error,
	}
}
