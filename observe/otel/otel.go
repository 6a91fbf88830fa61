// Package otel bridges the observe.Sink to OpenTelemetry tracing.
//
// A run is one root span. Steps, tool calls and hooks of that run become its
// children: a "started" (or pending) event opens a span and the matching
// terminal event ends it. Events with no open span, such as replays, become
// spans of their own covering DurationMs.
package otel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/PipeOpsHQ/agent-runtime-go/observe"
)

const instrumentationName = "github.com/PipeOpsHQ/agent-runtime-go"

const maxMessageLen = 1024

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer

	mu   sync.Mutex
	open map[string]trace.Span
}

// NewSink creates an OTel sink using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
		open:   map[string]trace.Span{},
	}
}

func (s *Sink) Emit(ctx context.Context, event observe.Event) error {
	event.Normalize()
	key := spanKey(event.RunID, event.SpanID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if opens(event) && key != "" {
		if _, dup := s.open[key]; dup {
			return nil
		}
		_, span := s.tracer.Start(s.parentContext(ctx, event), spanNameFor(event),
			trace.WithTimestamp(event.Timestamp),
			trace.WithAttributes(attributesFor(event)...))
		s.open[key] = span
		return nil
	}

	span, ok := s.open[key]
	if ok {
		delete(s.open, key)
		span.SetAttributes(attributesFor(event)...)
	} else {
		start := event.Timestamp.Add(-time.Duration(event.DurationMs) * time.Millisecond)
		_, span = s.tracer.Start(s.parentContext(ctx, event), spanNameFor(event),
			trace.WithTimestamp(start),
			trace.WithAttributes(attributesFor(event)...))
	}
	finish(span, event)
	if event.Kind == observe.KindRun && event.Terminal() {
		s.closeChildren(event)
	}
	return nil
}

// Close ends every span still open, e.g. hooks of runs that never finished.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for key, span := range s.open {
		span.SetAttributes(attribute.Bool("agent.abandoned", true))
		span.End(trace.WithTimestamp(now))
		delete(s.open, key)
	}
	return nil
}

func (s *Sink) parentContext(ctx context.Context, event observe.Event) context.Context {
	base := context.WithoutCancel(ctx)
	if parent, ok := s.open[spanKey(event.RunID, event.ParentSpanID)]; ok {
		return trace.ContextWithSpan(base, parent)
	}
	return base
}

// closeChildren ends spans of the run that were still open when the run
// reached a terminal state.
func (s *Sink) closeChildren(event observe.Event) {
	prefix := event.RunID + "/"
	for key, span := range s.open {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		span.SetAttributes(attribute.String("agent.run.outcome", string(event.Status)))
		span.End(trace.WithTimestamp(event.Timestamp))
		delete(s.open, key)
	}
}

func opens(event observe.Event) bool {
	switch event.Status {
	case observe.StatusStarted:
		return true
	case observe.StatusPending:
		return event.Kind == observe.KindHook
	}
	return false
}

func finish(span trace.Span, event observe.Event) {
	switch event.Status {
	case observe.StatusFailed:
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	case observe.StatusCompleted, observe.StatusReplayed:
		span.SetStatus(codes.Ok, "")
	case observe.StatusSuspended, observe.StatusCancelled:
		span.AddEvent(string(event.Status), trace.WithTimestamp(event.Timestamp))
	}
	span.End(trace.WithTimestamp(event.Timestamp))
}

func spanKey(runID, spanID string) string {
	if spanID == "" {
		return ""
	}
	return runID + "/" + spanID
}

func attributesFor(event observe.Event) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("agent.event.kind", string(event.Kind))}
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, attribute.String(key, value))
		}
	}
	add("agent.run.id", event.RunID)
	add("agent.session.id", event.SessionID)
	add("agent.span.id", event.SpanID)
	add("agent.provider", event.Provider)
	add("agent.tool.name", event.ToolName)
	add("agent.label", event.Label)
	add("agent.hook.id", event.HookID)
	add("agent.event.name", event.Name)
	add("agent.status", string(event.Status))
	if event.Message != "" {
		add("agent.message", truncate(event.Message, maxMessageLen))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("agent.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("agent.attr."+k, fmt.Sprintf("%v", v)))
	}
	return attrs
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindRun:
		return "agent.run"
	case observe.KindStep:
		if event.Provider != "" {
			return "agent.step." + event.Provider
		}
		return "agent.step"
	case observe.KindTool:
		if event.ToolName != "" {
			return "agent.tool." + event.ToolName
		}
		return "agent.tool.call"
	case observe.KindHook:
		if event.Name != "" {
			return "agent.hook." + event.Name
		}
		return "agent.hook"
	case observe.KindCheckpoint:
		return "agent.checkpoint"
	default:
		if event.Name != "" {
			return "agent." + event.Name
		}
		return "agent.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
