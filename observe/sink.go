package observe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Sink receives runtime events. Emit must be safe for concurrent use; the
// runtime calls it from every branch goroutine.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Emit(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type NoopSink struct{}

func (NoopSink) Emit(context.Context, Event) error { return nil }

type fanout []Sink

// NewMultiSink delivers each event to every non-nil sink. A failing sink
// does not stop delivery to the others; their errors are joined.
func NewMultiSink(sinks ...Sink) Sink {
	var out fanout
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return NoopSink{}
	case 1:
		return out[0]
	}
	return out
}

func (f fanout) Emit(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsyncOption configures an AsyncSink.
type AsyncOption func(*AsyncSink)

// WithErrorHandler receives errors returned by the downstream sink, which
// would otherwise be discarded on the delivery goroutine.
func WithErrorHandler(fn func(Event, error)) AsyncOption {
	return func(s *AsyncSink) { s.onError = fn }
}

// AsyncSink delivers events on its own goroutine so a slow sink never
// blocks the runtime. When the buffer is full the event is dropped and
// counted.
type AsyncSink struct {
	downstream Sink
	onError    func(Event, error)

	mu      sync.RWMutex
	closed  bool
	queue   chan Event
	stopped chan struct{}
	dropped atomic.Int64
}

func NewAsyncSink(downstream Sink, buffer int, opts ...AsyncOption) *AsyncSink {
	if downstream == nil {
		downstream = NoopSink{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		downstream: downstream,
		queue:      make(chan Event, buffer),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.deliver()
	return s
}

func (s *AsyncSink) Emit(ctx context.Context, event Event) error {
	if s == nil {
		return nil
	}
	event.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.queue <- event:
	case <-ctx.Done():
		return ctx.Err()
	default:
		s.dropped.Add(1)
	}
	return nil
}

func (s *AsyncSink) Dropped() int64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

// Close stops accepting events and returns once everything already queued
// has been delivered. It is safe to call more than once.
func (s *AsyncSink) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.stopped
}

func (s *AsyncSink) deliver() {
	defer close(s.stopped)
	for event := range s.queue {
		if err := s.downstream.Emit(context.Background(), event); err != nil && s.onError != nil {
			s.onError(event, err)
		}
	}
}
