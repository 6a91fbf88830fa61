// Package bus multiplexes messages from any number of concurrent producers
// onto one ordered consumer sequence.
//
// Every Put enqueues a snapshot of the message, so producers may keep
// mutating their in-flight message after handing it over. Messages from one
// producer are delivered in the order they were put; producers running
// concurrently interleave in arrival order.
package bus

import (
	"context"
	"errors"
	"iter"
	"sync"

	list "github.com/bahlo/generic-list-go"

	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

var ErrClosed = errors.New("bus: closed")

type Bus struct {
	mu        sync.Mutex
	queue     *list.List[*types.Message]
	changed   chan struct{}
	capacity  int
	producers int
	closing   bool
	closed    bool
}

type Option func(*Bus)

// WithCapacity bounds the number of undelivered messages. Put blocks while
// the bound is reached. Zero or negative means unbounded.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		b.capacity = n
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		queue:   list.New[*types.Message](),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Put(ctx context.Context, msg *types.Message) error {
	if msg == nil {
		return errors.New("bus: nil message")
	}
	snapshot := msg.Clone()
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrClosed
		}
		if b.capacity <= 0 || b.queue.Len() < b.capacity {
			b.queue.PushBack(snapshot)
			b.notifyLocked()
			b.mu.Unlock()
			return nil
		}
		wait := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Next blocks until a message is available and returns it. Once the bus is
// closed and drained it returns ErrClosed.
func (b *Bus) Next(ctx context.Context) (*types.Message, error) {
	for {
		b.mu.Lock()
		if front := b.queue.Front(); front != nil {
			msg := b.queue.Remove(front)
			b.notifyLocked()
			b.mu.Unlock()
			return msg, nil
		}
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		wait := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// All yields messages until the bus is closed and drained or ctx is done.
func (b *Bus) All(ctx context.Context) iter.Seq[*types.Message] {
	return func(yield func(*types.Message) bool) {
		for {
			msg, err := b.Next(ctx)
			if err != nil {
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Register records a live producer. The returned release func is safe to
// call more than once.
func (b *Bus) Register() (release func()) {
	b.mu.Lock()
	b.producers++
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.producers--
			if b.closing && b.producers <= 0 {
				b.closeLocked()
			}
		})
	}
}

// CloseWhenIdle closes the bus as soon as every registered producer has
// released, which may be immediately.
func (b *Bus) CloseWhenIdle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closing = true
	if b.producers <= 0 {
		b.closeLocked()
	}
}

// Close stops accepting messages. Messages already queued are still
// delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}

func (b *Bus) closeLocked() {
	if b.closed {
		return
	}
	b.closed = true
	b.notifyLocked()
}

// notifyLocked wakes every waiter by closing the current change channel.
func (b *Bus) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}
