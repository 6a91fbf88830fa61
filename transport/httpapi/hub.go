package httpapi

import (
	"sync"

	"github.com/PipeOpsHQ/agent-runtime-go/observe"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

// messageHub fans the messages of one run out to any number of watchers.
// A watcher that subscribes late first receives the backlog.
type messageHub struct {
	mu       sync.Mutex
	nextID   int
	backlog  []*types.Message
	watchers map[int]chan *types.Message
	closed   bool
	done     chan struct{}
}

func newMessageHub() *messageHub {
	return &messageHub{watchers: map[int]chan *types.Message{}, done: make(chan struct{})}
}

// subscribe returns the messages published so far and a channel for the
// rest. The channel is closed when the hub closes or the watcher falls
// behind by more than buffer messages.
func (h *messageHub) subscribe(buffer int) (int, []*types.Message, <-chan *types.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if buffer <= 0 {
		buffer = 256
	}
	backlog := make([]*types.Message, len(h.backlog))
	copy(backlog, h.backlog)
	ch := make(chan *types.Message, buffer)
	id := h.nextID
	h.nextID++
	if h.closed {
		close(ch)
		return id, backlog, ch
	}
	h.watchers[id] = ch
	return id, backlog, ch
}

func (h *messageHub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.watchers[id]; ok {
		delete(h.watchers, id)
		close(ch)
	}
}

func (h *messageHub) publish(msg *types.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.backlog = append(h.backlog, msg)
	for id, ch := range h.watchers {
		select {
		case ch <- msg:
		default:
			delete(h.watchers, id)
			close(ch)
		}
	}
}

func (h *messageHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.watchers {
		delete(h.watchers, id)
		close(ch)
	}
	close(h.done)
}

// eventStream fans observe events out to SSE watchers. Slow watchers miss
// events rather than stall the run.
type eventStream struct {
	mu       sync.RWMutex
	nextID   int
	watchers map[int]chan observe.Event
}

func newEventStream() *eventStream {
	return &eventStream{watchers: map[int]chan observe.Event{}}
}

func (s *eventStream) subscribe(buffer int) (int, <-chan observe.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buffer <= 0 {
		buffer = 64
	}
	id := s.nextID
	s.nextID++
	ch := make(chan observe.Event, buffer)
	s.watchers[id] = ch
	return id, ch
}

func (s *eventStream) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.watchers[id]; ok {
		delete(s.watchers, id)
		close(ch)
	}
}

func (s *eventStream) publish(event observe.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.watchers {
		select {
		case ch <- event:
		default:
		}
	}
}
