// Package events provides the ordered in-process publish/subscribe bus that
// fans feed and connection updates out to consumers.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"tradeboard/internal/domain"
)

// Kind tags an Event.
type Kind int

const (
	// FeedLoading is published when a network fetch for a key starts.
	FeedLoading Kind = iota
	// FeedUpdated is published after new data for a key was stored.
	FeedUpdated
	// FeedError is published after a fetch or server error for a key.
	FeedError
	// ConnectionChanged is published when the push channel changes state.
	ConnectionChanged
)

func (k Kind) String() string {
	switch k {
	case FeedLoading:
		return "loading"
	case FeedUpdated:
		return "updated"
	case FeedError:
		return "error"
	case ConnectionChanged:
		return "connection"
	default:
		return "unknown"
	}
}

// Event is the bus envelope. Feed events carry Key (and Data/FetchedAt/
// ExpiresAt or Err); connection events carry Status and Simulated.
type Event struct {
	Kind      Kind
	Key       domain.Key
	Data      json.RawMessage
	FetchedAt time.Time
	ExpiresAt time.Time
	Err       string
	Status    domain.ConnectionStatus
	Simulated bool
}

// Bus delivers events synchronously and in publish order. The goroutine that
// finds the bus idle drains the queue; events published while a drain is in
// progress (including from inside a handler) are queued behind it, so
// handlers may publish or call back into publishers without deadlocking.
type Bus struct {
	mu       sync.Mutex
	queue    []Event
	draining bool

	nextID   int
	order    []int
	handlers map[int]func(Event)

	log *slog.Logger
}

// NewBus creates an empty Bus.
func NewBus(log *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[int]func(Event)),
		log:      log,
	}
}

// Subscribe registers fn for every subsequent event and returns a function
// that removes it. Handlers run in registration order.
func (b *Bus) Subscribe(fn func(Event)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = fn
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Publish enqueues evt and, unless another goroutine is already draining,
// delivers every queued event before returning.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	b.queue = append(b.queue, evt)
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true

	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]
		handlers := make([]func(Event), 0, len(b.order))
		for _, id := range b.order {
			handlers = append(handlers, b.handlers[id])
		}
		b.mu.Unlock()

		for _, h := range handlers {
			b.deliver(h, next)
		}

		b.mu.Lock()
	}

	b.draining = false
	b.queue = nil
	b.mu.Unlock()
}

func (b *Bus) deliver(h func(Event), evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "kind", evt.Kind.String(), "feed", evt.Key.String(), "panic", r)
		}
	}()
	h(evt)
}
