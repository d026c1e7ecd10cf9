package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/l3v3l/pulse/internal/event"
)

// defaultSubBuffer is the per-subscriber channel buffer. A subscriber that
// falls further behind than this starts losing events rather than blocking
// the publisher.
const defaultSubBuffer = 16

// Hub is the in-process subscription surface: callers subscribe to an event
// type and receive every published event of that type on a buffered
// channel. Delivery is best-effort; publishing never blocks on a slow
// subscriber.
type Hub struct {
	mu     sync.RWMutex
	subs   map[event.Type]map[int]chan event.Event
	nextID int
	log    *slog.Logger
}

// NewHub creates an empty subscription hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		subs: make(map[event.Type]map[int]chan event.Event),
		log:  log,
	}
}

// Subscribe registers interest in one event type. It returns the receive
// channel and an unsubscribe function that closes it. The unsubscribe
// function is idempotent.
func (h *Hub) Subscribe(t event.Type) (<-chan event.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	ch := make(chan event.Event, defaultSubBuffer)
	if h.subs[t] == nil {
		h.subs[t] = make(map[int]chan event.Event)
	}
	h.subs[t][id] = ch

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			if c, ok := h.subs[t][id]; ok {
				delete(h.subs[t], id)
				close(c)
			}
		})
	}

	return ch, unsub
}

// Publish fans the event out to all subscribers of its type without
// blocking. An event a full subscriber misses is dropped with a log record.
func (h *Hub) Publish(ctx context.Context, ev event.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs[ev.Type] {
		select {
		case ch <- ev:
		default:
			h.log.WarnContext(ctx,
				"Dropping event for slow subscriber",
				"event_type", ev.Type, "subscriber", id)
		}
	}

	return nil
}

// SubscriberCount returns the number of live subscriptions for a type.
func (h *Hub) SubscriberCount(t event.Type) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs[t])
}
