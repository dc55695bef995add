package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types broadcast by the engine. Every record transition and batch
// outcome produces one; events are ephemeral and never persisted.
const (
	EventOnline       = "online"
	EventOffline      = "offline"
	EventSyncing      = "syncing"
	EventSynced       = "synced"
	EventError        = "error"
	EventSyncStarted  = "sync_started"
	EventSyncComplete = "sync_complete"
)

// Event is a lightweight notification. ItemID is empty for batch-level and
// connectivity events; Payload carries optional detail (error message, batch
// counts) and is owned by the bus after publishing.
type Event struct {
	Type      string
	ItemID    string
	Payload   map[string]any
	CreatedAt time.Time
}

// Handler reacts to an event. Handlers run synchronously on the publishing
// goroutine and must not block.
type Handler func(Event)

// Subscription identifies one registered handler. Unsubscribe removes it by
// token, so registering the same function twice yields two independent
// subscriptions and removing one never touches the other.
type Subscription struct {
	id  string
	bus *Bus
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s.id)
	s.bus = nil
}

// Bus is an in-process observer list. Delivery is synchronous, in
// subscription order, with no back-pressure.
type Bus struct {
	mu       sync.RWMutex
	order    []string
	handlers map[string]Handler
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string]Handler)}
}

// Subscribe registers a handler for every published event.
func (b *Bus) Subscribe(h Handler) *Subscription {
	id := uuid.NewString()

	b.mu.Lock()
	b.order = append(b.order, id)
	b.handlers[id] = h
	b.mu.Unlock()

	return &Subscription{id: id, bus: b}
}

// Publish delivers the event to all current subscribers.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		if h, ok := b.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
}

func (b *Bus) remove(id string) {
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

// Len reports the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
