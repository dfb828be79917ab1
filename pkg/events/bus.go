// Package events provides the in-process event bus the parsing engine uses to
// announce lifecycle events to external collaborators (UI layers, monitors).
package events

import (
	"sync"
	"time"
)

// EventType identifies a class of engine event
type EventType string

const (
	ParseStarted   EventType = "PARSE_STARTED"
	ParseCompleted EventType = "PARSE_COMPLETED"
	CacheHit       EventType = "CACHE_HIT"
	BatchCompleted EventType = "BATCH_COMPLETED"
	BatchFailed    EventType = "BATCH_FAILED"
)

// Event carries one emitted event and its payload
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Handler receives emitted events. Handlers must not block; slow consumers
// should buffer internally.
type Handler func(Event)

// Bus is a minimal publish/subscribe dispatcher. Subscriptions are keyed by
// event type; a handler subscribed to an event type receives every event of
// that type emitted after subscription.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscription
	nextID   int
	closed   bool
}

type subscription struct {
	id      int
	handler Handler
}

// NewBus creates an empty event bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]subscription),
	}
}

// Subscribe registers a handler for an event type and returns an unsubscribe
// function. Unsubscribing is idempotent. Subscribing to a closed bus is a
// no-op; the returned function does nothing.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[eventType]
		for i, sub := range subs {
			if sub.id == id {
				b.handlers[eventType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers an event to every handler subscribed to its type. Handlers
// run in the caller's goroutine; the handler contract keeps them fast.
func (b *Bus) Emit(eventType EventType, payload map[string]interface{}) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]subscription, len(b.handlers[eventType]))
	copy(subs, b.handlers[eventType])
	b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	for _, sub := range subs {
		sub.handler(event)
	}
}

// Close drops all subscriptions and stops delivery
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[EventType][]subscription)
}
