package events

import (
	"sync"
	"time"
)

// Kind identifies a class of status event on the bus.
type Kind string

const (
	// KindStatusUpdate announces a run phase change (thinking, searching, error).
	KindStatusUpdate Kind = "status.update"
	// KindStatusClear tells observers the run's status indicator should be removed.
	KindStatusClear Kind = "status.clear"
	// KindStatusStop requests cancellation of the run owning a message.
	KindStatusStop Kind = "status.stop"
)

// Run phase states carried by status.update events.
const (
	StateThinking        = "THINKING"
	StateExternalSources = "EXTERNAL_SOURCES"
	StateError           = "ERROR"
)

// Event is a status signal scoped to one outbound message.
type Event struct {
	Kind           Kind   `json:"kind"`
	State          string `json:"state,omitempty"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	MessageID      int    `json:"message_id"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}

// Handler receives events published for a subscribed kind.
type Handler func(Event)

// CancelFunc releases a subscription. Safe to call more than once.
type CancelFunc func()

// Bus is an in-process publish/subscribe channel keyed by event kind.
// Handlers run synchronously on the publisher's goroutine.
type Bus struct {
	mu   sync.RWMutex
	subs map[Kind]map[int]Handler
	next int
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[Kind]map[int]Handler),
	}
}

// Subscribe registers a handler for one event kind and returns a cancel
// handle that removes it.
func (b *Bus) Subscribe(kind Kind, fn Handler) CancelFunc {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[kind] == nil {
		b.subs[kind] = make(map[int]Handler)
	}
	id := b.next
	b.next++
	b.subs[kind][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[kind], id)
	}
}

// Publish delivers an event to every handler subscribed to its kind.
// The timestamp is filled in if the caller left it zero.
func (b *Bus) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[event.Kind]))
	for _, fn := range b.subs[event.Kind] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(event)
	}
}

// SubscriberCount returns the number of handlers registered for a kind.
func (b *Bus) SubscriberCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
