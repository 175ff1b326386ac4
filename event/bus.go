package event

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
)

// wildcard is the internal key for handlers registered via SubscribeAll.
const wildcard Kind = "*"

// Handler is a function that handles an event.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

// Bus is a synchronous, in-process pub-sub event bus.
//
// Publish calls every handler registered for the event's kind, in
// registration order, on the publishing goroutine, followed by handlers
// registered with SubscribeAll. There is no buffering or replay: a handler
// only sees events published after it was registered.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[Kind][]subscription
	logger        *slog.Logger
}

// NewBus creates a new event bus. A nil logger selects slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscriptions: make(map[Kind][]subscription),
		logger:        logger,
	}
}

// Subscribe registers a handler for a single event kind.
// Returns a subscription ID that can be passed to Unsubscribe.
func (b *Bus) Subscribe(kind Kind, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.subscriptions[kind] = append(b.subscriptions[kind], subscription{id: id, handler: handler})
	return id
}

// SubscribeAll registers a handler for every event kind.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(wildcard, handler)
}

// Unsubscribe removes a subscription by ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for kind, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id == id {
				// copy so in-flight Publish snapshots are unaffected
				remaining := make([]subscription, 0, len(subs)-1)
				remaining = append(remaining, subs[:i]...)
				remaining = append(remaining, subs[i+1:]...)
				b.subscriptions[kind] = remaining
				return true
			}
		}
	}
	return false
}

// Publish delivers the event to all matching handlers.
//
// A panicking handler is recovered and logged; delivery continues with the
// next handler.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	specific := b.subscriptions[e.Kind()]
	all := b.subscriptions[wildcard]
	b.mu.RUnlock()

	for _, sub := range specific {
		b.safeCall(sub.handler, e)
	}
	for _, sub := range all {
		b.safeCall(sub.handler, e)
	}
}

// safeCall invokes a handler and recovers from any panics.
func (b *Bus) safeCall(handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				"correlation_id", uuid.NewString(),
				"kind", string(e.Kind()),
				"event_id", e.ID(),
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	handler(e)
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = make(map[Kind][]subscription)
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}
