// Package bus provides the in-process event bus the orchestrator uses to
// fan out ledger and lifecycle events to interested subsystems.
package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Event kinds published on the bus.
const (
	EventToolCall       = "tool_call"
	EventAgentSpawning  = "agent.spawning"
	EventAgentSpawned   = "agent.spawned"
	EventAgentSpawnFail = "agent.spawn_failed"
	EventAgentComplete  = "agent.complete"
	EventSwarmResult    = "swarm.result"
	EventTokenUpdate    = "agent.token_update"
	EventMessage        = "bus.message"
)

// Event is a single published event. Payload values are event-specific.
type Event struct {
	Kind    string
	Source  string
	Payload map[string]any
}

// Handler receives published events. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(Event)

// Bus is a per-orchestrator publish/subscribe hub. Subscriptions return an
// opaque token used to unsubscribe.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]subscription
}

type subscription struct {
	handler Handler
	kinds   map[string]bool // nil = all kinds
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]subscription)}
}

// Subscribe registers handler for the given event kinds (all kinds when
// none are named) and returns the subscription token.
func (b *Bus) Subscribe(handler Handler, kinds ...string) string {
	token := uuid.NewString()

	var filter map[string]bool
	if len(kinds) > 0 {
		filter = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			filter[k] = true
		}
	}

	b.mu.Lock()
	b.subs[token] = subscription{handler: handler, kinds: filter}
	b.mu.Unlock()
	return token
}

// Unsubscribe removes a subscription. Unknown tokens are ignored.
func (b *Bus) Unsubscribe(token string) {
	b.mu.Lock()
	delete(b.subs, token)
	b.mu.Unlock()
}

// Publish delivers event to every matching subscriber. A panicking handler
// is logged and does not affect other subscribers.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.kinds == nil || sub.kinds[event.Kind] {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("bus: handler panic", "kind", event.Kind, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
