package events

import (
	"sync"
)

// Handler receives a published event. Handlers run synchronously on
// the publisher's goroutine and must not block.
type Handler func(Event)

// Bus is an in-process publish/subscribe dispatcher over the closed
// set of event kinds. Subscriptions are either kind-wide or scoped to
// budget updates for a single strategy.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	// strategy-scoped subscribers for BudgetUpdated
	strategyHandlers map[string][]Handler
}

func NewBus() *Bus {
	return &Bus{
		handlers:         make(map[Kind][]Handler),
		strategyHandlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for all events of the given kind.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// SubscribeBudget registers a handler for budget updates of a single
// strategy, the typed equivalent of a budget:updated:<id> channel.
func (b *Bus) SubscribeBudget(strategyID string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.strategyHandlers[strategyID] = append(b.strategyHandlers[strategyID], h)
}

// Publish dispatches the event to every registered handler.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[e.Kind()]))
	copy(handlers, b.handlers[e.Kind()])

	if bu, ok := e.(BudgetUpdated); ok {
		scoped := b.strategyHandlers[bu.StrategyID]
		handlers = append(handlers, scoped...)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
