package event

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler observes published events.
type Handler func(Event)

// Bus fans events out to observers. Handlers run synchronously in
// registration order, so a persistence handler registered after a state
// mutation handler always observes the mutated state.
type Bus struct {
	mu       sync.Mutex
	handlers []Handler
	logger   zerolog.Logger
}

// NewBus constructs an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger.With().Str("component", "event_bus").Logger()}
}

// Subscribe appends a handler. Registration order is invocation order.
func (b *Bus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish delivers the event to every handler in registration order.
func (b *Bus) Publish(ev Event) {
	if ev.Ts.IsZero() {
		ev.Ts = time.Now()
	}

	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	b.logger.Debug().Stringer("type", ev.Type).Str("source", ev.Source).Msg("publish")

	for _, h := range handlers {
		h(ev)
	}
}
