package event

import (
	"context"
	"log/slog"
	"sync"
)

// Dispatcher delivers domain events to interested listeners. Delivery is
// fire-and-forget from the producer's point of view; implementations must not
// let a slow or failing listener propagate errors back into core operations.
type Dispatcher interface {
	Dispatch(ctx context.Context, e Event)
}

// Handler consumes a single event.
type Handler func(ctx context.Context, e Event)

// Bus is an in-process Dispatcher fanning events out to subscribed handlers.
// Handlers run on the caller's goroutine in subscription order; panics are
// recovered and logged so one listener cannot take down the producer.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	logger   *slog.Logger
}

// NewBus returns an empty Bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[Type][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for the given event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Dispatch delivers e to all handlers subscribed to its type.
func (b *Bus) Dispatch(ctx context.Context, e Event) {
	b.mu.RLock()
	handlers := b.handlers[e.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ctx, e, h)
	}
}

func (b *Bus) deliver(ctx context.Context, e Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "event handler panicked",
				slog.String("event_type", string(e.Type)),
				slog.String("aggregate_id", e.AggregateID),
				slog.Any("panic", r),
			)
		}
	}()
	h(ctx, e)
}

// Nop is a Dispatcher that drops every event. Useful in tests.
type Nop struct{}

// Dispatch discards the event.
func (Nop) Dispatch(context.Context, Event) {}
