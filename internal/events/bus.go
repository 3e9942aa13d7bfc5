package events

import (
	"context"
	"log/slog"
	"sync"
)

// Handler consumes one event. Handlers run on the bus goroutine and must not
// block for long.
type Handler func(ctx context.Context, ev Event)

// Bus is a single-producer fan-out channel for pipeline events. The pipeline's
// coordination goroutine is the only publisher; one bus goroutine delivers to
// all subscribers in registration order, so subscribers observe events in
// publish order.
type Bus struct {
	ch     chan Event
	logger *slog.Logger

	mu       sync.Mutex
	handlers []Handler
	started  bool
	closed   bool
	done     chan struct{}
}

// NewBus creates a Bus with the given buffer size.
func NewBus(log *slog.Logger, buffer int) *Bus {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		ch:     make(chan Event, buffer),
		logger: log.With(slog.String("service", "events")),
		done:   make(chan struct{}),
	}
}

// Subscribe registers a handler. Must be called before Start.
func (b *Bus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		panic("events: Subscribe after Start")
	}
	b.handlers = append(b.handlers, h)
}

// Start launches the delivery goroutine. It returns immediately.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	handlers := b.handlers
	b.mu.Unlock()

	go func() {
		defer close(b.done)
		for ev := range b.ch {
			for _, h := range handlers {
				h(ctx, ev)
			}
		}
	}()
}

// Publish enqueues an event without blocking. Events are dropped (and logged)
// when the buffer is full; delivery is best-effort by contract. Publishing
// after Close is a silent no-op, so collaborator goroutines racing shutdown
// cannot send on the closed channel.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.logger.Debug("event after close", slog.String("topic", ev.Topic()))
		return
	}
	select {
	case b.ch <- ev:
	default:
		b.logger.Warn("event dropped", slog.String("topic", ev.Topic()))
	}
}

// Close stops delivery after draining already-queued events. Safe to call
// more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	started := b.started
	b.started = false
	close(b.ch)
	b.mu.Unlock()
	if started {
		<-b.done
	}
}
