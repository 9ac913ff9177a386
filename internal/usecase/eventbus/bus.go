// Package eventbus is the in-process lifecycle bus that carries execution,
// progress and channel events to observers such as the metrics collector.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"vmrelay/internal/domain"
)

// DefaultQueueSize is the per-subscriber buffer used when New is given zero.
const DefaultQueueSize = 256

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscriber owns a queue drained by a single goroutine, so one handler sees
// events in publish order.
type subscriber struct {
	id        uint64
	eventType domain.EventType // empty for all-event subscribers
	handler   domain.EventHandler
	queue     chan delivery
	stopOnce  sync.Once
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.queue) })
}

// Bus is an in-process, goroutine-safe event bus. Publish never blocks on a
// slow handler: when a subscriber's queue is full the event is dropped for
// that subscriber and counted.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	nextID    atomic.Uint64
	queueSize int
	dropped   atomic.Uint64
	logger    *slog.Logger
	wg        sync.WaitGroup
	closed    atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[uint64]*subscriber),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Publish enqueues the event for every matching subscriber.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.eventType != "" && sub.eventType != event.Type {
			continue
		}
		select {
		case sub.queue <- delivery{ctx: context.WithoutCancel(ctx), event: event}:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped for slow subscriber",
				"event", string(event.Type),
				"subscriber", sub.id,
			)
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add("", handler)
}

func (b *Bus) add(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := &subscriber{
		id:        b.nextID.Add(1),
		eventType: eventType,
		handler:   handler,
		queue:     make(chan delivery, b.queueSize),
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[sub.id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(sub)

	return func() {
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
		sub.stop()
	}
}

func (b *Bus) run(sub *subscriber) {
	defer b.wg.Done()
	for d := range sub.queue {
		b.invoke(sub, d)
	}
}

func (b *Bus) invoke(sub *subscriber, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

// Dropped returns the number of events discarded because a subscriber queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close prevents new publishes, lets every subscriber drain its queue, and
// waits for the handlers to return. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed.Swap(true) {
		b.mu.Unlock()
		return
	}
	subs := make([]*subscriber, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
