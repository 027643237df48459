package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"chatstream/internal/domain"
)

// DefaultQueueSize is the per-subscriber buffer used when New is given a
// non-positive size.
const DefaultQueueSize = 256

type delivery struct {
	ctx   context.Context
	event domain.BusEvent
}

type subscription struct {
	id      uint64
	handler domain.EventHandler
	queue   chan delivery
}

// Bus is an in-process, goroutine-safe event bus. Every subscription is
// served by its own goroutine, so a handler sees events in publish order and
// a slow handler never blocks the publisher.
type Bus struct {
	mu        sync.RWMutex
	typed     map[domain.EventType][]*subscription
	allSubs   []*subscription
	nextID    atomic.Uint64
	queueSize int
	logger    *slog.Logger
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
}

// New creates an event bus.
func New(logger *slog.Logger, queueSize int) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		typed:     make(map[domain.EventType][]*subscription),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Publish enqueues an event for matching typed subscribers and all-event
// subscribers. A subscriber whose queue is full misses the event.
func (b *Bus) Publish(ctx context.Context, event domain.BusEvent) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.typed[event.Type] {
		b.enqueue(ctx, event, sub)
	}
	for _, sub := range b.allSubs {
		b.enqueue(ctx, event, sub)
	}
}

// Dropped reports how many deliveries were discarded because a queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) enqueue(ctx context.Context, event domain.BusEvent, sub *subscription) {
	select {
	case sub.queue <- delivery{ctx: ctx, event: event}:
	default:
		b.dropped.Add(1)
		b.logger.Warn("event dropped: subscriber queue full",
			"event", string(event.Type),
			"subscription", sub.id,
		)
	}
}

func (b *Bus) serve(sub *subscription) {
	defer b.wg.Done()
	for d := range sub.queue {
		b.invoke(sub, d)
	}
}

func (b *Bus) invoke(sub *subscription, d delivery) {
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

func (b *Bus) newSubscription(handler domain.EventHandler) *subscription {
	sub := &subscription{
		id:      b.nextID.Add(1),
		handler: handler,
		queue:   make(chan delivery, b.queueSize),
	}
	b.wg.Add(1)
	go b.serve(sub)
	return sub
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return func() {}
	}
	sub := b.newSubscription(handler)
	b.typed[eventType] = append(b.typed[eventType], sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.typed[eventType]
			for i, s := range subs {
				if s.id == sub.id {
					b.typed[eventType] = append(subs[:i:i], subs[i+1:]...)
					close(s.queue)
					return
				}
			}
		})
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return func() {}
	}
	sub := b.newSubscription(handler)
	b.allSubs = append(b.allSubs, sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.allSubs {
				if s.id == sub.id {
					b.allSubs = append(b.allSubs[:i:i], b.allSubs[i+1:]...)
					close(s.queue)
					return
				}
			}
		})
	}
}

// Close prevents new publishes, lets every handler drain its queue and waits
// for them to finish. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed.Swap(true) {
		b.mu.Unlock()
		return
	}
	for t, subs := range b.typed {
		for _, s := range subs {
			close(s.queue)
		}
		delete(b.typed, t)
	}
	for _, s := range b.allSubs {
		close(s.queue)
	}
	b.allSubs = nil
	b.mu.Unlock()

	b.wg.Wait()
}
