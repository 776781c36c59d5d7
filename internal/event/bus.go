package event

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/HerbHall/icmpreceiver/internal/recovery"
)

var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)

type subscription struct {
	id uint64
	h  Handler
}

// Bus is a synchronous topic-based event bus. Handlers run on the
// publisher's goroutine for Publish and on a fresh goroutine for
// PublishAsync. A panicking handler is logged and does not affect others.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	topics map[string][]subscription
	all    []subscription
	nextID uint64
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger,
		topics: make(map[string][]subscription),
	}
}

// Subscribe registers h for topic.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, h: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.topics[topic] = remove(b.topics[topic], id)
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
}

// SubscribeAll registers h for every topic.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, h: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, id)
	}
}

// Publish delivers e to every matching handler before returning.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	for _, h := range b.handlers(e.Topic) {
		b.invoke(ctx, h, e)
	}
	return nil
}

// PublishAsync delivers e on a new goroutine per handler.
func (b *Bus) PublishAsync(ctx context.Context, e Event) {
	for _, h := range b.handlers(e.Topic) {
		go b.invoke(ctx, h, e)
	}
}

func (b *Bus) handlers(topic string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, 0, len(b.topics[topic])+len(b.all))
	for _, s := range b.topics[topic] {
		out = append(out, s.h)
	}
	for _, s := range b.all {
		out = append(out, s.h)
	}
	return out
}

func (b *Bus) invoke(ctx context.Context, h Handler, e Event) {
	defer recovery.RecoverWithLog(b.logger, "event:"+e.Topic)
	h(ctx, e)
}

func remove(subs []subscription, id uint64) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
