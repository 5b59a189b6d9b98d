package bus

import (
	"context"
	"log/slog"
	"sync"

	"chatrelay/internal/metrics"
)

type topic struct {
	mu   sync.Mutex
	subs map[Subscriber]struct{}
}

// LocalBus is an in-process topic registry. Subscribe and Unsubscribe
// mutate the registry under its write lock; Publish only holds the topic's
// own lock while it hands the frame to each subscriber, which keeps one
// ordered stream per topic.
type LocalBus struct {
	mu      sync.RWMutex
	topics  map[string]*topic
	closed  bool
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewLocalBus(log *slog.Logger, m *metrics.Metrics) *LocalBus {
	return &LocalBus{
		topics:  make(map[string]*topic),
		log:     log.With("component", "bus"),
		metrics: m,
	}
}

func (b *LocalBus) Publish(ctx context.Context, name string, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	t := b.topics[name]
	b.mu.RUnlock()
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subs {
		if !sub.Deliver(frame) {
			b.metrics.Dropped()
			b.log.Warn("frame dropped", "topic", name, "subscriber", sub.ID())
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(name string, sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[Subscriber]struct{})}
		b.topics[name] = t
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	b.log.Debug("subscribed", "topic", name, "subscriber", sub.ID())
	return nil
}

// Unsubscribe removes sub from the topic and drops the topic once it is
// empty. Unknown pairs are ignored.
func (b *LocalBus) Unsubscribe(name string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return
	}
	t.mu.Lock()
	delete(t.subs, sub)
	empty := len(t.subs) == 0
	t.mu.Unlock()
	if empty {
		delete(b.topics, name)
	}
	b.log.Debug("unsubscribed", "topic", name, "subscriber", sub.ID())
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.topics = make(map[string]*topic)
	return nil
}

func (b *LocalBus) TopicCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

func (b *LocalBus) SubscriberCount(name string) int {
	b.mu.RLock()
	t := b.topics[name]
	b.mu.RUnlock()
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
