package bus

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"chatrelay/internal/metrics"
)

const flushTimeout = 2 * time.Second

// NATSBus shares topics between gateway processes. Frames are published
// only to NATS; each process holds one NATS subscription per topic that has
// local subscribers and hands what arrives to its LocalBus, so a process
// sees its own publishes the same way it sees everyone else's.
type NATSBus struct {
	nc     *nats.Conn
	owned  bool
	prefix string
	local  *LocalBus
	log    *slog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// ConnectNATS dials url and returns a bus that closes the connection on
// Close.
func ConnectNATS(url, prefix string, log *slog.Logger, m *metrics.Metrics) (*NATSBus, error) {
	log = log.With("component", "bus")
	nc, err := nats.Connect(url,
		nats.Name("chatrelay-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "bus.ConnectNATS")
	}
	b := NewNATSBus(nc, prefix, log, m)
	b.owned = true
	return b, nil
}

func NewNATSBus(nc *nats.Conn, prefix string, log *slog.Logger, m *metrics.Metrics) *NATSBus {
	return &NATSBus{
		nc:     nc,
		prefix: prefix,
		local:  NewLocalBus(log, m),
		log:    log.With("component", "bus"),
		subs:   make(map[string]*nats.Subscription),
	}
}

// Subject maps a topic to a NATS subject. Topic names may hold any bytes,
// so they are base64url encoded into a single subject token.
func (b *NATSBus) Subject(topic string) string {
	return b.prefix + ".topic." + base64.RawURLEncoding.EncodeToString([]byte(topic))
}

func (b *NATSBus) Publish(ctx context.Context, topic string, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.nc.Publish(b.Subject(topic), frame); err != nil {
		return errors.Wrap(err, "bus.NATSBus.Publish")
	}
	return nil
}

func (b *NATSBus) Subscribe(topic string, sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.local.Subscribe(topic, sub); err != nil {
		return err
	}
	if _, ok := b.subs[topic]; ok {
		return nil
	}
	ns, err := b.nc.Subscribe(b.Subject(topic), func(msg *nats.Msg) {
		if err := b.local.Publish(context.Background(), topic, msg.Data); err != nil && !errors.Is(err, ErrClosed) {
			b.log.Error("local delivery failed", "topic", topic, "error", err)
		}
	})
	if err != nil {
		b.local.Unsubscribe(topic, sub)
		return errors.Wrap(err, "bus.NATSBus.Subscribe")
	}
	b.subs[topic] = ns
	// Interest must reach the server before the session is reported open.
	if err := b.nc.FlushTimeout(flushTimeout); err != nil {
		b.log.Warn("nats flush after subscribe failed", "topic", topic, "error", err)
	}
	return nil
}

func (b *NATSBus) Unsubscribe(topic string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.local.Unsubscribe(topic, sub)
	if b.local.SubscriberCount(topic) > 0 {
		return
	}
	if ns, ok := b.subs[topic]; ok {
		if err := ns.Unsubscribe(); err != nil {
			b.log.Warn("nats unsubscribe failed", "topic", topic, "error", err)
		}
		delete(b.subs, topic)
	}
}

func (b *NATSBus) Close() error {
	b.mu.Lock()
	for topic, ns := range b.subs {
		_ = ns.Unsubscribe()
		delete(b.subs, topic)
	}
	b.mu.Unlock()
	_ = b.local.Close()
	if !b.owned {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return errors.Wrap(err, "bus.NATSBus.Close")
	}
	return nil
}

// TopicCount reports topics with local subscribers.
func (b *NATSBus) TopicCount() int {
	return b.local.TopicCount()
}
