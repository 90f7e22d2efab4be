package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS fans out over core NATS subjects. The client library re-establishes
// subscriptions itself after a reconnect.
type NATS struct {
	conn *nats.Conn
	log  *slog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func NewNATS(url string, log *slog.Logger) (*NATS, error) {
	log = log.With("component", "bus", "driver", "nats")
	conn, err := nats.Connect(url,
		nats.Name("chatsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{conn: conn, log: log, subs: make(map[string]*nats.Subscription)}, nil
}

func (n *NATS) Publish(_ context.Context, topic string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, topic, err)
	}
	return nil
}

func (n *NATS) Subscribe(_ context.Context, topic string, h Handler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if old, ok := n.subs[topic]; ok {
		_ = old.Unsubscribe()
	}

	sub, err := n.conn.Subscribe(topic, func(m *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			n.log.Warn("dropping undecodable envelope", "topic", topic, "error", err)
			return
		}
		h(env)
	})
	if err != nil {
		delete(n.subs, topic)
		return fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, topic, err)
	}
	n.subs[topic] = sub
	return nil
}

func (n *NATS) Unsubscribe(_ context.Context, topic string) error {
	n.mu.Lock()
	sub, ok := n.subs[topic]
	delete(n.subs, topic)
	n.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

func (n *NATS) Close() error {
	n.mu.Lock()
	n.subs = make(map[string]*nats.Subscription)
	n.mu.Unlock()
	return n.conn.Drain()
}
