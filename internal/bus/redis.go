package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const resubscribeBackoff = 500 * time.Millisecond

// Redis fans out over Redis pub/sub. A single PubSub connection carries every
// topic this process watches and one loop dispatches in arrival order.
type Redis struct {
	client *redis.Client
	log    *slog.Logger

	pubsub *redis.PubSub

	mu       sync.RWMutex
	handlers map[string]Handler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedis(client *redis.Client, log *slog.Logger) *Redis {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		client:   client,
		log:      log.With("component", "bus", "driver", "redis"),
		handlers: make(map[string]Handler),
		pubsub:   client.Subscribe(ctx),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Redis) Publish(ctx context.Context, topic string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, topic, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string, h Handler) error {
	r.mu.Lock()
	prev, existed := r.handlers[topic]
	r.handlers[topic] = h
	r.mu.Unlock()

	if err := r.pubsub.Subscribe(ctx, topic); err != nil {
		// A failed subscribe leaves nothing behind: PubSub remembers the
		// channel for its own reconnects, so drop it there as well.
		r.mu.Lock()
		if existed {
			r.handlers[topic] = prev
		} else {
			delete(r.handlers, topic)
		}
		r.mu.Unlock()
		if !existed {
			_ = r.pubsub.Unsubscribe(ctx, topic)
		}
		return fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, topic, err)
	}
	return nil
}

func (r *Redis) Unsubscribe(ctx context.Context, topic string) error {
	r.mu.Lock()
	delete(r.handlers, topic)
	r.mu.Unlock()

	if err := r.pubsub.Unsubscribe(ctx, topic); err != nil {
		return fmt.Errorf("%w: unsubscribe %s: %v", ErrUnavailable, topic, err)
	}
	return nil
}

// Topics returns the topics that currently have a handler.
func (r *Redis) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		topics = append(topics, t)
	}
	return topics
}

func (r *Redis) Close() error {
	r.cancel()
	err := r.pubsub.Close()
	<-r.done
	return err
}

func (r *Redis) run() {
	defer close(r.done)
	for {
		msg, err := r.pubsub.Receive(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			r.log.Warn("pubsub receive failed, resubscribing", "error", err)
			if !r.resubscribe() {
				return
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Message:
			r.dispatch(m.Channel, m.Payload)
		case *redis.Subscription:
			r.log.Debug("pubsub subscription", "kind", m.Kind, "topic", m.Channel, "count", m.Count)
		}
	}
}

// resubscribe re-issues SUBSCRIBE for every topic with a local handler after
// the connection dropped. Events published while disconnected are lost;
// clients recover them through history pagination.
func (r *Redis) resubscribe() bool {
	select {
	case <-r.ctx.Done():
		return false
	case <-time.After(resubscribeBackoff):
	}

	topics := r.Topics()
	if len(topics) == 0 {
		return true
	}
	if err := r.pubsub.Subscribe(r.ctx, topics...); err != nil {
		r.log.Warn("resubscribe failed", "topics", len(topics), "error", err)
		return true
	}
	r.log.Info("resubscribed", "topics", len(topics))
	return true
}

func (r *Redis) dispatch(topic, payload string) {
	r.mu.RLock()
	h, ok := r.handlers[topic]
	r.mu.RUnlock()
	if !ok {
		return
	}

	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn("dropping undecodable envelope", "topic", topic, "error", err)
		return
	}
	h(env)
}
