package bus

import (
	"context"
	"sync"
)

// Local is an in-process bus for single-node deployments and tests.
// Publish delivers synchronously, so per-topic order is the publish order.
type Local struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

func NewLocal() *Local {
	return &Local{handlers: make(map[string]Handler)}
}

func (l *Local) Publish(_ context.Context, topic string, env Envelope) error {
	l.mu.RLock()
	h, ok := l.handlers[topic]
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return ErrUnavailable
	}
	if ok {
		h(env)
	}
	return nil
}

func (l *Local) Subscribe(_ context.Context, topic string, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrUnavailable
	}
	l.handlers[topic] = h
	return nil
}

func (l *Local) Unsubscribe(_ context.Context, topic string) error {
	l.mu.Lock()
	delete(l.handlers, topic)
	l.mu.Unlock()
	return nil
}

// Subscribed reports whether topic currently has a handler.
func (l *Local) Subscribed(topic string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.handlers[topic]
	return ok
}

func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.handlers = make(map[string]Handler)
	l.mu.Unlock()
	return nil
}
