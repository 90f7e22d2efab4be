package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"chatsync/internal/bus"
	"chatsync/internal/chat"
	"chatsync/internal/metrics"
	"chatsync/internal/presence"
)

// Registry maps connections to users and to the topics they watch on this
// process. A bus topic is subscribed when its first local watcher arrives
// and released when the last one leaves.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Client
	topics map[string]map[string]*Client // topic -> conn id -> client

	bus          bus.Bus
	participants chat.ParticipantChecker
	typing       *presence.Typing
	presence     *presence.Tracker
	log          *slog.Logger
}

func NewRegistry(b bus.Bus, participants chat.ParticipantChecker, typing *presence.Typing, tracker *presence.Tracker, log *slog.Logger) *Registry {
	return &Registry{
		conns:        make(map[string]*Client),
		topics:       make(map[string]map[string]*Client),
		bus:          b,
		participants: participants,
		typing:       typing,
		presence:     tracker,
		log:          log.With("component", "registry"),
	}
}

// Add registers an authenticated connection and joins its user topic.
func (r *Registry) Add(ctx context.Context, c *Client) {
	r.mu.Lock()
	r.conns[c.id] = c
	err := r.join(ctx, bus.UserTopic(c.userID), c)
	r.mu.Unlock()

	metrics.Connections.Inc()
	if err != nil {
		r.log.Warn("user topic subscribe failed", "user_id", c.userID, "error", err)
	}
	r.presence.Connect(c.userID)
}

// Subscribe admits c to a conversation after checking that its user is an
// active participant.
func (r *Registry) Subscribe(ctx context.Context, c *Client, conversationID string) error {
	ok, err := chat.IsActiveParticipant(ctx, r.participants, conversationID, c.userID)
	if err != nil {
		return chat.StorageUnavailable(err)
	}
	if !ok {
		return chat.NotInConversation("not a participant of this conversation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.id]; !ok {
		return chat.Unauthenticated("connection is not registered")
	}
	if err := r.join(ctx, bus.ConversationTopic(conversationID), c); err != nil {
		return chat.BusUnavailable(err)
	}
	return nil
}

func (r *Registry) Unsubscribe(ctx context.Context, c *Client, conversationID string) {
	r.mu.Lock()
	r.leave(ctx, bus.ConversationTopic(conversationID), c)
	r.mu.Unlock()
}

// IsSubscribed reports whether c currently watches the conversation.
func (r *Registry) IsSubscribed(c *Client, conversationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := c.topics[bus.ConversationTopic(conversationID)]
	return ok
}

// Remove detaches c from every topic, clears its typing entries and lets
// presence schedule the offline transition. Unknown connections are
// ignored, so calling it twice is harmless.
func (r *Registry) Remove(ctx context.Context, c *Client) {
	r.mu.Lock()
	if _, ok := r.conns[c.id]; !ok {
		r.mu.Unlock()
		return
	}
	for topic := range c.topics {
		r.leave(ctx, topic, c)
	}
	delete(r.conns, c.id)
	r.mu.Unlock()

	metrics.Connections.Dec()
	// Outside the lock: both may publish, and a local bus delivers inline.
	r.typing.ClearConnection(c.id)
	r.presence.Disconnect(c.userID)
}

// BroadcastLocal delivers env to the connections on this process that watch
// the conversation.
func (r *Registry) BroadcastLocal(conversationID string, env bus.Envelope) {
	r.deliver(bus.ConversationTopic(conversationID), env)
}

// join adds c to topic. Callers hold r.mu.
func (r *Registry) join(ctx context.Context, topic string, c *Client) error {
	watchers, ok := r.topics[topic]
	if !ok {
		if err := r.bus.Subscribe(ctx, topic, func(env bus.Envelope) { r.deliver(topic, env) }); err != nil {
			return err
		}
		watchers = make(map[string]*Client)
		r.topics[topic] = watchers
		metrics.BusTopics.Set(float64(len(r.topics)))
	}
	watchers[c.id] = c
	c.topics[topic] = struct{}{}
	return nil
}

// leave removes c from topic. Callers hold r.mu.
func (r *Registry) leave(ctx context.Context, topic string, c *Client) {
	delete(c.topics, topic)
	watchers, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(watchers, c.id)
	if len(watchers) > 0 {
		return
	}
	delete(r.topics, topic)
	metrics.BusTopics.Set(float64(len(r.topics)))
	if err := r.bus.Unsubscribe(ctx, topic); err != nil {
		r.log.Warn("bus unsubscribe failed", "topic", topic, "error", err)
	}
}

func (r *Registry) deliver(topic string, env bus.Envelope) {
	if env.Event == presence.EventUpdate && env.ToUser != "" && topic == bus.UserTopic(env.ToUser) {
		var u presence.Update
		if json.Unmarshal(env.Payload, &u) == nil && u.UserID == env.ToUser {
			// A user's own presence is never shown to them.
			r.presence.Reassert(u.UserID)
			return
		}
	}

	r.mu.RLock()
	targets := make([]*Client, 0, len(r.topics[topic]))
	for _, c := range r.topics[topic] {
		if env.SkipConn != "" && env.SkipConn == c.id {
			continue
		}
		if env.ToUser != "" && env.ToUser != c.userID {
			continue
		}
		if env.ExceptUser != "" && env.ExceptUser == c.userID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	frame, err := json.Marshal(Frame{Event: env.Event, Data: env.Payload})
	if err != nil {
		r.log.Error("encode delivery failed", "event", env.Event, "error", err)
		return
	}
	for _, c := range targets {
		c.enqueue(frame)
	}
}

// Topics returns the number of bus topics held by this process.
func (r *Registry) Topics() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// Connections returns the number of registered connections.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close drops every connection and releases all topics.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.conns))
	for _, c := range r.conns {
		clients = append(clients, c)
	}
	for topic := range r.topics {
		if err := r.bus.Unsubscribe(ctx, topic); err != nil {
			r.log.Warn("bus unsubscribe failed", "topic", topic, "error", err)
		}
	}
	r.topics = make(map[string]map[string]*Client)
	r.conns = make(map[string]*Client)
	r.mu.Unlock()

	metrics.BusTopics.Set(0)
	metrics.Connections.Sub(float64(len(clients)))
	for _, c := range clients {
		c.close()
	}
}
