package realtime

import (
	"context"
	"log/slog"
	"time"

	"chatsync/internal/bus"
	"chatsync/internal/presence"
)

const emitTimeout = 5 * time.Second

// Audience lists the users allowed to observe a user's presence.
type Audience interface {
	CoParticipants(ctx context.Context, userID string) ([]string, error)
}

// BusEmitter publishes typing and presence transitions on the bus so every
// process delivers them to its own connections.
type BusEmitter struct {
	bus      bus.Bus
	audience Audience
	log      *slog.Logger
}

var _ presence.Emitter = (*BusEmitter)(nil)

func NewBusEmitter(b bus.Bus, audience Audience, log *slog.Logger) *BusEmitter {
	return &BusEmitter{bus: b, audience: audience, log: log.With("component", "presence_emitter")}
}

func (e *BusEmitter) TypingChanged(ev presence.TypingEvent, typing bool) {
	name := presence.EventTypingStopped
	if typing {
		name = presence.EventTypingStarted
	}
	env, err := bus.NewEnvelope(name, ev)
	if err != nil {
		e.log.Error("encode typing event failed", "error", err)
		return
	}
	env.ConversationID = ev.ConversationID
	env.ExceptUser = ev.UserID

	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	if err := e.bus.Publish(ctx, bus.ConversationTopic(ev.ConversationID), env); err != nil {
		e.log.Warn("typing publish failed", "conversation_id", ev.ConversationID, "error", err)
	}
}

func (e *BusEmitter) PresenceChanged(u presence.Update) {
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()

	observers, err := e.audience.CoParticipants(ctx, u.UserID)
	if err != nil {
		e.log.Warn("presence audience lookup failed", "user_id", u.UserID, "error", err)
		return
	}
	env, err := bus.NewEnvelope(presence.EventUpdate, u)
	if err != nil {
		e.log.Error("encode presence event failed", "error", err)
		return
	}
	// Offline also goes to the user's own topic so processes still serving
	// the user can contradict it.
	if u.Status == presence.StatusOffline {
		observers = append(observers, u.UserID)
	}
	for _, o := range observers {
		env.ToUser = o
		if err := e.bus.Publish(ctx, bus.UserTopic(o), env); err != nil {
			e.log.Warn("presence publish failed", "user_id", u.UserID, "observer", o, "error", err)
		}
	}
}
