// Package bus is the cross-process fan-out backbone. Every process publishes
// events to topics and re-delivers what it receives to its own connections.
package bus

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnavailable marks a publish or subscribe that did not reach the broker.
var ErrUnavailable = errors.New("bus unavailable")

// Envelope is the unit carried on the bus. Routing fields narrow delivery on
// the receiving process; an empty field means no restriction.
type Envelope struct {
	Event          string          `json:"event"`
	ConversationID string          `json:"conversationId,omitempty"`
	ToUser         string          `json:"toUser,omitempty"`
	ExceptUser     string          `json:"exceptUser,omitempty"`
	SkipConn       string          `json:"skipConn,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Payload: data}, nil
}

type Handler func(env Envelope)

type Bus interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Subscribe(ctx context.Context, topic string, h Handler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}

func ConversationTopic(conversationID string) string {
	return "conv:" + conversationID
}

func UserTopic(userID string) string {
	return "user:" + userID
}
