package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chatsync/internal/bus"
	"chatsync/internal/metrics"
)

// Outbound events produced by the chat core.
const (
	EventMessageReceived = "message:received"
	EventMessageSent     = "message:sent"
	EventMessageError    = "message:error"
	EventMessageDeleted  = "message:deleted"
	EventReceiptUpdated  = "receipt:updated"
	EventReceiptCount    = "receipt:count"
)

type MessageReceived struct {
	Message *Message `json:"message"`
}

type MessageSent struct {
	ClientMessageID string        `json:"clientMessageId"`
	MessageID       string        `json:"messageId"`
	Status          MessageStatus `json:"status"`
	Timestamp       time.Time     `json:"timestamp"`
	ConversationID  string        `json:"conversationId"`
}

func (a *Ack) Event() MessageSent {
	return MessageSent{
		ClientMessageID: a.ClientMessageID,
		MessageID:       a.MessageID,
		Status:          a.Status,
		Timestamp:       a.Timestamp,
		ConversationID:  a.ConversationID,
	}
}

type MessageError struct {
	ClientMessageID string         `json:"clientMessageId,omitempty"`
	Code            string         `json:"code"`
	Message         string         `json:"message"`
	Retryable       bool           `json:"retryable"`
	RetryAfter      int64          `json:"retryAfter,omitempty"` // milliseconds
	Context         map[string]any `json:"context,omitempty"`
}

// ErrorEvent renders err as a message:error payload.
func ErrorEvent(clientMessageID string, err error) MessageError {
	e := AsError(err)
	ev := MessageError{
		ClientMessageID: clientMessageID,
		Code:            e.Code,
		Message:         e.Message,
		Retryable:       e.Retryable,
	}
	if e.RetryAfter > 0 {
		ev.RetryAfter = e.RetryAfter.Milliseconds()
	}
	return ev
}

type MessageDeleted struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	DeletedAt      time.Time `json:"deletedAt"`
}

type ReceiptUpdated struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

type ReceiptCount struct {
	MessageID         string   `json:"messageId"`
	ConversationID    string   `json:"conversationId"`
	ReadCount         int      `json:"readCount"`
	TotalParticipants int      `json:"totalParticipants"`
	ReadBy            []string `json:"readBy,omitempty"`
}

// publisher wraps the bus so fan-out failures are logged and counted but
// never surface to callers whose data is already durable.
type publisher struct {
	bus bus.Bus
	log *slog.Logger
}

func (p publisher) publish(ctx context.Context, topic string, env bus.Envelope) error {
	// Fan-out must outlive a caller that disconnects mid-request.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := p.bus.Publish(ctx, topic, env)
	if err != nil {
		metrics.FanoutPublishErrors.Inc()
		p.log.Warn("fan-out publish failed; message remains available via history",
			"topic", topic, "event", env.Event, "error", err, "bus_unavailable", errors.Is(err, bus.ErrUnavailable))
	}
	return err
}

func (p publisher) toConversation(ctx context.Context, conversationID, event string, payload any, mutate func(*bus.Envelope)) {
	env, err := bus.NewEnvelope(event, payload)
	if err != nil {
		p.log.Error("encode envelope", "event", event, "error", err)
		return
	}
	env.ConversationID = conversationID
	if mutate != nil {
		mutate(&env)
	}
	_ = p.publish(ctx, bus.ConversationTopic(conversationID), env)
}

func (p publisher) toUser(ctx context.Context, userID, conversationID, event string, payload any, mutate func(*bus.Envelope)) {
	env, err := bus.NewEnvelope(event, payload)
	if err != nil {
		p.log.Error("encode envelope", "event", event, "error", err)
		return
	}
	env.ConversationID = conversationID
	env.ToUser = userID
	if mutate != nil {
		mutate(&env)
	}
	_ = p.publish(ctx, bus.UserTopic(userID), env)
}
