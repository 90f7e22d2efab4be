package realtime

import (
	"bytes"
	"encoding/json"

	"chatsync/internal/chat"
	"chatsync/internal/validation"
)

// Inbound frame names.
const (
	EventAuth        = "auth"
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventMessageSend = "message:send"
	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"
	EventHeartbeat   = "presence:heartbeat"
	EventReceiptRead = "receipt:read"
)

// Outbound frame names produced by this package. Domain events keep the
// names assigned by the chat and presence packages.
const (
	EventAuthSuccess  = "auth:success"
	EventAuthError    = "auth:error"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
)

// Frame is the wire shape in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is the closed set of client requests.
type Inbound interface {
	inbound()
}

type AuthRequest struct {
	Token string `json:"token" validate:"required"`
}

type SubscribeRequest struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
}

type UnsubscribeRequest struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
}

// SendRequest carries raw content; code point limits are enforced by the
// ingest pipeline.
type SendRequest struct {
	ConversationID  string  `json:"conversationId" validate:"required,uuid"`
	Content         string  `json:"content" validate:"required,max=16000"`
	ContentType     string  `json:"contentType" validate:"omitempty,oneof=text"`
	ClientMessageID string  `json:"clientMessageId" validate:"required,max=128"`
	ReplyToID       *string `json:"replyToId,omitempty" validate:"omitempty,uuid"`
}

type TypingStartRequest struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
}

type TypingStopRequest struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
}

type HeartbeatRequest struct {
	Status string `json:"status" validate:"required,oneof=online away"`
}

type ReadRequest struct {
	ConversationID    string  `json:"conversationId" validate:"required,uuid"`
	MessageID         string  `json:"messageId" validate:"required,uuid"`
	LastReadMessageID *string `json:"lastReadMessageId,omitempty" validate:"omitempty,uuid"`
}

func (AuthRequest) inbound()        {}
func (SubscribeRequest) inbound()   {}
func (UnsubscribeRequest) inbound() {}
func (SendRequest) inbound()        {}
func (TypingStartRequest) inbound() {}
func (TypingStopRequest) inbound()  {}
func (HeartbeatRequest) inbound()   {}
func (ReadRequest) inbound()        {}

func newInbound(event string) Inbound {
	switch event {
	case EventAuth:
		return &AuthRequest{}
	case EventSubscribe:
		return &SubscribeRequest{}
	case EventUnsubscribe:
		return &UnsubscribeRequest{}
	case EventMessageSend:
		return &SendRequest{}
	case EventTypingStart:
		return &TypingStartRequest{}
	case EventTypingStop:
		return &TypingStopRequest{}
	case EventHeartbeat:
		return &HeartbeatRequest{}
	case EventReceiptRead:
		return &ReadRequest{}
	}
	return nil
}

// Decode parses and validates one client frame. When the payload parses but
// fails validation the decoded value is returned alongside the error so the
// caller can echo identifiers such as clientMessageId.
func Decode(raw []byte) (Inbound, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, chat.Validation("malformed frame")
	}
	in := newInbound(f.Event)
	if in == nil {
		return nil, chat.Validation("unknown event " + f.Event)
	}
	data := bytes.TrimSpace(f.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, in); err != nil {
		return nil, chat.Validation("malformed " + f.Event + " payload")
	}
	if err := validation.Struct(in); err != nil {
		return in, chat.Validation(err.Error())
	}
	return in, nil
}

// Encode renders an outbound frame.
func Encode(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: payload})
}

type authSuccess struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	// HeartbeatInterval tells the client how often to send presence:heartbeat,
	// in milliseconds.
	HeartbeatInterval int64 `json:"heartbeatInterval"`
}

type authError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type subscription struct {
	ConversationID string `json:"conversationId"`
}
