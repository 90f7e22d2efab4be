package chat

import (
	"time"
)

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusError     MessageStatus = "error"
)

const (
	ContentText = "text"

	MaxContentLength = 4000
)

type Conversation struct {
	ID             string           `json:"id"`
	Kind           ConversationKind `json:"kind"`
	Title          string           `json:"title,omitempty"`
	CreatorID      string           `json:"creatorId"`
	LastActivityAt time.Time        `json:"lastActivityAt"`
	CreatedAt      time.Time        `json:"createdAt"`
	DeletedAt      *time.Time       `json:"deletedAt,omitempty"`
}

type Participant struct {
	ConversationID    string     `json:"conversationId"`
	UserID            string     `json:"userId"`
	Role              Role       `json:"role"`
	Active            bool       `json:"active"`
	LastReadMessageID *string    `json:"lastReadMessageId,omitempty"`
	LastReadAt        *time.Time `json:"lastReadAt,omitempty"`
}

// Message is a persisted chat message. ID and CreatedAt are assigned when the
// row is written and together define the authoritative order.
type Message struct {
	ID              string        `json:"id"`
	ConversationID  string        `json:"conversationId"`
	SenderID        string        `json:"senderId"`
	Content         string        `json:"content"`
	ContentType     string        `json:"contentType"`
	ReplyToID       *string       `json:"replyToId,omitempty"`
	Status          MessageStatus `json:"status"`
	ClientMessageID *string       `json:"clientMessageId,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
	DeletedAt       *time.Time    `json:"deletedAt,omitempty"`
}

// Before reports whether m sorts strictly before (older than) o in the
// (createdAt, id) order.
func (m *Message) Before(o *Message) bool {
	if m.CreatedAt.Equal(o.CreatedAt) {
		return m.ID < o.ID
	}
	return m.CreatedAt.Before(o.CreatedAt)
}

type ReadReceipt struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}

// Ack is the authoritative acknowledgment of a submission. Duplicate is set
// when the idempotency key already mapped to a stored message.
type Ack struct {
	MessageID       string        `json:"messageId"`
	ClientMessageID string        `json:"clientMessageId"`
	ConversationID  string        `json:"conversationId"`
	Status          MessageStatus `json:"status"`
	Timestamp       time.Time     `json:"timestamp"`
	Duplicate       bool          `json:"-"`
	Message         *Message      `json:"-"`
}

// ---------------------------------------------
// ⚡ Request Models
// ---------------------------------------------

type SubmitRequest struct {
	SenderID        string
	ConversationID  string
	Content         string
	ContentType     string
	ClientMessageID string
	ReplyToID       *string
	// OriginConn is the connection that submitted the message; it already
	// gets its ack directly and is skipped when the ack is fanned out.
	OriginConn string
}

type StartConversationRequest struct {
	TargetID string `json:"targetId" validate:"required,uuid"`
}

type CreateGroupRequest struct {
	Title     string   `json:"title" validate:"required,min=1,max=200"`
	MemberIDs []string `json:"memberIds" validate:"required,min=1,dive,uuid"`
}

type Page struct {
	Messages   []*Message `json:"messages"`
	NextCursor string     `json:"nextCursor,omitempty"`
	HasMore    bool       `json:"hasMore"`
}
