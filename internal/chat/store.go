package chat

import (
	"context"
	"errors"
	"time"
)

// Store is the storage gateway the core reads and writes through. The
// implementation must enforce uniqueness of (conversation, client message id)
// and of (message, user) read receipts.
type Store interface {
	// InsertMessage writes m and fills its server-assigned fields. created is
	// false, with a nil error, when the idempotency key is already taken.
	InsertMessage(ctx context.Context, m *Message) (created bool, err error)
	FindMessageByIdempotencyKey(ctx context.Context, conversationID, clientMessageID string) (*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	// ListMessagesPage returns up to limit non-deleted messages ordered by
	// (created_at, id) descending, strictly before the cursor when one is given.
	ListMessagesPage(ctx context.Context, conversationID string, limit int, before *Cursor) ([]*Message, error)
	SoftDeleteMessage(ctx context.Context, id string, at time.Time) (bool, error)

	// UpsertParticipantLastRead moves the participant's read pointer forward
	// to messageID. It never moves it backwards; advanced reports a change.
	UpsertParticipantLastRead(ctx context.Context, conversationID, userID, messageID string, readAt time.Time) (advanced bool, err error)
	// InsertReadReceipt ignores an existing (message, user) pair and reports
	// whether a new row was written.
	InsertReadReceipt(ctx context.Context, r ReadReceipt) (inserted bool, err error)
	// CountReadReceipts counts receipts from active participants and returns
	// up to limit reader ids in read order.
	CountReadReceipts(ctx context.Context, messageID string, limit int) (count int, readers []string, err error)

	TouchConversationActivity(ctx context.Context, conversationID string, at time.Time) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// CreateConversation writes c and its participants atomically. It fails
	// with ErrUnknownUser when any user id is missing and, for a direct
	// conversation, with ErrDirectExists when the pair already has one.
	CreateConversation(ctx context.Context, c *Conversation, participants []*Participant) error
	FindDirectConversation(ctx context.Context, userA, userB string) (*Conversation, error)
	GetParticipant(ctx context.Context, conversationID, userID string) (*Participant, error)
	ListParticipants(ctx context.Context, conversationID string) ([]*Participant, error)

	// CoParticipants lists users sharing at least one active conversation
	// with userID.
	CoParticipants(ctx context.Context, userID string) ([]string, error)
}

// ParticipantChecker is the narrow view the connection registry needs.
type ParticipantChecker interface {
	GetParticipant(ctx context.Context, conversationID, userID string) (*Participant, error)
}

// IsActiveParticipant reports whether userID may act in conversationID.
func IsActiveParticipant(ctx context.Context, s ParticipantChecker, conversationID, userID string) (bool, error) {
	p, err := s.GetParticipant(ctx, conversationID, userID)
	if errors.Is(err, ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Active, nil
}
