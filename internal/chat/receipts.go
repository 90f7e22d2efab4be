package chat

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/bus"
)

const (
	// readByPreview bounds the reader list attached to receipt:count.
	readByPreview = 10
	countStripes  = 64
)

// Receipts records read marks and chooses the outbound event shape per
// conversation kind: one receipt:updated to the other party of a direct
// conversation, a receipt:count broadcast for groups.
type Receipts struct {
	store Store
	pub   publisher
	log   *slog.Logger
	now   func() time.Time

	// counting serializes count-then-publish per message so this process
	// never broadcasts a smaller count after a larger one.
	counting [countStripes]sync.Mutex
}

func NewReceipts(store Store, b bus.Bus, log *slog.Logger) *Receipts {
	log = log.With("component", "receipts")
	return &Receipts{store: store, pub: publisher{bus: b, log: log}, log: log, now: time.Now}
}

type MarkReadRequest struct {
	UserID            string
	ConversationID    string
	MessageID         string
	LastReadMessageID *string
}

// MarkRead is idempotent: a repeated mark stores nothing new and emits no
// event.
func (r *Receipts) MarkRead(ctx context.Context, req MarkReadRequest) error {
	ok, err := IsActiveParticipant(ctx, r.store, req.ConversationID, req.UserID)
	if err != nil {
		return StorageUnavailable(err)
	}
	if !ok {
		return NotParticipant("reader is not an active participant of the conversation")
	}

	msg, err := r.store.GetMessage(ctx, req.MessageID)
	if errors.Is(err, ErrNoRows) {
		return NotFound("message not found")
	}
	if err != nil {
		return StorageUnavailable(err)
	}
	if msg.ConversationID != req.ConversationID {
		return Validation("message belongs to another conversation")
	}

	readAt := r.now().UTC()

	pointer := req.MessageID
	if req.LastReadMessageID != nil && *req.LastReadMessageID != "" {
		pointer = *req.LastReadMessageID
	}
	if _, err := r.store.UpsertParticipantLastRead(ctx, req.ConversationID, req.UserID, pointer, readAt); err != nil {
		return StorageUnavailable(err)
	}

	// Senders never need a receipt for their own message.
	if msg.SenderID == req.UserID || msg.DeletedAt != nil {
		return nil
	}

	inserted, err := r.store.InsertReadReceipt(ctx, ReadReceipt{MessageID: msg.ID, UserID: req.UserID, ReadAt: readAt})
	if err != nil {
		return StorageUnavailable(err)
	}
	if !inserted {
		return nil
	}

	conv, err := r.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return StorageUnavailable(err)
	}

	switch conv.Kind {
	case KindDirect:
		return r.emitDirect(ctx, msg, req.UserID, readAt)
	default:
		return r.emitGroup(ctx, msg)
	}
}

func (r *Receipts) emitDirect(ctx context.Context, msg *Message, readerID string, readAt time.Time) error {
	participants, err := r.store.ListParticipants(ctx, msg.ConversationID)
	if err != nil {
		return StorageUnavailable(err)
	}
	ev := ReceiptUpdated{MessageID: msg.ID, ConversationID: msg.ConversationID, UserID: readerID, ReadAt: readAt}
	for _, p := range participants {
		if p.UserID == readerID || !p.Active {
			continue
		}
		r.pub.toUser(ctx, p.UserID, msg.ConversationID, EventReceiptUpdated, ev, nil)
	}
	return nil
}

func (r *Receipts) stripe(messageID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(messageID))
	return &r.counting[h.Sum32()%countStripes]
}

// emitGroup broadcasts the current count. Processes publish independently,
// so subscribers keep the highest count they have seen for a message.
func (r *Receipts) emitGroup(ctx context.Context, msg *Message) error {
	mu := r.stripe(msg.ID)
	mu.Lock()
	defer mu.Unlock()

	count, readers, err := r.store.CountReadReceipts(ctx, msg.ID, readByPreview)
	if err != nil {
		return StorageUnavailable(err)
	}
	participants, err := r.store.ListParticipants(ctx, msg.ConversationID)
	if err != nil {
		return StorageUnavailable(err)
	}

	// The audience is every active participant except the sender; departed
	// members are excluded from both the count and the total.
	total := 0
	for _, p := range participants {
		if p.Active && p.UserID != msg.SenderID {
			total++
		}
	}

	r.pub.toConversation(ctx, msg.ConversationID, EventReceiptCount, ReceiptCount{
		MessageID:         msg.ID,
		ConversationID:    msg.ConversationID,
		ReadCount:         count,
		TotalParticipants: total,
		ReadBy:            readers,
	}, nil)
	return nil
}
