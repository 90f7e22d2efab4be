package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"chatsync/internal/bus"
	"chatsync/internal/metrics"
)

// Pipeline accepts message submissions exactly once per client message id,
// persists them and triggers fan-out.
type Pipeline struct {
	store Store
	pub   publisher
	log   *slog.Logger
	now   func() time.Time
}

func NewPipeline(store Store, b bus.Bus, log *slog.Logger) *Pipeline {
	log = log.With("component", "ingest")
	return &Pipeline{
		store: store,
		pub:   publisher{bus: b, log: log},
		log:   log,
		now:   time.Now,
	}
}

// Validate checks the content constraints of a submission.
func (r *SubmitRequest) Validate() error {
	n := utf8.RuneCountInString(r.Content)
	if n == 0 || strings.TrimSpace(r.Content) == "" {
		return Validation("content must not be empty")
	}
	if n > MaxContentLength {
		return Validation("content exceeds 4000 characters")
	}
	// Postgres text columns reject NUL and malformed UTF-8.
	if strings.ContainsRune(r.Content, 0) || !utf8.ValidString(r.Content) {
		return Validation("content contains invalid characters")
	}
	if r.ContentType != "" && r.ContentType != ContentText {
		return Validation("unsupported content type")
	}
	if r.ClientMessageID == "" {
		return Validation("clientMessageId is required")
	}
	return nil
}

// Submit persists a message and fans it out. Resubmitting a clientMessageId
// returns the ack of the stored message with Duplicate set and publishes
// nothing.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*Ack, error) {
	if err := req.Validate(); err != nil {
		metrics.MessagesIngested.WithLabelValues("rejected").Inc()
		return nil, err
	}

	ok, err := IsActiveParticipant(ctx, p.store, req.ConversationID, req.SenderID)
	if err != nil {
		metrics.MessagesIngested.WithLabelValues("error").Inc()
		return nil, StorageUnavailable(err)
	}
	if !ok {
		metrics.MessagesIngested.WithLabelValues("rejected").Inc()
		return nil, NotParticipant("sender is not an active participant of the conversation")
	}

	if req.ReplyToID != nil {
		if err := p.checkReplyTarget(ctx, req.ConversationID, *req.ReplyToID); err != nil {
			metrics.MessagesIngested.WithLabelValues("rejected").Inc()
			return nil, err
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, &Error{Code: CodeInternal, Message: "generate message id", Err: err}
	}
	key := req.ClientMessageID
	msg := &Message{
		ID:              id.String(),
		ConversationID:  req.ConversationID,
		SenderID:        req.SenderID,
		Content:         req.Content,
		ContentType:     ContentText,
		ReplyToID:       req.ReplyToID,
		Status:          StatusDelivered,
		ClientMessageID: &key,
	}

	// A client disconnecting mid-submission must not abort the write.
	writeCtx := context.WithoutCancel(ctx)

	created, err := p.store.InsertMessage(writeCtx, msg)
	if err != nil {
		metrics.MessagesIngested.WithLabelValues("error").Inc()
		p.log.Error("insert message failed", "conversation", req.ConversationID, "error", err)
		return nil, StorageUnavailable(err)
	}

	if !created {
		return p.duplicate(writeCtx, req)
	}

	metrics.MessagesIngested.WithLabelValues("created").Inc()

	if err := p.store.TouchConversationActivity(writeCtx, msg.ConversationID, msg.CreatedAt); err != nil {
		p.log.Warn("touch conversation activity failed", "conversation", msg.ConversationID, "error", err)
	}

	ack := ackFor(msg, false)

	p.pub.toUser(writeCtx, msg.SenderID, msg.ConversationID, EventMessageSent, ack.Event(), func(env *bus.Envelope) {
		env.SkipConn = req.OriginConn
	})
	p.pub.toConversation(writeCtx, msg.ConversationID, EventMessageReceived, MessageReceived{Message: msg}, nil)

	return ack, nil
}

func (p *Pipeline) duplicate(ctx context.Context, req SubmitRequest) (*Ack, error) {
	existing, err := p.store.FindMessageByIdempotencyKey(ctx, req.ConversationID, req.ClientMessageID)
	if err != nil {
		metrics.MessagesIngested.WithLabelValues("error").Inc()
		return nil, StorageUnavailable(err)
	}
	if existing.SenderID != req.SenderID {
		metrics.MessagesIngested.WithLabelValues("rejected").Inc()
		return nil, Validation("clientMessageId already used by another sender")
	}
	metrics.MessagesIngested.WithLabelValues("duplicate").Inc()
	p.log.Debug("duplicate submission collapsed", "conversation", req.ConversationID, "message", existing.ID)
	return ackFor(existing, true), nil
}

func (p *Pipeline) checkReplyTarget(ctx context.Context, conversationID, replyToID string) error {
	if _, err := uuid.Parse(replyToID); err != nil {
		return Validation("replyToId is not a valid id")
	}
	target, err := p.store.GetMessage(ctx, replyToID)
	if errors.Is(err, ErrNoRows) {
		return Validation("replyToId does not exist")
	}
	if err != nil {
		return StorageUnavailable(err)
	}
	if target.ConversationID != conversationID {
		return Validation("replyToId belongs to another conversation")
	}
	return nil
}

// Delete soft-deletes a message on behalf of its sender.
func (p *Pipeline) Delete(ctx context.Context, userID, messageID string) (*Message, error) {
	msg, err := p.store.GetMessage(ctx, messageID)
	if errors.Is(err, ErrNoRows) {
		return nil, NotFound("message not found")
	}
	if err != nil {
		return nil, StorageUnavailable(err)
	}
	if msg.SenderID != userID {
		return nil, NotParticipant("only the sender can delete a message")
	}
	if msg.DeletedAt != nil {
		return msg, nil
	}

	at := p.now().UTC()
	deleted, err := p.store.SoftDeleteMessage(ctx, messageID, at)
	if err != nil {
		return nil, StorageUnavailable(err)
	}
	if !deleted {
		return msg, nil
	}
	msg.DeletedAt = &at

	p.pub.toConversation(ctx, msg.ConversationID, EventMessageDeleted, MessageDeleted{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		DeletedAt:      at,
	}, nil)
	return msg, nil
}

func ackFor(m *Message, duplicate bool) *Ack {
	key := ""
	if m.ClientMessageID != nil {
		key = *m.ClientMessageID
	}
	return &Ack{
		MessageID:       m.ID,
		ClientMessageID: key,
		ConversationID:  m.ConversationID,
		Status:          StatusDelivered,
		Timestamp:       m.CreatedAt,
		Duplicate:       duplicate,
		Message:         m,
	}
}
