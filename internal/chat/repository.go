package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Repository is the Postgres implementation of Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

const messageColumns = `id, conversation_id, sender_id, content, content_type, reply_to_id,
	status, client_message_id, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	m := &Message{}
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.ContentType, &m.ReplyToID,
		&m.Status, &m.ClientMessageID, &m.CreatedAt, &m.UpdatedAt, &m.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Repository) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	// The unique (conversation_id, client_message_id) constraint resolves
	// concurrent duplicates; losers get no row back.
	query := `
		INSERT INTO messages (id, conversation_id, sender_id, content, content_type, reply_to_id, status, client_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (conversation_id, client_message_id) DO NOTHING
		RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.ContentType, m.ReplyToID, m.Status, m.ClientMessageID,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	return true, nil
}

func (r *Repository) FindMessageByIdempotencyKey(ctx context.Context, conversationID, clientMessageID string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1 AND client_message_id = $2`
	return scanMessage(r.db.QueryRowContext(ctx, query, conversationID, clientMessageID))
}

func (r *Repository) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	return scanMessage(r.db.QueryRowContext(ctx, query, id))
}

func (r *Repository) ListMessagesPage(ctx context.Context, conversationID string, limit int, before *Cursor) ([]*Message, error) {
	var beforeAt, beforeID any
	if before != nil {
		beforeAt, beforeID = before.CreatedAt, before.ID
	}

	// Keyset predicate on (created_at, id); deleted rows are filtered without
	// affecting where the next page starts.
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		  AND deleted_at IS NULL
		  AND ($2::timestamptz IS NULL OR (created_at, id) < ($2::timestamptz, $3::uuid))
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	rows, err := r.db.QueryContext(ctx, query, conversationID, beforeAt, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *Repository) SoftDeleteMessage(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return false, fmt.Errorf("soft delete message: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *Repository) UpsertParticipantLastRead(ctx context.Context, conversationID, userID, messageID string, readAt time.Time) (bool, error) {
	query := `
		UPDATE participants p
		SET last_read_message_id = m.id, last_read_at = $4
		FROM messages m
		WHERE p.conversation_id = $1
		  AND p.user_id = $2
		  AND m.id = $3
		  AND m.conversation_id = p.conversation_id
		  AND (p.last_read_message_id IS NULL OR (m.created_at, m.id) > (
		       SELECT cur.created_at, cur.id FROM messages cur WHERE cur.id = p.last_read_message_id))`

	res, err := r.db.ExecContext(ctx, query, conversationID, userID, messageID, readAt)
	if err != nil {
		return false, fmt.Errorf("update last read: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *Repository) InsertReadReceipt(ctx context.Context, rr ReadReceipt) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO read_receipts (message_id, user_id, read_at) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		rr.MessageID, rr.UserID, rr.ReadAt)
	if err != nil {
		return false, fmt.Errorf("insert read receipt: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *Repository) CountReadReceipts(ctx context.Context, messageID string, limit int) (int, []string, error) {
	query := `
		SELECT r.user_id
		FROM read_receipts r
		JOIN messages m ON m.id = r.message_id
		JOIN participants p ON p.conversation_id = m.conversation_id AND p.user_id = r.user_id AND p.active
		WHERE r.message_id = $1
		ORDER BY r.read_at, r.user_id`

	rows, err := r.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return 0, nil, fmt.Errorf("count read receipts: %w", err)
	}
	defer rows.Close()

	var (
		count   int
		readers []string
	)
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return 0, nil, err
		}
		if count < limit {
			readers = append(readers, uid)
		}
		count++
	}
	return count, readers, rows.Err()
}

func (r *Repository) TouchConversationActivity(ctx context.Context, conversationID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET last_activity_at = GREATEST(last_activity_at, $2) WHERE id = $1`, conversationID, at)
	return err
}

func (r *Repository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c := &Conversation{}
	var title sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT id, kind, title, creator_id, last_activity_at, created_at, deleted_at
		 FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.Kind, &title, &c.CreatorID, &c.LastActivityAt, &c.CreatedAt, &c.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	c.Title = title.String
	return c, nil
}

const foreignKeyViolation = "23503"

// storeError maps constraint violations onto the Store sentinels.
func storeError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return fmt.Errorf("%s: %w", op, ErrUnknownUser)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (r *Repository) CreateConversation(ctx context.Context, c *Conversation, participants []*Participant) error {
	var directKey sql.NullString
	if c.Kind == KindDirect && len(participants) == 2 {
		directKey = sql.NullString{String: DirectKey(participants[0].UserID, participants[1].UserID), Valid: true}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The partial unique index on direct_key lets only one live direct
	// conversation per pair through; the loser gets no row back.
	err = tx.QueryRowContext(ctx,
		`INSERT INTO conversations (id, kind, title, creator_id, direct_key) VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		 ON CONFLICT (direct_key) WHERE deleted_at IS NULL DO NOTHING
		 RETURNING created_at, last_activity_at`,
		c.ID, c.Kind, c.Title, c.CreatorID, directKey,
	).Scan(&c.CreatedAt, &c.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDirectExists
	}
	if err != nil {
		return storeError("insert conversation", err)
	}

	for _, p := range participants {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO participants (conversation_id, user_id, role, active) VALUES ($1, $2, $3, $4)`,
			c.ID, p.UserID, p.Role, p.Active)
		if err != nil {
			return storeError("insert participant", err)
		}
	}
	return tx.Commit()
}

func (r *Repository) FindDirectConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE direct_key = $1 AND deleted_at IS NULL`,
		DirectKey(userA, userB)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	return r.GetConversation(ctx, id)
}

const participantColumns = `conversation_id, user_id, role, active, last_read_message_id, last_read_at`

func (r *Repository) GetParticipant(ctx context.Context, conversationID, userID string) (*Participant, error) {
	p := &Participant{}
	err := r.db.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&p.ConversationID, &p.UserID, &p.Role, &p.Active, &p.LastReadMessageID, &p.LastReadAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Repository) ListParticipants(ctx context.Context, conversationID string) ([]*Participant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE conversation_id = $1 ORDER BY joined_at, user_id`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Participant
	for rows.Next() {
		p := &Participant{}
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.Role, &p.Active, &p.LastReadMessageID, &p.LastReadAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) CoParticipants(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT o.user_id
		FROM participants me
		JOIN conversations c ON c.id = me.conversation_id AND c.deleted_at IS NULL
		JOIN participants o ON o.conversation_id = me.conversation_id AND o.user_id <> me.user_id AND o.active
		WHERE me.user_id = $1 AND me.active`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
