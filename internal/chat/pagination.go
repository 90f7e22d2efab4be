package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Cursor is the resume point of a descending (createdAt, id) scan.
type Cursor struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
}

// EncodeCursor renders c as an opaque token.
func EncodeCursor(c Cursor) string {
	data, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(data)
}

// DecodeCursor returns nil for an empty, undecodable or incomplete token.
func DecodeCursor(token string) *Cursor {
	if token == "" {
		return nil
	}
	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil
	}
	if c.CreatedAt.IsZero() {
		return nil
	}
	if _, err := uuid.Parse(c.ID); err != nil {
		return nil
	}
	return &c
}

type Pager struct {
	store Store
	log   *slog.Logger
}

func NewPager(store Store, log *slog.Logger) *Pager {
	return &Pager{store: store, log: log.With("component", "pagination")}
}

// ListMessages returns one page of history, newest first. A malformed cursor
// restarts from the most recent message.
func (p *Pager) ListMessages(ctx context.Context, conversationID string, limit int, cursor string) (*Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	before := DecodeCursor(cursor)
	if before == nil && cursor != "" {
		p.log.Debug("ignoring malformed cursor", "conversation", conversationID)
	}

	rows, err := p.store.ListMessagesPage(ctx, conversationID, limit+1, before)
	if err != nil {
		return nil, StorageUnavailable(err)
	}

	page := &Page{Messages: rows}
	if len(rows) > limit {
		page.HasMore = true
		page.Messages = rows[:limit]
		last := page.Messages[limit-1]
		page.NextCursor = EncodeCursor(Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}
