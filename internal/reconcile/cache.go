// Package reconcile keeps a client's view of one conversation consistent
// while optimistic sends, server acks, broadcasts and history pages arrive in
// any order and possibly more than once.
package reconcile

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/chat"
)

// Entry is one row of the rendered list. Pending entries have no server id
// yet and are keyed by their client message id.
type Entry struct {
	chat.Message
	Pending bool
	// Failure is the last message:error seen for a pending entry.
	Failure *chat.MessageError

	seq uint64
}

// Cache merges optimistic entries with authoritative server state. Confirmed
// messages are deduplicated by id; a confirmation replaces the optimistic
// entry carrying the same client message id.
type Cache struct {
	conversationID string
	selfID         string

	mu        sync.Mutex
	confirmed map[string]*Entry // server id
	pending   map[string]*Entry // client message id
	byClient  map[string]string // client message id -> server id
	deleted   map[string]struct{}
	readCount map[string]int
	seq       uint64
	now       func() time.Time
}

func New(conversationID, selfID string) *Cache {
	return &Cache{
		conversationID: conversationID,
		selfID:         selfID,
		confirmed:      make(map[string]*Entry),
		pending:        make(map[string]*Entry),
		byClient:       make(map[string]string),
		deleted:        make(map[string]struct{}),
		readCount:      make(map[string]int),
		now:            time.Now,
	}
}

// AddOptimistic records a message the user just composed and returns it with
// its client message id filled in. The caller sends it with that id.
func (c *Cache) AddOptimistic(content string) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := uuid.NewString()
	c.seq++
	e := &Entry{
		Message: chat.Message{
			ConversationID:  c.conversationID,
			SenderID:        c.selfID,
			Content:         content,
			ContentType:     chat.ContentText,
			Status:          chat.StatusSending,
			ClientMessageID: &key,
			CreatedAt:       c.now().UTC(),
		},
		Pending: true,
		seq:     c.seq,
	}
	c.pending[key] = e
	return *e
}

// ApplyAck confirms the pending entry named by the ack. Acks for sends made
// from another device are ignored; their broadcast carries the content.
func (c *Cache) ApplyAck(ack chat.MessageSent) bool {
	if ack.ConversationID != c.conversationID {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[ack.ClientMessageID]
	if !ok {
		return false
	}
	delete(c.pending, ack.ClientMessageID)

	if _, gone := c.deleted[ack.MessageID]; gone {
		return true
	}
	if existing, ok := c.confirmed[ack.MessageID]; ok {
		// The broadcast won the race; it already holds the server fields.
		existing.seq = p.seq
		return true
	}
	msg := p.Message
	msg.ID = ack.MessageID
	msg.Status = ack.Status
	msg.CreatedAt = ack.Timestamp
	c.confirm(&Entry{Message: msg, seq: p.seq})
	return true
}

// ApplyReceived merges a broadcast. Redelivery of a known id is a no-op.
func (c *Cache) ApplyReceived(m *chat.Message) bool {
	if m == nil || m.ConversationID != c.conversationID {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.merge(m)
}

// ApplyError marks a pending entry failed. Errors for entries that were
// confirmed in the meantime are ignored.
func (c *Cache) ApplyError(ev chat.MessageError) bool {
	if ev.ClientMessageID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[ev.ClientMessageID]
	if !ok {
		return false
	}
	p.Status = chat.StatusError
	failure := ev
	p.Failure = &failure
	return true
}

// Retry puts a failed entry back into the sending state so it can be resent
// under the same client message id.
func (c *Cache) Retry(clientMessageID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[clientMessageID]
	if !ok || p.Status != chat.StatusError {
		return Entry{}, false
	}
	p.Status = chat.StatusSending
	p.Failure = nil
	return *p, true
}

// ApplyDeleted drops a soft-deleted message from the view. The id stays
// tombstoned so a late or redelivered broadcast cannot bring it back.
func (c *Cache) ApplyDeleted(ev chat.MessageDeleted) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deleted[ev.MessageID] = struct{}{}
	e, ok := c.confirmed[ev.MessageID]
	if !ok {
		return false
	}
	delete(c.confirmed, ev.MessageID)
	if e.ClientMessageID != nil {
		delete(c.byClient, *e.ClientMessageID)
	}
	return true
}

// ApplyReceipt marks one of our own messages read.
func (c *Cache) ApplyReceipt(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.confirmed[messageID]
	if !ok || e.SenderID != c.selfID || e.Status == chat.StatusRead {
		return false
	}
	e.Status = chat.StatusRead
	return true
}

// ApplyReceiptCount records a group read count. Counts published by
// different processes can arrive out of order, so only a higher count
// replaces the one held.
func (c *Cache) ApplyReceiptCount(ev chat.ReceiptCount) bool {
	if ev.ConversationID != c.conversationID {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.ReadCount <= c.readCount[ev.MessageID] {
		return false
	}
	c.readCount[ev.MessageID] = ev.ReadCount
	return true
}

// ReadCount returns the highest read count seen for a message.
func (c *Cache) ReadCount(messageID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readCount[messageID]
}

// MergeHistory folds a history page in. It is also how sends whose ack was
// lost across a reconnect get confirmed.
func (c *Cache) MergeHistory(messages []*chat.Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := 0
	for _, m := range messages {
		if m.ConversationID != c.conversationID || m.DeletedAt != nil {
			continue
		}
		if c.merge(m) {
			changed++
		}
	}
	return changed
}

// Apply routes a socket frame to the matching method. Frames for other
// events or conversations report false.
func (c *Cache) Apply(event string, data json.RawMessage) (bool, error) {
	switch event {
	case chat.EventMessageSent:
		var ack chat.MessageSent
		if err := json.Unmarshal(data, &ack); err != nil {
			return false, fmt.Errorf("decode %s: %w", event, err)
		}
		return c.ApplyAck(ack), nil
	case chat.EventMessageReceived:
		var ev chat.MessageReceived
		if err := json.Unmarshal(data, &ev); err != nil {
			return false, fmt.Errorf("decode %s: %w", event, err)
		}
		return c.ApplyReceived(ev.Message), nil
	case chat.EventMessageError:
		var ev chat.MessageError
		if err := json.Unmarshal(data, &ev); err != nil {
			return false, fmt.Errorf("decode %s: %w", event, err)
		}
		return c.ApplyError(ev), nil
	case chat.EventMessageDeleted:
		var ev chat.MessageDeleted
		if err := json.Unmarshal(data, &ev); err != nil {
			return false, fmt.Errorf("decode %s: %w", event, err)
		}
		if ev.ConversationID != c.conversationID {
			return false, nil
		}
		return c.ApplyDeleted(ev), nil
	case chat.EventReceiptUpdated:
		var ev chat.ReceiptUpdated
		if err := json.Unmarshal(data, &ev); err != nil {
			return false, fmt.Errorf("decode %s: %w", event, err)
		}
		if ev.ConversationID != c.conversationID {
			return false, nil
		}
		return c.ApplyReceipt(ev.MessageID), nil
	case chat.EventReceiptCount:
		var ev chat.ReceiptCount
		if err := json.Unmarshal(data, &ev); err != nil {
			return false, fmt.Errorf("decode %s: %w", event, err)
		}
		return c.ApplyReceiptCount(ev), nil
	}
	return false, nil
}

// Messages returns the rendered list: confirmed messages oldest first by
// (createdAt, id), then pending entries in the order they were composed.
func (c *Cache) Messages() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	confirmed := make([]Entry, 0, len(c.confirmed))
	for _, e := range c.confirmed {
		confirmed = append(confirmed, *e)
	}
	sort.Slice(confirmed, func(i, j int) bool {
		return confirmed[i].Message.Before(&confirmed[j].Message)
	})

	pending := c.pendingLocked()
	return append(confirmed, pending...)
}

// Pending returns the entries still awaiting confirmation, oldest first.
func (c *Cache) Pending() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

// Lookup finds an entry by client message id, pending or confirmed.
func (c *Cache) Lookup(clientMessageID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[clientMessageID]; ok {
		return *p, true
	}
	if id, ok := c.byClient[clientMessageID]; ok {
		if e, ok := c.confirmed[id]; ok {
			return *e, true
		}
	}
	return Entry{}, false
}

// Len returns the number of entries in the rendered list.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.confirmed) + len(c.pending)
}

func (c *Cache) pendingLocked() []Entry {
	out := make([]Entry, 0, len(c.pending))
	for _, e := range c.pending {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// merge inserts a server message, replacing the matching optimistic entry.
// Callers hold c.mu.
func (c *Cache) merge(m *chat.Message) bool {
	if _, gone := c.deleted[m.ID]; gone {
		// Deleted before its broadcast reached us; the pending copy goes too.
		if m.ClientMessageID != nil && m.SenderID == c.selfID {
			if _, ok := c.pending[*m.ClientMessageID]; ok {
				delete(c.pending, *m.ClientMessageID)
				return true
			}
		}
		return false
	}
	if existing, ok := c.confirmed[m.ID]; ok {
		// An ack may have confirmed it first with partial fields.
		if existing.UpdatedAt.IsZero() && !m.UpdatedAt.IsZero() {
			status := existing.Status
			existing.Message = *m
			if status == chat.StatusRead {
				existing.Status = status
			}
			return true
		}
		return false
	}

	e := &Entry{Message: *m}
	if m.ClientMessageID != nil && m.SenderID == c.selfID {
		if p, ok := c.pending[*m.ClientMessageID]; ok {
			delete(c.pending, *m.ClientMessageID)
			e.seq = p.seq
		}
	}
	c.confirm(e)
	return true
}

// confirm stores e as authoritative. Callers hold c.mu.
func (c *Cache) confirm(e *Entry) {
	e.Pending = false
	e.Failure = nil
	c.confirmed[e.ID] = e
	if e.ClientMessageID != nil {
		c.byClient[*e.ClientMessageID] = e.ID
	}
}
