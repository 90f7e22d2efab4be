// Package chattest provides an in-memory chat.Store that enforces the same
// uniqueness rules as the Postgres schema.
package chattest

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatsync/internal/chat"
)

type Store struct {
	mu sync.Mutex

	conversations map[string]*chat.Conversation
	participants  map[string]map[string]*chat.Participant // conversation -> user
	messages      map[string]*chat.Message
	byKey         map[string]string // conversation|clientMessageID -> message id
	receipts      map[string]map[string]chat.ReadReceipt
	direct        map[string]string // chat.DirectKey -> conversation id
	users         map[string]bool

	// Now stamps created_at; tests may replace it to force timestamp ties.
	Now func() time.Time
	// Fail, when set, is returned by every call.
	Fail error
}

var _ chat.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		conversations: make(map[string]*chat.Conversation),
		participants:  make(map[string]map[string]*chat.Participant),
		messages:      make(map[string]*chat.Message),
		byKey:         make(map[string]string),
		receipts:      make(map[string]map[string]chat.ReadReceipt),
		direct:        make(map[string]string),
		users:         make(map[string]bool),
		Now:           func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

func copyMessage(m *chat.Message) *chat.Message {
	c := *m
	return &c
}

func (s *Store) InsertMessage(_ context.Context, m *chat.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return false, s.Fail
	}
	if m.ClientMessageID != nil {
		k := m.ConversationID + "|" + *m.ClientMessageID
		if _, ok := s.byKey[k]; ok {
			return false, nil
		}
		s.byKey[k] = m.ID
	}
	now := s.Now()
	m.CreatedAt, m.UpdatedAt = now, now
	s.messages[m.ID] = copyMessage(m)
	return true, nil
}

func (s *Store) FindMessageByIdempotencyKey(_ context.Context, conversationID, clientMessageID string) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	id, ok := s.byKey[conversationID+"|"+clientMessageID]
	if !ok {
		return nil, chat.ErrNoRows
	}
	return copyMessage(s.messages[id]), nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, chat.ErrNoRows
	}
	return copyMessage(m), nil
}

func (s *Store) ListMessagesPage(_ context.Context, conversationID string, limit int, before *chat.Cursor) ([]*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}

	var out []*chat.Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID || m.DeletedAt != nil {
			continue
		}
		if before != nil {
			older := m.CreatedAt.Before(before.CreatedAt) ||
				(m.CreatedAt.Equal(before.CreatedAt) && m.ID < before.ID)
			if !older {
				continue
			}
		}
		out = append(out, copyMessage(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Before(out[i]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SoftDeleteMessage(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return false, s.Fail
	}
	m, ok := s.messages[id]
	if !ok || m.DeletedAt != nil {
		return false, nil
	}
	m.DeletedAt = &at
	m.UpdatedAt = at
	return true, nil
}

func (s *Store) UpsertParticipantLastRead(_ context.Context, conversationID, userID, messageID string, readAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return false, s.Fail
	}
	p, ok := s.participants[conversationID][userID]
	if !ok {
		return false, nil
	}
	m, ok := s.messages[messageID]
	if !ok || m.ConversationID != conversationID {
		return false, nil
	}
	if p.LastReadMessageID != nil {
		cur, ok := s.messages[*p.LastReadMessageID]
		if !ok || !cur.Before(m) {
			return false, nil
		}
	}
	id := messageID
	at := readAt
	p.LastReadMessageID = &id
	p.LastReadAt = &at
	return true, nil
}

func (s *Store) InsertReadReceipt(_ context.Context, r chat.ReadReceipt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return false, s.Fail
	}
	readers, ok := s.receipts[r.MessageID]
	if !ok {
		readers = make(map[string]chat.ReadReceipt)
		s.receipts[r.MessageID] = readers
	}
	if _, exists := readers[r.UserID]; exists {
		return false, nil
	}
	readers[r.UserID] = r
	return true, nil
}

func (s *Store) CountReadReceipts(_ context.Context, messageID string, limit int) (int, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, nil, s.Fail
	}
	m, ok := s.messages[messageID]
	if !ok {
		return 0, nil, nil
	}

	var list []chat.ReadReceipt
	for uid, r := range s.receipts[messageID] {
		if p, ok := s.participants[m.ConversationID][uid]; ok && p.Active {
			list = append(list, r)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].ReadAt.Equal(list[j].ReadAt) {
			return list[i].UserID < list[j].UserID
		}
		return list[i].ReadAt.Before(list[j].ReadAt)
	})

	var readers []string
	for i, r := range list {
		if i >= limit {
			break
		}
		readers = append(readers, r.UserID)
	}
	return len(list), readers, nil
}

// Receipts returns the number of stored receipts for a message, including
// those of departed participants.
func (s *Store) Receipts(messageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receipts[messageID])
}

// MessageCount returns the number of stored rows, deleted ones included.
func (s *Store) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *Store) TouchConversationActivity(_ context.Context, conversationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if c, ok := s.conversations[conversationID]; ok && at.After(c.LastActivityAt) {
		c.LastActivityAt = at
	}
	return nil
}

func (s *Store) GetConversation(_ context.Context, id string) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	c, ok := s.conversations[id]
	if !ok {
		return nil, chat.ErrNoRows
	}
	cp := *c
	return &cp, nil
}

// AddUsers registers user ids. Once any are registered, CreateConversation
// rejects ids it has not seen the way the users foreign key does.
func (s *Store) AddUsers(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.users[id] = true
	}
}

func (s *Store) CreateConversation(_ context.Context, c *chat.Conversation, participants []*chat.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if len(s.users) > 0 {
		if !s.users[c.CreatorID] {
			return chat.ErrUnknownUser
		}
		for _, p := range participants {
			if !s.users[p.UserID] {
				return chat.ErrUnknownUser
			}
		}
	}
	if c.Kind == chat.KindDirect && len(participants) == 2 {
		key := chat.DirectKey(participants[0].UserID, participants[1].UserID)
		if id, ok := s.direct[key]; ok && s.conversations[id].DeletedAt == nil {
			return chat.ErrDirectExists
		}
		s.direct[key] = c.ID
	}

	now := s.Now()
	c.CreatedAt, c.LastActivityAt = now, now
	cp := *c
	s.conversations[c.ID] = &cp

	members := make(map[string]*chat.Participant, len(participants))
	for _, p := range participants {
		pc := *p
		pc.ConversationID = c.ID
		members[p.UserID] = &pc
	}
	s.participants[c.ID] = members
	return nil
}

func (s *Store) FindDirectConversation(_ context.Context, userA, userB string) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	id, ok := s.direct[chat.DirectKey(userA, userB)]
	if !ok || s.conversations[id].DeletedAt != nil {
		return nil, chat.ErrNoRows
	}
	cp := *s.conversations[id]
	return &cp, nil
}

func (s *Store) GetParticipant(_ context.Context, conversationID, userID string) (*chat.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	p, ok := s.participants[conversationID][userID]
	if !ok {
		return nil, chat.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListParticipants(_ context.Context, conversationID string) ([]*chat.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	var out []*chat.Participant
	for _, p := range s.participants[conversationID] {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// SetActive flips a participant's active flag, simulating a member leaving.
func (s *Store) SetActive(conversationID, userID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[conversationID][userID]; ok {
		p.Active = active
	}
}

func (s *Store) CoParticipants(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	seen := make(map[string]bool)
	var out []string
	for id, members := range s.participants {
		me, ok := members[userID]
		if !ok || !me.Active || s.conversations[id].DeletedAt != nil {
			continue
		}
		for uid, p := range members {
			if uid == userID || !p.Active || seen[uid] {
				continue
			}
			seen[uid] = true
			out = append(out, uid)
		}
	}
	sort.Strings(out)
	return out, nil
}
