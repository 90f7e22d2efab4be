package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Conversations creates conversations while upholding the participant
// invariants: a direct conversation has exactly two members, a group has a
// title, and every conversation has an owner.
type Conversations struct {
	store Store
}

func NewConversations(store Store) *Conversations {
	return &Conversations{store: store}
}

// DirectKey identifies the unordered pair of users in a direct conversation.
func DirectKey(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + ":" + userB
}

// StartDirect finds the direct conversation between two users or creates it.
// Concurrent callers for the same pair all get the one conversation the
// store let through.
func (c *Conversations) StartDirect(ctx context.Context, userID, targetID string) (*Conversation, error) {
	if userID == targetID {
		return nil, Validation("cannot start a conversation with yourself")
	}

	existing, err := c.store.FindDirectConversation(ctx, userID, targetID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNoRows) {
		return nil, StorageUnavailable(err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	conv := &Conversation{ID: id.String(), Kind: KindDirect, CreatorID: userID}
	participants := []*Participant{
		{ConversationID: conv.ID, UserID: userID, Role: RoleOwner, Active: true},
		{ConversationID: conv.ID, UserID: targetID, Role: RoleMember, Active: true},
	}
	err = c.store.CreateConversation(ctx, conv, participants)
	switch {
	case err == nil:
		return conv, nil
	case errors.Is(err, ErrDirectExists):
		existing, err := c.store.FindDirectConversation(ctx, userID, targetID)
		if err != nil {
			return nil, StorageUnavailable(err)
		}
		return existing, nil
	case errors.Is(err, ErrUnknownUser):
		return nil, NotFound("user not found")
	default:
		return nil, StorageUnavailable(err)
	}
}

// CreateGroup creates a titled group owned by creatorID.
func (c *Conversations) CreateGroup(ctx context.Context, creatorID, title string, memberIDs []string) (*Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, Validation("group conversations require a title")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	conv := &Conversation{ID: id.String(), Kind: KindGroup, Title: title, CreatorID: creatorID}

	seen := map[string]bool{creatorID: true}
	participants := []*Participant{{ConversationID: conv.ID, UserID: creatorID, Role: RoleOwner, Active: true}}
	for _, m := range memberIDs {
		if seen[m] {
			continue
		}
		seen[m] = true
		participants = append(participants, &Participant{ConversationID: conv.ID, UserID: m, Role: RoleMember, Active: true})
	}

	if err := c.store.CreateConversation(ctx, conv, participants); err != nil {
		if errors.Is(err, ErrUnknownUser) {
			return nil, Validation("memberIds contains an unknown user")
		}
		return nil, StorageUnavailable(err)
	}
	return conv, nil
}
