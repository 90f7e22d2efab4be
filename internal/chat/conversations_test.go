package chat_test

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/chat"
	"chatsync/internal/chat/chattest"
)

// lateStore hides existing direct conversations from the first misses
// lookups, the way two requests racing past the lookup see the table.
type lateStore struct {
	*chattest.Store
	misses atomic.Int32
}

func (s *lateStore) FindDirectConversation(ctx context.Context, userA, userB string) (*chat.Conversation, error) {
	if s.misses.Add(-1) >= 0 {
		return nil, chat.ErrNoRows
	}
	return s.Store.FindDirectConversation(ctx, userA, userB)
}

func TestStartDirectLosingRaceReturnsWinner(t *testing.T) {
	store := &lateStore{Store: chattest.New()}
	store.misses.Store(2)
	convs := chat.NewConversations(store)
	a, b := uuid.NewString(), uuid.NewString()

	first, err := convs.StartDirect(context.Background(), a, b)
	require.NoError(t, err)
	second, err := convs.StartDirect(context.Background(), b, a)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestStartDirectConcurrentCallersShareOneConversation(t *testing.T) {
	store := chattest.New()
	convs := chat.NewConversations(store)
	a, b := uuid.NewString(), uuid.NewString()

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			from, to := a, b
			if i%2 == 1 {
				from, to = b, a
			}
			conv, err := convs.StartDirect(context.Background(), from, to)
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}()
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestCreateConversationRejectsSecondDirect(t *testing.T) {
	store := chattest.New()
	a, b := uuid.NewString(), uuid.NewString()
	newDirect := func() (*chat.Conversation, []*chat.Participant) {
		c := &chat.Conversation{ID: uuid.NewString(), Kind: chat.KindDirect, CreatorID: a}
		return c, []*chat.Participant{
			{UserID: a, Role: chat.RoleOwner, Active: true},
			{UserID: b, Role: chat.RoleMember, Active: true},
		}
	}

	c, ps := newDirect()
	require.NoError(t, store.CreateConversation(context.Background(), c, ps))
	c, ps = newDirect()
	assert.ErrorIs(t, store.CreateConversation(context.Background(), c, ps), chat.ErrDirectExists)
}

func TestStartDirectUnknownTarget(t *testing.T) {
	store := chattest.New()
	a := uuid.NewString()
	store.AddUsers(a)
	convs := chat.NewConversations(store)

	_, err := convs.StartDirect(context.Background(), a, uuid.NewString())
	require.Error(t, err)
	e := chat.AsError(err)
	assert.Equal(t, chat.CodeNotFound, e.Code)
	assert.False(t, e.Retryable)
}

func TestCreateGroupUnknownMember(t *testing.T) {
	store := chattest.New()
	owner, member := uuid.NewString(), uuid.NewString()
	store.AddUsers(owner, member)
	convs := chat.NewConversations(store)

	_, err := convs.CreateGroup(context.Background(), owner, "team", []string{member, uuid.NewString()})
	require.Error(t, err)
	assert.Equal(t, chat.CodeValidation, chat.AsError(err).Code)

	conv, err := convs.CreateGroup(context.Background(), owner, "team", []string{member})
	require.NoError(t, err)
	assert.Equal(t, chat.KindGroup, conv.Kind)
}

func TestHandlerStartConversationUnknownTarget(t *testing.T) {
	f := newFixture()
	a := uuid.NewString()
	f.store.AddUsers(a)

	rec := call(t, f.router(), http.MethodPost, "/api/conversations", `{"targetId":"`+uuid.NewString()+`"}`, a)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, chat.CodeNotFound, codeOf(t, rec))
}
