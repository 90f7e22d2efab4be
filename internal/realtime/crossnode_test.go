package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/bus"
	"chatsync/internal/chat"
	"chatsync/internal/chat/chattest"
	"chatsync/internal/presence"
)

// newRedisNode builds one process worth of registry, tracker and emitter on
// a shared Redis.
func newRedisNode(t *testing.T, mr *miniredis.Miniredis, store *chattest.Store) *registryFixture {
	t.Helper()
	log := discardLogger()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := bus.NewRedis(client, log)
	emitter := NewBusEmitter(b, store, log)
	typing := presence.NewTyping(time.Minute, emitter)
	tracker := presence.NewTracker(presence.Config{HeartbeatTimeout: time.Minute, DisconnectGrace: 20 * time.Millisecond}, emitter, nil, log)
	reg := NewRegistry(b, store, typing, tracker, log)
	t.Cleanup(func() {
		reg.Close(context.Background())
		typing.Close()
		tracker.Close()
		b.Close()
		client.Close()
	})
	return &registryFixture{registry: reg, store: store, typing: typing, server: &Server{log: log}}
}

func presenceOf(frames []Frame, userID string) []presence.Status {
	var out []presence.Status
	for _, f := range frames {
		if f.Event != presence.EventUpdate {
			continue
		}
		var u presence.Update
		if json.Unmarshal(f.Data, &u) == nil && u.UserID == userID {
			out = append(out, u.Status)
		}
	}
	return out
}

func TestPresenceOfflineContradictedByLiveProcess(t *testing.T) {
	mr := miniredis.RunT(t)
	store := chattest.New()
	nodeA, nodeB := newRedisNode(t, mr, store), newRedisNode(t, mr, store)
	ctx := context.Background()

	user, watcher := uuid.NewString(), uuid.NewString()
	_, err := chat.NewConversations(store).StartDirect(ctx, user, watcher)
	require.NoError(t, err)

	w := nodeB.client(watcher)
	nodeB.registry.Add(ctx, w)
	onA, onB := nodeA.client(user), nodeB.client(user)
	nodeA.registry.Add(ctx, onA)
	nodeB.registry.Add(ctx, onB)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(bus.UserTopic(user))[bus.UserTopic(user)] == 2
	}, 2*time.Second, 10*time.Millisecond)

	// The user's only connection on A goes away; B still serves them.
	nodeA.registry.Remove(ctx, onA)

	var seen []presence.Status
	require.Eventually(t, func() bool {
		seen = append(seen, presenceOf(drain(w), user)...)
		for i, s := range seen {
			if s == presence.StatusOffline {
				return i < len(seen)-1 && seen[len(seen)-1] == presence.StatusOnline
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "watcher never saw offline followed by online")

	assert.Empty(t, presenceOf(drain(onB), user), "own presence is not echoed back")
}
