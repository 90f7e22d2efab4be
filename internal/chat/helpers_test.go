package chat_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"chatsync/internal/bus"
	"chatsync/internal/chat"
	"chatsync/internal/chat/chattest"
)

type published struct {
	topic string
	env   bus.Envelope
}

// recordingBus captures publications instead of delivering them.
type recordingBus struct {
	mu   sync.Mutex
	sent []published
	fail error
}

func (b *recordingBus) Publish(_ context.Context, topic string, env bus.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.sent = append(b.sent, published{topic: topic, env: env})
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, bus.Handler) error { return nil }
func (b *recordingBus) Unsubscribe(context.Context, string) error            { return nil }
func (b *recordingBus) Close() error                                         { return nil }

func (b *recordingBus) events(name string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, p := range b.sent {
		if p.env.Event == name {
			out = append(out, p)
		}
	}
	return out
}

func decode[T any](t *testing.T, env bus.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store    *chattest.Store
	bus      *recordingBus
	pipeline *chat.Pipeline
	pager    *chat.Pager
	receipts *chat.Receipts
	convs    *chat.Conversations
}

func newFixture() *fixture {
	store := chattest.New()
	b := &recordingBus{}
	log := discardLogger()
	return &fixture{
		store:    store,
		bus:      b,
		pipeline: chat.NewPipeline(store, b, log),
		pager:    chat.NewPager(store, log),
		receipts: chat.NewReceipts(store, b, log),
		convs:    chat.NewConversations(store),
	}
}

func (f *fixture) direct(t *testing.T) (conv *chat.Conversation, a, b string) {
	t.Helper()
	a, b = uuid.NewString(), uuid.NewString()
	conv, err := f.convs.StartDirect(context.Background(), a, b)
	require.NoError(t, err)
	return conv, a, b
}

func (f *fixture) send(t *testing.T, convID, sender, content string) *chat.Ack {
	t.Helper()
	ack, err := f.pipeline.Submit(context.Background(), chat.SubmitRequest{
		SenderID:        sender,
		ConversationID:  convID,
		Content:         content,
		ClientMessageID: uuid.NewString(),
	})
	require.NoError(t, err)
	return ack
}
