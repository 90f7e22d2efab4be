package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/bus"
	"chatsync/internal/chat"
	"chatsync/internal/presence"
	"chatsync/internal/ratelimit"
)

func TestDirectConversationEndToEnd(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice, a := h.connect(t)
	bob, b := h.connect(t)

	conv, err := h.convs.StartDirect(context.Background(), a, b)
	require.NoError(t, err)
	alice.subscribe(conv.ID)
	bob.subscribe(conv.ID)

	alice.send(EventMessageSend, SendRequest{ConversationID: conv.ID, Content: "hi", ClientMessageID: "c1"})

	sent := decodeData[chat.MessageSent](t, alice.waitFor(chat.EventMessageSent, fieldEquals("clientMessageId", "c1")))
	assert.Equal(t, chat.StatusDelivered, sent.Status)
	assert.Equal(t, conv.ID, sent.ConversationID)

	received := decodeData[chat.MessageReceived](t, bob.waitFor(chat.EventMessageReceived, nil))
	assert.Equal(t, "hi", received.Message.Content)
	require.NotNil(t, received.Message.ClientMessageID)
	assert.Equal(t, "c1", *received.Message.ClientMessageID)
	assert.Equal(t, sent.MessageID, received.Message.ID)

	// The sender sees the broadcast too and de-duplicates by clientMessageId.
	alice.waitFor(chat.EventMessageReceived, nil)

	bob.send(EventReceiptRead, ReadRequest{ConversationID: conv.ID, MessageID: sent.MessageID})
	receipt := decodeData[chat.ReceiptUpdated](t, alice.waitFor(chat.EventReceiptUpdated, nil))
	assert.Equal(t, sent.MessageID, receipt.MessageID)
	assert.Equal(t, b, receipt.UserID)
	assert.False(t, receipt.ReadAt.IsZero())

	assert.Zero(t, bob.count(chat.EventReceiptUpdated), "the reader is not notified of its own receipt")
	assert.Equal(t, 1, alice.count(chat.EventMessageSent), "the origin connection gets exactly one ack")
}

func TestAckReachesOtherDevicesOfSender(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	phone, a := h.connect(t)
	laptop := h.dial(t, h.tokens.issue(a))
	laptop.waitFor(EventAuthSuccess, nil)
	_, b := h.connect(t)

	conv, err := h.convs.StartDirect(context.Background(), a, b)
	require.NoError(t, err)
	phone.subscribe(conv.ID)

	phone.send(EventMessageSend, SendRequest{ConversationID: conv.ID, Content: "from phone", ClientMessageID: "p1"})
	phone.waitFor(chat.EventMessageSent, fieldEquals("clientMessageId", "p1"))
	laptop.waitFor(chat.EventMessageSent, fieldEquals("clientMessageId", "p1"))
}

func TestDuplicateSendOverSocket(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice, a := h.connect(t)
	_, b := h.connect(t)
	conv, err := h.convs.StartDirect(context.Background(), a, b)
	require.NoError(t, err)

	req := SendRequest{ConversationID: conv.ID, Content: "once", ClientMessageID: "dup"}
	alice.send(EventMessageSend, req)
	alice.send(EventMessageSend, req)

	require.Eventually(t, func() bool { return alice.count(chat.EventMessageSent) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.store.MessageCount())
}

func TestAuthenticateWithFrame(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	userID := uuid.NewString()
	p := h.dial(t, "")

	p.send(EventSubscribe, SubscribeRequest{ConversationID: uuid.NewString()})
	p.waitFor(EventAuthError, fieldEquals("code", chat.CodeUnauthenticated))

	p.send(EventAuth, AuthRequest{Token: "bogus"})
	require.Eventually(t, func() bool { return p.count(EventAuthError) == 2 }, 3*time.Second, 10*time.Millisecond)

	p.send(EventAuth, AuthRequest{Token: h.tokens.issue(userID)})
	ok := decodeData[authSuccess](t, p.waitFor(EventAuthSuccess, nil))
	assert.Equal(t, userID, ok.UserID)
	assert.Equal(t, presence.DefaultHeartbeatInterval.Milliseconds(), ok.HeartbeatInterval)
	assert.Equal(t, 1, h.registry.Connections())
}

func TestAuthSuccessAdvertisesHeartbeatInterval(t *testing.T) {
	h := newHarness(t, harnessOptions{heartbeat: 7 * time.Second})
	p := h.dial(t, h.tokens.issue(uuid.NewString()))
	ok := decodeData[authSuccess](t, p.waitFor(EventAuthSuccess, nil))
	assert.Equal(t, int64(7000), ok.HeartbeatInterval)
}

func TestAuthTimeoutClosesConnection(t *testing.T) {
	h := newHarness(t, harnessOptions{authTimeout: 100 * time.Millisecond})
	p := h.dial(t, "")

	p.waitFor(EventAuthError, fieldEquals("code", chat.CodeUnauthenticated))
	require.Eventually(t, p.isClosed, 3*time.Second, 10*time.Millisecond)
}

func TestErrorsKeepConnectionUsable(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice, a := h.connect(t)
	_, b := h.connect(t)
	conv, err := h.convs.StartDirect(context.Background(), a, b)
	require.NoError(t, err)

	stranger := uuid.NewString()
	other, err := h.convs.StartDirect(context.Background(), b, stranger)
	require.NoError(t, err)

	alice.send(EventSubscribe, SubscribeRequest{ConversationID: other.ID})
	alice.waitFor(chat.EventMessageError, fieldEquals("code", chat.CodeNotInConversation))

	alice.send(EventMessageSend, SendRequest{ConversationID: conv.ID, Content: "", ClientMessageID: "bad"})
	bad := decodeData[chat.MessageError](t, alice.waitFor(chat.EventMessageError, fieldEquals("clientMessageId", "bad")))
	assert.Equal(t, chat.CodeValidation, bad.Code)
	assert.False(t, bad.Retryable)

	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	require.Eventually(t, func() bool { return alice.count(chat.EventMessageError) == 3 }, 3*time.Second, 10*time.Millisecond)

	alice.subscribe(conv.ID)
	alice.send(EventMessageSend, SendRequest{ConversationID: conv.ID, Content: "still here", ClientMessageID: "ok"})
	alice.waitFor(chat.EventMessageSent, fieldEquals("clientMessageId", "ok"))
	assert.False(t, alice.isClosed())
}

func TestSendAcceptsEscapedAstralContent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice, a := h.connect(t)
	_, b := h.connect(t)
	conv, err := h.convs.StartDirect(context.Background(), a, b)
	require.NoError(t, err)
	alice.subscribe(conv.ID)

	// 4000 code points, each written as an escaped surrogate pair the way
	// ASCII-only JSON encoders emit them.
	content := strings.Repeat(`\ud83d\ude00`, chat.MaxContentLength)
	raw := `{"event":"message:send","data":{"conversationId":"` + conv.ID +
		`","content":"` + content + `","clientMessageId":"astral"}}`
	require.Greater(t, len(raw), 32<<10)
	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte(raw)))

	alice.waitFor(chat.EventMessageSent, fieldEquals("clientMessageId", "astral"))
	received := decodeData[chat.MessageReceived](t, alice.waitFor(chat.EventMessageReceived, nil))
	assert.Equal(t, chat.MaxContentLength, utf8.RuneCountInString(received.Message.Content))
	assert.False(t, alice.isClosed())
}

func TestSendRateLimited(t *testing.T) {
	policies := ratelimit.DefaultPolicies()
	policies[ratelimit.PolicyMessage] = ratelimit.Policy{Name: ratelimit.PolicyMessage, Limit: 2, Window: time.Minute, Block: 90 * time.Second}
	h := newHarness(t, harnessOptions{policies: policies})
	alice, a := h.connect(t)
	_, b := h.connect(t)
	conv, err := h.convs.StartDirect(context.Background(), a, b)
	require.NoError(t, err)

	for _, id := range []string{"r1", "r2", "r3"} {
		alice.send(EventMessageSend, SendRequest{ConversationID: conv.ID, Content: "x", ClientMessageID: id})
	}
	limited := decodeData[chat.MessageError](t, alice.waitFor(chat.EventMessageError, fieldEquals("clientMessageId", "r3")))
	assert.Equal(t, chat.CodeRateLimited, limited.Code)
	assert.True(t, limited.Retryable)
	assert.EqualValues(t, (90 * time.Second).Milliseconds(), limited.RetryAfter)
	assert.Equal(t, 2, h.store.MessageCount())
}

func TestTypingBroadcast(t *testing.T) {
	h := newHarness(t, harnessOptions{typingTimeout: 150 * time.Millisecond})
	alice, a := h.connect(t)
	bob, b := h.connect(t)
	conv, err := h.convs.StartDirect(context.Background(), a, b)
	require.NoError(t, err)

	alice.send(EventTypingStart, TypingStartRequest{ConversationID: conv.ID})
	alice.waitFor(chat.EventMessageError, fieldEquals("code", chat.CodeNotInConversation))

	alice.subscribe(conv.ID)
	bob.subscribe(conv.ID)

	alice.send(EventTypingStart, TypingStartRequest{ConversationID: conv.ID})
	alice.send(EventTypingStart, TypingStartRequest{ConversationID: conv.ID})

	started := decodeData[presence.TypingEvent](t, bob.waitFor(presence.EventTypingStarted, nil))
	assert.Equal(t, a, started.UserID)
	bob.waitFor(presence.EventTypingStopped, nil)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, bob.count(presence.EventTypingStarted))
	assert.Equal(t, 1, bob.count(presence.EventTypingStopped))
	assert.Zero(t, alice.count(presence.EventTypingStarted), "typists do not see their own indicator")
}

func TestDisconnectClearsTypingAndGoesOffline(t *testing.T) {
	h := newHarness(t, harnessOptions{disconnectGrace: 100 * time.Millisecond})
	alice, a := h.connect(t)
	bob, b := h.connect(t)
	conv, err := h.convs.StartDirect(context.Background(), a, b)
	require.NoError(t, err)
	alice.subscribe(conv.ID)
	bob.subscribe(conv.ID)

	alice.send(EventTypingStart, TypingStartRequest{ConversationID: conv.ID})
	bob.waitFor(presence.EventTypingStarted, nil)

	alice.conn.Close()
	bob.waitFor(presence.EventTypingStopped, nil)

	update := decodeData[presence.Update](t, bob.waitFor(presence.EventUpdate, fieldEquals("status", string(presence.StatusOffline))))
	assert.Equal(t, a, update.UserID)
	assert.NotNil(t, update.LastSeenAt)

	require.Eventually(t, func() bool { return h.registry.Connections() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestTopicsAreReleased(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice, a := h.connect(t)
	bob, b := h.connect(t)
	conv, err := h.convs.StartDirect(context.Background(), a, b)
	require.NoError(t, err)

	alice.subscribe(conv.ID)
	bob.subscribe(conv.ID)
	assert.True(t, h.bus.Subscribed(bus.ConversationTopic(conv.ID)))

	alice.send(EventUnsubscribe, UnsubscribeRequest{ConversationID: conv.ID})
	alice.waitFor(EventUnsubscribed, nil)
	assert.True(t, h.bus.Subscribed(bus.ConversationTopic(conv.ID)))

	bob.send(EventUnsubscribe, UnsubscribeRequest{ConversationID: conv.ID})
	bob.waitFor(EventUnsubscribed, nil)
	assert.False(t, h.bus.Subscribed(bus.ConversationTopic(conv.ID)))
}

func TestGroupReceiptCountsOverSocket(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sender, s := h.connect(t)
	readers := make([]*wsPeer, 4)
	ids := make([]string, 4)
	for i := range readers {
		readers[i], ids[i] = h.connect(t)
	}
	conv, err := h.convs.CreateGroup(context.Background(), s, "team", ids)
	require.NoError(t, err)
	sender.subscribe(conv.ID)

	sender.send(EventMessageSend, SendRequest{ConversationID: conv.ID, Content: "ship it", ClientMessageID: "g1"})
	sent := decodeData[chat.MessageSent](t, sender.waitFor(chat.EventMessageSent, nil))

	for i := 0; i < 3; i++ {
		readers[i].send(EventReceiptRead, ReadRequest{ConversationID: conv.ID, MessageID: sent.MessageID})
		want := i + 1
		sender.waitFor(chat.EventReceiptCount, func(raw json.RawMessage) bool {
			var rc chat.ReceiptCount
			return json.Unmarshal(raw, &rc) == nil && rc.ReadCount == want
		})
	}

	var last int
	sender.mu.Lock()
	for _, f := range sender.frames {
		if f.Event != chat.EventReceiptCount {
			continue
		}
		var rc chat.ReceiptCount
		require.NoError(t, json.Unmarshal(f.Data, &rc))
		assert.Greater(t, rc.ReadCount, last)
		assert.Equal(t, 4, rc.TotalParticipants)
		last = rc.ReadCount
	}
	sender.mu.Unlock()
	assert.Equal(t, 3, last)
}
