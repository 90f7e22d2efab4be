package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"chatsync/internal/bus"
	"chatsync/internal/chat"
	"chatsync/internal/chat/chattest"
	myMiddleware "chatsync/internal/middleware"
	"chatsync/internal/presence"
	"chatsync/internal/ratelimit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tokenTable resolves "token-<user>" style tokens issued by the harness.
type tokenTable struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (tt *tokenTable) issue(userID string) string {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tok := "token-" + userID
	tt.tokens[tok] = userID
	return tok
}

func (tt *tokenTable) ValidateToken(token string) (string, string, error) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if id, ok := tt.tokens[token]; ok {
		return id, "user-" + id[:8], nil
	}
	return "", "", errors.New("unknown token")
}

type harness struct {
	store    *chattest.Store
	bus      *bus.Local
	convs    *chat.Conversations
	registry *Registry
	server   *Server
	tokens   *tokenTable
	http     *httptest.Server
}

type harnessOptions struct {
	typingTimeout   time.Duration
	disconnectGrace time.Duration
	authTimeout     time.Duration
	heartbeat       time.Duration
	policies        map[string]ratelimit.Policy
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.typingTimeout == 0 {
		opts.typingTimeout = time.Minute
	}
	if opts.disconnectGrace == 0 {
		opts.disconnectGrace = time.Minute
	}
	if opts.policies == nil {
		opts.policies = ratelimit.DefaultPolicies()
	}

	log := discardLogger()
	store := chattest.New()
	b := bus.NewLocal()

	emitter := NewBusEmitter(b, store, log)
	typing := presence.NewTyping(opts.typingTimeout, emitter)
	tracker := presence.NewTracker(presence.Config{HeartbeatTimeout: time.Minute, DisconnectGrace: opts.disconnectGrace}, emitter, nil, log)
	registry := NewRegistry(b, store, typing, tracker, log)
	tokens := &tokenTable{tokens: make(map[string]string)}

	srv := NewServer(Config{AuthTimeout: opts.authTimeout, HeartbeatInterval: opts.heartbeat}, Deps{
		Registry: registry,
		Pipeline: chat.NewPipeline(store, b, log),
		Receipts: chat.NewReceipts(store, b, log),
		Limiter:  ratelimit.NewLimiter(ratelimit.NewMemoryStore(), opts.policies, false, log),
		Typing:   typing,
		Presence: tracker,
		Tokens:   tokens,
	}, log)

	auth := myMiddleware.NewAuthMiddleware(tokens)
	ts := httptest.NewServer(auth.Identify(http.HandlerFunc(srv.ServeWs)))
	t.Cleanup(func() {
		srv.Close(context.Background())
		ts.Close()
	})

	return &harness{
		store:    store,
		bus:      b,
		convs:    chat.NewConversations(store),
		registry: registry,
		server:   srv,
		tokens:   tokens,
		http:     ts,
	}
}

// wsPeer is a test-side socket that records every frame it receives.
type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn

	mu     sync.Mutex
	frames []Frame
	closed bool
	notify chan struct{}
}

func (h *harness) dial(t *testing.T, token string) *wsPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	p := &wsPeer{t: t, conn: conn, notify: make(chan struct{}, 1)}
	go p.read()
	t.Cleanup(func() { conn.Close() })
	return p
}

// connect dials as a fresh user and waits for auth:success.
func (h *harness) connect(t *testing.T) (*wsPeer, string) {
	t.Helper()
	userID := uuid.NewString()
	p := h.dial(t, h.tokens.issue(userID))
	p.waitFor(EventAuthSuccess, nil)
	return p, userID
}

func (p *wsPeer) read() {
	for {
		_, raw, err := p.conn.ReadMessage()
		p.mu.Lock()
		if err != nil {
			p.closed = true
			p.mu.Unlock()
			p.signal()
			return
		}
		var f Frame
		if json.Unmarshal(raw, &f) == nil {
			p.frames = append(p.frames, f)
		}
		p.mu.Unlock()
		p.signal()
	}
}

func (p *wsPeer) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *wsPeer) send(event string, data any) {
	p.t.Helper()
	raw, err := Encode(event, data)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, raw))
}

// waitFor returns the first frame named event whose payload satisfies match.
func (p *wsPeer) waitFor(event string, match func(json.RawMessage) bool) Frame {
	p.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if f, ok := p.find(event, match); ok {
			return f
		}
		select {
		case <-p.notify:
		case <-deadline:
			p.t.Fatalf("timed out waiting for %s; got %v", event, p.events())
			return Frame{}
		}
	}
}

func (p *wsPeer) find(event string, match func(json.RawMessage) bool) (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.frames {
		if f.Event == event && (match == nil || match(f.Data)) {
			return f, true
		}
	}
	return Frame{}, false
}

func (p *wsPeer) count(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, f := range p.frames {
		if f.Event == event {
			n++
		}
	}
	return n
}

func (p *wsPeer) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.frames))
	for _, f := range p.frames {
		out = append(out, f.Event)
	}
	return out
}

func (p *wsPeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *wsPeer) subscribe(conversationID string) {
	p.t.Helper()
	p.send(EventSubscribe, SubscribeRequest{ConversationID: conversationID})
	p.waitFor(EventSubscribed, fieldEquals("conversationId", conversationID))
}

func fieldEquals(field, want string) func(json.RawMessage) bool {
	return func(raw json.RawMessage) bool {
		var m map[string]any
		if json.Unmarshal(raw, &m) != nil {
			return false
		}
		got, _ := m[field].(string)
		return got == want
	}
}

func decodeData[T any](t *testing.T, f Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}
