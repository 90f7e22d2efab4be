// Package realtime is the socket surface: connection pumps, the typed frame
// protocol, the per-process connection registry and the dispatcher that
// routes client frames to the chat core.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chatsync/internal/chat"
	myMiddleware "chatsync/internal/middleware"
	"chatsync/internal/presence"
	"chatsync/internal/ratelimit"
)

type Config struct {
	// AuthTimeout bounds how long a connection may stay unauthenticated.
	AuthTimeout time.Duration
	// InboundRate and InboundBurst size the per-connection frame bucket.
	InboundRate  rate.Limit
	InboundBurst int
	// SendBuffer is the outbound queue length per connection.
	SendBuffer int
	// HeartbeatInterval is the cadence advertised to clients in auth:success.
	HeartbeatInterval time.Duration
	// CheckOrigin is passed to the upgrader. Nil allows every origin.
	CheckOrigin func(r *http.Request) bool
}

func DefaultConfig() Config {
	return Config{
		AuthTimeout:       10 * time.Second,
		InboundRate:       20,
		InboundBurst:      40,
		SendBuffer:        256,
		HeartbeatInterval: presence.DefaultHeartbeatInterval,
	}
}

// Deps are the collaborators the dispatcher routes frames to.
type Deps struct {
	Registry *Registry
	Pipeline *chat.Pipeline
	Receipts *chat.Receipts
	Limiter  *ratelimit.Limiter
	Typing   *presence.Typing
	Presence *presence.Tracker
	Tokens   myMiddleware.TokenValidator
}

type Server struct {
	cfg      Config
	registry *Registry
	pipeline *chat.Pipeline
	receipts *chat.Receipts
	limiter  *ratelimit.Limiter
	typing   *presence.Typing
	presence *presence.Tracker
	tokens   myMiddleware.TokenValidator
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewServer(cfg Config, d Deps, log *slog.Logger) *Server {
	def := DefaultConfig()
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = def.AuthTimeout
	}
	if cfg.InboundRate <= 0 {
		cfg.InboundRate = def.InboundRate
	}
	if cfg.InboundBurst <= 0 {
		cfg.InboundBurst = def.InboundBurst
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Server{
		cfg:      cfg,
		registry: d.Registry,
		pipeline: d.Pipeline,
		receipts: d.Receipts,
		limiter:  d.Limiter,
		typing:   d.Typing,
		presence: d.Presence,
		tokens:   d.Tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		log: log.With("component", "realtime"),
	}
}

// ServeWs upgrades the request. A user already identified by the auth
// middleware is attached at once; anyone else has AuthTimeout to send an
// auth frame.
func (s *Server) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("upgrade failed", "error", err)
		return
	}
	c := newClient(s, uuid.NewString(), conn)
	go c.writePump()

	if userID, username, ok := myMiddleware.UserFromContext(r.Context()); ok {
		s.authenticate(c, userID, username)
	} else {
		time.AfterFunc(s.cfg.AuthTimeout, func() {
			if !c.authed.Load() {
				c.emit(EventAuthError, authError{Error: "authentication timed out", Code: chat.CodeUnauthenticated})
				c.closeAfterFlush()
			}
		})
	}
	go c.readPump()
}

func (s *Server) welcome(userID, username string) authSuccess {
	return authSuccess{UserID: userID, Username: username, HeartbeatInterval: s.cfg.HeartbeatInterval.Milliseconds()}
}

func (s *Server) authenticate(c *Client, userID, username string) {
	c.userID, c.username = userID, username
	c.authed.Store(true)
	s.registry.Add(c.ctx, c)
	s.log.Debug("connection authenticated", "conn_id", c.id, "user_id", userID)
	c.emit(EventAuthSuccess, s.welcome(userID, username))
}

func (s *Server) disconnect(c *Client) {
	if c.authed.Load() {
		s.registry.Remove(context.Background(), c)
	}
}

// handle decodes one frame and routes it. Failures are reported to the
// client as error frames; the connection stays open.
func (s *Server) handle(c *Client, raw []byte) {
	if !c.inbound.Allow() {
		retry := time.Duration(float64(time.Second) / float64(s.cfg.InboundRate))
		s.fail(c, "", chat.RateLimited(retry), nil)
		return
	}

	in, err := Decode(raw)
	if err != nil {
		var clientMessageID string
		if send, ok := in.(*SendRequest); ok {
			clientMessageID = send.ClientMessageID
		}
		s.fail(c, clientMessageID, err, nil)
		return
	}

	if auth, ok := in.(*AuthRequest); ok {
		s.handleAuth(c, auth)
		return
	}
	if !c.authed.Load() {
		c.emit(EventAuthError, authError{Error: "authentication required", Code: chat.CodeUnauthenticated})
		return
	}

	switch v := in.(type) {
	case *SubscribeRequest:
		if err := s.registry.Subscribe(c.ctx, c, v.ConversationID); err != nil {
			s.fail(c, "", err, map[string]any{"conversationId": v.ConversationID})
			return
		}
		c.emit(EventSubscribed, subscription{ConversationID: v.ConversationID})

	case *UnsubscribeRequest:
		s.registry.Unsubscribe(c.ctx, c, v.ConversationID)
		s.typing.Stop(c.userID, v.ConversationID)
		c.emit(EventUnsubscribed, subscription{ConversationID: v.ConversationID})

	case *SendRequest:
		s.handleSend(c, v)

	case *TypingStartRequest:
		if !s.registry.IsSubscribed(c, v.ConversationID) {
			s.fail(c, "", chat.NotInConversation("subscribe before typing"), map[string]any{"conversationId": v.ConversationID})
			return
		}
		s.typing.Start(c.id, c.userID, v.ConversationID)

	case *TypingStopRequest:
		s.typing.Stop(c.userID, v.ConversationID)

	case *HeartbeatRequest:
		status, err := presence.ParseStatus(v.Status)
		if err != nil {
			s.fail(c, "", chat.Validation(err.Error()), nil)
			return
		}
		s.presence.Heartbeat(c.userID, status)

	case *ReadRequest:
		err := s.receipts.MarkRead(c.ctx, chat.MarkReadRequest{
			UserID:            c.userID,
			ConversationID:    v.ConversationID,
			MessageID:         v.MessageID,
			LastReadMessageID: v.LastReadMessageID,
		})
		if err != nil {
			s.fail(c, "", err, map[string]any{"conversationId": v.ConversationID, "messageId": v.MessageID})
		}
	}
}

func (s *Server) handleAuth(c *Client, req *AuthRequest) {
	userID, username, err := s.tokens.ValidateToken(req.Token)
	if err != nil || userID == "" {
		c.emit(EventAuthError, authError{Error: "invalid token", Code: chat.CodeUnauthenticated})
		return
	}
	if c.authed.Load() {
		if userID != c.userID {
			c.emit(EventAuthError, authError{Error: "connection already bound to another user", Code: chat.CodeUnauthenticated})
			return
		}
		c.emit(EventAuthSuccess, s.welcome(c.userID, c.username))
		return
	}
	s.authenticate(c, userID, username)
}

func (s *Server) handleSend(c *Client, req *SendRequest) {
	d, err := s.limiter.CheckAndIncrement(c.ctx, "user:"+c.userID, ratelimit.PolicyMessage)
	if err != nil {
		s.fail(c, req.ClientMessageID, err, nil)
		return
	}
	if !d.Allowed {
		s.fail(c, req.ClientMessageID, chat.RateLimited(d.RetryAfter), map[string]any{"conversationId": req.ConversationID})
		return
	}

	ack, err := s.pipeline.Submit(c.ctx, chat.SubmitRequest{
		SenderID:        c.userID,
		ConversationID:  req.ConversationID,
		Content:         req.Content,
		ContentType:     req.ContentType,
		ClientMessageID: req.ClientMessageID,
		ReplyToID:       req.ReplyToID,
		OriginConn:      c.id,
	})
	if err != nil {
		s.fail(c, req.ClientMessageID, err, map[string]any{"conversationId": req.ConversationID})
		return
	}
	c.emit(chat.EventMessageSent, ack.Event())
	s.typing.Stop(c.userID, req.ConversationID)
}

func (s *Server) fail(c *Client, clientMessageID string, err error, details map[string]any) {
	ev := chat.ErrorEvent(clientMessageID, err)
	ev.Context = details
	if ev.Code == chat.CodeInternal || ev.Code == chat.CodeStorageUnavailable {
		s.log.Error("socket request failed", "conn_id", c.id, "user_id", c.userID, "code", ev.Code, "error", err)
	}
	c.emit(chat.EventMessageError, ev)
}

// Close stops the trackers and drops every connection.
func (s *Server) Close(ctx context.Context) {
	s.typing.Close()
	s.presence.Close()
	s.registry.Close(ctx)
}
