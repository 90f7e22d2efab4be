package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer. A 4000 code point message whose
	// encoder escapes every code point as a \uXXXX surrogate pair takes
	// 48000 bytes before the envelope.
	maxMessageSize = 64 << 10
)

// Client is one socket connection. Frames flow in through readPump to the
// server's dispatcher and out through the send queue drained by writePump.
type Client struct {
	id     string
	server *Server
	conn   *websocket.Conn
	send   chan []byte

	// Flood guard for every inbound frame, independent of the distributed
	// per-user message policy.
	inbound *rate.Limiter

	userID   string
	username string
	authed   atomic.Bool

	// topics is guarded by the registry lock.
	topics map[string]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newClient(s *Server, id string, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:      id,
		server:  s,
		conn:    conn,
		send:    make(chan []byte, s.cfg.SendBuffer),
		inbound: rate.NewLimiter(s.cfg.InboundRate, s.cfg.InboundBurst),
		topics:  make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

// enqueue hands a frame to the write pump. A client whose queue is full is
// too slow to keep up and gets disconnected.
func (c *Client) enqueue(frame []byte) {
	select {
	case <-c.ctx.Done():
		return
	default:
	}
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
	default:
		c.server.log.Warn("send queue full, dropping connection", "conn_id", c.id, "user_id", c.userID)
		c.close()
	}
}

func (c *Client) emit(event string, data any) {
	frame, err := Encode(event, data)
	if err != nil {
		c.server.log.Error("encode frame failed", "event", event, "error", err)
		return
	}
	c.enqueue(frame)
}

// close is safe to call from any goroutine, any number of times.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.conn.Close()
	})
}

// readPump pumps messages from the websocket connection to the dispatcher.
func (c *Client) readPump() {
	defer func() {
		c.server.disconnect(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.Info("socket read error", "conn_id", c.id, "user_id", c.userID, "error", err)
			}
			return
		}
		c.server.handle(c, message)
	}
}

// write sends one frame. A nil frame is the flush-then-close marker.
func (c *Client) write(frame []byte) bool {
	if frame == nil {
		return false
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame) == nil
}

// closeAfterFlush closes the connection once every frame queued so far has
// been written.
func (c *Client) closeAfterFlush() {
	select {
	case c.send <- nil:
	case <-c.ctx.Done():
	default:
		c.close()
	}
}

// writePump pumps frames from the send queue to the websocket connection.
// Each frame is written as its own text message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			if !c.write(frame) {
				return
			}

			// Drain whatever queued up meanwhile before blocking again.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if !c.write(<-c.send) {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
