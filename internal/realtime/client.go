package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	FrameConnected    = "connection_established"
	FrameSubscribe    = "subscribe"
	FrameSubscribed   = "subscription_succeeded"
	FrameUnsubscribe  = "unsubscribe"
	FramePing         = "ping"
	FramePong         = "pong"
	FrameEvent        = "event"
	FrameError        = "error"
	sendBufferSize    = 256
	inboundFramesRate = 20
)

// Frame is the JSON unit exchanged with sockets in both directions.
type Frame struct {
	Type     string          `json:"type"`
	SocketID string          `json:"socket_id,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Event    string          `json:"event,omitempty"`
	Auth     string          `json:"auth,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Client is one websocket connection.
type Client struct {
	conn     *websocket.Conn
	gw       *Gateway
	socketID string
	userID   string
	limiter  *rate.Limiter

	mu     sync.Mutex
	send   chan []byte
	subs   map[string]struct{}
	closed bool
}

func newClient(conn *websocket.Conn, gw *Gateway, socketID, userID string) *Client {
	return &Client{
		conn:     conn,
		gw:       gw,
		socketID: socketID,
		userID:   userID,
		limiter:  rate.NewLimiter(rate.Limit(inboundFramesRate), inboundFramesRate*2),
		send:     make(chan []byte, sendBufferSize),
		subs:     make(map[string]struct{}),
	}
}

func (c *Client) SocketID() string { return c.socketID }

// enqueue never blocks. It reports false when the buffer is full or the
// client is already closed.
func (c *Client) enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *Client) reply(f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.enqueue(b)
}

func (c *Client) track(channel string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.subs[channel] = struct{}{}
	} else {
		delete(c.subs, channel)
	}
}

func (c *Client) subscriptions() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]struct{}, len(c.subs))
	for ch := range c.subs {
		out[ch] = struct{}{}
	}
	return out
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump handles inbound frames until the socket fails.
func (c *Client) readPump() {
	defer c.gw.hub.Unregister(c)

	c.conn.SetReadLimit(c.gw.maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.gw.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.gw.pongWait()))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.log.Debug("socket read failed", zap.String("socket_id", c.socketID), zap.Error(err))
			}
			return
		}
		if !c.limiter.Allow() {
			c.reply(Frame{Type: FrameError, Error: "rate limited"})
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.reply(Frame{Type: FrameError, Error: "malformed frame"})
			continue
		}
		c.gw.handleFrame(c, f)
	}
}

// writePump drains the send buffer and pings on an interval.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.gw.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.gw.writeDeadline))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.gw.writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
