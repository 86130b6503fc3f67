package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
)

// Event is a server publication received on a subscribed channel.
type Event struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

type frame struct {
	Type     string          `json:"type"`
	SocketID string          `json:"socket_id,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Event    string          `json:"event,omitempty"`
	Auth     string          `json:"auth,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

var ErrSubscriptionRejected = errors.New("messaging: subscription rejected")

// Realtime is a websocket session. Subscribe runs the two-step
// handshake: a grant from the HTTP API, then a subscribe frame carrying it.
type Realtime struct {
	conn     *websocket.Conn
	api      *Client
	socketID string
	events   chan Event

	writeMu sync.Mutex
	mu      sync.Mutex
	waiting map[string]chan error
	done    chan struct{}
	err     error
}

// Dial connects to wsURL (for example ws://host/v1/ws) and waits for the
// socket id.
func (c *Client) Dial(ctx context.Context, wsURL string) (*Realtime, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("messaging: token: %w", err)
		}
		q := u.Query()
		q.Set("token", tok)
		u.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: dial: %w", err)
	}

	var hello frame
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&hello); err != nil || hello.SocketID == "" {
		conn.Close()
		return nil, fmt.Errorf("messaging: no connection_established frame: %v", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	rt := &Realtime{
		conn:     conn,
		api:      c,
		socketID: hello.SocketID,
		events:   make(chan Event, 64),
		waiting:  make(map[string]chan error),
		done:     make(chan struct{}),
	}
	go rt.readLoop()
	return rt, nil
}

func (r *Realtime) SocketID() string { return r.socketID }

// Events is closed when the session ends.
func (r *Realtime) Events() <-chan Event { return r.events }

// Done is closed when the session ends; Err then reports why.
func (r *Realtime) Done() <-chan struct{} { return r.done }

func (r *Realtime) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Realtime) Subscribe(ctx context.Context, channel string) error {
	grant, err := r.api.AuthorizeChannel(ctx, r.socketID, channel)
	if err != nil {
		return err
	}

	wait := make(chan error, 1)
	r.mu.Lock()
	r.waiting[channel] = wait
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiting, channel)
		r.mu.Unlock()
	}()

	if err := r.write(frame{Type: "subscribe", Channel: channel, Auth: grant.Auth}); err != nil {
		return err
	}
	select {
	case err := <-wait:
		return err
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Realtime) Unsubscribe(channel string) error {
	return r.write(frame{Type: "unsubscribe", Channel: channel})
}

func (r *Realtime) Close() error {
	r.writeMu.Lock()
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	r.writeMu.Unlock()
	return r.conn.Close()
}

func (r *Realtime) write(f frame) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return r.conn.WriteJSON(f)
}

func (r *Realtime) resolve(channel string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.waiting[channel]; ok {
		w <- err
		delete(r.waiting, channel)
	}
}

func (r *Realtime) readLoop() {
	defer close(r.events)
	defer close(r.done)
	for {
		var f frame
		if err := r.conn.ReadJSON(&f); err != nil {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
			return
		}
		switch f.Type {
		case "event":
			select {
			case r.events <- Event{Channel: f.Channel, Event: f.Event, Data: f.Data}:
			default:
				// dropped when the consumer lags
			}
		case "subscription_succeeded":
			r.resolve(f.Channel, nil)
		case "error":
			if f.Channel != "" {
				r.resolve(f.Channel, fmt.Errorf("%w: %s", ErrSubscriptionRejected, f.Error))
			}
		}
	}
}
