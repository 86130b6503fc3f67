// Package realtime is the websocket side of the broadcast service: it
// holds sockets, verifies subscription grants and relays bus envelopes to
// the sockets subscribed to each channel.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/fathima-sithara/marketplace-messaging/internal/broadcast"
	"github.com/fathima-sithara/marketplace-messaging/internal/metrics"
)

// Hub tracks sockets by id and by subscribed channel.
type Hub struct {
	mu       sync.RWMutex
	sockets  map[string]*Client
	channels map[string]map[*Client]struct{}
	log      *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		sockets:  make(map[string]*Client),
		channels: make(map[string]map[*Client]struct{}),
		log:      log,
	}
}

// Run relays bus envelopes to local sockets until ctx is done.
func (h *Hub) Run(ctx context.Context, bus broadcast.Bus) error {
	sub, err := bus.Subscribe(ctx, h.Deliver)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return sub.Close()
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.sockets[c.socketID] = c
	h.mu.Unlock()
	metrics.Connections.Inc()
}

// Unregister drops the socket and all its subscriptions. Calling it twice
// is safe.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if cur, ok := h.sockets[c.socketID]; !ok || cur != c {
		h.mu.Unlock()
		return
	}
	delete(h.sockets, c.socketID)
	for ch := range c.subscriptions() {
		h.removeLocked(ch, c)
	}
	h.mu.Unlock()
	metrics.Connections.Dec()
	c.close()
}

// Subscribe reports false when c is no longer registered, e.g. it was
// dropped as slow while its subscribe frame was being handled.
func (h *Hub) Subscribe(c *Client, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sockets[c.socketID] != c {
		return false
	}
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]struct{})
	}
	h.channels[channel][c] = struct{}{}
	c.track(channel, true)
	return true
}

func (h *Hub) Unsubscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(channel, c)
	c.track(channel, false)
}

func (h *Hub) removeLocked(channel string, c *Client) {
	if subs, ok := h.channels[channel]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
}

// Deliver sends env to every socket subscribed to env.Channel. A socket
// whose send buffer is full is disconnected.
func (h *Hub) Deliver(env broadcast.Envelope) {
	h.mu.RLock()
	subs := make([]*Client, 0, len(h.channels[env.Channel]))
	for c := range h.channels[env.Channel] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	b, err := json.Marshal(Frame{Type: FrameEvent, Channel: env.Channel, Event: env.Event, Data: env.Data})
	if err != nil {
		h.log.Error("encode frame", zap.String("channel", env.Channel), zap.Error(err))
		return
	}
	for _, c := range subs {
		if !c.enqueue(b) {
			h.log.Warn("slow socket dropped", zap.String("socket_id", c.socketID), zap.String("user_id", c.userID))
			h.Unregister(c)
		}
	}
}

// Subscribers returns how many local sockets follow channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Sockets returns the number of registered sockets.
func (h *Hub) Sockets() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sockets)
}

// Shutdown disconnects every socket.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.sockets))
	for _, c := range h.sockets {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.Unregister(c)
	}
}
