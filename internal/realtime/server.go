package realtime

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/marketplace-messaging/internal/apperr"
	"github.com/fathima-sithara/marketplace-messaging/internal/auth"
	"github.com/fathima-sithara/marketplace-messaging/internal/channels"
)

type Options struct {
	PingInterval  time.Duration
	WriteDeadline time.Duration
	MaxFrameBytes int64
}

// Gateway accepts websocket connections and serves the subscribe
// handshake against grants issued by the authorization endpoint.
type Gateway struct {
	hub           *Hub
	validator     *auth.Validator
	signer        *channels.GrantSigner
	log           *zap.Logger
	pingInterval  time.Duration
	writeDeadline time.Duration
	maxFrameBytes int64
}

func NewGateway(hub *Hub, validator *auth.Validator, signer *channels.GrantSigner, opts Options, log *zap.Logger) *Gateway {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.WriteDeadline <= 0 {
		opts.WriteDeadline = 10 * time.Second
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 64 * 1024
	}
	return &Gateway{
		hub:           hub,
		validator:     validator,
		signer:        signer,
		log:           log,
		pingInterval:  opts.PingInterval,
		writeDeadline: opts.WriteDeadline,
		maxFrameBytes: opts.MaxFrameBytes,
	}
}

func (g *Gateway) pongWait() time.Duration { return g.pingInterval * 2 }

// Mount registers GET path as the websocket endpoint. Browsers cannot set
// headers on upgrade, so the token may also come as ?token=.
func (g *Gateway) Mount(r fiber.Router, path string) {
	r.Use(path, g.upgrade)
	r.Get(path, websocket.New(g.serve))
}

func (g *Gateway) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	tok := c.Query("token")
	if tok == "" {
		t, err := auth.ParseBearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return apperr.Unauthenticated("missing token")
		}
		tok = t
	}
	id, err := g.validator.Validate(tok)
	if err != nil {
		return apperr.Unauthenticated("invalid or expired token")
	}
	c.Locals("identity", id)
	return c.Next()
}

func (g *Gateway) serve(conn *websocket.Conn) {
	id, ok := conn.Locals("identity").(auth.Identity)
	if !ok {
		_ = conn.Close()
		return
	}
	c := newClient(conn, g, uuid.NewString(), id.ID)
	g.hub.Register(c)
	g.log.Debug("socket connected", zap.String("socket_id", c.socketID), zap.String("user_id", c.userID))
	c.reply(Frame{Type: FrameConnected, SocketID: c.socketID})

	go c.writePump()
	c.readPump()
}

func (g *Gateway) handleFrame(c *Client, f Frame) {
	switch f.Type {
	case FrameSubscribe:
		if f.Channel == "" || f.Auth == "" {
			c.reply(Frame{Type: FrameError, Channel: f.Channel, Error: "channel and auth are required"})
			return
		}
		claims, err := g.signer.Verify(f.Auth, c.socketID, f.Channel)
		if err != nil || claims.Subject != c.userID {
			g.log.Info("subscription rejected",
				zap.String("socket_id", c.socketID), zap.String("user_id", c.userID),
				zap.String("channel", f.Channel), zap.Error(err))
			c.reply(Frame{Type: FrameError, Channel: f.Channel, Error: "subscription not authorized"})
			return
		}
		if !g.hub.Subscribe(c, f.Channel) {
			return
		}
		c.reply(Frame{Type: FrameSubscribed, Channel: f.Channel})

	case FrameUnsubscribe:
		g.hub.Unsubscribe(c, f.Channel)

	case FramePing:
		c.reply(Frame{Type: FramePong})

	default:
		c.reply(Frame{Type: FrameError, Error: "unknown frame type"})
	}
}
