package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/fathima-sithara/marketplace-messaging/internal/auth"
	"github.com/fathima-sithara/marketplace-messaging/internal/channels"
	"github.com/fathima-sithara/marketplace-messaging/internal/metrics"
	"github.com/fathima-sithara/marketplace-messaging/internal/realtime"
	"github.com/fathima-sithara/marketplace-messaging/internal/repository"
	"github.com/fathima-sithara/marketplace-messaging/internal/service"
)

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Legacy        *service.LegacyService
	Conversations *service.ConversationService
	Authorizer    *channels.Authorizer
	Push          repository.PushSubscriptionRepository
	Validator     *auth.Validator
	Store         Pinger
	// Gateway is optional; when set the websocket endpoint is served by
	// this process.
	Gateway        *realtime.Gateway
	RateLimiter    *IPRateLimiter
	RequestTimeout time.Duration
	VAPIDPublicKey string
	MaxBodyBytes   int
	AccessLog      bool
	Log            *zap.Logger
}

type Server struct {
	legacy  *service.LegacyService
	convs   *service.ConversationService
	authz   *channels.Authorizer
	push    repository.PushSubscriptionRepository
	store   Pinger
	timeout time.Duration
	vapid   string
	log     *zap.Logger
}

func NewServer(d Deps) *fiber.App {
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 10 * time.Second
	}
	cfg := fiber.Config{
		AppName:      "marketplace-messaging",
		ErrorHandler: ErrorHandler(d.Log),
	}
	if d.MaxBodyBytes > 0 {
		cfg.BodyLimit = d.MaxBodyBytes
	}
	app := fiber.New(cfg)
	app.Use(recover.New())
	if d.AccessLog {
		app.Use(logger.New(logger.Config{
			Format: "${time} ${status} ${method} ${path} ${latency}\n",
		}))
	}

	s := &Server{
		legacy:  d.Legacy,
		convs:   d.Conversations,
		authz:   d.Authorizer,
		push:    d.Push,
		store:   d.Store,
		timeout: d.RequestTimeout,
		vapid:   d.VAPIDPublicKey,
		log:     d.Log,
	}

	app.Get("/health", s.health)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	if d.Gateway != nil {
		d.Gateway.Mount(app, "/v1/ws")
	}

	v1 := app.Group("/v1")
	if d.RateLimiter != nil {
		v1.Use(d.RateLimiter.Handler())
	}

	v1.Post("/sellers/:seller_id/messages", auth.Optional(d.Validator), s.contactSeller)

	priv := v1.Group("", auth.Required(d.Validator))
	priv.Post("/realtime/auth", s.realtimeAuth)

	priv.Post("/threads", s.initiateThread)
	priv.Get("/threads", s.buyerThreads)
	priv.Get("/messages", s.inbox)
	priv.Get("/messages/:id/timeline", s.threadTimeline)
	priv.Post("/messages/:id/replies", s.reply)
	priv.Patch("/messages/:id/status", s.updateStatus)
	priv.Post("/messages/:id/delivered", s.ackMessage("delivered"))
	priv.Post("/messages/:id/read", s.ackMessage("read"))
	priv.Delete("/messages/:id", s.deleteMessage)
	priv.Post("/replies/:id/delivered", s.ackReply("delivered"))
	priv.Post("/replies/:id/read", s.ackReply("read"))
	priv.Delete("/replies/:id", s.deleteReply)

	priv.Post("/conversations", s.startConversation)
	priv.Get("/conversations", s.listConversations)
	priv.Get("/conversations/:id/messages", s.conversationMessages)
	priv.Post("/conversations/:id/messages", s.sendConversationMessage)
	priv.Post("/conversations/:id/read", s.markConversationRead)
	priv.Post("/conversations/:id/hide", s.hideConversation)
	priv.Post("/conversations/:id/typing", s.typing)

	priv.Get("/push/key", s.pushKey)
	priv.Post("/push/subscriptions", s.savePushSubscription)
	priv.Delete("/push/subscriptions", s.deletePushSubscription)

	return app
}

func (s *Server) ctx(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), s.timeout)
}

func (s *Server) health(c *fiber.Ctx) error {
	if s.store != nil {
		ctx, cancel := s.ctx(c)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "error", "store": "down"})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func caller(c *fiber.Ctx) auth.Identity {
	id, _ := auth.FromCtx(c)
	return id
}

type realtimeAuthReq struct {
	SocketID string `json:"socket_id" form:"socket_id"`
	Channel  string `json:"channel_name" form:"channel_name"`
}

// realtimeAuth answers the subscription handshake. It accepts JSON or a
// form body.
func (s *Server) realtimeAuth(c *fiber.Ctx) error {
	var req realtimeAuthReq
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid payload")
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	grant, err := s.authz.Authorize(ctx, caller(c), req.SocketID, req.Channel)
	if err != nil {
		return err
	}
	return c.JSON(grant)
}
