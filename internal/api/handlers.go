package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/fathima-sithara/marketplace-messaging/internal/apperr"
	"github.com/fathima-sithara/marketplace-messaging/internal/auth"
	"github.com/fathima-sithara/marketplace-messaging/internal/delivery"
	"github.com/fathima-sithara/marketplace-messaging/internal/domain"
	"github.com/fathima-sithara/marketplace-messaging/internal/repository"
	"github.com/fathima-sithara/marketplace-messaging/internal/service"
	"github.com/fathima-sithara/marketplace-messaging/internal/utils"
)

func parse(c *fiber.Ctx, v interface{}) error {
	if err := c.BodyParser(v); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid payload")
	}
	return nil
}

// --- legacy threads ---

func (s *Server) contactSeller(c *fiber.Ctx) error {
	var in service.ContactInput
	if err := parse(c, &in); err != nil {
		return err
	}
	in.SellerID = c.Params("seller_id")

	var who *auth.Identity
	if id, ok := auth.FromCtx(c); ok {
		who = &id
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	res, err := s.legacy.ContactSeller(ctx, who, in)
	if err != nil {
		return err
	}
	status := fiber.StatusOK
	if res.Created {
		status = fiber.StatusCreated
	}
	return JSONSuccess(c, status, res)
}

func (s *Server) initiateThread(c *fiber.Ctx) error {
	var in service.InitiateInput
	if err := parse(c, &in); err != nil {
		return err
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	res, err := s.legacy.InitiateThread(ctx, caller(c), in)
	if err != nil {
		return err
	}
	return JSONSuccess(c, fiber.StatusCreated, res)
}

func (s *Server) inbox(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	out, err := s.legacy.Inbox(ctx, caller(c), c.QueryInt("limit"))
	if err != nil {
		return err
	}
	return JSONSuccess(c, fiber.StatusOK, out)
}

func (s *Server) buyerThreads(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	out, err := s.legacy.BuyerThreads(ctx, caller(c), c.QueryInt("limit"))
	if err != nil {
		return err
	}
	return JSONSuccess(c, fiber.StatusOK, out)
}

func (s *Server) threadTimeline(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	items, err := s.legacy.Timeline(ctx, caller(c), c.Params("id"))
	if err != nil {
		return err
	}
	return JSONSuccess(c, fiber.StatusOK, items)
}

type bodyReq struct {
	Body string `json:"body"`
}

func (s *Server) reply(c *fiber.Ctx) error {
	var req bodyReq
	if err := parse(c, &req); err != nil {
		return err
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	rep, err := s.legacy.Reply(ctx, caller(c), c.Params("id"), req.Body)
	if err != nil {
		return err
	}
	return JSONSuccess(c, fiber.StatusCreated, rep)
}

type statusReq struct {
	Status domain.TriageStatus `json:"status"`
}

func (s *Server) updateStatus(c *fiber.Ctx) error {
	var req statusReq
	if err := parse(c, &req); err != nil {
		return err
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	msg, err := s.legacy.UpdateStatus(ctx, caller(c), c.Params("id"), req.Status)
	if err != nil {
		return err
	}
	return JSONSuccess(c, fiber.StatusOK, msg)
}

type ackResp struct {
	ID     string          `json:"id"`
	Status delivery.Status `json:"status"`
}

func (s *Server) ackMessage(target delivery.Status) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := s.ctx(c)
		defer cancel()
		st, err := s.legacy.AcknowledgeMessage(ctx, caller(c), c.Params("id"), target)
		if err != nil {
			return err
		}
		return JSONSuccess(c, fiber.StatusOK, ackResp{ID: c.Params("id"), Status: st})
	}
}

func (s *Server) ackReply(target delivery.Status) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := s.ctx(c)
		defer cancel()
		st, err := s.legacy.AcknowledgeReply(ctx, caller(c), c.Params("id"), target)
		if err != nil {
			return err
		}
		return JSONSuccess(c, fiber.StatusOK, ackResp{ID: c.Params("id"), Status: st})
	}
}

func (s *Server) deleteMessage(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	if err := s.legacy.DeleteMessage(ctx, caller(c), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) deleteReply(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	if err := s.legacy.DeleteReply(ctx, caller(c), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// --- conversations ---

func (s *Server) startConversation(c *fiber.Ctx) error {
	var in service.StartInput
	if err := parse(c, &in); err != nil {
		return err
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	res, err := s.convs.Start(ctx, caller(c), in)
	if err != nil {
		return err
	}
	status := fiber.StatusOK
	if res.Created {
		status = fiber.StatusCreated
	}
	return JSONSuccess(c, status, res)
}

func (s *Server) listConversations(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	out, err := s.convs.List(ctx, caller(c), c.QueryInt("limit"))
	if err != nil {
		return err
	}
	return JSONSuccess(c, fiber.StatusOK, out)
}

func (s *Server) conversationMessages(c *fiber.Ctx) error {
	var before time.Time
	if v := c.Query("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return apperr.InvalidArgument("before must be an RFC 3339 timestamp")
		}
		before = t
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	items, err := s.convs.Messages(ctx, caller(c), c.Params("id"), before, c.QueryInt("limit"))
	if err != nil {
		return err
	}
	return JSONSuccess(c, fiber.StatusOK, items)
}

type sendReq struct {
	Body            string `json:"body"`
	ClientMessageID string `json:"client_message_id"`
}

func (s *Server) sendConversationMessage(c *fiber.Ctx) error {
	var req sendReq
	if err := parse(c, &req); err != nil {
		return err
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	msg, err := s.convs.SendOnce(ctx, caller(c), c.Params("id"), req.ClientMessageID, req.Body)
	if err != nil {
		return err
	}
	return JSONSuccess(c, fiber.StatusCreated, msg)
}

func (s *Server) markConversationRead(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	at, err := s.convs.MarkRead(ctx, caller(c), c.Params("id"))
	if err != nil {
		return err
	}
	return JSONSuccess(c, fiber.StatusOK, fiber.Map{"conversation_id": c.Params("id"), "read_at": at})
}

func (s *Server) hideConversation(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	if err := s.convs.Hide(ctx, caller(c), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) typing(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	throttled, err := s.convs.Typing(ctx, caller(c), c.Params("id"))
	if err != nil {
		return err
	}
	return JSONSuccess(c, fiber.StatusOK, fiber.Map{"throttled": throttled})
}

// --- push ---

func (s *Server) pushKey(c *fiber.Ctx) error {
	if s.vapid == "" {
		return apperr.Unavailable("push notifications are not configured", nil)
	}
	return JSONSuccess(c, fiber.StatusOK, fiber.Map{"public_key": s.vapid})
}

type pushSubscriptionReq struct {
	Endpoint string `json:"endpoint" validate:"required,url,max=2048"`
	Keys     struct {
		P256dh string `json:"p256dh" validate:"required"`
		Auth   string `json:"auth" validate:"required"`
	} `json:"keys"`
}

func (s *Server) savePushSubscription(c *fiber.Ctx) error {
	var req pushSubscriptionReq
	if err := parse(c, &req); err != nil {
		return err
	}
	if errs := utils.ValidateStruct(req); errs != nil {
		return apperr.InvalidArgument(utils.Summary(errs))
	}
	sub := &domain.PushSubscription{
		ID:        uuid.NewString(),
		UserID:    caller(c).ID,
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
		CreatedAt: time.Now().UTC(),
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	if err := s.push.SavePushSubscription(ctx, sub); err != nil {
		return apperr.Internal(err)
	}
	return JSONSuccess(c, fiber.StatusCreated, sub)
}

type pushEndpointReq struct {
	Endpoint string `json:"endpoint"`
}

func (s *Server) deletePushSubscription(c *fiber.Ctx) error {
	var req pushEndpointReq
	if err := parse(c, &req); err != nil {
		return err
	}
	if req.Endpoint == "" {
		return apperr.InvalidArgument("endpoint is required")
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	err := s.push.DeletePushSubscription(ctx, caller(c).ID, req.Endpoint)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return apperr.Internal(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
