package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/marketplace-messaging/internal/apperr"
	"github.com/fathima-sithara/marketplace-messaging/internal/auth"
	"github.com/fathima-sithara/marketplace-messaging/internal/delivery"
	"github.com/fathima-sithara/marketplace-messaging/internal/domain"
	"github.com/fathima-sithara/marketplace-messaging/internal/fanout"
	"github.com/fathima-sithara/marketplace-messaging/internal/metrics"
	"github.com/fathima-sithara/marketplace-messaging/internal/push"
	"github.com/fathima-sithara/marketplace-messaging/internal/repository"
)

// LegacyService serves threads keyed by (seller, buyer email): a seed
// Message followed by linear replies.
type LegacyService struct {
	repo  repository.LegacyRepository
	ent   *Entitlements
	pub   Publisher
	push  Notifier
	log   *zap.Logger
	Now   func() time.Time
	NewID func() string
}

func NewLegacyService(repo repository.LegacyRepository, ent *Entitlements, pub Publisher, notifier Notifier, log *zap.Logger) *LegacyService {
	return &LegacyService{
		repo:  repo,
		ent:   ent,
		pub:   pub,
		push:  notifier,
		log:   log,
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: uuid.NewString,
	}
}

type ContactInput struct {
	SellerID string `json:"seller_id" validate:"required,max=128"`
	Email    string `json:"email" validate:"omitempty,email,max=254"`
	Name     string `json:"name" validate:"max=100"`
	Subject  string `json:"subject" validate:"max=200"`
	Body     string `json:"body"`
}

type InitiateInput struct {
	BuyerEmail string `json:"buyer_email" validate:"required,email,max=254"`
	BuyerName  string `json:"buyer_name" validate:"max=100"`
	Subject    string `json:"subject" validate:"max=200"`
	Body       string `json:"body"`
}

// ThreadResult reports what a contact or initiate call wrote. Reply is
// set when the call added to an existing thread or opened one on the
// seller's side.
type ThreadResult struct {
	Message *domain.Message `json:"message"`
	Reply   *domain.Reply   `json:"reply,omitempty"`
	Created bool            `json:"created"`
}

type role int

const (
	roleNone role = iota
	roleSeller
	roleBuyer
)

func roleOf(caller auth.Identity, m *domain.Message) role {
	switch {
	case caller.ID != "" && caller.ID == m.SellerID:
		return roleSeller
	case caller.Email != "" && normalizeEmail(caller.Email) == m.SenderEmail:
		return roleBuyer
	case caller.ID != "" && caller.ID == m.SenderUserID:
		return roleBuyer
	}
	return roleNone
}

// ContactSeller is the buyer's first contact. caller is nil for anonymous
// buyers. An authenticated buyer writing again continues the thread as a
// reply; an anonymous one gets a conflict.
func (s *LegacyService) ContactSeller(ctx context.Context, caller *auth.Identity, in ContactInput) (*ThreadResult, error) {
	if err := validate(in); err != nil {
		return nil, err
	}
	body, err := cleanBody(in.Body)
	if err != nil {
		return nil, err
	}
	email := normalizeEmail(in.Email)
	if caller != nil {
		if caller.ID == in.SellerID {
			return nil, apperr.InvalidArgument("cannot message yourself")
		}
		if caller.Email != "" {
			email = normalizeEmail(caller.Email)
		}
	}
	if email == "" {
		return nil, apperr.InvalidArgument("email is required")
	}
	if err := s.ent.RequireMessaging(ctx, in.SellerID); err != nil {
		return nil, err
	}

	now := s.Now()
	msg := &domain.Message{
		ID:             s.NewID(),
		SellerID:       in.SellerID,
		SenderEmail:    email,
		SenderName:     in.Name,
		Subject:        in.Subject,
		Body:           body,
		Status:         domain.TriageNew,
		DeliveryStatus: delivery.Sent,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if caller != nil {
		msg.SenderUserID = caller.ID
	}

	err = s.repo.CreateMessage(ctx, msg)
	switch {
	case err == nil:
		metrics.MessagesCreated.WithLabelValues("message").Inc()
		s.pub.Dispatch(ctx, fanout.MessageCreated{Message: *msg})
		s.push.Notify(ctx, msg.SellerID, push.Notification{
			Title: "New message", Body: preview(body), URL: "/messages/" + msg.ID, Tag: msg.ID,
		})
		return &ThreadResult{Message: msg, Created: true}, nil
	case !errors.Is(err, repository.ErrDuplicate):
		return nil, storeErr(err, "message")
	}

	existing, err := s.repo.FindThread(ctx, in.SellerID, email)
	if err != nil {
		return nil, storeErr(err, "thread")
	}
	if caller == nil || roleOf(*caller, existing) != roleBuyer {
		return nil, apperr.Conflict("a conversation with this seller already exists; sign in to continue it")
	}
	reply, err := s.addReply(ctx, *caller, existing, roleBuyer, body)
	if err != nil {
		return nil, err
	}
	return &ThreadResult{Message: existing, Reply: reply}, nil
}

// InitiateThread lets a seller open a thread with a buyer email. Without
// an existing thread a placeholder seed is stored so the thread key
// exists; it never shows up in a timeline.
func (s *LegacyService) InitiateThread(ctx context.Context, seller auth.Identity, in InitiateInput) (*ThreadResult, error) {
	if err := validate(in); err != nil {
		return nil, err
	}
	body, err := cleanBody(in.Body)
	if err != nil {
		return nil, err
	}
	email := normalizeEmail(in.BuyerEmail)
	if seller.Email != "" && normalizeEmail(seller.Email) == email {
		return nil, apperr.InvalidArgument("cannot message yourself")
	}
	if err := s.ent.RequireMessaging(ctx, seller.ID); err != nil {
		return nil, err
	}

	existing, err := s.repo.FindThread(ctx, seller.ID, email)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, storeErr(err, "thread")
	}
	created := false
	if existing == nil {
		now := s.Now()
		placeholder := &domain.Message{
			ID:             s.NewID(),
			SellerID:       seller.ID,
			SenderEmail:    email,
			SenderName:     in.BuyerName,
			Subject:        in.Subject,
			Body:           domain.PlaceholderBody,
			Status:         domain.TriageReplied,
			DeliveryStatus: delivery.Sent,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		err := s.repo.CreateMessage(ctx, placeholder)
		switch {
		case err == nil:
			existing, created = placeholder, true
		case errors.Is(err, repository.ErrDuplicate):
			if existing, err = s.repo.FindThread(ctx, seller.ID, email); err != nil {
				return nil, storeErr(err, "thread")
			}
		default:
			return nil, storeErr(err, "message")
		}
	}

	reply, err := s.addReply(ctx, seller, existing, roleSeller, body)
	if err != nil {
		return nil, err
	}
	return &ThreadResult{Message: existing, Reply: reply, Created: created}, nil
}

// Reply adds to a thread as its seller or its buyer.
func (s *LegacyService) Reply(ctx context.Context, caller auth.Identity, messageID, body string) (*domain.Reply, error) {
	b, err := cleanBody(body)
	if err != nil {
		return nil, err
	}
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, storeErr(err, "message")
	}
	r := roleOf(caller, msg)
	if r == roleNone {
		return nil, apperr.Forbidden("not a participant of this thread")
	}
	return s.addReply(ctx, caller, msg, r, b)
}

func (s *LegacyService) addReply(ctx context.Context, caller auth.Identity, msg *domain.Message, r role, body string) (*domain.Reply, error) {
	if r == roleBuyer && (msg.Status == domain.TriageBlocked || msg.Status == domain.TriageSpam) {
		return nil, apperr.Forbidden("the seller is not accepting messages on this thread")
	}
	if err := s.ent.RequireMessaging(ctx, msg.SellerID); err != nil {
		return nil, err
	}

	reply := &domain.Reply{
		ID:             s.NewID(),
		MessageID:      msg.ID,
		SenderID:       caller.ID,
		Body:           body,
		DeliveryStatus: delivery.Sent,
		CreatedAt:      s.Now(),
	}
	if err := s.repo.CreateReply(ctx, reply); err != nil {
		return nil, storeErr(err, "message")
	}
	metrics.MessagesCreated.WithLabelValues("reply").Inc()

	// a seller reply marks the thread handled; a buyer reply re-opens it
	next := domain.TriageNew
	if r == roleSeller {
		next = domain.TriageReplied
	}
	if msg.Status != next && msg.Status != domain.TriageArchived {
		if err := s.repo.UpdateMessageStatus(ctx, msg.ID, next, reply.CreatedAt); err != nil {
			s.log.Warn("update triage status after reply", zap.String("message_id", msg.ID), zap.Error(err))
		} else {
			msg.Status = next
		}
	}

	s.pub.Dispatch(ctx, fanout.ReplyCreated{Thread: *msg, Reply: *reply})

	note := push.Notification{Title: "New reply", Body: preview(body), URL: "/messages/" + msg.ID, Tag: msg.ID}
	switch {
	case r == roleBuyer:
		s.push.Notify(ctx, msg.SellerID, note)
	case msg.SenderUserID != "":
		s.push.Notify(ctx, msg.SenderUserID, note)
	}
	return reply, nil
}

// UpdateStatus changes the seller's triage status. Delivery status is
// not touched.
func (s *LegacyService) UpdateStatus(ctx context.Context, caller auth.Identity, messageID string, status domain.TriageStatus) (*domain.Message, error) {
	if !status.Valid() {
		return nil, apperr.InvalidArgument("status must be one of new, read, replied, archived, spam, blocked")
	}
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, storeErr(err, "message")
	}
	if roleOf(caller, msg) != roleSeller {
		return nil, apperr.Forbidden("only the seller can change the thread status")
	}
	now := s.Now()
	if err := s.repo.UpdateMessageStatus(ctx, messageID, status, now); err != nil {
		return nil, storeErr(err, "message")
	}
	msg.Status, msg.UpdatedAt = status, now
	return msg, nil
}

func ackTarget(target delivery.Status) error {
	if target != delivery.Delivered && target != delivery.Read {
		return apperr.InvalidArgument("status must be delivered or read")
	}
	return nil
}

// AcknowledgeMessage advances a seed message's delivery status. Only the
// seller receives a seed. Returns the status after the call, which equals
// the stored one when the request was a no-op.
func (s *LegacyService) AcknowledgeMessage(ctx context.Context, caller auth.Identity, messageID string, target delivery.Status) (delivery.Status, error) {
	if err := ackTarget(target); err != nil {
		return "", err
	}
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return "", storeErr(err, "message")
	}
	if roleOf(caller, msg) != roleSeller {
		return "", apperr.Forbidden("only the receiver can acknowledge this message")
	}

	final, changed, err := advance(msg.DeliveryStatus, target,
		func() (delivery.Status, error) {
			m, err := s.repo.GetMessage(ctx, messageID)
			if err != nil {
				return "", err
			}
			return m.DeliveryStatus, nil
		},
		func(expected, next delivery.Status) (bool, error) {
			return s.repo.CompareAndSetMessageDelivery(ctx, messageID, expected, next, s.Now())
		})
	if err != nil {
		return "", storeErr(err, "message")
	}
	if changed {
		metrics.DeliveryTransitions.WithLabelValues("message", string(final)).Inc()
		s.pub.Dispatch(ctx, fanout.DeliveryChanged{
			Kind: domain.KindMessage, EntityID: msg.ID, MessageID: msg.ID,
			SellerID: msg.SellerID, SenderEmail: msg.SenderEmail, Status: final,
		})
	}
	return final, nil
}

// AcknowledgeReply advances a reply's delivery status. The receiver is
// whoever did not write it.
func (s *LegacyService) AcknowledgeReply(ctx context.Context, caller auth.Identity, replyID string, target delivery.Status) (delivery.Status, error) {
	if err := ackTarget(target); err != nil {
		return "", err
	}
	reply, err := s.repo.GetReply(ctx, replyID)
	if err != nil {
		return "", storeErr(err, "reply")
	}
	msg, err := s.repo.GetMessage(ctx, reply.MessageID)
	if err != nil {
		return "", storeErr(err, "message")
	}
	authorIsSeller := reply.SenderID == msg.SellerID
	receiver := roleSeller
	if authorIsSeller {
		receiver = roleBuyer
	}
	if roleOf(caller, msg) != receiver {
		return "", apperr.Forbidden("only the receiver can acknowledge this reply")
	}

	final, changed, err := advance(reply.DeliveryStatus, target,
		func() (delivery.Status, error) {
			r, err := s.repo.GetReply(ctx, replyID)
			if err != nil {
				return "", err
			}
			return r.DeliveryStatus, nil
		},
		func(expected, next delivery.Status) (bool, error) {
			return s.repo.CompareAndSetReplyDelivery(ctx, replyID, expected, next)
		})
	if err != nil {
		return "", storeErr(err, "reply")
	}
	if changed {
		metrics.DeliveryTransitions.WithLabelValues("reply", string(final)).Inc()
		s.pub.Dispatch(ctx, fanout.DeliveryChanged{
			Kind: domain.KindReply, EntityID: reply.ID, MessageID: msg.ID,
			SellerID: msg.SellerID, SenderEmail: msg.SenderEmail,
			AuthorIsSeller: authorIsSeller, Status: final,
		})
	}
	return final, nil
}

// advance runs Advance against the store with compare-and-set. A writer
// that loses the race re-reads; if the winner already moved the status
// at or past target, the loser returns that status unchanged.
func advance(
	current, target delivery.Status,
	load func() (delivery.Status, error),
	cas func(expected, next delivery.Status) (bool, error),
) (delivery.Status, bool, error) {
	for attempt := 0; attempt < 4; attempt++ {
		next, ok := delivery.Advance(current, target)
		if !ok {
			return current, false, nil
		}
		applied, err := cas(current, next)
		if err != nil {
			return "", false, err
		}
		if applied {
			return next, true, nil
		}
		if current, err = load(); err != nil {
			return "", false, err
		}
	}
	return current, false, nil
}

// Timeline returns the merged history of one thread for the caller.
func (s *LegacyService) Timeline(ctx context.Context, caller auth.Identity, messageID string) ([]domain.TimelineItem, error) {
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, storeErr(err, "message")
	}
	r := roleOf(caller, msg)
	if r == roleNone {
		return nil, apperr.Forbidden("not a participant of this thread")
	}
	replies, err := s.repo.ListReplies(ctx, msg.ID)
	if err != nil {
		return nil, storeErr(err, "message")
	}
	return mergeTimeline(msg, replies, r == roleSeller), nil
}

func mergeTimeline(msg *domain.Message, replies []domain.Reply, viewerIsSeller bool) []domain.TimelineItem {
	items := make([]domain.TimelineItem, 0, len(replies)+1)
	if !msg.IsPlaceholder() && msg.Body != "" {
		items = append(items, timelineItem(domain.KindMessage, msg.ID, msg.SenderUserID, msg.SenderName,
			msg.Body, msg.DeliveryStatus, msg.CreatedAt, !viewerIsSeller))
	}
	for _, rep := range replies {
		if rep.Body == domain.PlaceholderBody {
			continue
		}
		sellerWrote := rep.SenderID == msg.SellerID
		items = append(items, timelineItem(domain.KindReply, rep.ID, rep.SenderID, "",
			rep.Body, rep.DeliveryStatus, rep.CreatedAt, sellerWrote == viewerIsSeller))
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items
}

func timelineItem(kind domain.ItemKind, id, senderID, senderName, body string, status delivery.Status, at time.Time, outgoing bool) domain.TimelineItem {
	it := domain.TimelineItem{
		ID: id, Kind: kind, SenderID: senderID, SenderName: senderName,
		Body: body, Direction: domain.Incoming, CreatedAt: at,
	}
	if outgoing {
		it.Direction = domain.Outgoing
		it.DeliveryStatus = status
	}
	return it
}

// Post replies to a thread and returns the new item as the caller sees it.
func (s *LegacyService) Post(ctx context.Context, caller auth.Identity, messageID, body string) (domain.TimelineItem, error) {
	rep, err := s.Reply(ctx, caller, messageID, body)
	if err != nil {
		return domain.TimelineItem{}, err
	}
	return timelineItem(domain.KindReply, rep.ID, rep.SenderID, "", rep.Body, rep.DeliveryStatus, rep.CreatedAt, true), nil
}

const defaultListLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return defaultListLimit
	}
	return limit
}

// Inbox lists the seller's threads, latest activity first.
func (s *LegacyService) Inbox(ctx context.Context, seller auth.Identity, limit int) ([]domain.InboxEntry, error) {
	out, err := s.repo.ListInbox(ctx, seller.ID, clampLimit(limit))
	if err != nil {
		return nil, storeErr(err, "inbox")
	}
	return out, nil
}

// BuyerThreads lists the threads the caller opened under their email.
func (s *LegacyService) BuyerThreads(ctx context.Context, buyer auth.Identity, limit int) ([]domain.InboxEntry, error) {
	if buyer.Email == "" {
		return []domain.InboxEntry{}, nil
	}
	out, err := s.repo.ListBuyerThreads(ctx, normalizeEmail(buyer.Email), clampLimit(limit))
	if err != nil {
		return nil, storeErr(err, "threads")
	}
	return out, nil
}

// DeleteMessage soft-deletes a whole thread. Seller only.
func (s *LegacyService) DeleteMessage(ctx context.Context, caller auth.Identity, messageID string) error {
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return storeErr(err, "message")
	}
	if roleOf(caller, msg) != roleSeller {
		return apperr.Forbidden("only the seller can delete this thread")
	}
	if err := s.repo.SoftDeleteMessage(ctx, messageID, s.Now()); err != nil {
		return storeErr(err, "message")
	}
	return nil
}

// DeleteReply soft-deletes a reply. Author only.
func (s *LegacyService) DeleteReply(ctx context.Context, caller auth.Identity, replyID string) error {
	reply, err := s.repo.GetReply(ctx, replyID)
	if err != nil {
		return storeErr(err, "reply")
	}
	if reply.SenderID != caller.ID {
		return apperr.Forbidden("only the author can delete this reply")
	}
	if err := s.repo.SoftDeleteReply(ctx, replyID, s.Now()); err != nil {
		return storeErr(err, "reply")
	}
	return nil
}
