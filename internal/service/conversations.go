package service

import (
	"context"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/fathima-sithara/marketplace-messaging/internal/apperr"
	"github.com/fathima-sithara/marketplace-messaging/internal/auth"
	"github.com/fathima-sithara/marketplace-messaging/internal/delivery"
	"github.com/fathima-sithara/marketplace-messaging/internal/domain"
	"github.com/fathima-sithara/marketplace-messaging/internal/fanout"
	"github.com/fathima-sithara/marketplace-messaging/internal/metrics"
	"github.com/fathima-sithara/marketplace-messaging/internal/push"
	"github.com/fathima-sithara/marketplace-messaging/internal/repository"
	"github.com/fathima-sithara/marketplace-messaging/internal/typing"
)

// DMKey identifies the conversation between two users regardless of
// argument order.
func DMKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	sum := blake3.Sum256([]byte(a + "\x00" + b))
	return hex.EncodeToString(sum[:])
}

type ConversationService struct {
	repo     repository.ConversationRepository
	profiles repository.ProfileRepository
	ent      *Entitlements
	pub      Publisher
	push     Notifier
	typing   *typing.Limiter
	log      *zap.Logger
	Now      func() time.Time
	NewID    func() string
}

func NewConversationService(
	repo repository.ConversationRepository,
	profiles repository.ProfileRepository,
	ent *Entitlements,
	pub Publisher,
	notifier Notifier,
	limiter *typing.Limiter,
	log *zap.Logger,
) *ConversationService {
	return &ConversationService{
		repo:     repo,
		profiles: profiles,
		ent:      ent,
		pub:      pub,
		push:     notifier,
		typing:   limiter,
		log:      log,
		Now:      func() time.Time { return time.Now().UTC() },
		NewID:    uuid.NewString,
	}
}

type StartInput struct {
	ParticipantID string `json:"participant_id" validate:"required,max=128"`
	// Body is an optional first message.
	Body            string `json:"body,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty" validate:"max=64"`
}

type StartResult struct {
	Conversation *domain.Conversation        `json:"conversation"`
	Created      bool                        `json:"created"`
	Message      *domain.ConversationMessage `json:"message,omitempty"`
}

// Start returns the conversation between the caller and another user,
// creating it on first contact. Calling it again for the same pair is a
// no-op that returns the same conversation.
func (s *ConversationService) Start(ctx context.Context, caller auth.Identity, in StartInput) (*StartResult, error) {
	in.ParticipantID = strings.TrimSpace(in.ParticipantID)
	if err := validate(in); err != nil {
		return nil, err
	}
	other := in.ParticipantID
	if other == caller.ID {
		return nil, apperr.InvalidArgument("cannot message yourself")
	}
	var body string
	if strings.TrimSpace(in.Body) != "" {
		b, err := cleanBody(in.Body)
		if err != nil {
			return nil, err
		}
		body = b
	}
	if err := s.ent.RequireMessaging(ctx, caller.ID); err != nil {
		return nil, err
	}

	now := s.Now()
	conv, created, err := s.repo.UpsertConversation(ctx, &domain.Conversation{
		ID:        s.NewID(),
		DMKey:     DMKey(caller.ID, other),
		CreatedAt: now,
	})
	if err != nil {
		return nil, storeErr(err, "conversation")
	}
	for _, uid := range []string{caller.ID, other} {
		if err := s.repo.UpsertMember(ctx, &domain.Member{ConversationID: conv.ID, UserID: uid, JoinedAt: now}); err != nil {
			return nil, storeErr(err, "conversation")
		}
	}
	if created {
		s.pub.Dispatch(ctx, fanout.ConversationStarted{
			ConversationID: conv.ID,
			InitiatorID:    caller.ID,
			Participants:   []string{caller.ID, other},
		})
	}

	res := &StartResult{Conversation: conv, Created: created}
	if body != "" {
		msg, err := s.send(ctx, caller, conv.ID, strings.TrimSpace(in.ClientMessageID), body)
		if err != nil {
			return nil, err
		}
		res.Message = msg
	}
	return res, nil
}

// Send appends a message from a member.
func (s *ConversationService) Send(ctx context.Context, caller auth.Identity, conversationID, body string) (*domain.ConversationMessage, error) {
	return s.SendOnce(ctx, caller, conversationID, "", body)
}

// SendOnce is Send keyed by a sender-chosen id. Repeating it with the same
// clientMessageID returns the first stored message without publishing
// again. An empty id disables the check.
func (s *ConversationService) SendOnce(ctx context.Context, caller auth.Identity, conversationID, clientMessageID, body string) (*domain.ConversationMessage, error) {
	clientMessageID = strings.TrimSpace(clientMessageID)
	if len(clientMessageID) > maxClientMessageID {
		return nil, apperr.InvalidArgument("client_message_id is too long")
	}
	b, err := cleanBody(body)
	if err != nil {
		return nil, err
	}
	if err := s.requireMember(ctx, conversationID, caller.ID); err != nil {
		return nil, err
	}
	if err := s.ent.RequireMessaging(ctx, caller.ID); err != nil {
		return nil, err
	}
	return s.send(ctx, caller, conversationID, clientMessageID, b)
}

const maxClientMessageID = 64

func (s *ConversationService) send(ctx context.Context, caller auth.Identity, conversationID, clientMessageID, body string) (*domain.ConversationMessage, error) {
	if clientMessageID != "" {
		prev, err := s.repo.FindMessageByClientID(ctx, conversationID, caller.ID, clientMessageID)
		if err == nil {
			return prev, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, storeErr(err, "conversation message")
		}
	}
	members, err := s.repo.ListMembers(ctx, conversationID)
	if err != nil {
		return nil, storeErr(err, "conversation")
	}
	msg := &domain.ConversationMessage{
		ID:              s.NewID(),
		ConversationID:  conversationID,
		SenderID:        caller.ID,
		Body:            body,
		ClientMessageID: clientMessageID,
		CreatedAt:       s.Now(),
	}
	pv := preview(body)
	if err := s.repo.AppendMessage(ctx, msg, pv); err != nil {
		if errors.Is(err, repository.ErrDuplicate) && clientMessageID != "" {
			// lost a race with a concurrent resend
			prev, ferr := s.repo.FindMessageByClientID(ctx, conversationID, caller.ID, clientMessageID)
			if ferr != nil {
				return nil, storeErr(ferr, "conversation message")
			}
			return prev, nil
		}
		return nil, storeErr(err, "conversation")
	}
	metrics.MessagesCreated.WithLabelValues("conversation_message").Inc()

	recipients := make([]string, 0, len(members))
	for _, m := range members {
		if m.UserID != caller.ID {
			recipients = append(recipients, m.UserID)
		}
	}
	s.pub.Dispatch(ctx, fanout.ConversationMessageCreated{Message: *msg, Preview: pv, Recipients: recipients})
	for _, r := range recipients {
		s.push.Notify(ctx, r, push.Notification{
			Title: "New message", Body: pv, URL: "/conversations/" + conversationID, Tag: conversationID,
		})
	}
	return msg, nil
}

// MarkRead clears the caller's unread count.
func (s *ConversationService) MarkRead(ctx context.Context, caller auth.Identity, conversationID string) (time.Time, error) {
	if err := s.requireMember(ctx, conversationID, caller.ID); err != nil {
		return time.Time{}, err
	}
	now := s.Now()
	if err := s.repo.MarkRead(ctx, conversationID, caller.ID, now); err != nil {
		return time.Time{}, storeErr(err, "conversation")
	}
	s.pub.Dispatch(ctx, fanout.ConversationRead{ConversationID: conversationID, ReaderID: caller.ID, ReadAt: now})
	return now, nil
}

// Hide removes the conversation from the caller's list until the next
// message arrives. The other member is not affected.
func (s *ConversationService) Hide(ctx context.Context, caller auth.Identity, conversationID string) error {
	if err := s.requireMember(ctx, conversationID, caller.ID); err != nil {
		return err
	}
	if err := s.repo.Hide(ctx, conversationID, caller.ID, s.Now()); err != nil {
		return storeErr(err, "conversation")
	}
	return nil
}

// List returns the caller's visible conversations with the counterpart's
// display name. Profile lookup failures only degrade the names.
func (s *ConversationService) List(ctx context.Context, caller auth.Identity, limit int) ([]domain.ConversationSummary, error) {
	rows, err := s.repo.ListForUser(ctx, caller.ID, clampLimit(limit))
	if err != nil {
		return nil, storeErr(err, "conversations")
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		if len(r.Others) > 0 {
			ids = append(ids, r.Others[0])
		}
	}
	profiles := map[string]domain.Profile{}
	if len(ids) > 0 && s.profiles != nil {
		if p, err := s.profiles.GetProfiles(ctx, ids); err != nil {
			s.log.Warn("profile lookup failed", zap.Int("count", len(ids)), zap.Error(err))
		} else {
			profiles = p
		}
	}

	out := make([]domain.ConversationSummary, 0, len(rows))
	for _, r := range rows {
		sum := domain.ConversationSummary{
			ID:            r.Conversation.ID,
			Preview:       r.Conversation.Preview,
			LastMessageAt: r.Conversation.LastMessageAt,
			UnreadCount:   r.Member.UnreadCount,
			LastReadAt:    r.Member.LastReadAt,
		}
		if len(r.Others) > 0 {
			sum.CounterpartID = r.Others[0]
		}
		var p *domain.Profile
		if pr, ok := profiles[sum.CounterpartID]; ok {
			p = &pr
			sum.CounterpartAvatar = pr.AvatarURL
		}
		sum.CounterpartName = DisplayName(p, sum.CounterpartID)
		out = append(out, sum)
	}
	return out, nil
}

// Messages pages backwards from before (zero means latest) and returns
// the page in ascending order.
func (s *ConversationService) Messages(ctx context.Context, caller auth.Identity, conversationID string, before time.Time, limit int) ([]domain.TimelineItem, error) {
	if err := s.requireMember(ctx, conversationID, caller.ID); err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, conversationID, before, clampLimit(limit))
	if err != nil {
		return nil, storeErr(err, "conversation")
	}
	members, err := s.repo.ListMembers(ctx, conversationID)
	if err != nil {
		return nil, storeErr(err, "conversation")
	}

	// an outgoing message counts as read once every other member's
	// last_read_at has reached it
	var readUpTo *time.Time
	for _, m := range members {
		if m.UserID == caller.ID {
			continue
		}
		if m.LastReadAt == nil {
			readUpTo = nil
			break
		}
		if readUpTo == nil || m.LastReadAt.Before(*readUpTo) {
			t := *m.LastReadAt
			readUpTo = &t
		}
	}

	items := make([]domain.TimelineItem, 0, len(msgs))
	for _, m := range msgs {
		outgoing := m.SenderID == caller.ID
		status := delivery.Sent
		if outgoing && readUpTo != nil && !readUpTo.Before(m.CreatedAt) {
			status = delivery.Read
		}
		items = append(items, timelineItem(domain.KindConversationMessage, m.ID, m.SenderID, "",
			m.Body, status, m.CreatedAt, outgoing))
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

// Timeline returns the latest page of a conversation.
func (s *ConversationService) Timeline(ctx context.Context, caller auth.Identity, conversationID string) ([]domain.TimelineItem, error) {
	return s.Messages(ctx, caller, conversationID, time.Time{}, defaultListLimit)
}

// Post sends into a conversation and returns the new item as the caller
// sees it.
func (s *ConversationService) Post(ctx context.Context, caller auth.Identity, conversationID, body string) (domain.TimelineItem, error) {
	m, err := s.Send(ctx, caller, conversationID, body)
	if err != nil {
		return domain.TimelineItem{}, err
	}
	return timelineItem(domain.KindConversationMessage, m.ID, m.SenderID, "", m.Body, delivery.Sent, m.CreatedAt, true), nil
}

// Typing publishes a typing signal unless the caller sent one within the
// limiter window. It reports whether the signal was throttled.
func (s *ConversationService) Typing(ctx context.Context, caller auth.Identity, conversationID string) (bool, error) {
	if err := s.requireMember(ctx, conversationID, caller.ID); err != nil {
		return false, err
	}
	ok, err := s.typing.Allow(ctx, caller.ID, conversationID)
	if err != nil {
		s.log.Warn("typing limiter failed", zap.String("conversation_id", conversationID), zap.Error(err))
		ok = false
	}
	if !ok {
		metrics.TypingThrottled.Inc()
		return true, nil
	}
	s.pub.Dispatch(ctx, fanout.Typing{ConversationID: conversationID, UserID: caller.ID})
	return false, nil
}

// IsMember backs private-conversation channel authorization.
func (s *ConversationService) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	return s.repo.IsMember(ctx, conversationID, userID)
}

func (s *ConversationService) requireMember(ctx context.Context, conversationID, userID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return apperr.InvalidArgument("conversation id is required")
	}
	if _, err := s.repo.GetConversation(ctx, conversationID); err != nil {
		return storeErr(err, "conversation")
	}
	ok, err := s.repo.IsMember(ctx, conversationID, userID)
	switch {
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return apperr.Internal(err)
	case !ok:
		return apperr.Forbidden("not a member of this conversation")
	}
	return nil
}
