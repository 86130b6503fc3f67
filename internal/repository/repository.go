package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fathima-sithara/marketplace-messaging/internal/delivery"
	"github.com/fathima-sithara/marketplace-messaging/internal/domain"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// LegacyRepository stores seed messages and their replies. Soft-deleted
// rows are invisible to every read.
type LegacyRepository interface {
	CreateMessage(ctx context.Context, m *domain.Message) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	FindThread(ctx context.Context, sellerID, senderEmail string) (*domain.Message, error)
	ThreadExists(ctx context.Context, sellerID, senderEmail string) (bool, error)
	ListInbox(ctx context.Context, sellerID string, limit int) ([]domain.InboxEntry, error)
	ListBuyerThreads(ctx context.Context, senderEmail string, limit int) ([]domain.InboxEntry, error)
	UpdateMessageStatus(ctx context.Context, id string, status domain.TriageStatus, now time.Time) error
	// CompareAndSetMessageDelivery applies next only if the stored status
	// still equals expected. It reports whether the row changed.
	CompareAndSetMessageDelivery(ctx context.Context, id string, expected, next delivery.Status, now time.Time) (bool, error)
	SoftDeleteMessage(ctx context.Context, id string, now time.Time) error

	CreateReply(ctx context.Context, r *domain.Reply) error
	GetReply(ctx context.Context, id string) (*domain.Reply, error)
	ListReplies(ctx context.Context, messageID string) ([]domain.Reply, error)
	CompareAndSetReplyDelivery(ctx context.Context, id string, expected, next delivery.Status) (bool, error)
	SoftDeleteReply(ctx context.Context, id string, now time.Time) error
}

// MemberConversation is a conversation seen from one member.
type MemberConversation struct {
	Conversation domain.Conversation
	Member       domain.Member
	Others       []string
}

type ConversationRepository interface {
	// UpsertConversation inserts c unless a conversation with the same
	// DMKey exists, and returns the stored row.
	UpsertConversation(ctx context.Context, c *domain.Conversation) (stored *domain.Conversation, created bool, err error)
	UpsertMember(ctx context.Context, m *domain.Member) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	GetMember(ctx context.Context, conversationID, userID string) (*domain.Member, error)
	ListMembers(ctx context.Context, conversationID string) ([]domain.Member, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	// AppendMessage stores msg, moves the conversation preview forward and
	// bumps unread for every member except the sender, un-hiding them. It
	// returns ErrDuplicate, with nothing written, when the sender already
	// stored a message with the same ClientMessageID.
	AppendMessage(ctx context.Context, msg *domain.ConversationMessage, preview string) error
	FindMessageByClientID(ctx context.Context, conversationID, senderID, clientMessageID string) (*domain.ConversationMessage, error)
	ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]domain.ConversationMessage, error)
	MarkRead(ctx context.Context, conversationID, userID string, now time.Time) error
	Hide(ctx context.Context, conversationID, userID string, now time.Time) error
	ListForUser(ctx context.Context, userID string, limit int) ([]MemberConversation, error)
}

type PushSubscriptionRepository interface {
	SavePushSubscription(ctx context.Context, s *domain.PushSubscription) error
	ListPushSubscriptions(ctx context.Context, userID string) ([]domain.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, userID, endpoint string) error
	DeletePushEndpoint(ctx context.Context, endpoint string) error
}

type ProfileRepository interface {
	GetProfiles(ctx context.Context, userIDs []string) (map[string]domain.Profile, error)
	UpsertProfile(ctx context.Context, p *domain.Profile) error
}

type Store interface {
	LegacyRepository
	ConversationRepository
	PushSubscriptionRepository
	ProfileRepository
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
