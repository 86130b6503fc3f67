package domain

import (
	"time"

	"github.com/fathima-sithara/marketplace-messaging/internal/delivery"
)

// PlaceholderBody marks a seed message that a seller created to open a
// thread; it carries no buyer-authored content and never appears in a
// timeline.
const PlaceholderBody = "\u200b"

// MaxBodyRunes bounds message, reply and conversation message bodies.
const MaxBodyRunes = 5000

// TriageStatus is the seller's mailbox state of a legacy thread. It is
// unrelated to delivery status.
type TriageStatus string

const (
	TriageNew      TriageStatus = "new"
	TriageRead     TriageStatus = "read"
	TriageReplied  TriageStatus = "replied"
	TriageArchived TriageStatus = "archived"
	TriageSpam     TriageStatus = "spam"
	TriageBlocked  TriageStatus = "blocked"
)

func (s TriageStatus) Valid() bool {
	switch s {
	case TriageNew, TriageRead, TriageReplied, TriageArchived, TriageSpam, TriageBlocked:
		return true
	}
	return false
}

// Message is the seed of a legacy thread. A thread is identified by
// (SellerID, SenderEmail).
type Message struct {
	ID             string          `bson:"_id" json:"id"`
	SellerID       string          `bson:"seller_id" json:"seller_id"`
	SenderEmail    string          `bson:"sender_email" json:"sender_email"`
	SenderName     string          `bson:"sender_name" json:"sender_name"`
	SenderUserID   string          `bson:"sender_user_id,omitempty" json:"sender_user_id,omitempty"`
	Subject        string          `bson:"subject" json:"subject"`
	Body           string          `bson:"body" json:"body"`
	Status         TriageStatus    `bson:"status" json:"status"`
	DeliveryStatus delivery.Status `bson:"delivery_status" json:"delivery_status"`
	CreatedAt      time.Time       `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `bson:"updated_at" json:"updated_at"`
	DeletedAt      *time.Time      `bson:"deleted_at,omitempty" json:"deleted_at,omitempty"`
}

func (m *Message) IsPlaceholder() bool { return m.Body == PlaceholderBody }

type Reply struct {
	ID             string          `bson:"_id" json:"id"`
	MessageID      string          `bson:"message_id" json:"message_id"`
	SenderID       string          `bson:"sender_id" json:"sender_id"`
	Body           string          `bson:"body" json:"body"`
	DeliveryStatus delivery.Status `bson:"delivery_status" json:"delivery_status"`
	CreatedAt      time.Time       `bson:"created_at" json:"created_at"`
	DeletedAt      *time.Time      `bson:"deleted_at,omitempty" json:"deleted_at,omitempty"`
}

// Conversation is the symmetric model. DMKey is unique per unordered
// pair of participants.
type Conversation struct {
	ID            string    `bson:"_id" json:"id"`
	DMKey         string    `bson:"dm_key" json:"dm_key"`
	Preview       string    `bson:"preview" json:"preview"`
	LastMessageAt time.Time `bson:"last_message_at,omitempty" json:"last_message_at,omitempty"`
	CreatedAt     time.Time `bson:"created_at" json:"created_at"`
}

type Member struct {
	ConversationID string     `bson:"conversation_id" json:"conversation_id"`
	UserID         string     `bson:"user_id" json:"user_id"`
	UnreadCount    int        `bson:"unread_count" json:"unread_count"`
	LastReadAt     *time.Time `bson:"last_read_at,omitempty" json:"last_read_at,omitempty"`
	HiddenAt       *time.Time `bson:"hidden_at,omitempty" json:"hidden_at,omitempty"`
	JoinedAt       time.Time  `bson:"joined_at" json:"joined_at"`
}

type ConversationMessage struct {
	ID             string `bson:"_id" json:"id"`
	ConversationID string `bson:"conversation_id" json:"conversation_id"`
	SenderID       string `bson:"sender_id" json:"sender_id"`
	Body           string `bson:"body" json:"body"`
	// ClientMessageID is the sender's idempotency key; a resend with the
	// same key returns the stored message.
	ClientMessageID string     `bson:"client_message_id,omitempty" json:"client_message_id,omitempty"`
	CreatedAt       time.Time  `bson:"created_at" json:"created_at"`
	DeletedAt       *time.Time `bson:"deleted_at,omitempty" json:"deleted_at,omitempty"`
}

type PushSubscription struct {
	ID        string    `bson:"_id" json:"id"`
	UserID    string    `bson:"user_id" json:"user_id"`
	Endpoint  string    `bson:"endpoint" json:"endpoint"`
	P256dh    string    `bson:"p256dh" json:"p256dh"`
	Auth      string    `bson:"auth" json:"auth"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// Profile is the subset of a user record used for display names.
type Profile struct {
	UserID       string `bson:"_id" json:"user_id"`
	Email        string `bson:"email,omitempty" json:"email,omitempty"`
	BusinessName string `bson:"business_name,omitempty" json:"business_name,omitempty"`
	FullName     string `bson:"full_name,omitempty" json:"full_name,omitempty"`
	FirstName    string `bson:"first_name,omitempty" json:"first_name,omitempty"`
	LastName     string `bson:"last_name,omitempty" json:"last_name,omitempty"`
	AvatarURL    string `bson:"avatar_url,omitempty" json:"avatar_url,omitempty"`
}

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

type ItemKind string

const (
	KindMessage             ItemKind = "message"
	KindReply               ItemKind = "reply"
	KindConversationMessage ItemKind = "conversation_message"
)

// TimelineItem is one entry of a merged history. DeliveryStatus is set
// only on outgoing items.
type TimelineItem struct {
	ID             string          `json:"id"`
	Kind           ItemKind        `json:"kind"`
	SenderID       string          `json:"sender_id,omitempty"`
	SenderName     string          `json:"sender_name,omitempty"`
	Body           string          `json:"body"`
	Direction      Direction       `json:"direction"`
	DeliveryStatus delivery.Status `json:"delivery_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ConversationSummary is a conversation as listed for one member.
type ConversationSummary struct {
	ID                string     `json:"id"`
	Preview           string     `json:"preview"`
	LastMessageAt     time.Time  `json:"last_message_at"`
	UnreadCount       int        `json:"unread_count"`
	LastReadAt        *time.Time `json:"last_read_at,omitempty"`
	CounterpartID     string     `json:"counterpart_id"`
	CounterpartName   string     `json:"counterpart_name"`
	CounterpartAvatar string     `json:"counterpart_avatar,omitempty"`
}

// InboxEntry is a seed message with its reply count, as listed for a
// seller.
type InboxEntry struct {
	Message
	ReplyCount int `json:"reply_count"`
}
