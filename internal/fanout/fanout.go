// Package fanout maps domain events to broadcast publications. Dispatch
// is pure: it performs no I/O and is safe to call from any goroutine.
package fanout

import (
	"time"

	"github.com/fathima-sithara/marketplace-messaging/internal/channels"
	"github.com/fathima-sithara/marketplace-messaging/internal/delivery"
	"github.com/fathima-sithara/marketplace-messaging/internal/domain"
)

const (
	EventMessageNew          = "message:new"
	EventReplyNew            = "reply:new"
	EventMessageDelivered    = "message:delivered"
	EventMessageRead         = "message:read"
	EventReplyDelivered      = "reply:delivered"
	EventReplyRead           = "reply:read"
	EventConversationStarted = "chat:conversation:started"
	EventConversationRead    = "chat:conversation:read"
	EventConversationUpdated = "chat:conversation:updated"
	EventChatMessageNew      = "chat:message:new"
	EventTyping              = "chat:typing"
)

// Publication is one (channel, event, payload) triple.
type Publication struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Data    any    `json:"data"`
}

type Event interface {
	isEvent()
}

type MessageCreated struct {
	Message domain.Message
}

type ReplyCreated struct {
	Thread domain.Message
	Reply  domain.Reply
}

// DeliveryChanged is emitted after a forward delivery transition on a
// seed message (Kind=KindMessage) or a reply (Kind=KindReply).
type DeliveryChanged struct {
	Kind        domain.ItemKind
	EntityID    string
	MessageID   string
	SellerID    string
	SenderEmail string
	// AuthorIsSeller is true when the seller wrote the entity; the event
	// goes to the author, never back to the receiver who acknowledged it.
	AuthorIsSeller bool
	Status         delivery.Status
}

type ConversationStarted struct {
	ConversationID string
	InitiatorID    string
	Participants   []string
}

type ConversationRead struct {
	ConversationID string
	ReaderID       string
	ReadAt         time.Time
}

type ConversationMessageCreated struct {
	Message    domain.ConversationMessage
	Preview    string
	Recipients []string
}

type Typing struct {
	ConversationID string
	UserID         string
}

func (MessageCreated) isEvent()             {}
func (ReplyCreated) isEvent()               {}
func (DeliveryChanged) isEvent()            {}
func (ConversationStarted) isEvent()        {}
func (ConversationRead) isEvent()           {}
func (ConversationMessageCreated) isEvent() {}
func (Typing) isEvent()                     {}

type DeliveryPayload struct {
	EntityID  string          `json:"entity_id"`
	MessageID string          `json:"message_id"`
	Status    delivery.Status `json:"status"`
}

type ConversationStartedPayload struct {
	ConversationID string `json:"conversation_id"`
	InitiatorID    string `json:"initiator_id"`
}

type ConversationReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id"`
	ReadAt         time.Time `json:"read_at"`
}

type ConversationUpdatedPayload struct {
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Preview        string    `json:"preview"`
	LastMessageAt  time.Time `json:"last_message_at"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

func Dispatch(ev Event) []Publication {
	switch e := ev.(type) {
	case MessageCreated:
		return []Publication{
			{Channel: channels.Seller(e.Message.SellerID), Event: EventMessageNew, Data: e.Message},
			{Channel: channels.Thread(e.Message.SellerID, e.Message.SenderEmail), Event: EventMessageNew, Data: e.Message},
		}

	case ReplyCreated:
		return []Publication{
			{Channel: channels.Seller(e.Thread.SellerID), Event: EventReplyNew, Data: e.Reply},
			{Channel: channels.Thread(e.Thread.SellerID, e.Thread.SenderEmail), Event: EventReplyNew, Data: e.Reply},
		}

	case DeliveryChanged:
		name := deliveryEventName(e.Kind, e.Status)
		if name == "" {
			return nil
		}
		ch := channels.Thread(e.SellerID, e.SenderEmail)
		if e.AuthorIsSeller {
			ch = channels.Seller(e.SellerID)
		}
		return []Publication{{
			Channel: ch,
			Event:   name,
			Data:    DeliveryPayload{EntityID: e.EntityID, MessageID: e.MessageID, Status: e.Status},
		}}

	case ConversationStarted:
		payload := ConversationStartedPayload{ConversationID: e.ConversationID, InitiatorID: e.InitiatorID}
		var out []Publication
		for _, p := range e.Participants {
			if p == e.InitiatorID {
				continue
			}
			out = append(out, Publication{Channel: channels.User(p), Event: EventConversationStarted, Data: payload})
		}
		return out

	case ConversationRead:
		return []Publication{{
			Channel: channels.User(e.ReaderID),
			Event:   EventConversationRead,
			Data:    ConversationReadPayload{ConversationID: e.ConversationID, ReaderID: e.ReaderID, ReadAt: e.ReadAt},
		}}

	case ConversationMessageCreated:
		out := []Publication{{
			Channel: channels.Conversation(e.Message.ConversationID),
			Event:   EventChatMessageNew,
			Data:    e.Message,
		}}
		updated := ConversationUpdatedPayload{
			ConversationID: e.Message.ConversationID,
			SenderID:       e.Message.SenderID,
			Preview:        e.Preview,
			LastMessageAt:  e.Message.CreatedAt,
		}
		for _, r := range e.Recipients {
			if r == e.Message.SenderID {
				continue
			}
			out = append(out, Publication{Channel: channels.User(r), Event: EventConversationUpdated, Data: updated})
		}
		return out

	case Typing:
		return []Publication{{
			Channel: channels.Conversation(e.ConversationID),
			Event:   EventTyping,
			Data:    TypingPayload{ConversationID: e.ConversationID, UserID: e.UserID},
		}}
	}
	return nil
}

func deliveryEventName(kind domain.ItemKind, s delivery.Status) string {
	switch {
	case kind == domain.KindMessage && s == delivery.Delivered:
		return EventMessageDelivered
	case kind == domain.KindMessage && s == delivery.Read:
		return EventMessageRead
	case kind == domain.KindReply && s == delivery.Delivered:
		return EventReplyDelivered
	case kind == domain.KindReply && s == delivery.Read:
		return EventReplyRead
	}
	return ""
}
