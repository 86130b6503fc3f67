package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathima-sithara/marketplace-messaging/internal/apperr"
	"github.com/fathima-sithara/marketplace-messaging/internal/auth"
	"github.com/fathima-sithara/marketplace-messaging/internal/billing"
	"github.com/fathima-sithara/marketplace-messaging/internal/domain"
	"github.com/fathima-sithara/marketplace-messaging/internal/fanout"
	"github.com/fathima-sithara/marketplace-messaging/internal/push"
	"github.com/fathima-sithara/marketplace-messaging/internal/repository"
	"github.com/fathima-sithara/marketplace-messaging/internal/typing"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []fanout.Event
}

func (p *recordingPublisher) Dispatch(_ context.Context, ev fanout.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) count(match func(fanout.Event) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if match(ev) {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu    sync.Mutex
	users []string
}

func (n *recordingNotifier) Notify(_ context.Context, userID string, _ push.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userID)
}

type failingPlans struct{}

func (failingPlans) PlanTier(context.Context, string) (billing.Tier, error) {
	return "", fmt.Errorf("billing down")
}

// tickClock advances one millisecond per call so created_at values are
// distinct and ordered.
func tickClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

type fixture struct {
	store  *repository.SQLiteStore
	pub    *recordingPublisher
	notes  *recordingNotifier
	legacy *LegacyService
	convs  *ConversationService
}

var (
	seller = auth.Identity{ID: "seller-1", Email: "shop@example.com"}
	buyer  = auth.Identity{ID: "buyer-1", Email: "Buyer@Example.com"}
	alice  = auth.Identity{ID: "alice", Email: "alice@example.com"}
	bob    = auth.Identity{ID: "bob", Email: "bob@example.com"}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "svc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })

	plans := billing.Static{Default: billing.TierPro, Overrides: map[string]billing.Tier{"free-user": billing.TierFree}}
	ent := NewEntitlements(plans)
	pub := &recordingPublisher{}
	notes := &recordingNotifier{}
	clock := tickClock()
	log := zap.NewNop()

	legacy := NewLegacyService(store, ent, pub, notes, log)
	legacy.Now = clock
	limiter := typing.NewLimiter(typing.NewMemoryStore(5000, time.Minute), time.Second).WithClock(clock)
	convs := NewConversationService(store, store, ent, pub, notes, limiter, log)
	convs.Now = clock

	return &fixture{store: store, pub: pub, notes: notes, legacy: legacy, convs: convs}
}

func TestContactSellerAndDirectRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.legacy.ContactSeller(ctx, nil, ContactInput{
		SellerID: seller.ID, Email: "Buyer@Example.com", Name: "Bee", Body: "  is it available?  ",
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "buyer@example.com", res.Message.SenderEmail)
	assert.Equal(t, "is it available?", res.Message.Body)
	assert.Equal(t, []string{seller.ID}, f.notes.users)

	// sent -> read directly, then a late delivered ack is a no-op
	st, err := f.legacy.AcknowledgeMessage(ctx, seller, res.Message.ID, "read")
	require.NoError(t, err)
	assert.Equal(t, "read", string(st))

	st, err = f.legacy.AcknowledgeMessage(ctx, seller, res.Message.ID, "delivered")
	require.NoError(t, err)
	assert.Equal(t, "read", string(st))

	assert.Equal(t, 1, f.pub.count(func(ev fanout.Event) bool {
		_, ok := ev.(fanout.DeliveryChanged)
		return ok
	}))

	// the buyer is not the receiver of the seed
	_, err = f.legacy.AcknowledgeMessage(ctx, buyer, res.Message.ID, "read")
	assert.True(t, apperr.Is(err, apperr.CodePermissionDenied))

	_, err = f.legacy.AcknowledgeMessage(ctx, seller, "missing", "read")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	_, err = f.legacy.AcknowledgeMessage(ctx, seller, res.Message.ID, "sent")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
}

func TestContactSellerSecondContact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.legacy.ContactSeller(ctx, nil, ContactInput{SellerID: seller.ID, Email: "b@x.com", Body: "hi"})
	require.NoError(t, err)

	_, err = f.legacy.ContactSeller(ctx, nil, ContactInput{SellerID: seller.ID, Email: "B@X.com", Body: "hi again"})
	assert.True(t, apperr.Is(err, apperr.CodeConflict))

	signedIn := auth.Identity{ID: "b", Email: "b@x.com"}
	res, err := f.legacy.ContactSeller(ctx, &signedIn, ContactInput{SellerID: seller.ID, Body: "hi again"})
	require.NoError(t, err)
	assert.False(t, res.Created)
	require.NotNil(t, res.Reply)
	assert.Equal(t, res.Message.ID, res.Reply.MessageID)
}

func TestContactSellerValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   ContactInput
		code apperr.Code
	}{
		{"empty body", ContactInput{SellerID: seller.ID, Email: "b@x.com", Body: "   "}, apperr.CodeInvalidArgument},
		{"placeholder body", ContactInput{SellerID: seller.ID, Email: "b@x.com", Body: domain.PlaceholderBody}, apperr.CodeInvalidArgument},
		{"oversized body", ContactInput{SellerID: seller.ID, Email: "b@x.com", Body: string(make([]rune, 5001))}, apperr.CodeInvalidArgument},
		{"missing seller", ContactInput{Email: "b@x.com", Body: "hi"}, apperr.CodeInvalidArgument},
		{"missing email", ContactInput{SellerID: seller.ID, Body: "hi"}, apperr.CodeInvalidArgument},
		{"seller not entitled", ContactInput{SellerID: "free-user", Email: "b@x.com", Body: "hi"}, apperr.CodePermissionDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.legacy.ContactSeller(ctx, nil, tc.in)
			assert.True(t, apperr.Is(err, tc.code), "got %v", err)
		})
	}
	assert.Empty(t, f.pub.events)

	_, err := f.legacy.ContactSeller(ctx, &seller, ContactInput{SellerID: seller.ID, Body: "hi"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
}

func TestEntitlementLookupFailsClosed(t *testing.T) {
	ent := NewEntitlements(failingPlans{})
	err := ent.RequireMessaging(context.Background(), "u1")
	assert.True(t, apperr.Is(err, apperr.CodeUnavailable))
}

func TestInitiateThreadHidesPlaceholder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.legacy.InitiateThread(ctx, seller, InitiateInput{BuyerEmail: "Buyer@Example.com", Body: "your order shipped"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Message.IsPlaceholder())
	require.NotNil(t, res.Reply)

	items, err := f.legacy.Timeline(ctx, buyer, res.Message.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "your order shipped", items[0].Body)
	assert.Equal(t, domain.Incoming, items[0].Direction)
	assert.Empty(t, items[0].DeliveryStatus)

	items, err = f.legacy.Timeline(ctx, seller, res.Message.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.Outgoing, items[0].Direction)
	assert.Equal(t, "sent", string(items[0].DeliveryStatus))

	// a second initiate reuses the thread
	again, err := f.legacy.InitiateThread(ctx, seller, InitiateInput{BuyerEmail: "buyer@example.com", Body: "tracking attached"})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, res.Message.ID, again.Message.ID)

	// the buyer acknowledges the seller's reply
	st, err := f.legacy.AcknowledgeReply(ctx, buyer, res.Reply.ID, "delivered")
	require.NoError(t, err)
	assert.Equal(t, "delivered", string(st))
	_, err = f.legacy.AcknowledgeReply(ctx, seller, res.Reply.ID, "read")
	assert.True(t, apperr.Is(err, apperr.CodePermissionDenied))

	_, err = f.legacy.Timeline(ctx, alice, res.Message.ID)
	assert.True(t, apperr.Is(err, apperr.CodePermissionDenied))
}

func TestReplyUpdatesTriageStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.legacy.ContactSeller(ctx, &buyer, ContactInput{SellerID: seller.ID, Body: "hello"})
	require.NoError(t, err)

	_, err = f.legacy.Reply(ctx, seller, res.Message.ID, "hi there")
	require.NoError(t, err)
	m, err := f.store.GetMessage(ctx, res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TriageReplied, m.Status)

	_, err = f.legacy.Reply(ctx, buyer, res.Message.ID, "thanks")
	require.NoError(t, err)
	m, _ = f.store.GetMessage(ctx, res.Message.ID)
	assert.Equal(t, domain.TriageNew, m.Status)

	_, err = f.legacy.UpdateStatus(ctx, seller, res.Message.ID, domain.TriageBlocked)
	require.NoError(t, err)
	_, err = f.legacy.Reply(ctx, buyer, res.Message.ID, "hello?")
	assert.True(t, apperr.Is(err, apperr.CodePermissionDenied))

	_, err = f.legacy.UpdateStatus(ctx, buyer, res.Message.ID, domain.TriageRead)
	assert.True(t, apperr.Is(err, apperr.CodePermissionDenied))
	_, err = f.legacy.UpdateStatus(ctx, seller, res.Message.ID, "bogus")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	items, err := f.legacy.Timeline(ctx, seller, res.Message.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, domain.Incoming, items[0].Direction)
	assert.Equal(t, domain.Outgoing, items[1].Direction)
	assert.Equal(t, domain.Incoming, items[2].Direction)

	inbox, err := f.legacy.Inbox(ctx, seller, 0)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, 2, inbox[0].ReplyCount)

	threads, err := f.legacy.BuyerThreads(ctx, buyer, 0)
	require.NoError(t, err)
	assert.Len(t, threads, 1)
}

func TestConcurrentAcknowledgeAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.legacy.ContactSeller(ctx, nil, ContactInput{SellerID: seller.ID, Email: "b@x.com", Body: "hi"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := f.legacy.AcknowledgeMessage(ctx, seller, res.Message.ID, "delivered")
			assert.NoError(t, err)
			assert.Equal(t, "delivered", string(st))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.pub.count(func(ev fanout.Event) bool {
		_, ok := ev.(fanout.DeliveryChanged)
		return ok
	}))
}

func TestDeleteOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.legacy.ContactSeller(ctx, &buyer, ContactInput{SellerID: seller.ID, Body: "hello"})
	require.NoError(t, err)
	rep, err := f.legacy.Reply(ctx, seller, res.Message.ID, "hi")
	require.NoError(t, err)

	assert.True(t, apperr.Is(f.legacy.DeleteReply(ctx, buyer, rep.ID), apperr.CodePermissionDenied))
	require.NoError(t, f.legacy.DeleteReply(ctx, seller, rep.ID))

	assert.True(t, apperr.Is(f.legacy.DeleteMessage(ctx, buyer, res.Message.ID), apperr.CodePermissionDenied))
	require.NoError(t, f.legacy.DeleteMessage(ctx, seller, res.Message.ID))
	_, err = f.legacy.Timeline(ctx, seller, res.Message.ID)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestDMKeyIsOrderIndependent(t *testing.T) {
	for _, pair := range [][2]string{{"a", "b"}, {"alice", "bob"}, {"u-10", "u-9"}, {"", "x"}} {
		assert.Equal(t, DMKey(pair[0], pair[1]), DMKey(pair[1], pair[0]))
	}
	assert.NotEqual(t, DMKey("ab", "c"), DMKey("a", "bc"))
	assert.Len(t, DMKey("a", "b"), 64)
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.convs.Start(ctx, alice, StartInput{ParticipantID: bob.ID})
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := f.convs.Start(ctx, bob, StartInput{ParticipantID: alice.ID})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)

	assert.Equal(t, 1, f.pub.count(func(ev fanout.Event) bool {
		_, ok := ev.(fanout.ConversationStarted)
		return ok
	}))

	_, err = f.convs.Start(ctx, alice, StartInput{ParticipantID: alice.ID})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	for _, blank := range []string{"", "   ", "\t\n"} {
		_, err = f.convs.Start(ctx, alice, StartInput{ParticipantID: blank})
		assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument), "participant %q", blank)
	}
	assert.Equal(t, 1, f.pub.count(func(ev fanout.Event) bool {
		_, ok := ev.(fanout.ConversationStarted)
		return ok
	}), "blank participant starts nothing")

	_, err = f.convs.Start(ctx, auth.Identity{ID: "free-user"}, StartInput{ParticipantID: bob.ID})
	assert.True(t, apperr.Is(err, apperr.CodePermissionDenied))
}

func TestSendOnceStoresResendOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start, err := f.convs.Start(ctx, alice, StartInput{ParticipantID: bob.ID, Body: "first", ClientMessageID: "out-0"})
	require.NoError(t, err)
	convID := start.Conversation.ID

	// a retry of the start after a lost answer does not repeat the first message
	again, err := f.convs.Start(ctx, alice, StartInput{ParticipantID: bob.ID, Body: "first", ClientMessageID: "out-0"})
	require.NoError(t, err)
	assert.Equal(t, start.Message.ID, again.Message.ID)

	m1, err := f.convs.SendOnce(ctx, alice, convID, "out-1", "are you there?")
	require.NoError(t, err)
	m2, err := f.convs.SendOnce(ctx, alice, convID, "out-1", "are you there?")
	require.NoError(t, err)
	assert.Equal(t, m1.ID, m2.ID)

	assert.Equal(t, 2, f.pub.count(func(ev fanout.Event) bool {
		_, ok := ev.(fanout.ConversationMessageCreated)
		return ok
	}))
	items, err := f.convs.Timeline(ctx, bob, convID)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	list, err := f.convs.List(ctx, bob, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].UnreadCount)

	_, err = f.convs.SendOnce(ctx, alice, convID, strings.Repeat("x", 65), "hi")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
}

func TestConversationSendReadAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertProfile(ctx, &domain.Profile{UserID: bob.ID, FirstName: "Bob", LastName: "Builder"}))

	start, err := f.convs.Start(ctx, alice, StartInput{ParticipantID: bob.ID, Body: "hey bob"})
	require.NoError(t, err)
	require.NotNil(t, start.Message)
	convID := start.Conversation.ID

	_, err = f.convs.Send(ctx, bob, convID, "hi alice")
	require.NoError(t, err)
	_, err = f.convs.Send(ctx, alice, convID, "how are you")
	require.NoError(t, err)

	_, err = f.convs.Send(ctx, auth.Identity{ID: "mallory"}, convID, "let me in")
	assert.True(t, apperr.Is(err, apperr.CodePermissionDenied))
	_, err = f.convs.Send(ctx, alice, "nope", "hello")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	list, err := f.convs.List(ctx, bob, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].UnreadCount)
	assert.Equal(t, "how are you", list[0].Preview)

	list, err = f.convs.List(ctx, alice, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 0, list[0].UnreadCount)
	assert.Equal(t, "Bob Builder", list[0].CounterpartName)

	// nothing read yet, so every outgoing message is sent
	items, err := f.convs.Timeline(ctx, alice, convID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "sent", string(items[2].DeliveryStatus))
	assert.Empty(t, items[1].DeliveryStatus)

	_, err = f.convs.MarkRead(ctx, bob, convID)
	require.NoError(t, err)
	items, err = f.convs.Timeline(ctx, alice, convID)
	require.NoError(t, err)
	assert.Equal(t, "read", string(items[0].DeliveryStatus))
	assert.Equal(t, "read", string(items[2].DeliveryStatus))

	list, _ = f.convs.List(ctx, bob, 0)
	assert.Equal(t, 0, list[0].UnreadCount)
	assert.Equal(t, alice.ID, list[0].CounterpartName)

	// hiding is per member and undone by the next message
	require.NoError(t, f.convs.Hide(ctx, bob, convID))
	list, _ = f.convs.List(ctx, bob, 0)
	assert.Empty(t, list)
	list, _ = f.convs.List(ctx, alice, 0)
	assert.Len(t, list, 1)

	_, err = f.convs.Send(ctx, alice, convID, "still there?")
	require.NoError(t, err)
	list, _ = f.convs.List(ctx, bob, 0)
	assert.Len(t, list, 1)
}

func TestConversationTypingThrottle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start, err := f.convs.Start(ctx, alice, StartInput{ParticipantID: bob.ID})
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	now := base
	f.convs.typing = typing.NewLimiter(typing.NewMemoryStore(5000, time.Minute), time.Second).
		WithClock(func() time.Time { return now })

	throttled, err := f.convs.Typing(ctx, alice, start.Conversation.ID)
	require.NoError(t, err)
	assert.False(t, throttled)

	now = base.Add(500 * time.Millisecond)
	throttled, _ = f.convs.Typing(ctx, alice, start.Conversation.ID)
	assert.True(t, throttled)

	now = base.Add(1100 * time.Millisecond)
	throttled, _ = f.convs.Typing(ctx, alice, start.Conversation.ID)
	assert.False(t, throttled)

	assert.Equal(t, 2, f.pub.count(func(ev fanout.Event) bool {
		_, ok := ev.(fanout.Typing)
		return ok
	}))

	_, err = f.convs.Typing(ctx, auth.Identity{ID: "mallory"}, start.Conversation.ID)
	assert.True(t, apperr.Is(err, apperr.CodePermissionDenied))
}

func TestExchangeStrategies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	thread, err := f.legacy.ContactSeller(ctx, &buyer, ContactInput{SellerID: seller.ID, Body: "hello"})
	require.NoError(t, err)
	conv, err := f.convs.Start(ctx, alice, StartInput{ParticipantID: bob.ID})
	require.NoError(t, err)

	cases := []struct {
		name   string
		ex     Exchange
		caller auth.Identity
		key    string
	}{
		{"legacy", f.legacy, seller, thread.Message.ID},
		{"conversation", f.convs, alice, conv.Conversation.ID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			item, err := tc.ex.Post(ctx, tc.caller, tc.key, "posted")
			require.NoError(t, err)
			assert.Equal(t, domain.Outgoing, item.Direction)

			items, err := tc.ex.Timeline(ctx, tc.caller, tc.key)
			require.NoError(t, err)
			require.NotEmpty(t, items)
			assert.Equal(t, "posted", items[len(items)-1].Body)
		})
	}
}

func TestDisplayNameFallback(t *testing.T) {
	cases := []struct {
		p    *domain.Profile
		id   string
		want string
	}{
		{&domain.Profile{BusinessName: "Acme", FullName: "Ann"}, "u1", "Acme"},
		{&domain.Profile{FullName: "Ann Lee", FirstName: "A"}, "u1", "Ann Lee"},
		{&domain.Profile{FirstName: "Ann", LastName: ""}, "u1", "Ann"},
		{&domain.Profile{}, "u1", "u1"},
		{nil, "u1", "u1"},
		{nil, "", "Unknown user"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DisplayName(tc.p, tc.id))
	}
}

func TestPreviewTruncates(t *testing.T) {
	long := fmt.Sprintf("%0200d", 0)
	p := preview(long)
	assert.Equal(t, previewRunes, len([]rune(p)))
	assert.Equal(t, "a b", preview("a \n b"))
}
