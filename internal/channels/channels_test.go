package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathima-sithara/marketplace-messaging/internal/apperr"
	"github.com/fathima-sithara/marketplace-messaging/internal/auth"
)

func TestEmailSlug(t *testing.T) {
	cases := map[string]string{
		"b@x.com":                   "b-x-com",
		"  Jane.Doe+Shop@Mail.COM ": "jane-doe-shop-mail-com",
		"--a__b--":                  "a-b",
		"":                          "anonymous",
		"@@@":                       "anonymous",
		"ünï@x.io":                  "n-x-io",
	}
	for in, want := range cases {
		assert.Equal(t, want, EmailSlug(in), in)
	}

	long := strings.Repeat("a", 50) + "." + strings.Repeat("b", 50) + "@x.com"
	got := EmailSlug(long)
	assert.LessOrEqual(t, len(got), 64)
	assert.False(t, strings.HasSuffix(got, "-"))
	assert.Equal(t, got, EmailSlug(long), "deterministic")
}

func TestParse(t *testing.T) {
	cases := []struct {
		name string
		want Ref
		err  bool
	}{
		{Seller("s1"), Ref{FamilySeller, "s1"}, false},
		{Thread("s1", "b@x.com"), Ref{FamilyThread, "s1-b-x-com"}, false},
		{Conversation("c9"), Ref{FamilyConversation, "c9"}, false},
		{User("u7"), Ref{FamilyUser, "u7"}, false},
		{"private-seller-", Ref{}, true},
		{"presence-user-u7", Ref{}, true},
		{"public", Ref{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ref, err := Parse(tc.name)
			if tc.err {
				assert.ErrorIs(t, err, ErrUnknownChannel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, ref)
		})
	}
}

func TestSplitThread(t *testing.T) {
	seller, ok := SplitThread("9f1c-aa-b-x-com", "b-x-com")
	assert.True(t, ok)
	assert.Equal(t, "9f1c-aa", seller)

	_, ok = SplitThread("b-x-com", "b-x-com")
	assert.False(t, ok)
	_, ok = SplitThread("s1-c-x-com", "b-x-com")
	assert.False(t, ok)
}

type fakeMembers map[string][]string

func (f fakeMembers) IsMember(_ context.Context, conv, user string) (bool, error) {
	if conv == "broken" {
		return false, errors.New("db down")
	}
	for _, m := range f[conv] {
		if m == user {
			return true, nil
		}
	}
	return false, nil
}

type fakeThreads map[string]bool

func (f fakeThreads) ThreadExists(_ context.Context, seller, email string) (bool, error) {
	return f[seller+"|"+email], nil
}

func newAuthorizer() *Authorizer {
	return NewAuthorizer(
		fakeMembers{"c1": {"u1", "u2"}},
		fakeThreads{"s1|b@x.com": true},
		NewGrantSigner("grant-secret", time.Minute),
		zap.NewNop(),
	)
}

func TestAuthorizeSellerChannelProperty(t *testing.T) {
	a := newAuthorizer()
	for i := 0; i < 20; i++ {
		x := fmt.Sprintf("seller-%d", i)
		_, err := a.Authorize(context.Background(), auth.Identity{ID: x}, "sock", Seller(x))
		assert.NoError(t, err)

		y := fmt.Sprintf("other-%d", i)
		_, err = a.Authorize(context.Background(), auth.Identity{ID: y}, "sock", Seller(x))
		assert.True(t, apperr.Is(err, apperr.CodePermissionDenied))
	}
}

func TestAuthorize(t *testing.T) {
	a := newAuthorizer()
	buyer := auth.Identity{ID: "b1", Email: "b@x.com"}
	cases := []struct {
		name    string
		caller  auth.Identity
		channel string
		code    apperr.Code
	}{
		{"own user channel", auth.Identity{ID: "u1"}, User("u1"), ""},
		{"someone else's user channel", auth.Identity{ID: "u1"}, User("u2"), apperr.CodePermissionDenied},
		{"conversation member", auth.Identity{ID: "u2"}, Conversation("c1"), ""},
		{"conversation outsider", auth.Identity{ID: "u3"}, Conversation("c1"), apperr.CodePermissionDenied},
		{"membership lookup fails", auth.Identity{ID: "u1"}, Conversation("broken"), apperr.CodeInternal},
		{"buyer on own thread", buyer, Thread("s1", "b@x.com"), ""},
		{"buyer on thread that does not exist", buyer, Thread("s2", "b@x.com"), apperr.CodePermissionDenied},
		{"buyer on someone else's thread", buyer, Thread("s1", "c@x.com"), apperr.CodePermissionDenied},
		{"slug suffix collision", auth.Identity{ID: "e1", Email: "x@com"}, Thread("s1", "b@x.com"), apperr.CodePermissionDenied},
		{"seller uses the seller channel, not the thread", auth.Identity{ID: "s1", Email: "s@shop.com"}, Thread("s1", "b@x.com"), apperr.CodePermissionDenied},
		{"no email on thread", auth.Identity{ID: "b9"}, Thread("s1", "b@x.com"), apperr.CodePermissionDenied},
		{"unknown family", auth.Identity{ID: "u1"}, "presence-lobby", apperr.CodePermissionDenied},
		{"anonymous", auth.Identity{}, User("u1"), apperr.CodeUnauthenticated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, err := a.Authorize(context.Background(), tc.caller, "123.456", tc.channel)
			if tc.code == "" {
				require.NoError(t, err)
				assert.Equal(t, tc.channel, g.Channel)
				assert.NotEmpty(t, g.Token)
				return
			}
			assert.Equal(t, tc.code, apperr.CodeOf(err))
		})
	}
}

func TestAuthorizeRequiresSocketID(t *testing.T) {
	_, err := newAuthorizer().Authorize(context.Background(), auth.Identity{ID: "u1"}, " ", User("u1"))
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
}

func TestGrantScopedToSocketAndChannel(t *testing.T) {
	s := NewGrantSigner("grant-secret", time.Minute)
	g, err := s.Sign("u1", "sock-1", User("u1"))
	require.NoError(t, err)

	claims, err := s.Verify(g.Token, "sock-1", User("u1"))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)

	_, err = s.Verify(g.Token, "sock-2", User("u1"))
	assert.ErrorIs(t, err, ErrGrantMismatch)
	_, err = s.Verify(g.Token, "sock-1", User("u2"))
	assert.ErrorIs(t, err, ErrGrantMismatch)

	other := NewGrantSigner("different", time.Minute)
	_, err = other.Verify(g.Token, "sock-1", User("u1"))
	assert.Error(t, err)
}

func TestGrantExpires(t *testing.T) {
	now := time.Now()
	s := NewGrantSigner("grant-secret", time.Minute)
	s.Now = func() time.Time { return now }
	g, err := s.Sign("u1", "sock", User("u1"))
	require.NoError(t, err)

	s.Now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = s.Verify(g.Token, "sock", User("u1"))
	assert.Error(t, err)
}
