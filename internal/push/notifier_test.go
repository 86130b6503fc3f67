package push

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathima-sithara/marketplace-messaging/internal/domain"
	"github.com/fathima-sithara/marketplace-messaging/internal/repository"
)

type stubSender struct {
	status map[string]int
	err    map[string]error
	sent   []string
}

func (s *stubSender) Send(_ context.Context, sub domain.PushSubscription, _ []byte) (int, error) {
	s.sent = append(s.sent, sub.Endpoint)
	if err := s.err[sub.Endpoint]; err != nil {
		return 0, err
	}
	if st, ok := s.status[sub.Endpoint]; ok {
		return st, nil
	}
	return 201, nil
}

func TestNotifierPrunesGoneEndpoints(t *testing.T) {
	store, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "push.db"))
	require.NoError(t, err)
	defer store.Close(context.Background())
	ctx := context.Background()

	for _, ep := range []string{"https://push/ok", "https://push/gone", "https://push/down"} {
		require.NoError(t, store.SavePushSubscription(ctx, &domain.PushSubscription{
			ID: ep, UserID: "u1", Endpoint: ep, P256dh: "k", Auth: "a", CreatedAt: time.Now(),
		}))
	}
	sender := &stubSender{
		status: map[string]int{"https://push/gone": 410},
		err:    map[string]error{"https://push/down": errors.New("timeout")},
	}
	n := NewNotifier(store, sender, time.Second, zap.NewNop())

	n.Notify(ctx, "u1", Notification{Title: "New message", Body: "hi"})

	assert.Len(t, sender.sent, 3)
	left, err := store.ListPushSubscriptions(ctx, "u1")
	require.NoError(t, err)
	var endpoints []string
	for _, s := range left {
		endpoints = append(endpoints, s.Endpoint)
	}
	assert.ElementsMatch(t, []string{"https://push/ok", "https://push/down"}, endpoints)
}

func TestNilNotifierIsNoop(t *testing.T) {
	var n *Notifier
	assert.NotPanics(t, func() { n.Notify(context.Background(), "u1", Notification{}) })
}
