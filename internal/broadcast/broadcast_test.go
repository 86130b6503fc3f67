package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathima-sithara/marketplace-messaging/internal/fanout"
)

func newRedisBus(t *testing.T) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisBus(rdb, "test", zap.NewNop())
}

func TestRedisBusRoundTrip(t *testing.T) {
	bus := newRedisBus(t)
	ctx := context.Background()

	got := make(chan Envelope, 4)
	sub, err := bus.Subscribe(ctx, func(e Envelope) { got <- e })
	require.NoError(t, err)
	defer sub.Close()

	b := NewBroadcaster(bus, time.Second, zap.NewNop())
	b.Dispatch(ctx, fanout.Typing{ConversationID: "c1", UserID: "u1"})

	select {
	case e := <-got:
		assert.Equal(t, "private-conversation-c1", e.Channel)
		assert.Equal(t, fanout.EventTyping, e.Event)
		var p fanout.TypingPayload
		require.NoError(t, json.Unmarshal(e.Data, &p))
		assert.Equal(t, "u1", p.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope received")
	}
}

type failingBus struct {
	mu    sync.Mutex
	calls int
}

func (f *failingBus) Publish(context.Context, Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("connection refused")
}

func (f *failingBus) Subscribe(context.Context, func(Envelope)) (Subscription, error) {
	return nil, errors.New("unsupported")
}

func (f *failingBus) Close() error { return nil }

type recordingSink struct{ pubs []fanout.Publication }

func (r *recordingSink) Record(_ context.Context, pubs []fanout.Publication) error {
	r.pubs = append(r.pubs, pubs...)
	return nil
}

func TestBroadcasterSwallowsFailuresAndTripsBreaker(t *testing.T) {
	bus := &failingBus{}
	sink := &recordingSink{}
	b := NewBroadcaster(bus, time.Second, zap.NewNop(), WithSink(sink))

	for i := 0; i < 10; i++ {
		b.Dispatch(context.Background(), fanout.Typing{ConversationID: "c1", UserID: "u1"})
	}
	// the breaker opens after 5 consecutive failures and stops calling the bus
	assert.Equal(t, 5, bus.calls)
	assert.Len(t, sink.pubs, 10, "event log still records every publication")
}

func TestBroadcasterIgnoresCancelledCaller(t *testing.T) {
	bus := newRedisBus(t)
	got := make(chan Envelope, 1)
	sub, err := bus.Subscribe(context.Background(), func(e Envelope) { got <- e })
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewBroadcaster(bus, time.Second, zap.NewNop()).Dispatch(ctx, fanout.ConversationRead{ConversationID: "c1", ReaderID: "u1"})

	select {
	case e := <-got:
		assert.Equal(t, "private-user-u1", e.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("publish should outlive the request context")
	}
}

func TestNATSSubject(t *testing.T) {
	assert.Equal(t, "realtime.private-user-u1", natsSubject("private-user-u1"))
}
