package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Envelope is what travels on the bus and what the realtime gateway
// forwards to subscribed sockets.
type Envelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

type Subscription interface {
	Close() error
}

// Bus carries envelopes between API processes and realtime gateways.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe delivers every private channel envelope to fn. It returns
	// once the subscription is active.
	Subscribe(ctx context.Context, fn func(Envelope)) (Subscription, error)
	Close() error
}

// --- redis ---

type RedisBus struct {
	rdb    *redis.Client
	prefix string
	log    *zap.Logger
}

func NewRedisBus(rdb *redis.Client, prefix string, log *zap.Logger) *RedisBus {
	if prefix == "" {
		prefix = "messaging"
	}
	return &RedisBus{rdb: rdb, prefix: prefix, log: log}
}

func (b *RedisBus) key(channel string) string { return b.prefix + ":" + channel }

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.key(env.Channel), payload).Err()
}

type redisSub struct{ ps *redis.PubSub }

func (s redisSub) Close() error { return s.ps.Close() }

func (b *RedisBus) Subscribe(ctx context.Context, fn func(Envelope)) (Subscription, error) {
	ps := b.rdb.PSubscribe(ctx, b.key("private-*"))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis psubscribe: %w", err)
	}
	ch := ps.Channel()
	go func() {
		for msg := range ch {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("drop malformed bus payload", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			fn(env)
		}
	}()
	return redisSub{ps: ps}, nil
}

func (b *RedisBus) Close() error { return nil }

// --- nats ---

const natsSubjectPrefix = "realtime."

func natsSubject(channel string) string { return natsSubjectPrefix + channel }

type NATSBus struct {
	nc  *nats.Conn
	log *zap.Logger
}

func NewNATSBus(url string, log *zap.Logger) (*NATSBus, error) {
	nc, err := nats.Connect(url, nats.Name("marketplace-messaging"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	return &NATSBus{nc: nc, log: log}, nil
}

func (b *NATSBus) Publish(_ context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.nc.Publish(natsSubject(env.Channel), payload)
}

func (b *NATSBus) Subscribe(_ context.Context, fn func(Envelope)) (Subscription, error) {
	sub, err := b.nc.Subscribe(natsSubjectPrefix+">", func(m *nats.Msg) {
		if !strings.HasPrefix(m.Subject, natsSubjectPrefix+"private-") {
			return
		}
		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			b.log.Warn("drop malformed bus payload", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		fn(env)
	})
	if err != nil {
		return nil, err
	}
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return natsSub{sub: sub}, nil
}

type natsSub struct{ sub *nats.Subscription }

func (s natsSub) Close() error { return s.sub.Unsubscribe() }

func (b *NATSBus) Close() error {
	return b.nc.Drain()
}
