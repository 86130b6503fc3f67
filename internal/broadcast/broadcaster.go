package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fathima-sithara/marketplace-messaging/internal/fanout"
	"github.com/fathima-sithara/marketplace-messaging/internal/metrics"
)

// Sink receives a copy of every publication, e.g. the Kafka event log.
type Sink interface {
	Record(ctx context.Context, pubs []fanout.Publication) error
}

// Broadcaster publishes best-effort. Persisted state is already committed
// when it runs, so failures are logged and never returned.
type Broadcaster struct {
	bus     Bus
	sink    Sink
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	log     *zap.Logger
}

type Option func(*Broadcaster)

func WithSink(s Sink) Option { return func(b *Broadcaster) { b.sink = s } }

func NewBroadcaster(bus Bus, timeout time.Duration, log *zap.Logger, opts ...Option) *Broadcaster {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b := &Broadcaster{bus: bus, timeout: timeout, log: log}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broadcast",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	for _, o := range opts {
		o(b)
	}
	return b
}

// Dispatch maps ev to publications and publishes them.
func (b *Broadcaster) Dispatch(ctx context.Context, ev fanout.Event) {
	b.Publish(ctx, fanout.Dispatch(ev))
}

func (b *Broadcaster) Publish(ctx context.Context, pubs []fanout.Publication) {
	if len(pubs) == 0 {
		return
	}
	// the caller's request may already be finishing; the publish gets its
	// own deadline
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	for _, p := range pubs {
		data, err := json.Marshal(p.Data)
		if err != nil {
			b.log.Error("marshal publication", zap.String("event", p.Event), zap.Error(err))
			metrics.Publications.WithLabelValues("failed").Inc()
			continue
		}
		env := Envelope{Channel: p.Channel, Event: p.Event, Data: data}
		_, err = b.cb.Execute(func() (interface{}, error) {
			return nil, b.bus.Publish(ctx, env)
		})
		if err != nil {
			b.log.Warn("broadcast publish failed",
				zap.String("channel", p.Channel), zap.String("event", p.Event), zap.Error(err))
			metrics.Publications.WithLabelValues("failed").Inc()
			continue
		}
		metrics.Publications.WithLabelValues("ok").Inc()
	}

	if b.sink != nil {
		if err := b.sink.Record(ctx, pubs); err != nil {
			b.log.Warn("event log write failed", zap.Int("publications", len(pubs)), zap.Error(err))
		}
	}
}
