package push

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fathima-sithara/marketplace-messaging/internal/domain"
	"github.com/fathima-sithara/marketplace-messaging/internal/metrics"
	"github.com/fathima-sithara/marketplace-messaging/internal/repository"
)

type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// Sender delivers one payload to one endpoint and returns the push
// service's HTTP status.
type Sender interface {
	Send(ctx context.Context, sub domain.PushSubscription, payload []byte) (int, error)
}

type WebPushSender struct {
	opts webpush.Options
}

func NewWebPushSender(publicKey, privateKey, subscriber string, ttl time.Duration) *WebPushSender {
	return &WebPushSender{opts: webpush.Options{
		Subscriber:      subscriber,
		VAPIDPublicKey:  publicKey,
		VAPIDPrivateKey: privateKey,
		TTL:             int(ttl.Seconds()),
	}}
}

func (s *WebPushSender) Send(ctx context.Context, sub domain.PushSubscription, payload []byte) (int, error) {
	opts := s.opts
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{Auth: sub.Auth, P256dh: sub.P256dh},
	}, &opts)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

var errRejected = errors.New("push service rejected notification")

// Notifier fans a notification out to every subscription of a user.
// Failures never reach the caller.
type Notifier struct {
	subs    repository.PushSubscriptionRepository
	sender  Sender
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	log     *zap.Logger
}

func NewNotifier(subs repository.PushSubscriptionRepository, sender Sender, timeout time.Duration, log *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webpush",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Notifier{subs: subs, sender: sender, cb: cb, timeout: timeout, log: log}
}

func (n *Notifier) Notify(ctx context.Context, userID string, note Notification) {
	if n == nil || n.sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	subs, err := n.subs.ListPushSubscriptions(ctx, userID)
	if err != nil {
		n.log.Warn("load push subscriptions", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(note)
	if err != nil {
		n.log.Error("marshal push payload", zap.Error(err))
		return
	}

	for _, sub := range subs {
		var status int
		_, err := n.cb.Execute(func() (interface{}, error) {
			s, err := n.sender.Send(ctx, sub, payload)
			status = s
			if err != nil {
				return nil, err
			}
			if s >= 500 {
				return nil, errRejected
			}
			return nil, nil
		})

		switch {
		case status == http.StatusNotFound || status == http.StatusGone:
			// the browser unsubscribed
			if err := n.subs.DeletePushEndpoint(ctx, sub.Endpoint); err != nil {
				n.log.Warn("prune push endpoint", zap.String("user_id", userID), zap.Error(err))
			}
		case err != nil:
			metrics.PushFailures.Inc()
			n.log.Warn("push delivery failed", zap.String("user_id", userID), zap.Error(err))
		case status >= 400:
			metrics.PushFailures.Inc()
			n.log.Warn("push delivery rejected", zap.String("user_id", userID), zap.Int("status", status))
		}
	}
}
