package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messaging_ws_active_connections",
		Help: "Active realtime websocket connections",
	})

	MessagesCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messaging_messages_created_total",
		Help: "Messages persisted, by kind",
	}, []string{"kind"})

	DeliveryTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messaging_delivery_transitions_total",
		Help: "Applied delivery status transitions",
	}, []string{"kind", "status"})

	Publications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messaging_publications_total",
		Help: "Broadcast publications, by result",
	}, []string{"result"})

	TypingThrottled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messaging_typing_throttled_total",
		Help: "Typing signals dropped by the rate limiter",
	})

	PushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messaging_push_failures_total",
		Help: "Web push deliveries that failed",
	})
)

var once sync.Once

// Init registers the collectors with the default registry. Safe to call
// more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(Connections, MessagesCreated, DeliveryTransitions,
			Publications, TypingThrottled, PushFailures)
	})
}

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
