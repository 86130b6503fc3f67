package api

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fathima-sithara/marketplace-messaging/internal/apperr"
)

// IPRateLimiter keeps one token bucket per client IP.
type IPRateLimiter struct {
	visitors sync.Map
	rps      rate.Limit
	burst    int
	log      *zap.Logger
}

type visitor struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// NewIPRateLimiter starts a cleanup loop that ends with ctx.
func NewIPRateLimiter(ctx context.Context, perMinute int, logger *zap.Logger) *IPRateLimiter {
	if perMinute <= 0 {
		perMinute = 600
	}
	l := &IPRateLimiter{
		rps:   rate.Limit(float64(perMinute) / 60.0),
		burst: max(5, perMinute/10),
		log:   logger,
	}
	go l.cleanupVisitors(ctx, time.Minute, 5*time.Minute)
	return l
}

func (l *IPRateLimiter) getLimiter(ip string) *rate.Limiter {
	now := time.Now()
	v, _ := l.visitors.LoadOrStore(ip, &visitor{limiter: rate.NewLimiter(l.rps, l.burst), lastSeen: now})
	vi := v.(*visitor)
	vi.mu.Lock()
	vi.lastSeen = now
	vi.mu.Unlock()
	return vi.limiter
}

func (l *IPRateLimiter) cleanupVisitors(ctx context.Context, every, idle time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.prune(time.Now().Add(-idle))
		}
	}
}

func (l *IPRateLimiter) prune(cutoff time.Time) {
	l.visitors.Range(func(k, v interface{}) bool {
		vi := v.(*visitor)
		vi.mu.Lock()
		stale := vi.lastSeen.Before(cutoff)
		vi.mu.Unlock()
		if stale {
			l.visitors.Delete(k)
		}
		return true
	})
}

func (l *IPRateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ip := getIP(c)
		if !l.getLimiter(ip).Allow() {
			l.log.Warn("rate limit exceeded", zap.String("ip", ip), zap.String("path", c.Path()))
			return apperr.New(apperr.CodeRateLimited, "rate limit exceeded")
		}
		return c.Next()
	}
}

func getIP(c *fiber.Ctx) string {
	ip := c.IP()
	if ip == "" {
		ip = "unknown"
	}
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		return host
	}
	return ip
}
