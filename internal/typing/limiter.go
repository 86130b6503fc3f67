// Package typing debounces typing signals per (user, conversation).
package typing

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store records the last accepted signal per key. TryAcquire returns true
// and records now when no signal was accepted within window.
type Store interface {
	TryAcquire(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error)
}

type Limiter struct {
	store  Store
	window time.Duration
	now    func() time.Time
}

func NewLimiter(store Store, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{store: store, window: window, now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow reports whether a typing signal should be fanned out.
func (l *Limiter) Allow(ctx context.Context, userID, conversationID string) (bool, error) {
	return l.store.TryAcquire(ctx, limiterKey(userID, conversationID), l.now(), l.window)
}

// limiterKey length-prefixes the user id so no pair of ids can produce
// another pair's key.
func limiterKey(userID, conversationID string) string {
	return strconv.Itoa(len(userID)) + ":" + userID + "|" + conversationID
}

// --- in-process store ---

type MemoryStore struct {
	mu         sync.Mutex
	last       map[string]time.Time
	maxEntries int
	maxAge     time.Duration
}

func NewMemoryStore(maxEntries int, maxAge time.Duration) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 5000
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	return &MemoryStore{last: make(map[string]time.Time), maxEntries: maxEntries, maxAge: maxAge}
}

func (m *MemoryStore) TryAcquire(_ context.Context, key string, now time.Time, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.last[key]; ok && now.Sub(prev) < window {
		return false, nil
	}
	m.last[key] = now
	if len(m.last) > m.maxEntries {
		m.prune(now)
	}
	return true, nil
}

func (m *MemoryStore) prune(now time.Time) {
	cutoff := now.Add(-m.maxAge)
	for k, t := range m.last {
		if t.Before(cutoff) {
			delete(m.last, k)
		}
	}
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.last)
}

// --- shared store ---

// RedisStore shares the window across processes with SET NX PX.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix + ":typing:"}
}

func (r *RedisStore) TryAcquire(ctx context.Context, key string, _ time.Time, window time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, r.prefix+key, 1, window).Result()
}
