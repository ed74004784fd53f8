package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TokenBucketLimiter is a process-local RateLimiter with one token bucket
// per key. Idle buckets are evicted during lookups.
type TokenBucketLimiter struct {
	rps   rate.Limit
	burst int
	ttl   time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor
	lookups  uint64
	now      func() time.Time
}

// NewTokenBucketLimiter builds a limiter refilling rps tokens per second.
func NewTokenBucketLimiter(rps float64, burst int) *TokenBucketLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucketLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		ttl:      10 * time.Minute,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

// Allow implements RateLimiter.
func (l *TokenBucketLimiter) Allow(_ context.Context, key string) (bool, error) {
	return l.limiter(key).Allow(), nil
}

func (l *TokenBucketLimiter) limiter(key string) *rate.Limiter {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	// sweep before touching key so a stale bucket for it is dropped too
	l.lookups++
	if l.lookups >= 5000 {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) >= l.ttl {
				delete(l.visitors, k)
			}
		}
		l.lookups = 0
	}

	if v, ok := l.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}

	lim := rate.NewLimiter(l.rps, l.burst)
	l.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}
