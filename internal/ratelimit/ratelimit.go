package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter applies a token bucket per string key (one bucket per daemon IP)
// and sweeps idle entries so the map cannot grow without bound.
type Limiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*bucket
	hits  uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a key-based limiter allowing rps events per second with the
// given burst per key. Returns nil when rps or burst is not positive; a nil
// Limiter allows everything.
func New(rps float64, burst int, idleTTL time.Duration) *Limiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &Limiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byKey:   make(map[string]*bucket),
	}
}

// Allow reports whether one event for key may proceed at now. Empty keys
// are always allowed.
func (l *Limiter) Allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byKey[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		l.evictIdle(now)
	}
	return allowed
}

// evictIdle drops buckets not seen within idleTTL. Caller holds l.mu.
func (l *Limiter) evictIdle(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for k, b := range l.byKey {
		if b.lastSeen.Before(cutoff) {
			delete(l.byKey, k)
		}
	}
}
