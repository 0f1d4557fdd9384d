// Package ratelimit provides per-client request limiting for the
// supervisor. Each client key gets a token bucket sized in requests per
// minute; rejected calls carry the wait until the next token.
package ratelimit

import (
	"sync"
	"time"
)

const maxKeys = 10000

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter enforces N requests per minute per key.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	perMinute float64
	burst     float64
	now       func() time.Time
}

// NewLimiter builds a limiter allowing perMinute requests per key.
// perMinute <= 0 disables limiting. Burst equals perMinute: a quiet client
// may spend its whole minute budget at once.
func NewLimiter(perMinute int) *Limiter {
	return &Limiter{
		buckets:   make(map[string]*bucket),
		perMinute: float64(perMinute),
		burst:     float64(perMinute),
		now:       time.Now,
	}
}

// Allow consumes one token for key. When the bucket is empty it returns
// false and the duration after which a retry will succeed.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.perMinute <= 0 {
		return true, 0
	}

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxKeys {
			l.pruneLocked()
		}
		b = &bucket{tokens: l.burst, lastRefill: l.now()}
		l.buckets[key] = b
	}

	l.refillLocked(b)

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	needed := 1 - b.tokens
	wait := time.Duration(needed / (l.perMinute / 60) * float64(time.Second))
	if wait < time.Second {
		wait = time.Second
	}
	return false, wait
}

// SetLimit swaps the per-minute budget. Existing buckets keep their
// tokens; the new rate applies from the next refill.
func (l *Limiter) SetLimit(perMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perMinute = float64(perMinute)
	l.burst = float64(perMinute)
}

// RetryAfterSeconds rounds a wait up to whole seconds for the
// Retry-After header.
func RetryAfterSeconds(wait time.Duration) int {
	secs := int(wait / time.Second)
	if wait%time.Second != 0 || secs == 0 {
		secs++
	}
	return secs
}

func (l *Limiter) refillLocked(b *bucket) {
	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * (l.perMinute / 60)
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastRefill = now
}

// pruneLocked drops buckets that have refilled completely; their owners
// have been idle at least a full window.
func (l *Limiter) pruneLocked() {
	for key, b := range l.buckets {
		l.refillLocked(b)
		if b.tokens >= l.burst {
			delete(l.buckets, key)
		}
	}
}
