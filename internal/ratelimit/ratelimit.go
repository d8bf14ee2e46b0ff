// Package ratelimit implements a single process-global token bucket that
// gates admission to the proxy, independent of any per-provider or
// per-client scheme.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// noRefillRetryAfterSecs is the Retry-After hint returned when the bucket is
// configured with refill_per_second=0. The bucket never refills on its own
// in that configuration, so there is no deficit/rate to compute a real ETA
// from; a fixed backoff is returned instead of dividing by zero.
const noRefillRetryAfterSecs = 60

// Limiter is a token bucket: capacity tokens max, refilled continuously at
// refillPerSecond, drained one token per admitted request.
type Limiter struct {
	mu sync.Mutex

	capacity        float64
	tokens          float64
	refillPerSecond float64
	lastRefill      time.Time
}

func New(capacity, refillPerSecond float64) *Limiter {
	return &Limiter{
		capacity:        capacity,
		tokens:          capacity,
		refillPerSecond: refillPerSecond,
		lastRefill:      time.Now(),
	}
}

// TryAdmit atomically refills by elapsed time × refill rate (clamped at
// capacity), then admits if at least one token is available. On denial it
// returns a Retry-After hint in seconds derived from the deficit.
func (l *Limiter) TryAdmit() (admitted bool, retryAfterSecs int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()

	if l.tokens >= 1 {
		l.tokens--
		return true, 0
	}

	if l.refillPerSecond <= 0 {
		return false, noRefillRetryAfterSecs
	}

	deficit := 1 - l.tokens
	retryAfter := deficit / l.refillPerSecond
	return false, int(math.Ceil(retryAfter))
}

func (l *Limiter) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens = math.Min(l.capacity, l.tokens+elapsed*l.refillPerSecond)
	l.lastRefill = now
}

// Tokens reports the current token count, for the rate limiter gauge.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.tokens
}

// Capacity reports the bucket's configured maximum, for the rate limiter gauge.
func (l *Limiter) Capacity() float64 {
	return l.capacity
}
