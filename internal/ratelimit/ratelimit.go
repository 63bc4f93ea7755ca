// Package ratelimit implements a per-session token bucket rate limiter.
// Thread-safe. No background goroutines; tokens are refilled lazily on
// each Allow call, and idle buckets are dropped by Prune, which the
// session reaper invokes on its sweep schedule.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a session has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-session token bucket rate limiter.
// Each session gets an independent bucket; one session cannot exhaust
// another's quota.
type Limiter struct {
	mu       sync.Mutex
	sessions map[string]*bucket
	rate     float64 // tokens per second
	burst    float64 // max bucket capacity
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		sessions: make(map[string]*bucket),
		rate:     float64(cfg.RequestsPerMinute) / 60.0,
		burst:    float64(burst),
	}
}

// Allow checks whether the session has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(sessionID string) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.sessions[sessionID]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.sessions[sessionID] = b
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	// Try to consume one token.
	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Forget drops the bucket for a purged session.
func (l *Limiter) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}

// Prune removes buckets that have been idle longer than maxIdle.
// Returns the number of buckets removed.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for id, b := range l.sessions {
		if b.lastFill.Before(cutoff) {
			delete(l.sessions, id)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of sessions currently holding a bucket.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}
