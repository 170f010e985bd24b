// Package ratelimit implements a fixed-window request counter with lazy
// reset: a key's window restarts on the first request after its reset time,
// not via a background timer.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long the caller should wait before retrying. Zero
	// when the request was allowed.
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter admits or rejects requests per key.
type Limiter interface {
	Allow(key string) Decision
	// PruneExpired drops counters whose window has passed and returns how
	// many were removed.
	PruneExpired() int
}

// Key builds the canonical counter key for a client and route.
func Key(ip, path string) string {
	return ip + "|" + path
}

type counter struct {
	count   int
	resetAt time.Time
}

// WindowLimiter is an in-process Limiter. State is per instance; deployments
// with several replicas rate-limit per replica.
type WindowLimiter struct {
	mu       sync.Mutex
	counters map[string]*counter
	limit    int
	window   time.Duration
	now      func() time.Time
}

var _ Limiter = (*WindowLimiter)(nil)

// Option configures WindowLimiter behavior.
type Option func(*WindowLimiter)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(w *WindowLimiter) {
		if fn != nil {
			w.now = fn
		}
	}
}

// NewWindowLimiter admits up to limit requests per key within each window.
func NewWindowLimiter(limit int, window time.Duration, opts ...Option) *WindowLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	w := &WindowLimiter{
		counters: map[string]*counter{},
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Allow counts one request against the key's current window.
func (w *WindowLimiter) Allow(key string) Decision {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	c, ok := w.counters[key]
	if !ok || !now.Before(c.resetAt) {
		c = &counter{resetAt: now.Add(w.window)}
		w.counters[key] = c
	}

	if c.count >= w.limit {
		return Decision{
			Allowed:    false,
			Limit:      w.limit,
			Remaining:  0,
			RetryAfter: c.resetAt.Sub(now),
			ResetAt:    c.resetAt,
		}
	}
	c.count++
	return Decision{
		Allowed:   true,
		Limit:     w.limit,
		Remaining: w.limit - c.count,
		ResetAt:   c.resetAt,
	}
}

// PruneExpired removes counters whose window has already passed.
func (w *WindowLimiter) PruneExpired() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	pruned := 0
	for key, c := range w.counters {
		if !now.Before(c.resetAt) {
			delete(w.counters, key)
			pruned++
		}
	}
	return pruned
}
