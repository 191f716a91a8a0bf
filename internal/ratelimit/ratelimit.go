// Package ratelimit implements a fixed-window request limiter keyed by
// operation-scoped identifiers such as "keygen:<userID>". Counters live in
// process memory and are not shared across instances; bursts at window
// boundaries are an accepted tradeoff of the fixed-window algorithm.
package ratelimit

import (
	"sync"
	"time"
)

// Result describes the outcome of a limiter check.
type Result struct {
	Allowed    bool          // Whether the request may proceed.
	Remaining  int           // Requests left in the current window.
	RetryAfter time.Duration // Time until the window resets, when rejected.
}

// window tracks one fixed-window counter.
type window struct {
	count   int
	resetAt time.Time
}

// Limiter is a process-local fixed-window rate limiter.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// New constructs a Limiter.
func New() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// NewWithClock constructs a Limiter with an injected clock for tests.
func NewWithClock(now func() time.Time) *Limiter {
	l := New()
	if now != nil {
		l.now = now
	}
	return l
}

// Allow records one request against the identifier and reports whether it is
// within the limit of max requests per windowSize.
func (l *Limiter) Allow(identifier string, max int, windowSize time.Duration) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[identifier]
	if !ok || !now.Before(w.resetAt) {
		l.windows[identifier] = &window{count: 1, resetAt: now.Add(windowSize)}
		return Result{Allowed: true, Remaining: max - 1}
	}

	if w.count >= max {
		return Result{Allowed: false, Remaining: 0, RetryAfter: w.resetAt.Sub(now)}
	}
	w.count++
	return Result{Allowed: true, Remaining: max - w.count}
}

// Prune drops expired windows. Called opportunistically; the map otherwise
// grows with the number of distinct identifiers seen.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, id)
		}
	}
}
