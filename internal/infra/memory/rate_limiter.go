package memory

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a fixed-window per-key limiter for single-process setups.
type RateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start time.Time
	count int
}

func NewRateLimiter(limit int, windowSize time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  windowSize,
		clock:   time.Now,
		windows: make(map[string]*window),
	}
}

// NewRateLimiterWithClock is test-only for deterministic windows.
func NewRateLimiterWithClock(limit int, windowSize time.Duration, clock func() time.Time) *RateLimiter {
	limiter := NewRateLimiter(limit, windowSize)
	limiter.clock = clock
	return limiter
}

// Allow counts one message against the key's current window.
func (l *RateLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		l.windows[key] = &window{start: now, count: 1}
		return true, nil
	}
	w.count++
	return w.count <= l.limit, nil
}

// Forget drops the window for a key, for use when its connection goes away.
func (l *RateLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}
