package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a fixed-window rate limiter keyed by caller identity (remote
// address, feed connection). Each key gets an independent window.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	rate    int
	period  time.Duration
}

type window struct {
	count int
	start time.Time
}

// New creates a Limiter that allows rate requests per period for each key.
func New(rate int, period time.Duration) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		rate:    rate,
		period:  period,
	}
}

// Allow returns true if a request under key is within the rate limit.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) > l.period {
		w = &window{start: now}
		l.windows[key] = w
	}
	w.count++
	return w.count <= l.rate
}

// Sweep drops windows that expired before now, bounding memory under key
// churn. Callers run it periodically.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, w := range l.windows {
		if now.Sub(w.start) > l.period {
			delete(l.windows, key)
		}
	}
}
