// Package ratelimit implements a per-key fixed-window request counter.
//
// Windows roll over lazily: a key's window is reset by the first request seen
// after its deadline rather than by a background sweep.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of a single Allow call
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // zero when allowed
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter allows at most max requests per key per window
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	max     int
	period  time.Duration
	now     func() time.Time
}

// New creates a limiter allowing max requests per period
func New(max int, period time.Duration) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		max:     max,
		period:  period,
		now:     time.Now,
	}
}

// Allow records a request for key and reports whether it may proceed
func (l *Limiter) Allow(key string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{count: 0, resetAt: now.Add(l.period)}
		l.windows[key] = w
	}

	if w.count >= l.max {
		retry := w.resetAt.Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return Decision{
			Allowed:    false,
			Limit:      l.max,
			Remaining:  0,
			ResetAt:    w.resetAt,
			RetryAfter: retry,
		}
	}

	w.count++
	return Decision{
		Allowed:   true,
		Limit:     l.max,
		Remaining: l.max - w.count,
		ResetAt:   w.resetAt,
	}
}

// Prune drops windows that expired before now. Rollover never depends on it;
// it only bounds memory for keys that stop sending requests.
func (l *Limiter) Prune() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
