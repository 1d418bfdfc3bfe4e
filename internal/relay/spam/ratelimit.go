package spam

import (
	"sync"
	"time"
)

// SlidingWindowLimiter keeps, per key, the timestamps within the window;
// check(key, limit) drops entries older than now-window and accepts iff
// count < limit. This is deliberately hand-rolled rather than
// golang.org/x/time/rate, which implements a token bucket, not a sliding
// window (see DESIGN.md).
type SlidingWindowLimiter struct {
	mu     sync.Mutex
	window time.Duration
	hits   map[string][]time.Time
}

// NewSlidingWindowLimiter constructs a limiter with the given window.
func NewSlidingWindowLimiter(window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// Allow reports whether key may proceed under limit, recording the
// attempt if so.
func (l *SlidingWindowLimiter) Allow(key string, limit int) bool {
	return l.AllowAt(key, limit, time.Now())
}

// AllowAt is Allow with an explicit clock, for deterministic tests.
func (l *SlidingWindowLimiter) AllowAt(key string, limit int, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	existing := l.hits[key]
	kept := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		l.hits[key] = kept
		return false
	}
	kept = append(kept, now)
	l.hits[key] = kept
	return true
}

// Prune removes all tracked timestamps older than the window, releasing
// memory for keys with no recent activity. Intended to be called by a
// background sweeper, run every 5 minutes.
func (l *SlidingWindowLimiter) Prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	pruned := 0
	for key, hits := range l.hits {
		kept := hits[:0]
		for _, t := range hits {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(l.hits, key)
			pruned++
			continue
		}
		l.hits[key] = kept
	}
	return pruned
}
