package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or rejects a call for a key against a per-window limit.
type Limiter interface {
	Allow(key string, limit int) Decision
}

// SlidingWindow keeps a per-key ordered slice of call timestamps and
// prunes entries older than the window on every check. Counts therefore
// never include calls outside the trailing interval. Timestamps are taken
// from a monotonic clock source.
type SlidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	calls  map[string][]time.Time
	now    func() time.Time
}

func NewSlidingWindow(window time.Duration) *SlidingWindow {
	if window <= 0 {
		window = time.Hour
	}
	return &SlidingWindow{
		window: window,
		calls:  map[string][]time.Time{},
		now:    time.Now,
	}
}

func (l *SlidingWindow) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	window := pruneBefore(l.calls[key], cutoff)
	if len(window) >= limit {
		l.calls[key] = window
		return Decision{
			Allowed:    false,
			Count:      len(window),
			Limit:      limit,
			Remaining:  0,
			RetryAfter: window[0].Add(l.window).Sub(now),
		}
	}
	window = append(window, now)
	l.calls[key] = window
	return Decision{
		Allowed:   true,
		Count:     len(window),
		Limit:     limit,
		Remaining: limit - len(window),
	}
}

// pruneBefore drops timestamps at or before cutoff. The slice is ordered,
// so a single scan from the front suffices.
func pruneBefore(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append([]time.Time(nil), window[i:]...)
}

// Sweep drops keys whose whole window has expired. Called periodically to
// bound memory for idle users.
func (l *SlidingWindow) Sweep() {
	cutoff := l.now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, window := range l.calls {
		pruned := pruneBefore(window, cutoff)
		if len(pruned) == 0 {
			delete(l.calls, k)
			continue
		}
		l.calls[k] = pruned
	}
}
