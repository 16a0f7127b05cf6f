package limiter

import (
	"sync"
	"time"
)

// SlidingWindowRateLimiter admits up to maxExecutions job starts in any
// window of length windowSize. Grounded on the call-timestamp-slice
// pattern (pruned by window on each check), generalized with an
// externally-settable nextAvailableAt that wins when it is later than the
// value computed from history — the "later of the two" rule.
type SlidingWindowRateLimiter struct {
	mu            sync.Mutex
	maxExecutions int
	window        time.Duration
	starts        []time.Time
	nextExternal  time.Time
	now           func() time.Time
}

// NewSlidingWindowRateLimiter admits at most maxExecutions starts within
// any rolling window of the given duration.
func NewSlidingWindowRateLimiter(maxExecutions int, window time.Duration) *SlidingWindowRateLimiter {
	return &SlidingWindowRateLimiter{
		maxExecutions: maxExecutions,
		window:        window,
		now:           time.Now,
	}
}

func (r *SlidingWindowRateLimiter) prune(now time.Time) {
	kept := r.starts[:0]
	for _, t := range r.starts {
		if now.Sub(t) < r.window {
			kept = append(kept, t)
		}
	}
	r.starts = kept
}

func (r *SlidingWindowRateLimiter) CanProceed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if now.Before(r.nextExternal) {
		return false
	}
	r.prune(now)
	return len(r.starts) < r.maxExecutions
}

// RecordJobStart records a start timestamp. Callers must only call this
// after CanProceed returned true for the same start.
func (r *SlidingWindowRateLimiter) RecordJobStart() {
	r.mu.Lock()
	r.starts = append(r.starts, r.now())
	r.mu.Unlock()
}

// RecordJobCompletion is a no-op: the sliding window keys off start time,
// not duration.
func (r *SlidingWindowRateLimiter) RecordJobCompletion() {}

func (r *SlidingWindowRateLimiter) GetNextAvailableTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.prune(now)

	computed := now
	if len(r.starts) >= r.maxExecutions {
		computed = r.starts[0].Add(r.window)
	}
	if r.nextExternal.After(computed) {
		return r.nextExternal
	}
	return computed
}

// SetNextAvailableTime records an externally observed next-available time
// (e.g. parsed from a 429's Retry-After). Only takes effect if later than
// the current external value; GetNextAvailableTime then returns the later
// of this and the window-computed time.
func (r *SlidingWindowRateLimiter) SetNextAvailableTime(t time.Time) {
	r.mu.Lock()
	if t.After(r.nextExternal) {
		r.nextExternal = t
	}
	r.mu.Unlock()
}
