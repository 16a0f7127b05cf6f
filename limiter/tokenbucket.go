package limiter

import (
	"time"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter is an alternate Limiter backed by x/time/rate, for
// collaborators that want simple fixed-rate admission instead of the
// sliding-window algorithm's exact-count guarantee.
type TokenBucketLimiter struct {
	b            *rate.Limiter
	nextExternal time.Time
}

// NewTokenBucketLimiter admits at r events per second with burst b.
func NewTokenBucketLimiter(r float64, burst int) *TokenBucketLimiter {
	return &TokenBucketLimiter{b: rate.NewLimiter(rate.Limit(r), burst)}
}

func (t *TokenBucketLimiter) CanProceed() bool {
	if time.Now().Before(t.nextExternal) {
		return false
	}
	return t.b.Allow()
}

// RecordJobStart is a no-op: CanProceed already consumed a token via
// Allow.
func (t *TokenBucketLimiter) RecordJobStart() {}

// RecordJobCompletion is a no-op: token buckets don't track in-flight
// count.
func (t *TokenBucketLimiter) RecordJobCompletion() {}

func (t *TokenBucketLimiter) GetNextAvailableTime() time.Time {
	reservation := t.b.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()
	computed := time.Now().Add(delay)
	if t.nextExternal.After(computed) {
		return t.nextExternal
	}
	return computed
}

func (t *TokenBucketLimiter) SetNextAvailableTime(tm time.Time) {
	if tm.After(t.nextExternal) {
		t.nextExternal = tm
	}
}
