package limiter

import (
	"context"
	"testing"
	"time"

	kvmemory "github.com/smallnest/taskgraph/kvstore/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrencyLimiter_CapsInFlight(t *testing.T) {
	l := NewConcurrencyLimiter(2, time.Millisecond)

	assert.True(t, l.CanProceed())
	l.RecordJobStart()
	assert.True(t, l.CanProceed())
	l.RecordJobStart()
	assert.False(t, l.CanProceed())

	l.RecordJobCompletion()
	assert.True(t, l.CanProceed())
}

func TestConcurrencyLimiter_ExternalOverride(t *testing.T) {
	l := NewConcurrencyLimiter(5, time.Millisecond)
	future := time.Now().Add(time.Hour)
	l.SetNextAvailableTime(future)

	assert.False(t, l.CanProceed())
	assert.Equal(t, future, l.GetNextAvailableTime())

	// An earlier external time must not move it backwards.
	l.SetNextAvailableTime(time.Now().Add(time.Minute))
	assert.Equal(t, future, l.GetNextAvailableTime())
}

func TestSlidingWindowRateLimiter_AdmitsUpToMax(t *testing.T) {
	r := NewSlidingWindowRateLimiter(2, time.Minute)

	assert.True(t, r.CanProceed())
	r.RecordJobStart()
	assert.True(t, r.CanProceed())
	r.RecordJobStart()
	assert.False(t, r.CanProceed())
}

func TestSlidingWindowRateLimiter_PrunesOldStarts(t *testing.T) {
	now := time.Now()
	r := NewSlidingWindowRateLimiter(1, 10*time.Millisecond)
	r.now = func() time.Time { return now }

	r.RecordJobStart()
	assert.False(t, r.CanProceed())

	now = now.Add(20 * time.Millisecond)
	r.now = func() time.Time { return now }
	assert.True(t, r.CanProceed())
}

func TestSlidingWindowRateLimiter_ExternalOverride(t *testing.T) {
	r := NewSlidingWindowRateLimiter(10, time.Minute)
	future := time.Now().Add(time.Hour)
	r.SetNextAvailableTime(future)
	assert.False(t, r.CanProceed())
	assert.Equal(t, future, r.GetNextAvailableTime())
}

func TestTokenBucketLimiter_BurstThenDeny(t *testing.T) {
	l := NewTokenBucketLimiter(1, 1)
	assert.True(t, l.CanProceed())
	assert.False(t, l.CanProceed())
}

func TestPersistentRateLimiterState_RoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := kvmemory.New()

	inner := NewSlidingWindowRateLimiter(1, time.Minute)
	p, err := NewPersistentRateLimiterState(ctx, kv, "ratelimit:openai", inner)
	require.NoError(t, err)

	p.RecordJobStart()
	require.NoError(t, p.Persist(ctx))

	reloadedInner := NewSlidingWindowRateLimiter(1, time.Minute)
	reloaded, err := NewPersistentRateLimiterState(ctx, kv, "ratelimit:openai", reloadedInner)
	require.NoError(t, err)

	assert.False(t, reloaded.CanProceed())
}
