package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/taskgraph/jobqueue"
	"github.com/smallnest/taskgraph/queuestore"
)

func newTestStorage(t *testing.T) *Storage {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, Options{Prefix: "test:queue:"})
}

func TestStorage_EnqueueAndLeaseNext(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	now := time.Now()

	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q", Status: jobqueue.Pending, NextRunAt: now}))

	leased, err := s.LeaseNext(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, "j1", leased.ID)
	assert.Equal(t, jobqueue.Processing, leased.Status)

	again, err := s.LeaseNext(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestStorage_LeaseNext_NoneDue(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	now := time.Now()
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q", Status: jobqueue.Pending, NextRunAt: now.Add(time.Hour)}))

	leased, err := s.LeaseNext(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, leased)
}

func TestStorage_ReclaimExpiredLeases(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	now := time.Now()
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q", Status: jobqueue.Pending, NextRunAt: now}))
	_, err := s.LeaseNext(ctx, now.Add(-time.Minute))
	require.NoError(t, err)

	reclaimed, err := s.ReclaimExpiredLeases(ctx, now)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, jobqueue.Pending, reclaimed[0].Status)
	assert.Equal(t, 1, reclaimed[0].Attempts)

	j, ok, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobqueue.Pending, j.Status)
}

func TestStorage_Complete(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	now := time.Now()
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q", Status: jobqueue.Pending, NextRunAt: now}))
	_, err := s.LeaseNext(ctx, now.Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, s.Complete(ctx, "j1", "result"))

	j, ok, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobqueue.Completed, j.Status)
	assert.Equal(t, "result", j.Output)

	n, err := s.Size(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStorage_Fail_RetryableReEnqueues(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	now := time.Now()
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q", Status: jobqueue.Pending, NextRunAt: now}))
	_, err := s.LeaseNext(ctx, now.Add(time.Minute))
	require.NoError(t, err)

	retryAt := now.Add(20 * time.Millisecond)
	require.NoError(t, s.Fail(ctx, "j1", "retryable", "try again", true, retryAt))

	j, ok, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobqueue.Pending, j.Status)
	assert.WithinDuration(t, retryAt, j.NextRunAt, time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	leased, err := s.LeaseNext(ctx, retryAt.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, "j1", leased.ID)
}

func TestStorage_Fail_PermanentIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	now := time.Now()
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q", Status: jobqueue.Pending, NextRunAt: now}))
	_, err := s.LeaseNext(ctx, now.Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, s.Fail(ctx, "j1", "permanent", "nope", false, time.Time{}))

	j, ok, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobqueue.Failed, j.Status)
}

func TestStorage_Abort(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	now := time.Now()
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q", Status: jobqueue.Pending, NextRunAt: now}))

	require.NoError(t, s.Abort(ctx, "j1"))

	j, ok, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobqueue.Aborting, j.Status)
}

func TestStorage_UpdateProgress_ClampsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q"}))

	require.NoError(t, s.UpdateProgress(ctx, "j1", 50, "half"))
	require.NoError(t, s.UpdateProgress(ctx, "j1", 20, "regress"))

	j, ok, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 50, j.Progress)
	assert.Equal(t, "regress", j.ProgressMessage)
}

func TestStorage_Clear(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q", NextRunAt: time.Now()}))

	require.NoError(t, s.Clear(ctx, "q"))

	_, ok, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.Size(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStorage_SubscribeToChanges(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	var changes []queuestore.Change
	unsubscribe := s.SubscribeToChanges(queuestore.Filter{}, func(c queuestore.Change) {
		changes = append(changes, c)
	})
	defer unsubscribe()

	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q", NextRunAt: time.Now()}))
	require.Len(t, changes, 1)
	assert.Equal(t, queuestore.ChangeEnqueued, changes[0].Kind)
}
