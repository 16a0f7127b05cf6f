package memory

import (
	"context"
	"testing"
	"time"

	"github.com/smallnest/taskgraph/jobqueue"
	"github.com/smallnest/taskgraph/queuestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorage_EnqueueAndLeaseNext(t *testing.T) {
	ctx := context.Background()
	s := New()

	now := time.Now()
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q", Status: jobqueue.Pending, NextRunAt: now}))

	leased, err := s.LeaseNext(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, "j1", leased.ID)
	assert.Equal(t, jobqueue.Processing, leased.Status)

	// Not due again until reclaimed or re-enqueued.
	again, err := s.LeaseNext(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestStorage_LeaseNext_NoneDue(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q", Status: jobqueue.Pending, NextRunAt: now.Add(time.Hour)}))

	leased, err := s.LeaseNext(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, leased)
}

func TestStorage_LeaseNext_OldestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "later", QueueName: "q", Status: jobqueue.Pending, NextRunAt: now.Add(time.Second)}))
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "earlier", QueueName: "q", Status: jobqueue.Pending, NextRunAt: now}))

	leased, err := s.LeaseNext(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, "earlier", leased.ID)
}

func TestStorage_ReclaimExpiredLeases(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q", Status: jobqueue.Pending, NextRunAt: now}))
	_, err := s.LeaseNext(ctx, now.Add(-time.Minute)) // lease already expired
	require.NoError(t, err)

	reclaimed, err := s.ReclaimExpiredLeases(ctx, now)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, jobqueue.Pending, reclaimed[0].Status)
	assert.Equal(t, 1, reclaimed[0].Attempts)
}

func TestStorage_Complete(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q", Status: jobqueue.Processing}))

	require.NoError(t, s.Complete(ctx, "j1", "result"))

	j, ok, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobqueue.Completed, j.Status)
	assert.Equal(t, "result", j.Output)
	assert.Equal(t, 100, j.Progress)
}

func TestStorage_Fail_RetryableReEnqueues(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q", Status: jobqueue.Processing}))

	retryAt := now.Add(time.Minute)
	require.NoError(t, s.Fail(ctx, "j1", "retryable", "try again", true, retryAt))

	j, ok, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobqueue.Pending, j.Status)
	assert.Equal(t, retryAt, j.NextRunAt)
	assert.Equal(t, "try again", j.ErrorMessage)
}

func TestStorage_Fail_PermanentIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q", Status: jobqueue.Processing}))

	require.NoError(t, s.Fail(ctx, "j1", "permanent", "nope", false, time.Time{}))

	j, ok, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobqueue.Failed, j.Status)
}

func TestStorage_Abort(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q", Status: jobqueue.Processing}))
	require.NoError(t, s.Abort(ctx, "j1"))

	j, ok, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobqueue.Aborting, j.Status)
}

func TestStorage_UpdateProgress_ClampsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q"}))

	require.NoError(t, s.UpdateProgress(ctx, "j1", 50, "half"))
	require.NoError(t, s.UpdateProgress(ctx, "j1", 20, "regress"))

	j, ok, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 50, j.Progress)
	assert.Equal(t, "regress", j.ProgressMessage)
}

func TestStorage_SizeExcludesTerminal(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q", Status: jobqueue.Pending}))
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j2", QueueName: "q", Status: jobqueue.Completed}))
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j3", QueueName: "q", Status: jobqueue.Processing}))

	n, err := s.Size(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStorage_Clear_ScopedToQueue(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q1"}))
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j2", QueueName: "q2"}))

	require.NoError(t, s.Clear(ctx, "q1"))

	_, ok, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.Get(ctx, "j2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStorage_SubscribeToChanges_FiltersByQueue(t *testing.T) {
	ctx := context.Background()
	s := New()

	var changes []queuestore.Change
	unsubscribe := s.SubscribeToChanges(queuestore.Filter{QueueName: "q1"}, func(c queuestore.Change) {
		changes = append(changes, c)
	})
	defer unsubscribe()

	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q1"}))
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j2", QueueName: "q2"}))

	require.Len(t, changes, 1)
	assert.Equal(t, queuestore.ChangeEnqueued, changes[0].Kind)
	assert.Equal(t, "j1", changes[0].Job.ID)
}

func TestStorage_SubscribeToChanges_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	s := New()

	calls := 0
	unsubscribe := s.SubscribeToChanges(queuestore.Filter{}, func(c queuestore.Change) {
		calls++
	})
	unsubscribe()

	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q"}))
	assert.Equal(t, 0, calls)
}
