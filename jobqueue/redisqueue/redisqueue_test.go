package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/taskgraph/jobqueue"
	"github.com/smallnest/taskgraph/jobqueue/durable"
	queuestoreredis "github.com/smallnest/taskgraph/queuestore/redis"
)

func TestNew_RunsJobEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	runFn := func(ctx context.Context, j *jobqueue.Job) (any, error) {
		return "done", nil
	}
	cfg := &durable.Config{
		QueueName: "q", Workers: 2, LeaseDuration: 50 * time.Millisecond,
		WatchdogInterval: 10 * time.Millisecond, PollInterval: 5 * time.Millisecond,
		RetryBase: 5 * time.Millisecond, RetryMaxBackoff: 20 * time.Millisecond,
		DefaultMaxAttempts: 3,
	}
	e := New(client, queuestoreredis.Options{Prefix: "test:rq:"}, cfg, runFn, nil, nil, nil)
	e.Start()
	defer e.Stop()

	require.NoError(t, e.Add(context.Background(), &jobqueue.Job{ID: "j1"}))

	j, err := e.WaitFor(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, jobqueue.Completed, j.Status)
	assert.Equal(t, "done", j.Output)
}
