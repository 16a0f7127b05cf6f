package workertransport

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallnest/taskgraph/errkind"
	"github.com/smallnest/taskgraph/jobqueue"
	"github.com/smallnest/taskgraph/jobqueue/memqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServerAndClient(t *testing.T) (*WorkerServer, *WorkerClient, func()) {
	t.Helper()
	q := memqueue.New(&memqueue.Config{
		Workers:            0,
		LeaseDuration:      time.Second,
		WatchdogInterval:   time.Hour,
		PollInterval:       time.Hour,
		RetryBase:          time.Millisecond,
		RetryMaxBackoff:    10 * time.Millisecond,
		DefaultMaxAttempts: 3,
	}, nil, nil, nil, nil)

	server := NewWorkerServer(q, nil)
	httpServer := httptest.NewServer(server.Handler())
	client := NewWorkerClient(httpServer.URL, httpServer.Client())
	return server, client, httpServer.Close
}

func TestWorkerClientServer_AddLeaseComplete(t *testing.T) {
	ctx := context.Background()
	_, client, closeFn := newTestServerAndClient(t)
	defer closeFn()

	require.NoError(t, client.Add(ctx, &jobqueue.Job{ID: "j1", TaskType: "summarize"}))

	leased, err := client.Lease(ctx)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, "j1", leased.ID)
	assert.Equal(t, jobqueue.Processing, leased.Status)

	require.NoError(t, client.Complete(ctx, "j1", map[string]any{"out": "done"}))

	job, err := client.WaitFor(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobqueue.Completed, job.Status)
	assert.Equal(t, map[string]any{"out": "done"}, job.Output)
}

func TestWorkerClientServer_Lease_NoJobDue(t *testing.T) {
	ctx := context.Background()
	_, client, closeFn := newTestServerAndClient(t)
	defer closeFn()

	job, err := client.Lease(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestWorkerClientServer_Fail_ReconstructsRetryableError(t *testing.T) {
	ctx := context.Background()
	_, client, closeFn := newTestServerAndClient(t)
	defer closeFn()

	require.NoError(t, client.Add(ctx, &jobqueue.Job{ID: "j1"}))
	_, err := client.Lease(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Fail(ctx, "j1", &errkind.RetryableJobError{Cause: errTest("transient")}))

	p, err := client.GetProgress(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobqueue.Pending, p.Status) // re-enqueued, attempts 1 < max 3
}

func TestWorkerClientServer_Fail_PermanentIsTerminal(t *testing.T) {
	ctx := context.Background()
	_, client, closeFn := newTestServerAndClient(t)
	defer closeFn()

	require.NoError(t, client.Add(ctx, &jobqueue.Job{ID: "j1"}))
	_, err := client.Lease(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Fail(ctx, "j1", &errkind.PermanentJobError{Cause: errTest("bad input")}))

	p, err := client.GetProgress(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobqueue.Failed, p.Status)
}

func TestWorkerClientServer_Abort(t *testing.T) {
	ctx := context.Background()
	_, client, closeFn := newTestServerAndClient(t)
	defer closeFn()

	require.NoError(t, client.Add(ctx, &jobqueue.Job{ID: "j1"}))
	_, err := client.Lease(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Abort(ctx, "j1"))
	p, err := client.GetProgress(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobqueue.Aborting, p.Status)
}

func TestWorkerClientServer_UpdateProgress(t *testing.T) {
	ctx := context.Background()
	_, client, closeFn := newTestServerAndClient(t)
	defer closeFn()

	require.NoError(t, client.Add(ctx, &jobqueue.Job{ID: "j1"}))
	_, err := client.Lease(ctx)
	require.NoError(t, err)

	require.NoError(t, client.UpdateProgress(ctx, "j1", 42, "working"))

	p, err := client.GetProgress(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 42, p.Progress)
	assert.Equal(t, "working", p.Message)
}

func TestWorkerClientServer_PushChunk_BridgesToSubscriber(t *testing.T) {
	ctx := context.Background()
	server, client, closeFn := newTestServerAndClient(t)
	defer closeFn()

	received := make(chan ChunkMessage, 1)
	unsubscribe := server.Subscribe("j1", func(msg ChunkMessage) { received <- msg })
	defer unsubscribe()

	require.NoError(t, client.PushChunk(ctx, "j1", "out", 1, "chunk-data"))

	select {
	case msg := <-received:
		assert.Equal(t, "out", msg.Port)
		assert.Equal(t, 1, msg.Seq)
		assert.Equal(t, "chunk-data", msg.Data)
	case <-time.After(time.Second):
		t.Fatal("chunk was never delivered to subscriber")
	}
}

func TestWorkerClientServer_SizeAndClear(t *testing.T) {
	ctx := context.Background()
	_, client, closeFn := newTestServerAndClient(t)
	defer closeFn()

	require.NoError(t, client.Add(ctx, &jobqueue.Job{ID: "j1"}))
	require.NoError(t, client.Add(ctx, &jobqueue.Job{ID: "j2"}))

	size, err := client.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	require.NoError(t, client.Clear(ctx))
	size, err = client.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

type errTest string

func (e errTest) Error() string { return string(e) }
