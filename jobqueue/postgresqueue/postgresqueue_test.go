package postgresqueue

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/taskgraph/jobqueue"
	"github.com/smallnest/taskgraph/jobqueue/durable"
)

func TestNewWithPool_AddAndComplete(t *testing.T) {
	ctx := context.Background()
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	pool.ExpectExec("CREATE TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	cfg := &durable.Config{QueueName: "q", DefaultMaxAttempts: 3}
	e, err := NewWithPool(ctx, pool, "", cfg, nil, nil, nil, nil)
	require.NoError(t, err)

	pool.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, e.Add(ctx, &jobqueue.Job{ID: "j1", NextRunAt: time.Now()}))

	existing := pgxmock.NewRows([]string{"record"}).AddRow([]byte(`{"id":"j1","queueName":"q","status":"PENDING"}`))
	pool.ExpectQuery("SELECT record FROM").WillReturnRows(existing)
	pool.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, e.Complete(ctx, "j1", "result"))

	existing2 := pgxmock.NewRows([]string{"record"}).AddRow([]byte(`{"id":"j1","queueName":"q","status":"COMPLETED","output":"result"}`))
	pool.ExpectQuery("SELECT record FROM").WillReturnRows(existing2)

	p, err := e.GetProgress(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobqueue.Completed, p.Status)
}
