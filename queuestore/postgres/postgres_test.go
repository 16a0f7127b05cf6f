package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/taskgraph/jobqueue"
	"github.com/smallnest/taskgraph/queuestore"
)

func newMockStorage(t *testing.T) (*Storage, pgxmock.PgxPoolIface) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	pool.ExpectExec("CREATE TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	s, err := NewWithPool(context.Background(), pool, "")
	require.NoError(t, err)
	return s, pool
}

func TestStorage_Enqueue(t *testing.T) {
	ctx := context.Background()
	s, pool := newMockStorage(t)

	pool.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q", Status: jobqueue.Pending, NextRunAt: time.Now()}))
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestStorage_Enqueue_NotifiesSubscribers(t *testing.T) {
	ctx := context.Background()
	s, pool := newMockStorage(t)

	var received *queuestore.Change
	s.SubscribeToChanges(queuestore.Filter{}, func(c queuestore.Change) { received = &c })

	pool.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.Enqueue(ctx, &jobqueue.Job{ID: "j1", QueueName: "q"}))

	require.NotNil(t, received)
	assert.Equal(t, queuestore.ChangeEnqueued, received.Kind)
}

func TestStorage_LeaseNext_ClaimsDueJob(t *testing.T) {
	ctx := context.Background()
	s, pool := newMockStorage(t)

	data := []byte(`{"id":"j1","queueName":"q","status":"PENDING"}`)
	rows := pgxmock.NewRows([]string{"record"}).AddRow(data)

	pool.ExpectBegin()
	pool.ExpectQuery("SELECT record FROM").WillReturnRows(rows)
	pool.ExpectExec("UPDATE").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectCommit()

	job, err := s.LeaseNext(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, jobqueue.Processing, job.Status)
}

func TestStorage_LeaseNext_NoneDue(t *testing.T) {
	ctx := context.Background()
	s, pool := newMockStorage(t)

	pool.ExpectBegin()
	pool.ExpectQuery("SELECT record FROM").WillReturnError(pgx.ErrNoRows)
	pool.ExpectRollback()

	job, err := s.LeaseNext(ctx, time.Now())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestStorage_Complete(t *testing.T) {
	ctx := context.Background()
	s, pool := newMockStorage(t)

	existing := pgxmock.NewRows([]string{"record"}).AddRow([]byte(`{"id":"j1","queueName":"q","status":"PROCESSING"}`))
	pool.ExpectQuery("SELECT record FROM").WillReturnRows(existing)
	pool.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Complete(ctx, "j1", "result"))
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestStorage_Fail_RetryableReEnqueues(t *testing.T) {
	ctx := context.Background()
	s, pool := newMockStorage(t)

	existing := pgxmock.NewRows([]string{"record"}).AddRow([]byte(`{"id":"j1","queueName":"q","status":"PROCESSING"}`))
	pool.ExpectQuery("SELECT record FROM").WillReturnRows(existing)
	pool.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Fail(ctx, "j1", "retryable", "transient", true, time.Now().Add(time.Minute)))
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestStorage_Abort(t *testing.T) {
	ctx := context.Background()
	s, pool := newMockStorage(t)

	existing := pgxmock.NewRows([]string{"record"}).AddRow([]byte(`{"id":"j1","queueName":"q","status":"PROCESSING"}`))
	pool.ExpectQuery("SELECT record FROM").WillReturnRows(existing)
	pool.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Abort(ctx, "j1"))
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestStorage_UpdateProgress(t *testing.T) {
	ctx := context.Background()
	s, pool := newMockStorage(t)

	existing := pgxmock.NewRows([]string{"record"}).AddRow([]byte(`{"id":"j1","queueName":"q","progress":10}`))
	pool.ExpectQuery("SELECT record FROM").WillReturnRows(existing)
	pool.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpdateProgress(ctx, "j1", 50, "halfway"))
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestStorage_Get_NotFound(t *testing.T) {
	ctx := context.Background()
	s, pool := newMockStorage(t)

	pool.ExpectQuery("SELECT record FROM").WillReturnError(pgx.ErrNoRows)

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorage_Size(t *testing.T) {
	ctx := context.Background()
	s, pool := newMockStorage(t)

	rows := pgxmock.NewRows([]string{"count"}).AddRow(int64(3))
	pool.ExpectQuery("SELECT count").WillReturnRows(rows)

	n, err := s.Size(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStorage_Clear(t *testing.T) {
	ctx := context.Background()
	s, pool := newMockStorage(t)

	pool.ExpectExec("DELETE FROM").WillReturnResult(pgxmock.NewResult("DELETE", 2))

	require.NoError(t, s.Clear(ctx, "q"))
	assert.NoError(t, pool.ExpectationsWereMet())
}
