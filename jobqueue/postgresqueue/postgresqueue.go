// Package postgresqueue is the Postgres-backed jobqueue.JobQueue: a
// thin constructor wiring jobqueue/durable's generic engine to
// queuestore/postgres, whose LeaseNext uses `SELECT ... FOR UPDATE
// SKIP LOCKED` so multiple worker processes can share one queue
// without double-leasing a job.
package postgresqueue

import (
	"context"

	"github.com/smallnest/taskgraph/jobqueue"
	"github.com/smallnest/taskgraph/jobqueue/durable"
	"github.com/smallnest/taskgraph/limiter"
	"github.com/smallnest/taskgraph/log"
	"github.com/smallnest/taskgraph/outputcache"
	queuestorepostgres "github.com/smallnest/taskgraph/queuestore/postgres"
)

// New opens a Postgres connection pool, ensures the queuestore schema
// exists, and builds a durable.Engine over it.
func New(ctx context.Context, opts queuestorepostgres.Options, cfg *durable.Config, runFn jobqueue.RunFunc, lim limiter.Limiter, cache outputcache.Cache, logger log.Logger, listeners ...jobqueue.Listener) (*durable.Engine, error) {
	storage, err := queuestorepostgres.New(ctx, opts)
	if err != nil {
		return nil, err
	}
	return durable.New(storage, cfg, runFn, lim, cache, logger, listeners...), nil
}

// NewWithPool builds a durable.Engine over an existing pool, useful for
// tests injecting a pgxmock.PgxPoolIface.
func NewWithPool(ctx context.Context, pool queuestorepostgres.DBPool, tableName string, cfg *durable.Config, runFn jobqueue.RunFunc, lim limiter.Limiter, cache outputcache.Cache, logger log.Logger, listeners ...jobqueue.Listener) (*durable.Engine, error) {
	storage, err := queuestorepostgres.NewWithPool(ctx, pool, tableName)
	if err != nil {
		return nil, err
	}
	return durable.New(storage, cfg, runFn, lim, cache, logger, listeners...), nil
}
