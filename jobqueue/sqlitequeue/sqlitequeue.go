// Package sqlitequeue is the SQLite-backed jobqueue.JobQueue: a thin
// constructor wiring jobqueue/durable's generic engine to
// queuestore/sqlite, for single-process durability across restarts
// without an external database.
package sqlitequeue

import (
	"context"

	"github.com/smallnest/taskgraph/jobqueue"
	"github.com/smallnest/taskgraph/jobqueue/durable"
	"github.com/smallnest/taskgraph/limiter"
	"github.com/smallnest/taskgraph/log"
	"github.com/smallnest/taskgraph/outputcache"
	queuestoresqlite "github.com/smallnest/taskgraph/queuestore/sqlite"
)

// New opens (or creates) the backing SQLite database and builds a
// durable.Engine over it.
func New(ctx context.Context, opts queuestoresqlite.Options, cfg *durable.Config, runFn jobqueue.RunFunc, lim limiter.Limiter, cache outputcache.Cache, logger log.Logger, listeners ...jobqueue.Listener) (*durable.Engine, error) {
	storage, err := queuestoresqlite.New(ctx, opts)
	if err != nil {
		return nil, err
	}
	return durable.New(storage, cfg, runFn, lim, cache, logger, listeners...), nil
}
