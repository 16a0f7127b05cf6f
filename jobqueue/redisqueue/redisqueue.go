// Package redisqueue is the Redis-backed jobqueue.JobQueue: a thin
// constructor wiring jobqueue/durable's generic engine to
// queuestore/redis, so multiple processes can share one queue.
package redisqueue

import (
	"github.com/redis/go-redis/v9"

	"github.com/smallnest/taskgraph/jobqueue"
	"github.com/smallnest/taskgraph/jobqueue/durable"
	"github.com/smallnest/taskgraph/limiter"
	"github.com/smallnest/taskgraph/log"
	"github.com/smallnest/taskgraph/outputcache"
	queuestoreredis "github.com/smallnest/taskgraph/queuestore/redis"
)

// New builds a durable.Engine over a Redis-backed queuestore.Storage.
func New(client *redis.Client, opts queuestoreredis.Options, cfg *durable.Config, runFn jobqueue.RunFunc, lim limiter.Limiter, cache outputcache.Cache, logger log.Logger, listeners ...jobqueue.Listener) *durable.Engine {
	storage := queuestoreredis.New(client, opts)
	return durable.New(storage, cfg, runFn, lim, cache, logger, listeners...)
}
