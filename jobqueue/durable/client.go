package durable

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallnest/taskgraph/jobqueue"
	"github.com/smallnest/taskgraph/queuestore"
)

// Server is the worker-pool-driving side of the durable split: an
// Engine that leases, runs and retries jobs. Kept as an alias so
// callers can spell out the role at the construction site
// (durable.Server == durable.Engine) without a second concrete type.
type Server = Engine

// Client is the submit-and-observe side of the durable split: it talks
// to the same queuestore.Storage an Engine drives, but never leases or
// runs a job itself. Satisfies spec.md §4.4's "Server/Client split"
// without a worker pool of its own — exactly the shape a process that
// only enqueues work and watches its progress needs.
type Client struct {
	storage   queuestore.Storage
	queueName string
	cfg       *Config

	mu      sync.Mutex
	waiters map[string][]chan *jobqueue.Job
	unsub   func()
}

// NewClient builds a Client over storage for one queue, subscribing to
// its change stream so WaitFor can block on local notification rather
// than polling.
func NewClient(storage queuestore.Storage, queueName string, cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig(queueName)
	}
	c := &Client{
		storage:   storage,
		queueName: queueName,
		cfg:       cfg,
		waiters:   map[string][]chan *jobqueue.Job{},
	}
	c.unsub = storage.SubscribeToChanges(queuestore.Filter{QueueName: queueName}, c.onChange)
	return c
}

// Close unsubscribes from the storage's change stream.
func (c *Client) Close() {
	if c.unsub != nil {
		c.unsub()
	}
}

func (c *Client) onChange(change queuestore.Change) {
	switch change.Kind {
	case queuestore.ChangeCompleted, queuestore.ChangeFailed, queuestore.ChangeAborted:
		c.notifyWaiters(change.Job)
	}
}

func (c *Client) notifyWaiters(j *jobqueue.Job) {
	if !isTerminal(j.Status) {
		return
	}
	c.mu.Lock()
	chans := c.waiters[j.ID]
	delete(c.waiters, j.ID)
	c.mu.Unlock()
	for _, ch := range chans {
		ch <- j
	}
}

// Add enqueues a new job for the server side to pick up.
func (c *Client) Add(ctx context.Context, j *jobqueue.Job) error {
	now := time.Now()
	if j.MaxAttempts == 0 {
		j.MaxAttempts = c.cfg.DefaultMaxAttempts
	}
	if j.NextRunAt.IsZero() {
		j.NextRunAt = now
	}
	j.QueueName = c.queueName
	j.Status = jobqueue.Pending
	j.CreatedAt = now
	j.UpdatedAt = now
	return c.storage.Enqueue(ctx, j)
}

func (c *Client) GetProgress(ctx context.Context, id string) (*jobqueue.Progress, error) {
	j, ok, err := c.storage.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("jobqueue/durable: unknown job %q", id)
	}
	return &jobqueue.Progress{JobID: id, Status: j.Status, Progress: j.Progress, Message: j.ProgressMessage}, nil
}

// WaitFor blocks until id reaches a terminal status, or ctx is done.
func (c *Client) WaitFor(ctx context.Context, id string) (*jobqueue.Job, error) {
	if j, ok, err := c.storage.Get(ctx, id); err == nil && ok && isTerminal(j.Status) {
		return j, nil
	}
	ch := make(chan *jobqueue.Job, 1)
	c.mu.Lock()
	c.waiters[id] = append(c.waiters[id], ch)
	c.mu.Unlock()

	select {
	case j := <-ch:
		return j, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Abort requests that a running or pending job stop.
func (c *Client) Abort(ctx context.Context, id string) error {
	return c.storage.Abort(ctx, id)
}

func (c *Client) Size(ctx context.Context) (int, error) {
	return c.storage.Size(ctx, c.queueName)
}
