// Package durable is the generic jobqueue.JobQueue engine shared by
// every durable backend (redisqueue, postgresqueue, sqlitequeue): it
// drives a fixed worker-loop pool and lease-expiry watchdog exactly
// like memqueue, but persists and leases jobs through a
// queuestore.Storage instead of an in-process heap, so the same engine
// works unmodified against Redis, Postgres, or SQLite.
package durable

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallnest/taskgraph/errkind"
	"github.com/smallnest/taskgraph/jobqueue"
	"github.com/smallnest/taskgraph/limiter"
	"github.com/smallnest/taskgraph/log"
	"github.com/smallnest/taskgraph/outputcache"
	"github.com/smallnest/taskgraph/queuestore"
)

// Config configures an Engine's worker pool and retry policy, the same
// shape as memqueue.Config plus the queue name its storage partitions
// on.
type Config struct {
	QueueName          string
	Workers            int
	LeaseDuration      time.Duration
	WatchdogInterval   time.Duration
	PollInterval       time.Duration
	RetryBase          time.Duration
	RetryMaxBackoff    time.Duration
	DefaultMaxAttempts int
}

// DefaultConfig mirrors memqueue.DefaultConfig's proportions.
func DefaultConfig(queueName string) *Config {
	return &Config{
		QueueName:          queueName,
		Workers:            3,
		LeaseDuration:      30 * time.Second,
		WatchdogInterval:   5 * time.Second,
		PollInterval:       200 * time.Millisecond,
		RetryBase:          1 * time.Second,
		RetryMaxBackoff:    5 * time.Minute,
		DefaultMaxAttempts: 5,
	}
}

// Engine is a jobqueue.JobQueue backed by any queuestore.Storage.
type Engine struct {
	storage queuestore.Storage
	cfg     *Config
	runFn   jobqueue.RunFunc
	limiter limiter.Limiter
	cache   *outputcache.SingleFlightCache
	logger  log.Logger

	listeners []jobqueue.Listener

	mu           sync.Mutex
	progressSubs map[string][]chan jobqueue.Progress
	waiters      map[string][]chan *jobqueue.Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ jobqueue.JobQueue = (*Engine)(nil)

// New builds an Engine over storage. lim and cache may be nil (an
// always-admit limiter and a cache that never hits are substituted).
func New(storage queuestore.Storage, cfg *Config, runFn jobqueue.RunFunc, lim limiter.Limiter, cache outputcache.Cache, logger log.Logger, listeners ...jobqueue.Listener) *Engine {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if lim == nil {
		lim = noopLimiter{}
	}
	if cache == nil {
		cache = noopCache{}
	}
	if logger == nil {
		logger = &log.NoOpLogger{}
	}
	logger = log.Named(logger, "jobqueue/durable")
	sfCache := outputcache.NewSingleFlightCache(cache)

	e := &Engine{
		storage:      storage,
		cfg:          cfg,
		runFn:        runFn,
		limiter:      lim,
		cache:        sfCache,
		logger:       logger,
		listeners:    listeners,
		progressSubs: map[string][]chan jobqueue.Progress{},
		waiters:      map[string][]chan *jobqueue.Job{},
	}

	storage.SubscribeToChanges(queuestore.Filter{QueueName: cfg.QueueName}, e.onChange)
	return e
}

func (e *Engine) emit(kind jobqueue.EventKind, j *jobqueue.Job) {
	ev := jobqueue.Event{Kind: kind, Job: j}
	for _, l := range e.listeners {
		l(ev)
	}
}

func (e *Engine) onChange(change queuestore.Change) {
	switch change.Kind {
	case queuestore.ChangeProgress:
		e.fanOutProgress(change.Job)
	case queuestore.ChangeCompleted, queuestore.ChangeFailed, queuestore.ChangeAborted:
		e.notifyWaiters(change.Job)
	}
}

func (e *Engine) fanOutProgress(j *jobqueue.Job) {
	e.mu.Lock()
	subs := append([]chan jobqueue.Progress(nil), e.progressSubs[j.ID]...)
	e.mu.Unlock()

	p := jobqueue.Progress{JobID: j.ID, Status: j.Status, Progress: j.Progress, Message: j.ProgressMessage}
	for _, ch := range subs {
		select {
		case ch <- p:
		default:
		}
	}
}

func (e *Engine) Add(ctx context.Context, j *jobqueue.Job) error {
	now := time.Now()
	if j.MaxAttempts == 0 {
		j.MaxAttempts = e.cfg.DefaultMaxAttempts
	}
	if j.NextRunAt.IsZero() {
		j.NextRunAt = now
	}
	j.QueueName = e.cfg.QueueName
	j.Status = jobqueue.Pending
	j.CreatedAt = now
	j.UpdatedAt = now

	if err := e.storage.Enqueue(ctx, j); err != nil {
		return err
	}
	e.emit(jobqueue.EventJobAdded, j)
	return nil
}

func (e *Engine) Next(ctx context.Context) (*jobqueue.Job, error) {
	if !e.limiter.CanProceed() {
		return nil, nil
	}
	j, err := e.storage.LeaseNext(ctx, time.Now().Add(e.cfg.LeaseDuration))
	if err != nil || j == nil {
		return nil, err
	}
	e.limiter.RecordJobStart()
	e.emit(jobqueue.EventJobStarted, j)
	return j, nil
}

func (e *Engine) Complete(ctx context.Context, id string, output any) error {
	if err := e.storage.Complete(ctx, id, output); err != nil {
		return err
	}
	e.limiter.RecordJobCompletion()
	j, ok, err := e.storage.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("jobqueue/durable: unknown job %q", id)
	}
	e.emit(jobqueue.EventJobComplete, j)
	e.notifyWaiters(j)
	return nil
}

func (e *Engine) Fail(ctx context.Context, id string, jobErr error) error {
	e.limiter.RecordJobCompletion()
	j, ok, err := e.storage.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("jobqueue/durable: unknown job %q", id)
	}

	kind := errkind.Classify(jobErr)

	if kind == errkind.KindAborted {
		if err := e.storage.Abort(ctx, id); err != nil {
			return err
		}
		j.Status = jobqueue.Aborting
		e.emit(jobqueue.EventJobAborted, j)
		e.notifyWaiters(j)
		return nil
	}

	if !errkind.IsRetryable(jobErr) || j.Attempts+1 >= j.MaxAttempts {
		if err := e.storage.Fail(ctx, id, string(kind), jobErr.Error(), false, time.Time{}); err != nil {
			return err
		}
		j.Attempts++
		j.Status = jobqueue.Failed
		e.emit(jobqueue.EventJobFailed, j)
		e.notifyWaiters(j)
		return nil
	}

	if kind == errkind.KindRateLimit {
		if rd := errkind.RetryDateOf(jobErr); rd != nil {
			e.limiter.SetNextAvailableTime(*rd)
		}
	}
	nextRunAt := jobqueue.NextRunAt(jobErr, j.Attempts+1, e.cfg.RetryBase, e.cfg.RetryMaxBackoff, time.Now())
	if err := e.storage.Fail(ctx, id, string(kind), jobErr.Error(), true, nextRunAt); err != nil {
		return err
	}
	j.Attempts++
	j.Status = jobqueue.Pending
	j.NextRunAt = nextRunAt
	e.emit(jobqueue.EventJobRetry, j)
	return nil
}

func (e *Engine) Abort(ctx context.Context, id string) error {
	if err := e.storage.Abort(ctx, id); err != nil {
		return err
	}
	j, ok, err := e.storage.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("jobqueue/durable: unknown job %q", id)
	}
	e.emit(jobqueue.EventJobAborted, j)
	e.notifyWaiters(j)
	return nil
}

func (e *Engine) UpdateProgress(ctx context.Context, id string, percent int, message string) {
	j, ok, err := e.storage.Get(ctx, id)
	if err != nil || !ok {
		return
	}
	if percent < j.Progress {
		percent = j.Progress
	}
	if percent > 100 {
		percent = 100
	}
	if err := e.storage.UpdateProgress(ctx, id, percent, message); err != nil {
		e.logger.Warn("update progress for job %s: %v", id, err)
		return
	}
	e.emit(jobqueue.EventJobProgress, j)
}

func (e *Engine) GetProgress(ctx context.Context, id string) (*jobqueue.Progress, error) {
	j, ok, err := e.storage.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("jobqueue/durable: unknown job %q", id)
	}
	return &jobqueue.Progress{JobID: id, Status: j.Status, Progress: j.Progress, Message: j.ProgressMessage}, nil
}

// WaitFor blocks until id reaches a terminal status, or ctx is done.
// Relies on the Storage's (in-process) change subscription, so it only
// observes terminal transitions driven through this same Engine
// instance's storage handle.
func (e *Engine) WaitFor(ctx context.Context, id string) (*jobqueue.Job, error) {
	if j, ok, err := e.storage.Get(ctx, id); err == nil && ok && isTerminal(j.Status) {
		return j, nil
	}

	ch := make(chan *jobqueue.Job, 1)
	e.mu.Lock()
	e.waiters[id] = append(e.waiters[id], ch)
	e.mu.Unlock()

	select {
	case j := <-ch:
		return j, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) notifyWaiters(j *jobqueue.Job) {
	if !isTerminal(j.Status) {
		return
	}
	e.mu.Lock()
	chans := e.waiters[j.ID]
	delete(e.waiters, j.ID)
	e.mu.Unlock()
	for _, ch := range chans {
		ch <- j
	}
}

func isTerminal(s jobqueue.Status) bool {
	switch s {
	case jobqueue.Completed, jobqueue.Failed, jobqueue.Aborting, jobqueue.Skipped:
		return true
	default:
		return false
	}
}

func (e *Engine) Size(ctx context.Context) (int, error) {
	return e.storage.Size(ctx, e.cfg.QueueName)
}

func (e *Engine) Clear(ctx context.Context) error {
	return e.storage.Clear(ctx, e.cfg.QueueName)
}

// Start launches the worker pool and lease-expiry watchdog, the same
// context.CancelFunc-plus-sync.WaitGroup shape as memqueue.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.ctx, e.cancel = ctx, cancel

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}

	e.wg.Add(1)
	go e.watchdog()
}

// Stop cancels the worker pool and blocks until every goroutine exits.
// Unlike memqueue, in-flight leases are left for the watchdog (or
// another process's watchdog) to reclaim once they expire, since
// storage is shared and another process may be running this same
// engine concurrently.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) worker(id int) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.processNext(id)
		}
	}
}

// processNext leases the next due job and runs it through the engine's
// single-flight cache: at most one runFn per (TaskType, Fingerprint) is
// ever in flight across this engine's workers, so a second worker that
// leases a job sharing another's fingerprint blocks in GetOrCompute
// until the first finishes, then reuses its output instead of invoking
// runFn again.
func (e *Engine) processNext(_ int) {
	j, err := e.Next(e.ctx)
	if err != nil || j == nil {
		return
	}

	runCtx := e.ctx
	var cancel context.CancelFunc
	if j.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(e.ctx, time.Duration(j.TimeoutMs)*time.Millisecond)
	}

	out, hit, runErr := e.cache.GetOrCompute(runCtx, j.TaskType, j.Fingerprint, func(computeCtx context.Context) (any, error) {
		return e.runFn(computeCtx, j)
	})
	if cancel != nil {
		cancel()
	}

	if runErr != nil {
		if runCtx.Err() != nil && runErr == context.DeadlineExceeded {
			runErr = &errkind.TimeoutError{Duration: time.Duration(j.TimeoutMs) * time.Millisecond, RetryableJobError: errkind.RetryableJobError{Cause: runErr}}
		}
		if ferr := e.Fail(e.ctx, j.ID, runErr); ferr != nil {
			e.logger.Error("fail job %s: %v", j.ID, ferr)
		}
		return
	}

	if hit {
		if cerr := e.storage.Complete(e.ctx, j.ID, out); cerr != nil {
			e.logger.Error("skip-complete job %s: %v", j.ID, cerr)
			return
		}
		e.limiter.RecordJobCompletion()
		j.Status = jobqueue.Skipped
		j.Output = out
		j.Progress = 100
		e.emit(jobqueue.EventJobComplete, j)
		e.notifyWaiters(j)
		return
	}

	if cerr := e.Complete(e.ctx, j.ID, out); cerr != nil {
		e.logger.Error("complete job %s: %v", j.ID, cerr)
	}
}

func (e *Engine) watchdog() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := e.storage.ReclaimExpiredLeases(e.ctx, time.Now())
			if err != nil {
				e.logger.Warn("reclaim expired leases: %v", err)
				continue
			}
			for _, j := range reclaimed {
				e.emit(jobqueue.EventJobRetry, j)
			}
		}
	}
}

type noopLimiter struct{}

func (noopLimiter) CanProceed() bool                { return true }
func (noopLimiter) RecordJobStart()                 {}
func (noopLimiter) RecordJobCompletion()            {}
func (noopLimiter) GetNextAvailableTime() time.Time { return time.Now() }
func (noopLimiter) SetNextAvailableTime(time.Time)  {}

type noopCache struct{}

func (noopCache) Get(context.Context, string, string) (any, bool, error) { return nil, false, nil }
func (noopCache) Put(context.Context, string, string, any) error         { return nil }
func (noopCache) Clear(context.Context) error                            { return nil }
