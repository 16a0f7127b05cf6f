// Package memqueue is the in-memory jobqueue.JobQueue implementation,
// grounded directly on the pack's AI task queue: a container/heap
// priority queue, a fixed worker-loop pool started/stopped via
// context.CancelFunc plus sync.WaitGroup, and a lease-expiry watchdog.
package memqueue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallnest/taskgraph/errkind"
	"github.com/smallnest/taskgraph/jobqueue"
	"github.com/smallnest/taskgraph/limiter"
	"github.com/smallnest/taskgraph/log"
	"github.com/smallnest/taskgraph/outputcache"
)

// Config configures a Queue's worker pool and retry policy.
type Config struct {
	Workers         int
	LeaseDuration   time.Duration
	WatchdogInterval time.Duration
	PollInterval    time.Duration
	RetryBase       time.Duration
	RetryMaxBackoff time.Duration
	DefaultMaxAttempts int
}

// DefaultConfig returns a Config with the teacher example's worker/retry
// proportions, adapted to job leases rather than node calls.
func DefaultConfig() *Config {
	return &Config{
		Workers:            3,
		LeaseDuration:      30 * time.Second,
		WatchdogInterval:   5 * time.Second,
		PollInterval:       200 * time.Millisecond,
		RetryBase:          1 * time.Second,
		RetryMaxBackoff:    5 * time.Minute,
		DefaultMaxAttempts: 5,
	}
}

// Queue is the in-memory JobQueue implementation.
type Queue struct {
	mu         sync.Mutex
	heap       jobHeap
	byID       map[string]*jobqueue.Job
	processing map[string]bool

	cfg     *Config
	runFn   jobqueue.RunFunc
	limiter limiter.Limiter
	cache   *outputcache.SingleFlightCache
	logger  log.Logger

	listeners []jobqueue.Listener

	progressSubs map[string][]chan jobqueue.Progress
	waiters      map[string][]chan *jobqueue.Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ jobqueue.JobQueue = (*Queue)(nil)

// New builds a Queue. runFn executes a leased job's task; limiter and
// cache may be nil (an always-admit limiter and a cache that never hits
// are substituted).
func New(cfg *Config, runFn jobqueue.RunFunc, lim limiter.Limiter, cache outputcache.Cache, logger log.Logger, listeners ...jobqueue.Listener) *Queue {
	if cfg == nil {
		cfg = DefaultConfig()
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
	logger = log.Named(logger, "memqueue")
	sfCache := outputcache.NewSingleFlightCache(cache)

	q := &Queue{
		heap:         jobHeap{},
		byID:         map[string]*jobqueue.Job{},
		processing:   map[string]bool{},
		cfg:          cfg,
		runFn:        runFn,
		limiter:      lim,
		cache:        sfCache,
		logger:       logger,
		listeners:    listeners,
		progressSubs: map[string][]chan jobqueue.Progress{},
		waiters:      map[string][]chan *jobqueue.Job{},
	}
	heap.Init(&q.heap)
	return q
}

func (q *Queue) emit(kind jobqueue.EventKind, j *jobqueue.Job) {
	ev := jobqueue.Event{Kind: kind, Job: j}
	for _, l := range q.listeners {
		l(ev)
	}
}

// Add enqueues a new job, defaulting MaxAttempts and timestamps.
func (q *Queue) Add(_ context.Context, j *jobqueue.Job) error {
	now := time.Now()
	if j.MaxAttempts == 0 {
		j.MaxAttempts = q.cfg.DefaultMaxAttempts
	}
	if j.NextRunAt.IsZero() {
		j.NextRunAt = now
	}
	j.Status = jobqueue.Pending
	j.CreatedAt = now
	j.UpdatedAt = now

	q.mu.Lock()
	q.byID[j.ID] = j
	heap.Push(&q.heap, j)
	q.mu.Unlock()

	q.emit(jobqueue.EventJobAdded, j)
	return nil
}

// Next leases the oldest PENDING job whose NextRunAt has arrived and the
// limiter admits, or returns (nil, nil) if none is eligible right now.
func (q *Queue) Next(_ context.Context) (*jobqueue.Job, error) {
	now := time.Now()

	if !q.limiter.CanProceed() {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// The heap may have jobs not yet due; scan and requeue those skipped.
	var deferred []*jobqueue.Job
	var leased *jobqueue.Job
	for q.heap.Len() > 0 {
		j := heap.Pop(&q.heap).(*jobqueue.Job)
		if j.Status != jobqueue.Pending {
			continue // stale entry (already completed/aborted elsewhere)
		}
		if j.NextRunAt.After(now) {
			deferred = append(deferred, j)
			continue
		}
		leased = j
		break
	}
	for _, j := range deferred {
		heap.Push(&q.heap, j)
	}

	if leased == nil {
		return nil, nil
	}

	leased.Status = jobqueue.Processing
	leased.LeaseExpiresAt = now.Add(q.cfg.LeaseDuration)
	leased.UpdatedAt = now
	q.processing[leased.ID] = true

	q.limiter.RecordJobStart()
	q.emit(jobqueue.EventJobStarted, leased)
	return leased, nil
}

// Complete commits a successful outcome.
func (q *Queue) Complete(_ context.Context, id string, output any) error {
	q.mu.Lock()
	j, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("memqueue: unknown job %q", id)
	}
	j.Status = jobqueue.Completed
	j.Output = output
	j.Progress = 100
	j.UpdatedAt = time.Now()
	delete(q.processing, id)
	q.mu.Unlock()

	q.limiter.RecordJobCompletion()
	q.emit(jobqueue.EventJobComplete, j)
	q.notifyWaiters(j)
	return nil
}

// Fail classifies err and either marks the job FAILED/ABORTED terminally
// or re-enqueues it with a computed NextRunAt, mirroring the teacher's
// handleTaskError retry-with-backoff re-enqueue.
func (q *Queue) Fail(_ context.Context, id string, jobErr error) error {
	q.mu.Lock()
	j, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("memqueue: unknown job %q", id)
	}
	delete(q.processing, id)
	q.limiter.RecordJobCompletion()

	kind := errkind.Classify(jobErr)
	j.ErrorKind = kind
	j.ErrorMessage = jobErr.Error()
	j.UpdatedAt = time.Now()

	switch {
	case kind == errkind.KindAborted:
		j.Status = jobqueue.Aborting
		q.mu.Unlock()
		q.emit(jobqueue.EventJobAborted, j)
		q.notifyWaiters(j)
		return nil

	case !errkind.IsRetryable(jobErr) || j.Attempts+1 >= j.MaxAttempts:
		j.Attempts++
		j.Status = jobqueue.Failed
		q.mu.Unlock()
		q.emit(jobqueue.EventJobFailed, j)
		q.notifyWaiters(j)
		return nil

	default:
		j.Attempts++
		if kind == errkind.KindRateLimit {
			if rd := errkind.RetryDateOf(jobErr); rd != nil {
				q.limiter.SetNextAvailableTime(*rd)
			}
		}
		j.NextRunAt = jobqueue.NextRunAt(jobErr, j.Attempts, q.cfg.RetryBase, q.cfg.RetryMaxBackoff, time.Now())
		j.Status = jobqueue.Pending
		heap.Push(&q.heap, j)
		q.mu.Unlock()
		q.emit(jobqueue.EventJobRetry, j)
		return nil
	}
}

// Abort marks a job ABORTED (terminal, distinct from FAILED).
func (q *Queue) Abort(_ context.Context, id string) error {
	q.mu.Lock()
	j, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("memqueue: unknown job %q", id)
	}
	delete(q.processing, id)
	j.Status = jobqueue.Aborting
	j.UpdatedAt = time.Now()
	q.mu.Unlock()

	q.emit(jobqueue.EventJobAborted, j)
	q.notifyWaiters(j)
	return nil
}

// UpdateProgress persists and fans out a job's progress, enforcing the
// monotone-progress invariant.
func (q *Queue) UpdateProgress(id string, percent int, message string) {
	q.mu.Lock()
	j, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	if percent < j.Progress {
		percent = j.Progress
	}
	if percent > 100 {
		percent = 100
	}
	j.Progress = percent
	j.ProgressMessage = message
	j.UpdatedAt = time.Now()
	subs := append([]chan jobqueue.Progress(nil), q.progressSubs[id]...)
	q.mu.Unlock()

	p := jobqueue.Progress{JobID: id, Status: j.Status, Progress: percent, Message: message}
	for _, ch := range subs {
		select {
		case ch <- p:
		default:
		}
	}
	q.emit(jobqueue.EventJobProgress, j)
}

func (q *Queue) GetProgress(_ context.Context, id string) (*jobqueue.Progress, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byID[id]
	if !ok {
		return nil, fmt.Errorf("memqueue: unknown job %q", id)
	}
	return &jobqueue.Progress{JobID: id, Status: j.Status, Progress: j.Progress, Message: j.ProgressMessage}, nil
}

// WaitFor blocks until id reaches a terminal status, or ctx is done.
func (q *Queue) WaitFor(ctx context.Context, id string) (*jobqueue.Job, error) {
	q.mu.Lock()
	if j, ok := q.byID[id]; ok && isTerminal(j.Status) {
		q.mu.Unlock()
		return j, nil
	}
	ch := make(chan *jobqueue.Job, 1)
	q.waiters[id] = append(q.waiters[id], ch)
	q.mu.Unlock()

	select {
	case j := <-ch:
		return j, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) notifyWaiters(j *jobqueue.Job) {
	if !isTerminal(j.Status) {
		return
	}
	q.mu.Lock()
	chans := q.waiters[j.ID]
	delete(q.waiters, j.ID)
	q.mu.Unlock()
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

// Size returns the number of jobs not yet in a terminal state.
func (q *Queue) Size(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len() + len(q.processing), nil
}

// Clear drops every job from the queue (but not completed/failed history
// already delivered to waiters).
func (q *Queue) Clear(context.Context) error {
	q.mu.Lock()
	q.heap = jobHeap{}
	q.byID = map[string]*jobqueue.Job{}
	q.processing = map[string]bool{}
	q.mu.Unlock()
	return nil
}

// Start launches the worker pool and the lease-expiry watchdog, following
// the teacher example's Start/Stop-via-context.CancelFunc shape.
func (q *Queue) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.ctx, q.cancel = ctx, cancel

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.wg.Add(1)
	go q.watchdog()
}

// Stop cancels the worker pool and blocks until every goroutine exits,
// satisfying the at-least-once invariant: no job remains PROCESSING after
// Stop returns.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()

	q.mu.Lock()
	now := time.Now()
	for _, j := range q.byID {
		if j.Status == jobqueue.Processing {
			j.Status = jobqueue.Pending
			j.Attempts++
			j.NextRunAt = now
			heap.Push(&q.heap, j)
		}
	}
	q.processing = map[string]bool{}
	q.mu.Unlock()
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.processNext(id)
		}
	}
}

// processNext leases the next due job and runs it through the queue's
// single-flight cache: at most one runFn per (TaskType, Fingerprint) is
// ever in flight, so a second worker that leases a job sharing another's
// fingerprint blocks in GetOrCompute until the first finishes, then
// reuses its output instead of invoking runFn again.
func (q *Queue) processNext(_ int) {
	j, err := q.Next(q.ctx)
	if err != nil || j == nil {
		return
	}

	runCtx := q.ctx
	var cancel context.CancelFunc
	if j.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(q.ctx, time.Duration(j.TimeoutMs)*time.Millisecond)
	}

	out, hit, runErr := q.cache.GetOrCompute(runCtx, j.TaskType, j.Fingerprint, func(computeCtx context.Context) (any, error) {
		return q.runFn(computeCtx, j)
	})
	if cancel != nil {
		cancel()
	}

	if runErr != nil {
		if runCtx.Err() != nil && runErr == context.DeadlineExceeded {
			runErr = &errkind.TimeoutError{Duration: time.Duration(j.TimeoutMs) * time.Millisecond, RetryableJobError: errkind.RetryableJobError{Cause: runErr}}
		}
		if ferr := q.Fail(q.ctx, j.ID, runErr); ferr != nil {
			q.logger.Error("fail job %s: %v", j.ID, ferr)
		}
		return
	}

	if hit {
		q.mu.Lock()
		j.Status = jobqueue.Skipped
		j.Output = out
		j.Progress = 100
		j.UpdatedAt = time.Now()
		delete(q.processing, j.ID)
		q.mu.Unlock()
		q.limiter.RecordJobCompletion()
		q.emit(jobqueue.EventJobComplete, j)
		q.notifyWaiters(j)
		return
	}

	if cerr := q.Complete(q.ctx, j.ID, out); cerr != nil {
		q.logger.Error("complete job %s: %v", j.ID, cerr)
	}
}

// watchdog restores PROCESSING jobs whose lease has expired back to
// PENDING with incremented attempts.
func (q *Queue) watchdog() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.reclaimExpiredLeases()
		}
	}
}

func (q *Queue) reclaimExpiredLeases() {
	now := time.Now()
	q.mu.Lock()
	var expired []*jobqueue.Job
	for id := range q.processing {
		j := q.byID[id]
		if j != nil && j.Status == jobqueue.Processing && !j.LeaseExpiresAt.IsZero() && j.LeaseExpiresAt.Before(now) {
			expired = append(expired, j)
		}
	}
	for _, j := range expired {
		delete(q.processing, j.ID)
		j.Status = jobqueue.Pending
		j.Attempts++
		j.NextRunAt = now
		j.UpdatedAt = now
		heap.Push(&q.heap, j)
	}
	q.mu.Unlock()

	for _, j := range expired {
		q.emit(jobqueue.EventJobRetry, j)
	}
}

type noopLimiter struct{}

func (noopLimiter) CanProceed() bool               { return true }
func (noopLimiter) RecordJobStart()                {}
func (noopLimiter) RecordJobCompletion()            {}
func (noopLimiter) GetNextAvailableTime() time.Time { return time.Now() }
func (noopLimiter) SetNextAvailableTime(time.Time)  {}

type noopCache struct{}

func (noopCache) Get(context.Context, string, string) (any, bool, error) { return nil, false, nil }
func (noopCache) Put(context.Context, string, string, any) error         { return nil }
func (noopCache) Clear(context.Context) error                            { return nil }
