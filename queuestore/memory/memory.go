// Package memory is an in-process queuestore.Storage, useful for tests
// of the durable jobqueue engine that don't need a real backend.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/smallnest/taskgraph/jobqueue"
	"github.com/smallnest/taskgraph/queuestore"
)

type subscriber struct {
	filter queuestore.Filter
	cb     func(queuestore.Change)
}

// Storage is a mutex-guarded map implementation of queuestore.Storage.
type Storage struct {
	mu          sync.Mutex
	jobs        map[string]*jobqueue.Job
	subscribers map[int]subscriber
	nextSubID   int
}

var _ queuestore.Storage = (*Storage)(nil)

func New() *Storage {
	return &Storage{
		jobs:        make(map[string]*jobqueue.Job),
		subscribers: make(map[int]subscriber),
	}
}

func (s *Storage) notify(kind queuestore.ChangeKind, job *jobqueue.Job) {
	change := queuestore.Change{Kind: kind, Job: job}
	for _, sub := range s.subscribers {
		if sub.filter.Matches(job) {
			sub.cb(change)
		}
	}
}

func (s *Storage) Enqueue(ctx context.Context, job *jobqueue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	s.notify(queuestore.ChangeEnqueued, &cp)
	return nil
}

func (s *Storage) LeaseNext(ctx context.Context, until time.Time) (*jobqueue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var best *jobqueue.Job
	for _, j := range s.jobs {
		if j.Status != jobqueue.Pending {
			continue
		}
		if j.NextRunAt.After(now) {
			continue
		}
		if best == nil || j.NextRunAt.Before(best.NextRunAt) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = jobqueue.Processing
	best.LeaseExpiresAt = until
	best.UpdatedAt = until
	cp := *best
	s.notify(queuestore.ChangeLeased, &cp)
	return &cp, nil
}

func (s *Storage) ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]*jobqueue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed []*jobqueue.Job
	for _, j := range s.jobs {
		if j.Status != jobqueue.Processing {
			continue
		}
		if j.LeaseExpiresAt.After(now) {
			continue
		}
		j.Status = jobqueue.Pending
		j.Attempts++
		j.NextRunAt = now
		j.UpdatedAt = now
		cp := *j
		reclaimed = append(reclaimed, &cp)
		s.notify(queuestore.ChangeEnqueued, &cp)
	}
	return reclaimed, nil
}

func (s *Storage) Complete(ctx context.Context, id string, output any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.Status = jobqueue.Completed
	j.Output = output
	j.Progress = 100
	cp := *j
	s.notify(queuestore.ChangeCompleted, &cp)
	return nil
}

func (s *Storage) Fail(ctx context.Context, id string, errKind, errMessage string, retryable bool, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.ErrorMessage = errMessage
	if retryable {
		j.Status = jobqueue.Pending
		j.NextRunAt = nextRunAt
	} else {
		j.Status = jobqueue.Failed
	}
	cp := *j
	s.notify(queuestore.ChangeFailed, &cp)
	return nil
}

func (s *Storage) Abort(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.Status = jobqueue.Aborting
	cp := *j
	s.notify(queuestore.ChangeAborted, &cp)
	return nil
}

func (s *Storage) UpdateProgress(ctx context.Context, id string, progress int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	j.ProgressMessage = message
	cp := *j
	s.notify(queuestore.ChangeProgress, &cp)
	return nil
}

func (s *Storage) Get(ctx context.Context, id string) (*jobqueue.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false, nil
	}
	cp := *j
	return &cp, true, nil
}

func (s *Storage) Size(ctx context.Context, queueName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, j := range s.jobs {
		if j.QueueName != queueName {
			continue
		}
		if j.Status == jobqueue.Completed || j.Status == jobqueue.Failed || j.Status == jobqueue.Aborting {
			continue
		}
		count++
	}
	return count, nil
}

func (s *Storage) Clear(ctx context.Context, queueName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		if j.QueueName == queueName {
			delete(s.jobs, id)
		}
	}
	return nil
}

func (s *Storage) SubscribeToChanges(filter queuestore.Filter, cb func(queuestore.Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = subscriber{filter: filter, cb: cb}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}
