// Package queuestore is the durable job-queue storage contract: the
// persistence and leasing primitive shared by every jobqueue backend
// other than the in-memory one. Each backend supplies its own atomic
// "claim the next due job" operation (a sorted-set pop, a `SELECT ...
// FOR UPDATE SKIP LOCKED`, a single-writer transaction) behind this one
// interface, so jobqueue's engine never touches backend-specific code.
package queuestore

import (
	"context"
	"time"

	"github.com/smallnest/taskgraph/jobqueue"
)

// ChangeKind distinguishes what kind of job mutation a subscriber is
// being notified about.
type ChangeKind int

const (
	ChangeEnqueued ChangeKind = iota
	ChangeLeased
	ChangeProgress
	ChangeCompleted
	ChangeFailed
	ChangeAborted
)

// Change is one notification delivered to a SubscribeToChanges callback.
type Change struct {
	Kind ChangeKind
	Job  *jobqueue.Job
}

// Filter narrows which changes a subscriber receives; a zero-value
// Filter matches everything. QueueName, when set, restricts to that
// queue only.
type Filter struct {
	QueueName string
}

// Matches reports whether job passes this filter.
func (f Filter) Matches(j *jobqueue.Job) bool {
	if f.QueueName != "" && j.QueueName != f.QueueName {
		return false
	}
	return true
}

// Storage is the durable persistence and leasing contract a jobqueue
// engine drives. Implementations must make LeaseNext atomic with
// respect to other callers (including other processes), since the
// whole point of a durable backend is multi-worker, possibly
// multi-process, safety.
type Storage interface {
	// Enqueue persists a new job record.
	Enqueue(ctx context.Context, job *jobqueue.Job) error

	// LeaseNext atomically claims the oldest due PENDING job whose
	// NextRunAt is not after now, sets it PROCESSING with
	// LeaseExpiresAt = until, and returns it. Returns (nil, nil) when
	// no job is due.
	LeaseNext(ctx context.Context, until time.Time) (*jobqueue.Job, error)

	// ReclaimExpiredLeases resets every PROCESSING job whose
	// LeaseExpiresAt is before now back to PENDING with Attempts
	// incremented, and returns the reclaimed jobs.
	ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]*jobqueue.Job, error)

	// Complete marks a job COMPLETED with the given output.
	Complete(ctx context.Context, id string, output any) error

	// Fail records errMessage and marks a job either FAILED (terminal)
	// or, when retryable is true, re-queues it as PENDING at nextRunAt.
	// It does not look at Attempts; the caller decides retryable.
	Fail(ctx context.Context, id string, errKind, errMessage string, retryable bool, nextRunAt time.Time) error

	// Abort marks a job ABORTING, the terminal aborted state.
	Abort(ctx context.Context, id string) error

	// UpdateProgress records a monotonically increasing progress value
	// and message against a job, for polling/subscriber consumption.
	UpdateProgress(ctx context.Context, id string, progress int, message string) error

	// Get returns a single job by ID.
	Get(ctx context.Context, id string) (*jobqueue.Job, bool, error)

	// Size returns the count of jobs not yet in a terminal state.
	Size(ctx context.Context, queueName string) (int, error)

	// Clear removes every job record for a queue.
	Clear(ctx context.Context, queueName string) error

	// SubscribeToChanges registers cb to be called for every mutation
	// matching filter. Returns an unsubscribe function.
	SubscribeToChanges(filter Filter, cb func(Change)) (unsubscribe func())
}
