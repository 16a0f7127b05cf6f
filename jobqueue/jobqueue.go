package jobqueue

import "context"

// EventKind names one of the job lifecycle events a queue emits.
type EventKind int

const (
	EventJobAdded EventKind = iota
	EventJobStarted
	EventJobProgress
	EventJobComplete
	EventJobFailed
	EventJobRetry
	EventJobAborted
)

// Event is delivered to a queue's listeners in occurrence order.
type Event struct {
	Kind EventKind
	Job  *Job
}

// Listener receives queue events; must not block.
type Listener func(Event)

// RunFunc is the collaborator execution function a queue invokes per
// leased job. It mirrors registry.RunFunc's shape but over a Job's raw
// input/provider rather than a task.Context, since the queue itself
// knows nothing about task.Context — graphrunner adapts between the two.
type RunFunc func(ctx context.Context, job *Job) (output any, err error)

// JobQueue is the durable job-queue contract: add, lease, complete, fail,
// abort, observe progress/completion, and lifecycle control.
type JobQueue interface {
	Add(ctx context.Context, job *Job) error
	Next(ctx context.Context) (*Job, error)
	Complete(ctx context.Context, id string, output any) error
	Fail(ctx context.Context, id string, err error) error
	Abort(ctx context.Context, id string) error
	GetProgress(ctx context.Context, id string) (*Progress, error)
	WaitFor(ctx context.Context, id string) (*Job, error)
	Size(ctx context.Context) (int, error)
	Start()
	Stop()
	Clear(ctx context.Context) error
}
