// Package graphrunner drives a compiled graph's nodes to completion: it
// resolves each ready node's runFn through the registry, hands it to the
// jobqueue bound to the node's declared provider, and propagates values
// along outbound edges as chunks and completions arrive. It shares no
// blackboard between nodes — every edge is an explicit port-to-port
// copy.
package graphrunner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/smallnest/taskgraph/jobqueue"
	"github.com/smallnest/taskgraph/log"
	"github.com/smallnest/taskgraph/registry"
	"github.com/smallnest/taskgraph/task"
)

// EventKind names one of the observable events a Runner emits over the
// life of a node, independent of the node's own task.Listener events.
type EventKind int

const (
	EventNodeStarted EventKind = iota
	EventNodeProgress
	EventNodeCompleted
	EventNodeFailed
	EventNodeAborted
)

func (k EventKind) String() string {
	switch k {
	case EventNodeStarted:
		return "node_started"
	case EventNodeProgress:
		return "node_progress"
	case EventNodeCompleted:
		return "node_completed"
	case EventNodeFailed:
		return "node_failed"
	case EventNodeAborted:
		return "node_aborted"
	default:
		return "unknown"
	}
}

// Event is one observable occurrence against a node in a Run.
type Event struct {
	Kind     EventKind
	NodeID   string
	Progress int
	Message  string
	Err      error
}

// Listener receives Runner events; must not block.
type Listener func(Event)

// Runner resolves ready nodes through a registry and dispatches them
// onto provider-named queues. A single Runner may drive many
// concurrent Run/Start invocations; queues are bound once and shared
// across them.
type Runner struct {
	registry  *registry.Registry
	logger    log.Logger
	listeners []Listener

	mu       sync.Mutex
	queues   map[string]jobqueue.JobQueue // keyed by provider
	runs     map[string]*run             // keyed by run id
	contexts map[string]*task.Context    // keyed by "runID/nodeID"
}

// NewRunner builds a Runner over reg. Queues must be bound with
// BindQueue before Start/Run is called against any node declaring that
// provider.
func NewRunner(reg *registry.Registry, logger log.Logger, listeners ...Listener) *Runner {
	if logger == nil {
		logger = &log.NoOpLogger{}
	}
	return &Runner{
		registry:  reg,
		logger:    log.Named(logger, "graphrunner"),
		listeners: listeners,
		queues:    map[string]jobqueue.JobQueue{},
		runs:      map[string]*run{},
		contexts:  map[string]*task.Context{},
	}
}

// BindQueue registers the jobqueue a ready node declaring provider must
// be dispatched onto. The queue must have been constructed with
// RunFunc as its runFn, and started, before any Run/Start call reaches
// a node of that provider.
func (r *Runner) BindQueue(provider string, q jobqueue.JobQueue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[provider] = q
}

func (r *Runner) queueFor(provider string) jobqueue.JobQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queues[provider]
}

func (r *Runner) emit(ev Event) {
	for _, l := range r.listeners {
		l(ev)
	}
}

// RunFunc adapts the registry into the jobqueue.RunFunc every bound
// queue is constructed with. It looks up (job.TaskType, job.Provider),
// builds a task.Context whose listener forwards chunk/progress events
// back to the live node this job belongs to, and executes the runFn.
// One RunFunc value is shared by every provider's queue; dispatch by
// (taskType, provider) happens per call, not per queue.
func (r *Runner) RunFunc() jobqueue.RunFunc {
	return func(ctx context.Context, job *jobqueue.Job) (any, error) {
		runFn, err := r.registry.Lookup(job.TaskType, job.Provider)
		if err != nil {
			return nil, err
		}
		streaming, _ := r.registry.Streaming(job.TaskType, job.Provider)
		listener := func(ev task.Event) { r.dispatchTaskEvent(job.ID, ev) }
		tc := task.NewContext(job.ID, streaming, nil, listener)

		r.mu.Lock()
		r.contexts[job.ID] = tc
		r.mu.Unlock()
		defer func() {
			r.mu.Lock()
			delete(r.contexts, job.ID)
			r.mu.Unlock()
		}()

		out, err := runFn(ctx, job.Input, tc)
		if err == nil && !tc.AllStreamsClosed() {
			return nil, fmt.Errorf("graphrunner: task %s returned with a streaming port still open", job.ID)
		}
		return out, err
	}
}

func (r *Runner) dispatchTaskEvent(jobID string, ev task.Event) {
	runID, nodeID, ok := splitJobID(jobID)
	if !ok {
		return
	}
	r.mu.Lock()
	rn := r.runs[runID]
	r.mu.Unlock()
	if rn == nil {
		return
	}
	rn.onTaskEvent(nodeID, ev)
}

// abortJob cancels a running job's task signal and asks its queue to
// abort it. Used by abortNode against a node already dispatched.
func (r *Runner) abortJob(provider, jobID string) {
	r.mu.Lock()
	q := r.queues[provider]
	tc := r.contexts[jobID]
	r.mu.Unlock()

	if tc != nil {
		tc.Cancel()
	}
	if q != nil {
		if err := q.Abort(context.Background(), jobID); err != nil {
			r.logger.Warn("abort job %s: %v", jobID, err)
		}
	}
}

// splitJobID recovers the (runID, nodeID) pair a Run encodes into a
// job's ID, since job IDs must be globally unique across a queue while
// node IDs are only unique within one graph.
func splitJobID(jobID string) (runID, nodeID string, ok bool) {
	i := strings.IndexByte(jobID, '/')
	if i < 0 {
		return "", "", false
	}
	return jobID[:i], jobID[i+1:], true
}

// fingerprintOf hashes canonical(taskType, input) for output-cache
// lookup. json.Marshal already sorts map keys, which is canonical
// enough for the map[string]any inputs a node assembles.
func fingerprintOf(taskType string, input any) string {
	canonical, err := json.Marshal(struct {
		Type  string `json:"type"`
		Input any    `json:"input"`
	}{taskType, input})
	if err != nil {
		canonical = []byte(fmt.Sprintf("%s:%v", taskType, input))
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func copyAnyMap(m map[string]any) map[string]any {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
