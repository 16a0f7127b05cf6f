package graphrunner

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/smallnest/taskgraph/errkind"
	"github.com/smallnest/taskgraph/graph"
	"github.com/smallnest/taskgraph/jobqueue"
	"github.com/smallnest/taskgraph/task"
	"golang.org/x/sync/errgroup"
)

// nodeState is one node's live scheduling state within a run.
type nodeState struct {
	node          *graph.Node
	status        task.Status
	started       bool
	inputs        map[string]any
	received      map[string]bool
	requiredPorts map[string]bool // distinct dst ports fed by inbound edges
	accum         map[string]any  // per output port, folded streaming value
	outputs       map[string]any  // final per-port output, once available
	progress      int
	progressMsg   string
}

func newNodeState(n *graph.Node) *nodeState {
	return &nodeState{
		node:          n,
		status:        task.Pending,
		inputs:        map[string]any{},
		received:      map[string]bool{},
		requiredPorts: map[string]bool{},
		accum:         map[string]any{},
		outputs:       map[string]any{},
	}
}

func isTerminalStatus(s task.Status) bool {
	switch s {
	case task.Completed, task.Failed, task.Aborted:
		return true
	default:
		return false
	}
}

// run is the live scheduling state for one Start/Run invocation.
type run struct {
	runner   *Runner
	id       string
	compiled *graph.Compiled

	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	states         map[string]*nodeState
	firstChunkDone map[*graph.Edge]bool
	firstErr       error

	// fanOutGroups and fanOutBase track the clones spawned for a
	// cardinality-mismatch edge (graph.Edge.FanOut): fanOutBase maps a
	// clone's ID back to the original destination node ID it was expanded
	// from, and fanOutGroups holds that original ID's in-flight clone
	// roster and per-clone outputs, folded back into an array once every
	// clone has completed.
	fanOutGroups map[string]*fanOutGroup
	fanOutBase   map[string]string
}

// fanOutGroup is the live state of one array-fan-out expansion: the
// clone IDs dispatched for a single FanOut edge, and each clone's
// final per-port outputs once it completes.
type fanOutGroup struct {
	edge     *graph.Edge
	cloneIDs []string
	outputs  map[string]map[string]any
	done     map[string]bool
	failed   bool
}

// Run is a handle to one in-progress (or finished) graph execution,
// returned by Runner.Start.
type Run struct{ r *run }

// ID returns the run's internally generated identifier, used as the
// prefix of every job ID this run submits.
func (h *Run) ID() string { return h.r.id }

// Wait blocks until every node has reached a terminal status (or the
// run's context is cancelled) and returns the final per-node,
// per-port outputs alongside the first hard failure encountered, if
// any.
func (h *Run) Wait() (map[string]map[string]any, error) { return h.r.wait() }

// AbortTask cancels nodeID's in-flight (or not-yet-started) job and
// marks every strictly-downstream node ABORTED. A no-op if nodeID has
// already reached a terminal status.
func (h *Run) AbortTask(nodeID string) {
	h.r.abortNode(nodeID, &errkind.AbortError{Reason: "aborted by caller"})
}

// AbortGraph cancels every in-flight or pending node in the run. Wait
// then returns an *errkind.AbortError unless a failure was recorded
// first.
func (h *Run) AbortGraph() { h.r.abortGraph() }

// Status reports a node's current status and progress.
func (h *Run) Status(nodeID string) (status task.Status, progress int, message string, ok bool) {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	st, ok := h.r.states[nodeID]
	if !ok {
		return 0, 0, "", false
	}
	return st.status, st.progress, st.progressMsg, true
}

// Start builds a run over compiled and launches every root node (a
// node with no inbound edges). initialInputs supplies values for input
// ports with no inbound edge, keyed by node ID then port name.
func (r *Runner) Start(ctx context.Context, compiled *graph.Compiled, initialInputs map[string]map[string]any) (*Run, error) {
	g := &errgroup.Group{}
	runCtx, cancel := context.WithCancel(ctx)

	rn := &run{
		runner:         r,
		id:             uuid.NewString(),
		compiled:       compiled,
		g:              g,
		ctx:            runCtx,
		states:         map[string]*nodeState{},
		firstChunkDone: map[*graph.Edge]bool{},
		fanOutGroups:   map[string]*fanOutGroup{},
		fanOutBase:     map[string]string{},
	}
	rn.cancel = cancel

	var roots []string
	for _, id := range compiled.Order {
		node, ok := compiled.Graph.Node(id)
		if !ok {
			cancel()
			return nil, fmt.Errorf("graphrunner: compiled order names unknown node %q", id)
		}
		st := newNodeState(node)
		for _, e := range compiled.Graph.InEdges(id) {
			st.requiredPorts[e.DstPort] = true
		}
		rn.states[id] = st
		if len(compiled.Graph.InEdges(id)) == 0 {
			roots = append(roots, id)
		}
	}
	for id, vals := range initialInputs {
		st, ok := rn.states[id]
		if !ok {
			continue
		}
		for k, v := range vals {
			st.inputs[k] = v
			st.received[k] = true
		}
	}
	if len(roots) == 0 && len(compiled.Order) > 0 {
		cancel()
		return nil, fmt.Errorf("graphrunner: graph has no root nodes (every node has an inbound edge)")
	}

	r.mu.Lock()
	r.runs[rn.id] = rn
	r.mu.Unlock()

	go func() {
		_ = g.Wait()
		r.mu.Lock()
		delete(r.runs, rn.id)
		r.mu.Unlock()
		cancel()
	}()

	for _, id := range roots {
		rn.tryStart(id)
	}

	return &Run{r: rn}, nil
}

// Run is a synchronous convenience wrapper around Start and Wait for
// callers that don't need to abort part of the graph mid-run.
func (r *Runner) Run(ctx context.Context, compiled *graph.Compiled, initialInputs map[string]map[string]any) (map[string]map[string]any, error) {
	h, err := r.Start(ctx, compiled, initialInputs)
	if err != nil {
		return nil, err
	}
	return h.Wait()
}

func (rn *run) wait() (map[string]map[string]any, error) {
	err := rn.g.Wait()
	if err == nil {
		rn.mu.Lock()
		err = rn.firstErr
		rn.mu.Unlock()
	}
	return rn.collectOutputs(), err
}

func (rn *run) collectOutputs() map[string]map[string]any {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	out := make(map[string]map[string]any, len(rn.states))
	for id, st := range rn.states {
		if len(st.outputs) == 0 {
			continue
		}
		out[id] = copyAnyMap(st.outputs)
	}
	return out
}

// tryStart dispatches id's job if it hasn't already been started or
// reached a terminal status.
func (rn *run) tryStart(id string) {
	rn.mu.Lock()
	st := rn.states[id]
	if st == nil || st.started || isTerminalStatus(st.status) {
		rn.mu.Unlock()
		return
	}
	st.started = true
	st.status = task.Ready
	rn.mu.Unlock()

	rn.g.Go(func() error { return rn.startNode(id) })
}

func (rn *run) startNode(id string) error {
	rn.mu.Lock()
	st := rn.states[id]
	if isTerminalStatus(st.status) {
		rn.mu.Unlock()
		return nil
	}
	st.status = task.Running
	node := st.node
	input := copyAnyMap(st.inputs)
	rn.mu.Unlock()

	if _, err := rn.runner.registry.Lookup(node.Type, node.Provider); err != nil {
		rn.finishNode(id, task.Failed, nil, err)
		return err
	}
	q := rn.runner.queueFor(node.Provider)
	if q == nil {
		err := fmt.Errorf("graphrunner: no queue bound for provider %q (node %s)", node.Provider, id)
		rn.finishNode(id, task.Failed, nil, err)
		return err
	}

	jobID := rn.id + "/" + id
	job := &jobqueue.Job{
		ID:          jobID,
		TaskType:    node.Type,
		Provider:    node.Provider,
		Input:       input,
		Fingerprint: fingerprintOf(node.Type, input),
	}
	if err := q.Add(rn.ctx, job); err != nil {
		rn.finishNode(id, task.Failed, nil, err)
		return err
	}
	rn.runner.emit(Event{Kind: EventNodeStarted, NodeID: id})

	final, err := q.WaitFor(rn.ctx, jobID)
	if err != nil {
		rn.finishNode(id, task.Aborted, nil, err)
		return nil
	}

	switch final.Status {
	case jobqueue.Completed, jobqueue.Skipped:
		out, err := asPortMap(node, final.Output)
		if err != nil {
			rn.finishNode(id, task.Failed, nil, err)
			return err
		}
		rn.finishNode(id, task.Completed, out, nil)
		return nil
	case jobqueue.Aborting:
		rn.finishNode(id, task.Aborted, nil, &errkind.AbortError{})
		return nil
	default:
		jobErr := fmt.Errorf("%s: %s", final.ErrorKind, final.ErrorMessage)
		rn.finishNode(id, task.Failed, nil, jobErr)
		return jobErr
	}
}

// asPortMap normalizes a task's returned output into a per-port map. A
// task declaring exactly one output port may return its bare value;
// any other shape must already be a map[string]any keyed by port name.
func asPortMap(node *graph.Node, output any) (map[string]any, error) {
	if output == nil {
		return map[string]any{}, nil
	}
	if m, ok := output.(map[string]any); ok {
		return m, nil
	}
	if len(node.Outputs) == 1 {
		return map[string]any{node.Outputs[0].Name: output}, nil
	}
	return nil, fmt.Errorf("graphrunner: node %s declares %d output ports but its runFn returned a non-map value", node.ID, len(node.Outputs))
}

func (rn *run) finishNode(id string, status task.Status, outputs map[string]any, err error) {
	rn.mu.Lock()
	st := rn.states[id]
	if st == nil || isTerminalStatus(st.status) {
		rn.mu.Unlock()
		return
	}
	st.status = status
	for k, v := range outputs {
		st.outputs[k] = v
	}
	if status == task.Failed && rn.firstErr == nil {
		rn.firstErr = err
	}
	rn.mu.Unlock()

	baseID, isClone := rn.fanOutBaseOf(id)

	switch status {
	case task.Completed:
		rn.runner.emit(Event{Kind: EventNodeCompleted, NodeID: id})
		if isClone {
			rn.completeFanOutMember(baseID, id)
		} else {
			rn.propagateCompletion(id)
		}
	case task.Failed:
		rn.runner.emit(Event{Kind: EventNodeFailed, NodeID: id, Err: err})
		if isClone {
			rn.failFanOutMember(baseID, id)
		} else {
			rn.cascadeAbort(id)
		}
	case task.Aborted:
		rn.runner.emit(Event{Kind: EventNodeAborted, NodeID: id, Err: err})
		if isClone {
			rn.failFanOutMember(baseID, id)
		} else {
			rn.cascadeAbort(id)
		}
	}
}

func (rn *run) fanOutBaseOf(id string) (string, bool) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	base, ok := rn.fanOutBase[id]
	return base, ok
}

// propagateCompletion delivers every outbound edge's value once, skipping
// edges already satisfied by a first-chunk delivery, and starts any
// destination whose required ports are now all received.
func (rn *run) propagateCompletion(nodeID string) {
	rn.mu.Lock()
	st := rn.states[nodeID]
	var ready []string
	for _, e := range rn.compiled.Graph.OutEdges(nodeID) {
		if rn.firstChunkDone[e] {
			continue
		}
		if e.FanOut {
			ready = append(ready, rn.startFanOutLocked(e, st.outputs[e.SrcPort])...)
			continue
		}
		dst := rn.states[e.DstNode]
		if dst == nil {
			continue
		}
		dst.inputs[e.DstPort] = st.outputs[e.SrcPort]
		dst.received[e.DstPort] = true
		if rn.isReadyLocked(e.DstNode) {
			ready = append(ready, e.DstNode)
		}
	}
	rn.mu.Unlock()

	for _, id := range ready {
		rn.tryStart(id)
	}
}

// startFanOutLocked expands e's destination into one clone per element of
// value (a producer's collection output), seeding each clone's copy of
// e.DstPort and registering it as a member of e.DstNode's fan-out group.
// Called with rn.mu held; returns the subset of clones whose required
// ports are already fully received, for the caller to tryStart once
// unlocked.
func (rn *run) startFanOutLocked(e *graph.Edge, value any) []string {
	baseID := e.DstNode
	if _, exists := rn.fanOutGroups[baseID]; exists {
		return nil
	}

	items, err := toSlice(value)
	if err != nil {
		rn.failRunLocked(fmt.Errorf("graphrunner: fan-out source %s.%s did not produce a collection: %w", e.SrcNode, e.SrcPort, err))
		return nil
	}
	clones, err := rn.compiled.Graph.ExpandFanOut(baseID, len(items))
	if err != nil {
		rn.failRunLocked(err)
		return nil
	}

	base := rn.states[baseID]
	group := &fanOutGroup{edge: e, outputs: map[string]map[string]any{}, done: map[string]bool{}}
	var ready []string
	for i, clone := range clones {
		cst, ok := rn.states[clone.ID]
		if !ok {
			cst = newNodeState(clone)
			for p := range base.requiredPorts {
				cst.requiredPorts[p] = true
			}
			rn.states[clone.ID] = cst
		}
		cst.inputs[e.DstPort] = items[i]
		cst.received[e.DstPort] = true
		rn.fanOutBase[clone.ID] = baseID
		group.cloneIDs = append(group.cloneIDs, clone.ID)
		if rn.isReadyLocked(clone.ID) {
			ready = append(ready, clone.ID)
		}
	}
	rn.fanOutGroups[baseID] = group
	return ready
}

// failRunLocked records a run-ending error and cancels the shared
// context, used when fan-out expansion itself fails (e.g. a source
// declared as producing a collection returned a non-slice value).
func (rn *run) failRunLocked(err error) {
	if rn.firstErr == nil {
		rn.firstErr = err
	}
	rn.cancel()
}

// completeFanOutMember records one fan-out clone's output and, once
// every clone in its group has completed, folds the per-clone outputs
// into per-port arrays (ordered by clone index) and propagates them
// across the original (unexpanded) node's outbound edges exactly as
// propagateCompletion would for a normal node.
func (rn *run) completeFanOutMember(baseID, cloneID string) {
	rn.mu.Lock()
	group := rn.fanOutGroups[baseID]
	if group == nil || group.failed {
		rn.mu.Unlock()
		return
	}
	group.outputs[cloneID] = copyAnyMap(rn.states[cloneID].outputs)
	group.done[cloneID] = true

	if len(group.done) < len(group.cloneIDs) {
		rn.mu.Unlock()
		return
	}

	base := rn.states[baseID]
	folded := foldFanOutOutputs(group, base.node)
	base.outputs = folded
	base.status = task.Completed

	var ready []string
	for _, e := range rn.compiled.Graph.OutEdges(baseID) {
		dst := rn.states[e.DstNode]
		if dst == nil {
			continue
		}
		dst.inputs[e.DstPort] = folded[e.SrcPort]
		dst.received[e.DstPort] = true
		if rn.isReadyLocked(e.DstNode) {
			ready = append(ready, e.DstNode)
		}
	}
	rn.mu.Unlock()

	rn.runner.emit(Event{Kind: EventNodeCompleted, NodeID: baseID})
	for _, id := range ready {
		rn.tryStart(id)
	}
}

// failFanOutMember aborts every other still-live clone in cloneID's
// fan-out group and cascades the failure to baseID's own downstream
// nodes, since a clone has no outbound edges of its own to cascade
// through.
func (rn *run) failFanOutMember(baseID, cloneID string) {
	rn.mu.Lock()
	group := rn.fanOutGroups[baseID]
	if group == nil {
		rn.mu.Unlock()
		return
	}
	alreadyFailed := group.failed
	group.failed = true
	var siblings []string
	for _, cid := range group.cloneIDs {
		if cid == cloneID {
			continue
		}
		if st := rn.states[cid]; st != nil && !isTerminalStatus(st.status) {
			siblings = append(siblings, cid)
		}
	}
	rn.mu.Unlock()

	if alreadyFailed {
		return
	}
	for _, cid := range siblings {
		rn.abortNode(cid, &errkind.AbortError{Reason: "sibling fan-out clone " + cloneID + " did not complete"})
	}

	rn.mu.Lock()
	if base := rn.states[baseID]; base != nil && !isTerminalStatus(base.status) {
		base.status = task.Aborted
	}
	rn.mu.Unlock()
	rn.cascadeAbort(baseID)
}

// foldFanOutOutputs gathers a fan-out group's completed clone outputs
// into one []any per output port, ordered by clone index.
func foldFanOutOutputs(group *fanOutGroup, base *graph.Node) map[string]any {
	folded := make(map[string]any, len(base.Outputs))
	for _, p := range base.Outputs {
		vals := make([]any, 0, len(group.cloneIDs))
		for _, cid := range group.cloneIDs {
			vals = append(vals, group.outputs[cid][p.Name])
		}
		folded[p.Name] = vals
	}
	return folded
}

// toSlice normalizes a fan-out source's runtime output into a []any,
// accepting any Go slice or array via reflection.
func toSlice(value any) ([]any, error) {
	if value == nil {
		return nil, fmt.Errorf("value is nil")
	}
	if s, ok := value.([]any); ok {
		return s, nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("value of type %T is not a slice or array", value)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func (rn *run) isReadyLocked(id string) bool {
	st := rn.states[id]
	for p := range st.requiredPorts {
		if !st.received[p] {
			return false
		}
	}
	return true
}

// cascadeAbort marks id's immediate children ABORTED (or cancels them,
// if already running). Each child's own finishNode call recurses into
// cascadeAbort for its children, so the cascade reaches every strict
// descendant without a duplicate traversal here.
func (rn *run) cascadeAbort(nodeID string) {
	rn.mu.Lock()
	seen := map[string]bool{}
	var children []string
	for _, e := range rn.compiled.Graph.OutEdges(nodeID) {
		if seen[e.DstNode] {
			continue
		}
		seen[e.DstNode] = true
		children = append(children, e.DstNode)
	}
	rn.mu.Unlock()

	for _, childID := range children {
		rn.abortNode(childID, &errkind.AbortError{Reason: "upstream task " + nodeID + " did not complete"})
	}
}

// abortGraph cancels the run's shared context (unblocking any
// in-flight WaitFor immediately) and aborts every node individually, so
// each still commits a proper terminal status and queue-level abort.
func (rn *run) abortGraph() {
	rn.cancel()

	rn.mu.Lock()
	if rn.firstErr == nil {
		rn.firstErr = &errkind.AbortError{Reason: "graph aborted"}
	}
	ids := make([]string, 0, len(rn.states))
	for id := range rn.states {
		ids = append(ids, id)
	}
	rn.mu.Unlock()

	for _, id := range ids {
		rn.abortNode(id, &errkind.AbortError{Reason: "graph aborted"})
	}
}

// abortNode aborts a single node. If it was never started, it is
// marked ABORTED directly; if already dispatched, its task signal is
// cancelled and its queue job is asked to abort, and whichever path
// reaches finishNode first wins (finishNode is idempotent against an
// already-terminal node).
func (rn *run) abortNode(id string, cause error) {
	rn.mu.Lock()
	st, ok := rn.states[id]
	if !ok || isTerminalStatus(st.status) {
		rn.mu.Unlock()
		return
	}
	started := st.started
	provider := st.node.Provider
	st.started = true
	rn.mu.Unlock()

	if started {
		rn.runner.abortJob(provider, rn.id+"/"+id)
	}
	rn.finishNode(id, task.Aborted, nil, cause)
}

func (rn *run) onTaskEvent(nodeID string, ev task.Event) {
	switch ev.Kind {
	case task.EventChunk:
		if ev.Chunk != nil {
			rn.handleChunk(nodeID, ev.Chunk)
		}
	case task.EventProgress:
		rn.mu.Lock()
		if st, ok := rn.states[nodeID]; ok {
			st.progress = ev.Progress
			st.progressMsg = ev.Message
		}
		rn.mu.Unlock()
		rn.runner.emit(Event{Kind: EventNodeProgress, NodeID: nodeID, Progress: ev.Progress, Message: ev.Message})
	}
}

// handleChunk folds a published chunk into its port's accumulator and,
// for every outbound edge whose destination declared first-chunk
// readiness, delivers the folded value immediately and starts the
// destination if that was its last required port. Fan-out edges are
// skipped here: a collection output isn't final until the node
// completes, so expansion happens once in propagateCompletion against
// the fully-folded accumulator value.
func (rn *run) handleChunk(nodeID string, chunk *task.Chunk) {
	rn.mu.Lock()
	st := rn.states[nodeID]
	if st == nil {
		rn.mu.Unlock()
		return
	}
	node := st.node
	if _, ok := node.OutputPort(chunk.Port); !ok {
		rn.mu.Unlock()
		return
	}

	acc, ok := st.accum[chunk.Port]
	if !ok {
		acc = rn.accumulatorIdentity(node, chunk.Port)
	}
	merged, err := rn.mergeChunk(node, chunk.Port, acc, chunk.Data)
	if err != nil {
		rn.mu.Unlock()
		rn.runner.logger.Warn("accumulator merge failed for %s.%s: %v", nodeID, chunk.Port, err)
		return
	}
	st.accum[chunk.Port] = merged
	st.outputs[chunk.Port] = merged

	var ready []string
	for _, e := range rn.compiled.Graph.OutEdges(nodeID) {
		if e.SrcPort != chunk.Port || rn.firstChunkDone[e] || e.FanOut {
			continue
		}
		dst := rn.states[e.DstNode]
		if dst == nil {
			continue
		}
		dp, ok := dst.node.InputPort(e.DstPort)
		if !ok || dp.Readiness != task.FirstChunk {
			continue
		}
		rn.firstChunkDone[e] = true
		dst.inputs[e.DstPort] = merged
		dst.received[e.DstPort] = true
		if rn.isReadyLocked(e.DstNode) {
			ready = append(ready, e.DstNode)
		}
	}
	rn.mu.Unlock()

	for _, id := range ready {
		rn.tryStart(id)
	}
}

func (rn *run) accumulatorFor(node *graph.Node, port string) task.Accumulator {
	sd, ok := rn.runner.registry.Streaming(node.Type, node.Provider)
	if !ok || sd == nil {
		return nil
	}
	ps, ok := sd.Ports[port]
	if !ok {
		return nil
	}
	return ps.Accumulator
}

func (rn *run) accumulatorIdentity(node *graph.Node, port string) any {
	if a := rn.accumulatorFor(node, port); a != nil {
		return a.Identity()
	}
	return nil
}

// mergeChunk folds data into acc via the port's declared accumulator,
// or falls back to last-chunk-wins when the task declared no
// accumulator for this streaming port.
func (rn *run) mergeChunk(node *graph.Node, port string, acc, data any) (any, error) {
	a := rn.accumulatorFor(node, port)
	if a == nil {
		return data, nil
	}
	return a.Merge(acc, data)
}
