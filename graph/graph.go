// Package graph holds the task-graph model: nodes, typed edges, cycle
// rejection, topological layering and subgraph extraction. It has no
// notion of execution — that lives in graphrunner.
package graph

import (
	"fmt"

	"github.com/smallnest/taskgraph/errkind"
	"github.com/smallnest/taskgraph/task"
)

// ErrDuplicateNode is returned by Insert when a node with the same ID
// already exists.
type ErrDuplicateNode struct{ ID string }

func (e *ErrDuplicateNode) Error() string { return fmt.Sprintf("duplicate node %q", e.ID) }

// ErrMissingNode is returned by AddEdge, ExpandFanOut and
// GetSubGraphStartingFrom when a referenced node ID (or, for AddEdge, a
// referenced port) is not present.
type ErrMissingNode struct{ ID string }

func (e *ErrMissingNode) Error() string { return fmt.Sprintf("missing node %q", e.ID) }

// ErrIncompatibleTypes is returned by AddEdge when the source port's
// schema and destination port's schema are neither statically nor
// runtime compatible.
type ErrIncompatibleTypes struct {
	SrcNode, SrcPort, DstNode, DstPort string
}

func (e *ErrIncompatibleTypes) Error() string {
	return fmt.Sprintf("incompatible types: %s.%s -> %s.%s", e.SrcNode, e.SrcPort, e.DstNode, e.DstPort)
}

// Port is a named, typed input or output slot on a node.
type Port struct {
	Name      string
	Schema    task.Schema
	Streaming bool
	Readiness task.Readiness
}

// Node is one task vertex in the graph: its static type (registry lookup
// key), declared provider, input configuration, and its ports.
type Node struct {
	ID       string
	Type     string
	Provider string
	Config   map[string]any
	Inputs   []Port
	Outputs  []Port
}

func (n *Node) inputPort(name string) (Port, bool) {
	for _, p := range n.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

func (n *Node) outputPort(name string) (Port, bool) {
	for _, p := range n.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// InputPort returns a node's named input port (graphrunner needs this
// to read a destination's readiness mode during propagation).
func (n *Node) InputPort(name string) (Port, bool) { return n.inputPort(name) }

// OutputPort returns a node's named output port.
func (n *Node) OutputPort(name string) (Port, bool) { return n.outputPort(name) }

// Edge is a 4-tuple dataflow connection: a producer's output port feeding
// a consumer's input port.
type Edge struct {
	SrcNode, SrcPort string
	DstNode, DstPort string
	Meta             map[string]any
	// FanOut is set by Compile when cardinality mismatch requires the
	// destination to be cloned per source element.
	FanOut bool
}

// Graph is a mutable set of nodes and dataflows. The zero value is not
// usable; construct with New.
type Graph struct {
	nodes      map[string]*Node
	order      []string // insertion order, for deterministic topo tie-break
	out        map[string][]*Edge
	in         map[string][]*Edge
	compiled   bool
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		nodes: map[string]*Node{},
		out:   map[string][]*Edge{},
		in:    map[string][]*Edge{},
	}
}

// Insert adds a new node. It fails with *ErrDuplicateNode if the ID is
// already present.
func (g *Graph) Insert(n *Node) error {
	if _, exists := g.nodes[n.ID]; exists {
		return &ErrDuplicateNode{ID: n.ID}
	}
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	g.compiled = false
	return nil
}

// Upsert inserts n if absent, or replaces the existing node with the same
// ID in place (preserving its position in insertion order).
func (g *Graph) Upsert(n *Node) {
	if _, exists := g.nodes[n.ID]; !exists {
		g.order = append(g.order, n.ID)
	}
	g.nodes[n.ID] = n
	g.compiled = false
}

// Remove deletes a node and every edge touching it.
func (g *Graph) Remove(id string) {
	delete(g.nodes, id)
	for i, nid := range g.order {
		if nid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	for _, e := range g.out[id] {
		g.removeFromIn(e)
	}
	delete(g.out, id)
	for _, e := range g.in[id] {
		out := g.out[e.SrcNode]
		for i, other := range out {
			if other == e {
				g.out[e.SrcNode] = append(out[:i], out[i+1:]...)
				break
			}
		}
	}
	delete(g.in, id)
	for nid, edges := range g.in {
		kept := edges[:0]
		for _, e := range edges {
			if e.SrcNode != id {
				kept = append(kept, e)
			}
		}
		g.in[nid] = kept
	}
	g.compiled = false
}

func (g *Graph) removeFromIn(e *Edge) {
	edges := g.in[e.DstNode]
	for i, other := range edges {
		if other == e {
			g.in[e.DstNode] = append(edges[:i], edges[i+1:]...)
			return
		}
	}
}

// Node returns a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns every node in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// AddEdge wires src's output port to dst's input port. Fails with
// *ErrMissingNode if either node is absent, *ErrIncompatibleTypes if the
// schemas reject each other, or *errkind.CycleError if the edge would
// close a cycle.
func (g *Graph) AddEdge(srcID, srcPort, dstID, dstPort string, meta map[string]any) error {
	src, ok := g.nodes[srcID]
	if !ok {
		return &ErrMissingNode{ID: srcID}
	}
	dst, ok := g.nodes[dstID]
	if !ok {
		return &ErrMissingNode{ID: dstID}
	}

	sp, ok := src.outputPort(srcPort)
	if !ok {
		return &ErrMissingNode{ID: srcID + "." + srcPort}
	}
	dp, ok := dst.inputPort(dstPort)
	if !ok {
		return &ErrMissingNode{ID: dstID + "." + dstPort}
	}

	if sp.Schema != nil && dp.Schema != nil {
		if sp.Schema.Compatible(dp.Schema) == task.Incompatible {
			return &ErrIncompatibleTypes{SrcNode: srcID, SrcPort: srcPort, DstNode: dstID, DstPort: dstPort}
		}
	}

	e := &Edge{SrcNode: srcID, SrcPort: srcPort, DstNode: dstID, DstPort: dstPort, Meta: meta}

	g.out[srcID] = append(g.out[srcID], e)
	g.in[dstID] = append(g.in[dstID], e)

	if path, cyclic := g.detectCycle(); cyclic {
		g.removeEdgeValue(e)
		return &errkind.CycleError{Path: path}
	}

	g.compiled = false
	return nil
}

// RemoveEdge deletes one matching edge, if present.
func (g *Graph) RemoveEdge(srcID, srcPort, dstID, dstPort string) {
	for _, e := range g.out[srcID] {
		if e.SrcPort == srcPort && e.DstNode == dstID && e.DstPort == dstPort {
			g.removeEdgeValue(e)
			return
		}
	}
}

func (g *Graph) removeEdgeValue(e *Edge) {
	out := g.out[e.SrcNode]
	for i, other := range out {
		if other == e {
			g.out[e.SrcNode] = append(out[:i], out[i+1:]...)
			break
		}
	}
	g.removeFromIn(e)
	g.compiled = false
}

// OutEdges returns id's outgoing edges in insertion order.
func (g *Graph) OutEdges(id string) []*Edge { return g.out[id] }

// InEdges returns id's incoming edges in insertion order.
func (g *Graph) InEdges(id string) []*Edge { return g.in[id] }

// detectCycle runs Kahn's algorithm and reports whether a cycle exists,
// along with one representative remaining (cyclic) node path when it does.
func (g *Graph) detectCycle() ([]string, bool) {
	indegree := map[string]int{}
	for _, id := range g.order {
		indegree[id] = 0
	}
	for _, id := range g.order {
		for _, e := range g.out[id] {
			indegree[e.DstNode]++
		}
	}

	queue := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, e := range g.out[id] {
			indegree[e.DstNode]--
			if indegree[e.DstNode] == 0 {
				queue = append(queue, e.DstNode)
			}
		}
	}

	if visited == len(g.order) {
		return nil, false
	}

	var remaining []string
	for _, id := range g.order {
		if indegree[id] > 0 {
			remaining = append(remaining, id)
		}
	}
	return remaining, true
}

// TopologicallySortedNodes returns node IDs in a valid topological order,
// using Kahn's algorithm with insertion-order tie-breaking among nodes
// simultaneously ready.
func (g *Graph) TopologicallySortedNodes() ([]string, error) {
	indegree := map[string]int{}
	for _, id := range g.order {
		indegree[id] = 0
	}
	for _, id := range g.order {
		for _, e := range g.out[id] {
			indegree[e.DstNode]++
		}
	}

	ready := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	var result []string
	for len(ready) > 0 {
		// insertion-order tie-break: pick the earliest-inserted ready node.
		next := g.earliestByInsertion(ready)
		result = append(result, next)
		ready = removeString(ready, next)

		for _, e := range g.out[next] {
			indegree[e.DstNode]--
			if indegree[e.DstNode] == 0 {
				ready = append(ready, e.DstNode)
			}
		}
	}

	if len(result) != len(g.order) {
		var remaining []string
		for _, id := range g.order {
			if indegree[id] > 0 {
				remaining = append(remaining, id)
			}
		}
		return nil, &errkind.CycleError{Path: remaining}
	}
	return result, nil
}

func (g *Graph) earliestByInsertion(candidates []string) string {
	best := candidates[0]
	bestIdx := g.insertionIndex(best)
	for _, c := range candidates[1:] {
		if idx := g.insertionIndex(c); idx < bestIdx {
			best, bestIdx = c, idx
		}
	}
	return best
}

func (g *Graph) insertionIndex(id string) int {
	for i, nid := range g.order {
		if nid == id {
			return i
		}
	}
	return len(g.order)
}

func removeString(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// GetSubGraphStartingFrom returns the node IDs reachable from root via
// outgoing edges, via breadth-first search, root included.
func (g *Graph) GetSubGraphStartingFrom(root string) ([]string, error) {
	if _, ok := g.nodes[root]; !ok {
		return nil, &ErrMissingNode{ID: root}
	}

	visited := map[string]bool{root: true}
	queue := []string{root}
	var result []string

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)
		for _, e := range g.out[id] {
			if !visited[e.DstNode] {
				visited[e.DstNode] = true
				queue = append(queue, e.DstNode)
			}
		}
	}
	return result, nil
}

// Compiled is the result of Compile: a frozen topological order plus the
// set of edges marked as fan-out (cardinality mismatch between producer
// and consumer).
type Compiled struct {
	Order    []string
	FanOut   map[string]bool // edge identity -> fan-out
	Graph    *Graph
}

// Compile validates the graph is acyclic, computes its topological order,
// and marks edges whose destination input expects a scalar while the
// source output is declared as producing a collection (fan-out).
func (g *Graph) Compile() (*Compiled, error) {
	order, err := g.TopologicallySortedNodes()
	if err != nil {
		return nil, err
	}

	fanOut := map[string]bool{}
	for _, id := range order {
		for _, e := range g.out[id] {
			src := g.nodes[e.SrcNode]
			dst := g.nodes[e.DstNode]
			sp, _ := src.outputPort(e.SrcPort)
			dp, _ := dst.inputPort(e.DstPort)
			if isCollectionSchema(sp.Schema) && !isCollectionSchema(dp.Schema) {
				e.FanOut = true
				fanOut[edgeKey(e)] = true
			}
		}
	}

	g.compiled = true
	return &Compiled{Order: order, FanOut: fanOut, Graph: g}, nil
}

func edgeKey(e *Edge) string {
	return e.SrcNode + "." + e.SrcPort + "->" + e.DstNode + "." + e.DstPort
}

// collectionSchema is implemented by schemas that self-report as
// producing a collection: task.TypedSchema reports true when its TypeName
// starts with "[]"; AnySchema has no IsCollection method, so fan-out
// detection is opt-in per schema.
type collectionSchema interface {
	IsCollection() bool
}

func isCollectionSchema(s task.Schema) bool {
	cs, ok := s.(collectionSchema)
	return ok && cs.IsCollection()
}
