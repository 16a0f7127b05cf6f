package graph

import "fmt"

// CloneID returns the deterministic ID of the n-th fan-out clone of a
// node, e.g. CloneID("B", 0) == "B#0". Matches spec's array-fan-out
// clone-id convention.
func CloneID(nodeID string, n int) string {
	return fmt.Sprintf("%s#%d", nodeID, n)
}

// ExpandFanOut clones dst into count parallel copies (CloneID(dst,0..count-1)),
// used by the runner once it knows the runtime cardinality of a fan-out
// source's output. The clones are inserted as new nodes alongside the
// original destination node, which is left untouched; no edges are added
// to or from the clones. A clone ID that already exists is kept as it is,
// so repeating an expansion never overwrites earlier clones. Rejoin into a
// downstream aggregator remains the caller's responsibility (the runner
// reads clone outputs by CloneID and folds them before propagating to the
// aggregator's port).
func (g *Graph) ExpandFanOut(dstID string, count int) ([]*Node, error) {
	base, ok := g.nodes[dstID]
	if !ok {
		return nil, &ErrMissingNode{ID: dstID}
	}

	clones := make([]*Node, 0, count)
	for i := 0; i < count; i++ {
		clone := &Node{
			ID:       CloneID(dstID, i),
			Type:     base.Type,
			Provider: base.Provider,
			Config:   base.Config,
			Inputs:   base.Inputs,
			Outputs:  base.Outputs,
		}
		if _, exists := g.nodes[clone.ID]; !exists {
			g.Upsert(clone)
		}
		clones = append(clones, g.nodes[clone.ID])
	}
	return clones, nil
}
