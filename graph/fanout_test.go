package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneID(t *testing.T) {
	assert.Equal(t, "B#0", CloneID("B", 0))
	assert.Equal(t, "B#3", CloneID("B", 3))
}

func TestGraph_ExpandFanOut(t *testing.T) {
	g := New()
	require.NoError(t, g.Insert(&Node{ID: "B", Type: "summarize", Provider: "openai", Inputs: []Port{portAny("in")}}))

	clones, err := g.ExpandFanOut("B", 3)
	require.NoError(t, err)
	require.Len(t, clones, 3)

	for i, c := range clones {
		assert.Equal(t, CloneID("B", i), c.ID)
		assert.Equal(t, "summarize", c.Type)
		assert.Equal(t, "openai", c.Provider)
	}

	_, ok := g.Node("B#0")
	assert.True(t, ok)

	// The original node must still be present and untouched.
	orig, ok := g.Node("B")
	assert.True(t, ok)
	assert.Equal(t, "summarize", orig.Type)
}

func TestGraph_ExpandFanOut_IdempotentOnReExpansion(t *testing.T) {
	g := New()
	require.NoError(t, g.Insert(&Node{ID: "B", Type: "summarize"}))

	first, err := g.ExpandFanOut("B", 2)
	require.NoError(t, err)

	// Mutate a clone to prove a second expansion doesn't overwrite it.
	first[0].Config = map[string]any{"touched": true}

	second, err := g.ExpandFanOut("B", 2)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"touched": true}, second[0].Config)
}

func TestGraph_ExpandFanOut_MissingNode(t *testing.T) {
	g := New()
	_, err := g.ExpandFanOut("missing", 2)
	var missing *ErrMissingNode
	assert.ErrorAs(t, err, &missing)
}

func TestGraph_Upsert_ReplacesInPlace(t *testing.T) {
	g := New()
	require.NoError(t, g.Insert(&Node{ID: "a", Type: "v1"}))
	require.NoError(t, g.Insert(&Node{ID: "b", Type: "v1"}))

	g.Upsert(&Node{ID: "a", Type: "v2"})

	n, ok := g.Node("a")
	require.True(t, ok)
	assert.Equal(t, "v2", n.Type)

	order, err := g.TopologicallySortedNodes()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order) // position preserved
}

func TestGraph_Upsert_InsertsIfAbsent(t *testing.T) {
	g := New()
	g.Upsert(&Node{ID: "new", Type: "v1"})
	_, ok := g.Node("new")
	assert.True(t, ok)
}
