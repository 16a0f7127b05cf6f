package memcache

import (
	"context"
	"testing"

	"github.com/smallnest/taskgraph/outputcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_PutGetClear(t *testing.T) {
	ctx := context.Background()
	var events []outputcache.Event
	c := New(func(ev outputcache.Event) { events = append(events, ev) })

	_, hit, err := c.Get(ctx, "summarize", "fp1")
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.Put(ctx, "summarize", "fp1", "result"))

	out, hit, err := c.Get(ctx, "summarize", "fp1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "result", out)

	require.NoError(t, c.Clear(ctx))
	_, hit, err = c.Get(ctx, "summarize", "fp1")
	require.NoError(t, err)
	assert.False(t, hit)

	require.Len(t, events, 2)
	assert.Equal(t, outputcache.EventOutputSaved, events[0].Kind)
	assert.Equal(t, outputcache.EventOutputCleared, events[1].Kind)
}

func TestCache_KeyedByTaskTypeAndFingerprint(t *testing.T) {
	ctx := context.Background()
	c := New()
	require.NoError(t, c.Put(ctx, "summarize", "fp1", "a"))
	require.NoError(t, c.Put(ctx, "translate", "fp1", "b"))

	out1, _, _ := c.Get(ctx, "summarize", "fp1")
	out2, _, _ := c.Get(ctx, "translate", "fp1")
	assert.Equal(t, "a", out1)
	assert.Equal(t, "b", out2)
}
