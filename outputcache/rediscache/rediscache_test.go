package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, Options{Prefix: "test:oc:"})
}

func TestCache_PutGet(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Put(ctx, "summarize", "fp1", map[string]any{"ok": true}))

	v, ok, err := c.Get(ctx, "summarize", "fp1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"ok": true}, v)
}

func TestCache_Get_Miss(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_, ok, err := c.Get(ctx, "summarize", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_Put_OverwritesLastWriterWins(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Put(ctx, "t", "fp", "v1"))
	require.NoError(t, c.Put(ctx, "t", "fp", "v2"))

	v, ok, err := c.Get(ctx, "t", "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestCache_TryClaim_OnlyOneWinner(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	first, err := c.TryClaim(ctx, "t", "fp", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := c.TryClaim(ctx, "t", "fp", time.Minute)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestCache_Clear(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Put(ctx, "t", "fp1", "v1"))
	require.NoError(t, c.Put(ctx, "t", "fp2", "v2"))
	require.NoError(t, c.Clear(ctx))

	_, ok, err := c.Get(ctx, "t", "fp1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.Get(ctx, "t", "fp2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_Clear_EmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	assert.NoError(t, c.Clear(ctx))
}
