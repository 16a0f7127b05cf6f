package registry

import (
	"context"
	"testing"

	"github.com/smallnest/taskgraph/errkind"
	"github.com/smallnest/taskgraph/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Lookup_MissingRunFn(t *testing.T) {
	r := New()
	_, err := r.Lookup("summarize", "openai")

	var missing *errkind.MissingRunFnError
	assert.ErrorAs(t, err, &missing)
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := New()
	called := false
	r.Register("summarize", "openai", func(ctx context.Context, input any, tc *task.Context) (any, error) {
		called = true
		return "summary", nil
	})

	fn, err := r.Lookup("summarize", "openai")
	require.NoError(t, err)

	out, err := fn(context.Background(), "doc", nil)
	require.NoError(t, err)
	assert.Equal(t, "summary", out)
	assert.True(t, called)

	_, err = r.Lookup("summarize", "anthropic")
	var missing *errkind.MissingRunFnError
	assert.ErrorAs(t, err, &missing)
}

func TestRegistry_Register_ReplacesExisting(t *testing.T) {
	r := New()
	r.Register("t", "p", func(ctx context.Context, input any, tc *task.Context) (any, error) {
		return "first", nil
	})
	r.Register("t", "p", func(ctx context.Context, input any, tc *task.Context) (any, error) {
		return "second", nil
	})

	fn, err := r.Lookup("t", "p")
	require.NoError(t, err)
	out, err := fn(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", out)
}

func TestRegistry_WithSchemas(t *testing.T) {
	r := New()
	in, out := task.TypedSchema{TypeName: "string"}, task.TypedSchema{TypeName: "Summary"}
	r.Register("summarize", "openai", nil, WithSchemas(in, out))

	gotIn, gotOut, ok := r.Schemas("summarize", "openai")
	require.True(t, ok)
	assert.Equal(t, in, gotIn)
	assert.Equal(t, out, gotOut)

	_, _, ok = r.Schemas("summarize", "missing")
	assert.False(t, ok)
}

func TestRegistry_WithStreaming(t *testing.T) {
	r := New()
	sd := &task.StreamDescriptor{Ports: map[string]task.PortStream{"out": {}}}
	r.Register("summarize", "openai", nil, WithStreaming(sd))

	got, ok := r.Streaming("summarize", "openai")
	require.True(t, ok)
	assert.Same(t, sd, got)

	_, ok = r.Streaming("missing", "openai")
	assert.False(t, ok)
}

func TestFuncTask_AdaptsRunFunc(t *testing.T) {
	in, out := task.TypedSchema{TypeName: "string"}, task.TypedSchema{TypeName: "int"}
	ft := FuncTask{
		Input:  in,
		Output: out,
		Fn: func(ctx context.Context, input any, tc *task.Context) (any, error) {
			return len(input.(string)), nil
		},
	}

	assert.Equal(t, in, ft.InputSchema())
	assert.Equal(t, out, ft.OutputSchema())
	assert.Nil(t, ft.Streaming())

	result, err := ft.Execute(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, result)
}
