package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOTelTracer_StartSpan_EndWithAndWithoutError(t *testing.T) {
	tr := NewOTelTracer("taskgraph/test")
	ctx := context.Background()

	newCtx, end := tr.StartSpan(ctx, "node.execute", map[string]string{"node": "n1", "provider": "test"})
	assert.NotNil(t, newCtx)
	end(nil) // must not panic against the default no-op provider

	_, end2 := tr.StartSpan(ctx, "node.execute.failed", nil)
	end2(errors.New("boom")) // RecordError/SetStatus path must not panic either
}
