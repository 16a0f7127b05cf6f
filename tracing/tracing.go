// Package tracing is an optional span API, reusing the shape of the
// teacher's graph.Tracer/TraceSpan (start span, end span, parent via
// context) but wired to OTel spans instead of an in-memory span map.
// jobqueue and graphrunner do not start spans through it. A NoopTracer
// default keeps it free of a hard dependency on a trace backend being
// configured.
package tracing

import "context"

// Tracer is the narrow span-lifecycle contract: start a span, get back
// a func that ends it.
type Tracer interface {
	// StartSpan begins a span named name, deriving its parent from any
	// span already present in ctx, and returns the context carrying the
	// new span plus a function that ends it.
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(err error))
}

// NoopTracer discards every span. The zero value is ready to use.
type NoopTracer struct{}

var _ Tracer = NoopTracer{}

func (NoopTracer) StartSpan(ctx context.Context, _ string, _ map[string]string) (context.Context, func(error)) {
	return ctx, func(error) {}
}
