package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelTracer starts spans against the process-wide OTel tracer provider
// registered via otel.SetTracerProvider. Configuring an actual exporter
// is the caller's responsibility (or the global no-op provider runs,
// which is itself a safe default); this package only knows how to ask
// for spans, not how to export them.
type OTelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer builds an OTelTracer identifying spans under
// instrumentationName (e.g. "taskgraph/jobqueue").
func NewOTelTracer(instrumentationName string) *OTelTracer {
	return &OTelTracer{tracer: otel.Tracer(instrumentationName)}
}

var _ Tracer = (*OTelTracer)(nil)

func (t *OTelTracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error)) {
	opts := make([]trace.SpanStartOption, 0, 1)
	if len(attrs) > 0 {
		kvs := make([]attribute.KeyValue, 0, len(attrs))
		for k, v := range attrs {
			kvs = append(kvs, attribute.String(k, v))
		}
		opts = append(opts, trace.WithAttributes(kvs...))
	}

	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
