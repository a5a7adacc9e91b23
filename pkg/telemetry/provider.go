package telemetry

import (
	"context"
	"errors"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerProvider is the tracer provider of one run. Close flushes pending
// spans and must be called before the process exits.
type TracerProvider interface {
	trace.TracerProvider

	Close(context.Context) error
	RegisterSpanProcessor(sdktrace.SpanProcessor)
}

type tracerProvider struct {
	embedded.TracerProvider

	tp *sdktrace.TracerProvider
}

func (t *tracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return t.tp.Tracer(name, options...)
}

// Close is idempotent.
func (t *tracerProvider) Close(ctx context.Context) error {
	if t.tp == nil {
		return nil
	}
	err := errors.Join(t.tp.ForceFlush(ctx), t.tp.Shutdown(ctx))
	t.tp = nil
	return err
}

func (t *tracerProvider) RegisterSpanProcessor(spanProcessor sdktrace.SpanProcessor) {
	t.tp.RegisterSpanProcessor(spanProcessor)
}

type noopTracerProvider struct {
	noop.TracerProvider
}

func (noopTracerProvider) Close(context.Context) error { return nil }

func (noopTracerProvider) RegisterSpanProcessor(sdktrace.SpanProcessor) {}

// Noop returns a provider whose spans are never recorded.
func Noop() TracerProvider {
	return noopTracerProvider{noop.NewTracerProvider()}
}
