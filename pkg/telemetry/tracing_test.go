package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTracing(t *testing.T) {
	tp := MustNewTracerProvider(
		WithServiceName("paris-test"),
		WithSamplingRatio(1),
	)
	t.Cleanup(func() {
		require.NoError(t, tp.Close(context.Background()))
	})

	spanRecorder := tracetest.NewSpanRecorder()
	tp.RegisterSpanProcessor(spanRecorder)

	_, span := tp.Tracer("pipeline").Start(context.Background(), "pipeline.task")
	TraceError(span, errors.New("filter failed"))
	span.End()

	spans := spanRecorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "pipeline.task", spans[0].Name())
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Equal(t, "filter failed", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
}

func TestNoop(t *testing.T) {
	tp := Noop()
	_, span := tp.Tracer("pipeline").Start(context.Background(), "pipeline.task")
	span.End()
	require.False(t, span.SpanContext().IsValid())
	require.NoError(t, tp.Close(context.Background()))
}
