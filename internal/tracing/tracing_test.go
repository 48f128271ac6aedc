package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), DefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, Shutdown(shutdown, nil))
}

func TestShutdownNil(t *testing.T) {
	assert.NoError(t, Shutdown(nil, nil))
}

func TestTracerUsesProvider(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := Tracer(provider).Start(context.Background(), "workflow")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "workflow", spans[0].Name())
	assert.Equal(t, InstrumentationName, spans[0].InstrumentationScope().Name)
}
