package tracing

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"a2a/internal/config"
	"a2a/pkg/envelope"
)

func setupPropagation(t *testing.T) trace.Tracer {
	t.Helper()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp.Tracer("test")
}

func TestEnvelopePropagation(t *testing.T) {
	tracer := setupPropagation(t)
	ctx, span := tracer.Start(context.Background(), "publish")
	defer span.End()

	env := envelope.New(envelope.TypeDataRequest, "svc-a").Build()
	InjectEnvelope(ctx, env)
	require.Contains(t, env.Headers.Extra, "traceparent")

	extracted := trace.SpanContextFromContext(ExtractEnvelope(context.Background(), env))
	assert.Equal(t, span.SpanContext().TraceID(), extracted.TraceID())
	assert.True(t, extracted.IsRemote())
}

func TestKafkaHeaderPropagation(t *testing.T) {
	tracer := setupPropagation(t)
	ctx, span := tracer.Start(context.Background(), "publish")
	defer span.End()

	headers := InjectKafka(ctx, []kafka.Header{{Key: "type", Value: []byte("x")}})
	require.Len(t, headers, 2)

	extracted := trace.SpanContextFromContext(ExtractKafka(context.Background(), headers))
	assert.Equal(t, span.SpanContext().TraceID(), extracted.TraceID())
}

func TestInitDisabled(t *testing.T) {
	tp, err := Init(config.TracingConfig{Enabled: false}, config.ServiceConfig{ID: "svc-a"})
	require.NoError(t, err)
	assert.NotNil(t, tp.Tracer("x"))
	assert.NoError(t, tp.Shutdown(context.Background()))
}
