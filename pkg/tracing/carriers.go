package tracing

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"a2a/pkg/envelope"
)

// envelopeCarrier stores propagation fields in the envelope's extra headers.
type envelopeCarrier struct {
	env *envelope.Envelope
}

func (c envelopeCarrier) Get(key string) string {
	return c.env.Headers.Extra[key]
}

func (c envelopeCarrier) Set(key, value string) {
	if c.env.Headers.Extra == nil {
		c.env.Headers.Extra = make(map[string]string)
	}
	c.env.Headers.Extra[key] = value
}

func (c envelopeCarrier) Keys() []string {
	keys := make([]string, 0, len(c.env.Headers.Extra))
	for k := range c.env.Headers.Extra {
		keys = append(keys, k)
	}
	return keys
}

// InjectEnvelope writes the span context of ctx into the envelope's extra headers.
func InjectEnvelope(ctx context.Context, env *envelope.Envelope) {
	otel.GetTextMapPropagator().Inject(ctx, envelopeCarrier{env: env})
}

func ExtractEnvelope(ctx context.Context, env *envelope.Envelope) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, envelopeCarrier{env: env})
}

// StartSpanFromEnvelope continues the trace carried by env.
func StartSpanFromEnvelope(ctx context.Context, operationName string, env *envelope.Envelope) (context.Context, trace.Span) {
	return GetTracer("a2a").Start(ExtractEnvelope(ctx, env), operationName,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("a2a.type", env.Type),
			attribute.String("a2a.correlation_id", env.Headers.CorrelationID),
			attribute.String("a2a.source", env.Headers.Source),
		),
	)
}

// kafkaCarrier stores propagation fields as Kafka record headers, replacing a
// header of the same key.
type kafkaCarrier []kafka.Header

func (c *kafkaCarrier) Get(key string) string {
	for _, h := range *c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *kafkaCarrier) Set(key, value string) {
	for i := range *c {
		if (*c)[i].Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *kafkaCarrier) Keys() []string {
	keys := make([]string, 0, len(*c))
	for _, h := range *c {
		keys = append(keys, h.Key)
	}
	return keys
}

// InjectKafka returns headers with the span context of ctx added.
func InjectKafka(ctx context.Context, headers []kafka.Header) []kafka.Header {
	c := kafkaCarrier(headers)
	otel.GetTextMapPropagator().Inject(ctx, &c)
	return c
}

func ExtractKafka(ctx context.Context, headers []kafka.Header) context.Context {
	c := kafkaCarrier(headers)
	return otel.GetTextMapPropagator().Extract(ctx, &c)
}
