package collector

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"a2a/internal/config"
	"a2a/internal/transport"
	"a2a/pkg/codec"
	"a2a/pkg/envelope"
	"a2a/pkg/errors"
)

// Exporter ships a report somewhere outside the process.
type Exporter interface {
	Name() string
	Export(ctx context.Context, report *Report) error
}

// BusExporter publishes reports as metrics.report envelopes.
type BusExporter struct {
	bus       transport.Bus
	subject   string
	serviceID string
}

func NewBusExporter(bus transport.Bus, serviceID string) *BusExporter {
	return &BusExporter{bus: bus, subject: transport.SubjectMetricsReport, serviceID: serviceID}
}

func (e *BusExporter) Name() string { return "bus" }

func (e *BusExporter) Export(ctx context.Context, report *Report) error {
	payload, err := codec.Convert[map[string]interface{}](report)
	if err != nil {
		return errors.ErrInternal.WithMessage("failed to encode report").WithCause(err)
	}
	env := envelope.New(envelope.TypeMetricsReport, e.serviceID).WithPayload(payload).Build()
	return e.bus.Publish(ctx, e.subject, env)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaExporter writes each report as one JSON message keyed by service id.
type KafkaExporter struct {
	writer messageWriter
	topic  string
}

func NewKafkaExporter(brokers []string, topic string, cfg config.KafkaConfig) *KafkaExporter {
	return &KafkaExporter{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           cfg.BatchTimeout,
			WriteTimeout:           cfg.WriteTimeout,
			AllowAutoTopicCreation: cfg.AutoCreate,
		},
		topic: topic,
	}
}

func (e *KafkaExporter) Name() string { return "kafka" }

func (e *KafkaExporter) Export(ctx context.Context, report *Report) error {
	body, err := codec.Marshal(report)
	if err != nil {
		return errors.ErrInternal.WithMessage("failed to encode report").WithCause(err)
	}
	err = e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(report.ServiceID),
		Value: body,
		Time:  time.Now(),
	})
	if err != nil {
		return errors.ErrTransport.WithCause(err).WithDetail("topic", e.topic)
	}
	return nil
}

func (e *KafkaExporter) Close() error {
	return e.writer.Close()
}
