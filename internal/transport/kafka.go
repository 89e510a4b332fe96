package transport

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"a2a/internal/config"
	"a2a/internal/logger"
	"a2a/pkg/codec"
	"a2a/pkg/envelope"
	"a2a/pkg/errors"
	"a2a/pkg/metrics"
	"a2a/pkg/tracing"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaBus maps each subject to a topic of the same name. Readers start at the
// latest offset, so only envelopes published after Subscribe are seen.
type KafkaBus struct {
	writer    kafkaWriter
	newReader func(topic string) kafkaReader
	log       logger.Logger
	opts      options
	subs      *registry
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewKafkaBus(cfg config.KafkaConfig, log logger.Logger, opts ...Option) *KafkaBus {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: cfg.AutoCreate,
		RequiredAcks:           kafka.RequireOne,
	}
	readerFactory := func(topic string) kafkaReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			StartOffset: kafka.LastOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     250 * time.Millisecond,
		})
	}
	return newKafkaBus(w, readerFactory, log, opts)
}

func newKafkaBus(w kafkaWriter, readerFactory func(string) kafkaReader, log logger.Logger, opts []Option) *KafkaBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaBus{
		writer:    w,
		newReader: readerFactory,
		log:       log.Named("transport.kafka"),
		opts:      buildOptions(opts),
		subs:      newRegistry(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (b *KafkaBus) Publish(ctx context.Context, subject string, env *envelope.Envelope) error {
	if !validSubject(subject) || HasWildcard(subject) {
		return errors.ErrValidation.WithMessage("invalid publish subject").WithDetail("subject", subject)
	}

	body, err := codec.Marshal(env)
	if err != nil {
		return errors.ErrValidation.WithMessage("envelope is not serializable").WithCause(err)
	}

	headers := []kafka.Header{
		{Key: metadataType, Value: []byte(env.Type)},
		{Key: metadataCorrelationID, Value: []byte(env.Headers.CorrelationID)},
	}
	headers = tracing.InjectKafka(ctx, headers)

	err = b.writer.WriteMessages(ctx, kafka.Message{
		Topic:   subject,
		Key:     []byte(env.Headers.CorrelationID),
		Value:   body,
		Headers: headers,
		Time:    time.Now(),
	})
	if err != nil {
		metrics.IncTransportMessage("kafka", "published", "error")
		return errors.ErrTransport.WithCause(err).WithDetail("subject", subject)
	}

	metrics.IncTransportMessage("kafka", "published", "success")
	metrics.ObserveKafkaMessageSize(subject, "out", len(body))
	return nil
}

func (b *KafkaBus) Subscribe(_ context.Context, pattern string, handler Handler) (SubscriptionID, error) {
	if !validSubject(pattern) {
		return "", errors.ErrValidation.WithMessage("invalid subscription subject").WithDetail("subject", pattern)
	}
	if HasWildcard(pattern) {
		return "", errors.ErrValidation.
			WithMessage("wildcard subscriptions are not supported by this transport").
			WithDetail("subject", pattern).
			WithDetail("transport", "kafka")
	}

	reader := b.newReader(pattern)
	subCtx, cancel := context.WithCancel(b.ctx)
	box := newMailbox("kafka", pattern, b.opts.mailboxSize, handler, b.log)
	readerDone := make(chan struct{})

	sub := &subscription{
		id:      newSubscriptionID(),
		pattern: pattern,
		box:     box,
		stop: func() {
			cancel()
			<-readerDone
		},
	}
	if err := b.subs.add(sub); err != nil {
		cancel()
		_ = reader.Close()
		return "", err
	}

	box.start(b.ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(readerDone)
		defer reader.Close()
		b.consume(subCtx, pattern, reader, box)
	}()

	return sub.id, nil
}

func (b *KafkaBus) consume(ctx context.Context, topic string, reader kafkaReader, box *mailbox) {
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Errorw("Error reading kafka message", "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		metrics.ObserveKafkaMessageSize(topic, "in", len(m.Value))
		var env envelope.Envelope
		if err := codec.Unmarshal(m.Value, &env); err != nil {
			metrics.IncTransportDropped("kafka", "decode_error")
			b.log.Warnw("Dropping undecodable message", "topic", topic, "offset", m.Offset, "error", err)
			continue
		}
		if _, ok := env.Headers.Extra["traceparent"]; !ok {
			tracing.InjectEnvelope(tracing.ExtractKafka(ctx, m.Headers), &env)
		}
		box.deliver(&env)
	}
}

func (b *KafkaBus) Unsubscribe(id SubscriptionID) error {
	sub, err := b.subs.remove(id)
	if err != nil {
		return err
	}
	sub.shutdown()
	return nil
}

func (b *KafkaBus) WaitForMessage(ctx context.Context, id SubscriptionID, timeout time.Duration) (*envelope.Envelope, error) {
	sub, err := b.subs.get(id)
	if err != nil {
		return nil, err
	}
	if err := waitable(sub); err != nil {
		return nil, err
	}
	return sub.box.next(ctx, timeout)
}

func (b *KafkaBus) Close() error {
	for _, sub := range b.subs.drain() {
		sub.shutdown()
		sub.box.wait()
	}
	b.cancel()
	b.wg.Wait()
	return b.writer.Close()
}
