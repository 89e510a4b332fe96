package transport

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"a2a/internal/config"
	"a2a/internal/logger"
	"a2a/pkg/codec"
	"a2a/pkg/envelope"
	"a2a/pkg/errors"
	"a2a/pkg/metrics"
	"a2a/pkg/tracing"
)

const (
	metadataType          = "a2a_type"
	metadataCorrelationID = "a2a_correlation_id"
)

// WatermillBus runs the Bus contract over any Watermill publisher/subscriber
// pair. Watermill topics are exact, so wildcard patterns are rejected.
type WatermillBus struct {
	name       string
	publisher  message.Publisher
	subscriber message.Subscriber
	owned      bool
	log        logger.Logger
	opts       options
	subs       *registry
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewWatermillBus wraps a pair the caller keeps ownership of; Close leaves
// them open.
func NewWatermillBus(name string, pub message.Publisher, sub message.Subscriber, log logger.Logger, opts ...Option) *WatermillBus {
	return newWatermillBus(name, pub, sub, false, log, opts)
}

// NewChannelBus builds an in-process bus on a private GoChannel.
func NewChannelBus(cfg config.ChannelConfig, log logger.Logger, opts ...Option) *WatermillBus {
	pubSub := NewGoChannel(cfg, log)
	return newWatermillBus("channel", pubSub, pubSub, true, log, opts)
}

// NewGoChannel returns a GoChannel that several buses can share to simulate
// separate processes inside one test or one host.
func NewGoChannel(cfg config.ChannelConfig, log logger.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            cfg.OutputBuffer,
		BlockPublishUntilSubscriberAck: true,
	}, logger.Watermill(log))
}

func newWatermillBus(name string, pub message.Publisher, sub message.Subscriber, owned bool, log logger.Logger, opts []Option) *WatermillBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &WatermillBus{
		name:       name,
		publisher:  pub,
		subscriber: sub,
		owned:      owned,
		log:        log.Named("transport." + name),
		opts:       buildOptions(opts),
		subs:       newRegistry(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (b *WatermillBus) Publish(ctx context.Context, subject string, env *envelope.Envelope) error {
	if !validSubject(subject) || HasWildcard(subject) {
		return errors.ErrValidation.WithMessage("invalid publish subject").WithDetail("subject", subject)
	}

	tracing.InjectEnvelope(ctx, env)
	payload, err := codec.Marshal(env)
	if err != nil {
		return errors.ErrValidation.WithMessage("envelope is not serializable").WithCause(err)
	}

	msg := message.NewMessage(env.Headers.MessageID, payload)
	msg.Metadata.Set(metadataType, env.Type)
	msg.Metadata.Set(metadataCorrelationID, env.Headers.CorrelationID)

	if err := b.publisher.Publish(subject, msg); err != nil {
		metrics.IncTransportMessage(b.name, "published", "error")
		return errors.ErrTransport.WithCause(err).WithDetail("subject", subject)
	}
	metrics.IncTransportMessage(b.name, "published", "success")
	return nil
}

func (b *WatermillBus) Subscribe(_ context.Context, pattern string, handler Handler) (SubscriptionID, error) {
	if !validSubject(pattern) {
		return "", errors.ErrValidation.WithMessage("invalid subscription subject").WithDetail("subject", pattern)
	}
	if HasWildcard(pattern) {
		return "", errors.ErrValidation.
			WithMessage("wildcard subscriptions are not supported by this transport").
			WithDetail("subject", pattern).
			WithDetail("transport", b.name)
	}

	subCtx, cancel := context.WithCancel(b.ctx)
	messages, err := b.subscriber.Subscribe(subCtx, pattern)
	if err != nil {
		cancel()
		return "", errors.ErrTransport.WithCause(err).WithDetail("subject", pattern)
	}

	box := newMailbox(b.name, pattern, b.opts.mailboxSize, handler, b.log)
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
		return "", err
	}

	box.start(b.ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(readerDone)
		for msg := range messages {
			var env envelope.Envelope
			if err := codec.Unmarshal(msg.Payload, &env); err != nil {
				metrics.IncTransportDropped(b.name, "decode_error")
				b.log.Warnw("Dropping undecodable message",
					"subject", pattern,
					"message_uuid", msg.UUID,
					"error", err,
				)
				msg.Ack()
				continue
			}
			msg.Ack()
			box.deliver(&env)
		}
	}()

	return sub.id, nil
}

func (b *WatermillBus) Unsubscribe(id SubscriptionID) error {
	sub, err := b.subs.remove(id)
	if err != nil {
		return err
	}
	sub.shutdown()
	return nil
}

func (b *WatermillBus) WaitForMessage(ctx context.Context, id SubscriptionID, timeout time.Duration) (*envelope.Envelope, error) {
	sub, err := b.subs.get(id)
	if err != nil {
		return nil, err
	}
	if err := waitable(sub); err != nil {
		return nil, err
	}
	return sub.box.next(ctx, timeout)
}

func (b *WatermillBus) Close() error {
	for _, sub := range b.subs.drain() {
		sub.shutdown()
		sub.box.wait()
	}
	b.cancel()
	b.wg.Wait()

	if !b.owned {
		return nil
	}
	var firstErr error
	if err := b.publisher.Close(); err != nil {
		firstErr = err
	}
	if any(b.subscriber) != any(b.publisher) {
		if err := b.subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SubscriptionCount is exposed for health reporting.
func (b *WatermillBus) SubscriptionCount() int {
	return b.subs.count()
}
