package transport

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"a2a/internal/config"
	"a2a/internal/logger"
	"a2a/pkg/codec"
	"a2a/pkg/envelope"
	"a2a/pkg/errors"
	"a2a/pkg/metrics"
	"a2a/pkg/tracing"
)

// NATSBus speaks NATS core directly so '*' and '>' wildcards work natively.
type NATSBus struct {
	conn   *nats.Conn
	owned  bool
	log    logger.Logger
	opts   options
	subs   *registry
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

func NewNATSBus(cfg config.NATSConfig, log logger.Logger, opts ...Option) (*NATSBus, error) {
	log = log.Named("transport.nats")

	natsOpts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infow("NATS reconnected", "url", c.ConnectedUrl())
		}),
	}
	if cfg.Name != "" {
		natsOpts = append(natsOpts, nats.Name(cfg.Name))
	}

	conn, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, errors.ErrTransport.WithMessage("failed to connect to NATS").WithCause(err).WithDetail("url", cfg.URL)
	}

	bus := NewNATSBusFromConn(conn, log, opts...)
	bus.owned = true
	return bus, nil
}

// NewNATSBusFromConn uses an existing connection; Close leaves it open.
func NewNATSBusFromConn(conn *nats.Conn, log logger.Logger, opts ...Option) *NATSBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &NATSBus{
		conn:   conn,
		log:    log,
		opts:   buildOptions(opts),
		subs:   newRegistry(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *NATSBus) Publish(ctx context.Context, subject string, env *envelope.Envelope) error {
	if !validSubject(subject) || HasWildcard(subject) {
		return errors.ErrValidation.WithMessage("invalid publish subject").WithDetail("subject", subject)
	}

	tracing.InjectEnvelope(ctx, env)
	data, err := codec.Marshal(env)
	if err != nil {
		return errors.ErrValidation.WithMessage("envelope is not serializable").WithCause(err)
	}

	if err := b.conn.Publish(subject, data); err != nil {
		metrics.IncTransportMessage("nats", "published", "error")
		return errors.ErrTransport.WithCause(err).WithDetail("subject", subject)
	}
	metrics.IncTransportMessage("nats", "published", "success")
	return nil
}

func (b *NATSBus) Subscribe(_ context.Context, pattern string, handler Handler) (SubscriptionID, error) {
	if !validSubject(pattern) {
		return "", errors.ErrValidation.WithMessage("invalid subscription subject").WithDetail("subject", pattern)
	}

	box := newMailbox("nats", pattern, b.opts.mailboxSize, handler, b.log)
	natsSub, err := b.conn.Subscribe(pattern, func(m *nats.Msg) {
		var env envelope.Envelope
		if err := codec.Unmarshal(m.Data, &env); err != nil {
			metrics.IncTransportDropped("nats", "decode_error")
			b.log.Warnw("Dropping undecodable message", "subject", m.Subject, "error", err)
			return
		}
		box.deliver(&env)
	})
	if err != nil {
		return "", errors.ErrTransport.WithCause(err).WithDetail("subject", pattern)
	}

	sub := &subscription{
		id:      newSubscriptionID(),
		pattern: pattern,
		box:     box,
		stop: func() {
			if err := natsSub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
				b.log.Warnw("Failed to unsubscribe from NATS", "subject", pattern, "error", err)
			}
		},
	}
	if err := b.subs.add(sub); err != nil {
		_ = natsSub.Unsubscribe()
		return "", err
	}
	box.start(b.ctx)

	return sub.id, nil
}

func (b *NATSBus) Unsubscribe(id SubscriptionID) error {
	sub, err := b.subs.remove(id)
	if err != nil {
		return err
	}
	sub.shutdown()
	return nil
}

func (b *NATSBus) WaitForMessage(ctx context.Context, id SubscriptionID, timeout time.Duration) (*envelope.Envelope, error) {
	sub, err := b.subs.get(id)
	if err != nil {
		return nil, err
	}
	if err := waitable(sub); err != nil {
		return nil, err
	}
	return sub.box.next(ctx, timeout)
}

func (b *NATSBus) Healthy(_ context.Context) error {
	if status := b.conn.Status(); status != nats.CONNECTED {
		return errors.ErrServiceUnavailable.WithMessage("NATS connection is " + status.String())
	}
	return nil
}

func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs.drain() {
		sub.shutdown()
		sub.box.wait()
	}
	b.cancel()

	if b.owned && !b.conn.IsClosed() {
		if err := b.conn.Drain(); err != nil {
			b.conn.Close()
			return err
		}
	}
	return nil
}
