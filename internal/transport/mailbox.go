package transport

import (
	"context"
	"sync"
	"time"

	"a2a/internal/logger"
	"a2a/pkg/envelope"
	"a2a/pkg/errors"
	"a2a/pkg/logging"
	"a2a/pkg/metrics"
	"a2a/pkg/tracing"
)

// mailbox serializes delivery for one subscription. With a handler a single
// worker drains it in arrival order; without one it backs WaitForMessage.
type mailbox struct {
	transport string
	pattern   string
	queue     chan *envelope.Envelope
	handler   Handler
	log       logger.Logger
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newMailbox(transport, pattern string, size int, handler Handler, log logger.Logger) *mailbox {
	return &mailbox{
		transport: transport,
		pattern:   pattern,
		queue:     make(chan *envelope.Envelope, size),
		handler:   handler,
		log:       log,
		done:      make(chan struct{}),
	}
}

func (m *mailbox) start(ctx context.Context) {
	if m.handler == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.done:
				return
			case env := <-m.queue:
				m.dispatch(ctx, env)
			}
		}
	}()
}

// deliver enqueues without blocking the transport reader.
func (m *mailbox) deliver(env *envelope.Envelope) bool {
	select {
	case <-m.done:
		return false
	default:
	}

	select {
	case m.queue <- env:
		metrics.IncTransportMessage(m.transport, "received", "success")
		return true
	default:
		metrics.IncTransportDropped(m.transport, "mailbox_full")
		m.log.Warnw("Mailbox full, dropping envelope",
			"subject", m.pattern,
			"type", env.Type,
			"message_id", env.Headers.MessageID,
		)
		return false
	}
}

func (m *mailbox) next(ctx context.Context, timeout time.Duration) (*envelope.Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-m.queue:
		return env, nil
	case <-timer.C:
		return nil, errors.ErrTimeout.WithDetail("subject", m.pattern).WithDetail("timeout", timeout.String())
	case <-ctx.Done():
		return nil, errors.ErrTimeout.WithCause(ctx.Err()).WithDetail("subject", m.pattern)
	case <-m.done:
		return nil, errors.ErrTransport.WithMessage("subscription closed").WithDetail("subject", m.pattern)
	}
}

func (m *mailbox) dispatch(ctx context.Context, env *envelope.Envelope) {
	msgCtx, span := tracing.StartSpanFromEnvelope(ctx, "a2a.handle "+env.Type, env)
	defer span.End()

	msgCtx = logging.WithCorrelationID(msgCtx, env.Headers.CorrelationID)
	msgCtx = logging.WithMessageID(msgCtx, env.Headers.MessageID)
	msgCtx = logging.WithSubject(msgCtx, m.pattern)

	start := time.Now()
	err := m.invoke(msgCtx, env)
	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		m.log.WarnwCtx(msgCtx, "Subscription handler failed",
			"type", env.Type,
			"error", err,
		)
	}
	metrics.ObserveHandlerDuration(m.transport, status, time.Since(start))
}

func (m *mailbox) invoke(ctx context.Context, env *envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
			m.log.ErrorwCtx(ctx, "Panic recovered in subscription handler",
				"type", env.Type,
				"error", err,
			)
		}
	}()
	return m.handler(ctx, env)
}

// close stops the worker after the envelope it is handling, if any. It does not
// wait, so a handler may unsubscribe itself.
func (m *mailbox) close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

func (m *mailbox) wait() {
	m.wg.Wait()
}
