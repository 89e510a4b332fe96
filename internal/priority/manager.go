// Package priority queues inbound envelopes per subscription and hands them to
// handlers in priority order, throttled per band.
package priority

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"a2a/internal/config"
	"a2a/internal/constants"
	"a2a/internal/logger"
	"a2a/internal/transport"
	"a2a/pkg/envelope"
	"a2a/pkg/errors"
	"a2a/pkg/events"
	"a2a/pkg/logging"
	"a2a/pkg/metrics"
)

type Option func(*Manager)

// Gate decides whether an arriving envelope is queued at all. It may return a
// different envelope to queue in its place.
type Gate func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, bool)

func WithGate(g Gate) Option {
	return func(m *Manager) { m.gate = g }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type Manager struct {
	bus    transport.Bus
	cfg    config.PriorityConfig
	log    logger.Logger
	now    func() time.Time
	events *events.Feed[Event]
	gate   Gate
	seq    atomic.Uint64

	mu     sync.RWMutex
	queues map[transport.SubscriptionID]*queue

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type queue struct {
	id              transport.SubscriptionID
	subject         string
	handler         transport.Handler
	defaultPriority Priority
	limiters        [len(names)]*rate.Limiter

	mu    sync.Mutex
	items []*Message
	stats Stats
}

func New(bus transport.Bus, cfg config.PriorityConfig, log logger.Logger, opts ...Option) *Manager {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = constants.DefaultDrainInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = constants.DefaultMaxAttempts
	}
	m := &Manager{
		bus:    bus,
		cfg:    cfg,
		log:    log.Named("priority"),
		now:    time.Now,
		events: events.NewFeed[Event](),
		queues: make(map[transport.SubscriptionID]*queue),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize starts the drain loop.
func (m *Manager) Initialize(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.DrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.drain(runCtx)
			}
		}
	}()

	m.log.InfowCtx(ctx, "Message prioritization initialized",
		"drain_interval", m.cfg.DrainInterval,
		"max_attempts", m.cfg.MaxAttempts,
		"queue_capacity", m.cfg.QueueCapacity,
	)
	return nil
}

// Shutdown stops draining and drops every prioritized subscription along with
// whatever is still queued.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	queues := m.queues
	m.queues = make(map[transport.SubscriptionID]*queue)
	m.mu.Unlock()

	for id, q := range queues {
		if err := m.bus.Unsubscribe(id); err != nil {
			m.log.Debugw("Unsubscribe failed", "subscription_id", id, "error", err)
		}
		q.mu.Lock()
		if n := len(q.items); n > 0 {
			m.log.InfowCtx(ctx, "Discarding queued messages", "subject", q.subject, "count", n)
		}
		q.items = nil
		q.mu.Unlock()
		metrics.SetPriorityQueueDepth(q.subject, 0)
	}
	m.events.Close()
	return nil
}

func (m *Manager) Events() *events.Feed[Event] {
	return m.events
}

// SubscribePrioritized buffers everything arriving on subject and delivers it
// to handler from the drain loop. Envelopes without a recognizable priority
// header are queued at defaultPriority.
func (m *Manager) SubscribePrioritized(ctx context.Context, subject string, handler transport.Handler, defaultPriority Priority) (transport.SubscriptionID, error) {
	if handler == nil {
		return "", errors.ErrValidation.WithMessage("handler is required")
	}
	if !defaultPriority.valid() {
		return "", errors.ErrValidation.WithMessage("unknown default priority").WithDetail("priority", int(defaultPriority))
	}

	q := &queue{subject: subject, handler: handler, defaultPriority: defaultPriority}
	q.stats.Subject = subject
	for _, p := range Bands() {
		q.limiters[p] = m.limiter(p)
	}

	id, err := m.bus.Subscribe(ctx, subject, func(ctx context.Context, env *envelope.Envelope) error {
		m.enqueue(ctx, q, env)
		return nil
	})
	if err != nil {
		return "", err
	}
	q.id = id

	m.mu.Lock()
	m.queues[id] = q
	m.mu.Unlock()

	m.log.InfowCtx(ctx, "Prioritized subscription added",
		"subject", subject,
		"subscription_id", id,
		"default_priority", defaultPriority.String(),
	)
	return id, nil
}

// Unsubscribe removes a prioritized subscription. Queued messages are dropped.
func (m *Manager) Unsubscribe(id transport.SubscriptionID) error {
	m.mu.Lock()
	q, ok := m.queues[id]
	delete(m.queues, id)
	m.mu.Unlock()
	if !ok {
		return errors.ErrNotFound.WithMessage("prioritized subscription not found").WithDetail("subscription_id", string(id))
	}
	metrics.SetPriorityQueueDepth(q.subject, 0)
	return m.bus.Unsubscribe(id)
}

// PublishWithPriority stamps priority, TTL and attempt limit onto env and
// publishes it.
func (m *Manager) PublishWithPriority(ctx context.Context, subject string, env *envelope.Envelope, opts PublishOptions) error {
	if !opts.Priority.valid() {
		return errors.ErrValidation.WithMessage("unknown priority").WithDetail("priority", int(opts.Priority))
	}
	env.Headers.Priority = opts.Priority.String()
	if opts.TimeToLive > 0 {
		env.Headers.TTL = opts.TimeToLive.Milliseconds()
	}
	if opts.MaxProcessingAttempts > 0 {
		env.Headers.MaxAttempts = opts.MaxProcessingAttempts
	}
	return m.bus.Publish(ctx, subject, env)
}

// QueueLength is the number of messages waiting on subject across all of its
// prioritized subscriptions.
func (m *Manager) QueueLength(subject string) int {
	n := 0
	for _, q := range m.snapshot() {
		if q.subject != subject {
			continue
		}
		q.mu.Lock()
		n += len(q.items)
		q.mu.Unlock()
	}
	return n
}

// Stats reports every prioritized subscription, sorted by subject.
func (m *Manager) Stats() []Stats {
	queues := m.snapshot()
	out := make([]Stats, 0, len(queues))
	for _, q := range queues {
		q.mu.Lock()
		s := q.stats
		s.Depth = len(q.items)
		s.ByPriority = make(map[string]int, len(names))
		for _, msg := range q.items {
			s.ByPriority[msg.Priority.String()]++
		}
		q.mu.Unlock()
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

func (m *Manager) snapshot() []*queue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*queue, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q)
	}
	return out
}

// limiter builds the token bucket for one band. The burst covers one drain
// cycle's worth of tokens so a steady budget is spendable every cycle.
func (m *Manager) limiter(p Priority) *rate.Limiter {
	tps, ok := m.cfg.Throughput[p.String()]
	if !ok || tps <= 0 {
		return nil
	}
	burst := int(math.Ceil(tps * m.cfg.DrainInterval.Seconds()))
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(tps), burst)
}

func (m *Manager) enqueue(ctx context.Context, q *queue, env *envelope.Envelope) {
	if m.gate != nil {
		admitted, ok := m.gate(ctx, env)
		if !ok {
			q.mu.Lock()
			q.stats.Filtered++
			q.mu.Unlock()
			metrics.IncPriorityMessage(q.defaultPriority.String(), "filtered")
			m.events.Emit(Event{Kind: EventFiltered, Subject: q.subject, MessageID: env.Headers.MessageID})
			return
		}
		env = admitted
	}

	p := q.defaultPriority
	if env.Headers.Priority != "" {
		if parsed, ok := Parse(env.Headers.Priority); ok {
			p = parsed
		} else {
			m.log.DebugwCtx(ctx, "Unknown priority header, using default",
				"subject", q.subject,
				"priority", env.Headers.Priority,
			)
		}
	}
	maxAttempts := m.cfg.MaxAttempts
	if env.Headers.MaxAttempts > 0 {
		maxAttempts = env.Headers.MaxAttempts
	}
	msg := &Message{
		Envelope:    env,
		Priority:    p,
		EnqueuedAt:  m.now(),
		MaxAttempts: maxAttempts,
		seq:         m.seq.Add(1),
	}
	if expiresAt, ok := env.ExpiresAt(); ok {
		msg.ExpiresAt = expiresAt
	}

	q.mu.Lock()
	evicted, admitted := q.admit(msg, m.cfg.QueueCapacity)
	depth := len(q.items)
	if !admitted {
		q.stats.Rejected++
	}
	if evicted != nil {
		q.stats.Rejected++
	}
	q.mu.Unlock()
	metrics.SetPriorityQueueDepth(q.subject, depth)

	switch {
	case !admitted:
		m.rejected(ctx, q, msg)
	case evicted != nil:
		m.rejected(ctx, q, evicted)
	}
}

func (m *Manager) rejected(ctx context.Context, q *queue, msg *Message) {
	metrics.IncPriorityMessage(msg.Priority.String(), "rejected")
	m.log.WarnwCtx(ctx, "Priority queue full, message rejected",
		"subject", q.subject,
		"priority", msg.Priority.String(),
		"message_id", msg.Envelope.Headers.MessageID,
	)
	m.events.Emit(Event{Kind: EventRejected, Subject: q.subject, MessageID: msg.Envelope.Headers.MessageID, Priority: msg.Priority})
}

// admit inserts msg in order. At capacity the least urgent, newest entry is
// the one that gives way, which may be msg itself.
func (q *queue) admit(msg *Message, capacity int) (evicted *Message, ok bool) {
	if capacity > 0 && len(q.items) >= capacity {
		last := q.items[len(q.items)-1]
		if !msg.before(last) {
			return nil, false
		}
		q.items = q.items[:len(q.items)-1]
		evicted = last
	}
	q.insert(msg)
	return evicted, true
}

func (q *queue) insert(msg *Message) {
	i := sort.Search(len(q.items), func(i int) bool { return msg.before(q.items[i]) })
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = msg
}

func (q *queue) allow(p Priority, now time.Time) bool {
	l := q.limiters[p]
	return l == nil || l.AllowN(now, 1)
}

// drain runs one cycle over every prioritized subscription.
func (m *Manager) drain(ctx context.Context) {
	for _, q := range m.snapshot() {
		m.drainQueue(ctx, q)
	}
}

func (m *Manager) drainQueue(ctx context.Context, q *queue) {
	now := m.now()

	q.mu.Lock()
	var ready, expired []*Message
	kept := make([]*Message, 0, len(q.items))
	for _, msg := range q.items {
		switch {
		case msg.expired(now):
			expired = append(expired, msg)
		case q.allow(msg.Priority, now):
			ready = append(ready, msg)
		default:
			kept = append(kept, msg)
		}
	}
	q.items = kept
	q.stats.Expired += int64(len(expired))
	q.mu.Unlock()

	for _, msg := range expired {
		metrics.IncPriorityMessage(msg.Priority.String(), "expired")
		m.log.DebugwCtx(ctx, "Dropping expired message",
			"subject", q.subject,
			"priority", msg.Priority.String(),
			"message_id", msg.Envelope.Headers.MessageID,
		)
		m.events.Emit(Event{Kind: EventExpired, Subject: q.subject, MessageID: msg.Envelope.Headers.MessageID, Priority: msg.Priority, Attempts: msg.Attempts})
	}
	for _, msg := range ready {
		m.deliver(ctx, q, msg)
	}

	q.mu.Lock()
	depth := len(q.items)
	q.mu.Unlock()
	metrics.SetPriorityQueueDepth(q.subject, depth)
}

func (m *Manager) deliver(ctx context.Context, q *queue, msg *Message) {
	msg.Attempts++
	wait := m.now().Sub(msg.EnqueuedAt)
	if msg.Attempts == 1 {
		metrics.ObservePriorityQueueWait(msg.Priority.String(), wait)
	}

	hctx := logging.WithCorrelationID(ctx, msg.Envelope.Headers.CorrelationID)
	err := invoke(hctx, q.handler, msg.Envelope)
	ev := Event{
		Subject:   q.subject,
		MessageID: msg.Envelope.Headers.MessageID,
		Priority:  msg.Priority,
		Attempts:  msg.Attempts,
		Wait:      wait,
		Err:       err,
	}

	if err == nil {
		q.mu.Lock()
		q.stats.Delivered++
		q.mu.Unlock()
		metrics.IncPriorityMessage(msg.Priority.String(), "delivered")
		ev.Kind = EventDelivered
		m.events.Emit(ev)
		return
	}

	msg.LastError = err
	if msg.Attempts >= msg.MaxAttempts {
		q.mu.Lock()
		q.stats.Dropped++
		q.mu.Unlock()
		metrics.IncPriorityMessage(msg.Priority.String(), "dropped")
		m.log.WarnwCtx(hctx, "Message dropped after failed attempts",
			"subject", q.subject,
			"priority", msg.Priority.String(),
			"attempts", msg.Attempts,
			"error", err,
		)
		ev.Kind = EventDropped
		m.events.Emit(ev)
		return
	}

	q.mu.Lock()
	q.insert(msg)
	q.stats.Retried++
	q.mu.Unlock()
	metrics.IncPriorityMessage(msg.Priority.String(), "retried")
	m.log.DebugwCtx(hctx, "Handler failed, message requeued",
		"subject", q.subject,
		"attempts", msg.Attempts,
		"error", err,
	)
	ev.Kind = EventRetrying
	m.events.Emit(ev)
}

func invoke(ctx context.Context, h transport.Handler, env *envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return h(ctx, env)
}
