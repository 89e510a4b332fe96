package priority

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2a/internal/config"
	"a2a/internal/logger"
	"a2a/internal/transport"
	"a2a/pkg/envelope"
	"a2a/pkg/errors"
)

const subject = "a2a.tasks"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type recorder struct {
	mu   sync.Mutex
	got  []string
	fail func(env *envelope.Envelope) error
}

func (r *recorder) handle(_ context.Context, env *envelope.Envelope) error {
	if r.fail != nil {
		if err := r.fail(env); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, env.Type)
	return nil
}

func (r *recorder) delivered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func newManager(t *testing.T, cfg config.PriorityConfig) (*Manager, *fakeClock) {
	t.Helper()
	bus := transport.NewChannelBus(config.ChannelConfig{OutputBuffer: 64}, logger.NopLogger())
	t.Cleanup(func() { _ = bus.Close() })
	clock := &fakeClock{now: time.Now()}
	m := New(bus, cfg, logger.NopLogger(), WithClock(clock.Now))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, clock
}

func publish(t *testing.T, m *Manager, clock *fakeClock, msgType string, opts PublishOptions) {
	t.Helper()
	env := envelope.New(msgType, "svc-producer").WithTimestamp(clock.Now()).Build()
	require.NoError(t, m.PublishWithPriority(context.Background(), subject, env, opts))
}

func waitQueued(t *testing.T, m *Manager, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return m.QueueLength(subject) == n }, time.Second, time.Millisecond)
}

func TestDeliversInPriorityOrder(t *testing.T) {
	m, clock := newManager(t, config.PriorityConfig{})
	r := &recorder{}
	_, err := m.SubscribePrioritized(context.Background(), subject, r.handle, Normal)
	require.NoError(t, err)

	publish(t, m, clock, "low", PublishOptions{Priority: Low})
	waitQueued(t, m, 1)
	publish(t, m, clock, "critical", PublishOptions{Priority: Critical})
	waitQueued(t, m, 2)
	publish(t, m, clock, "normal", PublishOptions{Priority: Normal})
	waitQueued(t, m, 3)

	m.drain(context.Background())
	assert.Equal(t, []string{"critical", "normal", "low"}, r.delivered())
	assert.Equal(t, 0, m.QueueLength(subject))
}

func TestFIFOWithinBand(t *testing.T) {
	m, clock := newManager(t, config.PriorityConfig{})
	r := &recorder{}
	_, err := m.SubscribePrioritized(context.Background(), subject, r.handle, Normal)
	require.NoError(t, err)

	for i, typ := range []string{"a", "b", "c"} {
		publish(t, m, clock, typ, PublishOptions{Priority: High})
		waitQueued(t, m, i+1)
	}
	m.drain(context.Background())
	assert.Equal(t, []string{"a", "b", "c"}, r.delivered())
}

func TestMissingHeaderUsesDefault(t *testing.T) {
	m, clock := newManager(t, config.PriorityConfig{})
	r := &recorder{}
	ctx := context.Background()
	_, err := m.SubscribePrioritized(ctx, subject, r.handle, Background)
	require.NoError(t, err)

	require.NoError(t, m.bus.Publish(ctx, subject, envelope.New("plain", "svc").WithTimestamp(clock.Now()).Build()))
	waitQueued(t, m, 1)
	publish(t, m, clock, "low", PublishOptions{Priority: Low})
	waitQueued(t, m, 2)

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].ByPriority["background"])

	m.drain(ctx)
	assert.Equal(t, []string{"low", "plain"}, r.delivered())
}

func TestExpiredMessageIsNeverDelivered(t *testing.T) {
	m, clock := newManager(t, config.PriorityConfig{})
	r := &recorder{}
	_, err := m.SubscribePrioritized(context.Background(), subject, r.handle, Normal)
	require.NoError(t, err)
	feed, cancel := m.Events().Subscribe(8)
	defer cancel()

	publish(t, m, clock, "stale", PublishOptions{Priority: Critical, TimeToLive: time.Second})
	waitQueued(t, m, 1)
	clock.Advance(2 * time.Second)

	m.drain(context.Background())
	assert.Empty(t, r.delivered())
	assert.Equal(t, 0, m.QueueLength(subject))
	ev := <-feed
	assert.Equal(t, EventExpired, ev.Kind)
	assert.Equal(t, int64(1), m.Stats()[0].Expired)
}

func TestBandBudgetThrottles(t *testing.T) {
	m, clock := newManager(t, config.PriorityConfig{
		DrainInterval: 50 * time.Millisecond,
		Throughput:    map[string]float64{"normal": 20},
	})
	r := &recorder{}
	_, err := m.SubscribePrioritized(context.Background(), subject, r.handle, Normal)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		publish(t, m, clock, "normal", PublishOptions{Priority: Normal})
		waitQueued(t, m, i+1)
	}
	publish(t, m, clock, "critical", PublishOptions{Priority: Critical})
	waitQueued(t, m, 4)

	m.drain(context.Background())
	assert.Equal(t, []string{"critical", "normal"}, r.delivered())
	assert.Equal(t, 2, m.QueueLength(subject))

	clock.Advance(60 * time.Millisecond)
	m.drain(context.Background())
	assert.Len(t, r.delivered(), 3)

	clock.Advance(60 * time.Millisecond)
	m.drain(context.Background())
	assert.Len(t, r.delivered(), 4)
	assert.Equal(t, 0, m.QueueLength(subject))
}

func TestFailingHandlerRetriedThenDropped(t *testing.T) {
	m, clock := newManager(t, config.PriorityConfig{MaxAttempts: 3})
	attempts := 0
	r := &recorder{fail: func(*envelope.Envelope) error {
		attempts++
		return stderrors.New("handler down")
	}}
	_, err := m.SubscribePrioritized(context.Background(), subject, r.handle, Normal)
	require.NoError(t, err)
	feed, cancel := m.Events().Subscribe(8)
	defer cancel()

	publish(t, m, clock, "task", PublishOptions{Priority: Normal})
	waitQueued(t, m, 1)

	for cycle := 1; cycle <= 3; cycle++ {
		m.drain(context.Background())
		assert.Equal(t, cycle, attempts)
	}
	assert.Equal(t, 0, m.QueueLength(subject))

	m.drain(context.Background())
	assert.Equal(t, 3, attempts)

	var kinds []EventKind
	for i := 0; i < 3; i++ {
		kinds = append(kinds, (<-feed).Kind)
	}
	assert.Equal(t, []EventKind{EventRetrying, EventRetrying, EventDropped}, kinds)
	assert.Equal(t, int64(1), m.Stats()[0].Dropped)
}

func TestRetrySucceedsOnLaterCycle(t *testing.T) {
	m, clock := newManager(t, config.PriorityConfig{})
	failures := 1
	r := &recorder{fail: func(*envelope.Envelope) error {
		if failures > 0 {
			failures--
			panic("flaky")
		}
		return nil
	}}
	_, err := m.SubscribePrioritized(context.Background(), subject, r.handle, Normal)
	require.NoError(t, err)

	publish(t, m, clock, "task", PublishOptions{Priority: Normal, MaxProcessingAttempts: 2})
	waitQueued(t, m, 1)

	m.drain(context.Background())
	assert.Empty(t, r.delivered())
	assert.Equal(t, 1, m.QueueLength(subject))

	m.drain(context.Background())
	assert.Equal(t, []string{"task"}, r.delivered())
	assert.Equal(t, int64(1), m.Stats()[0].Retried)
}

func TestCapacityRejectsLeastUrgentNewest(t *testing.T) {
	m, clock := newManager(t, config.PriorityConfig{QueueCapacity: 2})
	r := &recorder{}
	_, err := m.SubscribePrioritized(context.Background(), subject, r.handle, Normal)
	require.NoError(t, err)
	feed, cancel := m.Events().Subscribe(8)
	defer cancel()

	publish(t, m, clock, "normal-1", PublishOptions{Priority: Normal})
	waitQueued(t, m, 1)
	publish(t, m, clock, "normal-2", PublishOptions{Priority: Normal})
	waitQueued(t, m, 2)

	publish(t, m, clock, "low", PublishOptions{Priority: Low})
	ev := <-feed
	assert.Equal(t, EventRejected, ev.Kind)
	assert.Equal(t, Low, ev.Priority)

	publish(t, m, clock, "high", PublishOptions{Priority: High})
	ev = <-feed
	assert.Equal(t, EventRejected, ev.Kind)
	assert.Equal(t, Normal, ev.Priority)

	m.drain(context.Background())
	assert.Equal(t, []string{"high", "normal-1"}, r.delivered())
	assert.Equal(t, int64(2), m.Stats()[0].Rejected)
}

func TestPublishStampsHeaders(t *testing.T) {
	m, _ := newManager(t, config.PriorityConfig{})
	env := envelope.New("task", "svc").Build()
	require.NoError(t, m.PublishWithPriority(context.Background(), subject, env, PublishOptions{
		Priority:              High,
		TimeToLive:            1500 * time.Millisecond,
		MaxProcessingAttempts: 5,
	}))
	assert.Equal(t, "high", env.Headers.Priority)
	assert.Equal(t, int64(1500), env.Headers.TTL)
	assert.Equal(t, 5, env.Headers.MaxAttempts)

	err := m.PublishWithPriority(context.Background(), subject, env, PublishOptions{Priority: Priority(9)})
	assert.True(t, errors.IsValidation(err))
}

func TestSubscribeValidation(t *testing.T) {
	m, _ := newManager(t, config.PriorityConfig{})
	_, err := m.SubscribePrioritized(context.Background(), subject, nil, Normal)
	assert.True(t, errors.IsValidation(err))
	_, err = m.SubscribePrioritized(context.Background(), subject, (&recorder{}).handle, Priority(-1))
	assert.True(t, errors.IsValidation(err))

	assert.True(t, errors.IsNotFound(m.Unsubscribe("missing")))
}

func TestParse(t *testing.T) {
	p, ok := Parse("CRITICAL")
	assert.True(t, ok)
	assert.Equal(t, Critical, p)

	_, ok = Parse("urgent")
	assert.False(t, ok)
	assert.Equal(t, "background", Background.String())
}

func TestDrainLoopDelivers(t *testing.T) {
	bus := transport.NewChannelBus(config.ChannelConfig{OutputBuffer: 64}, logger.NopLogger())
	t.Cleanup(func() { _ = bus.Close() })
	m := New(bus, config.PriorityConfig{DrainInterval: 5 * time.Millisecond}, logger.NopLogger())
	r := &recorder{}
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))
	id, err := m.SubscribePrioritized(ctx, subject, r.handle, Normal)
	require.NoError(t, err)

	require.NoError(t, m.PublishWithPriority(ctx, subject, envelope.New("task", "svc").Build(), PublishOptions{Priority: High}))
	assert.Eventually(t, func() bool { return len(r.delivered()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Unsubscribe(id))
	assert.Empty(t, m.Stats())
	require.NoError(t, m.Shutdown(ctx))
}

func TestGateFiltersAndReprioritizes(t *testing.T) {
	bus := transport.NewChannelBus(config.ChannelConfig{OutputBuffer: 64}, logger.NopLogger())
	t.Cleanup(func() { _ = bus.Close() })
	clock := &fakeClock{now: time.Now()}
	gate := func(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, bool) {
		if env.Type == "spam" {
			return nil, false
		}
		if env.Type == "urgent" {
			env.Headers.Priority = "critical"
		}
		return env, true
	}
	m := New(bus, config.PriorityConfig{}, logger.NopLogger(), WithClock(clock.Now), WithGate(gate))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	r := &recorder{}
	_, err := m.SubscribePrioritized(context.Background(), subject, r.handle, Normal)
	require.NoError(t, err)

	publish(t, m, clock, "normal", PublishOptions{Priority: Normal})
	waitQueued(t, m, 1)
	publish(t, m, clock, "spam", PublishOptions{Priority: Critical})
	require.Eventually(t, func() bool { return m.Stats()[0].Filtered == 1 }, time.Second, time.Millisecond)
	publish(t, m, clock, "urgent", PublishOptions{Priority: Low})
	waitQueued(t, m, 2)

	m.drain(context.Background())
	assert.Equal(t, []string{"urgent", "normal"}, r.delivered())
}
