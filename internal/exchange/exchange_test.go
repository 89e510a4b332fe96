package exchange

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2a/internal/collector"
	"a2a/internal/config"
	"a2a/internal/logger"
	"a2a/internal/transport"
	"a2a/pkg/codec"
	"a2a/pkg/envelope"
	"a2a/pkg/errors"
)

// capturingBus records every envelope published through it.
type capturingBus struct {
	transport.Bus

	mu        sync.Mutex
	published []*envelope.Envelope
	failWith  error
}

func (c *capturingBus) Publish(ctx context.Context, subject string, env *envelope.Envelope) error {
	c.mu.Lock()
	fail := c.failWith
	if fail == nil {
		c.published = append(c.published, env)
	}
	c.mu.Unlock()
	if fail != nil {
		return fail
	}
	return c.Bus.Publish(ctx, subject, env)
}

func (c *capturingBus) ofType(msgType string) []*envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*envelope.Envelope
	for _, env := range c.published {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

type node struct {
	bus       *capturingBus
	exchange  *Exchange
	collector *collector.Collector
}

// newPair starts two exchanges sharing one in-process pub/sub.
func newPair(t *testing.T, cfg config.ExchangeConfig) (a, b *node) {
	t.Helper()
	pubSub := transport.NewGoChannel(config.ChannelConfig{OutputBuffer: 64}, logger.NopLogger())
	t.Cleanup(func() { _ = pubSub.Close() })

	start := func(id string) *node {
		bus := &capturingBus{Bus: transport.NewWatermillBus("channel", pubSub, pubSub, logger.NopLogger())}
		c := collector.New(config.MetricsConfig{RetentionWindow: time.Minute, MaxPoints: 1000}, id, logger.NopLogger())
		ex := New(bus, id, cfg, logger.NopLogger(), WithRecorder(c))
		require.NoError(t, ex.Initialize(context.Background()))
		t.Cleanup(func() {
			_ = ex.Shutdown(context.Background())
			_ = bus.Close()
		})
		return &node{bus: bus, exchange: ex, collector: c}
	}
	return start("worker-a"), start("coordinator-b")
}

func TestRequestDataEndToEnd(t *testing.T) {
	worker, coordinator := newPair(t, config.ExchangeConfig{})

	require.NoError(t, worker.exchange.RegisterDataProvider("taskResult", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		time.Sleep(100 * time.Millisecond)
		return map[string]interface{}{"status": "ok", "task": params["taskId"]}, nil
	}))

	result, err := coordinator.exchange.RequestData(context.Background(), "taskResult",
		map[string]interface{}{"taskId": "t-1"}, RequestOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)

	data, err := codec.Convert[map[string]interface{}](result)
	require.NoError(t, err)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "t-1", data["task"])

	assert.Equal(t, 1, coordinator.collector.Count(collector.MetricMessagesSent))
	assert.Equal(t, 1, coordinator.collector.Count(collector.MetricMessagesReceived))
	requested := coordinator.collector.Points(collector.EventDataRequested)
	require.Len(t, requested, 1)
	correlationID := requested[0].Tags["correlationId"]
	require.NotEmpty(t, correlationID)

	assert.Eventually(t, func() bool {
		return worker.collector.Count(collector.EventDataResponded) == 1
	}, time.Second, 5*time.Millisecond)
	responded := worker.collector.Points(collector.EventDataResponded)
	assert.Equal(t, correlationID, responded[0].Tags["correlationId"])
	assert.Equal(t, 1, worker.collector.Count(collector.MetricMessagesReceived))
	assert.Equal(t, 1, worker.collector.Count(collector.MetricMessagesSent))

	responses := worker.bus.ofType(envelope.TypeDataResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, "coordinator-b", responses[0].Headers.Destination)
	assert.Equal(t, correlationID, responses[0].Headers.CorrelationID)
}

func TestRequestDataTimesOutWithoutProvider(t *testing.T) {
	_, coordinator := newPair(t, config.ExchangeConfig{})

	start := time.Now()
	_, err := coordinator.exchange.RequestData(context.Background(), "unknown", nil, RequestOptions{Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 1, coordinator.collector.Count(collector.EventRequestFailed))
}

func TestProviderErrorSurfacesAsHandlerError(t *testing.T) {
	worker, coordinator := newPair(t, config.ExchangeConfig{})

	require.NoError(t, worker.exchange.RegisterDataProvider("taskResult", func(context.Context, map[string]interface{}) (interface{}, error) {
		return nil, errors.ErrNotFound.WithMessage("no such task")
	}))

	_, err := coordinator.exchange.RequestData(context.Background(), "taskResult", nil, RequestOptions{Timeout: 2 * time.Second})
	require.Error(t, err)
	assert.True(t, errors.IsHandler(err))
	assert.Equal(t, errors.ErrNotFound.Code, errors.RemoteCode(err))
	assert.Contains(t, err.Error(), "no such task")
}

func TestProviderPanicIsReported(t *testing.T) {
	worker, coordinator := newPair(t, config.ExchangeConfig{})

	require.NoError(t, worker.exchange.RegisterDataProvider("taskResult", func(context.Context, map[string]interface{}) (interface{}, error) {
		panic("boom")
	}))

	_, err := coordinator.exchange.RequestData(context.Background(), "taskResult", nil, RequestOptions{Timeout: 2 * time.Second})
	require.Error(t, err)
	assert.True(t, errors.IsHandler(err))
	assert.NotEmpty(t, errors.RemoteCode(err))
}

func TestDuplicateRegistrationConflicts(t *testing.T) {
	bus := transport.NewChannelBus(config.ChannelConfig{OutputBuffer: 8}, logger.NopLogger())
	t.Cleanup(func() { _ = bus.Close() })
	ex := New(bus, "svc", config.ExchangeConfig{}, logger.NopLogger())

	provider := func(context.Context, map[string]interface{}) (interface{}, error) { return nil, nil }
	require.NoError(t, ex.RegisterDataProvider("taskResult", provider))
	err := ex.RegisterDataProvider("taskResult", provider)
	assert.True(t, errors.IsConflict(err))

	err = ex.RegisterDataProvider("", provider)
	assert.True(t, errors.IsValidation(err))

	assert.True(t, ex.UnregisterDataProvider("taskResult"))
	assert.False(t, ex.UnregisterDataProvider("taskResult"))
	require.NoError(t, ex.RegisterDataProvider("taskResult", provider))

	stream := func(context.Context, map[string]interface{}, *StreamWriter) error { return nil }
	require.NoError(t, ex.RegisterStreamProvider("logs", stream))
	assert.True(t, errors.IsConflict(ex.RegisterStreamProvider("logs", stream)))

	data, streams := ex.Providers()
	assert.Equal(t, []string{"taskResult"}, data)
	assert.Equal(t, []string{"logs"}, streams)

	assert.True(t, ex.UnregisterStreamProvider("logs"))
	assert.False(t, ex.UnregisterStreamProvider("logs"))
	_, streams = ex.Providers()
	assert.Empty(t, streams)
}

func TestDestinationLimitsResponders(t *testing.T) {
	worker, coordinator := newPair(t, config.ExchangeConfig{})

	called := make(chan struct{}, 1)
	require.NoError(t, worker.exchange.RegisterDataProvider("taskResult", func(context.Context, map[string]interface{}) (interface{}, error) {
		called <- struct{}{}
		return "ok", nil
	}))

	_, err := coordinator.exchange.RequestData(context.Background(), "taskResult", nil,
		RequestOptions{Timeout: 100 * time.Millisecond, Destination: "someone-else"})
	assert.True(t, errors.IsTimeout(err))
	select {
	case <-called:
		t.Fatal("provider ran for a request addressed elsewhere")
	default:
	}

	result, err := coordinator.exchange.RequestData(context.Background(), "taskResult", nil,
		RequestOptions{Timeout: 2 * time.Second, Destination: "worker-a"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestPublishFailureIsReturned(t *testing.T) {
	bus := &capturingBus{
		Bus:      transport.NewChannelBus(config.ChannelConfig{OutputBuffer: 8}, logger.NopLogger()),
		failWith: errors.ErrTransport.WithMessage("broker down"),
	}
	t.Cleanup(func() { _ = bus.Close() })
	ex := New(bus, "svc", config.ExchangeConfig{}, logger.NopLogger())

	start := time.Now()
	_, err := ex.RequestData(context.Background(), "taskResult", nil, RequestOptions{Timeout: 5 * time.Second})
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRequestStreamDeliversChunksInOrder(t *testing.T) {
	worker, coordinator := newPair(t, config.ExchangeConfig{})

	require.NoError(t, worker.exchange.RegisterStreamProvider("logs", func(ctx context.Context, params map[string]interface{}, w *StreamWriter) error {
		w.Declare(4, 0)
		for i := 0; i < 4; i++ {
			if err := w.Send(map[string]interface{}{"line": i}); err != nil {
				return err
			}
		}
		return nil
	}))

	var indices []int
	info, err := coordinator.exchange.RequestStream(context.Background(), "logs", nil, func(index int, data interface{}) error {
		indices = append(indices, index)
		return nil
	}, RequestOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)

	assert.True(t, info.Complete)
	assert.Equal(t, "worker-a", info.Responder)
	assert.Equal(t, 4, info.TotalChunks)
	assert.Equal(t, []int{0, 1, 2, 3}, indices)
	assert.Len(t, info.Ordered(), 4)
	assert.False(t, info.EndTime.Before(info.StartTime))

	chunks := worker.bus.ofType(envelope.TypeStreamChunk)
	require.Len(t, chunks, 4)
	for i, env := range chunks {
		c, err := codec.Convert[streamChunk](env.Payload)
		require.NoError(t, err)
		assert.Equal(t, i, c.Index)
		assert.Equal(t, i == 3, c.IsLast, "chunk %d", i)
	}
	require.Len(t, worker.bus.ofType(envelope.TypeStreamStart), 1)
	require.Len(t, worker.bus.ofType(envelope.TypeStreamEnd), 1)
	assert.Equal(t, 1, coordinator.collector.Count(collector.EventStreamEnded))
}

func TestChunkHandlerErrorStopsStream(t *testing.T) {
	worker, coordinator := newPair(t, config.ExchangeConfig{})

	require.NoError(t, worker.exchange.RegisterStreamProvider("logs", func(ctx context.Context, params map[string]interface{}, w *StreamWriter) error {
		for i := 0; i < 5; i++ {
			if err := w.Send(i); err != nil {
				return err
			}
		}
		return nil
	}))

	stop := stderrors.New("enough")
	info, err := coordinator.exchange.RequestStream(context.Background(), "logs", nil, func(index int, data interface{}) error {
		if index == 2 {
			return stop
		}
		return nil
	}, RequestOptions{Timeout: 2 * time.Second})
	require.ErrorIs(t, err, stop)
	assert.False(t, info.Complete)
	assert.Len(t, info.Chunks, 3)
	assert.Equal(t, 1, coordinator.collector.Count(collector.EventRequestFailed))
}

func TestFailingStreamProviderEndsWithError(t *testing.T) {
	worker, coordinator := newPair(t, config.ExchangeConfig{})

	require.NoError(t, worker.exchange.RegisterStreamProvider("logs", func(ctx context.Context, params map[string]interface{}, w *StreamWriter) error {
		if err := w.Send("first"); err != nil {
			return err
		}
		return errors.ErrInternal.WithMessage("disk gone")
	}))

	info, err := coordinator.exchange.RequestStream(context.Background(), "logs", nil, nil, RequestOptions{Timeout: 2 * time.Second})
	require.Error(t, err)
	assert.True(t, errors.IsHandler(err))
	assert.Equal(t, errors.ErrInternal.Code, errors.RemoteCode(err))
	assert.False(t, info.Complete)
	assert.Len(t, info.Chunks, 1)

	chunks := worker.bus.ofType(envelope.TypeStreamChunk)
	require.Len(t, chunks, 1)
	c, err := codec.Convert[streamChunk](chunks[0].Payload)
	require.NoError(t, err)
	assert.False(t, c.IsLast)
}

func TestEmptyStreamCompletes(t *testing.T) {
	worker, coordinator := newPair(t, config.ExchangeConfig{})

	require.NoError(t, worker.exchange.RegisterStreamProvider("logs", func(context.Context, map[string]interface{}, *StreamWriter) error {
		return nil
	}))

	info, err := coordinator.exchange.RequestStream(context.Background(), "logs", nil, nil, RequestOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.True(t, info.Complete)
	assert.Empty(t, info.Chunks)
}

func TestStreamInactivityTimeout(t *testing.T) {
	_, coordinator := newPair(t, config.ExchangeConfig{})

	info, err := coordinator.exchange.RequestStream(context.Background(), "logs", nil, nil, RequestOptions{Timeout: 80 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.False(t, info.Complete)
	assert.Equal(t, err, info.Error)
}

func TestExchangeEvents(t *testing.T) {
	worker, coordinator := newPair(t, config.ExchangeConfig{})
	feed, cancel := coordinator.exchange.Events().Subscribe(16)
	defer cancel()

	require.NoError(t, worker.exchange.RegisterDataProvider("taskResult", func(context.Context, map[string]interface{}) (interface{}, error) {
		return "ok", nil
	}))
	_, err := coordinator.exchange.RequestData(context.Background(), "taskResult", nil, RequestOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)

	select {
	case ev := <-feed:
		assert.Equal(t, EventDataRequested, ev.Kind)
		assert.Equal(t, "taskResult", ev.DataType)
	case <-time.After(time.Second):
		t.Fatal("no exchange event")
	}
}

func TestShutdownWaitsForProviders(t *testing.T) {
	worker, coordinator := newPair(t, config.ExchangeConfig{})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, worker.exchange.RegisterDataProvider("slow", func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "done", nil
	}))

	go func() {
		_, _ = coordinator.exchange.RequestData(context.Background(), "slow", nil, RequestOptions{Timeout: 2 * time.Second})
	}()
	<-started

	ctx, cancelShutdown := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShutdown()
	close(release)
	assert.NoError(t, worker.exchange.Shutdown(ctx))
}
