package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2a/internal/logger"
	"a2a/pkg/envelope"
	"a2a/pkg/errors"
)

// fakeKafka routes writes to readers of the same topic in-process.
type fakeKafka struct {
	mu      sync.Mutex
	readers map[string][]*fakeReader
	written []kafka.Message
	failing bool
}

func newFakeKafka() *fakeKafka {
	return &fakeKafka{readers: make(map[string][]*fakeReader)}
}

func (f *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return kafka.LeaderNotAvailable
	}
	for _, m := range msgs {
		f.written = append(f.written, m)
		for _, r := range f.readers[m.Topic] {
			r.ch <- m
		}
	}
	return nil
}

func (f *fakeKafka) Close() error { return nil }

func (f *fakeKafka) reader(topic string) kafkaReader {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &fakeReader{ch: make(chan kafka.Message, 16)}
	f.readers[topic] = append(f.readers[topic], r)
	return r
}

type fakeReader struct {
	ch chan kafka.Message
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.ch:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) Close() error { return nil }

func TestKafkaBusRoundTrip(t *testing.T) {
	fake := newFakeKafka()
	bus := newKafkaBus(fake, fake.reader, logger.NopLogger(), nil)
	t.Cleanup(func() { _ = bus.Close() })

	ctx := context.Background()
	id, err := bus.Subscribe(ctx, "a2a.data.request", nil)
	require.NoError(t, err)

	sent := envelope.New(envelope.TypeDataRequest, "svc-a").WithCorrelationID("req-1").Build()
	require.NoError(t, bus.Publish(ctx, "a2a.data.request", sent))

	got, err := bus.WaitForMessage(ctx, id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, sent.Headers.MessageID, got.Headers.MessageID)

	require.Len(t, fake.written, 1)
	assert.Equal(t, "req-1", string(fake.written[0].Key))
	assert.Equal(t, "a2a.data.request", fake.written[0].Topic)
}

func TestKafkaBusPublishFailureIsTransportError(t *testing.T) {
	fake := newFakeKafka()
	fake.failing = true
	bus := newKafkaBus(fake, fake.reader, logger.NopLogger(), nil)
	t.Cleanup(func() { _ = bus.Close() })

	err := bus.Publish(context.Background(), "a2a.data.request", envelope.New("x", "svc").Build())
	assert.True(t, errors.IsTransport(err))
}

func TestKafkaBusRejectsWildcard(t *testing.T) {
	fake := newFakeKafka()
	bus := newKafkaBus(fake, fake.reader, logger.NopLogger(), nil)
	t.Cleanup(func() { _ = bus.Close() })

	_, err := bus.Subscribe(context.Background(), "a2a.*", nil)
	assert.True(t, errors.IsValidation(err))
}
