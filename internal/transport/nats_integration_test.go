//go:build integration

package transport

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"a2a/internal/config"
	"a2a/internal/logger"
	"a2a/pkg/envelope"
)

func startNATS(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestNATSBusWildcardSubscription(t *testing.T) {
	url := startNATS(t)
	bus, err := NewNATSBus(config.NATSConfig{URL: url, MaxReconnects: 1, ReconnectWait: time.Second}, logger.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	ctx := context.Background()
	require.NoError(t, bus.Healthy(ctx))

	var mu sync.Mutex
	var types []string
	_, err = bus.Subscribe(ctx, "a2a.service.*", func(_ context.Context, env *envelope.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, env.Type)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, SubjectServiceRegister, envelope.New(envelope.TypeServiceRegister, "a").Build()))
	require.NoError(t, bus.Publish(ctx, SubjectServiceHeartbeat, envelope.New(envelope.TypeServiceHeartbeat, "a").Build()))
	require.NoError(t, bus.Publish(ctx, SubjectDataRequest, envelope.New(envelope.TypeDataRequest, "a").Build()))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{envelope.TypeServiceRegister, envelope.TypeServiceHeartbeat}, types)
}

func TestNATSBusRequestReply(t *testing.T) {
	url := startNATS(t)
	bus, err := NewNATSBus(config.NATSConfig{URL: url}, logger.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	ctx := context.Background()
	reply := ReplySubject("svc-a", DomainData, KindResponse, "req-1")
	id, err := bus.Subscribe(ctx, reply, nil)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, reply, envelope.New(envelope.TypeDataResponse, "svc-b").Build()))

	got, err := bus.WaitForMessage(ctx, id, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "svc-b", got.Headers.Source)
}
