package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2a/internal/config"
	"a2a/internal/storage"
	"a2a/pkg/errors"
)

type flakyBackend struct {
	*Memory
	fail  bool
	calls int
}

func (f *flakyBackend) Persist(ctx context.Context, v *storage.Value) error {
	f.calls++
	if f.fail {
		return fmt.Errorf("dial tcp: connection refused")
	}
	return f.Memory.Persist(ctx, v)
}

func TestBreakerOpensOnBackendFailures(t *testing.T) {
	backend := &flakyBackend{Memory: NewMemory(), fail: true}
	b := NewBreaker("storage-test", backend, config.CircuitBreakerConfig{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  3,
	})
	ctx := context.Background()
	v := &storage.Value{Namespace: "ns", Key: "k", Version: 1}

	for i := 0; i < 3; i++ {
		err := b.Persist(ctx, v)
		require.Error(t, err)
		assert.NotEqual(t, errors.ErrServiceUnavailable.Code, errors.Code(err))
	}
	assert.Equal(t, "open", b.State())

	err := b.Persist(ctx, v)
	assert.Equal(t, errors.ErrServiceUnavailable.Code, errors.Code(err))
	assert.Equal(t, 3, backend.calls)
}

func TestBreakerPassesThroughResults(t *testing.T) {
	b := NewBreaker("storage-pass", NewMemory(), config.CircuitBreakerConfig{})
	runContract(t, b)
	assert.Equal(t, "closed", b.State())
}
