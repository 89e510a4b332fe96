package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2a/internal/storage"
)

// runContract exercises the behavior every backend must share.
func runContract(t *testing.T, p storage.Persistence) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	write := func(ns, key string, version int64, value interface{}) {
		t.Helper()
		require.NoError(t, p.Persist(ctx, &storage.Value{
			Namespace: ns,
			Key:       key,
			Value:     value,
			Metadata:  map[string]string{"writer": "test"},
			Version:   version,
			CreatedAt: now,
			UpdatedAt: now.Add(time.Duration(version) * time.Second),
			TTL:       time.Minute,
		}))
	}

	t.Run("missing value is nil", func(t *testing.T) {
		v, err := p.Retrieve(ctx, "contract", "absent", 0)
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("latest and specific versions", func(t *testing.T) {
		write("contract", "doc", 1, map[string]interface{}{"rev": float64(1)})
		write("contract", "doc", 2, map[string]interface{}{"rev": float64(2), "tags": []interface{}{"a", "b"}})

		latest, err := p.Retrieve(ctx, "contract", "doc", 0)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, int64(2), latest.Version)
		assert.Equal(t, map[string]interface{}{"rev": float64(2), "tags": []interface{}{"a", "b"}}, latest.Value)
		assert.Equal(t, "test", latest.Metadata["writer"])
		assert.Equal(t, time.Minute, latest.TTL)
		assert.True(t, now.Equal(latest.CreatedAt))

		first, err := p.Retrieve(ctx, "contract", "doc", 1)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, map[string]interface{}{"rev": float64(1)}, first.Value)

		missing, err := p.Retrieve(ctx, "contract", "doc", 9)
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("list matches glob within namespace", func(t *testing.T) {
		write("contract", "user.1", 1, "a")
		write("contract", "user.2", 1, "b")
		write("contract", "user.10", 1, "c")
		write("elsewhere", "user.3", 1, "d")

		keys, err := p.List(ctx, "contract", "user.?")
		require.NoError(t, err)
		assert.Equal(t, []string{"user.1", "user.2"}, keys)

		all, err := p.List(ctx, "contract", "*")
		require.NoError(t, err)
		assert.Equal(t, []string{"doc", "user.1", "user.10", "user.2"}, all)
	})

	t.Run("delete removes every version", func(t *testing.T) {
		ok, err := p.Delete(ctx, "contract", "doc")
		require.NoError(t, err)
		assert.True(t, ok)

		v, err := p.Retrieve(ctx, "contract", "doc", 1)
		require.NoError(t, err)
		assert.Nil(t, v)

		ok, err = p.Delete(ctx, "contract", "doc")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
