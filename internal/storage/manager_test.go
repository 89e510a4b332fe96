package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2a/internal/config"
	"a2a/internal/logger"
	"a2a/internal/transport"
	"a2a/pkg/errors"
	"a2a/pkg/glob"
)

type fakePersistence struct {
	mu       sync.Mutex
	versions map[string][]*Value
	err      error
	persists int
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{versions: make(map[string][]*Value)}
}

func (f *fakePersistence) Persist(_ context.Context, v *Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persists++
	if f.err != nil {
		return f.err
	}
	id := v.Namespace + "/" + v.Key
	f.versions[id] = append(f.versions[id], v.clone())
	return nil
}

func (f *fakePersistence) Retrieve(_ context.Context, ns, key string, version int64) (*Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	all := f.versions[ns+"/"+key]
	if len(all) == 0 {
		return nil, nil
	}
	if version == 0 {
		return all[len(all)-1].clone(), nil
	}
	for _, v := range all {
		if v.Version == version {
			return v.clone(), nil
		}
	}
	return nil, nil
}

func (f *fakePersistence) Delete(_ context.Context, ns, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.versions[ns+"/"+key]
	delete(f.versions, ns+"/"+key)
	return ok, nil
}

func (f *fakePersistence) List(_ context.Context, ns, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, all := range f.versions {
		v := all[len(all)-1]
		if v.Namespace == ns && glob.Match(pattern, v.Key) {
			out = append(out, v.Key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func testConfig() config.StorageConfig {
	return config.StorageConfig{
		DefaultNamespace: "default",
		LookupTimeout:    50 * time.Millisecond,
		Retry: config.RetryConfig{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
		},
	}
}

func newManager(t *testing.T, bus transport.Bus, id string, opts ...Option) *Manager {
	t.Helper()
	if bus == nil {
		bus = transport.NewChannelBus(config.ChannelConfig{OutputBuffer: 64}, logger.NopLogger())
		t.Cleanup(func() { _ = bus.Close() })
	}
	m := New(bus, id, testConfig(), logger.NopLogger(), opts...)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestVersionsIncreaseByOne(t *testing.T) {
	m := newManager(t, nil, "svc-a")
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		v, err := m.SetValue(ctx, "config", map[string]interface{}{"n": want}, SetOptions{})
		require.NoError(t, err)
		assert.Equal(t, want, v.Version)
		assert.Equal(t, "default", v.Namespace)
	}

	first, _ := m.GetValue(ctx, "config", GetOptions{})
	assert.Equal(t, int64(3), first.Version)
	assert.False(t, first.CreatedAt.After(first.UpdatedAt))
}

func TestWriteConditions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		exists  bool
		opts    SetOptions
		wantErr bool
	}{
		{name: "overwrite by default", exists: true, opts: SetOptions{}},
		{name: "no overwrite on existing", exists: true, opts: SetOptions{NoOverwrite: true}, wantErr: true},
		{name: "no overwrite on absent", opts: SetOptions{NoOverwrite: true}},
		{name: "if not exists on existing", exists: true, opts: SetOptions{IfNotExists: true}, wantErr: true},
		{name: "if not exists on absent", opts: SetOptions{IfNotExists: true}},
		{name: "matching version", exists: true, opts: SetOptions{IfVersion: Version(1)}},
		{name: "stale version", exists: true, opts: SetOptions{IfVersion: Version(7)}, wantErr: true},
		{name: "zero version on absent", opts: SetOptions{IfVersion: Version(0)}},
		{name: "zero version on existing", exists: true, opts: SetOptions{IfVersion: Version(0)}, wantErr: true},
		{name: "conjunctive", exists: true, opts: SetOptions{IfVersion: Version(1), IfNotExists: true}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t, nil, "svc-a")
			if tt.exists {
				_, err := m.SetValue(ctx, "k", "original", SetOptions{})
				require.NoError(t, err)
			}

			_, err := m.SetValue(ctx, "k", "updated", tt.opts)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			assert.True(t, errors.IsConditionFailed(err), "got %v", err)
			v, getErr := m.GetValue(ctx, "k", GetOptions{})
			require.NoError(t, getErr)
			if tt.exists {
				assert.Equal(t, "original", v.Value)
				assert.Equal(t, int64(1), v.Version)
			} else {
				assert.Nil(t, v)
			}
		})
	}
}

func TestNamespacesAreIsolated(t *testing.T) {
	m := newManager(t, nil, "svc-a")
	ctx := context.Background()

	_, err := m.SetValue(ctx, "k", "a", SetOptions{Namespace: "alpha"})
	require.NoError(t, err)
	_, err = m.SetValue(ctx, "k", "b", SetOptions{Namespace: "beta"})
	require.NoError(t, err)

	v, err := m.GetValue(ctx, "k", GetOptions{Namespace: "beta"})
	require.NoError(t, err)
	assert.Equal(t, "b", v.Value)
	assert.Equal(t, int64(1), v.Version)
	assert.Equal(t, []string{"alpha", "beta"}, m.Namespaces())
}

func TestTTLExpiresOnce(t *testing.T) {
	m := newManager(t, nil, "svc-a")
	feed, cancel := m.Events().Subscribe(16)
	defer cancel()
	ctx := context.Background()

	_, err := m.SetValue(ctx, "session", "token", SetOptions{TTL: 30 * time.Millisecond})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return m.cached("default", "session") == nil
	}, time.Second, 5*time.Millisecond)

	var expired int
	timeout := time.After(100 * time.Millisecond)
loop:
	for {
		select {
		case ev := <-feed:
			if ev.Kind == EventValueExpired {
				expired++
				assert.Equal(t, int64(1), ev.Version)
			}
		case <-timeout:
			break loop
		}
	}
	assert.Equal(t, 1, expired)

	v, err := m.GetValue(ctx, "session", GetOptions{})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestTTLOnlyRemovesScheduledVersion(t *testing.T) {
	m := newManager(t, nil, "svc-a")
	ctx := context.Background()

	_, err := m.SetValue(ctx, "k", "short", SetOptions{TTL: 30 * time.Millisecond})
	require.NoError(t, err)
	_, err = m.SetValue(ctx, "k", "durable", SetOptions{})
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	v, err := m.GetValue(ctx, "k", GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "durable", v.Value)
	assert.Equal(t, int64(2), v.Version)
}

// stallingPersistence blocks Retrieve for one key until released.
type stallingPersistence struct {
	*fakePersistence
	key     string
	entered chan struct{}
	once    sync.Once
	release chan struct{}
}

func (s *stallingPersistence) Retrieve(ctx context.Context, ns, key string, version int64) (*Value, error) {
	if key == s.key {
		s.once.Do(func() { close(s.entered) })
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.fakePersistence.Retrieve(ctx, ns, key, version)
}

func TestExpiryDoesNotBlockCache(t *testing.T) {
	store := &stallingPersistence{
		fakePersistence: newFakePersistence(),
		key:             "session",
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	bus := transport.NewChannelBus(config.ChannelConfig{OutputBuffer: 64}, logger.NopLogger())
	t.Cleanup(func() { _ = bus.Close() })
	cfg := testConfig()
	cfg.LookupTimeout = 5 * time.Second
	m := New(bus, "svc-a", cfg, logger.NopLogger(), WithPersistence(store))
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	defer close(store.release)

	ctx := context.Background()
	_, err := m.SetValue(ctx, "session", "token", SetOptions{TTL: 20 * time.Millisecond})
	require.NoError(t, err)

	select {
	case <-store.entered:
	case <-time.After(time.Second):
		t.Fatal("expiry never reached persistence")
	}

	done := make(chan error, 1)
	go func() {
		if _, err := m.SetValue(ctx, "other", "v", SetOptions{}); err != nil {
			done <- err
			return
		}
		_, err := m.ListKeys(ctx, ListOptions{})
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("cache operations blocked behind expiry")
	}
	assert.Nil(t, m.cached("default", "session"))
}

func TestListKeys(t *testing.T) {
	m := newManager(t, nil, "svc-a")
	ctx := context.Background()
	for _, key := range []string{"user:3", "user:1", "user:2", "order:1", "user:10"} {
		_, err := m.SetValue(ctx, key, true, SetOptions{})
		require.NoError(t, err)
	}
	_, err := m.SetValue(ctx, "user:99", true, SetOptions{Namespace: "other"})
	require.NoError(t, err)

	all, err := m.ListKeys(ctx, ListOptions{Pattern: "*"})
	require.NoError(t, err)
	assert.Equal(t, []string{"order:1", "user:1", "user:10", "user:2", "user:3"}, all)

	users, err := m.ListKeys(ctx, ListOptions{Pattern: "user:*", Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"user:10", "user:2"}, users)

	single, err := m.ListKeys(ctx, ListOptions{Pattern: "user:?"})
	require.NoError(t, err)
	assert.Equal(t, []string{"user:1", "user:2", "user:3"}, single)

	past, err := m.ListKeys(ctx, ListOptions{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past)

	_, err = m.ListKeys(ctx, ListOptions{Limit: -1})
	assert.True(t, errors.IsValidation(err))
}

func TestDeleteValue(t *testing.T) {
	m := newManager(t, nil, "svc-a")
	ctx := context.Background()
	_, err := m.SetValue(ctx, "k", 1, SetOptions{})
	require.NoError(t, err)
	_, err = m.SetValue(ctx, "k", 2, SetOptions{})
	require.NoError(t, err)

	_, err = m.DeleteValue(ctx, "k", DeleteOptions{IfVersion: Version(1)})
	assert.True(t, errors.IsConditionFailed(err))

	ok, err := m.DeleteValue(ctx, "k", DeleteOptions{IfVersion: Version(2)})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.DeleteValue(ctx, "k", DeleteOptions{})
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := m.SetValue(ctx, "k", 3, SetOptions{IfNotExists: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Version)
}

func TestWrongVersionWithoutPersistence(t *testing.T) {
	m := newManager(t, nil, "svc-a")
	ctx := context.Background()
	_, err := m.SetValue(ctx, "k", "v", SetOptions{})
	require.NoError(t, err)

	_, err = m.GetValue(ctx, "k", GetOptions{Version: 5})
	assert.True(t, errors.IsNotFound(err))
}

func TestPersistenceFallback(t *testing.T) {
	store := newFakePersistence()
	ctx := context.Background()

	writer := newManager(t, nil, "svc-a", WithPersistence(store))
	for i := 1; i <= 3; i++ {
		_, err := writer.SetValue(ctx, "doc", fmt.Sprintf("rev-%d", i), SetOptions{})
		require.NoError(t, err)
	}

	old, err := writer.GetValue(ctx, "doc", GetOptions{Version: 2})
	require.NoError(t, err)
	assert.Equal(t, "rev-2", old.Value)

	fresh := newManager(t, nil, "svc-b", WithPersistence(store))
	v, err := fresh.GetValue(ctx, "doc", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "rev-3", v.Value)
	assert.NotNil(t, fresh.cached("default", "doc"))

	next, err := fresh.SetValue(ctx, "doc", "rev-4", SetOptions{IfVersion: Version(3)})
	require.NoError(t, err)
	assert.Equal(t, int64(4), next.Version)

	keys, err := newManager(t, nil, "svc-c", WithPersistence(store)).ListKeys(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc"}, keys)
}

func TestPersistenceFailureLeavesCacheUntouched(t *testing.T) {
	store := newFakePersistence()
	m := newManager(t, nil, "svc-a", WithPersistence(store))
	ctx := context.Background()

	_, err := m.SetValue(ctx, "k", "first", SetOptions{})
	require.NoError(t, err)

	store.mu.Lock()
	store.err = fmt.Errorf("connection refused")
	store.mu.Unlock()

	_, err = m.SetValue(ctx, "k", "second", SetOptions{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrServiceUnavailable.Code, errors.Code(err))

	v := m.cached("default", "k")
	require.NotNil(t, v)
	assert.Equal(t, "first", v.Value)
	assert.Equal(t, 3, store.persists)
}

func TestRemoteLookup(t *testing.T) {
	pubSub := transport.NewGoChannel(config.ChannelConfig{OutputBuffer: 64}, logger.NopLogger())
	t.Cleanup(func() { _ = pubSub.Close() })
	busA := transport.NewWatermillBus("channel", pubSub, pubSub, logger.NopLogger())
	busB := transport.NewWatermillBus("channel", pubSub, pubSub, logger.NopLogger())
	t.Cleanup(func() { _ = busA.Close(); _ = busB.Close() })

	a := newManager(t, busA, "svc-a")
	b := newManager(t, busB, "svc-b")
	ctx := context.Background()

	_, err := a.SetValue(ctx, "shared", map[string]interface{}{"owner": "svc-a"}, SetOptions{Namespace: "team", Metadata: map[string]string{"origin": "a"}})
	require.NoError(t, err)
	_, err = a.SetValue(ctx, "shared", map[string]interface{}{"owner": "svc-a", "rev": 2}, SetOptions{Namespace: "team"})
	require.NoError(t, err)

	feed, cancel := b.Events().Subscribe(8)
	defer cancel()

	v, err := b.GetValue(ctx, "shared", GetOptions{Namespace: "team"})
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, int64(2), v.Version)
	assert.Equal(t, "svc-a", v.Value.(map[string]interface{})["owner"])
	assert.NotNil(t, b.cached("team", "shared"))

	ev := <-feed
	assert.Equal(t, EventValueRetrieved, ev.Kind)
	assert.Equal(t, SourceRemote, ev.Source)

	missing, err := b.GetValue(ctx, "nobody-has-this", GetOptions{Namespace: "team"})
	require.NoError(t, err)
	assert.Nil(t, missing)

	wrongVersion, err := b.GetValue(ctx, "other", GetOptions{Namespace: "team", Version: 1})
	require.NoError(t, err)
	assert.Nil(t, wrongVersion)
}

func TestClear(t *testing.T) {
	m := newManager(t, nil, "svc-a")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := m.SetValue(ctx, fmt.Sprintf("k%d", i), i, SetOptions{Namespace: "scratch"})
		require.NoError(t, err)
	}

	n, err := m.Clear(ctx, "scratch")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, m.Namespaces())
}

func TestRejectsEmptyKey(t *testing.T) {
	m := newManager(t, nil, "svc-a")
	_, err := m.SetValue(context.Background(), "", 1, SetOptions{})
	assert.True(t, errors.IsValidation(err))
}
