// Package storage is a namespaced, versioned key/value cache shared between
// services. Misses fall back to an optional persistence backend and then to a
// broadcast lookup answered by peers from their own caches.
package storage

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"a2a/internal/config"
	"a2a/internal/constants"
	"a2a/internal/logger"
	"a2a/internal/transport"
	"a2a/pkg/errors"
	"a2a/pkg/events"
	"a2a/pkg/glob"
	"a2a/pkg/metrics"
	"a2a/pkg/retry"
)

type Option func(*Manager)

func WithPersistence(p Persistence) Option {
	return func(m *Manager) { m.persistence = p }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type entry struct {
	value *Value
	timer *time.Timer
}

type Manager struct {
	bus         transport.Bus
	serviceID   string
	cfg         config.StorageConfig
	policy      retry.Policy
	persistence Persistence
	log         logger.Logger
	now         func() time.Time
	events      *events.Feed[Event]

	mu     sync.Mutex
	spaces map[string]map[string]*entry
	sub    transport.SubscriptionID
	closed bool
}

func New(bus transport.Bus, serviceID string, cfg config.StorageConfig, log logger.Logger, opts ...Option) *Manager {
	if cfg.DefaultNamespace == "" {
		cfg.DefaultNamespace = constants.DefaultNamespace
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = constants.DefaultStorageLookupTimeout
	}

	m := &Manager{
		bus:       bus,
		serviceID: serviceID,
		cfg:       cfg,
		policy:    retry.PolicyFromConfig(cfg.Retry),
		log:       log.Named("storage"),
		now:       time.Now,
		events:    events.NewFeed[Event](),
		spaces:    make(map[string]map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize starts answering value lookups from peers.
func (m *Manager) Initialize(ctx context.Context) error {
	id, err := m.bus.Subscribe(ctx, transport.SubjectStorageRequest, m.handleLookup)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sub = id
	m.mu.Unlock()

	m.log.InfowCtx(ctx, "Storage manager initialized",
		"default_namespace", m.cfg.DefaultNamespace,
		"persistence", m.persistence != nil,
		"lookup_timeout", m.cfg.LookupTimeout,
	)
	return nil
}

// Shutdown stops answering lookups and cancels pending expirations. Cached
// values are discarded.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sub := m.sub
	m.sub = ""
	for _, space := range m.spaces {
		for _, e := range space {
			if e.timer != nil {
				e.timer.Stop()
			}
		}
	}
	m.spaces = make(map[string]map[string]*entry)
	m.mu.Unlock()

	m.events.Close()
	if sub == "" {
		return nil
	}
	if err := m.bus.Unsubscribe(sub); err != nil {
		m.log.WarnwCtx(ctx, "Failed to unsubscribe storage lookups", "error", err)
		return err
	}
	return nil
}

func (m *Manager) Events() *events.Feed[Event] {
	return m.events
}

func (m *Manager) namespace(ns string) string {
	if ns == "" {
		return m.cfg.DefaultNamespace
	}
	return ns
}

// SetValue writes key under the conditions in opts. All conditions must hold;
// a violation returns CONDITION_FAILED and leaves the stored value untouched.
func (m *Manager) SetValue(ctx context.Context, key string, value interface{}, opts SetOptions) (*Value, error) {
	if key == "" {
		return nil, errors.ErrValidation.WithMessage("key is required")
	}
	if opts.TTL < 0 {
		return nil, errors.ErrValidation.WithMessage("ttl must not be negative")
	}
	ns := m.namespace(opts.Namespace)

	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.currentLocked(ctx, ns, key)
	if err != nil {
		return nil, err
	}
	if err := checkWrite(current, opts); err != nil {
		metrics.IncStorageOperation("set", "condition_failed")
		return nil, err
	}

	now := m.now()
	next := &Value{
		Namespace: ns,
		Key:       key,
		Value:     value,
		Metadata:  copyMetadata(opts.Metadata),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		TTL:       opts.TTL,
	}
	if current != nil {
		next.Version = current.Version + 1
		next.CreatedAt = current.CreatedAt
	}

	if m.persistence != nil {
		err := retry.Do(ctx, m.policy, "storage", "persist", func() error {
			return m.persistence.Persist(ctx, next)
		})
		if err != nil {
			return nil, persistenceError("set", err)
		}
	}

	m.storeLocked(next)
	metrics.IncStorageOperation("set", "success")
	m.events.Emit(Event{Kind: EventValueSet, Namespace: ns, Key: key, Version: next.Version})
	m.log.DebugwCtx(ctx, "Value stored", "namespace", ns, "key", key, "version", next.Version)
	return next.clone(), nil
}

func checkWrite(current *Value, opts SetOptions) error {
	var version int64
	if current != nil {
		version = current.Version
	}
	if current != nil && opts.NoOverwrite {
		return conditionFailed("key exists and overwrite is disabled", current.Key, version)
	}
	if current != nil && opts.IfNotExists {
		return conditionFailed("key already exists", current.Key, version)
	}
	if opts.IfVersion != nil && *opts.IfVersion != version {
		return conditionFailed("version mismatch", "", version).WithDetail("expected_version", *opts.IfVersion)
	}
	return nil
}

func conditionFailed(message, key string, current int64) *errors.Error {
	err := errors.ErrConditionFailed.WithMessage(message).WithDetail("current_version", current)
	if key != "" {
		err = err.WithDetail("key", key)
	}
	return err
}

// GetValue returns key at the requested version. A miss everywhere, including
// an unanswered peer lookup, is reported as nil, nil.
func (m *Manager) GetValue(ctx context.Context, key string, opts GetOptions) (*Value, error) {
	if key == "" {
		return nil, errors.ErrValidation.WithMessage("key is required")
	}
	if opts.Version < 0 {
		return nil, errors.ErrValidation.WithMessage("version must not be negative")
	}
	ns := m.namespace(opts.Namespace)

	cached := m.cached(ns, key)
	if cached != nil {
		if opts.Version == 0 || opts.Version == cached.Version {
			m.retrieved(cached, SourceCache)
			return cached, nil
		}
		if m.persistence == nil {
			metrics.IncStorageOperation("get", "not_found")
			return nil, notFound(ns, key, opts.Version)
		}
		v, err := m.retrieve(ctx, ns, key, opts.Version)
		if err != nil {
			return nil, err
		}
		if v == nil {
			metrics.IncStorageOperation("get", "not_found")
			return nil, notFound(ns, key, opts.Version)
		}
		m.retrieved(v, SourcePersistence)
		return v, nil
	}

	if m.persistence != nil {
		v, err := m.retrieve(ctx, ns, key, opts.Version)
		if err != nil {
			m.log.WarnwCtx(ctx, "Persistence lookup failed, asking peers",
				"namespace", ns,
				"key", key,
				"error", err,
			)
		} else if v != nil && !m.expired(v) {
			if opts.Version == 0 {
				m.cacheIfNewer(v)
			}
			m.retrieved(v, SourcePersistence)
			return v, nil
		}
	}

	v, err := m.lookupRemote(ctx, ns, key, opts.Version)
	if err != nil {
		metrics.IncStorageOperation("get", "error")
		return nil, err
	}
	if v == nil {
		metrics.IncStorageOperation("get", "miss")
		return nil, nil
	}
	m.cacheIfNewer(v)
	m.retrieved(v, SourceRemote)
	return v.clone(), nil
}

func notFound(ns, key string, version int64) *errors.Error {
	return errors.ErrNotFound.WithMessage("value version not found").
		WithDetail("namespace", ns).
		WithDetail("key", key).
		WithDetail("version", version)
}

func (m *Manager) retrieved(v *Value, source string) {
	metrics.IncStorageOperation("get", "success")
	m.events.Emit(Event{Kind: EventValueRetrieved, Namespace: v.Namespace, Key: v.Key, Version: v.Version, Source: source})
}

// DeleteValue removes key and reports whether it existed.
func (m *Manager) DeleteValue(ctx context.Context, key string, opts DeleteOptions) (bool, error) {
	if key == "" {
		return false, errors.ErrValidation.WithMessage("key is required")
	}
	ns := m.namespace(opts.Namespace)

	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.currentLocked(ctx, ns, key)
	if err != nil {
		return false, err
	}
	if opts.IfVersion != nil {
		var version int64
		if current != nil {
			version = current.Version
		}
		if *opts.IfVersion != version {
			metrics.IncStorageOperation("delete", "condition_failed")
			return false, conditionFailed("version mismatch", key, version).WithDetail("expected_version", *opts.IfVersion)
		}
	}
	if current == nil {
		metrics.IncStorageOperation("delete", "not_found")
		return false, nil
	}

	if m.persistence != nil {
		err := retry.Do(ctx, m.policy, "storage", "delete", func() error {
			_, err := m.persistence.Delete(ctx, ns, key)
			return err
		})
		if err != nil {
			return false, persistenceError("delete", err)
		}
	}

	m.removeLocked(ns, key)
	metrics.IncStorageOperation("delete", "success")
	m.events.Emit(Event{Kind: EventValueDeleted, Namespace: ns, Key: key, Version: current.Version})
	return true, nil
}

// ListKeys returns the sorted keys of a namespace matching a glob pattern,
// paginated after filtering.
func (m *Manager) ListKeys(ctx context.Context, opts ListOptions) ([]string, error) {
	if opts.Limit < 0 || opts.Offset < 0 {
		return nil, errors.ErrValidation.WithMessage("limit and offset must not be negative")
	}
	ns := m.namespace(opts.Namespace)
	pattern := opts.Pattern
	if pattern == "" {
		pattern = "*"
	}
	re, err := glob.Compile(pattern)
	if err != nil {
		return nil, errors.ErrValidation.WithMessage("invalid key pattern").WithCause(err)
	}

	keys := make(map[string]struct{})
	m.mu.Lock()
	for key := range m.spaces[ns] {
		if re.MatchString(key) {
			keys[key] = struct{}{}
		}
	}
	m.mu.Unlock()

	if m.persistence != nil {
		var stored []string
		err := retry.Do(ctx, m.policy, "storage", "list", func() error {
			var err error
			stored, err = m.persistence.List(ctx, ns, pattern)
			return err
		})
		if err != nil {
			return nil, persistenceError("list", err)
		}
		for _, key := range stored {
			if re.MatchString(key) {
				keys[key] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(keys))
	for key := range keys {
		out = append(out, key)
	}
	sort.Strings(out)
	metrics.IncStorageOperation("list", "success")
	return paginate(out, opts.Offset, opts.Limit), nil
}

func paginate(keys []string, offset, limit int) []string {
	if offset >= len(keys) {
		return []string{}
	}
	keys = keys[offset:]
	if limit > 0 && limit < len(keys) {
		keys = keys[:limit]
	}
	return keys
}

// Namespaces returns the namespaces holding cached values.
func (m *Manager) Namespaces() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.spaces))
	for ns := range m.spaces {
		out = append(out, ns)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// Clear deletes every key of a namespace and returns how many were removed.
func (m *Manager) Clear(ctx context.Context, namespace string) (int, error) {
	keys, err := m.ListKeys(ctx, ListOptions{Namespace: namespace})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		ok, err := m.DeleteValue(ctx, key, DeleteOptions{Namespace: namespace})
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (m *Manager) cached(ns, key string) *Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.spaces[ns][key]; ok {
		return e.value.clone()
	}
	return nil
}

// currentLocked returns the latest live value from the cache, falling back to
// the persistence backend.
func (m *Manager) currentLocked(ctx context.Context, ns, key string) (*Value, error) {
	if e, ok := m.spaces[ns][key]; ok {
		return e.value, nil
	}
	if m.persistence == nil {
		return nil, nil
	}
	v, err := m.retrieve(ctx, ns, key, 0)
	if err != nil {
		return nil, err
	}
	if v == nil || m.expired(v) {
		return nil, nil
	}
	return v, nil
}

func (m *Manager) retrieve(ctx context.Context, ns, key string, version int64) (*Value, error) {
	var v *Value
	err := retry.Do(ctx, m.policy, "storage", "retrieve", func() error {
		var err error
		v, err = m.persistence.Retrieve(ctx, ns, key, version)
		return err
	})
	if err != nil {
		return nil, persistenceError("retrieve", err)
	}
	return v, nil
}

func (m *Manager) expired(v *Value) bool {
	at, ok := v.ExpiresAt()
	return ok && !m.now().Before(at)
}

func (m *Manager) cacheIfNewer(v *Value) {
	if m.expired(v) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if e, ok := m.spaces[v.Namespace][v.Key]; ok && e.value.Version >= v.Version {
		return
	}
	m.storeLocked(v.clone())
}

func (m *Manager) storeLocked(v *Value) {
	space, ok := m.spaces[v.Namespace]
	if !ok {
		space = make(map[string]*entry)
		m.spaces[v.Namespace] = space
	}
	if old, ok := space[v.Key]; ok && old.timer != nil {
		old.timer.Stop()
	}

	e := &entry{value: v}
	if at, ok := v.ExpiresAt(); ok {
		ns, key, version := v.Namespace, v.Key, v.Version
		e.timer = time.AfterFunc(at.Sub(m.now()), func() { m.expire(ns, key, version) })
	}
	space[v.Key] = e
	m.updateGauge()
}

func (m *Manager) removeLocked(ns, key string) {
	space := m.spaces[ns]
	if e, ok := space[key]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(space, key)
	}
	if len(space) == 0 {
		delete(m.spaces, ns)
	}
	m.updateGauge()
}

// expire removes key if it still holds the version the timer was armed for.
// Persistence cleanup runs after the cache lock is released.
func (m *Manager) expire(ns, key string, version int64) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	e, ok := m.spaces[ns][key]
	if !ok || e.value.Version != version {
		m.mu.Unlock()
		return
	}
	m.removeLocked(ns, key)
	m.mu.Unlock()

	if m.persistence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LookupTimeout)
		defer cancel()
		stored, err := m.persistence.Retrieve(ctx, ns, key, 0)
		if err == nil && stored != nil && stored.Version == version {
			_, err = m.persistence.Delete(ctx, ns, key)
		}
		if err != nil {
			m.log.Warnw("Failed to remove expired value from persistence",
				"namespace", ns,
				"key", key,
				"error", err,
			)
		}
	}

	metrics.IncStorageOperation("expire", "success")
	m.events.Emit(Event{Kind: EventValueExpired, Namespace: ns, Key: key, Version: version})
}

func (m *Manager) updateGauge() {
	n := 0
	for _, space := range m.spaces {
		n += len(space)
	}
	metrics.SetStorageCacheEntries(n)
}

func persistenceError(op string, err error) error {
	metrics.IncStorageOperation(op, "error")
	var appErr *errors.Error
	if stderrors.As(err, &appErr) {
		return err
	}
	return errors.ErrServiceUnavailable.WithMessage("persistence " + op + " failed").WithCause(err)
}

func copyMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
