// Package persistence holds the durable backends a storage manager can write
// through to.
package persistence

import (
	"context"
	"sort"
	"sync"

	"a2a/internal/storage"
	"a2a/pkg/glob"
)

// Memory keeps every version of every key in process memory.
type Memory struct {
	mu     sync.RWMutex
	values map[string]map[string][]*storage.Value
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]map[string][]*storage.Value)}
}

func (m *Memory) Persist(_ context.Context, v *storage.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	space, ok := m.values[v.Namespace]
	if !ok {
		space = make(map[string][]*storage.Value)
		m.values[v.Namespace] = space
	}
	cp := *v
	versions := space[v.Key]
	for i, existing := range versions {
		if existing.Version == v.Version {
			versions[i] = &cp
			return nil
		}
	}
	versions = append(versions, &cp)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	space[v.Key] = versions
	return nil
}

func (m *Memory) Retrieve(_ context.Context, namespace, key string, version int64) (*storage.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.values[namespace][key]
	if len(versions) == 0 {
		return nil, nil
	}
	if version == 0 {
		cp := *versions[len(versions)-1]
		return &cp, nil
	}
	for _, v := range versions {
		if v.Version == version {
			cp := *v
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) Delete(_ context.Context, namespace, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	space := m.values[namespace]
	if _, ok := space[key]; !ok {
		return false, nil
	}
	delete(space, key)
	if len(space) == 0 {
		delete(m.values, namespace)
	}
	return true, nil
}

func (m *Memory) List(_ context.Context, namespace, pattern string) ([]string, error) {
	re, err := glob.Compile(defaultPattern(pattern))
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.values[namespace]))
	for key := range m.values[namespace] {
		if re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func defaultPattern(pattern string) string {
	if pattern == "" {
		return "*"
	}
	return pattern
}
