package storage

import (
	"context"
	"time"
)

// Value is one accepted write of a key. Version starts at 1 and grows by one
// with every accepted write of the same key.
type Value struct {
	Namespace string            `json:"namespace"`
	Key       string            `json:"key"`
	Value     interface{}       `json:"value"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Version   int64             `json:"version"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	TTL       time.Duration     `json:"ttl,omitempty"`
}

// ExpiresAt reports when a value written with a TTL stops being served.
func (v *Value) ExpiresAt() (time.Time, bool) {
	if v.TTL <= 0 {
		return time.Time{}, false
	}
	return v.UpdatedAt.Add(v.TTL), true
}

func (v *Value) clone() *Value {
	out := *v
	if v.Metadata != nil {
		out.Metadata = make(map[string]string, len(v.Metadata))
		for k, val := range v.Metadata {
			out.Metadata[k] = val
		}
	}
	return &out
}

// Persistence is the durable backend behind the cache. Implementations must be
// safe for concurrent use.
type Persistence interface {
	Persist(ctx context.Context, value *Value) error
	// Retrieve returns the value at version, or the latest one when version is
	// 0. A missing value is reported as nil, nil.
	Retrieve(ctx context.Context, namespace, key string, version int64) (*Value, error)
	// Delete removes every stored version of key and reports whether any existed.
	Delete(ctx context.Context, namespace, key string) (bool, error)
	// List returns the keys of namespace matching a glob pattern.
	List(ctx context.Context, namespace, pattern string) ([]string, error)
}

type SetOptions struct {
	Namespace string
	TTL       time.Duration
	Metadata  map[string]string
	// NoOverwrite rejects the write when the key already exists.
	NoOverwrite bool
	IfNotExists bool
	// IfVersion, when set, must equal the current version (0 means absent).
	IfVersion *int64
}

type GetOptions struct {
	Namespace string
	// Version selects a specific version; 0 means latest.
	Version int64
}

type DeleteOptions struct {
	Namespace string
	IfVersion *int64
}

type ListOptions struct {
	Namespace string
	Pattern   string
	Limit     int
	Offset    int
}

// Version is a convenience for the IfVersion option fields.
func Version(v int64) *int64 {
	return &v
}

type EventKind string

const (
	EventValueSet       EventKind = "valueSet"
	EventValueRetrieved EventKind = "valueRetrieved"
	EventValueDeleted   EventKind = "valueDeleted"
	EventValueExpired   EventKind = "valueExpired"
)

const (
	SourceCache       = "cache"
	SourcePersistence = "persistence"
	SourceRemote      = "remote"
)

type Event struct {
	Kind      EventKind
	Namespace string
	Key       string
	Version   int64
	// Source tells where a retrieved value came from.
	Source string
}

// lookupRequest and lookupResponse are the payloads of storage request and
// response envelopes.
type lookupRequest struct {
	RequestID string `json:"requestId"`
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Version   int64  `json:"version,omitempty"`
}

type lookupResponse struct {
	RequestID string `json:"requestId"`
	Found     bool   `json:"found"`
	Value     *Value `json:"value,omitempty"`
}
