package persistence

import (
	"context"

	"a2a/internal/config"
	"a2a/internal/storage"
	"a2a/pkg/circuitbreaker"
)

// Breaker fails fast with SERVICE_UNAVAILABLE while the wrapped backend keeps
// failing.
type Breaker struct {
	next storage.Persistence
	cb   *circuitbreaker.Wrapper
}

func NewBreaker(name string, next storage.Persistence, cfg config.CircuitBreakerConfig) *Breaker {
	return &Breaker{next: next, cb: circuitbreaker.NewWrapper(name, cfg)}
}

func (b *Breaker) Persist(ctx context.Context, v *storage.Value) error {
	return b.cb.Execute(ctx, func() error {
		return b.next.Persist(ctx, v)
	})
}

func (b *Breaker) Retrieve(ctx context.Context, namespace, key string, version int64) (*storage.Value, error) {
	var v *storage.Value
	err := b.cb.Execute(ctx, func() error {
		var err error
		v, err = b.next.Retrieve(ctx, namespace, key, version)
		return err
	})
	return v, err
}

func (b *Breaker) Delete(ctx context.Context, namespace, key string) (bool, error) {
	var ok bool
	err := b.cb.Execute(ctx, func() error {
		var err error
		ok, err = b.next.Delete(ctx, namespace, key)
		return err
	})
	return ok, err
}

func (b *Breaker) List(ctx context.Context, namespace, pattern string) ([]string, error) {
	var keys []string
	err := b.cb.Execute(ctx, func() error {
		var err error
		keys, err = b.next.List(ctx, namespace, pattern)
		return err
	})
	return keys, err
}

func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Open reports whether calls are currently being rejected.
func (b *Breaker) Open() bool {
	return b.cb.IsOpen()
}
