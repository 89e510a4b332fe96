// Package transport adapts subject-addressed publish/subscribe systems to the
// Bus contract used by every A2A component.
package transport

import (
	"context"
	"time"

	"a2a/pkg/envelope"
)

// Handler processes one envelope. Returned errors are logged and counted; they
// are never sent back to the publisher.
type Handler func(ctx context.Context, env *envelope.Envelope) error

type SubscriptionID string

type Bus interface {
	Publish(ctx context.Context, subject string, env *envelope.Envelope) error
	// Subscribe registers handler for pattern. A nil handler creates a buffered
	// subscription drained with WaitForMessage.
	Subscribe(ctx context.Context, pattern string, handler Handler) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error
	// WaitForMessage returns the next envelope of a buffered subscription or a
	// TIMEOUT error once timeout elapses.
	WaitForMessage(ctx context.Context, id SubscriptionID, timeout time.Duration) (*envelope.Envelope, error)
	Close() error
}

// HealthChecker is implemented by buses that hold a live connection.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

type options struct {
	mailboxSize int
}

type Option func(*options)

// WithMailboxSize bounds the per-subscription queue. Envelopes arriving at a
// full mailbox are dropped.
func WithMailboxSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.mailboxSize = size
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{mailboxSize: 1024}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
