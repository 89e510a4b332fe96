package transport

import (
	"sync"

	"a2a/pkg/errors"
	"a2a/pkg/ids"
)

type subscription struct {
	id      SubscriptionID
	pattern string
	box     *mailbox
	stop    func()
}

// registry tracks the live subscriptions of one bus.
type registry struct {
	mu     sync.Mutex
	subs   map[SubscriptionID]*subscription
	closed bool
}

func newRegistry() *registry {
	return &registry{subs: make(map[SubscriptionID]*subscription)}
}

func newSubscriptionID() SubscriptionID {
	return SubscriptionID(ids.MessageID())
}

func (r *registry) add(sub *subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.ErrTransport.WithMessage("bus is closed")
	}
	r.subs[sub.id] = sub
	return nil
}

func (r *registry) get(id SubscriptionID) (*subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, errors.ErrNotFound.WithMessage("unknown subscription").WithDetail("subscription_id", string(id))
	}
	return sub, nil
}

func (r *registry) remove(id SubscriptionID) (*subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, errors.ErrNotFound.WithMessage("unknown subscription").WithDetail("subscription_id", string(id))
	}
	delete(r.subs, id)
	return sub, nil
}

// drain marks the registry closed and returns what was still subscribed.
func (r *registry) drain() []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	out := make([]*subscription, 0, len(r.subs))
	for id, sub := range r.subs {
		out = append(out, sub)
		delete(r.subs, id)
	}
	return out
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (s *subscription) shutdown() {
	if s.stop != nil {
		s.stop()
	}
	s.box.close()
}

func waitable(sub *subscription) error {
	if sub.box.handler != nil {
		return errors.ErrValidation.WithMessage("subscription has a handler").WithDetail("subject", sub.pattern)
	}
	return nil
}
