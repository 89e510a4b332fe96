package priority

import (
	"strings"
	"time"

	"a2a/pkg/envelope"
)

// Priority orders traffic. Lower values are more urgent.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
	Background
)

var names = [...]string{"critical", "high", "normal", "low", "background"}

// Bands lists every priority from most to least urgent.
func Bands() []Priority {
	return []Priority{Critical, High, Normal, Low, Background}
}

func (p Priority) String() string {
	if p < Critical || p > Background {
		return "unknown"
	}
	return names[p]
}

func (p Priority) valid() bool {
	return p >= Critical && p <= Background
}

// Parse maps a header value such as "HIGH" or "high" to a Priority.
func Parse(s string) (Priority, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range names {
		if n == s {
			return Priority(i), true
		}
	}
	return Normal, false
}

// PublishOptions are stamped onto the envelope headers by PublishWithPriority.
type PublishOptions struct {
	Priority Priority
	// TimeToLive bounds how long the message may wait in a receiver's queue.
	TimeToLive time.Duration
	// MaxProcessingAttempts overrides the receiver's configured attempt limit.
	MaxProcessingAttempts int
}

// Message is one queued envelope.
type Message struct {
	Envelope    *envelope.Envelope
	Priority    Priority
	EnqueuedAt  time.Time
	ExpiresAt   time.Time
	Attempts    int
	MaxAttempts int
	LastError   error

	seq uint64
}

func (m *Message) expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// before reports whether m sorts ahead of o: more urgent first, then arrival order.
func (m *Message) before(o *Message) bool {
	if m.Priority != o.Priority {
		return m.Priority < o.Priority
	}
	return m.seq < o.seq
}

type EventKind string

const (
	EventDelivered EventKind = "delivered"
	EventExpired   EventKind = "expired"
	EventDropped   EventKind = "dropped"
	EventRejected  EventKind = "rejected"
	EventRetrying  EventKind = "retrying"
	EventFiltered  EventKind = "filtered"
)

type Event struct {
	Kind      EventKind
	Subject   string
	MessageID string
	Priority  Priority
	Attempts  int
	Wait      time.Duration
	Err       error
}

// Stats is a snapshot of one prioritized subscription.
type Stats struct {
	Subject    string         `json:"subject"`
	Depth      int            `json:"depth"`
	ByPriority map[string]int `json:"byPriority"`
	Delivered  int64          `json:"delivered"`
	Expired    int64          `json:"expired"`
	Dropped    int64          `json:"dropped"`
	Rejected   int64          `json:"rejected"`
	Retried    int64          `json:"retried"`
	Filtered   int64          `json:"filtered"`
}
