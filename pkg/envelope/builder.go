package envelope

import (
	"time"

	"a2a/pkg/ids"
)

type Builder struct {
	envelope *Envelope
}

func New(msgType, source string) *Builder {
	return &Builder{
		envelope: &Envelope{
			Type:    msgType,
			Headers: Headers{Source: source},
			Payload: make(map[string]interface{}),
		},
	}
}

func (b *Builder) WithCorrelationID(id string) *Builder {
	b.envelope.Headers.CorrelationID = id
	return b
}

func (b *Builder) WithDestination(destination string) *Builder {
	b.envelope.Headers.Destination = destination
	return b
}

func (b *Builder) WithReplyTo(subject string) *Builder {
	b.envelope.Headers.ReplyTo = subject
	return b
}

func (b *Builder) WithTTL(ttl time.Duration) *Builder {
	b.envelope.Headers.TTL = ttl.Milliseconds()
	return b
}

func (b *Builder) WithPayload(payload map[string]interface{}) *Builder {
	b.envelope.Payload = payload
	return b
}

func (b *Builder) With(key string, value interface{}) *Builder {
	b.envelope.Payload[key] = value
	return b
}

func (b *Builder) WithTimestamp(timestamp time.Time) *Builder {
	b.envelope.Headers.Timestamp = timestamp
	return b
}

// Build fills the message id, the timestamp and, when unset, the correlation id.
func (b *Builder) Build() *Envelope {
	h := &b.envelope.Headers
	if h.MessageID == "" {
		h.MessageID = ids.MessageID()
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	if h.CorrelationID == "" {
		h.CorrelationID = h.MessageID
	}
	if b.envelope.Payload == nil {
		b.envelope.Payload = make(map[string]interface{})
	}
	return b.envelope
}
