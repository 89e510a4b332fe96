package envelope

import (
	"strconv"
	"strings"
	"time"
)

const (
	TypeServiceRegister   = "service.register"
	TypeServiceUnregister = "service.unregister"
	TypeServiceHeartbeat  = "service.heartbeat"
	TypeServiceStatus     = "service.status"

	TypeDataRequest  = "data.request"
	TypeDataResponse = "data.response"
	TypeDataError    = "data.error"

	TypeStreamRequest = "stream.request"
	TypeStreamStart   = "stream.start"
	TypeStreamChunk   = "stream.chunk"
	TypeStreamEnd     = "stream.end"
	TypeStreamError   = "stream.error"

	TypeStorageRequest  = "storage.request"
	TypeStorageResponse = "storage.response"

	TypeMetricsReport = "metrics.report"
)

// Envelope is the unit carried by the transport.
type Envelope struct {
	Type    string                 `json:"type"`
	Headers Headers                `json:"headers"`
	Payload map[string]interface{} `json:"payload"`
}

type Headers struct {
	CorrelationID string            `json:"correlationId"`
	MessageID     string            `json:"messageId"`
	Timestamp     time.Time         `json:"timestamp"`
	Source        string            `json:"source"`
	Destination   string            `json:"destination,omitempty"`
	ReplyTo       string            `json:"replyTo,omitempty"`
	TTL           int64             `json:"ttl,omitempty"` // milliseconds
	Priority      string            `json:"priority,omitempty"`
	MaxAttempts   int               `json:"maxAttempts,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// ExpiresAt reports the instant the envelope stops being deliverable.
func (e *Envelope) ExpiresAt() (time.Time, bool) {
	if e.Headers.TTL <= 0 {
		return time.Time{}, false
	}
	return e.Headers.Timestamp.Add(time.Duration(e.Headers.TTL) * time.Millisecond), true
}

// Header returns a named header. Well-known names are matched first, anything
// else is looked up in Extra.
func (e *Envelope) Header(name string) (string, bool) {
	switch name {
	case "correlationId":
		return e.Headers.CorrelationID, e.Headers.CorrelationID != ""
	case "messageId":
		return e.Headers.MessageID, e.Headers.MessageID != ""
	case "timestamp":
		if e.Headers.Timestamp.IsZero() {
			return "", false
		}
		return e.Headers.Timestamp.Format(time.RFC3339Nano), true
	case "source":
		return e.Headers.Source, e.Headers.Source != ""
	case "destination":
		return e.Headers.Destination, e.Headers.Destination != ""
	case "replyTo":
		return e.Headers.ReplyTo, e.Headers.ReplyTo != ""
	case "ttl":
		return strconv.FormatInt(e.Headers.TTL, 10), e.Headers.TTL > 0
	case "priority":
		return e.Headers.Priority, e.Headers.Priority != ""
	case "maxAttempts":
		return strconv.Itoa(e.Headers.MaxAttempts), e.Headers.MaxAttempts > 0
	}
	v, ok := e.Headers.Extra[name]
	return v, ok
}

// SetHeader writes a named header, mirroring Header.
func (e *Envelope) SetHeader(name, value string) {
	switch name {
	case "correlationId":
		e.Headers.CorrelationID = value
	case "destination":
		e.Headers.Destination = value
	case "replyTo":
		e.Headers.ReplyTo = value
	case "source":
		e.Headers.Source = value
	case "priority":
		e.Headers.Priority = value
	default:
		if e.Headers.Extra == nil {
			e.Headers.Extra = make(map[string]string)
		}
		e.Headers.Extra[name] = value
	}
}

// Lookup resolves a dot-separated path inside the payload. Numeric segments
// index into slices.
func (e *Envelope) Lookup(path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	var current interface{} = e.Payload
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Set writes value at a dot-separated payload path, creating intermediate maps.
func (e *Envelope) Set(path string, value interface{}) {
	if e.Payload == nil {
		e.Payload = make(map[string]interface{})
	}
	parts := strings.Split(path, ".")
	node := e.Payload
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			node[part] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = value
}

// Delete removes the value at a dot-separated payload path.
func (e *Envelope) Delete(path string) bool {
	parts := strings.Split(path, ".")
	node := e.Payload
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part].(map[string]interface{})
		if !ok {
			return false
		}
		node = next
	}
	last := parts[len(parts)-1]
	if _, ok := node[last]; !ok {
		return false
	}
	delete(node, last)
	return true
}

// Clone returns a deep copy of maps and slices reachable from the envelope.
func (e *Envelope) Clone() *Envelope {
	out := *e
	if e.Headers.Extra != nil {
		out.Headers.Extra = make(map[string]string, len(e.Headers.Extra))
		for k, v := range e.Headers.Extra {
			out.Headers.Extra[k] = v
		}
	}
	if e.Payload != nil {
		out.Payload = cloneValue(e.Payload).(map[string]interface{})
	}
	return &out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return v
	}
}
