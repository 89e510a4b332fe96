package exchange

import (
	"context"
	"sort"
	"time"

	"a2a/pkg/envelope"
	"a2a/pkg/errors"
)

// DataProvider computes the answer to one data request.
type DataProvider func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// StreamProvider produces a stream by calling w.Send for every chunk in order.
// Returning ends the stream; a non-nil error terminates it as failed.
type StreamProvider func(ctx context.Context, params map[string]interface{}, w *StreamWriter) error

// ChunkHandler receives stream chunks in arrival order. Returning an error
// stops consumption of the stream.
type ChunkHandler func(index int, data interface{}) error

type RequestOptions struct {
	// Timeout bounds a data request, or the silence between two envelopes of
	// a stream. Zero selects the configured default.
	Timeout time.Duration
	// Destination restricts the request to a single responder.
	Destination string
}

// StreamInfo describes a stream as seen by the requester.
type StreamInfo struct {
	RequestID   string
	DataType    string
	Chunks      map[int]interface{}
	StartTime   time.Time
	EndTime     time.Time
	Complete    bool
	TotalChunks int
	TotalSize   int64
	Responder   string
	Error       error
}

// Ordered returns the received chunks sorted by index.
func (s *StreamInfo) Ordered() []interface{} {
	idx := make([]int, 0, len(s.Chunks))
	for i := range s.Chunks {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]interface{}, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.Chunks[i])
	}
	return out
}

// Recorder receives the traffic an exchange sends and receives. The metrics
// collector satisfies it.
type Recorder interface {
	RecordMessageSent(env *envelope.Envelope)
	RecordMessageReceived(env *envelope.Envelope)
	RecordMessageFailed(env *envelope.Envelope, err error)
	RecordLatency(d time.Duration, tags map[string]string)
	RecordProcessingTime(d time.Duration, tags map[string]string)
	RecordEvent(name, correlationID string, tags map[string]string)
}

type nopRecorder struct{}

func (nopRecorder) RecordMessageSent(*envelope.Envelope) {}
func (nopRecorder) RecordMessageReceived(*envelope.Envelope) {}
func (nopRecorder) RecordMessageFailed(*envelope.Envelope, error) {}
func (nopRecorder) RecordLatency(time.Duration, map[string]string) {}
func (nopRecorder) RecordProcessingTime(time.Duration, map[string]string) {}
func (nopRecorder) RecordEvent(string, string, map[string]string) {}

type EventKind string

const (
	EventDataRequested EventKind = "dataRequested"
	EventDataResponded EventKind = "dataResponded"
	EventRequestFailed EventKind = "requestFailed"
	EventStreamStarted EventKind = "streamStarted"
	EventStreamChunk   EventKind = "streamChunk"
	EventStreamEnded   EventKind = "streamEnded"
)

type Event struct {
	Kind      EventKind
	DataType  string
	RequestID string
	// Peer is the responder on the requesting side and the requester on the
	// responding side.
	Peer       string
	ChunkIndex int
	Duration   time.Duration
	Err        error
}

// Wire payloads.

type dataRequest struct {
	RequestID string                 `json:"requestId"`
	DataType  string                 `json:"dataType"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

type dataResponse struct {
	RequestID string      `json:"requestId"`
	DataType  string      `json:"dataType"`
	Data      interface{} `json:"data"`
}

type errorResponse struct {
	RequestID string        `json:"requestId"`
	Error     errors.Remote `json:"error"`
}

type streamStart struct {
	RequestID   string `json:"requestId"`
	DataType    string `json:"dataType"`
	TotalChunks int    `json:"totalChunks,omitempty"`
	TotalSize   int64  `json:"totalSize,omitempty"`
}

type streamChunk struct {
	RequestID string      `json:"requestId"`
	Index     int         `json:"index"`
	Data      interface{} `json:"data"`
	IsLast    bool        `json:"isLast"`
}

type streamEnd struct {
	RequestID   string         `json:"requestId"`
	TotalChunks int            `json:"totalChunks"`
	Error       *errors.Remote `json:"error,omitempty"`
}
