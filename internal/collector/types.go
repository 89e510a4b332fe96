package collector

import (
	"time"
)

// Well-known series names.
const (
	MetricMessagesSent     = "messages.sent"
	MetricMessagesReceived = "messages.received"
	MetricMessagesFailed   = "messages.failed"
	MetricLatency          = "latency"
	MetricProcessingTime   = "processing.time"

	// Per-peer message series, tagged with service.
	MetricServiceMessagesSent     = "service.messages.sent"
	MetricServiceMessagesReceived = "service.messages.received"
	MetricServiceMessagesFailed   = "service.messages.failed"

	EventDataRequested = "data.requested"
	EventDataResponded = "data.responded"
	EventRequestFailed = "request.failed"
	EventStreamStarted = "stream.started"
	EventStreamEnded   = "stream.ended"
)

type DataPoint struct {
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Aggregate summarizes one series over the retention window.
type Aggregate struct {
	Name  string            `json:"name"`
	Tags  map[string]string `json:"tags,omitempty"`
	Count int               `json:"count"`
	Sum   float64           `json:"sum"`
	Min   float64           `json:"min"`
	Max   float64           `json:"max"`
	Avg   float64           `json:"avg"`
	P95   float64           `json:"p95"`
	P99   float64           `json:"p99"`
	From  time.Time         `json:"from"`
	To    time.Time         `json:"to"`
}

type Counters struct {
	Sent     int64 `json:"sent"`
	Received int64 `json:"received"`
	Failed   int64 `json:"failed"`
}

type Report struct {
	ServiceID    string              `json:"serviceId"`
	GeneratedAt  time.Time           `json:"generatedAt"`
	Aggregates   []Aggregate         `json:"aggregates"`
	MessageTypes map[string]Counters `json:"messageTypes"`
	Services     map[string]Counters `json:"services"`
}

type EventKind string

const (
	EventMetricAdded      EventKind = "metricAdded"
	EventMetricAggregated EventKind = "metricAggregated"
	EventMetricReported   EventKind = "metricReported"
)

type Event struct {
	Kind       EventKind
	Name       string
	Point      *DataPoint
	Aggregates []Aggregate
	Report     *Report
}
