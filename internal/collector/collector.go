// Package collector records tagged time series about A2A traffic, aggregates
// them periodically and publishes reports.
package collector

import (
	"context"
	"sort"
	"sync"
	"time"

	"a2a/internal/config"
	"a2a/internal/constants"
	"a2a/internal/logger"
	"a2a/pkg/envelope"
	"a2a/pkg/errors"
	"a2a/pkg/events"
	"a2a/pkg/metrics"
)

const broadcastPeer = "broadcast"

type Option func(*Collector)

func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

func WithExporter(e Exporter) Option {
	return func(c *Collector) { c.exporters = append(c.exporters, e) }
}

type Collector struct {
	cfg       config.MetricsConfig
	serviceID string
	log       logger.Logger
	now       func() time.Time
	exporters []Exporter
	events    *events.Feed[Event]

	mu       sync.RWMutex
	series   map[string]*series
	snapshot []Aggregate
	types    map[string]*Counters
	services map[string]*Counters

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.MetricsConfig, serviceID string, log logger.Logger, opts ...Option) *Collector {
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = constants.DefaultRetentionWindow
	}
	if cfg.MaxPoints <= 0 {
		cfg.MaxPoints = constants.DefaultMaxPointsPerSeries
	}
	if cfg.AggregationInterval <= 0 {
		cfg.AggregationInterval = constants.DefaultAggregationInterval
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = constants.DefaultReportInterval
	}

	c := &Collector{
		cfg:       cfg,
		serviceID: serviceID,
		log:       log.Named("collector"),
		now:       time.Now,
		events:    events.NewFeed[Event](),
		series:    make(map[string]*series),
		types:     make(map[string]*Counters),
		services:  make(map[string]*Counters),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize starts the aggregation and report timers.
func (c *Collector) Initialize(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(2)
	go c.every(runCtx, c.cfg.AggregationInterval, func() { c.Aggregate() })
	go c.every(runCtx, c.cfg.ReportInterval, func() { c.publishReport(runCtx) })

	c.log.InfowCtx(ctx, "Metrics collector started",
		"aggregation_interval", c.cfg.AggregationInterval,
		"report_interval", c.cfg.ReportInterval,
		"exporters", len(c.exporters),
	)
	return nil
}

func (c *Collector) Shutdown(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.events.Close()
	c.log.InfowCtx(ctx, "Metrics collector stopped")
	return nil
}

func (c *Collector) every(ctx context.Context, interval time.Duration, fn func()) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (c *Collector) Events() *events.Feed[Event] {
	return c.events
}

// RecordMetric appends a point to the series keyed by name and tags.
func (c *Collector) RecordMetric(name string, value float64, tags map[string]string) {
	now := c.now()
	point := DataPoint{Timestamp: now, Value: value, Tags: copyTags(tags)}

	c.mu.Lock()
	key := seriesKey(name, point.Tags)
	s, ok := c.series[key]
	if !ok {
		s = &series{name: name, tags: point.Tags}
		c.series[key] = s
	}
	s.add(point, now.Add(-c.cfg.RetentionWindow), c.cfg.MaxPoints)
	count := len(c.series)
	c.mu.Unlock()

	metrics.SetCollectorSeries(count)
	c.events.Emit(Event{Kind: EventMetricAdded, Name: name, Point: &point})
}

func (c *Collector) RecordMessageSent(env *envelope.Envelope) {
	peer := env.Headers.Destination
	if peer == "" {
		peer = broadcastPeer
	}
	c.count(env.Type, peer, func(ct *Counters) { ct.Sent++ })
	metrics.IncCollectorMessage("sent", env.Type)
	c.RecordMetric(MetricMessagesSent, 1, typeTags(env))
	c.RecordMetric(MetricServiceMessagesSent, 1, serviceTags(peer))
}

func (c *Collector) RecordMessageReceived(env *envelope.Envelope) {
	c.count(env.Type, env.Headers.Source, func(ct *Counters) { ct.Received++ })
	metrics.IncCollectorMessage("received", env.Type)
	c.RecordMetric(MetricMessagesReceived, 1, typeTags(env))
	if env.Headers.Source != "" {
		c.RecordMetric(MetricServiceMessagesReceived, 1, serviceTags(env.Headers.Source))
	}

	if !env.Headers.Timestamp.IsZero() {
		if d := c.now().Sub(env.Headers.Timestamp); d >= 0 {
			c.RecordLatency(d, map[string]string{"type": env.Type})
		}
	}
}

func (c *Collector) RecordMessageFailed(env *envelope.Envelope, err error) {
	c.count(env.Type, env.Headers.Source, func(ct *Counters) { ct.Failed++ })
	metrics.IncCollectorMessage("failed", env.Type)
	tags := typeTags(env)
	if err != nil {
		tags["error"] = errors.Code(err)
	}
	c.RecordMetric(MetricMessagesFailed, 1, tags)
	if env.Headers.Source != "" {
		c.RecordMetric(MetricServiceMessagesFailed, 1, serviceTags(env.Headers.Source))
	}
}

// RecordLatency stores d in milliseconds.
func (c *Collector) RecordLatency(d time.Duration, tags map[string]string) {
	c.RecordMetric(MetricLatency, float64(d)/float64(time.Millisecond), tags)
}

func (c *Collector) RecordProcessingTime(d time.Duration, tags map[string]string) {
	c.RecordMetric(MetricProcessingTime, float64(d)/float64(time.Millisecond), tags)
}

// RecordEvent counts a named exchange event tagged with its correlation id.
func (c *Collector) RecordEvent(name, correlationID string, tags map[string]string) {
	t := copyTags(tags)
	if t == nil {
		t = make(map[string]string, 1)
	}
	t["correlationId"] = correlationID
	c.RecordMetric(name, 1, t)
}

func (c *Collector) count(msgType, peer string, fn func(*Counters)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.types[msgType]
	if !ok {
		t = &Counters{}
		c.types[msgType] = t
	}
	fn(t)
	if peer == "" {
		return
	}
	s, ok := c.services[peer]
	if !ok {
		s = &Counters{}
		c.services[peer] = s
	}
	fn(s)
}

// Points returns the retained points of every series named name.
func (c *Collector) Points(name string) []DataPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []DataPoint
	for _, s := range c.series {
		if s.name == name {
			out = append(out, s.points...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Count is the number of retained points named name across all tag sets.
func (c *Collector) Count(name string) int {
	return len(c.Points(name))
}

// Throughput is sent plus received messages per second over window.
func (c *Collector) Throughput(window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	since := c.now().Add(-window)
	n := 0
	for _, name := range []string{MetricMessagesSent, MetricMessagesReceived} {
		for _, p := range c.Points(name) {
			if !p.Timestamp.Before(since) {
				n++
			}
		}
	}
	return float64(n) / window.Seconds()
}

// AverageLatency is in milliseconds; zero without samples.
func (c *Collector) AverageLatency(window time.Duration) float64 {
	since := c.now().Add(-window)
	var sum float64
	n := 0
	for _, p := range c.Points(MetricLatency) {
		if !p.Timestamp.Before(since) {
			sum += p.Value
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Aggregate recomputes every series over the retention window and replaces the
// previous snapshot.
func (c *Collector) Aggregate() []Aggregate {
	now := c.now()
	cutoff := now.Add(-c.cfg.RetentionWindow)

	c.mu.Lock()
	out := make([]Aggregate, 0, len(c.series))
	for key, s := range c.series {
		s.prune(cutoff)
		if len(s.points) == 0 {
			delete(c.series, key)
			continue
		}
		if agg, ok := s.aggregate(cutoff); ok {
			out = append(out, agg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return seriesKey(out[i].Name, out[i].Tags) < seriesKey(out[j].Name, out[j].Tags)
	})
	c.snapshot = out
	count := len(c.series)
	c.mu.Unlock()

	metrics.SetCollectorSeries(count)
	c.events.Emit(Event{Kind: EventMetricAggregated, Aggregates: out})
	return out
}

// Aggregates returns the latest snapshot without recomputing.
func (c *Collector) Aggregates() []Aggregate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Aggregate, len(c.snapshot))
	copy(out, c.snapshot)
	return out
}

func (c *Collector) Report() *Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r := &Report{
		ServiceID:    c.serviceID,
		GeneratedAt:  c.now().UTC(),
		Aggregates:   make([]Aggregate, len(c.snapshot)),
		MessageTypes: make(map[string]Counters, len(c.types)),
		Services:     make(map[string]Counters, len(c.services)),
	}
	copy(r.Aggregates, c.snapshot)
	for k, v := range c.types {
		r.MessageTypes[k] = *v
	}
	for k, v := range c.services {
		r.Services[k] = *v
	}
	return r
}

func (c *Collector) publishReport(ctx context.Context) {
	report := c.Report()
	c.events.Emit(Event{Kind: EventMetricReported, Report: report})

	for _, e := range c.exporters {
		if err := e.Export(ctx, report); err != nil {
			c.log.Warnw("Failed to export metrics report",
				"exporter", e.Name(),
				"error", err,
			)
		}
	}
}

// Reset drops all series, counters and the snapshot.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.series = make(map[string]*series)
	c.snapshot = nil
	c.types = make(map[string]*Counters)
	c.services = make(map[string]*Counters)
	metrics.SetCollectorSeries(0)
}

// typeTags keys message series by type only. Correlation ids belong on
// RecordEvent; tagging traffic with them would open one series per request.
func typeTags(env *envelope.Envelope) map[string]string {
	return map[string]string{"type": env.Type}
}

func serviceTags(peer string) map[string]string {
	return map[string]string{"service": peer}
}

func copyTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
