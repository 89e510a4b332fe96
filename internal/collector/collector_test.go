package collector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2a/internal/config"
	"a2a/internal/logger"
	"a2a/pkg/envelope"
	"a2a/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCollector(cfg config.MetricsConfig) (*Collector, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return New(cfg, "svc-test", logger.NopLogger(), WithClock(clock.Now)), clock
}

func TestAggregateStatistics(t *testing.T) {
	c, clock := newTestCollector(config.MetricsConfig{})

	values := []float64{5, 1, 9, 3, 7, 2, 8, 4, 6, 10}
	for _, v := range values {
		c.RecordMetric("queue.depth", v, map[string]string{"queue": "a"})
		clock.Advance(time.Second)
	}

	aggs := c.Aggregate()
	require.Len(t, aggs, 1)
	agg := aggs[0]
	assert.Equal(t, 10, agg.Count)
	assert.Equal(t, 1.0, agg.Min)
	assert.Equal(t, 10.0, agg.Max)
	assert.InDelta(t, 5.5, agg.Avg, 1e-9)
	assert.Equal(t, 55.0, agg.Sum)
	assert.Equal(t, 10.0, agg.P95)
	assert.Equal(t, 10.0, agg.P99)
	assert.Equal(t, map[string]string{"queue": "a"}, agg.Tags)

	assert.Equal(t, aggs, c.Aggregates())
}

func TestSeriesKeyIgnoresTagOrder(t *testing.T) {
	a := seriesKey("m", map[string]string{"x": "1", "y": "2"})
	b := seriesKey("m", map[string]string{"y": "2", "x": "1"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, seriesKey("m", map[string]string{"x": "1"}))
	assert.Equal(t, "m", seriesKey("m", nil))
}

func TestSeriesCapEvictsOldest(t *testing.T) {
	c, clock := newTestCollector(config.MetricsConfig{MaxPoints: 3})
	for i := 1; i <= 5; i++ {
		c.RecordMetric("m", float64(i), nil)
		clock.Advance(time.Millisecond)
	}

	points := c.Points("m")
	require.Len(t, points, 3)
	assert.Equal(t, 3.0, points[0].Value)
	assert.Equal(t, 5.0, points[2].Value)
}

func TestRetentionPrunesOnWrite(t *testing.T) {
	c, clock := newTestCollector(config.MetricsConfig{RetentionWindow: time.Minute})
	c.RecordMetric("m", 1, nil)
	clock.Advance(2 * time.Minute)
	c.RecordMetric("m", 2, nil)

	points := c.Points("m")
	require.Len(t, points, 1)
	assert.Equal(t, 2.0, points[0].Value)
}

func TestAggregateDropsEmptySeries(t *testing.T) {
	c, clock := newTestCollector(config.MetricsConfig{RetentionWindow: time.Minute})
	c.RecordMetric("old", 1, nil)
	clock.Advance(2 * time.Minute)

	assert.Empty(t, c.Aggregate())
	assert.Empty(t, c.Points("old"))
}

func TestMessageWrappers(t *testing.T) {
	c, clock := newTestCollector(config.MetricsConfig{})

	sent := envelope.New(envelope.TypeDataRequest, "svc-test").WithTimestamp(clock.Now()).Build()
	c.RecordMessageSent(sent)

	received := envelope.New(envelope.TypeDataResponse, "svc-peer").WithTimestamp(clock.Now()).Build()
	clock.Advance(40 * time.Millisecond)
	c.RecordMessageReceived(received)
	c.RecordMessageFailed(received, errors.ErrTimeout)

	assert.Equal(t, 1, c.Count(MetricMessagesSent))
	assert.Equal(t, 1, c.Count(MetricMessagesReceived))
	assert.Equal(t, 1, c.Count(MetricMessagesFailed))
	assert.InDelta(t, 40.0, c.AverageLatency(time.Minute), 1e-9)

	report := c.Report()
	assert.Equal(t, "svc-test", report.ServiceID)
	assert.Equal(t, Counters{Sent: 1}, report.MessageTypes[envelope.TypeDataRequest])
	assert.Equal(t, Counters{Received: 1, Failed: 1}, report.MessageTypes[envelope.TypeDataResponse])
	assert.Equal(t, Counters{Sent: 1}, report.Services["broadcast"])
	assert.Equal(t, Counters{Received: 1, Failed: 1}, report.Services["svc-peer"])

	failed := c.Points(MetricMessagesFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "TIMEOUT", failed[0].Tags["error"])

	assert.Equal(t, map[string]string{"service": "broadcast"}, c.Points(MetricServiceMessagesSent)[0].Tags)
	assert.Equal(t, map[string]string{"service": "svc-peer"}, c.Points(MetricServiceMessagesReceived)[0].Tags)
	assert.Equal(t, 1, c.Count(MetricServiceMessagesFailed))
}

func TestMessageSeriesGroupByType(t *testing.T) {
	c, _ := newTestCollector(config.MetricsConfig{})
	for i := 0; i < 3; i++ {
		env := envelope.New(envelope.TypeDataRequest, "svc-test").WithDestination("svc-peer").Build()
		c.RecordMessageSent(env)
	}

	var sent, perService []Aggregate
	for _, a := range c.Aggregate() {
		switch a.Name {
		case MetricMessagesSent:
			sent = append(sent, a)
		case MetricServiceMessagesSent:
			perService = append(perService, a)
		}
	}
	require.Len(t, sent, 1)
	assert.Equal(t, 3, sent[0].Count)
	assert.Equal(t, map[string]string{"type": envelope.TypeDataRequest}, sent[0].Tags)
	require.Len(t, perService, 1)
	assert.Equal(t, 3, perService[0].Count)
	assert.Equal(t, map[string]string{"service": "svc-peer"}, perService[0].Tags)
}

func TestRecordEventTagsCorrelation(t *testing.T) {
	c, _ := newTestCollector(config.MetricsConfig{})
	c.RecordEvent(EventDataRequested, "corr-1", map[string]string{"dataType": "taskResult"})

	points := c.Points(EventDataRequested)
	require.Len(t, points, 1)
	assert.Equal(t, "corr-1", points[0].Tags["correlationId"])
	assert.Equal(t, "taskResult", points[0].Tags["dataType"])
}

func TestThroughput(t *testing.T) {
	c, clock := newTestCollector(config.MetricsConfig{})
	for i := 0; i < 10; i++ {
		c.RecordMessageSent(envelope.New("x", "svc-test").Build())
	}
	clock.Advance(time.Second)
	assert.InDelta(t, 1.0, c.Throughput(10*time.Second), 1e-9)
	assert.Equal(t, 0.0, c.Throughput(0))
}

type recordingExporter struct {
	mu      sync.Mutex
	reports []*Report
}

func (r *recordingExporter) Name() string { return "recording" }

func (r *recordingExporter) Export(_ context.Context, report *Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

func (r *recordingExporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func TestTimersAggregateAndReport(t *testing.T) {
	exp := &recordingExporter{}
	c := New(config.MetricsConfig{
		AggregationInterval: 10 * time.Millisecond,
		ReportInterval:      20 * time.Millisecond,
	}, "svc-test", logger.NopLogger(), WithExporter(exp))

	feed, cancel := c.Events().Subscribe(64)
	defer cancel()

	require.NoError(t, c.Initialize(context.Background()))
	c.RecordMetric("m", 1, nil)

	assert.Eventually(t, func() bool { return exp.count() > 0 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(c.Aggregates()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Shutdown(context.Background()))

	kinds := map[EventKind]bool{}
	for ev := range feed {
		kinds[ev.Kind] = true
	}
	assert.True(t, kinds[EventMetricAdded])
	assert.True(t, kinds[EventMetricAggregated])
	assert.True(t, kinds[EventMetricReported])
}

func TestPercentileNearestRank(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(i + 1)
	}
	assert.Equal(t, 95.0, percentile(values, 95))
	assert.Equal(t, 99.0, percentile(values, 99))
	assert.Equal(t, 0.0, percentile(nil, 95))
}
