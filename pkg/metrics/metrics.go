package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TransportMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_transport_messages_total",
			Help: "Total number of envelopes moved through the transport (count)",
		},
		[]string{"transport", "direction", "status"},
	)

	TransportHandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "a2a_transport_handler_duration_ms",
			Help:    "Subscription handler duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"transport", "status"},
	)

	TransportMessagesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_transport_messages_dropped_total",
			Help: "Total number of envelopes dropped before reaching a handler (count)",
		},
		[]string{"transport", "reason"},
	)

	DiscoveryPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "a2a_discovery_peers",
			Help: "Number of known peers by status (count)",
		},
		[]string{"status"},
	)

	DiscoveryTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_discovery_transitions_total",
			Help: "Total number of peer status transitions (count)",
		},
		[]string{"from", "to"},
	)

	DiscoveryHeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_discovery_heartbeats_total",
			Help: "Total number of heartbeats emitted (count)",
		},
		[]string{"status"},
	)

	ExchangeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_exchange_requests_total",
			Help: "Total number of outbound data and stream requests (count)",
		},
		[]string{"kind", "data_type", "status"},
	)

	ExchangeRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "a2a_exchange_request_duration_ms",
			Help:    "Outbound request round-trip duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"kind", "data_type"},
	)

	ExchangeProviderExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_exchange_provider_executions_total",
			Help: "Total number of local provider executions (count)",
		},
		[]string{"kind", "data_type", "status"},
	)

	StorageOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_storage_operations_total",
			Help: "Total number of storage operations (count)",
		},
		[]string{"operation", "status"},
	)

	StorageCacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "a2a_storage_cache_entries",
			Help: "Number of values held in the local storage cache (count)",
		},
	)

	StorageRemoteLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_storage_remote_lookups_total",
			Help: "Total number of distributed value lookups (count)",
		},
		[]string{"result"},
	)

	PriorityMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_priority_messages_total",
			Help: "Total number of prioritized messages by outcome (count)",
		},
		[]string{"priority", "outcome"},
	)

	PriorityQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "a2a_priority_queue_depth",
			Help: "Current number of buffered prioritized messages (count)",
		},
		[]string{"subject"},
	)

	PriorityQueueWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "a2a_priority_queue_wait_duration_ms",
			Help:    "Time a prioritized message waited before hand-off in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
		[]string{"priority"},
	)

	FilterMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_filter_messages_total",
			Help: "Total number of messages evaluated by the filter (count)",
		},
		[]string{"result"},
	)

	FilterProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "a2a_filter_processing_duration_ms",
			Help:    "Filter evaluation duration in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100},
		},
	)

	FilterRuleEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_filter_rule_evaluations_total",
			Help: "Total number of filter rule evaluations (count)",
		},
		[]string{"rule_id", "result"},
	)

	FilterActiveRules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "a2a_filter_active_rules",
			Help: "Number of enabled filter rules (count)",
		},
	)

	CollectorMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_collector_messages_total",
			Help: "Messages observed by the metrics collector (count)",
		},
		[]string{"direction", "type"},
	)

	CollectorSeries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "a2a_collector_series",
			Help: "Number of series retained by the metrics collector (count)",
		},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"component", "operation"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "a2a_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_rate_limit_requests_total",
			Help: "Total number of admin requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	AdminRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_admin_requests_total",
			Help: "Total number of admin API requests (count)",
		},
		[]string{"method", "route", "status"},
	)

	AdminRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "a2a_admin_request_duration_ms",
			Help:    "Duration of admin API requests in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"method", "route"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_database_queries_total",
			Help: "Total number of persistence queries (count)",
		},
		[]string{"database", "operation", "status"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "a2a_database_query_duration_ms",
			Help:    "Duration of persistence queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"database", "operation"},
	)

	KafkaMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "a2a_kafka_message_size_bytes",
			Help:    "Size of Kafka messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"topic", "direction"},
	)
)

var registerOnce sync.Once

// RegisterAll registers every collector with the default registry. Safe to call
// more than once.
func RegisterAll() {
	registerOnce.Do(func() {
		RegisterTransportMetrics()
		RegisterDiscoveryMetrics()
		RegisterExchangeMetrics()
		RegisterStorageMetrics()
		RegisterPriorityMetrics()
		RegisterFilterMetrics()
		RegisterCollectorMetrics()
		RegisterResilienceMetrics()
		RegisterAdminMetrics()
	})
}

func RegisterTransportMetrics() {
	prometheus.MustRegister(TransportMessagesTotal)
	prometheus.MustRegister(TransportHandlerDuration)
	prometheus.MustRegister(TransportMessagesDroppedTotal)
	prometheus.MustRegister(KafkaMessageSizeBytes)
}

func RegisterDiscoveryMetrics() {
	prometheus.MustRegister(DiscoveryPeers)
	prometheus.MustRegister(DiscoveryTransitionsTotal)
	prometheus.MustRegister(DiscoveryHeartbeatsTotal)
}

func RegisterExchangeMetrics() {
	prometheus.MustRegister(ExchangeRequestsTotal)
	prometheus.MustRegister(ExchangeRequestDuration)
	prometheus.MustRegister(ExchangeProviderExecutionsTotal)
}

func RegisterStorageMetrics() {
	prometheus.MustRegister(StorageOperationsTotal)
	prometheus.MustRegister(StorageCacheEntries)
	prometheus.MustRegister(StorageRemoteLookupsTotal)
	prometheus.MustRegister(DatabaseQueriesTotal)
	prometheus.MustRegister(DatabaseQueryDuration)
}

func RegisterPriorityMetrics() {
	prometheus.MustRegister(PriorityMessagesTotal)
	prometheus.MustRegister(PriorityQueueDepth)
	prometheus.MustRegister(PriorityQueueWaitDuration)
}

func RegisterFilterMetrics() {
	prometheus.MustRegister(FilterMessagesTotal)
	prometheus.MustRegister(FilterProcessingDuration)
	prometheus.MustRegister(FilterRuleEvaluationsTotal)
	prometheus.MustRegister(FilterActiveRules)
}

func RegisterCollectorMetrics() {
	prometheus.MustRegister(CollectorMessagesTotal)
	prometheus.MustRegister(CollectorSeries)
}

func RegisterResilienceMetrics() {
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func RegisterAdminMetrics() {
	prometheus.MustRegister(RateLimitRequestsTotal)
	prometheus.MustRegister(AdminRequestsTotal)
	prometheus.MustRegister(AdminRequestDuration)
}

func IncTransportMessage(transport, direction, status string) {
	TransportMessagesTotal.WithLabelValues(transport, direction, status).Inc()
}

func ObserveHandlerDuration(transport, status string, duration time.Duration) {
	TransportHandlerDuration.WithLabelValues(transport, status).Observe(float64(duration.Milliseconds()))
}

func IncTransportDropped(transport, reason string) {
	TransportMessagesDroppedTotal.WithLabelValues(transport, reason).Inc()
}

func SetDiscoveryPeers(status string, count int) {
	DiscoveryPeers.WithLabelValues(status).Set(float64(count))
}

func IncDiscoveryTransition(from, to string) {
	DiscoveryTransitionsTotal.WithLabelValues(from, to).Inc()
}

func IncHeartbeat(status string) {
	DiscoveryHeartbeatsTotal.WithLabelValues(status).Inc()
}

func IncExchangeRequest(kind, dataType, status string) {
	ExchangeRequestsTotal.WithLabelValues(kind, dataType, status).Inc()
}

func ObserveExchangeRequestDuration(kind, dataType string, duration time.Duration) {
	ExchangeRequestDuration.WithLabelValues(kind, dataType).Observe(float64(duration.Milliseconds()))
}

func IncProviderExecution(kind, dataType, status string) {
	ExchangeProviderExecutionsTotal.WithLabelValues(kind, dataType, status).Inc()
}

func IncStorageOperation(operation, status string) {
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
}

func SetStorageCacheEntries(count int) {
	StorageCacheEntries.Set(float64(count))
}

func IncStorageRemoteLookup(result string) {
	StorageRemoteLookupsTotal.WithLabelValues(result).Inc()
}

func IncPriorityMessage(priority, outcome string) {
	PriorityMessagesTotal.WithLabelValues(priority, outcome).Inc()
}

func SetPriorityQueueDepth(subject string, depth int) {
	PriorityQueueDepth.WithLabelValues(subject).Set(float64(depth))
}

func ObservePriorityQueueWait(priority string, duration time.Duration) {
	PriorityQueueWaitDuration.WithLabelValues(priority).Observe(float64(duration.Milliseconds()))
}

func IncFilterMessage(result string) {
	FilterMessagesTotal.WithLabelValues(result).Inc()
}

func ObserveFilterDuration(duration time.Duration) {
	FilterProcessingDuration.Observe(float64(duration.Microseconds()) / 1000)
}

func IncFilterRuleEvaluation(ruleID, result string) {
	FilterRuleEvaluationsTotal.WithLabelValues(ruleID, result).Inc()
}

func SetFilterActiveRules(count int) {
	FilterActiveRules.Set(float64(count))
}

func IncCollectorMessage(direction, msgType string) {
	CollectorMessagesTotal.WithLabelValues(direction, msgType).Inc()
}

func SetCollectorSeries(count int) {
	CollectorSeries.Set(float64(count))
}

func IncRetryAttempt(component, operation string) {
	RetryAttemptsTotal.WithLabelValues(component, operation).Inc()
}

func IncDatabaseQuery(database, operation, status string) {
	DatabaseQueriesTotal.WithLabelValues(database, operation, status).Inc()
}

func ObserveDatabaseQueryDuration(database, operation string, duration time.Duration) {
	DatabaseQueryDuration.WithLabelValues(database, operation).Observe(float64(duration.Milliseconds()))
}

func ObserveKafkaMessageSize(topic, direction string, sizeBytes int) {
	KafkaMessageSizeBytes.WithLabelValues(topic, direction).Observe(float64(sizeBytes))
}

func ObserveAdminRequest(method, route string, status int, duration time.Duration) {
	AdminRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	AdminRequestDuration.WithLabelValues(method, route).Observe(float64(duration.Milliseconds()))
}
