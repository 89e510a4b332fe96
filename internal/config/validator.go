package config

import (
	"fmt"
	"slices"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	validators := []func(*Config) error{
		func(c *Config) error { return validateService(c.Service) },
		func(c *Config) error { return validateTransport(c.Transport) },
		func(c *Config) error { return validateDiscovery(c.Discovery) },
		func(c *Config) error { return validateExchange(c.Exchange) },
		func(c *Config) error { return validateStorage(c.Storage, c.Database) },
		func(c *Config) error { return validateDatabase(c.Database) },
		func(c *Config) error { return validatePriority(c.Priority) },
		func(c *Config) error { return validateMetrics(c.Metrics, c.Transport) },
		func(c *Config) error { return validateServer(c.Server) },
	}

	for _, validate := range validators {
		if err := validate(cfg); err != nil {
			errors = append(errors, err)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

// ValidateServiceID rejects ids that would break subject routing.
func ValidateServiceID(id string) error {
	if id == "" {
		return &ValidationError{Field: "service.id", Message: "service id is required"}
	}
	if strings.ContainsAny(id, ".*> \t\n") {
		return &ValidationError{
			Field:   "service.id",
			Message: fmt.Sprintf("service id %q must not contain '.', '*', '>' or whitespace", id),
		}
	}
	return nil
}

func validateService(cfg ServiceConfig) error {
	if err := ValidateServiceID(cfg.ID); err != nil {
		return err
	}
	if cfg.Type == "" {
		return &ValidationError{Field: "service.type", Message: "service type is required"}
	}
	return nil
}

func validateTransport(cfg TransportConfig) error {
	if cfg.MailboxSize < 1 {
		return &ValidationError{
			Field:   "transport.mailbox_size",
			Message: "mailbox size must be positive",
		}
	}

	switch cfg.Type {
	case "channel":
		return nil
	case "nats":
		if cfg.NATS.URL == "" {
			return &ValidationError{Field: "transport.nats.url", Message: "NATS URL is required"}
		}
		return nil
	case "kafka":
		return validateKafka(cfg.Kafka)
	case "":
		return &ValidationError{Field: "transport.type", Message: "transport type is required"}
	default:
		return &ValidationError{
			Field:   "transport.type",
			Message: fmt.Sprintf("unknown transport type: %s (supported: channel, nats, kafka)", cfg.Type),
		}
	}
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "transport.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("transport.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	return nil
}

func validateDiscovery(cfg DiscoveryConfig) error {
	if cfg.HeartbeatInterval <= 0 {
		return &ValidationError{
			Field:   "discovery.heartbeat_interval",
			Message: "heartbeat interval must be positive",
		}
	}

	if cfg.LivenessTimeout <= cfg.HeartbeatInterval {
		return &ValidationError{
			Field:   "discovery.liveness_timeout",
			Message: "liveness timeout must exceed the heartbeat interval",
		}
	}

	return nil
}

func validateExchange(cfg ExchangeConfig) error {
	if cfg.RequestTimeout <= 0 {
		return &ValidationError{Field: "exchange.request_timeout", Message: "request timeout must be positive"}
	}
	if cfg.StreamTimeout <= 0 {
		return &ValidationError{Field: "exchange.stream_timeout", Message: "stream timeout must be positive"}
	}
	if cfg.MaxConcurrentProviders < 1 {
		return &ValidationError{
			Field:   "exchange.max_concurrent_providers",
			Message: "max concurrent providers must be positive",
		}
	}
	return nil
}

func validateStorage(cfg StorageConfig, db DatabaseConfig) error {
	if cfg.DefaultNamespace == "" {
		return &ValidationError{Field: "storage.default_namespace", Message: "default namespace is required"}
	}
	if cfg.LookupTimeout <= 0 {
		return &ValidationError{Field: "storage.lookup_timeout", Message: "lookup timeout must be positive"}
	}
	if cfg.Retry.MaxAttempts < 0 {
		return &ValidationError{Field: "storage.retry.max_attempts", Message: "max_attempts must be non-negative"}
	}
	if cfg.Retry.MaxInterval > 0 && cfg.Retry.InitialInterval > 0 && cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		return &ValidationError{
			Field:   "storage.retry.max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}
	if cfg.Retry.Multiplier <= 0 {
		return &ValidationError{Field: "storage.retry.multiplier", Message: "multiplier must be positive"}
	}

	switch cfg.Persistence.Type {
	case "", "none", "memory":
		return nil
	case "redis":
		if db.Redis.Host == "" {
			return &ValidationError{Field: "database.redis.host", Message: "redis persistence requires database.redis.host"}
		}
	case "postgres":
		if db.Postgres.Host == "" {
			return &ValidationError{Field: "database.postgres.host", Message: "postgres persistence requires database.postgres.host"}
		}
	case "mongodb":
		if db.MongoDB.URI == "" {
			return &ValidationError{Field: "database.mongodb.uri", Message: "mongodb persistence requires database.mongodb.uri"}
		}
	default:
		return &ValidationError{
			Field:   "storage.persistence.type",
			Message: fmt.Sprintf("unknown persistence type: %s (supported: none, memory, redis, postgres, mongodb)", cfg.Persistence.Type),
		}
	}
	return nil
}

// validateDatabase checks only the backends that are configured; an empty
// section is allowed so the node can run on memory persistence.
func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host != "" || cfg.Postgres.Port > 0 {
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	}
	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}
	if cfg.MongoDB.URI != "" {
		return validateMongoDB(cfg.MongoDB)
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return &ValidationError{Field: field, Message: fmt.Sprintf("port %d out of range 1-65535", port)}
	}
	return nil
}

var sslModes = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}

func validatePostgres(cfg PostgresConfig) error {
	required := []struct{ field, value string }{
		{"database.postgres.host", cfg.Host},
		{"database.postgres.user", cfg.User},
		{"database.postgres.dbname", cfg.DBName},
	}
	for _, r := range required {
		if r.value == "" {
			return &ValidationError{Field: r.field, Message: "value is required"}
		}
	}
	if err := validatePort("database.postgres.port", cfg.Port); err != nil {
		return err
	}
	if cfg.SSLMode != "" && !slices.Contains(sslModes, strings.ToLower(cfg.SSLMode)) {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("unsupported sslmode %q (one of %s)", cfg.SSLMode, strings.Join(sslModes, ", ")),
		}
	}
	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{Field: "database.redis.host", Message: "value is required"}
	}
	return validatePort("database.redis.port", cfg.Port)
}

func validateMongoDB(cfg MongoDBConfig) error {
	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "uri scheme must be mongodb:// or mongodb+srv://",
		}
	}
	if cfg.Database == "" {
		return &ValidationError{Field: "database.mongodb.database", Message: "value is required"}
	}
	return nil
}

var priorityBands = map[string]bool{
	"critical": true, "high": true, "normal": true, "low": true, "background": true,
}

func validatePriority(cfg PriorityConfig) error {
	if cfg.DrainInterval <= 0 {
		return &ValidationError{Field: "priority.drain_interval", Message: "drain interval must be positive"}
	}
	if cfg.MaxAttempts < 1 {
		return &ValidationError{Field: "priority.max_attempts", Message: "max attempts must be at least 1"}
	}
	if cfg.QueueCapacity < 0 {
		return &ValidationError{Field: "priority.queue_capacity", Message: "queue capacity must be non-negative"}
	}
	for band := range cfg.Throughput {
		if !priorityBands[strings.ToLower(band)] {
			return &ValidationError{
				Field:   "priority.throughput." + band,
				Message: "unknown priority band (valid: critical, high, normal, low, background)",
			}
		}
	}
	return nil
}

func validateMetrics(cfg MetricsConfig, transport TransportConfig) error {
	if cfg.RetentionWindow <= 0 {
		return &ValidationError{Field: "metrics.retention_window", Message: "retention window must be positive"}
	}
	if cfg.MaxPoints < 1 {
		return &ValidationError{Field: "metrics.max_points", Message: "max points must be positive"}
	}
	if cfg.AggregationInterval <= 0 {
		return &ValidationError{Field: "metrics.aggregation_interval", Message: "aggregation interval must be positive"}
	}
	if cfg.ReportInterval <= 0 {
		return &ValidationError{Field: "metrics.report_interval", Message: "report interval must be positive"}
	}

	switch cfg.Exporter.Type {
	case "", "none", "bus":
	case "kafka":
		if len(transport.Kafka.Brokers) == 0 {
			return &ValidationError{Field: "metrics.exporter.type", Message: "kafka exporter requires transport.kafka.brokers"}
		}
		if cfg.Exporter.KafkaTopic == "" {
			return &ValidationError{Field: "metrics.exporter.kafka_topic", Message: "kafka topic is required"}
		}
	default:
		return &ValidationError{
			Field:   "metrics.exporter.type",
			Message: fmt.Sprintf("unknown exporter type: %s (supported: none, bus, kafka)", cfg.Exporter.Type),
		}
	}
	return nil
}

func validateServer(cfg ServerConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if err := validatePort("server.port", cfg.Port); err != nil {
		return err
	}

	if cfg.ReadTimeout <= 0 {
		return &ValidationError{Field: "server.read_timeout", Message: "read timeout must be positive"}
	}

	if cfg.WriteTimeout <= 0 {
		return &ValidationError{Field: "server.write_timeout", Message: "write timeout must be positive"}
	}

	return nil
}
