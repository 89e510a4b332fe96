package config

import (
	"time"

	"a2a/internal/constants"
)

type Config struct {
	Service        ServiceConfig        `mapstructure:"service"`
	Transport      TransportConfig      `mapstructure:"transport"`
	Discovery      DiscoveryConfig      `mapstructure:"discovery"`
	Exchange       ExchangeConfig       `mapstructure:"exchange"`
	Storage        StorageConfig        `mapstructure:"storage"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Priority       PriorityConfig       `mapstructure:"priority"`
	Filter         FilterConfig         `mapstructure:"filter"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Server         ServerConfig         `mapstructure:"server"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
}

type ServiceConfig struct {
	ID           string            `mapstructure:"id"`
	Type         string            `mapstructure:"type"`
	Version      string            `mapstructure:"version"`
	Capabilities []string          `mapstructure:"capabilities"`
	Metadata     map[string]string `mapstructure:"metadata"`
}

type TransportConfig struct {
	Type        string        `mapstructure:"type"` // channel, nats, kafka
	MailboxSize int           `mapstructure:"mailbox_size"`
	NATS        NATSConfig    `mapstructure:"nats"`
	Kafka       KafkaConfig   `mapstructure:"kafka"`
	Channel     ChannelConfig `mapstructure:"channel"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	AutoCreate   bool          `mapstructure:"auto_create_topics"`
}

type ChannelConfig struct {
	OutputBuffer int64 `mapstructure:"output_buffer"`
}

type DiscoveryConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	LivenessTimeout   time.Duration `mapstructure:"liveness_timeout"`
}

type ExchangeConfig struct {
	RequestTimeout         time.Duration `mapstructure:"request_timeout"`
	StreamTimeout          time.Duration `mapstructure:"stream_timeout"`
	MaxConcurrentProviders int64         `mapstructure:"max_concurrent_providers"`
}

type StorageConfig struct {
	DefaultNamespace string            `mapstructure:"default_namespace"`
	LookupTimeout    time.Duration     `mapstructure:"lookup_timeout"`
	Persistence      PersistenceConfig `mapstructure:"persistence"`
	Retry            RetryConfig       `mapstructure:"retry"`
}

type PersistenceConfig struct {
	Type           string `mapstructure:"type"` // none, memory, redis, postgres, mongodb
	CircuitBreaker bool   `mapstructure:"circuit_breaker"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig `mapstructure:"postgres"`
	Redis         RedisConfig    `mapstructure:"redis"`
	MongoDB       MongoDBConfig  `mapstructure:"mongodb"`
	RunMigrations bool           `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type PriorityConfig struct {
	DrainInterval time.Duration      `mapstructure:"drain_interval"`
	MaxAttempts   int                `mapstructure:"max_attempts"`
	QueueCapacity int                `mapstructure:"queue_capacity"`
	Throughput    map[string]float64 `mapstructure:"throughput"` // band name -> tokens/sec, <= 0 unbounded
}

type FilterConfig struct {
	Rules []RuleConfig `mapstructure:"rules"`
}

type RuleConfig struct {
	ID        string           `mapstructure:"id"`
	Name      string           `mapstructure:"name"`
	Type      string           `mapstructure:"type"`
	Target    string           `mapstructure:"target"`
	Path      string           `mapstructure:"path"`
	Operator  string           `mapstructure:"operator"`
	Value     interface{}      `mapstructure:"value"`
	Priority  int              `mapstructure:"priority"`
	Enabled   *bool            `mapstructure:"enabled"`
	Transform *TransformConfig `mapstructure:"transform"`
}

type TransformConfig struct {
	Action     string      `mapstructure:"action"`
	Path       string      `mapstructure:"path"`
	Value      interface{} `mapstructure:"value"`
	Expression string      `mapstructure:"expression"`
}

type MetricsConfig struct {
	RetentionWindow     time.Duration  `mapstructure:"retention_window"`
	MaxPoints           int            `mapstructure:"max_points"`
	AggregationInterval time.Duration  `mapstructure:"aggregation_interval"`
	ReportInterval      time.Duration  `mapstructure:"report_interval"`
	Exporter            ExporterConfig `mapstructure:"exporter"`
}

type ExporterConfig struct {
	Type       string `mapstructure:"type"` // none, bus, kafka
	KafkaTopic string `mapstructure:"kafka_topic"`
}

type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CircuitBreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type RateLimitConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	RPS             float64       `mapstructure:"rps"`
	Burst           int           `mapstructure:"burst"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxAge          time.Duration `mapstructure:"max_age"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

// Default returns a configuration that runs a single node on the in-process
// channel transport with no persistence.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Type:    "agent",
			Version: "dev",
		},
		Transport: TransportConfig{
			Type:        "channel",
			MailboxSize: constants.DefaultMailboxSize,
			NATS: NATSConfig{
				URL:           "nats://127.0.0.1:4222",
				MaxReconnects: 60,
				ReconnectWait: 2 * time.Second,
			},
			Kafka: KafkaConfig{
				BatchTimeout: constants.KafkaBatchTimeout,
				WriteTimeout: constants.KafkaWriteTimeout,
				AutoCreate:   true,
			},
			Channel: ChannelConfig{OutputBuffer: 256},
		},
		Discovery: DiscoveryConfig{
			HeartbeatInterval: constants.DefaultHeartbeatInterval,
			LivenessTimeout:   constants.DefaultLivenessTimeout,
		},
		Exchange: ExchangeConfig{
			RequestTimeout:         constants.DefaultRequestTimeout,
			StreamTimeout:          constants.DefaultStreamTimeout,
			MaxConcurrentProviders: constants.DefaultMaxConcurrentProviders,
		},
		Storage: StorageConfig{
			DefaultNamespace: constants.DefaultNamespace,
			LookupTimeout:    constants.DefaultStorageLookupTimeout,
			Persistence:      PersistenceConfig{Type: "none", CircuitBreaker: true},
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 50 * time.Millisecond,
				MaxInterval:     time.Second,
				Multiplier:      2.0,
				MaxElapsedTime:  5 * time.Second,
			},
		},
		Priority: PriorityConfig{
			DrainInterval: constants.DefaultDrainInterval,
			MaxAttempts:   constants.DefaultMaxAttempts,
			Throughput: map[string]float64{
				"critical":   0,
				"high":       1000,
				"normal":     500,
				"low":        100,
				"background": 20,
			},
		},
		Metrics: MetricsConfig{
			RetentionWindow:     constants.DefaultRetentionWindow,
			MaxPoints:           constants.DefaultMaxPointsPerSeries,
			AggregationInterval: constants.DefaultAggregationInterval,
			ReportInterval:      constants.DefaultReportInterval,
			Exporter:            ExporterConfig{Type: "none", KafkaTopic: "a2a.metrics.report"},
		},
		Server: ServerConfig{
			Enabled:      true,
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		CircuitBreaker: CircuitBreakerConfig{
			MaxRequests:  3,
			Interval:     60 * time.Second,
			Timeout:      30 * time.Second,
			FailureRatio: 0.5,
			MinRequests:  3,
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			RPS:             50,
			Burst:           100,
			CleanupInterval: time.Minute,
			MaxAge:          5 * time.Minute,
		},
		Tracing: TracingConfig{
			ServiceName: "a2a-node",
			Sampler:     SamplerConfig{Type: "always_on", Param: 1},
		},
	}
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
