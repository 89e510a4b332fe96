package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"a2a/pkg/ids"
)

// LoadConfig reads configFile (YAML) over Default() and applies environment
// overrides. An empty configFile loads defaults and environment only.
func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindEnvVariables()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := Default()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)

	if cfg.Service.ID == "" {
		cfg.Service.ID = GenerateServiceID(cfg.Service.Type)
	}

	if err := ValidateStatic(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func bindEnvVariables() {
	viper.BindEnv("service.id", "SERVICE_ID")
	viper.BindEnv("service.type", "SERVICE_TYPE")
	viper.BindEnv("service.version", "SERVICE_VERSION")

	viper.BindEnv("transport.type", "TRANSPORT_TYPE")
	viper.BindEnv("transport.nats.url", "TRANSPORT_NATS_URL")
	viper.BindEnv("transport.kafka.brokers", "TRANSPORT_KAFKA_BROKERS")

	viper.BindEnv("discovery.heartbeat_interval", "DISCOVERY_HEARTBEAT_INTERVAL")
	viper.BindEnv("discovery.liveness_timeout", "DISCOVERY_LIVENESS_TIMEOUT")

	viper.BindEnv("storage.persistence.type", "STORAGE_PERSISTENCE_TYPE")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("metrics.exporter.type", "METRICS_EXPORTER_TYPE")

	viper.BindEnv("server.port", "SERVER_PORT")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

// applyEnvOverrides handles values viper cannot decode from a flat env string.
func applyEnvOverrides(cfg *Config) {
	if brokersEnv := viper.GetString("TRANSPORT_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Transport.Kafka.Brokers = brokers
		}
	}

	if capsEnv := viper.GetString("SERVICE_CAPABILITIES"); capsEnv != "" {
		cfg.Service.Capabilities = strings.Split(capsEnv, ",")
	}
}

// GenerateServiceID derives a unique, subject-safe id from the service type.
func GenerateServiceID(serviceType string) string {
	if serviceType == "" {
		serviceType = "agent"
	}
	return strings.ToLower(serviceType + "-" + ids.MessageID())
}
