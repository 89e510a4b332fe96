package persistence

import (
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"a2a/internal/config"
	"a2a/internal/storage"
)

// Clients are the open database handles a backend may be built on.
type Clients struct {
	Redis    *redis.Client
	Postgres *sql.DB
	Mongo    *mongo.Database
}

// New builds the backend named by cfg.Type. It returns nil for "none".
func New(cfg config.PersistenceConfig, clients Clients, breaker config.CircuitBreakerConfig) (storage.Persistence, error) {
	var p storage.Persistence
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		p = NewMemory()
	case "redis":
		if clients.Redis == nil {
			return nil, fmt.Errorf("redis persistence requires a redis client")
		}
		p = NewRedis(clients.Redis)
	case "postgres":
		if clients.Postgres == nil {
			return nil, fmt.Errorf("postgres persistence requires a postgres connection")
		}
		p = NewPostgres(clients.Postgres)
	case "mongodb":
		if clients.Mongo == nil {
			return nil, fmt.Errorf("mongodb persistence requires a mongodb database")
		}
		p = NewMongo(clients.Mongo)
	default:
		return nil, fmt.Errorf("unsupported persistence type: %s", cfg.Type)
	}

	if cfg.CircuitBreaker && cfg.Type != "memory" {
		p = NewBreaker("storage-"+cfg.Type, p, breaker)
	}
	return p, nil
}
