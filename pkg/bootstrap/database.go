package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"a2a/internal/config"
	"a2a/internal/constants"
	"a2a/internal/logger"
	"a2a/pkg/migrations"
)

type DatabaseConnector struct {
	Config config.DatabaseConfig
	Logger logger.Logger
}

func NewDatabaseConnector(cfg config.DatabaseConfig, log logger.Logger) *DatabaseConnector {
	return &DatabaseConnector{
		Config: cfg,
		Logger: log,
	}
}

// Connections holds whichever database handles were opened.
type Connections struct {
	Redis    *redis.Client
	Postgres *sql.DB
	Mongo    *mongo.Client
	MongoDB  *mongo.Database
}

// Connect opens the database a persistence backend of the given type needs.
// "memory", "none" and "" need nothing and return empty Connections.
func (dc *DatabaseConnector) Connect(ctx context.Context, persistenceType string) (*Connections, error) {
	conns := &Connections{}
	var err error
	switch persistenceType {
	case "redis":
		conns.Redis, err = dc.InitRedis(ctx)
	case "postgres":
		conns.Postgres, err = dc.InitPostgreSQL(ctx)
		if err == nil && conns.Postgres == nil {
			err = fmt.Errorf("postgres persistence requires database.postgres.host")
		}
	case "mongodb":
		conns.Mongo, err = dc.InitMongoDB(ctx)
		if err == nil && conns.Mongo == nil {
			err = fmt.Errorf("mongodb persistence requires database.mongodb.uri")
		}
		if err == nil {
			name := dc.Config.MongoDB.Database
			if name == "" {
				name = constants.DefaultMongoDBName
			}
			conns.MongoDB = conns.Mongo.Database(name)
		}
	}
	if err != nil {
		dc.ShutdownDatabases(ctx, conns)
		return nil, err
	}

	if dc.Config.RunMigrations {
		if err := dc.migrate(ctx, conns); err != nil {
			dc.ShutdownDatabases(ctx, conns)
			return nil, err
		}
	}
	return conns, nil
}

func (dc *DatabaseConnector) migrate(ctx context.Context, conns *Connections) error {
	if conns.Postgres != nil {
		if err := migrations.RunPostgres(conns.Postgres); err != nil {
			return fmt.Errorf("failed to run postgres migrations: %w", err)
		}
		dc.Logger.Info("PostgreSQL migrations applied")
	}
	if conns.MongoDB != nil {
		if err := migrations.EnsureMongoCollection(ctx, conns.MongoDB); err != nil {
			return fmt.Errorf("failed to prepare mongodb collection: %w", err)
		}
		dc.Logger.Info("MongoDB indexes ensured")
	}
	return nil
}

func (dc *DatabaseConnector) InitRedis(ctx context.Context) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", dc.Config.Redis.Host, dc.Config.Redis.Port),
		Password: dc.Config.Redis.Password,
		DB:       dc.Config.Redis.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	dc.Logger.Info("Redis connected successfully")
	return rdb, nil
}

func (dc *DatabaseConnector) InitPostgreSQL(ctx context.Context) (*sql.DB, error) {
	if dc.Config.Postgres.Host == "" {
		return nil, nil // PostgreSQL is optional
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		dc.Config.Postgres.User,
		dc.Config.Postgres.Password,
		dc.Config.Postgres.Host,
		dc.Config.Postgres.Port,
		dc.Config.Postgres.DBName,
		dc.Config.Postgres.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dc.Logger.Info("PostgreSQL connected successfully")
	return db, nil
}

func (dc *DatabaseConnector) InitMongoDB(ctx context.Context) (*mongo.Client, error) {
	if dc.Config.MongoDB.URI == "" {
		return nil, nil // MongoDB is optional
	}

	mongoOpts := options.Client().ApplyURI(dc.Config.MongoDB.URI)
	mongoClient, err := mongo.Connect(ctx, mongoOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := mongoClient.Ping(ctx, nil); err != nil {
		mongoClient.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dc.Logger.Info("MongoDB connected successfully")
	return mongoClient, nil
}

func (dc *DatabaseConnector) ShutdownDatabases(ctx context.Context, conns *Connections) []error {
	var errs []error
	if conns == nil {
		return errs
	}

	if conns.Redis != nil {
		if err := conns.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if conns.Postgres != nil {
		if err := conns.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close error: %w", err))
		}
	}

	if conns.Mongo != nil {
		if err := conns.Mongo.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongodb disconnect error: %w", err))
		}
	}

	return errs
}
