package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const StorageCollection = "storage_values"

// EnsureMongoCollection creates the indexes the storage adapter queries by.
// The collection itself is created on first insert.
func EnsureMongoCollection(ctx context.Context, db *mongo.Database) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "namespace", Value: 1}, {Key: "key", Value: 1}, {Key: "version", Value: -1}},
			Options: options.Index().SetName("idx_storage_values_ns_key_version").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "namespace", Value: 1}, {Key: "updated_at", Value: -1}},
			Options: options.Index().SetName("idx_storage_values_ns_updated_at"),
		},
	}

	_, err := db.Collection(StorageCollection).Indexes().CreateMany(ctx, indexes)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}
