package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"a2a/internal/storage"
	"a2a/pkg/codec"
	"a2a/pkg/glob"
	"a2a/pkg/migrations"
)

// valueDocument stores the value as encoded JSON so that arbitrary payloads
// round-trip without BSON type conversion.
type valueDocument struct {
	ID        string            `bson:"_id"`
	Namespace string            `bson:"namespace"`
	Key       string            `bson:"key"`
	Version   int64             `bson:"version"`
	Value     string            `bson:"value"`
	Metadata  map[string]string `bson:"metadata,omitempty"`
	TTLMillis int64             `bson:"ttl_ms"`
	CreatedAt time.Time         `bson:"created_at"`
	UpdatedAt time.Time         `bson:"updated_at"`
}

type Mongo struct {
	collection *mongo.Collection
}

func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{collection: db.Collection(migrations.StorageCollection)}
}

func documentID(namespace, key string, version int64) string {
	return fmt.Sprintf("%s/%s/%d", namespace, key, version)
}

func (m *Mongo) Persist(ctx context.Context, v *storage.Value) (err error) {
	defer observe("mongodb", "persist", time.Now(), &err)

	data, err := codec.Marshal(v.Value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	doc := valueDocument{
		ID:        documentID(v.Namespace, v.Key, v.Version),
		Namespace: v.Namespace,
		Key:       v.Key,
		Version:   v.Version,
		Value:     string(data),
		Metadata:  v.Metadata,
		TTLMillis: v.TTL.Milliseconds(),
		CreatedAt: v.CreatedAt,
		UpdatedAt: v.UpdatedAt,
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := m.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts); err != nil {
		return fmt.Errorf("failed to persist value: %w", err)
	}
	return nil
}

func (m *Mongo) Retrieve(ctx context.Context, namespace, key string, version int64) (_ *storage.Value, err error) {
	defer observe("mongodb", "retrieve", time.Now(), &err)

	filter := bson.M{"namespace": namespace, "key": key}
	if version != 0 {
		filter["version"] = version
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})

	var doc valueDocument
	err = m.collection.FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve value: %w", err)
	}

	v := &storage.Value{
		Namespace: doc.Namespace,
		Key:       doc.Key,
		Metadata:  doc.Metadata,
		Version:   doc.Version,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
		TTL:       time.Duration(doc.TTLMillis) * time.Millisecond,
	}
	if doc.Value != "" {
		if err := codec.Unmarshal([]byte(doc.Value), &v.Value); err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
	}
	return v, nil
}

func (m *Mongo) Delete(ctx context.Context, namespace, key string) (_ bool, err error) {
	defer observe("mongodb", "delete", time.Now(), &err)

	result, err := m.collection.DeleteMany(ctx, bson.M{"namespace": namespace, "key": key})
	if err != nil {
		return false, fmt.Errorf("failed to delete value: %w", err)
	}
	return result.DeletedCount > 0, nil
}

func (m *Mongo) List(ctx context.Context, namespace, pattern string) (_ []string, err error) {
	defer observe("mongodb", "list", time.Now(), &err)

	filter := bson.M{
		"namespace": namespace,
		"key":       bson.M{"$regex": glob.ToRegexp(defaultPattern(pattern))},
	}
	raw, err := m.collection.Distinct(ctx, "key", filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok {
			keys = append(keys, s)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
