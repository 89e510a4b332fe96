package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"a2a/internal/constants"
	"a2a/internal/storage"
	"a2a/pkg/codec"
	"a2a/pkg/glob"
)

const latestField = "latest"

// Redis stores each key as a hash of version -> encoded value plus a "latest"
// pointer, and indexes the keys of a namespace in a set.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: constants.RedisKeyPrefixStorage}
}

func (r *Redis) valueKey(namespace, key string) string {
	return r.prefix + "value:" + namespace + ":" + key
}

func (r *Redis) indexKey(namespace string) string {
	return r.prefix + "index:" + namespace
}

func versionField(version int64) string {
	return "v" + strconv.FormatInt(version, 10)
}

func (r *Redis) Persist(ctx context.Context, v *storage.Value) (err error) {
	defer observe("redis", "persist", time.Now(), &err)

	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.valueKey(v.Namespace, v.Key), versionField(v.Version), data, latestField, v.Version)
		pipe.SAdd(ctx, r.indexKey(v.Namespace), v.Key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis persist failed: %w", err)
	}
	return nil
}

func (r *Redis) Retrieve(ctx context.Context, namespace, key string, version int64) (_ *storage.Value, err error) {
	defer observe("redis", "retrieve", time.Now(), &err)

	hash := r.valueKey(namespace, key)
	if version == 0 {
		latest, err := r.client.HGet(ctx, hash, latestField).Int64()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("redis HGET failed: %w", err)
		}
		version = latest
	}

	data, err := r.client.HGet(ctx, hash, versionField(version)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET failed: %w", err)
	}

	var v storage.Value
	if err := codec.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return &v, nil
}

func (r *Redis) Delete(ctx context.Context, namespace, key string) (_ bool, err error) {
	defer observe("redis", "delete", time.Now(), &err)

	var del *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.valueKey(namespace, key))
		pipe.SRem(ctx, r.indexKey(namespace), key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete failed: %w", err)
	}
	return del.Val() > 0, nil
}

func (r *Redis) List(ctx context.Context, namespace, pattern string) (_ []string, err error) {
	defer observe("redis", "list", time.Now(), &err)

	re, err := glob.Compile(defaultPattern(pattern))
	if err != nil {
		return nil, err
	}
	members, err := r.client.SMembers(ctx, r.indexKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS failed: %w", err)
	}

	keys := members[:0]
	for _, key := range members {
		if re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
