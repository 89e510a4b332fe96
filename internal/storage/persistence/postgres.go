package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"a2a/internal/storage"
	"a2a/pkg/codec"
	"a2a/pkg/glob"
)

// Postgres keeps one row per (namespace, key, version) in storage_values. The
// schema is created by migrations.RunPostgres.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Persist(ctx context.Context, v *storage.Value) (err error) {
	defer observe("postgres", "persist", time.Now(), &err)

	value, err := codec.Marshal(v.Value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	metadata, err := codec.Marshal(v.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	query := `
		INSERT INTO storage_values (namespace, key, version, value, metadata, ttl_ms, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (namespace, key, version) DO UPDATE
		SET value = EXCLUDED.value, metadata = EXCLUDED.metadata, ttl_ms = EXCLUDED.ttl_ms, updated_at = EXCLUDED.updated_at
	`
	_, err = p.db.ExecContext(ctx, query,
		v.Namespace, v.Key, v.Version,
		string(value), string(metadata), v.TTL.Milliseconds(),
		v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to persist value: %w", err)
	}
	return nil
}

func (p *Postgres) Retrieve(ctx context.Context, namespace, key string, version int64) (_ *storage.Value, err error) {
	defer observe("postgres", "retrieve", time.Now(), &err)

	query := `
		SELECT version, value, metadata, ttl_ms, created_at, updated_at
		FROM storage_values
		WHERE namespace = $1 AND key = $2 AND ($3 = 0 OR version = $3)
		ORDER BY version DESC
		LIMIT 1
	`
	row := p.db.QueryRowContext(ctx, query, namespace, key, version)

	v := storage.Value{Namespace: namespace, Key: key}
	var value, metadata []byte
	var ttl int64
	err = row.Scan(&v.Version, &value, &metadata, &ttl, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve value: %w", err)
	}

	if len(value) > 0 {
		if err := codec.Unmarshal(value, &v.Value); err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := codec.Unmarshal(metadata, &v.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	v.TTL = time.Duration(ttl) * time.Millisecond
	return &v, nil
}

func (p *Postgres) Delete(ctx context.Context, namespace, key string) (_ bool, err error) {
	defer observe("postgres", "delete", time.Now(), &err)

	res, err := p.db.ExecContext(ctx, `DELETE FROM storage_values WHERE namespace = $1 AND key = $2`, namespace, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete value: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *Postgres) List(ctx context.Context, namespace, pattern string) (_ []string, err error) {
	defer observe("postgres", "list", time.Now(), &err)

	query := `
		SELECT DISTINCT key
		FROM storage_values
		WHERE namespace = $1 AND key ~ $2
		ORDER BY key
	`
	rows, err := p.db.QueryContext(ctx, query, namespace, glob.ToRegexp(defaultPattern(pattern)))
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
