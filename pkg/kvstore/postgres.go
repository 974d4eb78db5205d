package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Store backed by the kv_entries table. It is safe to share
// between processes.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM kv_entries WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO kv_entries (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	if prev == nil {
		tag, err := p.pool.Exec(ctx, `
			INSERT INTO kv_entries (key, value, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (key) DO NOTHING
		`, key, next)
		if err != nil {
			return false, fmt.Errorf("failed to insert %s: %w", key, err)
		}
		return tag.RowsAffected() == 1, nil
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE kv_entries SET value = $3, updated_at = NOW()
		WHERE key = $1 AND value = $2
	`, key, prev, next)
	if err != nil {
		return false, fmt.Errorf("failed to swap %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) CompareAndDelete(ctx context.Context, key string, prev []byte) (bool, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1 AND value = $2`, key, prev)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	rows, err := p.pool.Query(ctx, `
		SELECT key, value FROM kv_entries
		WHERE starts_with(key, $1::text)
		ORDER BY key COLLATE "C"
	`, prefix)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", prefix, err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.Key, &e.Value)
		return e, err
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", prefix, err)
	}
	return visit(ctx, entries, fn)
}

// Close is a no-op; the pool is owned by the caller.
func (p *Postgres) Close() error {
	return nil
}
