package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Log stored in one PostgreSQL table.
type Postgres[T any] struct {
	pool  *pgxpool.Pool
	table string
	owned bool
}

// OpenPostgres connects to dsn and ensures table exists.
func OpenPostgres[T any](ctx context.Context, dsn, table string) (*Postgres[T], error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	p, err := NewPostgres[T](ctx, pool, table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	p.owned = true
	return p, nil
}

// NewPostgres uses an existing pool. The caller keeps ownership of pool.
func NewPostgres[T any](ctx context.Context, pool *pgxpool.Pool, table string) (*Postgres[T], error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	seq BIGSERIAL PRIMARY KEY,
	body TEXT NOT NULL
)`, table)
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Postgres[T]{pool: pool, table: table}, nil
}

// Append inserts item. The body is stored as TEXT, not JSONB, so the bytes
// read back are exactly the bytes written.
func (p *Postgres[T]) Append(ctx context.Context, item T) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if _, err := p.pool.Exec(ctx, "INSERT INTO "+p.table+" (body) VALUES ($1)", string(body)); err != nil {
		return fmt.Errorf("inserting into %s: %w", p.table, err)
	}
	return nil
}

// Load returns all rows ordered by sequence number.
func (p *Postgres[T]) Load(ctx context.Context) ([]T, error) {
	rows, err := p.pool.Query(ctx, "SELECT seq, body FROM "+p.table+" ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", p.table, err)
	}
	defer rows.Close()

	var items []T
	for rows.Next() {
		var (
			seq  int64
			body string
		)
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		item, err := decode[T]([]byte(body))
		if err != nil {
			return nil, &CorruptError{Index: len(items), Line: int(seq), Err: err}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Close releases the pool if OpenPostgres created it.
func (p *Postgres[T]) Close() error {
	if p.owned {
		p.pool.Close()
	}
	return nil
}
