package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLite is a Log stored in one table of a SQLite database. Each row holds
// the item's JSON encoding; the autoincrement key preserves append order.
type SQLite[T any] struct {
	mu    sync.Mutex
	db    *sql.DB
	table string
	owned bool
}

// OpenSQLite opens (or creates) the database at path and ensures table exists.
func OpenSQLite[T any](path, table string) (*SQLite[T], error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("setting WAL mode: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s, err := NewSQLite[T](db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLite wraps an already open database. The caller keeps ownership of db.
func NewSQLite[T any](db *sql.DB, table string) (*SQLite[T], error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	body TEXT NOT NULL
)`, table)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLite[T]{db: db, table: table}, nil
}

// Append inserts item in its own transaction.
func (s *SQLite[T]) Append(ctx context.Context, item T) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, "INSERT INTO "+s.table+" (body) VALUES (?)", string(body)); err != nil {
		return fmt.Errorf("inserting into %s: %w", s.table, err)
	}
	return nil
}

// Load returns all rows ordered by sequence number.
func (s *SQLite[T]) Load(ctx context.Context) ([]T, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, ErrClosed
	}

	rows, err := db.QueryContext(ctx, "SELECT seq, body FROM "+s.table+" ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", s.table, err)
	}
	defer func() { _ = rows.Close() }()

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

// Close closes the database if it was opened by OpenSQLite.
func (s *SQLite[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	var err error
	if s.owned {
		err = s.db.Close()
	}
	s.db = nil
	return err
}
