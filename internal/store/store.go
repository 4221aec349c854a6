// Package store persists append-only streams of JSON records.
//
// Every backend keeps the same shape: an ordered sequence of JSON objects,
// one per appended item, read back in append order. The JSONL backend is the
// canonical on-disk format; the SQLite and PostgreSQL backends store the very
// same JSON text in a body column so exports and verification behave
// identically regardless of where the stream lives.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// ErrCorrupt is wrapped by errors returned when a persisted item cannot be decoded.
var ErrCorrupt = errors.New("corrupt record")

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("log closed")

// Log is an append-only stream of items of type T.
type Log[T any] interface {
	// Append durably persists item. When it returns an error nothing was
	// committed: the stream is unchanged.
	Append(ctx context.Context, item T) error
	// Load returns every persisted item in append order.
	Load(ctx context.Context) ([]T, error)
	Close() error
}

// CorruptError identifies the position of an undecodable item.
type CorruptError struct {
	Index int // zero-based position among non-empty items
	Line  int // one-based line number (JSONL) or sequence number (SQL)
	Err   error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt record at line %d: %v", e.Line, e.Err)
}

func (e *CorruptError) Unwrap() []error { return []error{ErrCorrupt, e.Err} }

// decode unmarshals one persisted item. Numbers are kept as json.Number so
// free-form maps survive a round trip without float rounding.
func decode[T any](data []byte) (T, error) {
	var item T
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&item); err != nil {
		return item, err
	}
	if dec.More() {
		return item, errors.New("trailing data after JSON object")
	}
	return item, nil
}

var tableName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

func checkTable(name string) error {
	if !tableName.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}
