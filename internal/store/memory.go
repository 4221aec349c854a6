package store

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is an in-process Log. Items are stored as their JSON encoding so
// Load returns fresh copies decoded the same way the file backends decode.
type Memory[T any] struct {
	mu       sync.Mutex
	lines    [][]byte
	failNext error
}

// NewMemory returns an empty in-memory log.
func NewMemory[T any]() *Memory[T] { return &Memory[T]{} }

// FailNext makes the next Append return err without storing anything.
func (m *Memory[T]) FailNext(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

func (m *Memory[T]) Append(_ context.Context, item T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		return err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	m.lines = append(m.lines, data)
	return nil
}

func (m *Memory[T]) Load(ctx context.Context) ([]T, error) {
	m.mu.Lock()
	lines := append([][]byte(nil), m.lines...)
	m.mu.Unlock()

	items := make([]T, 0, len(lines))
	for i, line := range lines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item, err := decode[T](line)
		if err != nil {
			return nil, &CorruptError{Index: i, Line: i + 1, Err: err}
		}
		items = append(items, item)
	}
	return items, nil
}

// Raw returns a copy of the stored JSON lines.
func (m *Memory[T]) Raw() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.lines))
	for i, l := range m.lines {
		out[i] = append([]byte(nil), l...)
	}
	return out
}

// SetRaw replaces the stored line at index i, for tamper simulations.
func (m *Memory[T]) SetRaw(i int, line []byte) {
	m.mu.Lock()
	m.lines[i] = append([]byte(nil), line...)
	m.mu.Unlock()
}

func (m *Memory[T]) Close() error { return nil }
