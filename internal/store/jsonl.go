package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/provtrail/provtrail/internal/safefile"
)

// maxLineBytes bounds a single persisted record.
const maxLineBytes = 16 << 20

// JSONLOptions configures a JSONL log.
type JSONLOptions struct {
	// NoSync skips the fsync after each append. Only for tests and
	// throwaway logs: without it a crash can lose acknowledged items.
	NoSync bool
	Logger *slog.Logger
}

// JSONL is a Log backed by a newline-delimited JSON file opened for append.
type JSONL[T any] struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	size   int64
	noSync bool
	logger *slog.Logger
}

// OpenJSONL opens (or creates) the JSONL file at path.
func OpenJSONL[T any](path string, opts JSONLOptions) (*JSONL[T], error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
	}
	if _, err := os.Lstat(path); err == nil {
		if err := safefile.RejectSymlink(path); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	size, err := repairTail(f, path, info.Size(), logger)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &JSONL[T]{
		path:   path,
		f:      f,
		size:   size,
		noSync: opts.NoSync,
		logger: logger,
	}, nil
}

// repairTail truncates an unterminated last line left by a write that never
// completed. Load already ignores such a fragment; without the repair the
// next append would land on the same line and corrupt it. It returns the
// file size after repair.
func repairTail(f *os.File, path string, size int64, logger *slog.Logger) (int64, error) {
	if size == 0 {
		return 0, nil
	}
	r, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer r.Close() //nolint:errcheck // read-only handle

	keep, err := lastLineEnd(r, size)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}
	if keep == size {
		return size, nil
	}
	if err := f.Truncate(keep); err != nil {
		return 0, fmt.Errorf("truncating torn tail of %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("syncing %s: %w", path, err)
	}
	logger.Warn("dropped unterminated trailing record", "path", path, "offset", keep, "bytes", size-keep)
	return keep, nil
}

// lastLineEnd returns the offset just past the last '\n' in the first size
// bytes of r, or 0 when there is none.
func lastLineEnd(r io.ReaderAt, size int64) (int64, error) {
	buf := make([]byte, 4096)
	end := size
	for end > 0 {
		start := max(end-int64(len(buf)), 0)
		chunk := buf[:end-start]
		if _, err := r.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

// Path returns the file backing the log.
func (l *JSONL[T]) Path() string { return l.path }

// Append writes item as one JSON line and syncs it to disk. On any failure
// the file is truncated back to its previous length so no partial line
// survives.
func (l *JSONL[T]) Append(_ context.Context, item T) error {
	line, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return ErrClosed
	}

	n, err := l.f.Write(line)
	if err == nil && n != len(line) {
		err = io.ErrShortWrite
	}
	if err == nil && !l.noSync {
		err = l.f.Sync()
	}
	if err != nil {
		l.rollback()
		return fmt.Errorf("writing %s: %w", l.path, err)
	}
	l.size += int64(n)
	return nil
}

func (l *JSONL[T]) rollback() {
	if terr := l.f.Truncate(l.size); terr != nil {
		l.logger.Error("truncating after failed append", "path", l.path, "error", terr)
	}
}

// Load reads the whole file in line order. Blank lines are skipped.
// It opens its own read handle, so it is safe to call while appends run; a
// line that is still being written is not yet newline-terminated and is
// ignored.
func (l *JSONL[T]) Load(ctx context.Context) ([]T, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening %s: %w", l.path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	return ReadJSONL[T](ctx, f)
}

// ReadJSONL decodes newline-delimited JSON from r. A trailing fragment
// without a newline is treated as an in-flight write and dropped.
func ReadJSONL[T any](ctx context.Context, r io.Reader) ([]T, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var items []T
	lineNo := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			raw, err = readLongLine(br, raw)
		}
		if errors.Is(err, io.EOF) {
			return items, nil
		}
		if err != nil {
			return nil, err
		}
		lineNo++

		trimmed := trimSpace(raw)
		if len(trimmed) == 0 {
			continue
		}
		item, derr := decode[T](trimmed)
		if derr != nil {
			return nil, &CorruptError{Index: len(items), Line: lineNo, Err: derr}
		}
		items = append(items, item)
	}
}

func readLongLine(br *bufio.Reader, prefix []byte) ([]byte, error) {
	buf := append([]byte(nil), prefix...)
	for {
		more, err := br.ReadSlice('\n')
		buf = append(buf, more...)
		if len(buf) > maxLineBytes {
			return nil, fmt.Errorf("line exceeds %d bytes", maxLineBytes)
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return buf, err
		}
	}
}

func trimSpace(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	return b
}

// Close closes the underlying file.
func (l *JSONL[T]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
