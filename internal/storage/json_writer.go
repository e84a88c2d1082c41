package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"shopcrawler/pkg/types"
)

// JSONWriter serialises records to a file, either as a single JSON array or
// as JSON Lines. It writes to a temp file in the target directory and
// renames into place on Close, so re-runs replace the output atomically and
// an interrupted run never leaves a truncated array behind.
type JSONWriter struct {
	path   string
	lines  bool
	file   *os.File
	buf    *bufio.Writer
	mu     sync.Mutex
	count  int
	closed bool
}

// NewJSONWriter opens a writer for the given path. format is "json" or
// "jsonl".
func NewJSONWriter(path, format string) (*JSONWriter, error) {
	switch format {
	case "json", "jsonl":
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}

	file, err := os.Create(path + ".tmp")
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}

	return &JSONWriter{
		path:  path,
		lines: format == "jsonl",
		file:  file,
		buf:   bufio.NewWriter(file),
	}, nil
}

// Write appends one record.
func (w *JSONWriter) Write(_ context.Context, record types.Product) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("write after close")
	}

	if w.lines {
		if _, err := w.buf.Write(append(encoded, '\n')); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
		w.count++
		return nil
	}

	prefix := "[\n"
	if w.count > 0 {
		prefix = ",\n"
	}
	if _, err := w.buf.WriteString(prefix); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if _, err := w.buf.Write(encoded); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	w.count++
	return nil
}

// Close finalises the output and moves it into place. A run that produced
// zero records still yields a valid empty document.
func (w *JSONWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if !w.lines {
		terminator := "\n]\n"
		if w.count == 0 {
			terminator = "[]\n"
		}
		if _, err := w.buf.WriteString(terminator); err != nil {
			return fmt.Errorf("finalise output: %w", err)
		}
	}

	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(w.path+".tmp", w.path); err != nil {
		return fmt.Errorf("move output into place: %w", err)
	}
	return nil
}

// Abort discards the temp file without touching any existing output at the
// target path.
func (w *JSONWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	_ = w.file.Close()
	if err := os.Remove(w.path + ".tmp"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp output: %w", err)
	}
	return nil
}

// Count reports how many records have been written.
func (w *JSONWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
