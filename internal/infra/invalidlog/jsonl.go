// Package invalidlog appends rejected records to a JSON Lines file so they
// can be inspected or replayed after a run.
package invalidlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ahrav/harvester/internal/app/harvest"
)

var _ harvest.InvalidLog = (*File)(nil)

// File is an append-only JSONL log. Each Write is one line, flushed to the
// OS before returning.
type File struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// Open opens path for appending, creating it and its directory if needed.
func Open(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create invalid log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open invalid log: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return &File{f: f, enc: enc, path: path}, nil
}

// Path is the file being written.
func (l *File) Path() string { return l.path }

// Write implements harvest.InvalidLog.
func (l *File) Write(_ context.Context, e harvest.InvalidEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.enc.Encode(e); err != nil {
		return fmt.Errorf("append invalid record: %w", err)
	}
	return nil
}

// Close syncs and closes the file.
func (l *File) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.f.Sync(); err != nil {
		_ = l.f.Close()
		return err
	}
	return l.f.Close()
}
