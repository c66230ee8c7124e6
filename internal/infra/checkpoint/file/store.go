// Package file keeps the run checkpoint as a small JSON file. Writes go to a
// temporary file in the same directory which is synced and renamed over the
// artifact, so a crash leaves either the old checkpoint or the new one.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvester/internal/domain/grid"
)

var _ grid.CheckpointRepository = (*Store)(nil)

// Store is a grid.CheckpointRepository backed by one file.
type Store struct {
	path   string
	perm   os.FileMode
	tracer trace.Tracer
}

// New returns a store for path. The parent directory is created on first
// save.
func New(path string, tracer trace.Tracer) *Store {
	return &Store{path: path, perm: 0o644, tracer: tracer}
}

// Path is the artifact location.
func (s *Store) Path() string { return s.path }

// Load implements grid.CheckpointRepository.
func (s *Store) Load(ctx context.Context) (*grid.Checkpoint, error) {
	_, span := s.tracer.Start(ctx, "checkpoint_file.load", trace.WithAttributes(attribute.String("path", s.path)))
	defer span.End()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read checkpoint %s: %w", s.path, err)
	}

	cp := new(grid.Checkpoint)
	if err := json.Unmarshal(data, cp); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decode checkpoint %s: %w", s.path, err)
	}
	return cp, nil
}

// Save implements grid.CheckpointRepository.
func (s *Store) Save(ctx context.Context, cp *grid.Checkpoint) error {
	_, span := s.tracer.Start(ctx, "checkpoint_file.save",
		trace.WithAttributes(
			attribute.String("path", s.path),
			attribute.String("checkpoint", cp.Coordinate().String()),
		))
	defer span.End()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := s.writeAtomic(data); err != nil {
		span.RecordError(err)
		return fmt.Errorf("write checkpoint %s: %w", s.path, err)
	}
	return nil
}

// Delete implements grid.CheckpointRepository.
func (s *Store) Delete(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "checkpoint_file.delete", trace.WithAttributes(attribute.String("path", s.path)))
	defer span.End()

	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("remove checkpoint %s: %w", s.path, err)
	}
	return syncDir(filepath.Dir(s.path))
}

func (s *Store) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Chmod(s.perm); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return syncDir(dir)
}

// syncDir persists the directory entry after a rename or remove.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
