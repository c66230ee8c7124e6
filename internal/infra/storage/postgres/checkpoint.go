package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvester/internal/domain/grid"
	"github.com/ahrav/harvester/internal/infra/storage"
)

var _ grid.CheckpointRepository = (*checkpointStore)(nil)

// checkpointStore keeps one checkpoint row per named harvest, so several
// harvests can share a database.
type checkpointStore struct {
	pool   *pgxpool.Pool
	name   string
	tracer trace.Tracer
}

// NewCheckpointStore creates a checkpoint store for the harvest called name.
func NewCheckpointStore(pool *pgxpool.Pool, name string, tracer trace.Tracer) *checkpointStore {
	return &checkpointStore{pool: pool, name: name, tracer: tracer}
}

func (p *checkpointStore) attrs(extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := append([]attribute.KeyValue{attribute.String("harvest", p.name)}, storage.DefaultDBAttributes...)
	return append(attrs, extra...)
}

// Load implements grid.CheckpointRepository. A missing row means no
// checkpoint.
func (p *checkpointStore) Load(ctx context.Context) (*grid.Checkpoint, error) {
	var cp *grid.Checkpoint
	err := storage.ExecuteAndTrace(ctx, p.tracer, "postgres.load_checkpoint", p.attrs(), func(ctx context.Context) error {
		var (
			c         grid.Coordinate
			updatedAt time.Time
		)
		err := p.pool.QueryRow(ctx,
			`SELECT dim1_index, dim2_index, updated_at FROM harvest_checkpoints WHERE name = $1`,
			p.name,
		).Scan(&c.Dim1, &c.Dim2, &updatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		cp = grid.ReconstructCheckpoint(c, updatedAt)
		return nil
	})
	return cp, err
}

// Save implements grid.CheckpointRepository.
func (p *checkpointStore) Save(ctx context.Context, cp *grid.Checkpoint) error {
	c := cp.Coordinate()
	attrs := p.attrs(attribute.String("checkpoint", c.String()))
	return storage.ExecuteAndTrace(ctx, p.tracer, "postgres.save_checkpoint", attrs, func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO harvest_checkpoints (name, dim1_index, dim2_index, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (name) DO UPDATE
			SET dim1_index = EXCLUDED.dim1_index,
			    dim2_index = EXCLUDED.dim2_index,
			    updated_at = EXCLUDED.updated_at`,
			p.name, c.Dim1, c.Dim2, cp.UpdatedAt().UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		return nil
	})
}

// Delete implements grid.CheckpointRepository. Deleting a missing
// checkpoint is not an error.
func (p *checkpointStore) Delete(ctx context.Context) error {
	return storage.ExecuteAndTrace(ctx, p.tracer, "postgres.delete_checkpoint", p.attrs(), func(ctx context.Context) error {
		if _, err := p.pool.Exec(ctx, `DELETE FROM harvest_checkpoints WHERE name = $1`, p.name); err != nil {
			return fmt.Errorf("failed to delete checkpoint: %w", err)
		}
		return nil
	})
}
