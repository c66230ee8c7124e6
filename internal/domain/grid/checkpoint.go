package grid

import (
	"context"
	"encoding/json"
	"time"
)

// Checkpoint records the last fully completed task of a run. Its presence
// means "resume after this coordinate"; its absence means "start from zero".
type Checkpoint struct {
	coord     Coordinate
	updatedAt time.Time
}

// NewCheckpoint creates a checkpoint for the given completed coordinate.
func NewCheckpoint(c Coordinate) *Checkpoint {
	return &Checkpoint{coord: c, updatedAt: time.Now()}
}

// ReconstructCheckpoint rebuilds a checkpoint from storage without touching
// its timestamp.
func ReconstructCheckpoint(c Coordinate, updatedAt time.Time) *Checkpoint {
	return &Checkpoint{coord: c, updatedAt: updatedAt}
}

// Getters for Checkpoint.
func (c *Checkpoint) Coordinate() Coordinate { return c.coord }
func (c *Checkpoint) UpdatedAt() time.Time   { return c.updatedAt }

// checkpointJSON is the on-disk artifact. Only the two indices are required;
// updated_at is informational.
type checkpointJSON struct {
	Dim1      int        `json:"dim1_index"`
	Dim2      int        `json:"dim2_index"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// MarshalJSON serializes the checkpoint artifact.
func (c *Checkpoint) MarshalJSON() ([]byte, error) {
	aux := checkpointJSON{Dim1: c.coord.Dim1, Dim2: c.coord.Dim2}
	if !c.updatedAt.IsZero() {
		ts := c.updatedAt.UTC()
		aux.UpdatedAt = &ts
	}
	return json.Marshal(aux)
}

// UnmarshalJSON deserializes the checkpoint artifact.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var aux checkpointJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.coord = Coordinate{Dim1: aux.Dim1, Dim2: aux.Dim2}
	c.updatedAt = time.Time{}
	if aux.UpdatedAt != nil {
		c.updatedAt = *aux.UpdatedAt
	}
	return nil
}

// CheckpointRepository persists the single cursor of a run.
type CheckpointRepository interface {
	// Load returns the stored checkpoint, or nil when none exists.
	Load(ctx context.Context) (*Checkpoint, error)
	// Save replaces the stored checkpoint atomically.
	Save(ctx context.Context, cp *Checkpoint) error
	// Delete removes the checkpoint. Deleting a missing checkpoint is not an
	// error.
	Delete(ctx context.Context) error
}
