package memory

import (
	"context"
	"sync"

	"github.com/ahrav/harvester/internal/domain/grid"
)

var _ grid.CheckpointRepository = (*CheckpointStore)(nil)

// CheckpointOp is one recorded write against a CheckpointStore.
type CheckpointOp struct {
	Delete     bool
	Coordinate grid.Coordinate
}

// CheckpointStore holds a single checkpoint and remembers every write, so
// tests can assert on the exact cursor protocol.
type CheckpointStore struct {
	mu      sync.Mutex
	cp      *grid.Checkpoint
	history []CheckpointOp
}

// NewCheckpointStore creates an empty store.
func NewCheckpointStore() *CheckpointStore { return new(CheckpointStore) }

// NewCheckpointStoreAt creates a store already holding c, as if a previous
// run stopped after completing c.
func NewCheckpointStoreAt(c grid.Coordinate) *CheckpointStore {
	return &CheckpointStore{cp: grid.NewCheckpoint(c)}
}

// Load implements grid.CheckpointRepository.
func (s *CheckpointStore) Load(_ context.Context) (*grid.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cp == nil {
		return nil, nil
	}
	return grid.ReconstructCheckpoint(s.cp.Coordinate(), s.cp.UpdatedAt()), nil
}

// Save implements grid.CheckpointRepository.
func (s *CheckpointStore) Save(_ context.Context, cp *grid.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cp = grid.ReconstructCheckpoint(cp.Coordinate(), cp.UpdatedAt())
	s.history = append(s.history, CheckpointOp{Coordinate: cp.Coordinate()})
	return nil
}

// Delete implements grid.CheckpointRepository.
func (s *CheckpointStore) Delete(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cp = nil
	s.history = append(s.history, CheckpointOp{Delete: true})
	return nil
}

// History returns every write made so far.
func (s *CheckpointStore) History() []CheckpointOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CheckpointOp(nil), s.history...)
}
