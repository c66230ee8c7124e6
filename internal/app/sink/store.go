package sink

import (
	"context"
	"fmt"

	"github.com/ahrav/harvester/internal/domain/record"
)

// DocumentStore persists documents in unordered bulk writes. A document
// whose store key already exists is a duplicate, not a failure, which makes
// re-acquiring a task idempotent. Per-document failures are reported in the
// result and never stop the rest of the batch. A non-nil error means the
// whole batch failed (connection lost, broker down) and nothing can be
// assumed written.
type DocumentStore interface {
	InsertMany(ctx context.Context, docs []record.Document) (InsertResult, error)
}

// InsertResult is the outcome of one bulk write.
type InsertResult struct {
	Inserted   int
	Duplicates int
	Failed     []DocumentFailure
}

// Add merges o into r.
func (r *InsertResult) Add(o InsertResult) {
	r.Inserted += o.Inserted
	r.Duplicates += o.Duplicates
	r.Failed = append(r.Failed, o.Failed...)
}

// DocumentFailure names a document the store rejected.
type DocumentFailure struct {
	Key string
	Err error
}

func (f DocumentFailure) Error() string { return fmt.Sprintf("document %s: %v", f.Key, f.Err) }
