// Package memory provides in-memory document and checkpoint stores for
// tests and dry runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ahrav/harvester/internal/app/sink"
	"github.com/ahrav/harvester/internal/domain/record"
)

var _ sink.DocumentStore = (*DocumentStore)(nil)

// DocumentStore keeps documents in a map keyed by store key. Inserting a
// key twice is a duplicate, matching the unique index of the real stores.
type DocumentStore struct {
	mu      sync.Mutex
	docs    map[string]record.Document
	order   []string
	batches []int
}

// NewDocumentStore creates an empty store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[string]record.Document)}
}

// InsertMany implements sink.DocumentStore.
func (s *DocumentStore) InsertMany(ctx context.Context, docs []record.Document) (sink.InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return sink.InsertResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches = append(s.batches, len(docs))
	var res sink.InsertResult
	for _, d := range docs {
		k := d.StoreKey()
		if _, ok := s.docs[k]; ok {
			res.Duplicates++
			continue
		}
		s.docs[k] = d
		s.order = append(s.order, k)
		res.Inserted++
	}
	return res, nil
}

// Documents returns the stored documents in insertion order.
func (s *DocumentStore) Documents() []record.Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]record.Document, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.docs[k])
	}
	return out
}

// Keys returns the natural keys of stored documents, sorted.
func (s *DocumentStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.docs))
	for _, d := range s.docs {
		keys = append(keys, d.Key)
	}
	sort.Strings(keys)
	return keys
}

// Len is the number of stored documents.
func (s *DocumentStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// Batches returns the size of every InsertMany call so far.
func (s *DocumentStore) Batches() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.batches...)
}
