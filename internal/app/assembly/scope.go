package assembly

import (
	"sync"

	"github.com/ahrav/harvester/internal/domain/record"
)

// Scope is the per-task state of the assembler: the natural keys already
// emitted and the enrichment lookups already made. A new Scope is created
// for every task, so duplicates are only suppressed within one task; the
// store's unique key catches repeats across tasks and re-runs.
type Scope struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	enriched map[string]enrichment
}

type enrichment struct {
	values map[string]record.Value
	err    error
}

// NewScope returns an empty per-task scope.
func NewScope() *Scope {
	return &Scope{
		seen:     make(map[string]struct{}),
		enriched: make(map[string]enrichment),
	}
}

// MarkIfNew records key and reports whether it had not been seen before.
func (s *Scope) MarkIfNew(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// Seen is the number of distinct keys recorded.
func (s *Scope) Seen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *Scope) cached(key string) (enrichment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enriched[key]
	return e, ok
}

func (s *Scope) store(key string, e enrichment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enriched[key] = e
}
