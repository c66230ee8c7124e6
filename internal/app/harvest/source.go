package harvest

import (
	"context"
	"time"

	"github.com/ahrav/harvester/internal/app/assembly"
	"github.com/ahrav/harvester/internal/domain/grid"
)

// Page is one unit of acquired content: the fragments extracted from a
// single list page or API page.
type Page struct {
	Number    int
	Fragments []assembly.Fragment
	// Invalid holds raw items the source could not turn into fragments,
	// such as API records without an id.
	Invalid   []InvalidItem
	FetchedAt time.Time
}

// InvalidItem is a raw item rejected before assembly.
type InvalidItem struct {
	Reason string
	Raw    any
}

// PageFunc receives pages in order. Returning an error stops the source.
type PageFunc func(ctx context.Context, page Page) error

// Source acquires the content of one grid task and hands it over page by
// page. Implementations bound their own paging and must return promptly
// once ctx is done.
type Source interface {
	Name() string
	Acquire(ctx context.Context, task grid.Task, yield PageFunc) error
}

// InvalidEntry is what the invalid-record log stores.
type InvalidEntry struct {
	RunID     string    `json:"run_id"`
	Source    string    `json:"source"`
	Dim1      string    `json:"dim1"`
	Dim2      string    `json:"dim2"`
	Page      int       `json:"page"`
	Reason    string    `json:"reason"`
	Raw       any       `json:"raw"`
	Timestamp time.Time `json:"timestamp"`
}

// InvalidLog is the side log for records rejected for lacking a natural key.
type InvalidLog interface {
	Write(ctx context.Context, e InvalidEntry) error
}
