// Package render is the harvest source for pages only a browser can draw.
// An external renderer returns, per page, one element stream per semantic
// role; the source rebuilds rows by aligning the secondary streams against
// the primary one by vertical position.
package render

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvester/internal/app/assembly"
	"github.com/ahrav/harvester/internal/app/harvest"
	"github.com/ahrav/harvester/internal/app/harvest/sources"
	"github.com/ahrav/harvester/internal/domain/alignment"
	"github.com/ahrav/harvester/internal/domain/grid"
	"github.com/ahrav/harvester/internal/domain/record"
	"github.com/ahrav/harvester/pkg/common/logger"
)

const DefaultMaxPages = 30

// Snapshot is what the renderer extracted from one page.
type Snapshot struct {
	Streams map[string][]alignment.Element
	HasMore bool
}

// Renderer draws page n of query and extracts its element streams.
type Renderer interface {
	Render(ctx context.Context, query string, page int) (*Snapshot, error)
}

// Role maps a renderer stream onto a record field.
type Role struct {
	Role  string
	Field string
}

// Config describes what to render and how to read it.
type Config struct {
	// Query is a text/template over the task labels.
	Query    string
	Primary  Role
	Roles    []Role
	LinkRole string
	MaxPages int
	Aligner  alignment.Aligner
}

var _ harvest.Source = (*Source)(nil)

// Source acquires a task by paging the renderer until the list stops
// changing, runs out, or hits the page cap.
type Source struct {
	cfg    Config
	query  *sources.Query
	r      Renderer
	logger *logger.Logger
	tracer trace.Tracer
}

// New validates cfg. The aligner defaults to alignment.Greedy.
func New(cfg Config, r Renderer, logger *logger.Logger, tracer trace.Tracer) (*Source, error) {
	if cfg.Primary.Role == "" || cfg.Primary.Field == "" {
		return nil, errors.New("render source: primary role and field are required")
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.Aligner == nil {
		cfg.Aligner = alignment.Greedy{}
	}
	q, err := sources.ParseQuery("query", cfg.Query)
	if err != nil {
		return nil, err
	}
	return &Source{cfg: cfg, query: q, r: r, logger: logger, tracer: tracer}, nil
}

// Name implements harvest.Source.
func (s *Source) Name() string { return "render" }

// Fields returns the record fields the source emits, primary first.
func (s *Source) Fields() []string {
	out := []string{s.cfg.Primary.Field}
	for _, r := range s.cfg.Roles {
		out = append(out, r.Field)
	}
	return out
}

// Acquire implements harvest.Source.
func (s *Source) Acquire(ctx context.Context, task grid.Task, yield harvest.PageFunc) error {
	query, err := s.query.Render(task)
	if err != nil {
		return err
	}

	var previous []string
	for page := 1; page <= s.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		snap, err := s.render(ctx, task, query, page)
		if err != nil {
			return fmt.Errorf("task %s page %d: %w", task, page, err)
		}

		primary := snap.Streams[s.cfg.Primary.Role]
		if len(primary) == 0 {
			s.logger.Debug(ctx, "no primary elements", "task", task.String(), "page", page)
			return nil
		}

		texts := primaryTexts(primary)
		if previous != nil && slices.Equal(texts, previous) {
			s.logger.Debug(ctx, "page stabilized", "task", task.String(), "page", page)
			return nil
		}
		previous = texts

		if err := yield(ctx, harvest.Page{
			Number:    page,
			Fragments: s.assemble(snap),
			FetchedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}

		if !snap.HasMore {
			return nil
		}
	}

	s.logger.Info(ctx, "page cap reached", "task", task.String(), "max_pages", s.cfg.MaxPages)
	return nil
}

func (s *Source) render(ctx context.Context, task grid.Task, query string, page int) (*Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "render.page",
		trace.WithAttributes(
			attribute.String("task", task.String()),
			attribute.Int("page", page),
		))
	defer span.End()

	snap, err := s.r.Render(ctx, query, page)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("primary_elements", len(snap.Streams[s.cfg.Primary.Role])))
	return snap, nil
}

// assemble aligns every secondary role, and the link role if configured,
// against the primary stream. Roles absent from the snapshot resolve to
// Missing for every row.
func (s *Source) assemble(snap *Snapshot) []assembly.Fragment {
	primary := alignment.Stream{Role: s.cfg.Primary.Role, Elements: snap.Streams[s.cfg.Primary.Role]}

	roles := s.cfg.Roles
	if s.cfg.LinkRole != "" {
		roles = append(slices.Clone(roles), Role{Role: s.cfg.LinkRole})
	}
	secondaries := make([]alignment.Stream, len(roles))
	for i, r := range roles {
		secondaries[i] = alignment.Stream{Role: r.Role, Elements: snap.Streams[r.Role]}
	}

	pairs := alignment.Align(s.cfg.Aligner, primary, secondaries...)
	resolved := make([][]record.Value, len(roles))
	for i := range roles {
		resolved[i] = alignment.Resolve(secondaries[i].Elements, pairs[i])
	}

	frags := make([]assembly.Fragment, len(primary.Elements))
	for row, el := range primary.Elements {
		fields := make(map[string]record.Value, len(roles)+1)
		fields[s.cfg.Primary.Field] = record.NormalizedValue(el.Text)
		for i, r := range roles {
			if r.Field == "" {
				continue
			}
			fields[r.Field] = resolved[i][row]
		}
		frags[row] = assembly.Fragment{Fields: fields}
		if s.cfg.LinkRole != "" {
			if link := resolved[len(roles)-1][row]; !link.IsMissing() {
				frags[row].EnrichmentKey = link.Text()
			}
		}
	}
	return frags
}

func primaryTexts(els []alignment.Element) []string {
	out := make([]string, len(els))
	for i, el := range els {
		out[i] = record.Normalize(el.Text)
	}
	return out
}
