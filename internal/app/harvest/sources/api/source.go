// Package api is the harvest source for a paged JSON list endpoint. Each
// task posts the templated filter page by page until the endpoint returns
// no records or the page cap is reached.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvester/internal/app/acquisition"
	"github.com/ahrav/harvester/internal/app/assembly"
	"github.com/ahrav/harvester/internal/app/harvest"
	"github.com/ahrav/harvester/internal/app/harvest/sources"
	"github.com/ahrav/harvester/internal/domain/grid"
	"github.com/ahrav/harvester/internal/domain/record"
	"github.com/ahrav/harvester/pkg/common/logger"
)

const (
	DefaultPageSize = 20
	DefaultMaxPages = 30
	DefaultIDKey    = "id"
)

// Fetcher performs one enveloped request. *acquisition.Client satisfies it.
type Fetcher interface {
	FetchEnvelope(ctx context.Context, req acquisition.Request) (*acquisition.Envelope, error)
}

// FieldMapping copies the upstream key Key (dot separated for nested
// objects) into record field Field.
type FieldMapping struct {
	Field string
	Key   string
}

// Config describes the list endpoint.
type Config struct {
	URL string
	// Filter is a text/template producing the JSON condition for a task.
	Filter      string
	LeadsFilter string
	ClickPath   string
	PageSize    int
	MaxPages    int
	// IDKey is the upstream key holding the record's stable id. Items
	// without it are invalid.
	IDKey  string
	Fields []FieldMapping
}

type listRequest struct {
	Condition   string `json:"condition"`
	LeadsFilter string `json:"leadsFilter,omitempty"`
	PageIndex   int    `json:"pageIndex"`
	PageSize    int    `json:"pageSize"`
	ClickPath   string `json:"clickPath,omitempty"`
}

type listData struct {
	Records []json.RawMessage `json:"records"`
}

var _ harvest.Source = (*Source)(nil)

// Source pages through the list endpoint for each task.
type Source struct {
	cfg     Config
	filter  *sources.Query
	fetcher Fetcher
	logger  *logger.Logger
	tracer  trace.Tracer
}

// New validates cfg and compiles its filter template.
func New(cfg Config, fetcher Fetcher, logger *logger.Logger, tracer trace.Tracer) (*Source, error) {
	if cfg.URL == "" {
		return nil, errors.New("api source: url is required")
	}
	if len(cfg.Fields) == 0 {
		return nil, errors.New("api source: at least one field mapping is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.IDKey == "" {
		cfg.IDKey = DefaultIDKey
	}

	filter, err := sources.ParseQuery("filter", cfg.Filter)
	if err != nil {
		return nil, err
	}
	return &Source{cfg: cfg, filter: filter, fetcher: fetcher, logger: logger, tracer: tracer}, nil
}

// Name implements harvest.Source.
func (s *Source) Name() string { return "api" }

// Fields returns the record fields the source emits, in mapping order.
func (s *Source) Fields() []string {
	out := make([]string, len(s.cfg.Fields))
	for i, m := range s.cfg.Fields {
		out[i] = m.Field
	}
	return out
}

// Acquire implements harvest.Source. Pages are numbered from 1 as the
// endpoint expects.
func (s *Source) Acquire(ctx context.Context, task grid.Task, yield harvest.PageFunc) error {
	condition, err := s.filter.RenderJSON(task)
	if err != nil {
		return err
	}

	for page := 1; page <= s.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		records, err := s.fetchPage(ctx, task, condition, page)
		if err != nil {
			return fmt.Errorf("task %s page %d: %w", task, page, err)
		}
		if len(records) == 0 {
			s.logger.Debug(ctx, "no more records", "task", task.String(), "page", page)
			return nil
		}

		p := harvest.Page{Number: page, FetchedAt: time.Now().UTC()}
		for _, raw := range records {
			frag, item, ok := s.mapRecord(raw)
			if !ok {
				p.Invalid = append(p.Invalid, item)
				continue
			}
			p.Fragments = append(p.Fragments, frag)
		}

		if err := yield(ctx, p); err != nil {
			return err
		}
	}

	s.logger.Info(ctx, "page cap reached", "task", task.String(), "max_pages", s.cfg.MaxPages)
	return nil
}

func (s *Source) fetchPage(ctx context.Context, task grid.Task, condition string, page int) ([]json.RawMessage, error) {
	ctx, span := s.tracer.Start(ctx, "api.fetch_page",
		trace.WithAttributes(
			attribute.String("task", task.String()),
			attribute.Int("page", page),
		))
	defer span.End()

	env, err := s.fetcher.FetchEnvelope(ctx, acquisition.Request{
		Method: http.MethodPost,
		URL:    s.cfg.URL,
		Body: listRequest{
			Condition:   condition,
			LeadsFilter: s.cfg.LeadsFilter,
			PageIndex:   page,
			PageSize:    s.cfg.PageSize,
			ClickPath:   s.cfg.ClickPath,
		},
		Authenticated: true,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var data listData
	if err := env.Decode(&data); err != nil {
		// A data payload that is not an object carries no records.
		s.logger.Warn(ctx, "unexpected data payload", "task", task.String(), "page", page, "error", err)
		return nil, nil
	}
	span.SetAttributes(attribute.Int("records", len(data.Records)))
	return data.Records, nil
}

// mapRecord turns one upstream item into a fragment. Items that are not
// objects or lack the id key are returned as invalid.
func (s *Source) mapRecord(raw json.RawMessage) (assembly.Fragment, harvest.InvalidItem, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var item map[string]any
	if err := dec.Decode(&item); err != nil || item == nil {
		return assembly.Fragment{}, harvest.InvalidItem{Reason: "not an object", Raw: string(raw)}, false
	}

	id := record.FromAny(record.Lookup(item, s.cfg.IDKey))
	if id.IsMissing() {
		return assembly.Fragment{}, harvest.InvalidItem{Reason: "missing " + s.cfg.IDKey, Raw: item}, false
	}

	fields := make(map[string]record.Value, len(s.cfg.Fields))
	for _, m := range s.cfg.Fields {
		fields[m.Field] = record.FromAny(record.Lookup(item, m.Key))
	}
	return assembly.Fragment{Fields: fields, EnrichmentKey: id.Text()}, harvest.InvalidItem{}, true
}
