package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvester/internal/app/acquisition"
	"github.com/ahrav/harvester/internal/app/assembly"
	"github.com/ahrav/harvester/internal/domain/record"
)

// EnvelopeFetcher performs a fetch against the enveloped JSON API.
type EnvelopeFetcher interface {
	FetchEnvelope(ctx context.Context, req acquisition.Request) (*acquisition.Envelope, error)
}

// FieldMapping maps a dotted key of the detail payload to a record field.
type FieldMapping struct {
	Field string
	Key   string
}

// DetailConfig configures a DetailEnricher.
type DetailConfig struct {
	URL string
	// IDParam is the request body key carrying the enrichment key.
	IDParam string
	Fields  []FieldMapping
}

const DefaultIDParam = "id"

var _ assembly.Enricher = (*DetailEnricher)(nil)

// DetailEnricher is the second level of a list-then-detail harvest: it posts
// the id taken from a list item to a detail endpoint and maps the returned
// object to fields.
type DetailEnricher struct {
	cfg     DetailConfig
	fetcher EnvelopeFetcher
	tracer  trace.Tracer
}

// NewDetailEnricher validates cfg.
func NewDetailEnricher(cfg DetailConfig, fetcher EnvelopeFetcher, tracer trace.Tracer) (*DetailEnricher, error) {
	if cfg.URL == "" {
		return nil, errors.New("detail enricher needs a url")
	}
	if len(cfg.Fields) == 0 {
		return nil, errors.New("detail enricher needs at least one field")
	}
	if cfg.IDParam == "" {
		cfg.IDParam = DefaultIDParam
	}
	return &DetailEnricher{cfg: cfg, fetcher: fetcher, tracer: tracer}, nil
}

// Enrich implements assembly.Enricher.
func (e *DetailEnricher) Enrich(ctx context.Context, id string) (map[string]record.Value, error) {
	ctx, span := e.tracer.Start(ctx, "enrichment.detail",
		trace.WithAttributes(attribute.String("id", id)))
	defer span.End()

	env, err := e.fetcher.FetchEnvelope(ctx, acquisition.Request{
		Method:        http.MethodPost,
		URL:           e.cfg.URL,
		Body:          map[string]string{e.cfg.IDParam: id},
		Authenticated: true,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(env.Data))
	dec.UseNumber()
	var item map[string]any
	if err := dec.Decode(&item); err != nil || item == nil {
		return nil, fmt.Errorf("detail for %s is not an object", id)
	}

	out := make(map[string]record.Value, len(e.cfg.Fields))
	for _, m := range e.cfg.Fields {
		out[m.Field] = record.FromAny(record.Lookup(item, m.Key))
	}
	return out, nil
}
