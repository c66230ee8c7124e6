// Package assembly merges aligned fragments and out-of-band enrichment into
// canonical records.
package assembly

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvester/internal/domain/record"
	"github.com/ahrav/harvester/pkg/common/logger"
)

// Enricher resolves an identifier, typically a profile link or a company id,
// into extra field values fetched from a separate endpoint. A field the
// target does not carry comes back Missing.
type Enricher interface {
	Enrich(ctx context.Context, key string) (map[string]record.Value, error)
}

// Schema names the fields of the records an assembler produces.
type Schema struct {
	// Fields is the full output field list, in order.
	Fields []string
	// PrimaryField holds the primary role's text; it is the dedup fallback.
	PrimaryField string
	// EnrichedFields are the fields an Enricher may supply.
	EnrichedFields []string
}

// Fragment is everything known about one primary element before
// enrichment: the in-page value per field and the enrichment key, if any.
type Fragment struct {
	Fields        map[string]record.Value
	EnrichmentKey string
}

// Assembled is one emitted record with its natural key.
type Assembled struct {
	Key    string
	Record record.Record
}

// Result summarizes one Assemble call.
type Result struct {
	Records []Assembled
	// Duplicates were dropped because their key was already seen in scope.
	Duplicates int
	// Rejected fragments had neither an enrichment key nor primary text.
	Rejected []Fragment
	// EnrichFailures counts lookups that failed; their fields fell back.
	EnrichFailures int
}

// Assembler turns fragments into records. Field precedence, applied per
// field: a non-missing enrichment value, then the in-page value, then
// Missing.
type Assembler struct {
	schema   Schema
	enricher Enricher

	logger *logger.Logger
	tracer trace.Tracer
}

// New creates an Assembler. enricher may be nil, in which case only in-page
// values are used.
func New(schema Schema, enricher Enricher, logger *logger.Logger, tracer trace.Tracer) *Assembler {
	return &Assembler{schema: schema, enricher: enricher, logger: logger, tracer: tracer}
}

// Schema returns the assembler's output schema.
func (a *Assembler) Schema() Schema { return a.schema }

// Assemble builds records for frags in order, dropping any whose natural key
// is already in scope. A failed enrichment never aborts the remaining
// fragments. Assembly stops early only when ctx is done, returning what was
// built so far together with the context error.
func (a *Assembler) Assemble(ctx context.Context, scope *Scope, frags []Fragment) (Result, error) {
	ctx, span := a.tracer.Start(ctx, "assembly.assemble",
		trace.WithAttributes(attribute.Int("fragment_count", len(frags))))
	defer span.End()

	var res Result
	for _, f := range frags {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "assembly interrupted")
			return res, err
		}

		key := record.DedupKey(f.EnrichmentKey, f.Fields[a.schema.PrimaryField])
		if key == "" {
			res.Rejected = append(res.Rejected, f)
			continue
		}
		if !scope.MarkIfNew(key) {
			res.Duplicates++
			continue
		}

		enriched, err := a.enrich(ctx, scope, f.EnrichmentKey)
		if err != nil {
			res.EnrichFailures++
			a.logger.Warn(ctx, "enrichment lookup failed, using in-page values",
				"enrichment_key", f.EnrichmentKey, "error", err)
		}

		res.Records = append(res.Records, Assembled{Key: key, Record: a.merge(f.Fields, enriched)})
	}

	span.SetAttributes(
		attribute.Int("record_count", len(res.Records)),
		attribute.Int("duplicate_count", res.Duplicates),
		attribute.Int("rejected_count", len(res.Rejected)),
		attribute.Int("enrich_failure_count", res.EnrichFailures),
	)
	return res, nil
}

// enrich consults the scope cache before calling the enricher, so a link
// repeated within a task costs one lookup. On failure every enriched field
// is Missing.
func (a *Assembler) enrich(ctx context.Context, scope *Scope, key string) (map[string]record.Value, error) {
	if a.enricher == nil || key == "" {
		return nil, nil
	}
	if e, ok := scope.cached(key); ok {
		return e.values, e.err
	}

	values, err := a.enricher.Enrich(ctx, key)
	if err != nil {
		values = make(map[string]record.Value, len(a.schema.EnrichedFields))
		for _, name := range a.schema.EnrichedFields {
			values[name] = record.Missing()
		}
		err = fmt.Errorf("enrich %q: %w", key, err)
	}
	scope.store(key, enrichment{values: values, err: err})
	return values, err
}

func (a *Assembler) merge(inPage, enriched map[string]record.Value) record.Record {
	rec := record.New(a.schema.Fields...)
	for _, name := range a.schema.Fields {
		if v, ok := enriched[name]; ok && !v.IsMissing() {
			rec.Set(name, v)
			continue
		}
		if v, ok := inPage[name]; ok && !v.IsMissing() {
			rec.Set(name, v)
		}
	}
	return rec
}
