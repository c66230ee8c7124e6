// Package enrichment resolves enrichment keys (profile links, detail ids)
// into extra record fields. Both enrichers fetch through the acquisition
// client so they share its rate limit, retries and credential refresh.
package enrichment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvester/internal/app/acquisition"
	"github.com/ahrav/harvester/internal/app/assembly"
	"github.com/ahrav/harvester/internal/domain/record"
)

// PageFetcher performs one logical fetch.
type PageFetcher interface {
	Do(ctx context.Context, req acquisition.Request) (*acquisition.Response, error)
}

// Selector extracts one field from a profile page. With Attr empty the
// element's text is used.
type Selector struct {
	Field string
	CSS   string
	Attr  string
}

// HTMLConfig configures an HTMLEnricher.
type HTMLConfig struct {
	// BaseURL resolves relative links.
	BaseURL       string
	Selectors     []Selector
	Authenticated bool
}

var _ assembly.Enricher = (*HTMLEnricher)(nil)

// HTMLEnricher fetches a profile page and reads fields from it by CSS
// selector. An element that is not on the page yields a missing value.
type HTMLEnricher struct {
	cfg     HTMLConfig
	base    *url.URL
	fetcher PageFetcher
	tracer  trace.Tracer
}

// NewHTMLEnricher validates the selectors and base URL.
func NewHTMLEnricher(cfg HTMLConfig, fetcher PageFetcher, tracer trace.Tracer) (*HTMLEnricher, error) {
	if len(cfg.Selectors) == 0 {
		return nil, errors.New("html enricher needs at least one selector")
	}
	for _, s := range cfg.Selectors {
		if s.Field == "" || s.CSS == "" {
			return nil, fmt.Errorf("html enricher selector %+v needs a field and a css selector", s)
		}
	}

	e := &HTMLEnricher{cfg: cfg, fetcher: fetcher, tracer: tracer}
	if cfg.BaseURL != "" {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("html enricher base url: %w", err)
		}
		e.base = base
	}
	return e, nil
}

// Enrich implements assembly.Enricher.
func (e *HTMLEnricher) Enrich(ctx context.Context, link string) (map[string]record.Value, error) {
	ctx, span := e.tracer.Start(ctx, "enrichment.html",
		trace.WithAttributes(attribute.String("link", link)))
	defer span.End()

	target, err := e.resolve(link)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	resp, err := e.fetcher.Do(ctx, acquisition.Request{URL: target, Authenticated: e.cfg.Authenticated})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("parse profile page %s: %w", target, err)
	}

	out := make(map[string]record.Value, len(e.cfg.Selectors))
	for _, s := range e.cfg.Selectors {
		out[s.Field] = extract(doc, s)
	}
	return out, nil
}

func (e *HTMLEnricher) resolve(link string) (string, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", errors.New("empty profile link")
	}
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("profile link %q: %w", link, err)
	}
	if e.base != nil {
		u = e.base.ResolveReference(u)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("profile link %q is relative and no base url is configured", link)
	}
	return u.String(), nil
}

func extract(doc *goquery.Document, s Selector) record.Value {
	sel := doc.Find(s.CSS).First()
	if sel.Length() == 0 {
		return record.Missing()
	}
	if s.Attr == "" {
		return record.NormalizedValue(sel.Text())
	}
	v, ok := sel.Attr(s.Attr)
	if !ok {
		return record.Missing()
	}
	return record.NormalizedValue(v)
}
