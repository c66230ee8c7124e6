package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/harvester/internal/app/acquisition"
	"github.com/ahrav/harvester/internal/domain/record"
)

var tracer = noop.NewTracerProvider().Tracer("test")

type pageFetcher struct {
	pages map[string]string
	urls  []string
}

func (f *pageFetcher) Do(_ context.Context, req acquisition.Request) (*acquisition.Response, error) {
	f.urls = append(f.urls, req.URL)
	body, ok := f.pages[req.URL]
	if !ok {
		return nil, errors.New("not found")
	}
	return &acquisition.Response{Status: 200, Body: []byte(body)}, nil
}

const profilePage = `<html><body>
<div class="profile">
  <span class="location"> Hangzhou </span>
  <a class="site" href="https://example.com/alice">site</a>
  <span class="followers">1,024</span>
</div>
</body></html>`

func TestHTMLEnricher_Enrich(t *testing.T) {
	t.Parallel()

	f := &pageFetcher{pages: map[string]string{"https://forum.example/u/alice": profilePage}}
	e, err := NewHTMLEnricher(HTMLConfig{
		BaseURL: "https://forum.example/",
		Selectors: []Selector{
			{Field: "location", CSS: ".profile .location"},
			{Field: "website", CSS: "a.site", Attr: "href"},
			{Field: "followers", CSS: ".followers"},
			{Field: "bio", CSS: ".bio"},
			{Field: "avatar", CSS: "a.site", Attr: "data-avatar"},
		},
	}, f, tracer)
	require.NoError(t, err)

	got, err := e.Enrich(context.Background(), "/u/alice")
	require.NoError(t, err)

	assert.Equal(t, []string{"https://forum.example/u/alice"}, f.urls)
	assert.Equal(t, "Hangzhou", got["location"].Text())
	assert.Equal(t, "https://example.com/alice", got["website"].Text())
	assert.Equal(t, "1,024", got["followers"].Text())
	assert.True(t, got["bio"].IsMissing())
	assert.True(t, got["avatar"].IsMissing())
}

func TestHTMLEnricher_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		base string
		link string
	}{
		{name: "empty link", base: "https://forum.example/", link: "  "},
		{name: "relative link without base", link: "/u/alice"},
		{name: "fetch failure", base: "https://forum.example/", link: "/u/nobody"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, err := NewHTMLEnricher(HTMLConfig{
				BaseURL:   tt.base,
				Selectors: []Selector{{Field: "location", CSS: ".location"}},
			}, &pageFetcher{}, tracer)
			require.NoError(t, err)

			_, err = e.Enrich(context.Background(), tt.link)
			require.Error(t, err)
		})
	}
}

func TestNewHTMLEnricher_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewHTMLEnricher(HTMLConfig{}, &pageFetcher{}, tracer)
	require.Error(t, err)

	_, err = NewHTMLEnricher(HTMLConfig{Selectors: []Selector{{Field: "x"}}}, &pageFetcher{}, tracer)
	require.Error(t, err)
}

type envelopeFetcher struct {
	data string
	err  error
	body any
}

func (f *envelopeFetcher) FetchEnvelope(_ context.Context, req acquisition.Request) (*acquisition.Envelope, error) {
	f.body = req.Body
	if f.err != nil {
		return nil, f.err
	}
	return &acquisition.Envelope{Success: true, Status: 200, Data: json.RawMessage(f.data)}, nil
}

func TestDetailEnricher_Enrich(t *testing.T) {
	t.Parallel()

	f := &envelopeFetcher{data: `{"company":{"name":"Acme","id":9007199254740993},"tags":["a","b"],"phone":null}`}
	e, err := NewDetailEnricher(DetailConfig{
		URL:     "https://api.example/detail",
		IDParam: "leadsId",
		Fields: []FieldMapping{
			{Field: "company", Key: "company.name"},
			{Field: "company_id", Key: "company.id"},
			{Field: "tags", Key: "tags"},
			{Field: "phone", Key: "phone"},
			{Field: "email", Key: "contact.email"},
		},
	}, f, tracer)
	require.NoError(t, err)

	got, err := e.Enrich(context.Background(), "42")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"leadsId": "42"}, f.body)
	assert.Equal(t, "Acme", got["company"].Text())
	assert.Equal(t, "9007199254740993", got["company_id"].Text())
	assert.Equal(t, "[\n  \"a\",\n  \"b\"\n]", got["tags"].Text())
	assert.True(t, got["phone"].IsMissing())
	assert.True(t, got["email"].IsMissing())
}

func TestDetailEnricher_Failures(t *testing.T) {
	t.Parallel()

	cfg := DetailConfig{URL: "https://api.example/detail", Fields: []FieldMapping{{Field: "company", Key: "name"}}}

	tests := []struct {
		name    string
		fetcher *envelopeFetcher
	}{
		{name: "fetch error", fetcher: &envelopeFetcher{err: acquisition.ErrRetriesExhausted}},
		{name: "data is a list", fetcher: &envelopeFetcher{data: `[1,2]`}},
		{name: "data is null", fetcher: &envelopeFetcher{data: `null`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, err := NewDetailEnricher(cfg, tt.fetcher, tracer)
			require.NoError(t, err)

			_, err = e.Enrich(context.Background(), "1")
			require.Error(t, err)
			assert.Equal(t, map[string]string{DefaultIDParam: "1"}, tt.fetcher.body)
		})
	}
}

func TestDetailEnricher_FieldsAreNormalized(t *testing.T) {
	t.Parallel()

	e, err := NewDetailEnricher(DetailConfig{
		URL:    "https://api.example/detail",
		Fields: []FieldMapping{{Field: "name", Key: "name"}},
	}, &envelopeFetcher{data: `{"name":"  ＡＣＭＥ\u200b "}`}, tracer)
	require.NoError(t, err)

	got, err := e.Enrich(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, record.Present("ACME"), got["name"])
}
