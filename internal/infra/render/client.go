// Package render talks to the external renderer service: a headless browser
// farm that draws a search page and returns the text and geometry of the
// elements it found, grouped by role.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvester/internal/app/acquisition"
	source "github.com/ahrav/harvester/internal/app/harvest/sources/render"
	"github.com/ahrav/harvester/internal/domain/alignment"
)

// Fetcher performs one logical fetch.
type Fetcher interface {
	Do(ctx context.Context, req acquisition.Request) (*acquisition.Response, error)
}

type renderRequest struct {
	Query string `json:"query"`
	Page  int    `json:"page"`
}

type renderResponse struct {
	Streams map[string][]alignment.Element `json:"streams"`
	HasMore bool                           `json:"has_more"`
}

var _ source.Renderer = (*Client)(nil)

// Client implements the render source's Renderer over HTTP.
type Client struct {
	endpoint      string
	authenticated bool
	fetcher       Fetcher
	tracer        trace.Tracer
}

// NewClient posts render requests to endpoint. authenticated attaches the
// harvester's bearer token, for renderers that log in on its behalf.
func NewClient(endpoint string, authenticated bool, fetcher Fetcher, tracer trace.Tracer) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("renderer endpoint is required")
	}
	return &Client{endpoint: endpoint, authenticated: authenticated, fetcher: fetcher, tracer: tracer}, nil
}

// Render implements render.Renderer. An undecodable response is Malformed
// and goes through the acquisition retry policy.
func (c *Client) Render(ctx context.Context, query string, page int) (*source.Snapshot, error) {
	ctx, span := c.tracer.Start(ctx, "renderer.render",
		trace.WithAttributes(attribute.Int("page", page)))
	defer span.End()

	var out renderResponse
	_, err := c.fetcher.Do(ctx, acquisition.Request{
		Method:        http.MethodPost,
		URL:           c.endpoint,
		Body:          renderRequest{Query: query, Page: page},
		Authenticated: c.authenticated,
		ExpectJSON:    true,
		Validate: func(r *acquisition.Response) error {
			var decoded renderResponse
			if err := json.Unmarshal(r.Body, &decoded); err != nil {
				return fmt.Errorf("decode render response: %w", err)
			}
			out = decoded
			return nil
		},
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("streams", len(out.Streams)), attribute.Bool("has_more", out.HasMore))
	return &source.Snapshot{Streams: out.Streams, HasMore: out.HasMore}, nil
}
