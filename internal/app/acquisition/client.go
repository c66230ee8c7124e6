// Package acquisition performs the network fetches a harvest depends on.
// One logical fetch is a bounded series of attempts: each attempt waits on
// the rate limiter, carries the cached bearer token, and is classified on
// return. Failures the credential can explain trigger a refresh before the
// next attempt; everything is retried with exponential backoff and jitter
// until the attempt budget is spent.
package acquisition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvester/pkg/common"
	"github.com/ahrav/harvester/pkg/common/logger"
)

// Config tunes a Client. Zero values fall back to the defaults below,
// except Jitter where zero means no jitter.
type Config struct {
	// MaxRetries is the total number of attempts per logical fetch.
	MaxRetries int
	// BaseDelay is the first backoff delay; it doubles on every retry.
	BaseDelay time.Duration
	// Jitter is the upper bound of the uniform random delay added to each
	// backoff.
	Jitter time.Duration
	// Timeout bounds each attempt.
	Timeout time.Duration
	// RequestsPerSecond and Burst configure the shared rate limiter. A
	// non-positive rate disables limiting.
	RequestsPerSecond float64
	Burst             int
	// Headers are sent on every request (user agent, origin, referer).
	Headers map[string]string
	// AuthPhrases are regular expressions that mark a body as an auth
	// failure.
	AuthPhrases []string
}

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultJitter     = time.Second
	DefaultTimeout    = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.AuthPhrases == nil {
		c.AuthPhrases = DefaultAuthPhrases
	}
	return c
}

// Request describes one logical fetch.
type Request struct {
	Method string
	URL    string
	// Body is JSON-encoded when non-nil.
	Body    any
	Query   map[string]string
	Headers map[string]string
	// Authenticated attaches the cached bearer token and allows credential
	// refreshes on failure.
	Authenticated bool
	// ExpectJSON makes an HTML response an auth failure.
	ExpectJSON bool
	// Validate inspects a 200 response. Returning a FetchError controls how
	// the failure is retried; any other error counts as Malformed.
	Validate func(*Response) error
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// Response is the successful attempt of a fetch.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	FetchedAt time.Time
	// Attempts includes the successful one; Retries is the number of
	// backoff sleeps taken before it.
	Attempts int
	Retries  int
}

// Exchange is one raw request/response pair handed to an Archiver.
type Exchange struct {
	Method         string
	URL            string
	RequestHeader  http.Header
	RequestBody    []byte
	Status         int
	ResponseHeader http.Header
	ResponseBody   []byte
	FetchedAt      time.Time
}

// Archiver keeps raw responses for later inspection. Archive failures are
// logged and never fail a fetch.
type Archiver interface {
	Archive(ctx context.Context, ex Exchange) error
}

// Metrics receives client-level measurements.
type Metrics interface {
	IncFetchRetry(ctx context.Context, kind FailureKind)
	IncCredentialRefresh(ctx context.Context)
	ObserveFetchLatency(ctx context.Context, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) IncFetchRetry(context.Context, FailureKind)         {}
func (noopMetrics) IncCredentialRefresh(context.Context)               {}
func (noopMetrics) ObserveFetchLatency(context.Context, time.Duration) {}

// Option customizes a Client.
type Option func(*Client)

// WithArchiver archives every raw response.
func WithArchiver(a Archiver) Option { return func(c *Client) { c.archiver = a } }

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option { return func(c *Client) { c.metrics = m } }

// WithHTTPClient replaces the underlying resty client. Headers and timeout
// from Config are still applied.
func WithHTTPClient(h *resty.Client) Option { return func(c *Client) { c.http = h } }

// Client performs fetches with retry, backoff and credential refresh. It is
// safe for concurrent use, though the harvester drives it from a single
// worker.
type Client struct {
	cfg      Config
	http     *resty.Client
	creds    *CredentialCache
	limiter  *common.RateLimiter
	sig      *authSignature
	archiver Archiver
	metrics  Metrics
	now      func() time.Time

	logger *logger.Logger
	tracer trace.Tracer
}

// NewClient builds a Client. creds may be nil when no request is
// authenticated.
func NewClient(
	cfg Config,
	creds *CredentialCache,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) (*Client, error) {
	cfg = cfg.withDefaults()

	sig, err := newAuthSignature(cfg.AuthPhrases)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		creds:   creds,
		limiter: common.NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		sig:     sig,
		metrics: noopMetrics{},
		now:     time.Now,
		logger:  logger,
		tracer:  tracer,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = resty.New().SetTransport(otelhttp.NewTransport(http.DefaultTransport))
	}
	c.http.SetTimeout(cfg.Timeout).SetHeaders(cfg.Headers)

	return c, nil
}

// Do performs one logical fetch. It returns the first response that passes
// classification, a context error if ctx ends first, or a FetchError of
// kind RetriesExhausted wrapping the last attempt's failure.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "acquisition.fetch",
		trace.WithAttributes(
			attribute.String("http.method", req.method()),
			attribute.String("http.url", req.URL),
		))
	defer span.End()

	var payload []byte
	if req.Body != nil {
		var err error
		if payload, err = json.Marshal(req.Body); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	var (
		resp     *Response
		attempts int
		retries  int
		stale    *FetchError
	)
	operation := func() error {
		attempts++
		// The refresh runs before the retry it serves, never after the last
		// attempt.
		if stale != nil {
			c.refresh(ctx, stale)
			stale = nil
		}
		r, err := c.attempt(ctx, req, payload)
		if err == nil {
			resp = r
			return nil
		}

		var fe *FetchError
		if !errors.As(err, &fe) {
			return backoff.Permanent(err)
		}
		fe.Attempts = attempts
		if req.Authenticated && fe.Kind.needsRefresh() {
			stale = fe
		}
		return fe
	}
	notify := func(err error, next time.Duration) {
		retries++
		kind, _ := KindOf(err)
		c.metrics.IncFetchRetry(ctx, kind)
		c.logger.Warn(ctx, "fetch attempt failed, retrying",
			"url", req.URL,
			"attempt", attempts,
			"kind", kind.String(),
			"retry_in", next.String(),
			"error", err,
		)
	}

	err := backoff.RetryNotify(operation, c.retryPolicy(ctx), notify)
	span.SetAttributes(attribute.Int("attempts", attempts), attribute.Int("retries", retries))
	if err == nil {
		resp.Attempts, resp.Retries = attempts, retries
		return resp, nil
	}

	span.RecordError(err)
	if ctxErr := ctx.Err(); ctxErr != nil {
		span.SetStatus(codes.Error, "fetch interrupted")
		return nil, fmt.Errorf("fetch %s: %w", req.URL, ctxErr)
	}

	var last *FetchError
	if !errors.As(err, &last) {
		span.SetStatus(codes.Error, "fetch failed")
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	span.SetStatus(codes.Error, "retries exhausted")
	return nil, &FetchError{
		Kind:     KindRetriesExhausted,
		Status:   last.Status,
		Attempts: attempts,
		msg:      fmt.Sprintf("%s %s failed after %d attempts", req.method(), req.URL, attempts),
		cause:    last,
	}
}

// attempt runs a single request and classifies its outcome. Non-FetchError
// returns are permanent.
func (c *Client) attempt(ctx context.Context, req Request, payload []byte) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	r := c.http.R().SetContext(ctx).SetHeaders(req.Headers)
	if req.Authenticated {
		if c.creds == nil {
			return nil, ErrNoCredentialSource
		}
		token, err := c.creds.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, newFetchError(KindTransient, 0, "acquire credential", err)
		}
		r.SetAuthToken(token)
	}
	if payload != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(payload)
	}
	if len(req.Query) > 0 {
		r.SetQueryParams(req.Query)
	}

	start := c.now()
	res, err := r.Execute(req.method(), req.URL)
	c.metrics.ObserveFetchLatency(ctx, c.now().Sub(start))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newFetchError(KindTransient, 0, "transport failure", err)
	}

	out := &Response{
		Status:    res.StatusCode(),
		Header:    res.Header(),
		Body:      res.Body(),
		FetchedAt: c.now().UTC(),
	}
	c.archive(ctx, req, res.Request.Header, payload, out)
	c.updateRateLimits(out.Header)

	if c.sig.matches(out.Header.Get("Content-Type"), out.Body, req.ExpectJSON) {
		return nil, newFetchError(KindAuthExpired, out.Status, "response carries the auth-failure signature", nil)
	}
	if out.Status != http.StatusOK {
		return nil, newFetchError(KindNonOK, out.Status, fmt.Sprintf("unexpected status %d", out.Status), nil)
	}
	if req.Validate != nil {
		if err := req.Validate(out); err != nil {
			var fe *FetchError
			if errors.As(err, &fe) {
				return nil, fe
			}
			return nil, newFetchError(KindMalformed, out.Status, "response rejected", err)
		}
	}
	return out, nil
}

func (c *Client) refresh(ctx context.Context, cause *FetchError) {
	if c.creds == nil {
		return
	}
	if _, err := c.creds.Refresh(ctx); err != nil {
		c.logger.Warn(ctx, "credential refresh failed", "cause", cause.Kind.String(), "error", err)
		return
	}
	c.metrics.IncCredentialRefresh(ctx)
	c.logger.Info(ctx, "credential refreshed", "cause", cause.Kind.String())
}

func (c *Client) archive(ctx context.Context, req Request, reqHeader http.Header, payload []byte, resp *Response) {
	if c.archiver == nil {
		return
	}
	hdr := reqHeader.Clone()
	if hdr != nil {
		hdr.Del("Authorization")
	}
	ex := Exchange{
		Method:         req.method(),
		URL:            req.URL,
		RequestHeader:  hdr,
		RequestBody:    payload,
		Status:         resp.Status,
		ResponseHeader: resp.Header,
		ResponseBody:   resp.Body,
		FetchedAt:      resp.FetchedAt,
	}
	if err := c.archiver.Archive(ctx, ex); err != nil {
		c.logger.Warn(ctx, "failed to archive response", "url", req.URL, "error", err)
	}
}
