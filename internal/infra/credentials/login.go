package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvester/internal/app/acquisition"
	"github.com/ahrav/harvester/internal/domain/record"
)

// LoginConfig describes a login endpoint that answers with a JSON body
// carrying the token.
type LoginConfig struct {
	URL string
	// Body is posted as JSON (username, password, whatever the site wants).
	Body    map[string]string
	Headers map[string]string
	// TokenPath is the dotted path of the token in the response.
	TokenPath string
}

const DefaultTokenPath = "data.token"

var _ acquisition.Bootstrapper = (*Login)(nil)

// Login obtains a token by posting credentials to a login endpoint.
type Login struct {
	cfg    LoginConfig
	http   *resty.Client
	tracer trace.Tracer
}

// NewLogin builds a Login. A nil client gets a traced default.
func NewLogin(cfg LoginConfig, client *resty.Client, tracer trace.Tracer) (*Login, error) {
	if cfg.URL == "" {
		return nil, errors.New("login bootstrapper needs a url")
	}
	if cfg.TokenPath == "" {
		cfg.TokenPath = DefaultTokenPath
	}
	if client == nil {
		client = resty.New().SetTransport(otelhttp.NewTransport(http.DefaultTransport))
	}
	return &Login{cfg: cfg, http: client, tracer: tracer}, nil
}

// Token implements acquisition.Bootstrapper.
func (l *Login) Token(ctx context.Context) (string, error) {
	ctx, span := l.tracer.Start(ctx, "credentials.login")
	defer span.End()

	resp, err := l.http.R().
		SetContext(ctx).
		SetHeaders(l.cfg.Headers).
		SetHeader("Content-Type", "application/json").
		SetBody(l.cfg.Body).
		Post(l.cfg.URL)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("login request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("login returned status %d", resp.StatusCode())
	}

	dec := json.NewDecoder(bytes.NewReader(resp.Body()))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}

	token, _ := record.Lookup(body, l.cfg.TokenPath).(string)
	if token = strings.TrimSpace(token); token == "" {
		return "", fmt.Errorf("login response has no %s: %w", l.cfg.TokenPath, ErrNoToken)
	}
	return token, nil
}
