// Package warc keeps the raw acquisition traffic of a run as WARC files, so
// a harvest can be re-parsed without hitting the upstream again.
package warc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/nlnwa/gowarc/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvester/internal/app/acquisition"
)

// Config places and sizes the archive files.
type Config struct {
	Directory string
	// Prefix starts every file name; the run id is a good choice.
	Prefix      string
	Compress    bool
	MaxFileSize int64
}

const DefaultMaxFileSize = 1 << 30

var _ acquisition.Archiver = (*Archive)(nil)

// Archive writes each exchange as a response record followed by the
// request that produced it.
type Archive struct {
	w      *gowarc.WarcFileWriter
	tracer trace.Tracer
}

// New opens an archive writer. Files are created lazily on first write.
func New(cfg Config, tracer trace.Tracer) (*Archive, error) {
	if cfg.Directory == "" {
		return nil, errors.New("warc archive needs a directory")
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	w := gowarc.NewWarcFileWriter(
		gowarc.WithFileNameGenerator(&gowarc.PatternNameGenerator{Directory: cfg.Directory, Prefix: cfg.Prefix}),
		gowarc.WithCompression(cfg.Compress),
		gowarc.WithMaxFileSize(cfg.MaxFileSize),
		gowarc.WithMaxConcurrentWriters(1),
	)
	return &Archive{w: w, tracer: tracer}, nil
}

// Archive implements acquisition.Archiver.
func (a *Archive) Archive(ctx context.Context, ex acquisition.Exchange) error {
	_, span := a.tracer.Start(ctx, "warc.archive",
		trace.WithAttributes(
			attribute.String("http.url", ex.URL),
			attribute.Int("http.status_code", ex.Status),
		))
	defer span.End()

	resp, err := a.build(gowarc.Response, "application/http;msgtype=response", ex, responseMessage(ex), "")
	if err != nil {
		span.RecordError(err)
		return err
	}
	req, err := a.build(gowarc.Request, "application/http;msgtype=request", ex, requestMessage(ex),
		resp.WarcHeader().Get(gowarc.WarcRecordID))
	if err != nil {
		span.RecordError(err)
		return err
	}

	for _, res := range a.w.Write(resp, req) {
		if res.Err != nil {
			span.RecordError(res.Err)
			return fmt.Errorf("write warc record for %s: %w", ex.URL, res.Err)
		}
	}
	return nil
}

func (a *Archive) build(kind gowarc.RecordType, contentType string, ex acquisition.Exchange, block []byte, concurrentTo string) (gowarc.WarcRecord, error) {
	rb := gowarc.NewRecordBuilder(kind,
		gowarc.WithAddMissingRecordId(true),
		gowarc.WithAddMissingContentLength(true),
		gowarc.WithAddMissingDigest(true),
	)
	rb.AddWarcHeader(gowarc.WarcTargetURI, ex.URL)
	rb.AddWarcHeaderTime(gowarc.WarcDate, ex.FetchedAt)
	rb.AddWarcHeader(gowarc.ContentType, contentType)
	if concurrentTo != "" {
		rb.AddWarcHeader(gowarc.WarcConcurrentTo, concurrentTo)
	}
	if _, err := rb.Write(block); err != nil {
		return nil, fmt.Errorf("buffer warc block: %w", err)
	}
	rec, _, err := rb.Build()
	if err != nil {
		return nil, fmt.Errorf("build warc record for %s: %w", ex.URL, err)
	}
	return rec, nil
}

// Close flushes and closes the current file.
func (a *Archive) Close() error { return a.w.Close() }

func responseMessage(ex acquisition.Exchange) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", ex.Status, http.StatusText(ex.Status))
	_ = ex.ResponseHeader.Write(&b)
	b.WriteString("\r\n")
	b.Write(ex.ResponseBody)
	return b.Bytes()
}

func requestMessage(ex acquisition.Exchange) []byte {
	target, host := ex.URL, ""
	if u, err := url.Parse(ex.URL); err == nil {
		target, host = u.RequestURI(), u.Host
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", ex.Method, target)
	if host != "" {
		fmt.Fprintf(&b, "Host: %s\r\n", host)
	}
	_ = ex.RequestHeader.Write(&b)
	b.WriteString("\r\n")
	b.Write(ex.RequestBody)
	return b.Bytes()
}
