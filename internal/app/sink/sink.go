// Package sink buffers documents and writes them to a DocumentStore in
// fixed-size batches.
package sink

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvester/internal/domain/record"
	"github.com/ahrav/harvester/pkg/common/logger"
)

const (
	DefaultBatchSize     = 50
	DefaultFlushAttempts = 3
	DefaultFlushDelay    = 500 * time.Millisecond
)

// Config tunes a Sink.
type Config struct {
	BatchSize int
	// FlushAttempts bounds how often a whole-batch failure is retried.
	FlushAttempts int
	FlushDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushAttempts <= 0 {
		c.FlushAttempts = DefaultFlushAttempts
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = DefaultFlushDelay
	}
	return c
}

// FlushResult is the outcome of one flush.
type FlushResult struct {
	Size     int
	Attempts int
	InsertResult
}

// Stats accumulates flush outcomes since the last Reset.
type Stats struct {
	Flushes    int
	Persisted  int
	Duplicates int
	Rejected   int
	Lost       int
}

// Metrics receives flush measurements.
type Metrics interface {
	ObserveFlush(ctx context.Context, res FlushResult, d time.Duration, err error)
}

type noopMetrics struct{}

func (noopMetrics) ObserveFlush(context.Context, FlushResult, time.Duration, error) {}

// Sink owns the in-flight batch. It is driven by a single worker and is not
// safe for concurrent use.
type Sink struct {
	cfg   Config
	store DocumentStore
	buf   []record.Document

	confirmed bool
	stats     Stats

	metrics Metrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// New creates a Sink writing to store. metrics may be nil.
func New(store DocumentStore, cfg Config, metrics Metrics, logger *logger.Logger, tracer trace.Tracer) *Sink {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Sink{
		cfg:       cfg,
		store:     store,
		buf:       make([]record.Document, 0, cfg.BatchSize),
		confirmed: true,
		metrics:   metrics,
		logger:    logger,
		tracer:    tracer,
	}
}

// BatchSize is the configured flush threshold.
func (s *Sink) BatchSize() int { return s.cfg.BatchSize }

// Pending is the number of buffered documents.
func (s *Sink) Pending() int { return len(s.buf) }

// Append buffers doc and flushes as soon as the buffer holds exactly
// BatchSize documents. The returned error is the auto-flush's failure, if
// any; the document is never kept for a second try.
func (s *Sink) Append(ctx context.Context, doc record.Document) error {
	s.buf = append(s.buf, doc)
	if len(s.buf) < s.cfg.BatchSize {
		return nil
	}
	_, err := s.Flush(ctx)
	return err
}

// Flush writes the buffered documents. The buffer is cleared before the
// write so a failed batch is dropped rather than resent with the next one;
// re-acquiring the task is the recovery path. An empty buffer is a no-op.
func (s *Sink) Flush(ctx context.Context) (FlushResult, error) {
	if len(s.buf) == 0 {
		return FlushResult{}, nil
	}

	batch := make([]record.Document, len(s.buf))
	copy(batch, s.buf)
	s.buf = s.buf[:0]

	ctx, span := s.tracer.Start(ctx, "sink.flush", trace.WithAttributes(attribute.Int("batch_size", len(batch))))
	defer span.End()

	start := time.Now()
	res, err := s.write(ctx, batch)
	s.metrics.ObserveFlush(ctx, res, time.Since(start), err)

	s.stats.Flushes++
	s.stats.Persisted += res.Inserted
	s.stats.Duplicates += res.Duplicates
	s.stats.Rejected += len(res.Failed)

	span.SetAttributes(
		attribute.Int("inserted", res.Inserted),
		attribute.Int("duplicates", res.Duplicates),
		attribute.Int("rejected", len(res.Failed)),
		attribute.Int("attempts", res.Attempts),
	)

	if err != nil {
		s.confirmed = false
		s.stats.Lost += len(batch)
		span.RecordError(err)
		span.SetStatus(codes.Error, "flush failed")
		s.logger.Error(ctx, "batch flush failed, documents dropped",
			"batch_size", len(batch), "attempts", res.Attempts, "error", err)
		return res, err
	}

	if len(res.Failed) > 0 {
		s.confirmed = false
		perr := newPartialError(len(batch), res.Failed)
		span.RecordError(perr)
		span.SetStatus(codes.Error, "partial flush")
		s.logger.Warn(ctx, "batch flush rejected some documents",
			"batch_size", len(batch), "rejected", len(res.Failed), "error", perr)
		return res, perr
	}

	s.logger.Debug(ctx, "batch flushed",
		"batch_size", len(batch), "inserted", res.Inserted, "duplicates", res.Duplicates)
	return res, nil
}

// write retries whole-batch failures with exponential backoff. Per-document
// failures are final.
func (s *Sink) write(ctx context.Context, batch []record.Document) (FlushResult, error) {
	res := FlushResult{Size: len(batch)}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = s.cfg.FlushDelay
	expBackoff.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(s.cfg.FlushAttempts-1)), ctx)

	operation := func() error {
		res.Attempts++
		ir, err := s.store.InsertMany(ctx, batch)
		if err != nil {
			return err
		}
		res.InsertResult = ir
		return nil
	}
	notify := func(err error, next time.Duration) {
		s.logger.Warn(ctx, "batch write failed, retrying",
			"batch_size", len(batch), "attempt", res.Attempts, "retry_in", next.String(), "error", err)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return res, &FlushError{Kind: FlushBatchFailed, Size: len(batch), Lost: len(batch), cause: err}
	}
	return res, nil
}

// Confirmed reports whether every flush since the last Reset persisted its
// whole batch. Duplicates count as persisted.
func (s *Sink) Confirmed() bool { return s.confirmed }

// Stats returns the totals since the last Reset.
func (s *Sink) Stats() Stats { return s.stats }

// Reset starts a new accounting window, typically at a task boundary.
// Buffered documents are kept.
func (s *Sink) Reset() {
	s.confirmed = true
	s.stats = Stats{}
}
