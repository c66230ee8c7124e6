package harvest

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/harvester/internal/app/acquisition"
	"github.com/ahrav/harvester/internal/app/sink"
	"github.com/ahrav/harvester/internal/domain/grid"
)

// HarvestMetrics defines the measurements a harvest run records.
type HarvestMetrics interface {
	// Acquisition client metrics.
	acquisition.Metrics

	// Sink metrics.
	sink.Metrics

	// Task metrics.
	IncTasks(ctx context.Context, status grid.OutcomeStatus)
	ObserveTaskDuration(ctx context.Context, d time.Duration)
	IncSourcePanics(ctx context.Context)

	// Record metrics.
	AddRecordsEmitted(ctx context.Context, n int)
	AddRecordsDuplicate(ctx context.Context, n int)
	AddRecordsInvalid(ctx context.Context, n int)
	AddEnrichFailures(ctx context.Context, n int)

	// Checkpoint metrics.
	IncCheckpointWrites(ctx context.Context, op string)

	// Housekeeping metrics.
	ObserveRSS(ctx context.Context, bytes uint64)
}

// harvestMetrics implements HarvestMetrics.
type harvestMetrics struct {
	// Task metrics
	tasks        metric.Int64Counter
	taskDuration metric.Float64Histogram
	sourcePanics metric.Int64Counter

	// Record metrics
	recordsEmitted   metric.Int64Counter
	recordsDuplicate metric.Int64Counter
	recordsInvalid   metric.Int64Counter
	enrichFailures   metric.Int64Counter

	// Acquisition metrics
	fetchRetries      metric.Int64Counter
	credentialRefresh metric.Int64Counter
	fetchLatency      metric.Float64Histogram

	// Sink metrics
	flushes        metric.Int64Counter
	flushErrors    metric.Int64Counter
	flushDuration  metric.Float64Histogram
	docsPersisted  metric.Int64Counter
	docsRejected   metric.Int64Counter
	docsStoreDupes metric.Int64Counter

	// Checkpoint metrics
	checkpointWrites metric.Int64Counter

	// Housekeeping metrics
	rss metric.Int64Gauge
}

const namespace = "harvester"

// NewHarvestMetrics creates the metric instruments on mp.
func NewHarvestMetrics(mp metric.MeterProvider) (*harvestMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(harvestMetrics)
	var err error

	if m.tasks, err = meter.Int64Counter(
		"tasks_total",
		metric.WithDescription("Total number of grid tasks worked, by outcome"),
	); err != nil {
		return nil, err
	}

	if m.taskDuration, err = meter.Float64Histogram(
		"task_duration_seconds",
		metric.WithDescription("Time spent on a single grid task"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.sourcePanics, err = meter.Int64Counter(
		"source_panics_total",
		metric.WithDescription("Total number of panics recovered from a source"),
	); err != nil {
		return nil, err
	}

	if m.recordsEmitted, err = meter.Int64Counter(
		"records_emitted_total",
		metric.WithDescription("Total number of records handed to the sink"),
	); err != nil {
		return nil, err
	}

	if m.recordsDuplicate, err = meter.Int64Counter(
		"records_duplicate_total",
		metric.WithDescription("Total number of records dropped as duplicates within a task"),
	); err != nil {
		return nil, err
	}

	if m.recordsInvalid, err = meter.Int64Counter(
		"records_invalid_total",
		metric.WithDescription("Total number of records rejected for lacking a natural key"),
	); err != nil {
		return nil, err
	}

	if m.enrichFailures, err = meter.Int64Counter(
		"enrichment_failures_total",
		metric.WithDescription("Total number of failed enrichment lookups"),
	); err != nil {
		return nil, err
	}

	if m.fetchRetries, err = meter.Int64Counter(
		"fetch_retries_total",
		metric.WithDescription("Total number of fetch retries, by failure kind"),
	); err != nil {
		return nil, err
	}

	if m.credentialRefresh, err = meter.Int64Counter(
		"credential_refreshes_total",
		metric.WithDescription("Total number of successful credential refreshes"),
	); err != nil {
		return nil, err
	}

	if m.fetchLatency, err = meter.Float64Histogram(
		"fetch_latency_seconds",
		metric.WithDescription("Latency of individual fetch attempts"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.flushes, err = meter.Int64Counter(
		"flushes_total",
		metric.WithDescription("Total number of sink flushes"),
	); err != nil {
		return nil, err
	}

	if m.flushErrors, err = meter.Int64Counter(
		"flush_errors_total",
		metric.WithDescription("Total number of flushes that did not persist their whole batch"),
	); err != nil {
		return nil, err
	}

	if m.flushDuration, err = meter.Float64Histogram(
		"flush_duration_seconds",
		metric.WithDescription("Time spent writing a batch, retries included"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.docsPersisted, err = meter.Int64Counter(
		"documents_persisted_total",
		metric.WithDescription("Total number of documents newly written to the store"),
	); err != nil {
		return nil, err
	}

	if m.docsRejected, err = meter.Int64Counter(
		"documents_rejected_total",
		metric.WithDescription("Total number of documents the store rejected"),
	); err != nil {
		return nil, err
	}

	if m.docsStoreDupes, err = meter.Int64Counter(
		"documents_store_duplicates_total",
		metric.WithDescription("Total number of documents the store already held"),
	); err != nil {
		return nil, err
	}

	if m.checkpointWrites, err = meter.Int64Counter(
		"checkpoint_writes_total",
		metric.WithDescription("Total number of checkpoint saves and deletes"),
	); err != nil {
		return nil, err
	}

	if m.rss, err = meter.Int64Gauge(
		"process_rss_bytes",
		metric.WithDescription("Resident set size sampled during housekeeping"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *harvestMetrics) IncTasks(ctx context.Context, status grid.OutcomeStatus) {
	m.tasks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (m *harvestMetrics) ObserveTaskDuration(ctx context.Context, d time.Duration) {
	m.taskDuration.Record(ctx, d.Seconds())
}

func (m *harvestMetrics) IncSourcePanics(ctx context.Context) { m.sourcePanics.Add(ctx, 1) }

func (m *harvestMetrics) AddRecordsEmitted(ctx context.Context, n int) {
	m.recordsEmitted.Add(ctx, int64(n))
}

func (m *harvestMetrics) AddRecordsDuplicate(ctx context.Context, n int) {
	m.recordsDuplicate.Add(ctx, int64(n))
}

func (m *harvestMetrics) AddRecordsInvalid(ctx context.Context, n int) {
	m.recordsInvalid.Add(ctx, int64(n))
}

func (m *harvestMetrics) AddEnrichFailures(ctx context.Context, n int) {
	m.enrichFailures.Add(ctx, int64(n))
}

func (m *harvestMetrics) IncFetchRetry(ctx context.Context, kind acquisition.FailureKind) {
	m.fetchRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
}

func (m *harvestMetrics) IncCredentialRefresh(ctx context.Context) { m.credentialRefresh.Add(ctx, 1) }

func (m *harvestMetrics) ObserveFetchLatency(ctx context.Context, d time.Duration) {
	m.fetchLatency.Record(ctx, d.Seconds())
}

func (m *harvestMetrics) ObserveFlush(ctx context.Context, res sink.FlushResult, d time.Duration, err error) {
	m.flushes.Add(ctx, 1)
	m.flushDuration.Record(ctx, d.Seconds())
	m.docsPersisted.Add(ctx, int64(res.Inserted))
	m.docsStoreDupes.Add(ctx, int64(res.Duplicates))
	m.docsRejected.Add(ctx, int64(len(res.Failed)))
	if err != nil {
		m.flushErrors.Add(ctx, 1)
	}
}

func (m *harvestMetrics) IncCheckpointWrites(ctx context.Context, op string) {
	m.checkpointWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *harvestMetrics) ObserveRSS(ctx context.Context, bytes uint64) {
	m.rss.Record(ctx, int64(bytes))
}
