// Package harvest drives a harvest run: it walks the task grid in row-major
// order, feeds each task's pages through assembly into the sink, and keeps
// the durable checkpoint in step with what was confirmed.
package harvest

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvester/internal/app/assembly"
	"github.com/ahrav/harvester/internal/app/sink"
	"github.com/ahrav/harvester/internal/domain/grid"
	"github.com/ahrav/harvester/internal/domain/record"
	"github.com/ahrav/harvester/pkg/common/logger"
)

const (
	DefaultHousekeepingEvery = 10
	DefaultShutdownTimeout   = 30 * time.Second
)

// Config tunes a Coordinator.
type Config struct {
	// Collection names the document collection records are written to.
	Collection string
	Policy     grid.AdvancePolicy
	// HousekeepingEvery is the task interval between memory housekeeping
	// passes. Zero disables housekeeping.
	HousekeepingEvery int
	// ShutdownTimeout bounds the final flush after cancellation.
	ShutdownTimeout time.Duration
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithInvalidLog sends rejected records to l.
func WithInvalidLog(l InvalidLog) Option { return func(c *Coordinator) { c.invalid = l } }

// WithMemoryProbe enables RSS sampling during housekeeping.
func WithMemoryProbe(p MemoryProbe) Option { return func(c *Coordinator) { c.probe = p } }

// WithTimeProvider pins the clock.
func WithTimeProvider(tp grid.TimeProvider) Option { return func(c *Coordinator) { c.clock = tp } }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Coordinator is the single sequential worker of a harvest. Stages of a
// task never overlap and tasks run strictly one after another.
type Coordinator struct {
	cfg         Config
	grid        *grid.Grid
	source      Source
	assembler   *assembly.Assembler
	sink        *sink.Sink
	checkpoints grid.CheckpointRepository
	invalid     InvalidLog
	probe       MemoryProbe
	clock       grid.TimeProvider

	logger  *logger.Logger
	metrics HarvestMetrics
	tracer  trace.Tracer
}

// NewCoordinator wires a run. metrics may be nil.
func NewCoordinator(
	cfg Config,
	g *grid.Grid,
	source Source,
	assembler *assembly.Assembler,
	snk *sink.Sink,
	checkpoints grid.CheckpointRepository,
	logger *logger.Logger,
	metrics HarvestMetrics,
	tracer trace.Tracer,
	opts ...Option,
) *Coordinator {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Policy == "" {
		cfg.Policy = grid.AdvanceConfirmedFlush
	}
	if metrics == nil {
		metrics, _ = NewHarvestMetrics(metricnoop.NewMeterProvider())
	}

	c := &Coordinator{
		cfg:         cfg,
		grid:        g,
		source:      source,
		assembler:   assembler,
		sink:        snk,
		checkpoints: checkpoints,
		clock:       systemClock{},
		logger:      logger.With("source", source.Name()),
		metrics:     metrics,
		tracer:      tracer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run works the grid from the stored checkpoint until it is exhausted or
// ctx is cancelled. Cancellation is not an error: the summary's status is
// Interrupted and the checkpoint names the last fully completed task. An
// error means the run could not continue (checkpoint unreadable or
// unwritable) and the summary reflects the state at that point.
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	ctx, span := c.tracer.Start(ctx, "harvest.run",
		trace.WithAttributes(
			attribute.String("source", c.source.Name()),
			attribute.Int("grid_size", c.grid.Size()),
			attribute.String("advance_policy", string(c.cfg.Policy)),
		))
	defer span.End()

	run := grid.NewRunWithTimeProvider(c.grid, c.cfg.Policy, c.clock)
	sum := Summary{RunID: run.RunID(), Status: run.Status()}

	fail := func(err error) (Summary, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.finalize(run, &sum)
		c.logger.Error(ctx, "harvest aborted", append(sum.logArgs(), "error", err)...)
		return sum, err
	}

	cp, err := c.checkpoints.Load(ctx)
	if err != nil {
		return fail(fmt.Errorf("load checkpoint: %w", err))
	}

	start, done, err := run.Begin(cp)
	if err != nil {
		return fail(fmt.Errorf("resume from checkpoint: %w", err))
	}
	sum.Start = start

	if cp != nil {
		c.logger.Info(ctx, "resuming from checkpoint",
			"run_id", run.RunID(), "checkpoint", cp.Coordinate().String(), "next", start.String())
	} else {
		c.logger.Info(ctx, "starting fresh harvest", "run_id", run.RunID(), "grid_size", c.grid.Size())
	}

	interrupted := false
	if !done {
		tasksDone := 0
		for task := range c.grid.Tasks(start) {
			if ctx.Err() != nil {
				interrupted = true
				break
			}

			w, err := run.BeginTask(task)
			if err != nil {
				return fail(err)
			}
			if err := c.applyCursor(ctx, w); err != nil {
				return fail(err)
			}

			ts := c.runTask(ctx, run, task)
			sum.add(ts)

			w = run.CompleteTask(grid.TaskOutcome{
				Task:       task,
				Status:     ts.Status,
				Emitted:    ts.Emitted,
				Duplicates: ts.Duplicates,
				Persisted:  ts.Persisted,
				Rejected:   ts.Rejected,
				Confirmed:  ts.Confirmed,
				Err:        ts.Err,
				Duration:   ts.Duration,
			})
			if ts.Status == grid.OutcomeInterrupted {
				interrupted = true
				break
			}
			// The task is done; its cursor write must land even if a signal
			// arrived meanwhile.
			if err := c.applyCursor(context.WithoutCancel(ctx), w); err != nil {
				return fail(err)
			}

			tasksDone++
			c.housekeep(ctx, tasksDone)
		}
	}

	if interrupted {
		if err := run.Interrupt(); err != nil {
			return fail(err)
		}
	} else {
		w, err := run.Finish()
		if err != nil {
			return fail(err)
		}
		if err := c.applyCursor(context.WithoutCancel(ctx), w); err != nil {
			return fail(err)
		}
	}

	c.finalize(run, &sum)
	span.SetAttributes(
		attribute.String("status", string(sum.Status)),
		attribute.Int("tasks", sum.Tasks),
		attribute.Int("emitted", sum.Emitted),
	)
	c.logger.Info(ctx, "harvest finished", sum.logArgs()...)
	return sum, nil
}

func (c *Coordinator) finalize(run *grid.Run, sum *Summary) {
	sum.Status = run.Status()
	sum.Completed = run.CompletedTasks()
	sum.Failed = run.FailedTasks()
	sum.Unconfirmed = run.UnconfirmedTasks()
	sum.Frozen = run.Frozen()
	if cur, ok := run.Cursor(); ok {
		sum.Cursor = &cur
	}
	end := run.FinishedAt()
	if end.IsZero() {
		end = c.clock.Now()
	}
	if started := run.StartedAt(); !started.IsZero() {
		sum.Duration = end.Sub(started)
	}
}

// runTask acquires, assembles and persists one task. It never returns an
// error: every failure is folded into the task's status so the grid keeps
// moving.
func (c *Coordinator) runTask(ctx context.Context, run *grid.Run, task grid.Task) TaskSummary {
	coord := task.Coordinate()
	ctx, span := c.tracer.Start(ctx, "harvest.task",
		trace.WithAttributes(
			attribute.String("task", task.String()),
			attribute.Int("dim1_index", coord.Dim1),
			attribute.Int("dim2_index", coord.Dim2),
		))
	defer span.End()

	start := c.clock.Now()
	c.sink.Reset()
	ts := TaskSummary{Task: task.String(), Coordinate: coord}

	err := c.acquire(ctx, run, task, assembly.NewScope(), &ts)

	// Whatever was buffered is written even on cancellation, within the
	// shutdown budget.
	flushCtx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(flushCtx, c.cfg.ShutdownTimeout)
		defer cancel()
	}
	_, _ = c.sink.Flush(flushCtx)

	stats := c.sink.Stats()
	ts.Persisted = stats.Persisted
	ts.Duplicates += stats.Duplicates
	ts.Rejected = stats.Rejected + stats.Lost
	ts.Confirmed = c.sink.Confirmed()
	ts.Duration = c.clock.Now().Sub(start)
	ts.Err = err

	switch {
	case ctx.Err() != nil:
		ts.Status = grid.OutcomeInterrupted
	case err != nil:
		ts.Status = grid.OutcomeFailed
	default:
		ts.Status = grid.OutcomeCompleted
	}

	c.metrics.IncTasks(ctx, ts.Status)
	c.metrics.ObserveTaskDuration(ctx, ts.Duration)
	span.SetAttributes(
		attribute.String("status", string(ts.Status)),
		attribute.Int("emitted", ts.Emitted),
		attribute.Bool("confirmed", ts.Confirmed),
	)

	switch ts.Status {
	case grid.OutcomeFailed:
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
		c.logger.Error(ctx, "task failed", ts.logArgs()...)
	case grid.OutcomeInterrupted:
		c.logger.Warn(ctx, "task interrupted", ts.logArgs()...)
	default:
		c.logger.Info(ctx, "task finished", ts.logArgs()...)
	}
	return ts
}

// acquire runs the source for one task. A panic inside the source or the
// page pipeline aborts this task only.
func (c *Coordinator) acquire(
	ctx context.Context,
	run *grid.Run,
	task grid.Task,
	scope *assembly.Scope,
	ts *TaskSummary,
) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.IncSourcePanics(ctx)
			err = fmt.Errorf("source %s panicked on task %s: %v", c.source.Name(), task, r)
			c.logger.Error(ctx, "recovered panic while working task",
				"task", task.String(), "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	return c.source.Acquire(ctx, task, func(ctx context.Context, page Page) error {
		ts.Pages++
		return c.consume(ctx, run, task, scope, page, ts)
	})
}

// consume assembles one page and appends its records to the sink. It is the
// flush boundary at which cancellation is polled.
func (c *Coordinator) consume(
	ctx context.Context,
	run *grid.Run,
	task grid.Task,
	scope *assembly.Scope,
	page Page,
	ts *TaskSummary,
) error {
	fetchedAt := page.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = c.clock.Now().UTC()
	}

	res, assembleErr := c.assembler.Assemble(ctx, scope, page.Fragments)
	ts.Duplicates += res.Duplicates
	c.metrics.AddRecordsDuplicate(ctx, res.Duplicates)
	c.metrics.AddEnrichFailures(ctx, res.EnrichFailures)

	invalid := page.Invalid
	for _, f := range res.Rejected {
		invalid = append(invalid, InvalidItem{Reason: "no natural key", Raw: fragmentRaw(f)})
	}
	c.writeInvalid(ctx, run, task, page.Number, invalid)
	ts.Invalid += len(invalid)

	coord := task.Coordinate()
	prov := record.Provenance{
		RunID:     run.RunID(),
		Source:    c.source.Name(),
		Dim1Index: coord.Dim1,
		Dim2Index: coord.Dim2,
		Dim1:      task.Dim1(),
		Dim2:      task.Dim2(),
		FetchedAt: fetchedAt,
	}

	// Sink writes are not cut short by cancellation; the flush they may
	// trigger is bounded by the sink's own retry budget.
	sinkCtx := context.WithoutCancel(ctx)
	for _, a := range res.Records {
		doc := record.Document{Key: a.Key, Collection: c.cfg.Collection, Record: a.Record, Provenance: prov}
		_ = c.sink.Append(sinkCtx, doc)
		ts.Emitted++
	}
	c.metrics.AddRecordsEmitted(ctx, len(res.Records))

	if assembleErr != nil {
		return assembleErr
	}
	return ctx.Err()
}

func (c *Coordinator) writeInvalid(ctx context.Context, run *grid.Run, task grid.Task, page int, items []InvalidItem) {
	if len(items) == 0 {
		return
	}
	c.metrics.AddRecordsInvalid(ctx, len(items))
	if c.invalid == nil {
		c.logger.Warn(ctx, "dropping records without a natural key", "task", task.String(), "count", len(items))
		return
	}

	now := c.clock.Now().UTC()
	for _, it := range items {
		err := c.invalid.Write(ctx, InvalidEntry{
			RunID:     run.RunID(),
			Source:    c.source.Name(),
			Dim1:      task.Dim1(),
			Dim2:      task.Dim2(),
			Page:      page,
			Reason:    it.Reason,
			Raw:       it.Raw,
			Timestamp: now,
		})
		if err != nil {
			c.logger.Warn(ctx, "failed to write invalid record", "task", task.String(), "error", err)
		}
	}
}

func (c *Coordinator) applyCursor(ctx context.Context, w grid.CursorWrite) error {
	if !w.Write {
		return nil
	}
	if w.Checkpoint == nil {
		if err := c.checkpoints.Delete(ctx); err != nil {
			return fmt.Errorf("delete checkpoint: %w", err)
		}
		c.metrics.IncCheckpointWrites(ctx, "delete")
		c.logger.Debug(ctx, "checkpoint removed")
		return nil
	}
	if err := c.checkpoints.Save(ctx, w.Checkpoint); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", w.Checkpoint.Coordinate(), err)
	}
	c.metrics.IncCheckpointWrites(ctx, "save")
	c.logger.Debug(ctx, "checkpoint saved", "checkpoint", w.Checkpoint.Coordinate().String())
	return nil
}

func fragmentRaw(f assembly.Fragment) map[string]string {
	raw := make(map[string]string, len(f.Fields)+1)
	for k, v := range f.Fields {
		raw[k] = v.Text()
	}
	if f.EnrichmentKey != "" {
		raw["_enrichment_key"] = f.EnrichmentKey
	}
	return raw
}
