package harvest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/harvester/internal/app/acquisition"
	"github.com/ahrav/harvester/internal/app/assembly"
	"github.com/ahrav/harvester/internal/app/sink"
	"github.com/ahrav/harvester/internal/domain/grid"
	"github.com/ahrav/harvester/internal/domain/record"
	"github.com/ahrav/harvester/internal/infra/storage/memory"
	"github.com/ahrav/harvester/pkg/common/logger"
)

// scriptedSource yields `pages` pages of `perPage` fragments per task. hook
// runs before each page and may cancel, fail or panic.
type scriptedSource struct {
	mu      sync.Mutex
	visited []string
	pages   int
	perPage int
	hook    func(ctx context.Context, task grid.Task, page int) error
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) Acquire(ctx context.Context, task grid.Task, yield PageFunc) error {
	s.mu.Lock()
	s.visited = append(s.visited, task.String())
	s.mu.Unlock()

	for p := range s.pages {
		if s.hook != nil {
			if err := s.hook(ctx, task, p); err != nil {
				return err
			}
		}
		frags := make([]assembly.Fragment, s.perPage)
		for i := range frags {
			name := fmt.Sprintf("%s-%s-p%d-%d", task.Dim1(), task.Dim2(), p, i)
			frags[i] = assembly.Fragment{Fields: map[string]record.Value{"username": record.Present(name)}}
		}
		if err := yield(ctx, Page{Number: p + 1, Fragments: frags}); err != nil {
			return err
		}
	}
	return nil
}

func (s *scriptedSource) Visited() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.visited...)
}

// failingStore rejects every batch containing a document from the given
// task labels.
type failingStore struct {
	*memory.DocumentStore
	dim1, dim2 string
}

func (f *failingStore) InsertMany(ctx context.Context, docs []record.Document) (sink.InsertResult, error) {
	for _, d := range docs {
		if d.Provenance.Dim1 == f.dim1 && d.Provenance.Dim2 == f.dim2 {
			return sink.InsertResult{}, errors.New("write timeout")
		}
	}
	return f.DocumentStore.InsertMany(ctx, docs)
}

// cancelOnSave cancels the run once a given checkpoint is written.
type cancelOnSave struct {
	*memory.CheckpointStore
	at     grid.Coordinate
	cancel context.CancelFunc
}

func (c *cancelOnSave) Save(ctx context.Context, cp *grid.Checkpoint) error {
	if err := c.CheckpointStore.Save(ctx, cp); err != nil {
		return err
	}
	if cp.Coordinate() == c.at {
		c.cancel()
	}
	return nil
}

type recordingInvalidLog struct {
	mu      sync.Mutex
	entries []InvalidEntry
}

func (l *recordingInvalidLog) Write(_ context.Context, e InvalidEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func testGrid(t *testing.T) *grid.Grid {
	t.Helper()
	g, err := grid.New(
		grid.Dimension{Name: "area", Values: []string{"A", "B"}},
		grid.Dimension{Name: "keyword", Values: []string{"x", "y", "z"}},
	)
	require.NoError(t, err)
	return g
}

func newTestCoordinator(
	t *testing.T,
	src Source,
	store sink.DocumentStore,
	cps grid.CheckpointRepository,
	policy grid.AdvancePolicy,
	batchSize int,
	opts ...Option,
) *Coordinator {
	t.Helper()
	tracer := noop.NewTracerProvider().Tracer("test")
	asm := assembly.New(assembly.Schema{Fields: []string{"username"}, PrimaryField: "username"}, nil, logger.Noop(), tracer)
	snk := sink.New(store, sink.Config{BatchSize: batchSize, FlushAttempts: 2, FlushDelay: time.Millisecond}, nil, logger.Noop(), tracer)
	cfg := Config{Collection: "comments", Policy: policy, ShutdownTimeout: time.Second}
	return NewCoordinator(cfg, testGrid(t), src, asm, snk, cps, logger.Noop(), nil, tracer, opts...)
}

func save(d1, d2 int) memory.CheckpointOp {
	return memory.CheckpointOp{Coordinate: grid.Coordinate{Dim1: d1, Dim2: d2}}
}

var deleted = memory.CheckpointOp{Delete: true}

func TestRun_FullPassInRowMajorOrder(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{pages: 2, perPage: 2}
	docs := memory.NewDocumentStore()
	cps := memory.NewCheckpointStore()

	sum, err := newTestCoordinator(t, src, docs, cps, grid.AdvanceConfirmedFlush, 50).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"(A,x)", "(A,y)", "(A,z)", "(B,x)", "(B,y)", "(B,z)"}, src.Visited())
	assert.Equal(t, grid.StatusCompleted, sum.Status)
	assert.Equal(t, ExitExhausted, sum.ExitCode())
	assert.Equal(t, 6, sum.Completed)
	assert.Equal(t, 24, sum.Emitted)
	assert.Equal(t, 24, sum.Persisted)
	assert.Nil(t, sum.Cursor)
	assert.Equal(t, 24, docs.Len())

	assert.Equal(t, []memory.CheckpointOp{
		save(0, 0), save(0, 1), save(0, 2), save(1, 0), save(1, 1), save(1, 2), deleted,
	}, cps.History())

	d := docs.Documents()[0]
	assert.Equal(t, "comments", d.Collection)
	assert.Equal(t, "scripted", d.Provenance.Source)
	assert.Equal(t, sum.RunID, d.Provenance.RunID)
	assert.Equal(t, "A", d.Provenance.Dim1)
	assert.Equal(t, "x", d.Provenance.Dim2)
	assert.False(t, d.Provenance.FetchedAt.IsZero())
}

func TestRun_InterruptAfterTaskResumesAtSuccessor(t *testing.T) {
	t.Parallel()

	docs := memory.NewDocumentStore()
	base := memory.NewCheckpointStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cps := &cancelOnSave{CheckpointStore: base, at: grid.Coordinate{Dim1: 0, Dim2: 1}, cancel: cancel}

	first := &scriptedSource{pages: 1, perPage: 1}
	sum, err := newTestCoordinator(t, first, docs, cps, grid.AdvanceConfirmedFlush, 50).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, grid.StatusInterrupted, sum.Status)
	assert.Equal(t, ExitInterrupted, sum.ExitCode())
	assert.Equal(t, []string{"(A,x)", "(A,y)"}, first.Visited())
	require.NotNil(t, sum.Cursor)
	assert.Equal(t, grid.Coordinate{Dim1: 0, Dim2: 1}, *sum.Cursor)

	second := &scriptedSource{pages: 1, perPage: 1}
	sum, err = newTestCoordinator(t, second, docs, base, grid.AdvanceConfirmedFlush, 50).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, grid.StatusCompleted, sum.Status)
	assert.Equal(t, grid.Coordinate{Dim1: 0, Dim2: 2}, sum.Start)
	assert.Equal(t, []string{"(A,z)", "(B,x)", "(B,y)", "(B,z)"}, second.Visited())
	assert.Equal(t, 6, docs.Len())
}

func TestRun_CancelMidTaskFlushesAndKeepsCursor(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &scriptedSource{pages: 3, perPage: 2, hook: func(ctx context.Context, task grid.Task, page int) error {
		if task.String() == "(A,y)" && page == 1 {
			cancel()
			return ctx.Err()
		}
		return nil
	}}
	docs := memory.NewDocumentStore()
	cps := memory.NewCheckpointStore()

	sum, err := newTestCoordinator(t, src, docs, cps, grid.AdvanceConfirmedFlush, 50).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, grid.StatusInterrupted, sum.Status)
	assert.Equal(t, []string{"(A,x)", "(A,y)"}, src.Visited())
	assert.Equal(t, 6+2, docs.Len(), "the interrupted task's first page is flushed on shutdown")
	assert.Equal(t, []memory.CheckpointOp{save(0, 0)}, cps.History())

	cp, err := cps.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, grid.Coordinate{Dim1: 0, Dim2: 0}, cp.Coordinate())
}

func TestRun_FailedTasksStillAdvance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		hook func(ctx context.Context, task grid.Task, page int) error
	}{
		{
			name: "retries exhausted",
			hook: func(_ context.Context, task grid.Task, _ int) error {
				if task.String() == "(A,y)" {
					return fmt.Errorf("list page: %w", acquisition.ErrRetriesExhausted)
				}
				return nil
			},
		},
		{
			name: "panic in source",
			hook: func(_ context.Context, task grid.Task, _ int) error {
				if task.String() == "(A,y)" {
					panic("selector returned nil")
				}
				return nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := &scriptedSource{pages: 1, perPage: 1, hook: tt.hook}
			docs := memory.NewDocumentStore()
			cps := memory.NewCheckpointStore()

			sum, err := newTestCoordinator(t, src, docs, cps, grid.AdvanceConfirmedFlush, 50).Run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, grid.StatusCompleted, sum.Status)
			assert.Len(t, src.Visited(), 6)
			assert.Equal(t, 5, sum.Completed)
			assert.Equal(t, 1, sum.Failed)
			assert.Equal(t, 5, docs.Len())
			assert.Contains(t, cps.History(), save(0, 1), "a failed task moves the cursor like a completed one")
			assert.Equal(t, deleted, cps.History()[len(cps.History())-1])
		})
	}
}

func TestRun_UnconfirmedFlushAndAdvancePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		policy      grid.AdvancePolicy
		wantHistory []memory.CheckpointOp
		wantFrozen  bool
		wantCursor  *grid.Coordinate
	}{
		{
			name:        "confirmed flush freezes the cursor",
			policy:      grid.AdvanceConfirmedFlush,
			wantHistory: []memory.CheckpointOp{save(0, 0)},
			wantFrozen:  true,
			wantCursor:  &grid.Coordinate{Dim1: 0, Dim2: 0},
		},
		{
			name:   "best effort keeps advancing",
			policy: grid.AdvanceBestEffort,
			wantHistory: []memory.CheckpointOp{
				save(0, 0), save(0, 1), save(0, 2), save(1, 0), save(1, 1), save(1, 2), deleted,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := &scriptedSource{pages: 1, perPage: 1}
			store := &failingStore{DocumentStore: memory.NewDocumentStore(), dim1: "A", dim2: "y"}
			cps := memory.NewCheckpointStore()

			sum, err := newTestCoordinator(t, src, store, cps, tt.policy, 50).Run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, grid.StatusCompleted, sum.Status)
			assert.Len(t, src.Visited(), 6, "an unconfirmed flush never blocks the pipeline")
			assert.Equal(t, 1, sum.Unconfirmed)
			assert.Equal(t, 5, store.Len())
			assert.Equal(t, tt.wantHistory, cps.History())
			assert.Equal(t, tt.wantFrozen, sum.Frozen)
			assert.Equal(t, tt.wantCursor, sum.Cursor)
		})
	}
}

func TestRun_ReprocessingIsIdempotent(t *testing.T) {
	t.Parallel()

	docs := memory.NewDocumentStore()
	src := &scriptedSource{pages: 2, perPage: 3}

	first, err := newTestCoordinator(t, src, docs, memory.NewCheckpointStore(), grid.AdvanceConfirmedFlush, 4).
		Run(context.Background())
	require.NoError(t, err)
	keys := docs.Keys()

	second, err := newTestCoordinator(t, src, docs, memory.NewCheckpointStore(), grid.AdvanceConfirmedFlush, 4).
		Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, keys, docs.Keys())
	assert.Equal(t, 36, first.Persisted)
	assert.Zero(t, second.Persisted)
	assert.Equal(t, 36, second.Duplicates)
}

func TestRun_DuplicatePagesWithinTaskAreDropped(t *testing.T) {
	t.Parallel()

	// Every page repeats the same names, as a list that did not scroll would.
	src := &scriptedSource{pages: 1, perPage: 2}
	repeating := &repeatingSource{inner: src, times: 3}
	docs := memory.NewDocumentStore()

	sum, err := newTestCoordinator(t, repeating, docs, memory.NewCheckpointStore(), grid.AdvanceConfirmedFlush, 50).
		Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, sum.Emitted)
	assert.Equal(t, 24, sum.Duplicates)
	assert.Equal(t, 12, docs.Len())
}

type repeatingSource struct {
	inner *scriptedSource
	times int
}

func (r *repeatingSource) Name() string { return "repeating" }

func (r *repeatingSource) Acquire(ctx context.Context, task grid.Task, yield PageFunc) error {
	for range r.times {
		if err := r.inner.Acquire(ctx, task, yield); err != nil {
			return err
		}
	}
	return nil
}

func TestRun_FlushBoundariesPerTask(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{pages: 1, perPage: 3}
	docs := memory.NewDocumentStore()

	_, err := newTestCoordinator(t, src, docs, memory.NewCheckpointStore(), grid.AdvanceConfirmedFlush, 2).
		Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 2, 1, 2, 1, 2, 1, 2, 1, 2, 1}, docs.Batches())
}

func TestRun_ResumeFromExhaustedCheckpoint(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{pages: 1, perPage: 1}
	cps := memory.NewCheckpointStoreAt(grid.Coordinate{Dim1: 1, Dim2: 2})

	sum, err := newTestCoordinator(t, src, memory.NewDocumentStore(), cps, grid.AdvanceConfirmedFlush, 50).
		Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, grid.StatusCompleted, sum.Status)
	assert.Empty(t, src.Visited())
	assert.Equal(t, []memory.CheckpointOp{deleted}, cps.History())
}

func TestRun_CheckpointOutsideGridIsFatal(t *testing.T) {
	t.Parallel()

	cps := memory.NewCheckpointStoreAt(grid.Coordinate{Dim1: 7, Dim2: 0})
	sum, err := newTestCoordinator(t, &scriptedSource{}, memory.NewDocumentStore(), cps, grid.AdvanceConfirmedFlush, 50).
		Run(context.Background())
	require.ErrorIs(t, err, grid.ErrOutOfRange)
	assert.Equal(t, ExitFatal, sum.ExitCode())
}

func TestRun_InvalidRecordsGoToSideLog(t *testing.T) {
	t.Parallel()

	src := &invalidSource{}
	invalid := new(recordingInvalidLog)
	docs := memory.NewDocumentStore()

	sum, err := newTestCoordinator(t, src, docs, memory.NewCheckpointStore(), grid.AdvanceConfirmedFlush, 50,
		WithInvalidLog(invalid)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 12, sum.Invalid)
	assert.Equal(t, 6, docs.Len())
	require.Len(t, invalid.entries, 12)
	assert.Equal(t, "missing id", invalid.entries[0].Reason)
	assert.Equal(t, "no natural key", invalid.entries[1].Reason)
	assert.Equal(t, "A", invalid.entries[0].Dim1)
	assert.Equal(t, sum.RunID, invalid.entries[0].RunID)
}

// invalidSource yields one raw invalid item, one keyless fragment and one
// good fragment per task.
type invalidSource struct{}

func (invalidSource) Name() string { return "invalid" }

func (invalidSource) Acquire(ctx context.Context, task grid.Task, yield PageFunc) error {
	return yield(ctx, Page{
		Number:  1,
		Invalid: []InvalidItem{{Reason: "missing id", Raw: map[string]any{"name": "anon"}}},
		Fragments: []assembly.Fragment{
			{Fields: map[string]record.Value{"username": record.Missing()}},
			{Fields: map[string]record.Value{"username": record.Present("ok-" + task.String())}},
		},
	})
}

type countingProbe struct {
	mu      sync.Mutex
	samples int
}

func (p *countingProbe) Sample(context.Context) (MemoryStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples++
	return MemoryStats{RSS: 1 << 20}, nil
}

func TestRun_HousekeepingEveryNTasks(t *testing.T) {
	t.Parallel()

	probe := new(countingProbe)
	tracer := noop.NewTracerProvider().Tracer("test")
	asm := assembly.New(assembly.Schema{Fields: []string{"username"}, PrimaryField: "username"}, nil, logger.Noop(), tracer)
	snk := sink.New(memory.NewDocumentStore(), sink.Config{}, nil, logger.Noop(), tracer)
	cfg := Config{Collection: "comments", HousekeepingEvery: 4}

	c := NewCoordinator(cfg, testGrid(t), &scriptedSource{pages: 1, perPage: 1}, asm, snk,
		memory.NewCheckpointStore(), logger.Noop(), nil, tracer, WithMemoryProbe(probe))
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	// Six tasks with a period of four: one pass, sampled before and after.
	assert.Equal(t, 2, probe.samples)
}

func TestRun_HousekeepingWithoutProcessProbe(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.New(&buf, logger.LevelInfo, "harvester", nil)
	tracer := noop.NewTracerProvider().Tracer("test")
	asm := assembly.New(assembly.Schema{Fields: []string{"username"}, PrimaryField: "username"}, nil, log, tracer)
	snk := sink.New(memory.NewDocumentStore(), sink.Config{}, nil, log, tracer)
	cfg := Config{Collection: "comments", HousekeepingEvery: 3}

	c := NewCoordinator(cfg, testGrid(t), &scriptedSource{pages: 1, perPage: 1}, asm, snk,
		memory.NewCheckpointStore(), log, nil, tracer)
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	// Six tasks with a period of three: two heap-only passes.
	var passes int
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["msg"] != "housekeeping" {
			continue
		}
		passes++
		assert.Equal(t, float64(0), entry["rss_after_bytes"])
		assert.Greater(t, entry["heap_alloc_bytes"], float64(0))
	}
	assert.Equal(t, 2, passes)
}
