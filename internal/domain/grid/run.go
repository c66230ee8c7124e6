package grid

import (
	"time"

	"github.com/google/uuid"
)

// TimeProvider supplies the current time so tests can pin timelines.
type TimeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

// Status is the lifecycle state of a run.
type Status string

const (
	// StatusNotStarted is the state of a run before its checkpoint was read.
	StatusNotStarted Status = "NOT_STARTED"

	// StatusResumed means a checkpoint was found and the run will continue
	// after the recorded coordinate.
	StatusResumed Status = "RESUMED"

	// StatusInProgress means a task is being worked on.
	StatusInProgress Status = "IN_PROGRESS"

	// StatusCompleted means every task in the grid was visited. Terminal.
	StatusCompleted Status = "COMPLETED"

	// StatusInterrupted means the run stopped on a cancellation signal before
	// exhausting the grid. Terminal.
	StatusInterrupted Status = "INTERRUPTED"
)

// validTransitions defines the allowed state transitions for a run.
// Empty slices indicate terminal states.
var validTransitions = map[Status][]Status{
	StatusNotStarted:  {StatusResumed, StatusInProgress, StatusInterrupted},
	StatusResumed:     {StatusInProgress, StatusCompleted, StatusInterrupted},
	StatusInProgress:  {StatusInProgress, StatusCompleted, StatusInterrupted},
	StatusCompleted:   {},
	StatusInterrupted: {},
}

// AdvancePolicy decides whether a task whose output was not confirmed as
// persisted may still move the durable cursor forward.
type AdvancePolicy string

const (
	// AdvanceConfirmedFlush only advances across tasks whose flushes all
	// succeeded. The first unconfirmed task freezes the cursor at the last
	// contiguous confirmed task for the rest of the run.
	AdvanceConfirmedFlush AdvancePolicy = "confirmed_flush"

	// AdvanceBestEffort advances after every task regardless of flush
	// outcome.
	AdvanceBestEffort AdvancePolicy = "best_effort"
)

// OutcomeStatus classifies how a single task ended.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "COMPLETED"
	// OutcomeFailed covers exhausted retries and unexpected errors. The
	// task's partial output is still flushed.
	OutcomeFailed OutcomeStatus = "FAILED"
	// OutcomeInterrupted is a task abandoned on cancellation. It never
	// advances the cursor.
	OutcomeInterrupted OutcomeStatus = "INTERRUPTED"
)

// TaskOutcome is the result of working one task.
type TaskOutcome struct {
	Task       Task
	Status     OutcomeStatus
	Emitted    int
	Duplicates int
	Persisted  int
	Rejected   int
	// Confirmed is true when every flush of the task's records succeeded.
	Confirmed bool
	Err       error
	Duration  time.Duration
}

// CursorWrite is the durable cursor change a run asks its caller to make.
// A nil Checkpoint with Write set means the artifact must be removed.
type CursorWrite struct {
	Write      bool
	Checkpoint *Checkpoint
}

// Run is the aggregate tracking one pass over the grid: its lifecycle, the
// durable cursor it has asked to be written, and per-run counters.
type Run struct {
	runID  string
	grid   *Grid
	policy AdvancePolicy

	status  Status
	current Coordinate
	start   Coordinate

	// cursor is the last durable checkpoint value; nil means no artifact.
	cursor *Coordinate
	frozen bool

	completed   int
	failed      int
	unconfirmed int

	startedAt    time.Time
	finishedAt   time.Time
	timeProvider TimeProvider
}

// NewRun creates a run over g with the given advance policy.
func NewRun(g *Grid, policy AdvancePolicy) *Run {
	return NewRunWithTimeProvider(g, policy, realTimeProvider{})
}

// NewRunWithTimeProvider is NewRun with an injectable clock.
func NewRunWithTimeProvider(g *Grid, policy AdvancePolicy, tp TimeProvider) *Run {
	if policy == "" {
		policy = AdvanceConfirmedFlush
	}
	return &Run{
		runID:        uuid.New().String(),
		grid:         g,
		policy:       policy,
		status:       StatusNotStarted,
		timeProvider: tp,
	}
}

// Getters for Run.
func (r *Run) RunID() string         { return r.runID }
func (r *Run) Status() Status        { return r.status }
func (r *Run) Current() Coordinate   { return r.current }
func (r *Run) Start() Coordinate     { return r.start }
func (r *Run) Policy() AdvancePolicy { return r.policy }
func (r *Run) Frozen() bool          { return r.frozen }
func (r *Run) CompletedTasks() int   { return r.completed }
func (r *Run) FailedTasks() int      { return r.failed }
func (r *Run) UnconfirmedTasks() int { return r.unconfirmed }
func (r *Run) StartedAt() time.Time  { return r.startedAt }
func (r *Run) FinishedAt() time.Time { return r.finishedAt }

// Cursor returns the last durable checkpoint coordinate, if any.
func (r *Run) Cursor() (Coordinate, bool) {
	if r.cursor == nil {
		return Coordinate{}, false
	}
	return *r.cursor, true
}

// CanTransitionTo validates if a state transition is allowed.
func (r *Run) CanTransitionTo(target Status) bool {
	for _, allowed := range validTransitions[r.status] {
		if allowed == target {
			return true
		}
	}
	return false
}

func (r *Run) transition(target Status) error {
	if !r.CanTransitionTo(target) {
		return newInvalidStateTransitionError(r.status, target)
	}
	r.status = target
	return nil
}

// Begin positions the run from a loaded checkpoint, which may be nil. It
// returns the coordinate of the first task to work and whether the grid is
// already exhausted.
func (r *Run) Begin(cp *Checkpoint) (Coordinate, bool, error) {
	start, done, err := r.grid.ResumeFrom(cp)
	if err != nil {
		return Coordinate{}, false, err
	}
	r.startedAt = r.timeProvider.Now()

	if cp != nil {
		c := cp.Coordinate()
		r.cursor = &c
		if err := r.transition(StatusResumed); err != nil {
			return Coordinate{}, false, err
		}
	}
	r.start = start
	r.current = start
	return start, done, nil
}

// BeginTask marks t in progress and returns the cursor write that must be
// durable before any network work for t. The stored value means "last
// completed", so the write names t's predecessor; for the origin it removes
// any stale artifact. A frozen cursor is never moved.
func (r *Run) BeginTask(t Task) (CursorWrite, error) {
	if err := r.transition(StatusInProgress); err != nil {
		return CursorWrite{}, err
	}
	r.current = t.Coordinate()

	if r.frozen {
		return CursorWrite{}, nil
	}

	prev, ok := r.grid.Predecessor(t.Coordinate())
	if !ok {
		if r.cursor == nil {
			return CursorWrite{}, nil
		}
		r.cursor = nil
		return CursorWrite{Write: true}, nil
	}
	if r.cursor != nil && *r.cursor == prev {
		return CursorWrite{}, nil
	}
	r.cursor = &prev
	return CursorWrite{Write: true, Checkpoint: NewCheckpoint(prev)}, nil
}

// CompleteTask records a task's outcome and returns the cursor write that
// follows from it under the run's advance policy.
func (r *Run) CompleteTask(o TaskOutcome) CursorWrite {
	switch o.Status {
	case OutcomeInterrupted:
		return CursorWrite{}
	case OutcomeFailed:
		r.failed++
	default:
		r.completed++
	}

	if !o.Confirmed {
		r.unconfirmed++
		if r.policy == AdvanceConfirmedFlush {
			r.frozen = true
		}
	}
	if r.frozen {
		return CursorWrite{}
	}

	c := o.Task.Coordinate()
	r.cursor = &c
	return CursorWrite{Write: true, Checkpoint: NewCheckpoint(c)}
}

// Finish moves the run to Completed once the grid is exhausted. The returned
// write deletes the artifact unless the cursor is frozen, in which case the
// artifact is kept so the next pass re-acquires from the gap.
func (r *Run) Finish() (CursorWrite, error) {
	if err := r.transition(StatusCompleted); err != nil {
		return CursorWrite{}, err
	}
	r.finishedAt = r.timeProvider.Now()
	if r.frozen {
		return CursorWrite{}, nil
	}
	r.cursor = nil
	return CursorWrite{Write: true}, nil
}

// Interrupt moves the run to Interrupted. The durable cursor is left where
// the last completed task put it.
func (r *Run) Interrupt() error {
	if err := r.transition(StatusInterrupted); err != nil {
		return err
	}
	r.finishedAt = r.timeProvider.Now()
	return nil
}
