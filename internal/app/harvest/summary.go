package harvest

import (
	"time"

	"github.com/ahrav/harvester/internal/domain/grid"
)

// Exit codes of a harvest process.
const (
	ExitExhausted   = 0
	ExitFatal       = 1
	ExitInterrupted = 130
)

// TaskSummary is the per-task log line.
type TaskSummary struct {
	Task       string
	Coordinate grid.Coordinate
	Status     grid.OutcomeStatus
	Pages      int
	Emitted    int
	Duplicates int
	Invalid    int
	Persisted  int
	Rejected   int
	Confirmed  bool
	Duration   time.Duration
	Err        error
}

// Summary describes a whole run.
type Summary struct {
	RunID  string
	Status grid.Status
	Start  grid.Coordinate
	// Cursor is the durable checkpoint left behind, if any.
	Cursor    *grid.Coordinate
	Frozen    bool
	Tasks     int
	Completed int
	Failed    int
	// Unconfirmed counts tasks with at least one flush that did not fully
	// persist.
	Unconfirmed int
	Emitted     int
	Duplicates  int
	Invalid     int
	Persisted   int
	Rejected    int
	Duration    time.Duration
}

func (s *Summary) add(t TaskSummary) {
	s.Tasks++
	s.Emitted += t.Emitted
	s.Duplicates += t.Duplicates
	s.Invalid += t.Invalid
	s.Persisted += t.Persisted
	s.Rejected += t.Rejected
}

// ExitCode maps the run's final status to a process exit code.
func (s Summary) ExitCode() int {
	switch s.Status {
	case grid.StatusCompleted:
		return ExitExhausted
	case grid.StatusInterrupted:
		return ExitInterrupted
	default:
		return ExitFatal
	}
}

// logArgs flattens the summary for structured logging.
func (s Summary) logArgs() []any {
	args := []any{
		"run_id", s.RunID,
		"status", string(s.Status),
		"start", s.Start.String(),
		"tasks", s.Tasks,
		"completed", s.Completed,
		"failed", s.Failed,
		"unconfirmed", s.Unconfirmed,
		"emitted", s.Emitted,
		"duplicates", s.Duplicates,
		"invalid", s.Invalid,
		"persisted", s.Persisted,
		"rejected", s.Rejected,
		"frozen", s.Frozen,
		"duration", s.Duration.String(),
	}
	if s.Cursor != nil {
		args = append(args, "checkpoint", s.Cursor.String())
	}
	return args
}

func (t TaskSummary) logArgs() []any {
	args := []any{
		"task", t.Task,
		"coordinate", t.Coordinate.String(),
		"status", string(t.Status),
		"pages", t.Pages,
		"emitted", t.Emitted,
		"duplicates", t.Duplicates,
		"invalid", t.Invalid,
		"persisted", t.Persisted,
		"rejected", t.Rejected,
		"confirmed", t.Confirmed,
		"duration", t.Duration.String(),
	}
	if t.Err != nil {
		args = append(args, "error", t.Err)
	}
	return args
}
