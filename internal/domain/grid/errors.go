package grid

import "fmt"

// ErrorKind identifies the specific failure a grid operation ran into.
type ErrorKind int

const (
	// ErrKindInvalidStateTransition indicates an attempt to move a run to a
	// status its current status does not allow.
	ErrKindInvalidStateTransition ErrorKind = iota

	// ErrKindOutOfRange indicates a coordinate outside the grid, typically a
	// checkpoint written by a run with a larger grid.
	ErrKindOutOfRange

	// ErrKindEmptyGrid indicates a dimension with no values.
	ErrKindEmptyGrid
)

// Error is a grid domain error. Callers match on kind with errors.Is.
type Error struct {
	msg  string
	kind ErrorKind
}

// Error returns the error message.
func (e *Error) Error() string { return e.msg }

// Kind returns the error's kind.
func (e *Error) Kind() ErrorKind { return e.kind }

// Is compares error kinds so sentinel values below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == t.kind
}

// Sentinels for errors.Is.
var (
	ErrInvalidStateTransition = &Error{kind: ErrKindInvalidStateTransition}
	ErrOutOfRange             = &Error{kind: ErrKindOutOfRange}
	ErrEmptyGrid              = &Error{kind: ErrKindEmptyGrid}
)

func newInvalidStateTransitionError(from, to Status) error {
	return &Error{
		msg:  fmt.Sprintf("cannot transition from %s to %s", from, to),
		kind: ErrKindInvalidStateTransition,
	}
}

func newOutOfRangeError(c Coordinate) error {
	return &Error{
		msg:  fmt.Sprintf("coordinate %s is outside the grid", c),
		kind: ErrKindOutOfRange,
	}
}

func newEmptyGridError(dim1, dim2 string) error {
	return &Error{
		msg:  fmt.Sprintf("grid %s x %s has an empty dimension", dim1, dim2),
		kind: ErrKindEmptyGrid,
	}
}
