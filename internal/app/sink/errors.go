package sink

import (
	"errors"
	"fmt"
)

// FlushErrorKind distinguishes a batch that was lost from one that was only
// partly written.
type FlushErrorKind int

const (
	// FlushBatchFailed means every attempt to write the batch failed.
	FlushBatchFailed FlushErrorKind = iota
	// FlushPartial means the batch was written but some documents were
	// rejected.
	FlushPartial
)

// FlushError reports a flush that did not fully persist its batch.
type FlushError struct {
	Kind  FlushErrorKind
	Size  int
	Lost  int
	cause error
}

func (e *FlushError) Error() string {
	switch e.Kind {
	case FlushPartial:
		return fmt.Sprintf("flush of %d documents: %d rejected: %v", e.Size, e.Lost, e.cause)
	default:
		return fmt.Sprintf("flush of %d documents failed: %v", e.Size, e.cause)
	}
}

func (e *FlushError) Unwrap() error { return e.cause }

// Is matches on kind.
func (e *FlushError) Is(target error) bool {
	t, ok := target.(*FlushError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is.
var (
	ErrBatchFailed = &FlushError{Kind: FlushBatchFailed}
	ErrPartial     = &FlushError{Kind: FlushPartial}
)

func newPartialError(size int, failed []DocumentFailure) *FlushError {
	errs := make([]error, len(failed))
	for i, f := range failed {
		errs[i] = f
	}
	return &FlushError{Kind: FlushPartial, Size: size, Lost: len(failed), cause: errors.Join(errs...)}
}
