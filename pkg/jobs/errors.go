package jobs

import (
	"errors"
	"fmt"
)

// Sentinel errors for job operations.
var (
	// ErrInvalidRequest indicates a malformed submission.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrDuplicateJob indicates the job id already exists.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrNotFound indicates no job has the given id.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidQuery indicates a bad filter or pagination window.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrInternal indicates the store is unavailable or an unexpected fault.
	ErrInternal = errors.New("internal failure")
)

// Error adds operation context to a job failure.
type Error struct {
	// Op is the operation that failed (e.g., "Submit", "Kill").
	Op string

	// ID is the job involved, if known.
	ID string

	// Field names the offending request field for ErrInvalidRequest.
	Field string

	// Err is the underlying error; it matches one of the sentinels.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Field, e.Err)
	case e.ID != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func invalidField(field, msg string) error {
	return &Error{Op: "Submit", Field: field, Err: fmt.Errorf("%w: %s", ErrInvalidRequest, msg)}
}

// internal wraps an unexpected store error as ErrInternal unless it already
// carries a sentinel the caller must see.
func internal(op, id string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrInternal, ErrNotFound, ErrDuplicateJob, ErrInvalidQuery, ErrInvalidRequest} {
		if errors.Is(err, known) {
			return err
		}
	}
	return &Error{Op: op, ID: id, Err: fmt.Errorf("%w: %v", ErrInternal, err)}
}

// IsNotFound reports whether err means the job does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
