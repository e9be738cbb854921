package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Sentinel errors for transfer operations.
var (
	// ErrTransferFailure marks every failure of Fetch, Push or LastModified.
	// The underlying cause is available through errors.Is on the same error.
	ErrTransferFailure = errors.New("transfer failed")

	// ErrInvalidLocation indicates a blank or malformed location.
	ErrInvalidLocation = errors.New("invalid location")

	// ErrUnsupportedScheme indicates no backend is registered for a URI scheme.
	ErrUnsupportedScheme = errors.New("unsupported scheme")

	// ErrNotFound indicates the source object or file does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrTimeout indicates the call did not finish within its deadline.
	ErrTimeout = errors.New("transfer timed out")

	// ErrThrottled indicates the request was rate limited by the backend.
	ErrThrottled = errors.New("request throttled")

	// ErrUnavailable indicates the backend service is unavailable.
	ErrUnavailable = errors.New("backend unavailable")
)

// Error wraps a backend failure with the operation and location involved.
//
// Error matches ErrTransferFailure and its Err with errors.Is.
type Error struct {
	// Op is the operation that failed (e.g., "Fetch", "Push").
	Op string

	// Scheme is the backend scheme (e.g., "s3", "local").
	Scheme string

	// Location is the remote location involved.
	Location string

	// Local is the local path involved, if any.
	Local string

	// Err is the classified cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	scheme := e.Scheme
	if scheme == "" {
		scheme = SchemeLocal
	}
	if e.Local != "" {
		return fmt.Sprintf("%s %s: %s <-> %s: %v", scheme, e.Op, e.Location, e.Local, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", scheme, e.Op, e.Location, e.Err)
}

// Unwrap exposes both the transfer failure marker and the cause.
func (e *Error) Unwrap() []error {
	return []error{ErrTransferFailure, e.Err}
}

// SizeMismatchError indicates the bytes written differ from the size reported by
// the backend before the copy. It usually means the object changed mid-transfer.
type SizeMismatchError struct {
	Location string
	Expected int64
	Got      int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("source size mismatch for %s: expected=%d got=%d", e.Location, e.Expected, e.Got)
}

// Fail builds an *Error, normalizing common filesystem and context errors to
// the package sentinels.
func Fail(op, scheme, location, local string, err error) error {
	if err == nil {
		err = errors.New("unknown error")
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Op: op, Scheme: scheme, Location: location, Local: local, Err: classify(err)}
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAccessDenied), errors.Is(err, ErrTimeout),
		errors.Is(err, ErrThrottled), errors.Is(err, ErrUnavailable), errors.Is(err, ErrInvalidLocation):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case os.IsNotExist(err):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case os.IsPermission(err):
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	default:
		return err
	}
}

// IsNotFound returns true if the error indicates a missing source.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether a failure is transient and worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrUnavailable)
}
