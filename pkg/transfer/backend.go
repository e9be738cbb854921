// Package transfer stages files between remote storage and a local sandbox.
//
// Backends implement a small, uniform contract (validate, fetch, push, stat)
// for one storage kind. A Registry maps URI schemes to backends and is built
// once at process start; a Resolver adds timeouts, rate limiting and retries
// on top of it so callers stage any dependency through one code path.
package transfer

import (
	"context"
	"time"
)

// Backend moves files between one kind of remote storage and local paths.
//
// Implementations should:
//   - Overwrite the destination instead of appending
//   - Never leave a partially written destination behind on failure
//   - Return *Error values for Fetch, Push and LastModified failures
//   - Be safe for concurrent use
type Backend interface {
	// Schemes lists the URI schemes the backend serves.
	Schemes() []string

	// IsValid performs a cheap syntactic check of a location. It never
	// touches the storage; a missing file is still a valid location.
	// Returns ErrInvalidLocation only for blank or malformed input.
	IsValid(ctx context.Context, location string) (bool, error)

	// Fetch copies the remote location to localPath, replacing any existing file.
	Fetch(ctx context.Context, remote, localPath string) error

	// Push uploads localPath to the remote location, replacing any existing object.
	Push(ctx context.Context, localPath, remote string) error

	// LastModified returns the modification time of a location without
	// reading its content.
	LastModified(ctx context.Context, location string) (time.Time, error)
}
