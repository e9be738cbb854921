package jobs

import "context"

// Store is the authoritative persisted record of jobs.
//
// CompareAndSetStatus is the only mutation after Insert. Implementations must
// make it atomic: of any number of concurrent calls expecting the same current
// status, at most one returns true.
type Store interface {
	// Insert persists a new record. Returns ErrDuplicateJob if the id exists.
	Insert(ctx context.Context, rec *Record) error

	// CompareAndSetStatus moves id from expected to next and applies update.
	// Returns false, nil when the current status is not expected and
	// false, ErrNotFound for unknown ids.
	CompareAndSetStatus(ctx context.Context, id string, expected, next Status, update StatusUpdate) (bool, error)

	// Get returns a copy of the record or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns matching records ordered by CreatedAt descending, ties by
	// id ascending. Returns ErrInvalidQuery when limit <= 0 or offset < 0.
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Record, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}
