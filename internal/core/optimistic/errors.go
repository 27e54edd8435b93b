package optimistic

import (
	"errors"
	"fmt"
	"time"
)

// Engine-level errors
var (
	ErrClosed           = errors.New("store is closed")
	ErrCancelled        = errors.New("operation cancelled")
	ErrInvalidConfig    = errors.New("invalid engine configuration")
	ErrUnknownOperation = errors.New("unknown operation id")
	ErrStageFull        = errors.New("offline stage is full")
	ErrNoResolver       = errors.New("no conflict resolution callback configured")
)

// NotFoundError reports a mutation whose target id is absent from the
// collection. No state changes and no pending operation is registered.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("item %q not found", e.ID)
}

// RemoteError reports a backend rejection. The speculative mutation has
// already been rolled back when this surfaces.
type RemoteError struct {
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote rejected operation: %v", e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that no terminal response arrived within the rollback
// window. The speculative mutation has been rolled back; the underlying
// network call keeps running and its eventual result is discarded.
type TimeoutError struct {
	OperationID string
	After       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %s timed out after %s", e.OperationID, e.After)
}
