package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("task not found")
	ErrInvalidState = errors.New("invalid task state")

	// ErrConflict is returned by CompareAndUpdate when the persisted status
	// differs from the expected one.
	ErrConflict = errors.New("task status changed concurrently")
)

// StorageError wraps an I/O failure of a task store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError returns nil when err is nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// HandlerError is a task-specific execution failure. It is recorded in the
// task's error field and never returned to callers of the scheduler.
type HandlerError struct {
	Type string
	Err  error
}

func (e *HandlerError) Error() string {
	return e.Err.Error()
}

func (e *HandlerError) Unwrap() error { return e.Err }

func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
