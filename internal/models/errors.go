package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup by id finds no queued item.
var ErrNotFound = errors.New("queue item not found")

// ErrInvalidItem marks enqueue input rejected before touching storage.
var ErrInvalidItem = errors.New("invalid queue item")

// StorageError reports that the queue's backing medium could not read or write.
// A run or enqueue that returns it must be treated as not having happened.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("queue storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err for op, leaving nil untouched.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err carries a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// ValidationError wraps the field errors of a rejected QueueItemInput.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", ErrInvalidItem, e.Err)
}

func (e *ValidationError) Unwrap() []error { return []error{ErrInvalidItem, e.Err} }
