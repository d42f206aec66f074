package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record, document or attachment does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when a document update names a version
	// that is no longer current.
	ErrVersionConflict = errors.New("version conflict")

	// ErrPersistence marks failures of the underlying database.
	ErrPersistence = errors.New("persistence failure")
)

// VersionConflictError reports the versions involved in a rejected update.
type VersionConflictError struct {
	DocumentID string
	Expected   int64
	Current    int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("document %s: expected version %d, store has %d: %v",
		e.DocumentID, e.Expected, e.Current, ErrVersionConflict)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// PersistenceError wraps a database failure with the operation and key
// that triggered it.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("persistence failure: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence failure: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func persistErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Key: key, Err: err}
}
