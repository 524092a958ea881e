package storage

import "errors"

// Storage errors for ledger and notification stores.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to insert a record
	// with a key that already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout is returned when the backend gave up waiting on a statement
	// or a lock. The unit of work did not commit.
	ErrTimeout = errors.New("storage timeout")
)
