package storage

import "errors"

// Storage errors shared by every backend.
var (
	// ErrNotFound is returned when a requested key or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when inserting a record whose key already
	// exists. Archive and observation stores are append-only.
	ErrDuplicateKey = errors.New("duplicate key: append-only store does not allow updates")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrWrongType is returned when a key holds a value of another kind
	// (for example reading a set with Get).
	ErrWrongType = errors.New("wrong value type for key")
)
