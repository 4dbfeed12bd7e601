package storage

import (
	"context"
	"errors"
)

// Common errors returned by Store implementations.
var (
	// ErrKeyNotFound is returned by GetItem when the key has never been written.
	ErrKeyNotFound = errors.New("storage key not found")

	// ErrEmptyKey is returned when an empty key is passed to any operation.
	ErrEmptyKey = errors.New("storage key cannot be empty")
)

// Store is the minimal key-value surface consumed by the persistent layer and
// the embedded flags engine. All operations are context-aware; implementations
// must be safe for concurrent use.
type Store interface {
	// GetItem returns the value stored under key, or ErrKeyNotFound.
	GetItem(ctx context.Context, key string) (string, error)

	// SetItem stores value under key, overwriting any previous value.
	SetItem(ctx context.Context, key, value string) error

	// RemoveItem deletes key. Removing a missing key is not an error.
	RemoveItem(ctx context.Context, key string) error
}
