// Package storage persists cache entries keyed by an explicit cache key.
//
// A Backend stores exactly one Entry per key. Store never overwrites:
// callers that want to replace an entry go through Update.
// Backends are created from a configuration string with Create.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrDuplicateKey is returned by Store when an entry already exists for the key.
	ErrDuplicateKey = errors.New("duplicate cache key")
	// ErrNotFound is returned by Update when no entry exists for the key.
	ErrNotFound = errors.New("cache entry not found")
	// ErrBackendUnavailable wraps failures to reach the underlying store.
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	// ErrCorrupt is returned by Get when a stored entry cannot be read back.
	ErrCorrupt = errors.New("corrupt cache entry")
	// ErrUnsupportedBackend is returned by Create for unknown configurations.
	ErrUnsupportedBackend = errors.New("unsupported storage backend")
)

// Backend is the interface for a cache storage backend.
//
// Implementations must be thread-safe!
type Backend interface {
	// Get returns the entry stored under key.
	// The boolean is false if there is no such entry; a miss is not an error.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Store writes a new entry. It fails with ErrDuplicateKey if the key is taken.
	// The write is committed when Store returns.
	Store(ctx context.Context, entry Entry) error
	// Update replaces an existing entry. It fails with ErrNotFound if the key is free.
	Update(ctx context.Context, entry Entry) error
	// Purge removes the entry for key. Purging a missing key is a no-op.
	Purge(ctx context.Context, key string) error
	// Close releases the backend. Calling it more than once is allowed.
	Close() error
}

// Entry is a single stored response.
type Entry struct {
	// The cache key, unique within a backend.
	Key string
	// Method and URL of the request that produced the response.
	// They are kept for inspection only and do not take part in lookups.
	Method string
	URL    string
	// Encoded response, see the flow-serializer package.
	Payload []byte
}
