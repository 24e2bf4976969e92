// Package cache provides the key-value store backends the engine
// persists credentials, wallet connection strings and validation
// results into. Callers see only get/set/delete semantics.
package cache

import (
	"context"
	"time"
)

// Backend defines the interface for key-value store implementations
type Backend interface {
	// Get retrieves a value from the store
	// Returns (value, found, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value with the given TTL. A zero TTL means the
	// entry does not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the store
	Delete(ctx context.Context, key string) error

	// Close closes the store connection
	Close() error
}
