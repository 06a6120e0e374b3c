// Package cache provides the response cache used for upstream model
// catalogs and other short-lived derived data.
//
// Three backends hide behind one interface:
//   - Single mode (Ristretto): local in-memory cache, the default
//   - HA mode (Olric): distributed cache shared across relay instances
//   - Disabled mode: passthrough, every read is a miss
//
// All implementations are safe for concurrent use.
package cache

import (
	"context"
	"errors"
	"time"
)

// Standard errors for cache operations.
var (
	// ErrNotFound is returned when a key does not exist in the cache.
	ErrNotFound = errors.New("cache: key not found")

	// ErrClosed is returned when operations are attempted on a closed cache.
	ErrClosed = errors.New("cache: cache is closed")
)

// Cache is the backend contract.
type Cache interface {
	// Get retrieves a value. Returns ErrNotFound on miss.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetWithTTL stores a value that expires after ttl.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Idempotent.
	Delete(ctx context.Context, key string) error

	// Close releases resources. Idempotent; operations after Close
	// return ErrClosed.
	Close() error
}

// Stats provides cache statistics for the status endpoint.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	KeyCount  uint64 `json:"key_count"`
	BytesUsed uint64 `json:"bytes_used"`
	Evictions uint64 `json:"evictions"`
}

// StatsProvider is an optional interface for backends that track statistics.
type StatsProvider interface {
	Stats() Stats
}
