package keypool

import "errors"

// Common errors returned by providers and the pool.
var (
	// ErrNoKeysAvailable means the eligible subset for a request is empty:
	// every key for the service is disabled or lacks the requested family.
	ErrNoKeysAvailable = errors.New("keypool: no keys available")

	// ErrNoKeysConfigured means no service has any keys at startup.
	ErrNoKeysConfigured = errors.New("keypool: no keys configured")

	// ErrKeyNotFound is returned when a hash does not name a pooled key.
	ErrKeyNotFound = errors.New("keypool: key not found")

	// ErrUnknownModel is returned when no service claims the model name.
	ErrUnknownModel = errors.New("keypool: no service for model")
)
