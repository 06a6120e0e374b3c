package config

import "sync/atomic"

// Runtime provides atomic access to configuration for hot reload.
// Reads are lock free: in-flight requests finish with the config they
// started with while new requests observe the latest Store.
type Runtime struct {
	ptr atomic.Pointer[Config]
}

// NewRuntime creates a Runtime seeded with the initial configuration.
func NewRuntime(initial *Config) *Runtime {
	r := &Runtime{}
	r.ptr.Store(initial)
	return r
}

// Get returns the current configuration.
func (r *Runtime) Get() *Config {
	return r.ptr.Load()
}

// Store atomically swaps in a new configuration. Called by the config
// watcher after a successful reload.
func (r *Runtime) Store(cfg *Config) {
	r.ptr.Store(cfg)
}

var _ RuntimeConfig = (*Runtime)(nil)
