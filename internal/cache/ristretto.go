package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog/log"
)

// ristrettoCache is the local in-memory backend. Cost equals the byte
// length of the stored value.
type ristrettoCache struct {
	cache  *ristretto.Cache[string, []byte]
	closed atomic.Bool
}

var (
	_ Cache         = (*ristrettoCache)(nil)
	_ StatsProvider = (*ristrettoCache)(nil)
)

func newRistrettoCache(cfg RistrettoConfig) (*ristrettoCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Int64("num_counters", cfg.NumCounters).
		Int64("max_cost", cfg.MaxCost).
		Msg("ristretto cache created")

	return &ristrettoCache{cache: c}, nil
}

func (r *ristrettoCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.closed.Load() {
		return nil, ErrClosed
	}

	value, found := r.cache.Get(key)
	if !found {
		return nil, ErrNotFound
	}
	// Copy so callers cannot mutate the cached bytes.
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (r *ristrettoCache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.closed.Load() {
		return ErrClosed
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	r.cache.SetWithTTL(key, stored, int64(len(stored)), ttl)
	return nil
}

func (r *ristrettoCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.closed.Load() {
		return ErrClosed
	}
	r.cache.Del(key)
	return nil
}

func (r *ristrettoCache) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.cache.Wait()
	r.cache.Close()
	return nil
}

func (r *ristrettoCache) Stats() Stats {
	if r.closed.Load() {
		return Stats{}
	}
	m := r.cache.Metrics
	return Stats{
		Hits:      m.Hits(),
		Misses:    m.Misses(),
		KeyCount:  m.KeysAdded() - m.KeysEvicted(),
		BytesUsed: m.CostAdded() - m.CostEvicted(),
		Evictions: m.KeysEvicted(),
	}
}
