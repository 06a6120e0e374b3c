package cache

import (
	"context"
	"time"
)

// noopCache stores nothing. Writes succeed silently, reads always miss.
type noopCache struct{}

var _ Cache = noopCache{}

func (noopCache) Get(context.Context, string) ([]byte, error) { return nil, ErrNotFound }

func (noopCache) SetWithTTL(context.Context, string, []byte, time.Duration) error { return nil }

func (noopCache) Delete(context.Context, string) error { return nil }

func (noopCache) Close() error { return nil }
