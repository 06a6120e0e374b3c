package cache

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// New creates a Cache for the configuration. The context is used to
// initialize the distributed backend; local backends ignore it.
func New(ctx context.Context, cfg Config) (Cache, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Mode {
	case ModeSingle:
		return newRistrettoCache(cfg.Ristretto)
	case ModeHA:
		return newOlricCache(ctx, cfg.Olric)
	case ModeDisabled:
		log.Debug().Msg("caching disabled")
		return noopCache{}, nil
	default:
		return nil, fmt.Errorf("cache: unknown mode %q", cfg.Mode)
	}
}
