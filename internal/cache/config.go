package cache

import (
	"errors"
	"fmt"
)

// Mode represents the cache operating mode.
type Mode string

const (
	// ModeSingle uses the local Ristretto cache (default).
	ModeSingle Mode = "single"

	// ModeHA uses the distributed Olric cache so multiple relay instances
	// share one model-catalog view.
	ModeHA Mode = "ha"

	// ModeDisabled turns caching off; every read is a miss.
	ModeDisabled Mode = "disabled"
)

// Config defines cache configuration.
type Config struct {
	Mode      Mode            `yaml:"mode" toml:"mode"`
	Olric     OlricConfig     `yaml:"olric" toml:"olric"`
	Ristretto RistrettoConfig `yaml:"ristretto" toml:"ristretto"`
}

// RistrettoConfig configures the local Ristretto cache.
type RistrettoConfig struct {
	// NumCounters is the number of 4-bit access counters.
	// Recommended: 10x expected max items.
	NumCounters int64 `yaml:"num_counters" toml:"num_counters"`

	// MaxCost is the maximum total size in bytes of cached values.
	MaxCost int64 `yaml:"max_cost" toml:"max_cost"`

	// BufferItems is the number of keys per Get buffer. Default 64.
	BufferItems int64 `yaml:"buffer_items" toml:"buffer_items"`
}

// OlricConfig configures the Olric distributed cache. Embedded mode runs a
// local node; otherwise a cluster client connects to Addresses.
type OlricConfig struct {
	DMapName  string   `yaml:"dmap_name" toml:"dmap_name"`
	BindAddr  string   `yaml:"bind_addr" toml:"bind_addr"`
	Addresses []string `yaml:"addresses" toml:"addresses"`
	Peers     []string `yaml:"peers" toml:"peers"`
	Embedded  bool     `yaml:"embedded" toml:"embedded"`
}

// WithDefaults fills in the single-mode defaults for an empty config.
func (c Config) WithDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeSingle
	}
	if c.Ristretto.NumCounters <= 0 {
		c.Ristretto.NumCounters = 100_000
	}
	if c.Ristretto.MaxCost <= 0 {
		c.Ristretto.MaxCost = 32 << 20 // 32 MB
	}
	if c.Ristretto.BufferItems <= 0 {
		c.Ristretto.BufferItems = 64
	}
	return c
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeSingle:
		if c.Ristretto.MaxCost <= 0 {
			return errors.New("cache: ristretto.max_cost must be positive")
		}
		if c.Ristretto.NumCounters <= 0 {
			return errors.New("cache: ristretto.num_counters must be positive")
		}
	case ModeHA:
		if !c.Olric.Embedded && len(c.Olric.Addresses) == 0 {
			return errors.New("cache: olric.addresses required when not embedded")
		}
		if c.Olric.Embedded && c.Olric.BindAddr == "" {
			return errors.New("cache: olric.bind_addr required when embedded")
		}
	case ModeDisabled:
	case "":
		return errors.New("cache: mode is required")
	default:
		return fmt.Errorf("cache: unknown mode %q", c.Mode)
	}
	return nil
}
