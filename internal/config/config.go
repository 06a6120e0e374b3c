package config

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"

	"github.com/keymux/keymux/internal/cache"
	"github.com/keymux/keymux/internal/health"
	"github.com/keymux/keymux/internal/keypool"
)

// RuntimeConfig is the read side of hot-reloadable configuration.
// Components that must observe config changes hold this interface and
// call Get per request instead of keeping a *Config that goes stale.
type RuntimeConfig interface {
	Get() *Config
}

// Log level constants.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Config represents the complete keymux configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Keys    KeysConfig    `yaml:"keys" toml:"keys"`
	Queue   QueueConfig   `yaml:"queue" toml:"queue"`
	Checker CheckerConfig `yaml:"checker" toml:"checker"`
	Routing RoutingConfig `yaml:"routing" toml:"routing"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
	Cache   cache.Config  `yaml:"cache" toml:"cache"`
	Health  health.Config `yaml:"health" toml:"health"`
}

// ServerConfig defines listener-level settings.
type ServerConfig struct {
	// Listen is the host:port the proxy binds to.
	Listen string `yaml:"listen" toml:"listen"`

	// ProxyKey is the shared secret clients must present. Empty disables
	// client authentication.
	ProxyKey string `yaml:"proxy_key" toml:"proxy_key"`

	// TimeoutMS bounds non-streaming upstream requests. Default 60000.
	TimeoutMS int `yaml:"timeout_ms" toml:"timeout_ms"`

	// StreamTimeoutMS bounds streaming upstream requests end to end.
	// Default 300000 (5 minutes).
	StreamTimeoutMS int `yaml:"stream_timeout_ms" toml:"stream_timeout_ms"`

	// MaxConcurrent caps in-flight proxied requests. Zero means derive
	// the cap from the number of configured keys.
	MaxConcurrent int `yaml:"max_concurrent" toml:"max_concurrent"`

	// MaxBodyBytes caps accepted request body size. Zero means 10 MB.
	MaxBodyBytes int64 `yaml:"max_body_bytes" toml:"max_body_bytes"`

	// EnableHTTP2 turns on HTTP/2 cleartext (h2c) support.
	EnableHTTP2 bool `yaml:"enable_http2" toml:"enable_http2"`
}

// GetTimeout returns the non-streaming request timeout.
func (s *ServerConfig) GetTimeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// GetStreamTimeout returns the streaming request timeout.
func (s *ServerConfig) GetStreamTimeout() time.Duration {
	if s.StreamTimeoutMS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.StreamTimeoutMS) * time.Millisecond
}

// GetMaxBodyBytes returns the request body cap.
func (s *ServerConfig) GetMaxBodyBytes() int64 {
	if s.MaxBodyBytes <= 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
}

// GetMaxConcurrentOption returns the concurrency cap as an Option.
// None means the cap should be derived from the key count.
func (s *ServerConfig) GetMaxConcurrentOption() mo.Option[int] {
	if s.MaxConcurrent <= 0 {
		return mo.None[int]()
	}
	return mo.Some(s.MaxConcurrent)
}

// KeysConfig holds the per-service credential lists.
type KeysConfig struct {
	OpenAI    ServiceKeys `yaml:"openai" toml:"openai"`
	Anthropic ServiceKeys `yaml:"anthropic" toml:"anthropic"`
	GoogleAI  ServiceKeys `yaml:"google_ai" toml:"google_ai"`
}

// Configured returns the services that have at least one secret.
func (k *KeysConfig) Configured() []keypool.Service {
	var out []keypool.Service
	if k.OpenAI.Secrets != "" {
		out = append(out, keypool.ServiceOpenAI)
	}
	if k.Anthropic.Secrets != "" {
		out = append(out, keypool.ServiceAnthropic)
	}
	if k.GoogleAI.Secrets != "" {
		out = append(out, keypool.ServiceGoogleAI)
	}
	return out
}

// CountSecrets returns the total number of configured secrets across
// all services. Used to derive the default concurrency cap.
func (k *KeysConfig) CountSecrets() int {
	n := 0
	for _, s := range []ServiceKeys{k.OpenAI, k.Anthropic, k.GoogleAI} {
		if s.Secrets == "" {
			continue
		}
		n += len(strings.Split(s.Secrets, ","))
	}
	return n
}

// ServiceKeys configures one upstream service's credentials and
// selection knobs.
type ServiceKeys struct {
	// Secrets is a comma-separated list of API keys. Supports ${ENV_VAR}
	// expansion.
	Secrets string `yaml:"secrets" toml:"secrets"`

	// RateLimitLockoutMS overrides the post-429 lockout window.
	RateLimitLockoutMS int `yaml:"rate_limit_lockout_ms" toml:"rate_limit_lockout_ms"`

	// KeyReuseDelayMS overrides the post-selection reuse throttle.
	KeyReuseDelayMS int `yaml:"key_reuse_delay_ms" toml:"key_reuse_delay_ms"`

	// RemainingFloor treats a key whose header-derived remaining request
	// count is at or below this value as locked out.
	RemainingFloor int `yaml:"remaining_floor" toml:"remaining_floor"`
}

// ProviderConfig converts the section into keypool selection knobs.
// Zero fields fall through to the keypool defaults.
func (s *ServiceKeys) ProviderConfig() keypool.ProviderConfig {
	return keypool.ProviderConfig{
		RateLimitLockout: time.Duration(s.RateLimitLockoutMS) * time.Millisecond,
		KeyReuseDelay:    time.Duration(s.KeyReuseDelayMS) * time.Millisecond,
		RemainingFloor:   s.RemainingFloor,
	}
}

// QueueConfig tunes the request queue.
type QueueConfig struct {
	// CheckerGraceMS is how long a waiter holds on when every key is
	// disabled but unchecked keys might still come online. Default 10000.
	CheckerGraceMS int `yaml:"checker_grace_ms" toml:"checker_grace_ms"`
}

// GetCheckerGrace returns the drain grace window.
func (q *QueueConfig) GetCheckerGrace() time.Duration {
	if q.CheckerGraceMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(q.CheckerGraceMS) * time.Millisecond
}

// CheckerConfig tunes the background key checker.
type CheckerConfig struct {
	// Enabled controls the background prober. Nil means enabled.
	Enabled *bool `yaml:"enabled" toml:"enabled"`

	// HealthyIntervalMS is the re-probe cadence for healthy keys.
	// Default 8 hours.
	HealthyIntervalMS int `yaml:"healthy_interval_ms" toml:"healthy_interval_ms"`

	// RecheckIntervalMS is the base retry cadence for failing keys.
	// Default 60000.
	RecheckIntervalMS int `yaml:"recheck_interval_ms" toml:"recheck_interval_ms"`

	// ProbesPerMinute paces probe sweeps. Default 30.
	ProbesPerMinute int `yaml:"probes_per_minute" toml:"probes_per_minute"`
}

// IsEnabled reports whether the checker should run. Defaults to true.
func (c *CheckerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// GetHealthyInterval returns the healthy re-probe cadence.
func (c *CheckerConfig) GetHealthyInterval() time.Duration {
	if c.HealthyIntervalMS <= 0 {
		return 8 * time.Hour
	}
	return time.Duration(c.HealthyIntervalMS) * time.Millisecond
}

// GetRecheckInterval returns the failing-key retry cadence.
func (c *CheckerConfig) GetRecheckInterval() time.Duration {
	if c.RecheckIntervalMS <= 0 {
		return time.Minute
	}
	return time.Duration(c.RecheckIntervalMS) * time.Millisecond
}

// GetProbesPerMinute returns the probe pacing rate.
func (c *CheckerConfig) GetProbesPerMinute() int {
	if c.ProbesPerMinute <= 0 {
		return 30
	}
	return c.ProbesPerMinute
}

// RoutingConfig maps model name prefixes onto upstream services.
type RoutingConfig struct {
	// ModelMapping maps model prefixes to service names, merged over the
	// built-in defaults with longest prefix winning.
	// Example: {"my-finetune": "openai", "claude": "anthropic"}
	ModelMapping map[string]string `yaml:"model_mapping" toml:"model_mapping"`
}

// ExtraRoutes converts the mapping into keypool route entries.
func (r *RoutingConfig) ExtraRoutes() map[string]keypool.Service {
	if len(r.ModelMapping) == 0 {
		return nil
	}
	out := make(map[string]keypool.Service, len(r.ModelMapping))
	for prefix, svc := range r.ModelMapping {
		out[prefix] = keypool.Service(svc)
	}
	return out
}

// LoggingConfig defines logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // json, console
	Pretty bool   `yaml:"pretty" toml:"pretty"` // colored console output

	// Prompts opts in to logging full request bodies. Off unless the
	// operator asks for it; prompts can carry user data.
	Prompts bool `yaml:"prompts" toml:"prompts"`
}

// ParseLevel converts the configured level to zerolog.Level.
// Invalid values fall back to info.
func (l *LoggingConfig) ParseLevel() zerolog.Level {
	switch strings.ToLower(l.Level) {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
