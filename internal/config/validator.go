package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/keymux/keymux/internal/keypool"
)

// Valid upstream service names for routing.
var validServices = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"google-ai": true,
}

// Valid logging levels.
var validLogLevels = map[string]bool{
	"":      true, // Empty defaults to info
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Valid logging formats.
var validLogFormats = map[string]bool{
	"":        true, // Empty defaults to json
	"json":    true,
	"console": true,
}

// Validate checks the configuration for errors. All problems found are
// collected into a single ValidationError.
func (c *Config) Validate() error {
	errs := &ValidationError{}

	validateServer(c, errs)
	validateKeys(c, errs)
	validateRouting(c, errs)
	validateLogging(c, errs)

	cacheCfg := c.Cache.WithDefaults()
	if err := cacheCfg.Validate(); err != nil {
		errs.Add(err.Error())
	}

	err := errs.ToError()
	if err != nil && len(c.Keys.Configured()) == 0 {
		// Startup on an empty key set fails with the keypool sentinel so
		// callers can distinguish it from a malformed file.
		return fmt.Errorf("%w: %w", keypool.ErrNoKeysConfigured, err)
	}
	return err
}

func validateServer(c *Config, errs *ValidationError) {
	if c.Server.Listen == "" {
		errs.Add("server.listen is required")
	} else {
		validateListenAddress(c.Server.Listen, errs)
	}

	if c.Server.TimeoutMS < 0 {
		errs.Add("server.timeout_ms must be >= 0")
	}
	if c.Server.StreamTimeoutMS < 0 {
		errs.Add("server.stream_timeout_ms must be >= 0")
	}
	if c.Server.MaxConcurrent < 0 {
		errs.Add("server.max_concurrent must be >= 0")
	}
	if c.Server.MaxBodyBytes < 0 {
		errs.Add("server.max_body_bytes must be >= 0")
	}
}

func validateListenAddress(addr string, errs *ValidationError) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		errs.Addf("server.listen must be in host:port format (got %q)", addr)
		return
	}

	if host != "" {
		if ip := net.ParseIP(host); ip == nil {
			if strings.ContainsAny(host, " \t\n") {
				errs.Add("server.listen host contains invalid characters")
			}
		}
	}

	if port == "" {
		errs.Add("server.listen port is required")
	}
}

func validateKeys(c *Config, errs *ValidationError) {
	if len(c.Keys.Configured()) == 0 {
		errs.Add("keys: at least one service needs a secret")
	}

	sections := []struct {
		name string
		keys ServiceKeys
	}{
		{"keys.openai", c.Keys.OpenAI},
		{"keys.anthropic", c.Keys.Anthropic},
		{"keys.google_ai", c.Keys.GoogleAI},
	}
	for _, s := range sections {
		if s.keys.RateLimitLockoutMS < 0 {
			errs.Addf("%s.rate_limit_lockout_ms must be >= 0", s.name)
		}
		if s.keys.KeyReuseDelayMS < 0 {
			errs.Addf("%s.key_reuse_delay_ms must be >= 0", s.name)
		}
		if s.keys.RemainingFloor < 0 {
			errs.Addf("%s.remaining_floor must be >= 0", s.name)
		}
		if s.keys.Secrets == "" {
			continue
		}
		for _, secret := range strings.Split(s.keys.Secrets, ",") {
			if strings.TrimSpace(secret) == "" {
				errs.Addf("%s.secrets contains an empty entry", s.name)
				break
			}
		}
	}
}

func validateRouting(c *Config, errs *ValidationError) {
	for prefix, svc := range c.Routing.ModelMapping {
		if prefix == "" {
			errs.Add("routing.model_mapping contains an empty model prefix")
		}
		if !validServices[svc] {
			errs.Addf("routing.model_mapping[%q] names unknown service %q (valid: openai, anthropic, google-ai)",
				prefix, svc)
		}
	}
}

func validateLogging(c *Config, errs *ValidationError) {
	if !validLogLevels[c.Logging.Level] {
		errs.Addf("logging.level is invalid (got %q, valid: debug, info, warn, error)",
			c.Logging.Level)
	}
	if !validLogFormats[c.Logging.Format] {
		errs.Addf("logging.format is invalid (got %q, valid: json, console)",
			c.Logging.Format)
	}
}
