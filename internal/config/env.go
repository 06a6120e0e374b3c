package config

import (
	"os"
	"strconv"
)

// Environment options recognised without a config file. File values win;
// the environment fills whatever the file leaves empty.
const (
	EnvOpenAIKeys    = "OPENAI_KEY"
	EnvAnthropicKeys = "ANTHROPIC_KEY"
	EnvGoogleAIKeys  = "GOOGLE_AI_KEY"
	EnvCheckKeys     = "CHECK_KEYS"
	EnvPromptLogging = "PROMPT_LOGGING"

	// Lockout and reuse-delay overrides apply to every service that does
	// not set its own value in the file. Both are milliseconds.
	EnvRateLimitLockout = "RATE_LIMIT_LOCKOUT"
	EnvKeyReuseDelay    = "KEY_REUSE_DELAY"
)

// DefaultListen is the bind address used when neither the file nor the
// environment names one.
const DefaultListen = "127.0.0.1:8787"

// ApplyEnv merges the recognised environment variables into the config
// and fills the startup defaults, so an env-only deployment runs without
// a config file.
func (c *Config) ApplyEnv() {
	fillString(&c.Keys.OpenAI.Secrets, EnvOpenAIKeys)
	fillString(&c.Keys.Anthropic.Secrets, EnvAnthropicKeys)
	fillString(&c.Keys.GoogleAI.Secrets, EnvGoogleAIKeys)

	if c.Checker.Enabled == nil {
		if v, ok := lookupBool(EnvCheckKeys); ok {
			c.Checker.Enabled = &v
		}
	}
	if !c.Logging.Prompts {
		if v, ok := lookupBool(EnvPromptLogging); ok {
			c.Logging.Prompts = v
		}
	}

	for _, keys := range []*ServiceKeys{&c.Keys.OpenAI, &c.Keys.Anthropic, &c.Keys.GoogleAI} {
		fillInt(&keys.RateLimitLockoutMS, EnvRateLimitLockout)
		fillInt(&keys.KeyReuseDelayMS, EnvKeyReuseDelay)
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
}

func fillString(dst *string, name string) {
	if *dst != "" {
		return
	}
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func fillInt(dst *int, name string) {
	if *dst != 0 {
		return
	}
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		*dst = n
	}
}

func lookupBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
