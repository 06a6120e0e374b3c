package config

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keymux/keymux/internal/keypool"
)

// clearRecognisedEnv isolates the test from whatever the host exports.
func clearRecognisedEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		EnvOpenAIKeys, EnvAnthropicKeys, EnvGoogleAIKeys,
		EnvCheckKeys, EnvPromptLogging, EnvRateLimitLockout, EnvKeyReuseDelay,
	} {
		t.Setenv(name, "")
	}
}

func TestEnvOnlyStartup(t *testing.T) {
	clearRecognisedEnv(t)
	t.Setenv(EnvOpenAIKeys, "sk-env-one,sk-env-two")
	t.Setenv(EnvCheckKeys, "false")
	t.Setenv(EnvPromptLogging, "true")
	t.Setenv(EnvRateLimitLockout, "1500")
	t.Setenv(EnvKeyReuseDelay, "250")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err, "env-only deployments run without a config file")

	assert.Equal(t, "sk-env-one,sk-env-two", cfg.Keys.OpenAI.Secrets)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.False(t, cfg.Checker.IsEnabled())
	assert.True(t, cfg.Logging.Prompts)
	assert.Equal(t, 1500, cfg.Keys.OpenAI.RateLimitLockoutMS)
	assert.Equal(t, 250, cfg.Keys.Anthropic.KeyReuseDelayMS)

	require.NoError(t, cfg.Validate())
}

func TestEnvMergesIntoLoadedFile(t *testing.T) {
	clearRecognisedEnv(t)
	t.Setenv(EnvAnthropicKeys, "sk-ant-env")

	cfg, err := LoadFromReader(strings.NewReader(
		"server:\n  listen: \"127.0.0.1:1\"\nkeys:\n  openai:\n    secrets: \"sk-from-file\"\n"),
		FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "sk-from-file", cfg.Keys.OpenAI.Secrets)
	assert.Equal(t, "sk-ant-env", cfg.Keys.Anthropic.Secrets,
		"env fills services the file leaves empty")
}

func TestEnvDoesNotOverrideFile(t *testing.T) {
	clearRecognisedEnv(t)
	t.Setenv(EnvOpenAIKeys, "sk-from-env")
	t.Setenv(EnvRateLimitLockout, "9999")

	cfg, err := LoadFromReader(strings.NewReader(
		"server:\n  listen: \"127.0.0.1:1\"\nkeys:\n  openai:\n    secrets: \"sk-from-file\"\n"+
			"    rate_limit_lockout_ms: 700\n"),
		FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "sk-from-file", cfg.Keys.OpenAI.Secrets)
	assert.Equal(t, 700, cfg.Keys.OpenAI.RateLimitLockoutMS)
}

func TestNoKeysAnywhereSurfacesSentinel(t *testing.T) {
	clearRecognisedEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	err = cfg.Validate()
	require.ErrorIs(t, err, keypool.ErrNoKeysConfigured)
}

func TestEnvIgnoresMalformedValues(t *testing.T) {
	clearRecognisedEnv(t)
	t.Setenv(EnvCheckKeys, "sometimes")
	t.Setenv(EnvRateLimitLockout, "-10")

	cfg := &Config{}
	cfg.ApplyEnv()

	assert.True(t, cfg.Checker.IsEnabled(), "unparseable booleans keep the default")
	assert.Zero(t, cfg.Keys.OpenAI.RateLimitLockoutMS, "negative durations are ignored")
}
