package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance provider time deterministically.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func hashOf(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:8]
}

func newTestProvider(t *testing.T, secrets string) (*AnthropicProvider, *fakeClock) {
	t.Helper()
	p, err := NewAnthropicProvider(secrets, ProviderConfig{})
	require.NoError(t, err)

	clock := newFakeClock()
	p.now = clock.Now
	return p, clock
}

func TestNewProviderParsesSecrets(t *testing.T) {
	tests := []struct {
		name    string
		secrets string
		want    int
		wantErr bool
	}{
		{name: "single", secrets: "sk-a", want: 1},
		{name: "multiple", secrets: "sk-a,sk-b,sk-c", want: 3},
		{name: "whitespace trimmed", secrets: " sk-a , sk-b ", want: 2},
		{name: "duplicates collapsed", secrets: "sk-a,sk-a,sk-b", want: 2},
		{name: "empty entries skipped", secrets: "sk-a,,sk-b", want: 2},
		{name: "empty list", secrets: "", wantErr: true},
		{name: "only separators", secrets: " , , ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewAnthropicProvider(tt.secrets, ProviderConfig{})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, p.List(), tt.want)
		})
	}
}

func TestKeyHashIsSHA256Prefix(t *testing.T) {
	p, _ := newTestProvider(t, "sk-example")

	views := p.List()
	require.Len(t, views, 1)
	assert.Equal(t, hashOf("sk-example"), views[0].Hash)
	assert.Len(t, views[0].Hash, 8)
}

func TestGetPrefersLeastRecentlyUsed(t *testing.T) {
	p, clock := newTestProvider(t, "sk-a,sk-b")

	first, err := p.Get("claude-2")
	require.NoError(t, err)
	clock.Advance(10 * time.Millisecond)

	second, err := p.Get("claude-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.Hash, second.Hash, "burst should rotate across keys")

	clock.Advance(10 * time.Millisecond)
	third, err := p.Get("claude-2")
	require.NoError(t, err)
	assert.Equal(t, first.Hash, third.Hash, "selection should come back around")
}

func TestGetSkipsRateLimitedKeys(t *testing.T) {
	p, clock := newTestProvider(t, "sk-a,sk-b")

	sel, err := p.Get("claude-2")
	require.NoError(t, err)
	p.MarkRateLimited(sel.Hash)

	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Millisecond)
		next, err := p.Get("claude-2")
		require.NoError(t, err)
		assert.NotEqual(t, sel.Hash, next.Hash)
	}

	// Lockout expiry readmits the key and LRU puts it in front.
	clock.Advance(DefaultRateLimitLockout)
	next, err := p.Get("claude-2")
	require.NoError(t, err)
	assert.Equal(t, sel.Hash, next.Hash)
}

func TestGetNeverBlocksWhenAllLockedOut(t *testing.T) {
	p, clock := newTestProvider(t, "sk-a,sk-b")

	first, err := p.Get("claude-2")
	require.NoError(t, err)
	p.MarkRateLimited(first.Hash)

	clock.Advance(5 * time.Millisecond)
	second, err := p.Get("claude-2")
	require.NoError(t, err)
	p.MarkRateLimited(second.Hash)

	// Both locked out: the oldest lockout is still returned immediately.
	clock.Advance(5 * time.Millisecond)
	sel, err := p.Get("claude-2")
	require.NoError(t, err)
	assert.Equal(t, first.Hash, sel.Hash)
}

func TestGetExcludesDisabledKeys(t *testing.T) {
	p, clock := newTestProvider(t, "sk-a,sk-b")

	sel, err := p.Get("claude-2")
	require.NoError(t, err)
	p.Disable(sel.Hash)

	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Millisecond)
		next, err := p.Get("claude-2")
		require.NoError(t, err)
		assert.NotEqual(t, sel.Hash, next.Hash)
	}
}

func TestGetErrorsWhenNoEligibleKeys(t *testing.T) {
	p, _ := newTestProvider(t, "sk-a")

	p.Disable(hashOf("sk-a"))

	_, err := p.Get("claude-2")
	require.ErrorIs(t, err, ErrNoKeysAvailable)
}

func TestGetRespectsModelFamilies(t *testing.T) {
	p, _ := newTestProvider(t, "sk-a,sk-b")

	// Restrict sk-a to opus only; a plain claude request must land on sk-b.
	require.NoError(t, p.Update(hashOf("sk-a"), Patch{ModelFamilies: []string{"claude-opus"}}))

	sel, err := p.Get("claude-2")
	require.NoError(t, err)
	assert.Equal(t, hashOf("sk-b"), sel.Hash)

	// Opus requests can still use either key.
	_, err = p.Get("claude-3-opus-20240229")
	require.NoError(t, err)
}

func TestUpdateRevokedImpliesDisabled(t *testing.T) {
	p, _ := newTestProvider(t, "sk-a")
	hash := hashOf("sk-a")

	revoked := true
	require.NoError(t, p.Update(hash, Patch{Revoked: &revoked}))

	views := p.List()
	require.Len(t, views, 1)
	assert.True(t, views[0].IsRevoked)
	assert.True(t, views[0].IsDisabled)

	// Re-enabling a revoked key is not possible through a patch.
	enabled := false
	require.NoError(t, p.Update(hash, Patch{Disabled: &enabled}))
	assert.True(t, p.List()[0].IsDisabled)
}

func TestUpdateStampsLastChecked(t *testing.T) {
	p, clock := newTestProvider(t, "sk-a")
	hash := hashOf("sk-a")

	assert.True(t, p.AnyUnchecked())

	require.NoError(t, p.Update(hash, Patch{}))

	views := p.List()
	assert.Equal(t, clock.Now(), views[0].LastChecked)
	assert.False(t, p.AnyUnchecked())
}

func TestUpdateUnknownHash(t *testing.T) {
	p, _ := newTestProvider(t, "sk-a")

	err := p.Update("deadbeef", Patch{})
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestAnyUncheckedIgnoresRevoked(t *testing.T) {
	p, _ := newTestProvider(t, "sk-a")

	revoked := true
	require.NoError(t, p.Update(hashOf("sk-a"), Patch{Revoked: &revoked}))

	assert.False(t, p.AnyUnchecked())
}

func TestLockoutPeriod(t *testing.T) {
	p, clock := newTestProvider(t, "sk-a,sk-b")

	assert.Zero(t, p.LockoutPeriod("claude-2"), "fresh keys are usable now")

	p.MarkRateLimited(hashOf("sk-a"))
	assert.Zero(t, p.LockoutPeriod("claude-2"), "one key is still free")

	p.MarkRateLimited(hashOf("sk-b"))
	wait := p.LockoutPeriod("claude-2")
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, DefaultRateLimitLockout)

	clock.Advance(DefaultRateLimitLockout)
	assert.Zero(t, p.LockoutPeriod("claude-2"))
}

func TestLockoutPeriodZeroWhenNoEligibleKeys(t *testing.T) {
	p, _ := newTestProvider(t, "sk-a")
	p.Disable(hashOf("sk-a"))

	assert.Zero(t, p.LockoutPeriod("claude-2"))
}

func TestUsageAccounting(t *testing.T) {
	p, _ := newTestProvider(t, "sk-a")
	hash := hashOf("sk-a")

	p.IncrementPrompt(hash)
	p.IncrementPrompt(hash)
	p.IncrementUsage(hash, "claude-2", 1000)
	p.IncrementUsage(hash, "claude-3-opus-20240229", 2000)

	views := p.List()
	assert.Equal(t, int64(2), views[0].PromptCount)

	// 1k claude at $0.024/k plus 2k opus at $0.075/k.
	assert.Equal(t, "$0.17", p.UsageInUSD())
}

func TestRemainingQuota(t *testing.T) {
	p, _ := newTestProvider(t, "sk-a,sk-b")

	assert.InDelta(t, 1.0, p.RemainingQuota(), 1e-9)

	p.Disable(hashOf("sk-a"))
	assert.InDelta(t, 0.5, p.RemainingQuota(), 1e-9)
}

func TestCredentialsExposeSecrets(t *testing.T) {
	p, _ := newTestProvider(t, "sk-a,sk-b")

	creds := p.Credentials()
	require.Len(t, creds, 2)
	secrets := []string{creds[0].Secret, creds[1].Secret}
	assert.ElementsMatch(t, []string{"sk-a", "sk-b"}, secrets)
	for _, c := range creds {
		assert.Equal(t, hashOf(c.Secret), c.Hash)
		assert.Equal(t, ServiceAnthropic, c.Service)
	}
}

func TestViewNeverCarriesSecret(t *testing.T) {
	p, _ := newTestProvider(t, "sk-super-secret")

	for _, v := range p.List() {
		assert.NotContains(t, v.Hash, "sk-")
	}
}

func TestOpenAIHeaderFloorsThrottleSelection(t *testing.T) {
	p, err := NewOpenAIProvider("sk-a,sk-b", ProviderConfig{})
	require.NoError(t, err)

	clock := newFakeClock()
	p.now = clock.Now

	headers := http.Header{}
	headers.Set("x-ratelimit-remaining-requests", "0")
	headers.Set("x-ratelimit-reset-requests", "6s")
	p.UpdateRateLimits(hashOf("sk-a"), headers)

	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Millisecond)
		sel, err := p.Get("gpt-4")
		require.NoError(t, err)
		assert.Equal(t, hashOf("sk-b"), sel.Hash)
	}

	// Window reset readmits the key.
	clock.Advance(10 * time.Second)
	clock.Advance(DefaultRateLimitLockout)
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		clock.Advance(10 * time.Millisecond)
		sel, err := p.Get("gpt-4")
		require.NoError(t, err)
		seen[sel.Hash] = true
	}
	assert.True(t, seen[hashOf("sk-a")])
}

func TestOpenAIFamilyOf(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4-turbo-preview", "gpt-4-turbo"},
		{"gpt-4-32k-0613", "gpt-4-32k"},
		{"gpt-4-0613", "gpt-4"},
		{"gpt-3.5-turbo-16k", "gpt-3.5-turbo"},
		{"text-embedding-ada-002", "text-embedding"},
		{"dall-e-3", "dall-e"},
		{"unknown-model", "unknown-model"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, openaiFamilyOf(tt.model), tt.model)
	}
}

func TestAnthropicFamilyOf(t *testing.T) {
	assert.Equal(t, "claude", anthropicFamilyOf("claude-2.1"))
	assert.Equal(t, "claude-opus", anthropicFamilyOf("claude-3-opus-20240229"))
	assert.Equal(t, "gpt-4", anthropicFamilyOf("gpt-4"))
}
