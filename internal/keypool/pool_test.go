package keypool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, extraRoutes map[string]Service) *Pool {
	t.Helper()

	anthropic, err := NewAnthropicProvider("sk-ant-a,sk-ant-b", ProviderConfig{})
	require.NoError(t, err)
	openai, err := NewOpenAIProvider("sk-oai-a", ProviderConfig{})
	require.NoError(t, err)

	pool, err := NewPool([]Provider{anthropic, openai}, extraRoutes)
	require.NoError(t, err)
	return pool
}

func TestNewPoolRequiresProviders(t *testing.T) {
	_, err := NewPool(nil, nil)
	require.ErrorIs(t, err, ErrNoKeysConfigured)
}

func TestServiceFor(t *testing.T) {
	pool := newTestPool(t, nil)

	tests := []struct {
		model   string
		want    Service
		wantErr error
	}{
		{model: "claude-2.1", want: ServiceAnthropic},
		{model: "claude-3-opus-20240229", want: ServiceAnthropic},
		{model: "gpt-4-turbo", want: ServiceOpenAI},
		{model: "text-embedding-ada-002", want: ServiceOpenAI},
		{model: "gemini-pro", wantErr: ErrUnknownModel}, // routed service has no provider
		{model: "mystery-model", wantErr: ErrUnknownModel},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			svc, err := pool.ServiceFor(tt.model)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, svc)
		})
	}
}

func TestServiceForLongestPrefixWins(t *testing.T) {
	pool := newTestPool(t, map[string]Service{
		"gpt-4-internal": ServiceAnthropic,
	})

	svc, err := pool.ServiceFor("gpt-4-internal-v2")
	require.NoError(t, err)
	assert.Equal(t, ServiceAnthropic, svc, "configured route should override the built-in prefix")

	svc, err = pool.ServiceFor("gpt-4-turbo")
	require.NoError(t, err)
	assert.Equal(t, ServiceOpenAI, svc)
}

func TestPoolGetRoutesByModel(t *testing.T) {
	pool := newTestPool(t, nil)

	sel, err := pool.Get("claude-2")
	require.NoError(t, err)
	assert.Equal(t, ServiceAnthropic, sel.Service)

	sel, err = pool.Get("gpt-4")
	require.NoError(t, err)
	assert.Equal(t, ServiceOpenAI, sel.Service)
}

func TestPoolAvailability(t *testing.T) {
	pool := newTestPool(t, nil)

	assert.Equal(t, 2, pool.Available(ServiceAnthropic))
	assert.Equal(t, 1, pool.Available(ServiceOpenAI))
	assert.Equal(t, 0, pool.Available(ServiceGoogleAI))
	assert.Equal(t, 3, pool.AvailableTotal())

	pool.Disable(ServiceAnthropic, hashOf("sk-ant-a"))
	assert.Equal(t, 1, pool.Available(ServiceAnthropic))
	assert.Equal(t, 2, pool.AvailableTotal())
}

func TestPoolChangedSignal(t *testing.T) {
	pool := newTestPool(t, nil)

	select {
	case <-pool.Changed():
		t.Fatal("no change should be pending")
	default:
	}

	pool.Disable(ServiceAnthropic, hashOf("sk-ant-a"))

	select {
	case <-pool.Changed():
	default:
		t.Fatal("disable should signal availability change")
	}
}

func TestPoolUpdateUnknownService(t *testing.T) {
	pool := newTestPool(t, nil)

	err := pool.Update(ServiceGoogleAI, "deadbeef", Patch{})
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPoolListIsSortedAndRedacted(t *testing.T) {
	pool := newTestPool(t, nil)

	views := pool.List()
	require.Len(t, views, 3)
	for i := 1; i < len(views); i++ {
		prev, cur := views[i-1], views[i]
		ordered := prev.Service < cur.Service ||
			(prev.Service == cur.Service && prev.Hash < cur.Hash)
		assert.True(t, ordered, "views must be sorted by service then hash")
	}
}

func TestKnownFamilies(t *testing.T) {
	assert.Contains(t, KnownFamilies(ServiceOpenAI), "gpt-4")
	assert.Contains(t, KnownFamilies(ServiceAnthropic), "claude")
	assert.Contains(t, KnownFamilies(ServiceGoogleAI), "gemini-pro")
	assert.Nil(t, KnownFamilies(Service("unknown")))
}
