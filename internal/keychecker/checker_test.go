package keychecker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keymux/keymux/internal/keypool"
)

func findView(t *testing.T, prov keypool.Provider, hash string) keypool.View {
	t.Helper()
	for _, v := range prov.List() {
		if v.Hash == hash {
			return v
		}
	}
	t.Fatalf("no view for key %s", hash)
	return keypool.View{}
}

func TestOpenAIProbeRefinesFamilies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Write([]byte(`{"data":[{"id":"gpt-4-0613"},{"id":"gpt-3.5-turbo"},{"id":"babbage-002"}]}`))
	}))
	defer srv.Close()

	prov, err := keypool.NewOpenAIProvider("sk-test", keypool.ProviderConfig{})
	require.NoError(t, err)
	c := New(prov, srv.Client(), Config{BaseURL: srv.URL})

	c.CheckNow(context.Background())

	v := findView(t, prov, prov.Credentials()[0].Hash)
	assert.Equal(t, []string{"gpt-3.5-turbo", "gpt-4"}, v.ModelFamilies)
	assert.False(t, v.IsDisabled)
	assert.False(t, v.LastChecked.IsZero())
}

func TestOpenAIProbeRevokesOnUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Incorrect API key provided"}}`))
	}))
	defer srv.Close()

	prov, err := keypool.NewOpenAIProvider("sk-bad", keypool.ProviderConfig{})
	require.NoError(t, err)
	c := New(prov, srv.Client(), Config{BaseURL: srv.URL})

	c.CheckNow(context.Background())

	v := findView(t, prov, prov.Credentials()[0].Hash)
	assert.True(t, v.IsRevoked)
	assert.True(t, v.IsDisabled)
}

func TestOpenAIProbeRevokesOnQuotaExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"insufficient_quota","message":"You exceeded your current quota"}}`))
	}))
	defer srv.Close()

	prov, err := keypool.NewOpenAIProvider("sk-broke", keypool.ProviderConfig{})
	require.NoError(t, err)
	c := New(prov, srv.Client(), Config{BaseURL: srv.URL})

	c.CheckNow(context.Background())

	assert.True(t, findView(t, prov, prov.Credentials()[0].Hash).IsRevoked)
}

func TestTransientFailureLeavesKeyUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	prov, err := keypool.NewOpenAIProvider("sk-test", keypool.ProviderConfig{})
	require.NoError(t, err)
	c := New(prov, srv.Client(), Config{BaseURL: srv.URL})

	c.CheckNow(context.Background())

	v := findView(t, prov, prov.Credentials()[0].Hash)
	assert.False(t, v.IsDisabled)
	assert.False(t, v.IsRevoked)
	assert.True(t, v.LastChecked.IsZero(), "transient failures must not stamp LastChecked")
	assert.Equal(t, 1, c.failures[v.Hash])
}

func TestTransientBackoffDelaysRetry(t *testing.T) {
	prov, err := keypool.NewOpenAIProvider("sk-test", keypool.ProviderConfig{})
	require.NoError(t, err)
	c := New(prov, nil, Config{RecheckInterval: time.Minute})

	hash := prov.Credentials()[0].Hash
	now := time.Now()
	c.now = func() time.Time { return now }

	c.failures[hash] = 2
	c.lastAttempt[hash] = now.Add(-time.Minute)
	assert.Empty(t, c.dueCredentials(), "still inside the backoff window")

	c.lastAttempt[hash] = now.Add(-3 * time.Minute)
	assert.Len(t, c.dueCredentials(), 1, "backoff expired")
}

func TestHealthyKeyNotReprobedEarly(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Write([]byte(`{"data":[{"id":"gpt-4"}]}`))
	}))
	defer srv.Close()

	prov, err := keypool.NewOpenAIProvider("sk-test", keypool.ProviderConfig{})
	require.NoError(t, err)
	c := New(prov, srv.Client(), Config{BaseURL: srv.URL})

	c.CheckNow(context.Background())
	c.CheckNow(context.Background())
	assert.Equal(t, 1, calls, "validated key is not due again before the healthy interval")
}

func TestAnthropicProbeDetectsPaidTier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		w.Write([]byte(`{"id":"msg_1","content":[{"type":"text","text":"Hi"}]}`))
	}))
	defer srv.Close()

	prov, err := keypool.NewAnthropicProvider("sk-ant-test", keypool.ProviderConfig{})
	require.NoError(t, err)
	c := New(prov, srv.Client(), Config{BaseURL: srv.URL})

	c.CheckNow(context.Background())

	v := findView(t, prov, prov.Credentials()[0].Hash)
	assert.Equal(t, keypool.TierPaid, v.Tier)
	assert.False(t, v.IsDisabled)
}

func TestAnthropicProbeRevokesOnExhaustedCredit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"Your credit balance is too low to access the Anthropic API"}}`))
	}))
	defer srv.Close()

	prov, err := keypool.NewAnthropicProvider("sk-ant-broke", keypool.ProviderConfig{})
	require.NoError(t, err)
	c := New(prov, srv.Client(), Config{BaseURL: srv.URL})

	c.CheckNow(context.Background())

	v := findView(t, prov, prov.Credentials()[0].Hash)
	assert.True(t, v.IsRevoked)
	assert.Equal(t, keypool.TierTrial, v.Tier)
}

func TestAnthropicProbeSurvivesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	prov, err := keypool.NewAnthropicProvider("sk-ant-test", keypool.ProviderConfig{})
	require.NoError(t, err)
	c := New(prov, srv.Client(), Config{BaseURL: srv.URL})

	c.CheckNow(context.Background())

	v := findView(t, prov, prov.Credentials()[0].Hash)
	assert.False(t, v.IsRevoked)
	assert.False(t, v.LastChecked.IsZero())
}

func TestGoogleAIProbeRecordsModelIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models", r.URL.Path)
		assert.Equal(t, "AIza-test", r.URL.Query().Get("key"))
		w.Write([]byte(`{"models":[{"name":"models/gemini-pro"},{"name":"models/gemini-1.5-flash"}]}`))
	}))
	defer srv.Close()

	prov, err := keypool.NewGoogleAIProvider("AIza-test", keypool.ProviderConfig{})
	require.NoError(t, err)
	c := New(prov, srv.Client(), Config{BaseURL: srv.URL})

	c.CheckNow(context.Background())

	v := findView(t, prov, prov.Credentials()[0].Hash)
	assert.Equal(t, []string{"gemini-pro", "gemini-1.5-flash"}, v.ModelIDs)
	assert.Equal(t, []string{"gemini-flash", "gemini-pro"}, v.ModelFamilies)
}

func TestGoogleAIProbeRevokesInvalidKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"status":"INVALID_ARGUMENT","message":"API key not valid. Please pass a valid API key."}}`))
	}))
	defer srv.Close()

	prov, err := keypool.NewGoogleAIProvider("AIza-bad", keypool.ProviderConfig{})
	require.NoError(t, err)
	c := New(prov, srv.Client(), Config{BaseURL: srv.URL})

	c.CheckNow(context.Background())

	assert.True(t, findView(t, prov, prov.Credentials()[0].Hash).IsRevoked)
}
