package keypool

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keymux/keymux/internal/ratelimit"
)

// openaiFamilies are the capability families the checker can detect on an
// OpenAI key. Listed longest-prefix-first for FamilyOf matching.
var openaiFamilies = []string{
	"gpt-4-turbo",
	"gpt-4-32k",
	"gpt-4",
	"gpt-3.5-turbo",
	"text-embedding",
	"text-moderation",
	"dall-e",
	"whisper",
	"tts",
}

// openaiDefaultFamilies seed new keys until the first probe refines them.
var openaiDefaultFamilies = []string{"gpt-4", "gpt-3.5-turbo", "text-moderation"}

func openaiFamilyOf(model string) string {
	for _, fam := range openaiFamilies {
		if strings.HasPrefix(model, fam) {
			return fam
		}
	}
	return model
}

func openaiUSDPerKiloToken(family string) float64 {
	switch family {
	case "gpt-4-32k":
		return 0.12
	case "gpt-4":
		return 0.06
	case "gpt-4-turbo":
		return 0.03
	default:
		return 0.002
	}
}

// OpenAIProvider extends the shared provider with x-ratelimit-* header
// handling: remaining-request/remaining-token counts tighten selection, and
// a per-key token bucket paces dispatch at the learned RPM.
type OpenAIProvider struct {
	*ServiceProvider

	pacerMu sync.Mutex
	pacers  map[string]*ratelimit.TokenBucket
}

// NewOpenAIProvider builds the OpenAI key provider from a comma-separated
// secret list.
func NewOpenAIProvider(secretList string, cfg ProviderConfig) (*OpenAIProvider, error) {
	p := &OpenAIProvider{pacers: make(map[string]*ratelimit.TokenBucket)}

	cfg = cfg.withDefaults()
	floor := cfg.RemainingFloor

	base, err := newServiceProvider(ServiceOpenAI, secretList, cfg, traits{
		defaultFamilies: openaiDefaultFamilies,
		familyOf:        openaiFamilyOf,
		usdPerKiloToken: openaiUSDPerKiloToken,
		throttled: func(k *Key, now time.Time) bool {
			// Header-derived floors: a key the upstream says is out of
			// requests or tokens is as good as locked out until the window
			// resets.
			if k.RequestsRemaining >= 0 && k.RequestsRemaining <= floor && now.Before(k.RequestsReset) {
				return true
			}
			if k.TokensRemaining == 0 && now.Before(k.TokensReset) {
				return true
			}
			return !p.pacerFor(k.Hash).CanRequest()
		},
	})
	if err != nil {
		return nil, err
	}

	p.ServiceProvider = base
	return p, nil
}

// pacerFor returns (creating on demand) the token bucket for a key.
func (p *OpenAIProvider) pacerFor(hash string) *ratelimit.TokenBucket {
	p.pacerMu.Lock()
	defer p.pacerMu.Unlock()

	tb, ok := p.pacers[hash]
	if !ok {
		tb = ratelimit.NewTokenBucket(0, 0) // unlimited until headers teach us
		p.pacers[hash] = tb
	}
	return tb
}

// Get selects a key and charges its pacer so bursts beyond the learned RPM
// push subsequent selections onto other keys.
func (p *OpenAIProvider) Get(model string) (Selection, error) {
	sel, err := p.ServiceProvider.Get(model)
	if err != nil {
		return Selection{}, err
	}
	p.pacerFor(sel.Hash).Allow()
	return sel, nil
}

// UpdateRateLimits parses x-ratelimit-* response headers and stores the
// tightest bound on the key. Reset values arrive as Go-style durations
// ("1s", "6m0s").
func (p *OpenAIProvider) UpdateRateLimits(hash string, headers http.Header) {
	remainingReq, okReq := parseHeaderInt(headers, "x-ratelimit-remaining-requests")
	remainingTok, okTok := parseHeaderInt(headers, "x-ratelimit-remaining-tokens")
	resetReq := parseHeaderDuration(headers, "x-ratelimit-reset-requests")
	resetTok := parseHeaderDuration(headers, "x-ratelimit-reset-tokens")
	limitReq, _ := parseHeaderInt(headers, "x-ratelimit-limit-requests")
	limitTok, _ := parseHeaderInt(headers, "x-ratelimit-limit-tokens")

	if !okReq && !okTok {
		return
	}

	p.mu.Lock()
	k, ok := p.byHash[hash]
	if ok {
		now := p.now()
		if okReq {
			k.RequestsRemaining = remainingReq
			k.RequestsReset = now.Add(resetReq)
		}
		if okTok {
			k.TokensRemaining = remainingTok
			k.TokensReset = now.Add(resetTok)
		}
	}
	p.mu.Unlock()

	if !ok {
		return
	}

	if limitReq > 0 || limitTok > 0 {
		p.pacerFor(hash).SetLimit(limitReq, limitTok)
	}

	log.Debug().
		Str("key", hash).
		Int("remaining_requests", remainingReq).
		Int("remaining_tokens", remainingTok).
		Msg("updated rate limits from headers")
}

func parseHeaderInt(headers http.Header, name string) (int, bool) {
	val := headers.Get(name)
	if val == "" {
		return 0, false
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func parseHeaderDuration(headers http.Header, name string) time.Duration {
	val := headers.Get(name)
	if val == "" {
		return time.Minute
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		return time.Minute
	}
	return d
}
