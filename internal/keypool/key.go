// Package keypool manages pools of upstream API credentials for the proxy.
//
// Each supported service family (openai, anthropic, google-ai) owns a
// ServiceProvider holding its key records. Providers are the sole writers of
// key state: every external mutation goes through a hash plus a patch, and a
// single provider-level mutex guards the whole key list. The Pool routes
// calls to the provider owning the request's target service.
package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// Service identifies an upstream API family.
type Service string

// Supported upstream service families.
const (
	ServiceOpenAI    Service = "openai"
	ServiceAnthropic Service = "anthropic"
	ServiceGoogleAI  Service = "google-ai"
)

// Key is a single upstream credential and its mutable state.
// Keys are owned exclusively by their ServiceProvider; nothing outside the
// provider ever holds a reference to one. All fields are read and written
// under the provider's mutex.
type Key struct {
	// Immutable identity.
	secret  string
	Hash    string // first 8 hex chars of sha256(secret), safe for logs
	Service Service

	// Health flags.
	IsDisabled bool // operator- or checker-set; disabled keys are never selected
	IsRevoked  bool // upstream confirmed the credential is permanently unusable

	// Capability set detected by the checker, e.g. {"gpt-4","gpt-3.5-turbo"}.
	ModelFamilies map[string]bool

	// Usage accounting.
	PromptCount int64
	TokensUsed  map[string]int64 // per-family output token counters

	// Timing.
	LastUsed         time.Time // last dispatch
	LastChecked      time.Time // last checker probe; zero means unchecked
	RateLimitedAt    time.Time // last 429 (or reuse-throttle arm)
	RateLimitedUntil time.Time // end of the current lockout window

	// OpenAI-only: tightest bounds harvested from x-ratelimit-* headers.
	RequestsRemaining int
	TokensRemaining   int
	RequestsReset     time.Time
	TokensReset       time.Time

	// Anthropic-only: trial or paid tier, detected by the checker.
	Tier string

	// Google-only: raw upstream model IDs for diagnostic display.
	ModelIDs []string
}

// newKey builds a key record for the given secret.
// The hash is an identifier for logging and patching, not a security
// primitive; the secret itself never leaves the provider except inside a
// Selection handed to the dispatcher.
func newKey(service Service, secret string, families []string) *Key {
	sum := sha256.Sum256([]byte(secret))

	fams := make(map[string]bool, len(families))
	for _, f := range families {
		fams[f] = true
	}

	return &Key{
		secret:            secret,
		Hash:              hex.EncodeToString(sum[:])[:8],
		Service:           service,
		ModelFamilies:     fams,
		TokensUsed:        make(map[string]int64),
		RequestsRemaining: -1, // unknown until headers arrive
		TokensRemaining:   -1,
	}
}

// hasFamily reports whether the key claims the given model family.
func (k *Key) hasFamily(family string) bool {
	return k.ModelFamilies[family]
}

// families returns the capability set as a sorted slice for views.
func (k *Key) families() []string {
	out := make([]string, 0, len(k.ModelFamilies))
	for f := range k.ModelFamilies {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// View is the redacted public projection of a key record, as returned by
// ServiceProvider.List and the admin key listing. It never carries the secret.
type View struct {
	Hash             string    `json:"hash"`
	Service          Service   `json:"service"`
	IsDisabled       bool      `json:"is_disabled"`
	IsRevoked        bool      `json:"is_revoked"`
	ModelFamilies    []string  `json:"model_families"`
	ModelIDs         []string  `json:"model_ids,omitempty"`
	Tier             string    `json:"tier,omitempty"`
	PromptCount      int64     `json:"prompt_count"`
	LastUsed         time.Time `json:"last_used"`
	LastChecked      time.Time `json:"last_checked"`
	RateLimitedUntil time.Time `json:"rate_limited_until"`
}

// view snapshots the key under the provider lock.
func (k *Key) view() View {
	return View{
		Hash:             k.Hash,
		Service:          k.Service,
		IsDisabled:       k.IsDisabled,
		IsRevoked:        k.IsRevoked,
		ModelFamilies:    k.families(),
		ModelIDs:         append([]string(nil), k.ModelIDs...),
		Tier:             k.Tier,
		PromptCount:      k.PromptCount,
		LastUsed:         k.LastUsed,
		LastChecked:      k.LastChecked,
		RateLimitedUntil: k.RateLimitedUntil,
	}
}

// Selection is the result of choosing a key for dispatch. The secret is
// exposed here so the upstream proxy can stamp authorization; callers must
// not retain it beyond the request.
type Selection struct {
	Hash    string
	Secret  string
	Service Service
}

// Patch is a partial update applied to a key by hash. Nil fields are left
// untouched. Patches are the only mutation path available to the checker
// and to response post-processing.
type Patch struct {
	Disabled      *bool
	Revoked       *bool
	ModelFamilies []string // replaces the capability set when non-nil
	ModelIDs      []string // replaces the detected model ID list when non-nil
	Tier          *string
}
