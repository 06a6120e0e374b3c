package keypool

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// Selection and lockout defaults, overridable per service via ProviderConfig.
const (
	DefaultRateLimitLockout = 2000 * time.Millisecond
	DefaultKeyReuseDelay    = 500 * time.Millisecond
)

// Provider is the per-service key provider contract. Every service exposes
// the same surface; services that have no use for a call (for example
// UpdateRateLimits outside OpenAI) supply a no-op rather than forcing
// callers to probe concrete types.
type Provider interface {
	// Service returns the upstream family this provider owns keys for.
	Service() Service

	// List returns a redacted view of every key record.
	List() []View

	// Get selects one key capable of serving model.
	// Returns ErrNoKeysAvailable when the eligible subset is empty.
	Get(model string) (Selection, error)

	// Disable marks the named key disabled. Idempotent.
	Disable(hash string)

	// Update merges a patch into the named key and stamps LastChecked.
	// This is the checker's sole write path.
	Update(hash string, patch Patch) error

	// Available returns the count of non-disabled keys.
	Available() int

	// AnyUnchecked reports whether any non-revoked key has never been probed.
	AnyUnchecked() bool

	// IncrementPrompt bumps the prompt counter for the named key.
	IncrementPrompt(hash string)

	// IncrementUsage records output tokens against the model's family.
	IncrementUsage(hash string, model string, tokens int64)

	// MarkRateLimited records a 429 event and arms the lockout window.
	MarkRateLimited(hash string)

	// LockoutPeriod returns how long the queue should sleep before retrying
	// a request for model: zero if any eligible key is usable now, otherwise
	// the minimum remaining lockout across eligible keys.
	LockoutPeriod(model string) time.Duration

	// RemainingQuota returns the fraction of keys still usable, in [0,1].
	RemainingQuota() float64

	// UsageInUSD returns an aggregate spend estimate for display.
	UsageInUSD() string

	// UpdateRateLimits ingests upstream rate-limit response headers.
	// Providers without header hints treat this as a no-op.
	UpdateRateLimits(hash string, headers http.Header)

	// Credentials snapshots (hash, secret) pairs for the background checker.
	// No other caller may use it.
	Credentials() []Selection

	// FamilyOf maps a model name to the capability family used for
	// eligibility and accounting.
	FamilyOf(model string) string
}

// ProviderConfig carries the per-service selection knobs.
type ProviderConfig struct {
	// RateLimitLockout is the window after a 429 during which a key is
	// considered locked out by selection. Default 2s.
	RateLimitLockout time.Duration

	// KeyReuseDelay is the post-selection throttle applied to a key so a
	// burst cannot pin it before upstream feedback arrives. Default 500ms.
	KeyReuseDelay time.Duration

	// RemainingFloor treats an OpenAI key whose header-derived remaining
	// request count is at or below this value as locked out. Default 1.
	RemainingFloor int
}

func (c ProviderConfig) withDefaults() ProviderConfig {
	if c.RateLimitLockout <= 0 {
		c.RateLimitLockout = DefaultRateLimitLockout
	}
	if c.KeyReuseDelay <= 0 {
		c.KeyReuseDelay = DefaultKeyReuseDelay
	}
	if c.RemainingFloor <= 0 {
		c.RemainingFloor = 1
	}
	return c
}

// traits captures the per-service behavior the shared provider is
// parameterized by.
type traits struct {
	// defaultFamilies seed a key's capability set until the checker refines it.
	defaultFamilies []string

	// familyOf maps a model name to its capability family.
	familyOf func(model string) string

	// throttled reports a service-specific extra lockout condition for a
	// key, evaluated under the provider lock. May be nil.
	throttled func(k *Key, now time.Time) bool

	// usdPerKiloToken prices output tokens per family for UsageInUSD.
	usdPerKiloToken func(family string) float64
}

// ServiceProvider is the shared Provider implementation. It owns its key
// records exclusively: a single mutex guards the list, and all mutation
// happens inside its methods.
type ServiceProvider struct {
	service  Service
	cfg      ProviderConfig
	traits   traits
	onChange func() // availability-change notification, may be nil

	mu     sync.Mutex
	keys   []*Key
	byHash map[string]*Key

	now func() time.Time
}

// newServiceProvider builds a provider from a comma-separated secret list,
// deduplicated by exact string.
func newServiceProvider(service Service, secretList string, cfg ProviderConfig, tr traits) (*ServiceProvider, error) {
	secrets := lo.Uniq(lo.FilterMap(strings.Split(secretList, ","), func(s string, _ int) (string, bool) {
		s = strings.TrimSpace(s)
		return s, s != ""
	}))
	if len(secrets) == 0 {
		return nil, fmt.Errorf("keypool: no keys configured for service %s", service)
	}

	p := &ServiceProvider{
		service: service,
		cfg:     cfg.withDefaults(),
		traits:  tr,
		keys:    make([]*Key, 0, len(secrets)),
		byHash:  make(map[string]*Key, len(secrets)),
		now:     time.Now,
	}

	for _, secret := range secrets {
		k := newKey(service, secret, tr.defaultFamilies)
		if _, dup := p.byHash[k.Hash]; dup {
			continue
		}
		p.keys = append(p.keys, k)
		p.byHash[k.Hash] = k
	}

	log.Info().
		Str("service", string(service)).
		Int("num_keys", len(p.keys)).
		Msg("initialized key provider")

	return p, nil
}

// setOnChange registers the availability-change callback. Called once by the
// pool before the provider is shared.
func (p *ServiceProvider) setOnChange(fn func()) { p.onChange = fn }

func (p *ServiceProvider) notify() {
	if p.onChange != nil {
		p.onChange()
	}
}

// Service returns the upstream family this provider owns keys for.
func (p *ServiceProvider) Service() Service { return p.service }

// FamilyOf maps a model name to its capability family.
func (p *ServiceProvider) FamilyOf(model string) string { return p.traits.familyOf(model) }

// List returns a redacted view of every key record.
func (p *ServiceProvider) List() []View {
	p.mu.Lock()
	defer p.mu.Unlock()

	return lo.Map(p.keys, func(k *Key, _ int) View { return k.view() })
}

// lockedOut reports whether the key is currently skipped by selection rule 1.
func (p *ServiceProvider) lockedOut(k *Key, now time.Time) bool {
	if now.Sub(k.RateLimitedAt) < p.cfg.RateLimitLockout {
		return true
	}
	if p.traits.throttled != nil && p.traits.throttled(k, now) {
		return true
	}
	return false
}

// ranksAbove implements the selection comparator: not locked out beats locked
// out; among locked-out keys the oldest lockout wins; otherwise
// least-recently-used wins. Strict comparisons keep ties stable.
func (p *ServiceProvider) ranksAbove(a, b *Key, now time.Time) bool {
	lockedA, lockedB := p.lockedOut(a, now), p.lockedOut(b, now)
	if lockedA != lockedB {
		return !lockedA
	}
	if lockedA {
		return a.RateLimitedAt.Before(b.RateLimitedAt)
	}
	return a.LastUsed.Before(b.LastUsed)
}

// Get selects one key capable of serving model and applies the reuse
// throttle. Returns ErrNoKeysAvailable when no non-disabled key claims the
// model's family.
func (p *ServiceProvider) Get(model string) (Selection, error) {
	family := p.traits.familyOf(model)

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var best *Key
	for _, k := range p.keys {
		if k.IsDisabled || !k.hasFamily(family) {
			continue
		}
		if best == nil || p.ranksAbove(k, best, now) {
			best = k
		}
	}
	if best == nil {
		return Selection{}, ErrNoKeysAvailable
	}

	best.LastUsed = now
	if until := now.Add(p.cfg.KeyReuseDelay); until.After(best.RateLimitedUntil) {
		best.RateLimitedUntil = until
	}

	log.Debug().
		Str("service", string(p.service)).
		Str("key", best.Hash).
		Str("family", family).
		Msg("selected key")

	return Selection{Hash: best.Hash, Secret: best.secret, Service: p.service}, nil
}

// Disable marks the named key disabled. Idempotent; unknown hashes are ignored.
func (p *ServiceProvider) Disable(hash string) {
	p.mu.Lock()
	k, ok := p.byHash[hash]
	changed := ok && !k.IsDisabled
	if changed {
		k.IsDisabled = true
		log.Warn().
			Str("service", string(p.service)).
			Str("key", hash).
			Msg("key disabled")
	}
	p.mu.Unlock()

	if changed {
		p.notify()
	}
}

// Update merges a patch into the named key and stamps LastChecked.
// A revoked patch always implies disabled.
func (p *ServiceProvider) Update(hash string, patch Patch) error {
	p.mu.Lock()
	k, ok := p.byHash[hash]
	if !ok {
		p.mu.Unlock()
		return ErrKeyNotFound
	}

	if patch.ModelFamilies != nil {
		fams := make(map[string]bool, len(patch.ModelFamilies))
		for _, f := range patch.ModelFamilies {
			fams[f] = true
		}
		k.ModelFamilies = fams
	}
	if patch.ModelIDs != nil {
		k.ModelIDs = append([]string(nil), patch.ModelIDs...)
	}
	if patch.Tier != nil {
		k.Tier = *patch.Tier
	}
	if patch.Revoked != nil && *patch.Revoked {
		k.IsRevoked = true
		k.IsDisabled = true
		log.Warn().
			Str("service", string(p.service)).
			Str("key", hash).
			Msg("key revoked")
	}
	if patch.Disabled != nil {
		// A revoked key stays disabled regardless of the patch.
		k.IsDisabled = *patch.Disabled || k.IsRevoked
	}
	k.LastChecked = p.now()
	p.mu.Unlock()

	p.notify()
	return nil
}

// Available returns the count of non-disabled keys.
func (p *ServiceProvider) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return lo.CountBy(p.keys, func(k *Key) bool { return !k.IsDisabled })
}

// AnyUnchecked reports whether any non-revoked key has never been probed.
// The checker can still bring such keys online, so a drained queue waits for
// them briefly instead of failing outright.
func (p *ServiceProvider) AnyUnchecked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return lo.SomeBy(p.keys, func(k *Key) bool {
		return !k.IsRevoked && k.LastChecked.IsZero()
	})
}

// IncrementPrompt bumps the prompt counter for the named key.
func (p *ServiceProvider) IncrementPrompt(hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if k, ok := p.byHash[hash]; ok {
		k.PromptCount++
	}
}

// IncrementUsage records output tokens against the model's family.
func (p *ServiceProvider) IncrementUsage(hash string, model string, tokens int64) {
	family := p.traits.familyOf(model)

	p.mu.Lock()
	defer p.mu.Unlock()

	if k, ok := p.byHash[hash]; ok {
		k.TokensUsed[family] += tokens
	}
}

// MarkRateLimited records a 429 event and arms the lockout window.
// The lockout end only ever moves forward.
func (p *ServiceProvider) MarkRateLimited(hash string) {
	p.mu.Lock()
	k, ok := p.byHash[hash]
	if ok {
		now := p.now()
		k.RateLimitedAt = now
		if until := now.Add(p.cfg.RateLimitLockout); until.After(k.RateLimitedUntil) {
			k.RateLimitedUntil = until
		}
		log.Debug().
			Str("service", string(p.service)).
			Str("key", hash).
			Time("until", k.RateLimitedUntil).
			Msg("key rate limited")
	}
	p.mu.Unlock()

	if ok {
		p.notify()
	}
}

// LockoutPeriod returns zero if any eligible key is usable now, otherwise the
// minimum remaining lockout across eligible keys. An empty eligible subset
// also returns zero: the caller detects that case through Get or Available.
func (p *ServiceProvider) LockoutPeriod(model string) time.Duration {
	family := p.traits.familyOf(model)

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	minWait := time.Duration(0)
	anyEligible := false
	for _, k := range p.keys {
		if k.IsDisabled || !k.hasFamily(family) {
			continue
		}
		anyEligible = true
		if !k.RateLimitedUntil.After(now) && !p.lockedOut(k, now) {
			return 0
		}
		wait := k.RateLimitedUntil.Sub(now)
		if remaining := k.RateLimitedAt.Add(p.cfg.RateLimitLockout).Sub(now); remaining > wait {
			wait = remaining
		}
		if wait > 0 && (minWait == 0 || wait < minWait) {
			minWait = wait
		}
	}
	if !anyEligible {
		return 0
	}
	return minWait
}

// RemainingQuota returns the fraction of keys not disabled, in [0,1].
func (p *ServiceProvider) RemainingQuota() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) == 0 {
		return 0
	}
	usable := lo.CountBy(p.keys, func(k *Key) bool { return !k.IsDisabled })
	return float64(usable) / float64(len(p.keys))
}

// UsageInUSD sums priced output-token usage across all keys.
func (p *ServiceProvider) UsageInUSD() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0.0
	for _, k := range p.keys {
		for family, tokens := range k.TokensUsed {
			total += float64(tokens) / 1000 * p.traits.usdPerKiloToken(family)
		}
	}
	return fmt.Sprintf("$%.2f", total)
}

// UpdateRateLimits is a no-op for services without header hints.
// The OpenAI provider overrides it.
func (p *ServiceProvider) UpdateRateLimits(string, http.Header) {}

// Credentials snapshots (hash, secret) pairs for the background checker.
func (p *ServiceProvider) Credentials() []Selection {
	p.mu.Lock()
	defer p.mu.Unlock()

	return lo.Map(p.keys, func(k *Key, _ int) Selection {
		return Selection{Hash: k.Hash, Secret: k.secret, Service: p.service}
	})
}
