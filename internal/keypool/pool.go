package keypool

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

// defaultModelRoutes map model-name prefixes to services. A configured table
// is merged over these; longest prefix wins so specific entries can carve
// exceptions out of broad ones.
var defaultModelRoutes = map[string]Service{
	"gpt-":            ServiceOpenAI,
	"text-embedding-": ServiceOpenAI,
	"text-moderation": ServiceOpenAI,
	"dall-e":          ServiceOpenAI,
	"whisper-":        ServiceOpenAI,
	"tts-":            ServiceOpenAI,
	"claude-":         ServiceAnthropic,
	"claude":          ServiceAnthropic,
	"gemini-":         ServiceGoogleAI,
}

// KnownFamilies lists the capability families detectable per service. The
// checker uses it to discard upstream model IDs that map to no family.
func KnownFamilies(service Service) []string {
	switch service {
	case ServiceOpenAI:
		return append([]string(nil), openaiFamilies...)
	case ServiceAnthropic:
		return append([]string(nil), anthropicDefaultFamilies...)
	case ServiceGoogleAI:
		return []string{"gemini-pro", "gemini-flash", "gemini-ultra"}
	default:
		return nil
	}
}

// Pool aggregates one provider per service and routes calls to the provider
// owning the request's target family. It holds providers for lookup only;
// all key state lives inside them.
type Pool struct {
	providers map[Service]Provider
	routes    []modelRoute // sorted longest-prefix-first
	changed   chan struct{}
}

type modelRoute struct {
	prefix  string
	service Service
}

// NewPool builds a pool over the given providers. The extraRoutes table is
// merged over the built-in prefix defaults. Returns ErrNoKeysConfigured when
// no provider is supplied.
func NewPool(providerList []Provider, extraRoutes map[string]Service) (*Pool, error) {
	if len(providerList) == 0 {
		return nil, ErrNoKeysConfigured
	}

	routes := make(map[string]Service, len(defaultModelRoutes)+len(extraRoutes))
	for prefix, svc := range defaultModelRoutes {
		routes[prefix] = svc
	}
	for prefix, svc := range extraRoutes {
		routes[prefix] = svc
	}

	p := &Pool{
		providers: make(map[Service]Provider, len(providerList)),
		changed:   make(chan struct{}, 1),
	}
	for prefix, svc := range routes {
		p.routes = append(p.routes, modelRoute{prefix: prefix, service: svc})
	}
	sort.Slice(p.routes, func(i, j int) bool {
		if len(p.routes[i].prefix) != len(p.routes[j].prefix) {
			return len(p.routes[i].prefix) > len(p.routes[j].prefix)
		}
		return p.routes[i].prefix < p.routes[j].prefix
	})

	for _, prov := range providerList {
		p.providers[prov.Service()] = prov
		if sp, ok := prov.(interface{ setOnChange(func()) }); ok {
			sp.setOnChange(p.signal)
		}
	}

	return p, nil
}

// signal wakes any Changed listener without blocking.
func (p *Pool) signal() {
	select {
	case p.changed <- struct{}{}:
	default:
	}
}

// Changed returns a channel that receives whenever any provider's
// availability may have shifted (disable, update, rate-limit events).
// The queue uses it to re-evaluate waiters when a lockout clears early.
func (p *Pool) Changed() <-chan struct{} { return p.changed }

// ServiceFor resolves a model name to its owning service via the routing
// table. Returns ErrUnknownModel when no prefix matches or the matched
// service has no provider.
func (p *Pool) ServiceFor(model string) (Service, error) {
	for _, r := range p.routes {
		if strings.HasPrefix(model, r.prefix) {
			if _, ok := p.providers[r.service]; !ok {
				return "", ErrUnknownModel
			}
			return r.service, nil
		}
	}
	return "", ErrUnknownModel
}

// Provider returns the provider for a service, if configured.
func (p *Pool) Provider(service Service) (Provider, bool) {
	prov, ok := p.providers[service]
	return prov, ok
}

// Services lists the configured services.
func (p *Pool) Services() []Service {
	return lo.Keys(p.providers)
}

// Get selects a key for the model, inferring the service from the name.
func (p *Pool) Get(model string) (Selection, error) {
	svc, err := p.ServiceFor(model)
	if err != nil {
		return Selection{}, err
	}
	return p.providers[svc].Get(model)
}

// Disable marks a key disabled on its owning provider.
func (p *Pool) Disable(service Service, hash string) {
	if prov, ok := p.providers[service]; ok {
		prov.Disable(hash)
	}
}

// Update applies a patch to a key on its owning provider.
func (p *Pool) Update(service Service, hash string, patch Patch) error {
	prov, ok := p.providers[service]
	if !ok {
		return ErrKeyNotFound
	}
	return prov.Update(hash, patch)
}

// MarkRateLimited records a 429 on a key's owning provider.
func (p *Pool) MarkRateLimited(service Service, hash string) {
	if prov, ok := p.providers[service]; ok {
		prov.MarkRateLimited(hash)
	}
}

// IncrementPrompt bumps a key's prompt counter.
func (p *Pool) IncrementPrompt(service Service, hash string) {
	if prov, ok := p.providers[service]; ok {
		prov.IncrementPrompt(hash)
	}
}

// IncrementUsage records output tokens against a key.
func (p *Pool) IncrementUsage(service Service, hash string, model string, tokens int64) {
	if prov, ok := p.providers[service]; ok {
		prov.IncrementUsage(hash, model, tokens)
	}
}

// UpdateRateLimits forwards response headers to the owning provider.
// Providers without header hints treat the call as a no-op, so the pool
// never inspects concrete provider types.
func (p *Pool) UpdateRateLimits(service Service, hash string, headers http.Header) {
	if prov, ok := p.providers[service]; ok {
		prov.UpdateRateLimits(hash, headers)
	}
}

// Available returns the count of non-disabled keys for one service.
func (p *Pool) Available(service Service) int {
	if prov, ok := p.providers[service]; ok {
		return prov.Available()
	}
	return 0
}

// AvailableTotal returns the count of non-disabled keys across services.
func (p *Pool) AvailableTotal() int {
	return lo.SumBy(lo.Values(p.providers), func(prov Provider) int {
		return prov.Available()
	})
}

// AnyUnchecked reports whether the service still has unprobed keys.
func (p *Pool) AnyUnchecked(service Service) bool {
	if prov, ok := p.providers[service]; ok {
		return prov.AnyUnchecked()
	}
	return false
}

// LockoutPeriod returns the queue sleep hint for a model's service.
func (p *Pool) LockoutPeriod(model string) time.Duration {
	svc, err := p.ServiceFor(model)
	if err != nil {
		return 0
	}
	return p.providers[svc].LockoutPeriod(model)
}

// List returns redacted views of every key across services.
func (p *Pool) List() []View {
	views := make([]View, 0)
	for _, prov := range p.providers {
		views = append(views, prov.List()...)
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].Service != views[j].Service {
			return views[i].Service < views[j].Service
		}
		return views[i].Hash < views[j].Hash
	})
	return views
}
