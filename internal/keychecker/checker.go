// Package keychecker probes pool credentials against their upstream APIs in
// the background.
//
// Each provider gets one checker. A probe either refines the key (capability
// families, detected model IDs, tier), revokes it on a definitive upstream
// verdict, or counts as a transient failure and is retried with backoff.
// Every write goes through the provider's Update patch path; the checker
// never touches key state directly.
package keychecker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keymux/keymux/internal/keypool"
	"github.com/keymux/keymux/internal/ratelimit"
	"github.com/keymux/keymux/internal/ro"
)

// Probe cadence defaults.
const (
	// DefaultHealthyInterval is how often an already-validated key is
	// re-probed.
	DefaultHealthyInterval = 8 * time.Hour

	// DefaultRecheckInterval is how often the checker looks for due keys;
	// it is also the base of the transient-failure backoff.
	DefaultRecheckInterval = time.Minute

	// DefaultProbesPerMinute paces a sweep so a large key list does not
	// burst authenticated requests at the upstream.
	DefaultProbesPerMinute = 30

	maxBackoffShift = 6 // caps transient backoff at base << 6
	probeTimeout    = 20 * time.Second
)

// Config carries the checker knobs.
type Config struct {
	HealthyInterval time.Duration
	RecheckInterval time.Duration
	ProbesPerMinute int64

	// BaseURL overrides the service's default API endpoint, for tests.
	BaseURL string
}

func (c Config) withDefaults() Config {
	if c.HealthyInterval <= 0 {
		c.HealthyInterval = DefaultHealthyInterval
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = DefaultRecheckInterval
	}
	if c.ProbesPerMinute <= 0 {
		c.ProbesPerMinute = DefaultProbesPerMinute
	}
	return c
}

// outcome is the result of one probe.
type outcome struct {
	patch     *keypool.Patch // applied via Update when non-nil
	transient bool           // retry with backoff, leave the key untouched
}

// Checker drives background probes for one provider.
type Checker struct {
	provider keypool.Provider
	client   *http.Client
	cfg      Config
	logger   zerolog.Logger

	mu          sync.Mutex
	failures    map[string]int // consecutive transient failures per key
	lastAttempt map[string]time.Time

	now func() time.Time
}

// New builds a checker over the provider. A nil client gets a default with
// the probe timeout applied.
func New(provider keypool.Provider, client *http.Client, cfg Config) *Checker {
	if client == nil {
		client = &http.Client{Timeout: probeTimeout}
	}
	return &Checker{
		provider:    provider,
		client:      client,
		cfg:         cfg.withDefaults(),
		logger:      log.With().Str("component", "keychecker").Str("service", string(provider.Service())).Logger(),
		failures:    make(map[string]int),
		lastAttempt: make(map[string]time.Time),
		now:         time.Now,
	}
}

// Run sweeps until ctx is cancelled. The first sweep starts immediately so
// freshly loaded keys are validated before the first tick.
func (c *Checker) Run(ctx context.Context) {
	c.CheckNow(ctx)

	ticker := time.NewTicker(c.cfg.RecheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckNow(ctx)
		}
	}
}

// CheckNow probes every due key once, paced to the configured rate.
func (c *Checker) CheckNow(ctx context.Context) {
	due := c.dueCredentials()
	if len(due) == 0 {
		return
	}
	c.logger.Debug().Int("due", len(due)).Msg("starting probe sweep")

	paced := ratelimit.LimitGlobal(
		ro.StreamFromSlice(due),
		c.cfg.ProbesPerMinute,
		time.Minute,
	)
	results := ro.MapStream(paced, func(sel keypool.Selection) string {
		c.probeOne(ctx, sel)
		return sel.Hash
	})
	if _, _, err := ro.CollectWithContext(ctx, results); err != nil && ctx.Err() == nil {
		c.logger.Error().Err(err).Msg("probe sweep aborted")
	}
}

// dueCredentials joins the provider's views and credentials and picks the
// keys whose probe is due now.
func (c *Checker) dueCredentials() []keypool.Selection {
	views := make(map[string]keypool.View)
	for _, v := range c.provider.List() {
		views[v.Hash] = v
	}

	now := c.now()
	var due []keypool.Selection
	for _, sel := range c.provider.Credentials() {
		v, ok := views[sel.Hash]
		if !ok || v.IsRevoked {
			continue
		}
		if c.isDue(v, now) {
			due = append(due, sel)
		}
	}
	return due
}

func (c *Checker) isDue(v keypool.View, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if wait := c.backoff(v.Hash); wait > 0 {
		if now.Sub(c.lastAttempt[v.Hash]) < wait {
			return false
		}
		return true
	}
	if v.LastChecked.IsZero() {
		return true
	}
	return now.Sub(v.LastChecked) >= c.cfg.HealthyInterval
}

// backoff returns the wait imposed by consecutive transient failures.
// Must be called with c.mu held.
func (c *Checker) backoff(hash string) time.Duration {
	n := c.failures[hash]
	if n == 0 {
		return 0
	}
	if n > maxBackoffShift {
		n = maxBackoffShift
	}
	return c.cfg.RecheckInterval << (n - 1)
}

func (c *Checker) probeOne(ctx context.Context, sel keypool.Selection) {
	if ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	c.lastAttempt[sel.Hash] = c.now()
	c.mu.Unlock()

	out := c.probe(ctx, sel)

	c.mu.Lock()
	if out.transient {
		c.failures[sel.Hash]++
	} else {
		delete(c.failures, sel.Hash)
	}
	c.mu.Unlock()

	if out.transient {
		c.logger.Debug().Str("key", sel.Hash).Msg("probe failed transiently, will retry")
		return
	}
	if out.patch == nil {
		return
	}
	if err := c.provider.Update(sel.Hash, *out.patch); err != nil {
		c.logger.Error().Err(err).Str("key", sel.Hash).Msg("applying probe result failed")
	}
}

func (c *Checker) probe(ctx context.Context, sel keypool.Selection) outcome {
	switch sel.Service {
	case keypool.ServiceOpenAI:
		return c.probeOpenAI(ctx, sel)
	case keypool.ServiceAnthropic:
		return c.probeAnthropic(ctx, sel)
	case keypool.ServiceGoogleAI:
		return c.probeGoogleAI(ctx, sel)
	default:
		return outcome{}
	}
}

func boolPtr(b bool) *bool { return &b }

func stringPtr(s string) *string { return &s }
