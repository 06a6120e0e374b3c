package health

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/keymux/keymux/internal/keypool"
)

// State represents the circuit breaker state.
type State = gobreaker.State

// Circuit breaker state constants.
const (
	StateClosed   = gobreaker.StateClosed
	StateOpen     = gobreaker.StateOpen
	StateHalfOpen = gobreaker.StateHalfOpen
)

// CircuitBreaker wraps sony/gobreaker TwoStepCircuitBreaker for one
// upstream service.
type CircuitBreaker struct {
	cb      *gobreaker.TwoStepCircuitBreaker[struct{}]
	service keypool.Service
}

// NewCircuitBreaker creates a breaker for the given upstream service.
func NewCircuitBreaker(service keypool.Service, cfg CircuitBreakerConfig, logger *zerolog.Logger) *CircuitBreaker {
	halfOpenProbes := cfg.GetHalfOpenProbes()
	failureThreshold := cfg.GetFailureThreshold()

	settings := gobreaker.Settings{
		Name:        string(service),
		MaxRequests: uint32(halfOpenProbes), //nolint:gosec // GetHalfOpenProbes returns a small positive value
		Timeout:     cfg.GetOpenDuration(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failureThreshold) //nolint:gosec // GetFailureThreshold returns a small positive value
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger == nil {
				return
			}
			event := logger.Info()
			if to == gobreaker.StateOpen {
				event = logger.Warn()
			}
			event.
				Str("service", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}

	return &CircuitBreaker{
		cb:      gobreaker.NewTwoStepCircuitBreaker[struct{}](settings),
		service: service,
	}
}

// Allow checks whether a request may pass through the breaker. The
// returned done function must be called with the request's outcome.
func (c *CircuitBreaker) Allow() (done func(err error), err error) {
	d, err := c.cb.Allow()
	if err != nil {
		return nil, ErrCircuitOpen
	}
	return d, nil
}

// State returns the current circuit breaker state.
func (c *CircuitBreaker) State() State {
	return c.cb.State()
}

// Service returns the upstream service this breaker guards.
func (c *CircuitBreaker) Service() keypool.Service {
	return c.service
}

// ReportSuccess records a successful operation outside the Allow/done
// flow. Returns false when the circuit is open; gobreaker blocks all
// traffic in that state and the circuit only half-opens after the
// configured timeout.
func (c *CircuitBreaker) ReportSuccess() bool {
	done, err := c.Allow()
	if err != nil {
		return false
	}
	done(nil)
	return true
}

// ReportFailure records a failed operation outside the Allow/done flow.
// Returns false when the circuit is already open.
func (c *CircuitBreaker) ReportFailure(err error) bool {
	done, allowErr := c.Allow()
	if allowErr != nil {
		return false
	}
	done(err)
	return true
}

// ShouldCountAsFailure reports whether an upstream response should count
// against the circuit. Client errors like 401 or 404 are the key's or
// caller's problem, not the service's.
func ShouldCountAsFailure(statusCode int, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	return statusCode >= 500 || statusCode == 429
}

// Registry holds one breaker per upstream service.
type Registry struct {
	cfg      Config
	breakers map[keypool.Service]*CircuitBreaker
}

// NewRegistry builds breakers for the given services.
func NewRegistry(cfg Config, logger *zerolog.Logger, services ...keypool.Service) *Registry {
	breakers := make(map[keypool.Service]*CircuitBreaker, len(services))
	for _, svc := range services {
		breakers[svc] = NewCircuitBreaker(svc, cfg.CircuitBreaker, logger)
	}
	return &Registry{cfg: cfg, breakers: breakers}
}

// Allow checks the breaker for a service. When circuit breaking is
// disabled or the service has no breaker, requests pass with a no-op
// done function.
func (r *Registry) Allow(service keypool.Service) (done func(err error), err error) {
	if !r.cfg.IsEnabled() {
		return func(error) {}, nil
	}
	cb, ok := r.breakers[service]
	if !ok {
		return func(error) {}, nil
	}
	return cb.Allow()
}

// Breaker returns the breaker for a service, or nil.
func (r *Registry) Breaker(service keypool.Service) *CircuitBreaker {
	return r.breakers[service]
}

// States returns the current state of every breaker, keyed by service.
func (r *Registry) States() map[keypool.Service]State {
	out := make(map[keypool.Service]State, len(r.breakers))
	for svc, cb := range r.breakers {
		out[svc] = cb.State()
	}
	return out
}
