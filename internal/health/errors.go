package health

import "errors"

// ErrCircuitOpen is returned when a service's circuit breaker is open
// and rejecting requests.
var ErrCircuitOpen = errors.New("health: circuit breaker is open")
