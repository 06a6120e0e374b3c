package proxy

import (
	"net/http"

	"github.com/keymux/keymux/internal/cache"
	"github.com/keymux/keymux/internal/health"
	"github.com/keymux/keymux/internal/keypool"
	"github.com/keymux/keymux/internal/queue"
)

// AdminHandler serves the operational endpoints: key inventory and the
// liveness report. Key secrets never appear here; the pool's views are
// hash-only by construction.
type AdminHandler struct {
	pool     *keypool.Pool
	queue    *queue.Queue
	breakers *health.Registry
	cache    cache.Cache
	version  string
}

// NewAdminHandler builds the admin surface.
func NewAdminHandler(pool *keypool.Pool, q *queue.Queue, breakers *health.Registry, c cache.Cache, version string) *AdminHandler {
	return &AdminHandler{pool: pool, queue: q, breakers: breakers, cache: c, version: version}
}

// Keys handles GET /admin/keys with the redacted key inventory.
func (h *AdminHandler) Keys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": h.pool.List(),
	})
}

type serviceStatus struct {
	Available    int    `json:"available"`
	Total        int    `json:"total"`
	QueueDepth   int    `json:"queue_depth"`
	CircuitState string `json:"circuit_state,omitempty"`
}

// Health handles GET /health. The report degrades to 503 only when no
// key in the whole pool is usable, since a single exhausted service
// still leaves the proxy able to serve the others.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	states := map[keypool.Service]health.State{}
	if h.breakers != nil {
		states = h.breakers.States()
	}

	services := make(map[string]serviceStatus)
	for _, svc := range h.pool.Services() {
		st := serviceStatus{
			Available: h.pool.Available(svc),
		}
		if provider, ok := h.pool.Provider(svc); ok {
			st.Total = len(provider.List())
		}
		if h.queue != nil {
			st.QueueDepth = h.queue.Depth(svc)
		}
		if state, ok := states[svc]; ok {
			st.CircuitState = state.String()
		}
		services[string(svc)] = st
	}

	payload := map[string]any{
		"status":   "ok",
		"version":  h.version,
		"services": services,
	}
	if sp, ok := h.cache.(cache.StatsProvider); ok {
		payload["cache"] = sp.Stats()
	}

	status := http.StatusOK
	if h.pool.AvailableTotal() == 0 {
		payload["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, payload)
}
