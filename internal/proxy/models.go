package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/keymux/keymux/internal/cache"
	"github.com/keymux/keymux/internal/dialect"
	"github.com/keymux/keymux/internal/keypool"
	"github.com/keymux/keymux/internal/metrics"
)

const (
	modelsCacheKey = "models:catalog"
	modelsCacheTTL = 60 * time.Second
)

// ModelsHandler serves GET /v1/models: the union of model families and
// detected model IDs claimed by non-disabled keys, in the OpenAI list
// shape. The catalog is rebuilt at most once per TTL.
type ModelsHandler struct {
	pool    *keypool.Pool
	cache   cache.Cache
	metrics *metrics.Metrics
}

// NewModelsHandler builds the catalog endpoint over the pool.
func NewModelsHandler(pool *keypool.Pool, c cache.Cache, m *metrics.Metrics) *ModelsHandler {
	return &ModelsHandler{pool: pool, cache: c, metrics: m}
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func (h *ModelsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := h.catalog(r.Context())
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to build model catalog")
		WriteError(w, dialect.OpenAI, http.StatusInternalServerError, "api_error", "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *ModelsHandler) catalog(ctx context.Context) ([]byte, error) {
	if h.cache != nil {
		if cached, err := h.cache.Get(ctx, modelsCacheKey); err == nil {
			if h.metrics != nil {
				h.metrics.CacheHits.Inc()
			}
			return cached, nil
		}
		if h.metrics != nil {
			h.metrics.CacheMisses.Inc()
		}
	}

	body, err := json.Marshal(h.build())
	if err != nil {
		return nil, err
	}

	if h.cache != nil {
		if err := h.cache.SetWithTTL(ctx, modelsCacheKey, body, modelsCacheTTL); err != nil {
			zerolog.Ctx(ctx).Debug().Err(err).Msg("model catalog not cached")
		}
	}
	return body, nil
}

// build walks the pool and unions the capability sets of every usable
// key. Detected model IDs win over the coarser family names when a key
// reports them.
func (h *ModelsHandler) build() modelList {
	seen := make(map[string]keypool.Service)
	for _, v := range h.pool.List() {
		if v.IsDisabled || v.IsRevoked {
			continue
		}
		ids := v.ModelIDs
		if len(ids) == 0 {
			ids = v.ModelFamilies
		}
		for _, id := range ids {
			if _, ok := seen[id]; !ok {
				seen[id] = v.Service
			}
		}
	}

	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(seen))}
	for id, service := range seen {
		list.Data = append(list.Data, modelEntry{
			ID:      id,
			Object:  "model",
			OwnedBy: string(service),
		})
	}
	sort.Slice(list.Data, func(i, j int) bool { return list.Data[i].ID < list.Data[j].ID })
	return list
}
