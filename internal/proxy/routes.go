package proxy

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keymux/keymux/internal/metrics"
)

// Routes assembles the HTTP surface. The completion and catalog
// endpoints sit behind the full middleware chain; health and metrics
// stay open so probes and scrapers work without the proxy key.
type Routes struct {
	Handler  *Handler
	Models   *ModelsHandler
	Admin    *AdminHandler
	Metrics  http.Handler
	Recorder *metrics.Metrics
	ProxyKey string
	Limiter  *ConcurrencyLimiter
	MaxBody  int64
}

// MetricsHandler exposes a Prometheus gatherer over HTTP.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Build returns the root handler with middleware applied. Order on the
// API surface is request id, logging, auth, concurrency cap, body cap.
func (rt *Routes) Build() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/chat/completions", rt.Handler.ChatCompletions)
	api.HandleFunc("POST /v1/completions", rt.Handler.Completions)
	api.HandleFunc("POST /v1/complete", rt.Handler.Complete)
	api.HandleFunc("POST /v1/messages", rt.Handler.Messages)
	api.HandleFunc("POST /v1/claude-3/complete", rt.Handler.Claude3Complete)
	api.Handle("GET /v1/models", rt.Models)
	api.HandleFunc("GET /admin/keys", rt.Admin.Keys)

	var protected http.Handler = api
	protected = MaxBodyBytesMiddleware(rt.MaxBody)(protected)
	if rt.Limiter != nil {
		protected = ConcurrencyMiddleware(rt.Limiter)(protected)
	}
	if rt.ProxyKey != "" {
		protected = AuthMiddleware(rt.ProxyKey)(protected)
	}
	protected = LoggingMiddleware(rt.Recorder)(protected)

	root := http.NewServeMux()
	root.HandleFunc("GET /health", rt.Admin.Health)
	if rt.Metrics != nil {
		root.Handle("GET /metrics", rt.Metrics)
	}
	root.Handle("/", protected)

	return RequestIDMiddleware()(root)
}
