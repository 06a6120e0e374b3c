package di

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/samber/do/v2"

	"github.com/keymux/keymux/internal/cache"
	"github.com/keymux/keymux/internal/config"
	"github.com/keymux/keymux/internal/dialect"
	"github.com/keymux/keymux/internal/health"
	"github.com/keymux/keymux/internal/keychecker"
	"github.com/keymux/keymux/internal/keypool"
	"github.com/keymux/keymux/internal/metrics"
	"github.com/keymux/keymux/internal/proxy"
	"github.com/keymux/keymux/internal/queue"
	"github.com/keymux/keymux/internal/version"
)

// Service wrapper types for DI registration.

// ConfigService wraps the loaded configuration and its hot-reload view.
type ConfigService struct {
	Config  *config.Config
	Runtime *config.Runtime
}

// LoggerService wraps the zerolog logger.
type LoggerService struct {
	Logger *zerolog.Logger
}

// PoolService wraps the key pool.
type PoolService struct {
	Pool *keypool.Pool
}

// QueueService wraps the request queue and its scheduler lifetime.
type QueueService struct {
	Queue  *queue.Queue
	cancel context.CancelFunc
}

// CacheService wraps the cache backend.
type CacheService struct {
	Cache cache.Cache
}

// HealthService wraps the per-service circuit breaker registry.
type HealthService struct {
	Registry *health.Registry
}

// MetricsService wraps the Prometheus registry and collectors.
type MetricsService struct {
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
}

// CheckerService wraps the background key checkers.
type CheckerService struct {
	Checkers []*keychecker.Checker
	cancel   context.CancelFunc
}

// HandlerService wraps the HTTP handler and the pieces hot reload
// touches.
type HandlerService struct {
	Handler http.Handler
	Limiter *proxy.ConcurrencyLimiter
}

// ServerService wraps the HTTP server.
type ServerService struct {
	Server *proxy.Server
}

// RegisterSingletons registers all service providers in dependency
// order: config, logger, pool, queue, cache, health, metrics, checker,
// handler, server.
func RegisterSingletons(i do.Injector) {
	do.Provide(i, NewConfig)
	do.Provide(i, NewLogger)
	do.Provide(i, NewPool)
	do.Provide(i, NewQueue)
	do.Provide(i, NewCache)
	do.Provide(i, NewHealth)
	do.Provide(i, NewMetrics)
	do.Provide(i, NewChecker)
	do.Provide(i, NewHandler)
	do.Provide(i, NewHTTPServer)
}

// NewConfig loads and validates the configuration.
func NewConfig(i do.Injector) (*ConfigService, error) {
	path := do.MustInvokeNamed[string](i, ConfigPathKey)

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &ConfigService{Config: cfg, Runtime: config.NewRuntime(cfg)}, nil
}

// NewLogger creates the zerolog logger from configuration.
func NewLogger(i do.Injector) (*LoggerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)

	logger := proxy.NewLogger(cfgSvc.Config.Logging)
	return &LoggerService{Logger: &logger}, nil
}

// NewPool builds one key provider per configured service.
func NewPool(i do.Injector) (*PoolService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	keys := cfgSvc.Config.Keys

	var providers []keypool.Provider
	if keys.OpenAI.Secrets != "" {
		p, err := keypool.NewOpenAIProvider(keys.OpenAI.Secrets, keys.OpenAI.ProviderConfig())
		if err != nil {
			return nil, fmt.Errorf("openai keys: %w", err)
		}
		providers = append(providers, p)
	}
	if keys.Anthropic.Secrets != "" {
		p, err := keypool.NewAnthropicProvider(keys.Anthropic.Secrets, keys.Anthropic.ProviderConfig())
		if err != nil {
			return nil, fmt.Errorf("anthropic keys: %w", err)
		}
		providers = append(providers, p)
	}
	if keys.GoogleAI.Secrets != "" {
		p, err := keypool.NewGoogleAIProvider(keys.GoogleAI.Secrets, keys.GoogleAI.ProviderConfig())
		if err != nil {
			return nil, fmt.Errorf("google-ai keys: %w", err)
		}
		providers = append(providers, p)
	}

	pool, err := keypool.NewPool(providers, cfgSvc.Config.Routing.ExtraRoutes())
	if err != nil {
		return nil, fmt.Errorf("failed to build key pool: %w", err)
	}

	return &PoolService{Pool: pool}, nil
}

// NewQueue builds the request queue and starts its scheduler.
func NewQueue(i do.Injector) (*QueueService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	poolSvc := do.MustInvoke[*PoolService](i)

	q := queue.New(poolSvc.Pool, queue.Config{
		CheckerGrace: cfgSvc.Config.Queue.GetCheckerGrace(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)

	return &QueueService{Queue: q, cancel: cancel}, nil
}

// Shutdown implements do.Shutdowner: stops the scheduler, failing any
// remaining waiters.
func (s *QueueService) Shutdown() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// NewCache creates the cache backend from configuration.
func NewCache(i do.Injector) (*CacheService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := cache.New(ctx, cfgSvc.Config.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	return &CacheService{Cache: c}, nil
}

// Shutdown implements do.Shutdowner for cache cleanup.
func (c *CacheService) Shutdown() error {
	if c.Cache != nil {
		return c.Cache.Close()
	}
	return nil
}

// NewHealth builds the circuit breaker registry over the configured
// services.
func NewHealth(i do.Injector) (*HealthService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)
	poolSvc := do.MustInvoke[*PoolService](i)

	registry := health.NewRegistry(cfgSvc.Config.Health, loggerSvc.Logger, poolSvc.Pool.Services()...)
	return &HealthService{Registry: registry}, nil
}

// NewMetrics builds the Prometheus registry with all collectors.
func NewMetrics(i do.Injector) (*MetricsService, error) {
	poolSvc := do.MustInvoke[*PoolService](i)
	queueSvc := do.MustInvoke[*QueueService](i)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	reg.MustRegister(metrics.NewPoolCollector(poolSvc.Pool, queueSvc.Queue))

	return &MetricsService{Registry: reg, Metrics: m}, nil
}

// NewChecker starts one background key checker per configured service.
func NewChecker(i do.Injector) (*CheckerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	poolSvc := do.MustInvoke[*PoolService](i)

	if !cfgSvc.Config.Checker.IsEnabled() {
		return &CheckerService{}, nil
	}

	checkerCfg := keychecker.Config{
		HealthyInterval: cfgSvc.Config.Checker.GetHealthyInterval(),
		RecheckInterval: cfgSvc.Config.Checker.GetRecheckInterval(),
		ProbesPerMinute: int64(cfgSvc.Config.Checker.GetProbesPerMinute()),
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc := &CheckerService{cancel: cancel}
	for _, service := range poolSvc.Pool.Services() {
		provider, ok := poolSvc.Pool.Provider(service)
		if !ok {
			continue
		}
		checker := keychecker.New(provider, nil, checkerCfg)
		svc.Checkers = append(svc.Checkers, checker)
		go checker.Run(ctx)
	}

	return svc, nil
}

// Shutdown implements do.Shutdowner for the checker goroutines.
func (s *CheckerService) Shutdown() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// NewHandler assembles the HTTP surface.
func NewHandler(i do.Injector) (*HandlerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	poolSvc := do.MustInvoke[*PoolService](i)
	queueSvc := do.MustInvoke[*QueueService](i)
	cacheSvc := do.MustInvoke[*CacheService](i)
	healthSvc := do.MustInvoke[*HealthService](i)
	metricsSvc := do.MustInvoke[*MetricsService](i)

	cfg := cfgSvc.Config
	table := dialect.NewTable()

	upstream := proxy.NewUpstream(
		&http.Client{},
		table,
		poolSvc.Pool,
		queueSvc.Queue,
		healthSvc.Registry,
		metricsSvc.Metrics,
		proxy.UpstreamConfig{
			Timeout:       cfg.Server.GetTimeout(),
			StreamTimeout: cfg.Server.GetStreamTimeout(),
			ExposeKeyID:   true,
		},
	)

	// The default concurrency cap tracks the credential count: each key
	// can serve roughly one request at a time without tripping limits.
	maxConcurrent := cfg.Server.GetMaxConcurrentOption().OrElse(cfg.Keys.CountSecrets())
	limiter := proxy.NewConcurrencyLimiter(int64(maxConcurrent))

	handler := proxy.NewHandler(proxy.NewPreprocessor(table, poolSvc.Pool), upstream, metricsSvc.Metrics)
	handler.LogPrompts = cfg.Logging.Prompts

	routes := &proxy.Routes{
		Handler:  handler,
		Models:   proxy.NewModelsHandler(poolSvc.Pool, cacheSvc.Cache, metricsSvc.Metrics),
		Admin:    proxy.NewAdminHandler(poolSvc.Pool, queueSvc.Queue, healthSvc.Registry, cacheSvc.Cache, version.String()),
		Metrics:  proxy.MetricsHandler(metricsSvc.Registry),
		Recorder: metricsSvc.Metrics,
		ProxyKey: cfg.Server.ProxyKey,
		Limiter:  limiter,
		MaxBody:  cfg.Server.GetMaxBodyBytes(),
	}

	return &HandlerService{Handler: routes.Build(), Limiter: limiter}, nil
}

// NewHTTPServer creates the HTTP server.
func NewHTTPServer(i do.Injector) (*ServerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	handlerSvc := do.MustInvoke[*HandlerService](i)

	server := proxy.NewServer(
		cfgSvc.Config.Server.Listen,
		handlerSvc.Handler,
		cfgSvc.Config.Server.EnableHTTP2,
	)

	return &ServerService{Server: server}, nil
}

// Shutdown implements do.Shutdowner for graceful server shutdown.
func (s *ServerService) Shutdown() error {
	if s.Server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.Server.Shutdown(ctx)
	}
	return nil
}
