package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/semantrix/aigateway/internal/cache"
	"github.com/semantrix/aigateway/internal/catalog"
	"github.com/semantrix/aigateway/internal/completion"
	"github.com/semantrix/aigateway/internal/config"
	"github.com/semantrix/aigateway/internal/models"
	"github.com/semantrix/aigateway/internal/observability"
	"github.com/semantrix/aigateway/internal/providers"
	"github.com/semantrix/aigateway/internal/querylog"
	"github.com/semantrix/aigateway/internal/ratelimit"
	"github.com/semantrix/aigateway/internal/router"
	"github.com/semantrix/aigateway/internal/router/health"
	"github.com/semantrix/aigateway/internal/streaming"
	"github.com/semantrix/aigateway/internal/structured"
	"go.uber.org/zap"
)

// Components are the collaborators served over HTTP.
type Components struct {
	Catalog     *catalog.Catalog
	Providers   map[string]providers.Provider
	Monitor     *health.Monitor
	Router      *router.Router
	Executor    *completion.Executor
	Pipeline    *streaming.Pipeline
	Structured  *structured.Adapter
	Queries     querylog.Reader
	HealthCache cache.CacheClient
	Limiter     ratelimit.Limiter // nil disables rate limiting
}

// Server represents the main HTTP server for the gateway.
type Server struct {
	config     *config.Config
	components Components
	router     *chi.Mux
	logger     *zap.Logger
	metrics    *observability.Metrics
	tracing    *observability.Tracing
	server     *http.Server
	version    string
	startedAt  time.Time

	// Owned resources released by Stop.
	ingestor      *querylog.Ingestor
	store         querylog.Store
	redis         *redis.Client
	metricsCancel context.CancelFunc
}

// New creates a server over already constructed components.
func New(cfg *config.Config, c Components, logger *zap.Logger, metrics *observability.Metrics, tracing *observability.Tracing, version string) *Server {
	if c.Queries == nil {
		c.Queries = querylog.NopLogger{}
	}
	if c.HealthCache == nil {
		c.HealthCache = cache.NewMemoryCache(cache.CacheConfig{TTL: cfg.HealthCheck.CacheTTL}, "health", metrics)
	}

	s := &Server{
		config:     cfg,
		components: c,
		router:     chi.NewRouter(),
		logger:     logger,
		metrics:    metrics,
		tracing:    tracing,
		version:    version,
		startedAt:  time.Now(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// NewServer builds every component from configuration.
func NewServer(cfg *config.Config, version string) (*Server, error) {
	// Initialize logger
	logger, err := observability.NewLogger(cfg.Observability.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	// Initialize metrics
	metrics, err := observability.NewMetrics(cfg.Observability.Metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	// Initialize tracing
	tracing, err := observability.NewTracing(cfg.Observability.Tracing, logger, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracing: %w", err)
	}

	// Initialize providers and the catalog they populate
	providersMap, cat, err := initializeProviders(cfg.EnabledProviders(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	registry := health.NewRegistry(cfg.HealthCheck.RegistryConfig, metrics)
	monitor := health.NewMonitor(cfg.HealthCheck.MonitorConfig, cat, providersMap, registry, logger)

	rt, err := router.New(cfg.Routing, cat, registry, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize router: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	// Initialize query log
	var (
		queryLog querylog.Logger = querylog.NopLogger{}
		queries  querylog.Reader = querylog.NopLogger{}
		store    querylog.Store
		ingestor *querylog.Ingestor
	)
	if cfg.QueryLog.Enabled {
		store, err = querylog.NewSQLiteStore(cfg.QueryLog.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open query log: %w", err)
		}
		ingestor = querylog.NewIngestor(cfg.QueryLog.IngestorConfig, store, logger, metrics)
		queryLog, queries = ingestor, ingestor
	}

	// Initialize cache
	var rdb redis.UniversalClient
	if redisClient != nil {
		rdb = redisClient
	}
	cacheConfig := cfg.Cache
	if cfg.HealthCheck.CacheTTL > 0 {
		cacheConfig.TTL = cfg.HealthCheck.CacheTTL
	}
	healthCache, err := cache.New(cacheConfig, rdb, "health", metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Backend == "redis" {
			limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimit.Prefix)
		} else {
			limiter = ratelimit.NewMemoryLimiter()
		}
	}

	executor := completion.NewExecutor(cfg.Execution, rt, providersMap, registry, logger,
		completion.WithQueryLog(queryLog),
		completion.WithMetrics(metrics),
		completion.WithTracing(tracing))
	pipeline := streaming.NewPipeline(executor, providersMap, registry, logger,
		streaming.WithQueryLog(queryLog),
		streaming.WithMetrics(metrics),
		streaming.WithTracing(tracing))

	s := New(cfg, Components{
		Catalog:     cat,
		Providers:   providersMap,
		Monitor:     monitor,
		Router:      rt,
		Executor:    executor,
		Pipeline:    pipeline,
		Structured:  structured.NewAdapter(executor, logger, metrics),
		Queries:     queries,
		HealthCache: healthCache,
		Limiter:     limiter,
	}, logger, metrics, tracing, version)
	s.ingestor = ingestor
	s.store = store
	s.redis = redisClient
	return s, nil
}

// setupRoutes configures the HTTP routes and middleware.
func (s *Server) setupRoutes() {
	// Add middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.observabilityMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-User-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	s.router.Use(s.identify)

	// Health check endpoint
	s.router.Get("/health", s.handleHealthCheck)

	s.router.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/completion", s.handleCompletion)
		r.Get("/models", s.handleGetModels)

		// API v1 routes
		r.Route("/v1", func(r chi.Router) {
			r.Post("/completion", s.handleCompletion)
			r.Post("/structured", s.handleStructured)
			r.Get("/models", s.handleGetModels)
			r.Get("/use-cases", s.handleGetUseCases)
		})
	})

	// Admin routes
	s.router.Route("/admin", func(r chi.Router) {
		r.Get("/providers", s.handleGetProviders)
		r.Post("/health-check", s.handleForceHealthCheck)
		r.Get("/queries", s.handleGetQueries)
		r.Get("/queries/stats", s.handleGetQueryStats)
	})
}

// Start starts the server and begins accepting requests.
func (s *Server) Start() error {
	if s.config.HealthCheck.Enabled && s.components.Monitor != nil {
		s.components.Monitor.Start()
	}
	if s.ingestor != nil {
		s.ingestor.Start()
	}

	// Start metrics server if enabled
	if s.config.Observability.Metrics.Enabled {
		metricsCtx, cancel := context.WithCancel(context.Background())
		s.metricsCancel = cancel
		go func() {
			if err := s.metrics.StartMetricsServer(metricsCtx); err != nil {
				s.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	s.logger.Info("Starting aigateway server",
		zap.Int("port", s.config.Server.Port),
		zap.Int("providers", len(s.components.Providers)),
		zap.Int("models", len(s.components.Catalog.Models())),
		zap.String("version", s.version))

	// Start server in goroutine
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Info("Shutting down server...")

	// Create shutdown context
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown server
	shutdownErr := s.server.Shutdown(ctx)
	if shutdownErr != nil {
		s.logger.Error("Error during server shutdown", zap.Error(shutdownErr))
	}

	if s.components.Monitor != nil {
		s.components.Monitor.Stop()
	}
	if s.metricsCancel != nil {
		s.metricsCancel()
	}

	// Flush query logs
	if s.ingestor != nil {
		s.ingestor.Stop()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Error closing query log", zap.Error(err))
		}
	}

	// Close cache
	if err := s.components.HealthCache.Close(); err != nil {
		s.logger.Error("Error closing cache", zap.Error(err))
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Error closing redis client", zap.Error(err))
		}
	}

	// Close providers
	for name, provider := range s.components.Providers {
		if err := provider.Close(); err != nil {
			s.logger.Error("Error closing provider", zap.String("provider", name), zap.Error(err))
		}
	}

	if err := s.tracing.Shutdown(ctx); err != nil {
		s.logger.Error("Error flushing traces", zap.Error(err))
	}

	s.logger.Info("Server stopped")
	observability.SyncLogger(s.logger)
	return shutdownErr
}

// WaitForShutdown waits for shutdown signals and gracefully stops the server.
func (s *Server) WaitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	s.logger.Info("Received shutdown signal")
	_ = s.Stop()
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// initializeProviders creates the enabled providers and the catalog of their models.
func initializeProviders(configs []providers.ProviderConfig, logger *zap.Logger) (map[string]providers.Provider, *catalog.Catalog, error) {
	providersMap := make(map[string]providers.Provider, len(configs))
	infos := make([]models.ProviderInfo, 0, len(configs))

	for _, pc := range configs {
		info, err := pc.CatalogEntry()
		if err != nil {
			return nil, nil, err
		}
		provider, err := providers.New(pc, logger)
		if err != nil {
			return nil, nil, err
		}

		providersMap[pc.Name] = provider
		infos = append(infos, info)
		logger.Info("Initialized provider",
			zap.String("name", pc.Name),
			zap.String("type", pc.Type),
			zap.Int("models", len(info.Models)))
	}

	cat, err := catalog.New(infos)
	if err != nil {
		return nil, nil, err
	}
	return providersMap, cat, nil
}
