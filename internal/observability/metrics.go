package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/semantrix/aigateway/internal/models"
	"go.opentelemetry.io/otel/attribute"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
)

// MetricsConfig holds configuration for metrics collection.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// Metrics provides Prometheus metrics for the gateway. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	config   MetricsConfig
	logger   *zap.Logger
	registry *prometheus.Registry
	exporter *otelprometheus.Exporter
	provider *metric.MeterProvider

	// Request metrics
	requestsTotal    *prometheus.CounterVec
	requestsDuration *prometheus.HistogramVec
	requestsErrors   *prometheus.CounterVec

	// Provider metrics
	providerHealth  *prometheus.GaugeVec
	providerLatency *prometheus.HistogramVec
	providerErrors  *prometheus.CounterVec
	tokens          otelmetric.Int64Counter

	// Routing metrics
	routingDecisions *prometheus.CounterVec
	routingLatency   *prometheus.HistogramVec
	failovers        *prometheus.CounterVec

	// Streaming and structured output
	streams             *prometheus.CounterVec
	streamChunks        *prometheus.CounterVec
	structuredFallbacks *prometheus.CounterVec

	// Collaborators
	rateLimitRejections *prometheus.CounterVec
	queryLogDropped     prometheus.Counter

	// Cache metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheSize   *prometheus.GaugeVec
}

// NewMetrics creates a new metrics instance with its own registry.
func NewMetrics(config MetricsConfig, logger *zap.Logger) (*Metrics, error) {
	registry := prometheus.NewRegistry()

	// The OpenTelemetry meter provider is bridged onto the same registry.
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))

	m := &Metrics{
		config:   config,
		logger:   logger,
		registry: registry,
		exporter: exporter,
		provider: provider,
	}

	if err := m.initMetrics(); err != nil {
		return nil, err
	}

	return m, nil
}

// initMetrics initializes all Prometheus metrics.
func (m *Metrics) initMetrics() error {
	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	m.requestsDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aigateway_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	m.requestsErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_request_errors_total",
			Help: "Total number of request errors",
		},
		[]string{"method", "endpoint", "error_type"},
	)

	m.providerHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aigateway_provider_health",
			Help: "Model health state (1 = healthy, 0.5 = degraded, 0 = unhealthy)",
		},
		[]string{"provider", "model"},
	)

	m.providerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aigateway_provider_latency_seconds",
			Help:    "Provider response latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "model"},
	)

	m.providerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_type"},
	)

	m.routingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_routing_decisions_total",
			Help: "Total number of routing decisions made",
		},
		[]string{"use_case", "provider", "model"},
	)

	m.routingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aigateway_routing_latency_seconds",
			Help:    "Routing decision latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"use_case"},
	)

	m.failovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_failovers_total",
			Help: "Total number of failovers away from a candidate",
		},
		[]string{"provider", "model", "error_type"},
	)

	m.streams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_streams_total",
			Help: "Total number of streams by outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	m.streamChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_stream_chunks_total",
			Help: "Total number of chunks emitted to stream consumers",
		},
		[]string{"provider", "model"},
	)

	m.structuredFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_structured_fallbacks_total",
			Help: "Total number of structured generations answered with the fallback value",
		},
		[]string{"use_case"},
	)

	m.rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"endpoint"},
	)

	m.queryLogDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aigateway_query_log_dropped_total",
			Help: "Total number of query log records dropped",
		},
	)

	m.cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	m.cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aigateway_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	m.cacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aigateway_cache_size",
			Help: "Current cache size",
		},
		[]string{"cache_type"},
	)

	metrics := []prometheus.Collector{
		m.requestsTotal,
		m.requestsDuration,
		m.requestsErrors,
		m.providerHealth,
		m.providerLatency,
		m.providerErrors,
		m.routingDecisions,
		m.routingLatency,
		m.failovers,
		m.streams,
		m.streamChunks,
		m.structuredFallbacks,
		m.rateLimitRejections,
		m.queryLogDropped,
		m.cacheHits,
		m.cacheMisses,
		m.cacheSize,
	}

	for _, metric := range metrics {
		if err := m.registry.Register(metric); err != nil {
			return err
		}
	}

	tokens, err := m.provider.Meter("aigateway").Int64Counter(
		"aigateway_tokens",
		otelmetric.WithDescription("Tokens consumed by completions"),
	)
	if err != nil {
		return err
	}
	m.tokens = tokens

	return nil
}

// RecordRequest records metrics for an HTTP request.
func (m *Metrics) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(statusCode)

	m.requestsTotal.WithLabelValues(method, endpoint, statusStr).Inc()
	m.requestsDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordRequestError records metrics for a request error.
func (m *Metrics) RecordRequestError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.requestsErrors.WithLabelValues(method, endpoint, errorType).Inc()
}

// RecordProviderHealth updates the health gauge of a (provider, model) pair.
func (m *Metrics) RecordProviderHealth(provider, model string, state models.HealthState) {
	if m == nil {
		return
	}
	value := 0.0
	switch state {
	case models.HealthStateHealthy:
		value = 1.0
	case models.HealthStateDegraded:
		value = 0.5
	}
	m.providerHealth.WithLabelValues(provider, model).Set(value)
}

// RecordProviderLatency records the response latency of a provider.
func (m *Metrics) RecordProviderLatency(provider, model string, duration time.Duration) {
	if m == nil {
		return
	}
	m.providerLatency.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// RecordProviderError records an error from a provider.
func (m *Metrics) RecordProviderError(provider, errorType string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordTokens adds the token usage of one completion.
func (m *Metrics) RecordTokens(ctx context.Context, provider, model string, usage models.Usage) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
	}
	m.tokens.Add(ctx, int64(usage.InputTokens), otelmetric.WithAttributes(append(attrs, attribute.String("direction", "input"))...))
	m.tokens.Add(ctx, int64(usage.OutputTokens), otelmetric.WithAttributes(append(attrs, attribute.String("direction", "output"))...))
}

// RecordRoutingDecision records the model a request was routed to first.
func (m *Metrics) RecordRoutingDecision(useCase, provider, model string) {
	if m == nil {
		return
	}
	m.routingDecisions.WithLabelValues(useCase, provider, model).Inc()
}

// RecordRoutingLatency records the time taken to make a routing decision.
func (m *Metrics) RecordRoutingLatency(useCase string, duration time.Duration) {
	if m == nil {
		return
	}
	m.routingLatency.WithLabelValues(useCase).Observe(duration.Seconds())
}

// RecordFailover records a transient failure that moved execution to the next candidate.
func (m *Metrics) RecordFailover(provider, model, errorType string) {
	if m == nil {
		return
	}
	m.failovers.WithLabelValues(provider, model, errorType).Inc()
}

// RecordStream records how a stream ended.
func (m *Metrics) RecordStream(provider, model, outcome string) {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(provider, model, outcome).Inc()
}

// RecordStreamChunk counts one emitted chunk.
func (m *Metrics) RecordStreamChunk(provider, model string) {
	if m == nil {
		return
	}
	m.streamChunks.WithLabelValues(provider, model).Inc()
}

// RecordStructuredFallback counts a structured generation that used the fallback value.
func (m *Metrics) RecordStructuredFallback(useCase string) {
	if m == nil {
		return
	}
	m.structuredFallbacks.WithLabelValues(useCase).Inc()
}

// RecordRateLimitRejection counts a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimitRejection(endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitRejections.WithLabelValues(endpoint).Inc()
}

// RecordQueryLogDropped counts query log records that could not be written.
func (m *Metrics) RecordQueryLogDropped(n int) {
	if m == nil {
		return
	}
	m.queryLogDropped.Add(float64(n))
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(cacheType string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(cacheType string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordCacheSize records the current size of a cache.
func (m *Metrics) RecordCacheSize(cacheType string, size int) {
	if m == nil {
		return
	}
	m.cacheSize.WithLabelValues(cacheType).Set(float64(size))
}

// GetRegistry returns the Prometheus registry.
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// GetMeterProvider returns the OpenTelemetry meter provider.
func (m *Metrics) GetMeterProvider() *metric.MeterProvider {
	return m.provider
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartMetricsServer starts the metrics HTTP server and blocks until ctx is done.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.config.Enabled {
		m.logger.Info("Metrics server disabled")
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(m.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	m.logger.Info("Metrics server started",
		zap.Int("port", m.config.Port),
		zap.String("path", path))

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("Error shutting down metrics server", zap.Error(err))
	}

	if err := m.provider.Shutdown(shutdownCtx); err != nil {
		m.logger.Warn("Error shutting down meter provider", zap.Error(err))
	}

	return nil
}
