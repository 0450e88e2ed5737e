package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/semantrix/aigateway/internal/catalog"
	"github.com/semantrix/aigateway/internal/models"
	"github.com/semantrix/aigateway/internal/providers"
	"go.uber.org/zap"
)

const (
	DefaultCheckInterval = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// MonitorConfig configures active health probing.
type MonitorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// CheckResult is the outcome of probing one model.
type CheckResult struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Healthy   bool      `json:"healthy"`
	LatencyMs int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// ProviderStatus aggregates the health of a provider's models.
type ProviderStatus struct {
	Name                string    `json:"name"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	AverageLatencyMs    float64   `json:"average_latency_ms"`
	ModelsHealthy       int       `json:"models_healthy"`
	ModelsDegraded      int       `json:"models_degraded"`
	ModelsUnhealthy     int       `json:"models_unhealthy"`
	LastCheck           time.Time `json:"last_check"`
}

// Monitor probes every catalog model on an interval and feeds the outcomes
// into the registry.
type Monitor struct {
	config    MonitorConfig
	catalog   *catalog.Catalog
	providers map[string]providers.Provider
	registry  *Registry
	logger    *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	resultsMu   sync.RWMutex
	lastResults []CheckResult
}

// NewMonitor creates a new health monitor.
func NewMonitor(config MonitorConfig, cat *catalog.Catalog, provs map[string]providers.Provider, registry *Registry, logger *zap.Logger) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultCheckInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultProbeTimeout
	}
	for _, m := range cat.Models() {
		registry.Register(m.Provider, m.ID)
	}
	return &Monitor{
		config:    config,
		catalog:   cat,
		providers: provs,
		registry:  registry,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

// Registry returns the registry the monitor reports into.
func (m *Monitor) Registry() *Registry {
	return m.registry
}

// Start begins the health checking process.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
	m.logger.Info("Health monitor started", zap.Duration("interval", m.config.Interval))
}

// Stop stops the health checking process and waits for in-flight probes.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
	m.logger.Info("Health monitor stopped")
}

// run is the main health checking loop.
func (m *Monitor) run() {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.RunHealthChecks(ctx)

	for {
		select {
		case <-ticker.C:
			m.RunHealthChecks(ctx)
		case <-m.stopChan:
			return
		}
	}
}

var probeRequest = func() models.CompletionRequest {
	one := 1
	return models.CompletionRequest{
		Messages:  []models.Message{{Role: models.RoleUser, Content: "ping"}},
		MaxTokens: &one,
	}
}()

// RunHealthChecks probes every catalog model concurrently and waits for all
// probes. Each probe is bounded by the probe timeout even if the provider
// ignores cancellation. Failures are reported in the results, never returned.
func (m *Monitor) RunHealthChecks(ctx context.Context) []CheckResult {
	catalogModels := m.catalog.Models()
	results := make([]CheckResult, len(catalogModels))

	var wg sync.WaitGroup
	for i, model := range catalogModels {
		wg.Add(1)
		go func(i int, model models.Model) {
			defer wg.Done()
			results[i] = m.checkModel(ctx, model)
		}(i, model)
	}
	wg.Wait()

	m.resultsMu.Lock()
	m.lastResults = results
	m.resultsMu.Unlock()

	return results
}

// checkModel performs a health check on a single model.
func (m *Monitor) checkModel(ctx context.Context, model models.Model) CheckResult {
	result := CheckResult{Provider: model.Provider, Model: model.ID}

	provider, ok := m.providers[model.Provider]
	if !ok {
		err := fmt.Errorf("provider %s is not configured", model.Provider)
		m.registry.RecordFailure(model.Provider, model.ID, err)
		result.Error = err.Error()
		result.CheckedAt = time.Now()
		return result
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		_, err := provider.Invoke(probeCtx, model, probeRequest)
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-probeCtx.Done():
		err = models.NewProviderError(models.ErrProviderTimeout, model.Provider, model.ID, 0,
			fmt.Errorf("probe exceeded %s", m.config.Timeout))
	}
	latency := time.Since(start)

	result.LatencyMs = latency.Milliseconds()
	result.CheckedAt = time.Now()

	if ctx.Err() != nil {
		result.Error = ctx.Err().Error()
		return result
	}

	if err == nil {
		result.Healthy = true
		m.registry.RecordSuccess(model.Provider, model.ID, latency)
		m.logger.Debug("Model health check successful",
			zap.String("provider", model.Provider),
			zap.String("model", model.ID),
			zap.Duration("latency", latency))
		return result
	}

	result.Error = err.Error()
	m.registry.RecordFailure(model.Provider, model.ID, err)
	m.logger.Warn("Model health check failed",
		zap.String("provider", model.Provider),
		zap.String("model", model.ID),
		zap.Duration("latency", latency),
		zap.Error(err))
	return result
}

// LastResults returns the results of the most recent check round.
func (m *Monitor) LastResults() []CheckResult {
	m.resultsMu.RLock()
	defer m.resultsMu.RUnlock()
	return append([]CheckResult(nil), m.lastResults...)
}

// ProviderStatuses aggregates model health per provider in catalog order.
// A provider is healthy when at least one of its models is healthy.
func (m *Monitor) ProviderStatuses() []ProviderStatus {
	names := m.catalog.Providers()
	out := make([]ProviderStatus, 0, len(names))

	for _, name := range names {
		info, _ := m.catalog.Provider(name)
		status := ProviderStatus{Name: name}

		var (
			latencySum   float64
			latencyCount int
		)
		for i, model := range info.Models {
			h := m.registry.Get(name, model.ID)
			switch h.State {
			case models.HealthStateHealthy:
				status.ModelsHealthy++
			case models.HealthStateDegraded:
				status.ModelsDegraded++
			default:
				status.ModelsUnhealthy++
			}
			if i == 0 || h.ConsecutiveFailures < status.ConsecutiveFailures {
				status.ConsecutiveFailures = h.ConsecutiveFailures
			}
			if h.LatencySamples > 0 {
				latencySum += h.RollingAverageLatencyMs
				latencyCount++
			}
			if h.LastCheckedAt.After(status.LastCheck) {
				status.LastCheck = h.LastCheckedAt
			}
		}
		if latencyCount > 0 {
			status.AverageLatencyMs = latencySum / float64(latencyCount)
		}
		status.Healthy = status.ModelsHealthy > 0
		out = append(out, status)
	}
	return out
}

// AnyHealthy reports whether at least one provider is healthy.
func (m *Monitor) AnyHealthy() bool {
	for _, s := range m.ProviderStatuses() {
		if s.Healthy {
			return true
		}
	}
	return false
}
