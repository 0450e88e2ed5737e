package health

import (
	"sort"
	"sync"
	"time"

	"github.com/semantrix/aigateway/internal/models"
	"github.com/semantrix/aigateway/internal/observability"
)

const (
	// DefaultUnhealthyThreshold is the number of consecutive failures after
	// which a model is considered unhealthy.
	DefaultUnhealthyThreshold = 3
	// DefaultLatencyAlpha is the smoothing factor of the rolling latency average.
	DefaultLatencyAlpha = 0.3
)

// RegistryConfig tunes the health state machine.
type RegistryConfig struct {
	UnhealthyThreshold int     `mapstructure:"unhealthy_threshold"`
	LatencyAlpha       float64 `mapstructure:"latency_alpha"`
}

type entry struct {
	mu     sync.Mutex
	health models.ProviderHealth
}

// Registry holds the rolling health of every (provider, model) pair. Each
// pair is guarded by its own mutex; reads never block writers of other pairs.
type Registry struct {
	config  RegistryConfig
	metrics *observability.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry. Unknown pairs read as healthy.
func NewRegistry(config RegistryConfig, metrics *observability.Metrics) *Registry {
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = DefaultUnhealthyThreshold
	}
	if config.LatencyAlpha <= 0 || config.LatencyAlpha > 1 {
		config.LatencyAlpha = DefaultLatencyAlpha
	}
	return &Registry{
		config:  config,
		metrics: metrics,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

func key(provider, model string) string {
	return provider + "/" + model
}

func (r *Registry) entry(provider, model string) *entry {
	k := key(provider, model)

	r.mu.RLock()
	e, ok := r.entries[k]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[k]; ok {
		return e
	}
	e = &entry{health: models.ProviderHealth{
		Provider: provider,
		Model:    model,
		State:    models.HealthStateHealthy,
	}}
	r.entries[k] = e
	return e
}

// Register makes a pair visible in snapshots before its first observation.
func (r *Registry) Register(provider, model string) {
	e := r.entry(provider, model)
	r.metrics.RecordProviderHealth(provider, model, e.snapshot().State)
}

// RecordSuccess resets the failure count and folds latency into the rolling average.
func (r *Registry) RecordSuccess(provider, model string, latency time.Duration) {
	e := r.entry(provider, model)

	e.mu.Lock()
	h := &e.health
	ms := float64(latency) / float64(time.Millisecond)
	if h.LatencySamples == 0 {
		h.RollingAverageLatencyMs = ms
	} else {
		a := r.config.LatencyAlpha
		h.RollingAverageLatencyMs = a*ms + (1-a)*h.RollingAverageLatencyMs
	}
	h.LatencySamples++
	h.ConsecutiveFailures = 0
	h.State = models.HealthStateHealthy
	h.LastCheckedAt = r.now()
	h.LastError = ""
	e.mu.Unlock()

	r.metrics.RecordProviderHealth(provider, model, models.HealthStateHealthy)
}

// RecordFailure counts a failed call. Latency is not updated.
func (r *Registry) RecordFailure(provider, model string, err error) {
	e := r.entry(provider, model)

	e.mu.Lock()
	h := &e.health
	h.ConsecutiveFailures++
	if h.ConsecutiveFailures >= r.config.UnhealthyThreshold {
		h.State = models.HealthStateUnhealthy
	} else {
		h.State = models.HealthStateDegraded
	}
	h.LastCheckedAt = r.now()
	if err != nil {
		h.LastError = err.Error()
	}
	state := h.State
	e.mu.Unlock()

	r.metrics.RecordProviderHealth(provider, model, state)
}

func (e *entry) snapshot() models.ProviderHealth {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health
}

// Get returns the health of a pair. Pairs never observed are healthy.
func (r *Registry) Get(provider, model string) models.ProviderHealth {
	k := key(provider, model)

	r.mu.RLock()
	e, ok := r.entries[k]
	r.mu.RUnlock()
	if !ok {
		return models.ProviderHealth{Provider: provider, Model: model, State: models.HealthStateHealthy}
	}
	return e.snapshot()
}

// Snapshot returns the health of every known pair ordered by provider and model.
func (r *Registry) Snapshot() []models.ProviderHealth {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]models.ProviderHealth, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out
}
