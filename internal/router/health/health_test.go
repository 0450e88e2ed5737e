package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/semantrix/aigateway/internal/catalog"
	"github.com/semantrix/aigateway/internal/models"
	"github.com/semantrix/aigateway/internal/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeProvider answers probes through invoke.
type fakeProvider struct {
	name   string
	invoke func(ctx context.Context, model models.Model) error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Invoke(ctx context.Context, model models.Model, req models.CompletionRequest) (*providers.RawResult, error) {
	if err := f.invoke(ctx, model); err != nil {
		return nil, err
	}
	return &providers.RawResult{Content: "pong", FinishReason: models.FinishReasonStop}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, model models.Model, req models.CompletionRequest) (providers.Stream, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) Close() error { return nil }

func TestRegistry_StateMachine(t *testing.T) {
	r := NewRegistry(RegistryConfig{UnhealthyThreshold: 3}, nil)
	boom := errors.New("boom")

	assert.Equal(t, models.HealthStateHealthy, r.Get("p", "m").State)

	r.RecordFailure("p", "m", boom)
	assert.Equal(t, models.HealthStateDegraded, r.Get("p", "m").State)
	r.RecordFailure("p", "m", boom)
	assert.Equal(t, models.HealthStateDegraded, r.Get("p", "m").State)
	r.RecordFailure("p", "m", boom)

	h := r.Get("p", "m")
	assert.Equal(t, models.HealthStateUnhealthy, h.State)
	assert.Equal(t, 3, h.ConsecutiveFailures)
	assert.Equal(t, "boom", h.LastError)

	r.RecordSuccess("p", "m", 10*time.Millisecond)
	h = r.Get("p", "m")
	assert.Equal(t, models.HealthStateHealthy, h.State)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.Empty(t, h.LastError)
}

func TestRegistry_RollingLatency(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, nil)

	r.RecordSuccess("p", "m", 100*time.Millisecond)
	assert.InDelta(t, 100.0, r.Get("p", "m").RollingAverageLatencyMs, 1e-9)

	r.RecordSuccess("p", "m", 200*time.Millisecond)
	assert.InDelta(t, 0.3*200+0.7*100, r.Get("p", "m").RollingAverageLatencyMs, 1e-9)

	// Failures leave the average untouched.
	r.RecordFailure("p", "m", errors.New("x"))
	assert.InDelta(t, 130.0, r.Get("p", "m").RollingAverageLatencyMs, 1e-9)
}

func TestRegistry_ConcurrentUpdates(t *testing.T) {
	r := NewRegistry(RegistryConfig{UnhealthyThreshold: 1000}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RecordFailure("p", "m", nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, r.Get("p", "m").ConsecutiveFailures)
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]models.ProviderInfo{
		{Name: "fast", Type: "stub", Models: []models.Model{
			{ID: "a", Tier: models.TierFree},
			{ID: "b", Tier: models.TierFree},
		}},
		{Name: "hung", Type: "stub", Models: []models.Model{
			{ID: "c", Tier: models.TierFree},
		}},
	})
	require.NoError(t, err)
	return cat
}

func TestMonitor_RunHealthChecksIsBounded(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	provs := map[string]providers.Provider{
		"fast": &fakeProvider{name: "fast", invoke: func(ctx context.Context, model models.Model) error { return nil }},
		// Ignores cancellation entirely.
		"hung": &fakeProvider{name: "hung", invoke: func(ctx context.Context, model models.Model) error {
			<-release
			return nil
		}},
	}

	registry := NewRegistry(RegistryConfig{}, nil)
	mon := NewMonitor(MonitorConfig{Timeout: 100 * time.Millisecond}, testCatalog(t), provs, registry, zaptest.NewLogger(t))

	start := time.Now()
	results := mon.RunHealthChecks(context.Background())
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2*time.Second)
	require.Len(t, results, 3)

	byModel := map[string]CheckResult{}
	for _, r := range results {
		byModel[r.Model] = r
	}
	assert.True(t, byModel["a"].Healthy)
	assert.True(t, byModel["b"].Healthy)
	assert.False(t, byModel["c"].Healthy)
	assert.NotEmpty(t, byModel["c"].Error)

	assert.Equal(t, models.HealthStateDegraded, registry.Get("hung", "c").State)
	assert.Equal(t, models.HealthStateHealthy, registry.Get("fast", "a").State)
	assert.Len(t, mon.LastResults(), 3)
}

func TestMonitor_ProviderStatuses(t *testing.T) {
	var mu sync.Mutex
	failing := map[string]bool{"b": true, "c": true}

	invoke := func(ctx context.Context, model models.Model) error {
		mu.Lock()
		defer mu.Unlock()
		if failing[model.ID] {
			return models.NewProviderError(models.ErrProviderUnavailable, model.Provider, model.ID, 503, nil)
		}
		return nil
	}
	provs := map[string]providers.Provider{
		"fast": &fakeProvider{name: "fast", invoke: invoke},
		"hung": &fakeProvider{name: "hung", invoke: invoke},
	}

	registry := NewRegistry(RegistryConfig{UnhealthyThreshold: 2}, nil)
	mon := NewMonitor(MonitorConfig{Timeout: time.Second}, testCatalog(t), provs, registry, zaptest.NewLogger(t))

	mon.RunHealthChecks(context.Background())
	mon.RunHealthChecks(context.Background())

	statuses := mon.ProviderStatuses()
	require.Len(t, statuses, 2)

	assert.Equal(t, "fast", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, 1, statuses[0].ModelsHealthy)
	assert.Equal(t, 1, statuses[0].ModelsUnhealthy)
	assert.Equal(t, 0, statuses[0].ConsecutiveFailures)

	assert.Equal(t, "hung", statuses[1].Name)
	assert.False(t, statuses[1].Healthy)
	assert.Equal(t, 2, statuses[1].ConsecutiveFailures)
	assert.True(t, mon.AnyHealthy())

	// One successful probe restores the provider.
	mu.Lock()
	failing["c"] = false
	mu.Unlock()
	mon.RunHealthChecks(context.Background())
	assert.True(t, mon.ProviderStatuses()[1].Healthy)
}

func TestMonitor_MissingProvider(t *testing.T) {
	registry := NewRegistry(RegistryConfig{}, nil)
	mon := NewMonitor(MonitorConfig{}, testCatalog(t), map[string]providers.Provider{}, registry, zaptest.NewLogger(t))

	results := mon.RunHealthChecks(context.Background())
	for _, r := range results {
		assert.False(t, r.Healthy)
	}
	assert.False(t, mon.AnyHealthy())
}

func TestMonitor_StartStop(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	provs := map[string]providers.Provider{
		"fast": &fakeProvider{name: "fast", invoke: func(ctx context.Context, model models.Model) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		}},
		"hung": &fakeProvider{name: "hung", invoke: func(ctx context.Context, model models.Model) error { return nil }},
	}

	mon := NewMonitor(MonitorConfig{Interval: 10 * time.Millisecond, Timeout: time.Second}, testCatalog(t), provs, NewRegistry(RegistryConfig{}, nil), zaptest.NewLogger(t))
	mon.Start()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 4
	}, time.Second, 5*time.Millisecond)
	mon.Stop()
	mon.Stop()
}
