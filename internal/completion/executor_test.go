package completion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/semantrix/aigateway/internal/catalog"
	"github.com/semantrix/aigateway/internal/models"
	"github.com/semantrix/aigateway/internal/providers"
	"github.com/semantrix/aigateway/internal/querylog"
	"github.com/semantrix/aigateway/internal/router"
	"github.com/semantrix/aigateway/internal/router/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockProvider struct {
	mock.Mock
	name string
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Invoke(ctx context.Context, model models.Model, req models.CompletionRequest) (*providers.RawResult, error) {
	args := m.Called(ctx, model.ID, req)
	res, _ := args.Get(0).(*providers.RawResult)
	return res, args.Error(1)
}

func (m *mockProvider) Stream(ctx context.Context, model models.Model, req models.CompletionRequest) (providers.Stream, error) {
	return nil, errors.New("not implemented")
}

func (m *mockProvider) Close() error { return nil }

type recordingLog struct {
	mu      sync.Mutex
	records []querylog.QueryLog
}

func (r *recordingLog) LogQuery(_ context.Context, q querylog.QueryLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, q)
	return nil
}

type fixture struct {
	executor *Executor
	catalog  *catalog.Catalog
	provs    map[string]providers.Provider
	registry *health.Registry
	primary  *mockProvider
	backup   *mockProvider
	log      *recordingLog
}

// newFixture ranks primary/p-model before backup/b-model for chat.
func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	cat, err := catalog.New([]models.ProviderInfo{
		{Name: "primary", Type: "openai", Models: []models.Model{
			{ID: "p-model", Tier: models.TierStandard, Capabilities: []models.Capability{models.CapabilityChat, models.CapabilityJSONOutput}, CostPer1kInput: 1, CostPer1kOutput: 1},
		}},
		{Name: "backup", Type: "anthropic", Models: []models.Model{
			{ID: "b-model", Tier: models.TierStandard, Capabilities: []models.Capability{models.CapabilityChat}, CostPer1kInput: 2, CostPer1kOutput: 2},
		}},
	})
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	registry := health.NewRegistry(health.RegistryConfig{}, nil)
	r, err := router.New(router.Config{}, cat, registry, nil, logger)
	require.NoError(t, err)

	f := &fixture{
		catalog:  cat,
		registry: registry,
		primary:  &mockProvider{name: "primary"},
		backup:   &mockProvider{name: "backup"},
		log:      &recordingLog{},
	}
	f.provs = map[string]providers.Provider{"primary": f.primary, "backup": f.backup}
	f.executor = NewExecutor(cfg, r, f.provs, registry, logger, WithQueryLog(f.log))
	return f
}

func chatRequest() models.CompletionRequest {
	return models.CompletionRequest{Messages: []models.Message{{Role: models.RoleUser, Content: "hello"}}}
}

func unavailable(provider, model string) error {
	return models.NewProviderError(models.ErrProviderUnavailable, provider, model, 503, errors.New("overloaded"))
}

func TestComplete_FirstCandidateSucceeds(t *testing.T) {
	f := newFixture(t, Config{})
	f.primary.On("Invoke", mock.Anything, "p-model", mock.Anything).
		Return(&providers.RawResult{Content: "hi", InputTokens: 500, OutputTokens: 500}, nil)

	res, err := f.executor.Complete(context.Background(), chatRequest())
	require.NoError(t, err)

	assert.Equal(t, "primary", res.Provider)
	assert.Equal(t, "p-model", res.Model)
	assert.Equal(t, "hi", res.Content)
	assert.Equal(t, models.FinishReasonStop, res.FinishReason)
	assert.NotEmpty(t, res.ID)
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int64(1), f.registry.Get("primary", "p-model").LatencySamples)
	f.backup.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything)

	require.Len(t, f.log.records, 1)
	assert.True(t, f.log.records[0].Success)
	assert.InDelta(t, 1.0, f.log.records[0].CostUSD, 1e-9)
}

func TestComplete_FailsOverOnTransientError(t *testing.T) {
	f := newFixture(t, Config{})
	f.primary.On("Invoke", mock.Anything, "p-model", mock.Anything).Return(nil, unavailable("primary", "p-model"))
	f.backup.On("Invoke", mock.Anything, "b-model", mock.Anything).Return(&providers.RawResult{ID: "b-1", Content: "from backup"}, nil)

	res, err := f.executor.Complete(context.Background(), chatRequest())
	require.NoError(t, err)

	assert.Equal(t, "backup", res.Provider)
	assert.Equal(t, "b-1", res.ID)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, models.HealthStateDegraded, f.registry.Get("primary", "p-model").State)
	assert.Equal(t, models.HealthStateHealthy, f.registry.Get("backup", "b-model").State)
}

func TestComplete_NonTransientErrorSurfaces(t *testing.T) {
	f := newFixture(t, Config{})
	authErr := models.NewProviderError(models.ErrProviderAuth, "primary", "p-model", 401, errors.New("bad key"))
	f.primary.On("Invoke", mock.Anything, "p-model", mock.Anything).Return(nil, authErr)

	_, err := f.executor.Complete(context.Background(), chatRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrProviderAuth)
	f.backup.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 1, f.registry.Get("primary", "p-model").ConsecutiveFailures)

	require.Len(t, f.log.records, 1)
	assert.False(t, f.log.records[0].Success)
	assert.Equal(t, "provider_auth", f.log.records[0].ErrorType)
}

func TestComplete_AllProvidersExhausted(t *testing.T) {
	f := newFixture(t, Config{})
	f.primary.On("Invoke", mock.Anything, "p-model", mock.Anything).Return(nil, unavailable("primary", "p-model"))
	f.backup.On("Invoke", mock.Anything, "b-model", mock.Anything).
		Return(nil, models.NewProviderError(models.ErrProviderRateLimit, "backup", "b-model", 429, nil))

	_, err := f.executor.Complete(context.Background(), chatRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAllProvidersExhausted)

	var exhausted *models.AllProvidersExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 2)
	assert.Equal(t, "primary", exhausted.Attempts[0].Provider)
	assert.ErrorIs(t, exhausted.Attempts[1].Err, models.ErrProviderRateLimit)
}

func TestComplete_MaxAttempts(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1})
	f.primary.On("Invoke", mock.Anything, "p-model", mock.Anything).Return(nil, unavailable("primary", "p-model"))

	_, err := f.executor.Complete(context.Background(), chatRequest())
	assert.ErrorIs(t, err, models.ErrAllProvidersExhausted)
	f.backup.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything)
}

func TestComplete_CallTimeoutFailsOver(t *testing.T) {
	f := newFixture(t, Config{CallTimeout: 20 * time.Millisecond})
	f.primary.On("Invoke", mock.Anything, "p-model", mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)
	f.backup.On("Invoke", mock.Anything, "b-model", mock.Anything).Return(&providers.RawResult{Content: "ok"}, nil)

	res, err := f.executor.Complete(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "backup", res.Provider)
	assert.Contains(t, f.registry.Get("primary", "p-model").LastError, "timeout")
}

func TestComplete_CallerCancellationNotRecorded(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	f.primary.On("Invoke", mock.Anything, "p-model", mock.Anything).
		Run(func(args mock.Arguments) { cancel() }).
		Return(nil, context.Canceled)

	_, err := f.executor.Complete(ctx, chatRequest())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.HealthStateHealthy, f.registry.Get("primary", "p-model").State)
	f.backup.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything)
}

func TestComplete_Validation(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.executor.Complete(context.Background(), models.CompletionRequest{})
	assert.ErrorIs(t, err, models.ErrValidation)
	f.primary.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything)
}

func TestComplete_JSONNarrowsCandidates(t *testing.T) {
	f := newFixture(t, Config{})
	f.primary.On("Invoke", mock.Anything, "p-model", mock.Anything).Return(nil, unavailable("primary", "p-model"))

	req := chatRequest()
	req.ResponseFormat = models.ResponseFormatJSON
	_, err := f.executor.Complete(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrAllProvidersExhausted)
	f.backup.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything)

	req.ExplicitModel = "backup/b-model"
	_, err = f.executor.Complete(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrUnsupportedFeature)
}

func TestComplete_JSONPrefersUnhealthyCapableModel(t *testing.T) {
	f := newFixture(t, Config{})
	for i := 0; i < 3; i++ {
		f.registry.RecordFailure("primary", "p-model", errors.New("timeout"))
	}
	require.Equal(t, models.HealthStateUnhealthy, f.registry.Get("primary", "p-model").State)
	f.primary.On("Invoke", mock.Anything, "p-model", mock.Anything).
		Return(&providers.RawResult{Content: `{"ok":true}`}, nil)

	req := chatRequest()
	req.ResponseFormat = models.ResponseFormatJSON
	res, err := f.executor.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "primary", res.Provider)
	f.backup.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything)

	// Plain chat still skips the unhealthy model.
	f.backup.On("Invoke", mock.Anything, "b-model", mock.Anything).
		Return(&providers.RawResult{Content: "hi"}, nil)
	res, err = f.executor.Complete(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "backup", res.Provider)
}

func TestComplete_ProbeTimeoutsRouteAroundModel(t *testing.T) {
	f := newFixture(t, Config{})
	isProbe := func(r models.CompletionRequest) bool { return r.MaxTokens != nil && *r.MaxTokens == 1 }

	f.primary.On("Invoke", mock.Anything, "p-model", mock.MatchedBy(isProbe)).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)
	f.backup.On("Invoke", mock.Anything, "b-model", mock.Anything).
		Return(&providers.RawResult{Content: "hi"}, nil)

	mon := health.NewMonitor(health.MonitorConfig{Timeout: 20 * time.Millisecond}, f.catalog, f.provs, f.registry, zaptest.NewLogger(t))
	for i := 0; i < 3; i++ {
		mon.RunHealthChecks(context.Background())
	}
	require.Equal(t, models.HealthStateUnhealthy, f.registry.Get("primary", "p-model").State)

	res, err := f.executor.Complete(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "backup", res.Provider)
	assert.Equal(t, 1, res.Attempts)

	f.primary.AssertNumberOfCalls(t, "Invoke", 3)
	f.primary.AssertNotCalled(t, "Invoke", mock.Anything, "p-model",
		mock.MatchedBy(func(r models.CompletionRequest) bool { return !isProbe(r) }))
}
