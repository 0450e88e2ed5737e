package completion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/semantrix/aigateway/internal/models"
	"github.com/semantrix/aigateway/internal/observability"
	"github.com/semantrix/aigateway/internal/providers"
	"github.com/semantrix/aigateway/internal/querylog"
	"github.com/semantrix/aigateway/internal/router/health"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 3
	DefaultCallTimeout = 30 * time.Second
)

// Config bounds failover.
type Config struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// CandidateSelector ranks the models to try for a request.
type CandidateSelector interface {
	SelectCandidates(req models.CompletionRequest, extra ...models.Requirement) ([]models.Model, error)
}

// Executor runs completions against ranked candidates, failing over on
// transient provider errors.
type Executor struct {
	config    Config
	router    CandidateSelector
	providers map[string]providers.Provider
	registry  *health.Registry
	queryLog  querylog.Logger
	metrics   *observability.Metrics
	tracing   *observability.Tracing
	logger    *zap.Logger
}

// Option customizes an Executor.
type Option func(*Executor)

// WithQueryLog records one query per request into l.
func WithQueryLog(l querylog.Logger) Option {
	return func(e *Executor) { e.queryLog = l }
}

// WithMetrics enables metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithTracing enables spans.
func WithTracing(t *observability.Tracing) Option {
	return func(e *Executor) { e.tracing = t }
}

// NewExecutor creates an executor.
func NewExecutor(config Config, router CandidateSelector, provs map[string]providers.Provider, registry *health.Registry, logger *zap.Logger, opts ...Option) *Executor {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	e := &Executor{
		config:    config,
		router:    router,
		providers: provs,
		registry:  registry,
		queryLog:  querylog.NopLogger{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Complete executes req, trying at most MaxAttempts candidates in rank order.
//
// Transient failures (timeout, rate limit, unavailable) move on to the next
// candidate; any other provider error is returned immediately. Every provider
// failure is recorded into health. Cancellation of ctx is returned as is and
// never counted against a provider.
func (e *Executor) Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResult, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	ctx, span := e.tracing.StartSpanWithAttributes(ctx, "completion.execute", map[string]string{
		"request_id": req.RequestID,
		"use_case":   req.UseCase,
	})
	defer span.End()

	result, served, attempted, err := e.execute(ctx, req, start)
	e.logQuery(ctx, req, result, served, attempted, err, start)
	if err != nil {
		e.tracing.RecordError(ctx, err, map[string]string{"error_type": models.ErrorType(err)})
		return nil, err
	}
	return result, nil
}

func (e *Executor) execute(ctx context.Context, req models.CompletionRequest, start time.Time) (*models.CompletionResult, models.Model, []models.AttemptError, error) {
	if err := req.Validate(); err != nil {
		return nil, models.Model{}, nil, err
	}

	candidates, err := e.Candidates(req)
	if err != nil {
		return nil, models.Model{}, nil, err
	}

	n := e.config.MaxAttempts
	if len(candidates) < n {
		n = len(candidates)
	}

	var attempts []models.AttemptError
	for i := 0; i < n; i++ {
		model := candidates[i]

		raw, latency, err := e.attempt(ctx, model, req)
		if err == nil {
			res := e.normalize(req, model, raw, start, len(attempts)+1)
			e.metrics.RecordTokens(ctx, model.Provider, model.ID, res.Usage)
			return res, model, attempts, nil
		}

		if ctx.Err() != nil {
			return nil, models.Model{}, attempts, ctx.Err()
		}

		attempts = append(attempts, models.AttemptError{Provider: model.Provider, Model: model.ID, Err: err})
		e.logger.Warn("Completion attempt failed",
			zap.String("request_id", req.RequestID),
			zap.String("provider", model.Provider),
			zap.String("model", model.ID),
			zap.Duration("latency", latency),
			zap.Error(err))

		if !models.IsTransient(err) {
			return nil, models.Model{}, attempts, err
		}
		if i+1 < n {
			e.metrics.RecordFailover(model.Provider, model.ID, models.ErrorType(err))
		}
	}

	return nil, models.Model{}, attempts, &models.AllProvidersExhaustedError{Attempts: attempts}
}

// Candidates returns the ranked models able to serve req and meet extra.
// JSON output adds the json-output requirement. The router applies the
// requirements before it sets unhealthy models aside.
func (e *Executor) Candidates(req models.CompletionRequest, extra ...models.Requirement) ([]models.Model, error) {
	reqs := append([]models.Requirement(nil), extra...)
	if req.Format() == models.ResponseFormatJSON {
		reqs = append(reqs, models.RequireJSONOutput)
	}

	candidates, err := e.router.SelectCandidates(req, reqs...)
	if err != nil {
		return nil, err
	}
	if req.ExplicitModel == "" {
		return candidates, nil
	}
	for _, x := range reqs {
		if !x.Match(candidates[0]) {
			return nil, fmt.Errorf("model %s does not support %s: %w", candidates[0].Key(), x.Name, models.ErrUnsupportedFeature)
		}
	}
	return candidates, nil
}

// attempt calls one candidate under the per-call timeout and records the outcome.
func (e *Executor) attempt(ctx context.Context, model models.Model, req models.CompletionRequest) (*providers.RawResult, time.Duration, error) {
	ctx, span := e.tracing.StartSpanWithAttributes(ctx, "provider.invoke", map[string]string{
		"provider": model.Provider,
		"model":    model.ID,
	})
	defer span.End()

	provider, ok := e.providers[model.Provider]
	if !ok {
		err := models.NewProviderError(models.ErrProviderUnavailable, model.Provider, model.ID, 0, errors.New("provider is not configured"))
		e.registry.RecordFailure(model.Provider, model.ID, err)
		return nil, 0, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()

	start := time.Now()
	raw, err := provider.Invoke(callCtx, model, req)
	latency := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return nil, latency, ctx.Err()
		}
		err = asProviderError(callCtx, model, req.RequestID, err)
		e.registry.RecordFailure(model.Provider, model.ID, err)
		e.metrics.RecordProviderError(model.Provider, models.ErrorType(err))
		e.tracing.RecordError(ctx, err, nil)
		return nil, latency, err
	}

	e.registry.RecordSuccess(model.Provider, model.ID, latency)
	e.metrics.RecordProviderLatency(model.Provider, model.ID, latency)
	return raw, latency, nil
}

// asProviderError makes sure err carries a provider error class.
func asProviderError(callCtx context.Context, model models.Model, requestID string, err error) error {
	var perr *models.ProviderError
	if errors.As(err, &perr) {
		if perr.RequestID == "" {
			perr.RequestID = requestID
		}
		return err
	}
	if errors.Is(err, models.ErrUnsupportedFeature) {
		return err
	}
	kind := models.ClassifyTransportError(err)
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		kind = models.ErrProviderTimeout
	}
	perr = models.NewProviderError(kind, model.Provider, model.ID, 0, err)
	perr.RequestID = requestID
	return perr
}

func (e *Executor) normalize(req models.CompletionRequest, model models.Model, raw *providers.RawResult, start time.Time, attempts int) *models.CompletionResult {
	id := raw.ID
	if id == "" {
		id = uuid.NewString()
	}
	finish := raw.FinishReason
	if finish == "" {
		finish = models.FinishReasonStop
	}
	return &models.CompletionResult{
		ID:           id,
		RequestID:    req.RequestID,
		Provider:     model.Provider,
		Model:        model.ID,
		Content:      raw.Content,
		FinishReason: finish,
		Usage: models.Usage{
			InputTokens:  raw.InputTokens,
			OutputTokens: raw.OutputTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
		Attempts:  attempts,
	}
}

func (e *Executor) logQuery(ctx context.Context, req models.CompletionRequest, res *models.CompletionResult, served models.Model, attempts []models.AttemptError, err error, start time.Time) {
	q := querylog.QueryLog{
		ID:        uuid.NewString(),
		RequestID: req.RequestID,
		CreatedAt: start.UTC(),
		UserKey:   querylog.UserKeyFromContext(ctx),
		UseCase:   req.UseCase,
		LatencyMs: time.Since(start).Milliseconds(),
		Attempts:  len(attempts),
	}
	if res != nil {
		q.Success = true
		q.Provider = res.Provider
		q.Model = res.Model
		q.Attempts = res.Attempts
		q.InputTokens = res.Usage.InputTokens
		q.OutputTokens = res.Usage.OutputTokens
		q.CostUSD = res.CostUSD(served)
	} else {
		q.ErrorType = models.ErrorType(err)
		if len(attempts) > 0 {
			last := attempts[len(attempts)-1]
			q.Provider, q.Model = last.Provider, last.Model
		}
	}

	// Logging is fail-open: the caller's result does not depend on it.
	if lerr := e.queryLog.LogQuery(context.WithoutCancel(ctx), q); lerr != nil {
		e.logger.Warn("Failed to record query", zap.String("request_id", req.RequestID), zap.Error(lerr))
	}
}
