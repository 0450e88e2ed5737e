package router

import (
	"fmt"
	"time"

	"github.com/semantrix/aigateway/internal/catalog"
	"github.com/semantrix/aigateway/internal/models"
	"github.com/semantrix/aigateway/internal/observability"
	"github.com/semantrix/aigateway/internal/router/health"
	"github.com/semantrix/aigateway/internal/router/policies"
	"go.uber.org/zap"
)

// Config holds routing configuration.
type Config struct {
	Ranking  []string                 `mapstructure:"ranking"`
	UseCases []policies.UseCaseConfig `mapstructure:"use_cases"`
}

// Router selects and ranks candidate models for a request.
type Router struct {
	catalog  *catalog.Catalog
	useCases *policies.UseCases
	ranker   *policies.Ranker
	registry *health.Registry
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// New creates a router over the catalog and the shared health registry.
func New(config Config, cat *catalog.Catalog, registry *health.Registry, metrics *observability.Metrics, logger *zap.Logger) (*Router, error) {
	useCases, err := policies.NewUseCases(config.UseCases)
	if err != nil {
		return nil, fmt.Errorf("invalid use case configuration: %w", err)
	}
	ranker, err := policies.NewRanker(config.Ranking)
	if err != nil {
		return nil, fmt.Errorf("invalid ranking configuration: %w", err)
	}
	return &Router{
		catalog:  cat,
		useCases: useCases,
		ranker:   ranker,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// UseCases exposes the resolved use-case policies.
func (r *Router) UseCases() *policies.UseCases {
	return r.useCases
}

// SelectCandidates returns the models to try for req, best first.
//
// An explicit model yields exactly that model. Otherwise the use case policy
// filters the catalog by required capabilities and by extra, unhealthy models
// are dropped unless nothing else qualifies, and the rest are ranked. extra is
// not applied to an explicit model; callers check it themselves.
func (r *Router) SelectCandidates(req models.CompletionRequest, extra ...models.Requirement) ([]models.Model, error) {
	start := time.Now()

	if req.ExplicitModel != "" {
		m, ok := r.catalog.Lookup(req.ExplicitModel)
		if !ok {
			return nil, models.NewValidationError("model", fmt.Sprintf("unknown model %q", req.ExplicitModel))
		}
		r.metrics.RecordRoutingDecision("explicit", m.Provider, m.ID)
		return []models.Model{m}, nil
	}

	policy, err := r.useCases.Get(req.UseCase)
	if err != nil {
		return nil, err
	}

	var (
		usable    []policies.Candidate
		unhealthy []policies.Candidate
	)
	for _, m := range r.catalog.Models() {
		if !m.HasCapabilities(policy.RequiredCapabilities) || !m.Satisfies(extra) {
			continue
		}
		c := policies.Candidate{Model: m, Health: r.registry.Get(m.Provider, m.ID)}
		if c.Health.State == models.HealthStateUnhealthy {
			unhealthy = append(unhealthy, c)
			continue
		}
		usable = append(usable, c)
	}

	if len(usable) == 0 {
		// Every capable model is unhealthy; trying one beats failing outright.
		usable = unhealthy
	}
	if len(usable) == 0 {
		required := append([]models.Capability(nil), policy.RequiredCapabilities...)
		for _, x := range extra {
			required = append(required, models.Capability(x.Name))
		}
		return nil, &models.NoCandidateModelsError{UseCase: policy.Name, Required: required}
	}

	r.ranker.Rank(policy, usable)

	out := make([]models.Model, len(usable))
	for i, c := range usable {
		out[i] = c.Model
	}

	r.metrics.RecordRoutingLatency(policy.Name, time.Since(start))
	r.metrics.RecordRoutingDecision(policy.Name, out[0].Provider, out[0].ID)
	r.logger.Debug("Selected candidate models",
		zap.String("use_case", policy.Name),
		zap.Int("candidates", len(out)),
		zap.String("first", out[0].Key()))

	return out, nil
}
