package policies

import "github.com/semantrix/aigateway/internal/models"

// healthCriterion ranks healthy before degraded before unhealthy.
type healthCriterion struct{}

func (healthCriterion) Name() string { return "health" }

func (healthCriterion) Compare(_ models.UseCasePolicy, a, b Candidate) int {
	return a.Health.State.Rank() - b.Health.State.Rank()
}

// latencyCriterion prefers the lower rolling average latency. Models that
// have never answered count as zero.
type latencyCriterion struct{}

func (latencyCriterion) Name() string { return "latency" }

func (latencyCriterion) Compare(_ models.UseCasePolicy, a, b Candidate) int {
	return compareFloat(observedLatency(a.Health), observedLatency(b.Health))
}

func observedLatency(h models.ProviderHealth) float64 {
	if h.LatencySamples == 0 {
		return 0
	}
	return h.RollingAverageLatencyMs
}
