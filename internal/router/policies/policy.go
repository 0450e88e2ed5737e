package policies

import (
	"fmt"
	"sort"
	"strings"

	"github.com/semantrix/aigateway/internal/models"
)

// DefaultUseCase applies when a request names none.
const DefaultUseCase = "chat"

// UseCaseConfig overrides or adds a use-case policy from configuration.
type UseCaseConfig struct {
	Name                 string   `mapstructure:"name"`
	RequiredCapabilities []string `mapstructure:"required_capabilities"`
	PreferredTiers       []string `mapstructure:"preferred_tiers"`
}

// DefaultUseCases returns the built-in use-case policies.
func DefaultUseCases() []models.UseCasePolicy {
	return []models.UseCasePolicy{
		{
			Name:                 "chat",
			RequiredCapabilities: []models.Capability{models.CapabilityChat},
			PreferredTiers:       []models.Tier{models.TierStandard, models.TierFree},
		},
		{
			Name:                 "writing",
			RequiredCapabilities: []models.Capability{models.CapabilityChat},
			PreferredTiers:       []models.Tier{models.TierPremium, models.TierStandard, models.TierFree},
		},
		{
			Name:                 "extraction",
			RequiredCapabilities: []models.Capability{models.CapabilityChat, models.CapabilityJSONOutput},
			PreferredTiers:       []models.Tier{models.TierStandard, models.TierFree},
		},
		{
			Name:                 "insights",
			RequiredCapabilities: []models.Capability{models.CapabilityChat, models.CapabilityJSONOutput},
			PreferredTiers:       []models.Tier{models.TierPremium, models.TierStandard},
		},
		{
			Name:                 "vision",
			RequiredCapabilities: []models.Capability{models.CapabilityChat, models.CapabilityVision},
			PreferredTiers:       []models.Tier{models.TierStandard, models.TierPremium},
		},
	}
}

// UseCases resolves use-case names to policies.
type UseCases struct {
	policies map[string]models.UseCasePolicy
}

// NewUseCases builds the policy set from the defaults plus overrides. An
// override with the name of a default replaces it.
func NewUseCases(overrides []UseCaseConfig) (*UseCases, error) {
	u := &UseCases{policies: make(map[string]models.UseCasePolicy)}
	for _, p := range DefaultUseCases() {
		u.policies[p.Name] = p
	}

	for _, o := range overrides {
		name := strings.ToLower(strings.TrimSpace(o.Name))
		if name == "" {
			return nil, fmt.Errorf("use case name is required")
		}
		policy := models.UseCasePolicy{Name: name}
		for _, raw := range o.RequiredCapabilities {
			c, err := models.ParseCapability(raw)
			if err != nil {
				return nil, fmt.Errorf("use case %s: %w", name, err)
			}
			policy.RequiredCapabilities = append(policy.RequiredCapabilities, c)
		}
		for _, raw := range o.PreferredTiers {
			t, err := models.ParseTier(raw)
			if err != nil {
				return nil, fmt.Errorf("use case %s: %w", name, err)
			}
			policy.PreferredTiers = append(policy.PreferredTiers, t)
		}
		u.policies[name] = policy
	}
	return u, nil
}

// Get resolves name, defaulting to chat. Unknown names are a validation error.
func (u *UseCases) Get(name string) (models.UseCasePolicy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = DefaultUseCase
	}
	p, ok := u.policies[name]
	if !ok {
		return models.UseCasePolicy{}, models.NewValidationError("use_case", fmt.Sprintf("unknown use case %q", name))
	}
	return p, nil
}

// Names lists the known use cases in lexical order.
func (u *UseCases) Names() []string {
	names := make([]string, 0, len(u.policies))
	for n := range u.policies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Candidate is a model together with its current health.
type Candidate struct {
	Model  models.Model
	Health models.ProviderHealth
}

// Criterion orders two candidates under a policy. Compare returns a negative
// number when a ranks before b and zero when the criterion cannot tell them apart.
type Criterion interface {
	Name() string
	Compare(policy models.UseCasePolicy, a, b Candidate) int
}

// DefaultRanking is the criteria order used when none is configured.
var DefaultRanking = []string{"health", "tier", "cost", "latency"}

var criteria = map[string]Criterion{
	"health":  healthCriterion{},
	"latency": latencyCriterion{},
	"tier":    tierCriterion{},
	"cost":    costCriterion{},
}

// Ranker sorts candidates lexicographically by its criteria.
type Ranker struct {
	criteria []Criterion
}

// NewRanker builds a ranker from criterion names.
func NewRanker(names []string) (*Ranker, error) {
	if len(names) == 0 {
		names = DefaultRanking
	}
	r := &Ranker{}
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		c, ok := criteria[n]
		if !ok {
			return nil, fmt.Errorf("unknown ranking criterion %q", n)
		}
		if _, dup := seen[n]; dup {
			return nil, fmt.Errorf("duplicate ranking criterion %q", n)
		}
		seen[n] = struct{}{}
		r.criteria = append(r.criteria, c)
	}
	return r, nil
}

// Criteria returns the criterion names in order.
func (r *Ranker) Criteria() []string {
	names := make([]string, len(r.criteria))
	for i, c := range r.criteria {
		names[i] = c.Name()
	}
	return names
}

// Rank sorts candidates in place. Ties keep catalog order.
func (r *Ranker) Rank(policy models.UseCasePolicy, candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		for _, c := range r.criteria {
			if d := c.Compare(policy, candidates[i], candidates[j]); d != 0 {
				return d < 0
			}
		}
		return false
	})
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
