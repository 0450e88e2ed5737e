package policies

import "github.com/semantrix/aigateway/internal/models"

// tierCriterion prefers the policy's tiers in order, then the remaining
// tiers from cheapest to most expensive.
type tierCriterion struct{}

func (tierCriterion) Name() string { return "tier" }

func (tierCriterion) Compare(policy models.UseCasePolicy, a, b Candidate) int {
	return tierRank(policy, a.Model.Tier) - tierRank(policy, b.Model.Tier)
}

func tierRank(policy models.UseCasePolicy, t models.Tier) int {
	for i, preferred := range policy.PreferredTiers {
		if preferred == t {
			return i
		}
	}
	return len(policy.PreferredTiers) + t.CostRank()
}

// costCriterion prefers the lower combined input and output price.
type costCriterion struct{}

func (costCriterion) Name() string { return "cost" }

func (costCriterion) Compare(_ models.UseCasePolicy, a, b Candidate) int {
	return compareFloat(a.Model.BlendedCost(), b.Model.BlendedCost())
}
