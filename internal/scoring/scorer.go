// Package scoring reduces a conflict set and proposal set to a single routing
// score in [0,1]. Every term is monotonic so routing behavior stays
// predictable under tuning.
package scoring

import (
	"github.com/civicmesh/coordinator/internal/config"
	"github.com/civicmesh/coordinator/internal/models"
)

type Scorer struct {
	weights        config.Weights
	referenceCost  float64
	maxChainLength int
}

func New(weights config.Weights, referenceCost float64, maxChainLength int) *Scorer {
	if referenceCost <= 0 {
		referenceCost = 1
	}
	if maxChainLength < 1 {
		maxChainLength = 1
	}
	return &Scorer{
		weights:        weights,
		referenceCost:  referenceCost,
		maxChainLength: maxChainLength,
	}
}

// Score computes:
//
//	clamp(wC*nConflicts + wA*nAgents + wE*hasEmergency + wCost*costFactor + wD*depthFactor, 0, 1)
//
// costFactor is total involved cost over the reference ceiling, clamped to 1.
// depthFactor is (longest dependency chain - 1) over the max chain length,
// clamped to 1.
func (s *Scorer) Score(conflicts []models.Conflict, proposals []models.AgentProposal) float64 {
	agents := make(map[string]struct{})
	hasEmergency := 0.0
	var totalCost float64
	for _, p := range proposals {
		agents[p.AgentID] = struct{}{}
		totalCost += p.EstimatedCost
		if p.Priority == models.PriorityEmergency {
			hasEmergency = 1
		}
	}

	costFactor := clamp01(totalCost / s.referenceCost)
	depthFactor := clamp01(float64(longestChain(proposals)-1) / float64(s.maxChainLength))

	raw := s.weights.Conflicts*float64(len(conflicts)) +
		s.weights.Agents*float64(len(agents)) +
		s.weights.Emergency*hasEmergency +
		s.weights.Cost*costFactor +
		s.weights.Depth*depthFactor
	return clamp01(raw)
}

// longestChain walks the declared dependency graph and returns the longest
// chain length in nodes. Cyclic declarations count each node once.
func longestChain(proposals []models.AgentProposal) int {
	deps := make(map[string][]string, len(proposals))
	present := make(map[string]struct{}, len(proposals))
	for _, p := range proposals {
		present[p.ID] = struct{}{}
	}
	for _, p := range proposals {
		for _, d := range models.ParsePlan(p.PlanDetails).DependsOn {
			if _, ok := present[d]; ok {
				deps[p.ID] = append(deps[p.ID], d)
			}
		}
	}

	longest := 0
	memo := make(map[string]int)
	visiting := make(map[string]bool)
	var depth func(id string) int
	depth = func(id string) int {
		if v, ok := memo[id]; ok {
			return v
		}
		if visiting[id] {
			return 0
		}
		visiting[id] = true
		best := 0
		for _, d := range deps[id] {
			if v := depth(d); v > best {
				best = v
			}
		}
		visiting[id] = false
		memo[id] = best + 1
		return best + 1
	}
	for _, p := range proposals {
		if v := depth(p.ID); v > longest {
			longest = v
		}
	}
	return longest
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
