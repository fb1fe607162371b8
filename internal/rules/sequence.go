package rules

import (
	"sort"

	"github.com/civicmesh/coordinator/internal/models"
)

// SequencePlan produces a total execution order over the proposals from their
// declared dependencies. Cycles are broken by scheduling the cheapest node in
// the cycle first (tie-break: highest priority tier, then earliest
// submission, then agent id) and waiving that node's own prerequisites, which
// leaves an acyclic residual graph. No node ever waits on itself.
func SequencePlan(proposals []models.AgentProposal) []string {
	byID := make(map[string]models.AgentProposal, len(proposals))
	for _, p := range proposals {
		byID[p.ID] = p
	}

	// prereqs[x] = nodes x depends on.
	prereqs := make(map[string]map[string]struct{}, len(proposals))
	dependents := make(map[string]map[string]struct{}, len(proposals))
	for _, p := range proposals {
		if prereqs[p.ID] == nil {
			prereqs[p.ID] = map[string]struct{}{}
		}
		for _, dep := range models.ParsePlan(p.PlanDetails).DependsOn {
			if _, ok := byID[dep]; !ok || dep == p.ID {
				continue
			}
			prereqs[p.ID][dep] = struct{}{}
			if dependents[dep] == nil {
				dependents[dep] = map[string]struct{}{}
			}
			dependents[dep][p.ID] = struct{}{}
		}
	}

	remaining := make(map[string]struct{}, len(proposals))
	for _, p := range proposals {
		remaining[p.ID] = struct{}{}
	}

	order := make([]string, 0, len(proposals))
	for len(remaining) > 0 {
		ready := readyNodes(remaining, prereqs)
		if len(ready) == 0 {
			// Every remaining node waits on another: a dependency cycle.
			breaker := cycleBreaker(remaining, byID)
			prereqs[breaker] = map[string]struct{}{}
			ready = []string{breaker}
		}
		sortBySubmission(ready, byID)
		next := ready[0]
		order = append(order, next)
		delete(remaining, next)
		for dep := range dependents[next] {
			delete(prereqs[dep], next)
		}
	}
	return order
}

func readyNodes(remaining map[string]struct{}, prereqs map[string]map[string]struct{}) []string {
	var ready []string
	for id := range remaining {
		blocked := false
		for dep := range prereqs[id] {
			if _, still := remaining[dep]; still {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, id)
		}
	}
	return ready
}

// cycleBreaker selects the node to execute first when no node is ready:
// lowest estimated cost, then highest priority tier, then earliest
// submission, then agent id.
func cycleBreaker(remaining map[string]struct{}, byID map[string]models.AgentProposal) string {
	ids := make([]string, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := byID[ids[i]], byID[ids[j]]
		if a.EstimatedCost != b.EstimatedCost {
			return a.EstimatedCost < b.EstimatedCost
		}
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.AgentID < b.AgentID
	})
	return ids[0]
}

func sortBySubmission(ids []string, byID map[string]models.AgentProposal) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := byID[ids[i]], byID[ids[j]]
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.AgentID < b.AgentID
	})
}

// HasDependencyCycle reports whether the declared dependency graph over the
// proposals contains a cycle of length >= 2 (self-references are ignored as
// malformed).
func HasDependencyCycle(proposals []models.AgentProposal) bool {
	byID := make(map[string]struct{}, len(proposals))
	for _, p := range proposals {
		byID[p.ID] = struct{}{}
	}
	deps := make(map[string][]string, len(proposals))
	for _, p := range proposals {
		for _, dep := range models.ParsePlan(p.PlanDetails).DependsOn {
			if _, ok := byID[dep]; ok && dep != p.ID {
				deps[p.ID] = append(deps[p.ID], dep)
			}
		}
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(proposals))
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		for _, dep := range deps[id] {
			switch color[dep] {
			case grey:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}
	for _, p := range proposals {
		if color[p.ID] == white && visit(p.ID) {
			return true
		}
	}
	return false
}
