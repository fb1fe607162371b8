// Package detector finds conflicts between department proposals. Detection is
// a pure function over its inputs: the injected policy set holds restrictions
// and budget ceilings, and no state is mutated here.
package detector

import (
	"fmt"
	"sort"

	"github.com/civicmesh/coordinator/internal/models"
	"github.com/civicmesh/coordinator/internal/policy"
	"github.com/civicmesh/coordinator/internal/rules"
)

type Detector struct {
	policies policy.Set
}

func New(policies policy.Set) *Detector {
	return &Detector{policies: policies}
}

// Detect scans the proposal set for resource, location, timing, policy and
// budget conflicts. The result may be empty. Proposals with unparsable plan
// details are treated as always-overlapping, never as a failure.
func (d *Detector) Detect(proposals []models.AgentProposal) []models.Conflict {
	plans := make(map[string]models.Plan, len(proposals))
	for _, p := range proposals {
		plans[p.ID] = models.ParsePlan(p.PlanDetails)
	}

	var conflicts []models.Conflict
	conflicts = append(conflicts, d.resourceConflicts(proposals, plans)...)
	conflicts = append(conflicts, d.locationConflicts(proposals, plans)...)
	conflicts = append(conflicts, d.timingConflicts(proposals, plans)...)
	conflicts = append(conflicts, d.policyConflicts(proposals)...)
	conflicts = append(conflicts, d.budgetConflicts(proposals, plans)...)
	return conflicts
}

// DetectIncoming runs detection over the union of active and incoming
// proposals, keeping only conflicts that involve at least one incoming
// proposal. Used by the orchestrator's active-proposal index.
func (d *Detector) DetectIncoming(active, incoming []models.AgentProposal) []models.Conflict {
	all := make([]models.AgentProposal, 0, len(active)+len(incoming))
	all = append(all, active...)
	all = append(all, incoming...)

	incomingIDs := make(map[string]struct{}, len(incoming))
	for _, p := range incoming {
		incomingIDs[p.ID] = struct{}{}
	}

	var kept []models.Conflict
	for _, c := range d.Detect(all) {
		for _, id := range c.ProposalIDs {
			if _, ok := incomingIDs[id]; ok {
				kept = append(kept, c)
				break
			}
		}
	}
	return kept
}

// resourceConflicts emits one conflict per colliding resource per proposal
// pair. Collisions never collapse into N-way groupings so resolution rules
// stay composable.
func (d *Detector) resourceConflicts(proposals []models.AgentProposal, plans map[string]models.Plan) []models.Conflict {
	var out []models.Conflict
	for i := 0; i < len(proposals); i++ {
		for j := i + 1; j < len(proposals); j++ {
			a, b := proposals[i], proposals[j]
			if !plans[a.ID].Overlaps(plans[b.ID]) {
				continue
			}
			for _, res := range sharedResources(a.ResourcesNeeded, b.ResourcesNeeded) {
				out = append(out, models.Conflict{
					ID:          models.NewUUID(),
					Type:        models.ConflictResource,
					ProposalIDs: []string{a.ID, b.ID},
					Resource:    res,
					Description: fmt.Sprintf("%s and %s both need %s in overlapping windows", a.AgentID, b.AgentID, res),
				})
			}
		}
	}
	return out
}

func sharedResources(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, r := range a {
		set[r] = struct{}{}
	}
	var shared []string
	seen := make(map[string]struct{})
	for _, r := range b {
		if _, ok := set[r]; ok {
			if _, dup := seen[r]; !dup {
				shared = append(shared, r)
				seen[r] = struct{}{}
			}
		}
	}
	sort.Strings(shared)
	return shared
}

func (d *Detector) locationConflicts(proposals []models.AgentProposal, plans map[string]models.Plan) []models.Conflict {
	var out []models.Conflict
	for i := 0; i < len(proposals); i++ {
		for j := i + 1; j < len(proposals); j++ {
			a, b := proposals[i], proposals[j]
			if a.Location != b.Location {
				continue
			}
			if !plans[a.ID].Overlaps(plans[b.ID]) {
				continue
			}
			out = append(out, models.Conflict{
				ID:          models.NewUUID(),
				Type:        models.ConflictLocation,
				ProposalIDs: []string{a.ID, b.ID},
				Location:    a.Location,
				Description: fmt.Sprintf("%s and %s both operate at %s in overlapping windows", a.AgentID, b.AgentID, a.Location),
			})
		}
	}
	return out
}

// timingConflicts emits a conflict per declared dependency edge whose ordering
// cannot hold simultaneously, i.e. the dependent's window overlaps its
// prerequisite's. Cycles surface here edge by edge; the rule engine's
// sequencing pass breaks them.
func (d *Detector) timingConflicts(proposals []models.AgentProposal, plans map[string]models.Plan) []models.Conflict {
	byID := make(map[string]models.AgentProposal, len(proposals))
	deps := make(map[string][]string, len(proposals))
	for _, p := range proposals {
		byID[p.ID] = p
	}
	for _, p := range proposals {
		for _, dep := range plans[p.ID].DependsOn {
			if _, ok := byID[dep]; ok && dep != p.ID {
				deps[p.ID] = append(deps[p.ID], dep)
			}
		}
	}
	// A cyclic declaration is unsatisfiable no matter how the windows fall,
	// so those edges conflict even when the windows are disjoint.
	cyclic := rules.HasDependencyCycle(proposals)

	var out []models.Conflict
	for _, p := range proposals {
		for _, dep := range deps[p.ID] {
			prereq := byID[dep]
			switch {
			case plans[p.ID].Overlaps(plans[prereq.ID]):
				out = append(out, models.Conflict{
					ID:          models.NewUUID(),
					Type:        models.ConflictTiming,
					ProposalIDs: []string{prereq.ID, p.ID},
					Description: fmt.Sprintf("%s depends on %s completing first but their windows overlap", p.AgentID, prereq.AgentID),
				})
			case cyclic && dependsTransitively(deps, prereq.ID, p.ID):
				out = append(out, models.Conflict{
					ID:          models.NewUUID(),
					Type:        models.ConflictTiming,
					ProposalIDs: []string{prereq.ID, p.ID},
					Description: fmt.Sprintf("%s and %s declare a dependency cycle", p.AgentID, prereq.AgentID),
				})
			}
		}
	}
	return out
}

// dependsTransitively reports whether from reaches to through declared
// dependency edges.
func dependsTransitively(deps map[string][]string, from, to string) bool {
	visited := map[string]struct{}{}
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true
		}
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		stack = append(stack, deps[id]...)
	}
	return false
}

func (d *Detector) policyConflicts(proposals []models.AgentProposal) []models.Conflict {
	var out []models.Conflict
	for _, p := range proposals {
		for _, r := range d.policies.Violations(p) {
			out = append(out, models.Conflict{
				ID:          models.NewUUID(),
				Type:        models.ConflictPolicy,
				ProposalIDs: []string{p.ID},
				Location:    p.Location,
				Description: fmt.Sprintf("%s violates restriction %s: %s", p.AgentID, r.ID, r.Reason),
			})
		}
	}
	return out
}

// budgetConflicts clusters same-location proposals whose windows transitively
// overlap and flags clusters whose combined cost exceeds the location ceiling.
// The sum spans all departments at the location, not a single department.
func (d *Detector) budgetConflicts(proposals []models.AgentProposal, plans map[string]models.Plan) []models.Conflict {
	byLocation := make(map[string][]models.AgentProposal)
	for _, p := range proposals {
		byLocation[p.Location] = append(byLocation[p.Location], p)
	}

	locations := make([]string, 0, len(byLocation))
	for loc := range byLocation {
		locations = append(locations, loc)
	}
	sort.Strings(locations)

	var out []models.Conflict
	for _, loc := range locations {
		ceiling, ok := d.policies.Budgets.CeilingFor(loc)
		if !ok {
			continue
		}
		for _, cluster := range overlapClusters(byLocation[loc], plans) {
			if len(cluster) < 2 {
				continue
			}
			var total float64
			ids := make([]string, 0, len(cluster))
			for _, p := range cluster {
				total += p.EstimatedCost
				ids = append(ids, p.ID)
			}
			if total <= ceiling {
				continue
			}
			out = append(out, models.Conflict{
				ID:          models.NewUUID(),
				Type:        models.ConflictBudget,
				ProposalIDs: ids,
				Location:    loc,
				Description: fmt.Sprintf("combined cost %.0f at %s exceeds ceiling %.0f", total, loc, ceiling),
			})
		}
	}
	return out
}

// overlapClusters partitions proposals into groups connected by pairwise
// window overlap (transitive closure via union-find).
func overlapClusters(proposals []models.AgentProposal, plans map[string]models.Plan) [][]models.AgentProposal {
	parent := make([]int, len(proposals))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	for i := 0; i < len(proposals); i++ {
		for j := i + 1; j < len(proposals); j++ {
			if plans[proposals[i].ID].Overlaps(plans[proposals[j].ID]) {
				parent[find(i)] = find(j)
			}
		}
	}
	groups := make(map[int][]models.AgentProposal)
	for i, p := range proposals {
		root := find(i)
		groups[root] = append(groups[root], p)
	}
	roots := make([]int, 0, len(groups))
	for r := range groups {
		roots = append(roots, r)
	}
	sort.Ints(roots)
	out := make([][]models.AgentProposal, 0, len(groups))
	for _, r := range roots {
		out = append(out, groups[r])
	}
	return out
}
