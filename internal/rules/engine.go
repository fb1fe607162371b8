// Package rules implements the deterministic resolution strategies applied to
// low-complexity conflicts. Strategies are tried in a fixed order and the
// first whose precondition holds decides the case.
package rules

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/civicmesh/coordinator/internal/models"
)

// ErrNoApplicableRule signals that the conflict shape is not covered by any
// deterministic strategy. The orchestrator treats it as an automatic human
// escalation, not as a failure.
var ErrNoApplicableRule = errors.New("no_applicable_rule")

// Confidence is fixed per rule, reflecting how mechanical the rule is.
const (
	confidenceEmergency   = 0.95
	confidenceRestriction = 0.93
	confidenceSequencing  = 0.88
	confidencePriority    = 0.85
	confidenceFIFO        = 0.80
)

type Engine struct{}

func New() *Engine {
	return &Engine{}
}

// Resolve applies the ordered strategy list to the case. The returned
// resolution always covers every proposal with a disposition (or an
// execution plan for sequential outcomes).
func (e *Engine) Resolve(proposals []models.AgentProposal, conflicts []models.Conflict) (models.Resolution, error) {
	if len(conflicts) == 0 {
		return approveAll(proposals, 1.0, "no conflicts detected"), nil
	}

	shape := classify(conflicts)

	if res, ok := e.emergencyOverride(proposals, conflicts); ok {
		return res, nil
	}
	if shape.contention && !shape.timing && !shape.policy {
		if res, ok := e.priorityRanking(proposals, conflicts); ok {
			return res, nil
		}
		return e.fifo(proposals, conflicts), nil
	}
	if shape.timing && !shape.contention && !shape.policy {
		return e.sequentialOrdering(proposals), nil
	}
	if shape.policy && !shape.contention && !shape.timing {
		return e.restrictionEnforcement(proposals, conflicts), nil
	}

	// Mixed shapes (e.g. policy plus resource contention) have no single
	// deterministic strategy; hand them to a human.
	return models.Resolution{}, ErrNoApplicableRule
}

type conflictShape struct {
	contention bool // resource, location or budget
	timing     bool
	policy     bool
}

func classify(conflicts []models.Conflict) conflictShape {
	var s conflictShape
	for _, c := range conflicts {
		switch c.Type {
		case models.ConflictTiming:
			s.timing = true
		case models.ConflictPolicy:
			s.policy = true
		default:
			s.contention = true
		}
	}
	return s
}

// emergencyOverride grants every emergency proposal its full claim and defers
// all colliding proposals with a reschedule suggestion.
func (e *Engine) emergencyOverride(proposals []models.AgentProposal, conflicts []models.Conflict) (models.Resolution, bool) {
	emergencies := make(map[string]models.AgentProposal)
	for _, p := range proposals {
		if p.Priority == models.PriorityEmergency {
			emergencies[p.ID] = p
		}
	}
	if len(emergencies) == 0 {
		return models.Resolution{}, false
	}

	involved := false
	displaced := make(map[string]models.AgentProposal)
	byID := proposalIndex(proposals)
	for _, c := range conflicts {
		hasEmergency := false
		for _, id := range c.ProposalIDs {
			if _, ok := emergencies[id]; ok {
				hasEmergency = true
				break
			}
		}
		if !hasEmergency {
			continue
		}
		involved = true
		for _, id := range c.ProposalIDs {
			if _, ok := emergencies[id]; !ok {
				displaced[id] = byID[id]
			}
		}
	}
	if !involved {
		return models.Resolution{}, false
	}

	var dispositions []models.Disposition
	for _, p := range proposals {
		if loser, ok := displaced[p.ID]; ok {
			dispositions = append(dispositions, deferWithReschedule(loser, latestWindowEnd(emergencies), "displaced by emergency work"))
			continue
		}
		dispositions = append(dispositions, models.Disposition{ProposalID: p.ID, Status: models.DispositionApproved})
	}
	return models.Resolution{
		Outcome:      models.OutcomeModified,
		Confidence:   confidenceEmergency,
		Rationale:    "emergency override: emergency-priority work granted its full claim, colliding proposals deferred",
		Dispositions: dispositions,
	}, true
}

// priorityRanking resolves each conflict in favor of its highest-priority
// participant. Applies only when every conflict has a unique top tier.
func (e *Engine) priorityRanking(proposals []models.AgentProposal, conflicts []models.Conflict) (models.Resolution, bool) {
	byID := proposalIndex(proposals)
	losers := make(map[string]string) // proposal id -> winning agent
	for _, c := range conflicts {
		winner, unique := topPriority(c.ProposalIDs, byID)
		if !unique {
			return models.Resolution{}, false
		}
		for _, id := range c.ProposalIDs {
			if id != winner.ID {
				losers[id] = winner.AgentID
			}
		}
	}
	if len(losers) == 0 {
		return models.Resolution{}, false
	}

	var dispositions []models.Disposition
	for _, p := range proposals {
		if winnerAgent, lost := losers[p.ID]; lost {
			dispositions = append(dispositions, deferWithReschedule(p, nil, fmt.Sprintf("outranked by %s", winnerAgent)))
			continue
		}
		dispositions = append(dispositions, models.Disposition{ProposalID: p.ID, Status: models.DispositionApproved})
	}
	return models.Resolution{
		Outcome:      models.OutcomeModified,
		Confidence:   confidencePriority,
		Rationale:    "priority ranking: higher urgency tiers win contested claims",
		Dispositions: dispositions,
	}, true
}

// fifo breaks every remaining contention conflict by earliest submission.
// Exact-timestamp ties break on lexical agent id, which keeps the result
// deterministic across replays.
func (e *Engine) fifo(proposals []models.AgentProposal, conflicts []models.Conflict) models.Resolution {
	byID := proposalIndex(proposals)
	losers := make(map[string]models.AgentProposal)
	winners := make(map[string]models.AgentProposal)
	for _, c := range conflicts {
		ids := append([]string(nil), c.ProposalIDs...)
		sort.Slice(ids, func(i, j int) bool {
			a, b := byID[ids[i]], byID[ids[j]]
			if a.Priority.Rank() != b.Priority.Rank() {
				return a.Priority.Rank() > b.Priority.Rank()
			}
			if !a.SubmittedAt.Equal(b.SubmittedAt) {
				return a.SubmittedAt.Before(b.SubmittedAt)
			}
			return a.AgentID < b.AgentID
		})
		winners[ids[0]] = byID[ids[0]]
		for _, id := range ids[1:] {
			losers[id] = byID[id]
		}
	}

	var dispositions []models.Disposition
	for _, p := range proposals {
		if _, won := winners[p.ID]; !won {
			if _, lost := losers[p.ID]; lost {
				dispositions = append(dispositions, deferWithReschedule(p, latestWindowEnd(winners), "later submission loses the tie"))
				continue
			}
		}
		dispositions = append(dispositions, models.Disposition{ProposalID: p.ID, Status: models.DispositionApproved})
	}
	return models.Resolution{
		Outcome:      models.OutcomeModified,
		Confidence:   confidenceFIFO,
		Rationale:    "first-in-first-out: earliest submission wins, exact ties broken by agent id",
		Dispositions: dispositions,
	}
}

// sequentialOrdering emits a total execution order instead of an
// approve/defer binary. Dependency cycles are broken inside SequencePlan.
func (e *Engine) sequentialOrdering(proposals []models.AgentProposal) models.Resolution {
	order := SequencePlan(proposals)
	dispositions := make([]models.Disposition, 0, len(proposals))
	position := make(map[string]int, len(order))
	for i, id := range order {
		position[id] = i + 1
	}
	for _, p := range proposals {
		dispositions = append(dispositions, models.Disposition{
			ProposalID: p.ID,
			Status:     models.DispositionApproved,
			Note:       fmt.Sprintf("execute in position %d", position[p.ID]),
		})
	}
	return models.Resolution{
		Outcome:       models.OutcomeSequentialPlan,
		Confidence:    confidenceSequencing,
		Rationale:     "sequential dependency ordering: declared dependencies scheduled as a total order",
		Dispositions:  dispositions,
		ExecutionPlan: order,
	}
}

// restrictionEnforcement rejects every proposal named in a policy conflict
// outright, regardless of priority, and approves the rest.
func (e *Engine) restrictionEnforcement(proposals []models.AgentProposal, conflicts []models.Conflict) models.Resolution {
	violators := make(map[string]string)
	for _, c := range conflicts {
		if c.Type != models.ConflictPolicy {
			continue
		}
		for _, id := range c.ProposalIDs {
			violators[id] = c.Description
		}
	}

	var dispositions []models.Disposition
	rejected := 0
	for _, p := range proposals {
		if why, bad := violators[p.ID]; bad {
			rejected++
			dispositions = append(dispositions, models.Disposition{
				ProposalID: p.ID,
				Status:     models.DispositionRejected,
				Note:       why,
			})
			continue
		}
		dispositions = append(dispositions, models.Disposition{ProposalID: p.ID, Status: models.DispositionApproved})
	}

	outcome := models.OutcomeModified
	if rejected == len(proposals) {
		outcome = models.OutcomeRejectedAll
	}
	return models.Resolution{
		Outcome:      outcome,
		Confidence:   confidenceRestriction,
		Rationale:    "restriction enforcement: proposals violating injected policy restrictions rejected",
		Dispositions: dispositions,
	}
}

func approveAll(proposals []models.AgentProposal, confidence float64, rationale string) models.Resolution {
	dispositions := make([]models.Disposition, 0, len(proposals))
	for _, p := range proposals {
		dispositions = append(dispositions, models.Disposition{ProposalID: p.ID, Status: models.DispositionApproved})
	}
	return models.Resolution{
		Outcome:      models.OutcomeApprovedAll,
		Confidence:   confidence,
		Rationale:    rationale,
		Dispositions: dispositions,
	}
}

func proposalIndex(proposals []models.AgentProposal) map[string]models.AgentProposal {
	byID := make(map[string]models.AgentProposal, len(proposals))
	for _, p := range proposals {
		byID[p.ID] = p
	}
	return byID
}

func topPriority(ids []string, byID map[string]models.AgentProposal) (models.AgentProposal, bool) {
	var best models.AgentProposal
	bestRank, count := -1, 0
	for _, id := range ids {
		p := byID[id]
		switch r := p.Priority.Rank(); {
		case r > bestRank:
			best, bestRank, count = p, r, 1
		case r == bestRank:
			count++
		}
	}
	return best, count == 1
}

// latestWindowEnd suggests a reschedule after the winning work finishes; nil
// when no winner declared a window.
func latestWindowEnd(winners map[string]models.AgentProposal) *time.Time {
	var latest *time.Time
	for _, w := range winners {
		plan := models.ParsePlan(w.PlanDetails)
		if plan.WindowEnd != nil && (latest == nil || plan.WindowEnd.After(*latest)) {
			latest = plan.WindowEnd
		}
	}
	return latest
}

func deferWithReschedule(p models.AgentProposal, after *time.Time, note string) models.Disposition {
	return models.Disposition{
		ProposalID:     p.ID,
		Status:         models.DispositionDeferred,
		SuggestedStart: after,
		Note:           note,
	}
}
