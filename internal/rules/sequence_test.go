package rules_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/civicmesh/coordinator/internal/models"
	"github.com/civicmesh/coordinator/internal/rules"
)

func chained(id, agentID string, cost float64, submitted time.Time, deps ...string) models.AgentProposal {
	p := models.AgentProposal{
		ID:            id,
		AgentID:       agentID,
		Decision:      "scheduled works",
		Location:      "sector-1",
		EstimatedCost: cost,
		Priority:      models.PriorityRoutine,
		SubmittedAt:   submitted,
	}
	if len(deps) > 0 {
		raw, _ := json.Marshal(map[string]interface{}{"dependsOn": deps})
		p.PlanDetails = raw
	}
	return p
}

func TestSequencePlanLinearChain(t *testing.T) {
	order := rules.SequencePlan([]models.AgentProposal{
		chained("water", "water-dept", 100, base),
		chained("roads", "roads-dept", 100, base, "water"),
		chained("parks", "parks-dept", 100, base, "roads"),
	})
	assert.Equal(t, []string{"water", "roads", "parks"}, order)
}

func TestSequencePlanBreaksCycleAtCheapestNode(t *testing.T) {
	// water -> health -> engineering -> water forms a cycle; health is the
	// cheapest work, so its prerequisite is waived and it runs first.
	order := rules.SequencePlan([]models.AgentProposal{
		chained("water", "water-dept", 500_000, base, "health"),
		chained("engineering", "engineering-dept", 800_000, base, "water"),
		chained("health", "health-dept", 300_000, base, "engineering"),
	})
	assert.Equal(t, []string{"health", "water", "engineering"}, order)
}

func TestSequencePlanIgnoresUnknownAndSelfDependencies(t *testing.T) {
	order := rules.SequencePlan([]models.AgentProposal{
		chained("p1", "water-dept", 100, base, "p1", "ghost"),
		chained("p2", "roads-dept", 100, base.Add(time.Minute), "p1"),
	})
	assert.Equal(t, []string{"p1", "p2"}, order)
}

func TestSequencePlanEveryProposalScheduledOnce(t *testing.T) {
	proposals := []models.AgentProposal{
		chained("a", "dept-a", 100, base, "b"),
		chained("b", "dept-b", 200, base, "a"),
		chained("c", "dept-c", 300, base, "d"),
		chained("d", "dept-d", 400, base, "c"),
		chained("e", "dept-e", 500, base),
	}
	order := rules.SequencePlan(proposals)
	assert.Len(t, order, len(proposals))
	seen := map[string]bool{}
	for _, id := range order {
		assert.False(t, seen[id], "proposal %s scheduled twice", id)
		seen[id] = true
	}
}

func TestHasDependencyCycle(t *testing.T) {
	acyclic := []models.AgentProposal{
		chained("p1", "water-dept", 100, base),
		chained("p2", "roads-dept", 100, base, "p1"),
	}
	assert.False(t, rules.HasDependencyCycle(acyclic))

	cyclic := []models.AgentProposal{
		chained("p1", "water-dept", 100, base, "p2"),
		chained("p2", "roads-dept", 100, base, "p1"),
	}
	assert.True(t, rules.HasDependencyCycle(cyclic))
}
