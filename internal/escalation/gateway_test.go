package escalation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicmesh/coordinator/internal/escalation"
	"github.com/civicmesh/coordinator/internal/models"
)

func thresholds() escalation.Thresholds {
	return escalation.Thresholds{CostCeiling: 5_000_000, ConfidenceFloor: 0.7}
}

func proposal(agentID string, cost float64, priority models.Priority) models.AgentProposal {
	return models.AgentProposal{
		ID:            models.NewUUID(),
		AgentID:       agentID,
		Decision:      "scheduled works",
		Location:      "sector-1",
		EstimatedCost: cost,
		Priority:      priority,
	}
}

func resolution(confidence float64) *models.Resolution {
	return &models.Resolution{
		Outcome:    models.OutcomeModified,
		Confidence: confidence,
		Rationale:  "stagger the works",
	}
}

func TestTriggersCostCeiling(t *testing.T) {
	g := escalation.New(nil, thresholds(), time.Minute)
	triggers := g.Triggers([]models.AgentProposal{
		proposal("water-dept", 3_000_000, models.PriorityRoutine),
		proposal("roads-dept", 2_500_000, models.PriorityRoutine),
	}, resolution(0.9))
	require.Len(t, triggers, 1)
	assert.Contains(t, triggers[0], "exceeds ceiling")
}

func TestTriggersConfidenceFloor(t *testing.T) {
	g := escalation.New(nil, thresholds(), time.Minute)
	triggers := g.Triggers([]models.AgentProposal{
		proposal("water-dept", 1000, models.PriorityRoutine),
	}, resolution(0.5))
	require.Len(t, triggers, 1)
	assert.Contains(t, triggers[0], "below floor")
}

func TestTriggersEmergencyPresence(t *testing.T) {
	g := escalation.New(nil, thresholds(), time.Minute)
	triggers := g.Triggers([]models.AgentProposal{
		proposal("fire-dept", 1000, models.PriorityEmergency),
	}, resolution(0.9))
	require.Len(t, triggers, 1)
	assert.Contains(t, triggers[0], "emergency")
}

func TestTriggersExplicitReviewRequest(t *testing.T) {
	g := escalation.New(nil, thresholds(), time.Minute)
	res := resolution(0.9)
	res.RequestReview = true
	triggers := g.Triggers([]models.AgentProposal{
		proposal("water-dept", 1000, models.PriorityRoutine),
	}, res)
	require.Len(t, triggers, 1)
	assert.Contains(t, triggers[0], "review")
}

func TestTriggersAccumulate(t *testing.T) {
	g := escalation.New(nil, thresholds(), time.Minute)
	triggers := g.Triggers([]models.AgentProposal{
		proposal("fire-dept", 6_000_000, models.PriorityEmergency),
	}, resolution(0.5))
	assert.Len(t, triggers, 3)
}

func TestTriggersNoneBelowThresholds(t *testing.T) {
	g := escalation.New(nil, thresholds(), time.Minute)
	triggers := g.Triggers([]models.AgentProposal{
		proposal("water-dept", 1000, models.PriorityRoutine),
	}, resolution(0.9))
	assert.Empty(t, triggers)
}

func TestAwaitDeliversDecision(t *testing.T) {
	g := escalation.New(nil, thresholds(), time.Minute)
	req := escalation.ApprovalRequest{CaseID: "case-1"}

	type result struct {
		decision models.HumanDecision
		decided  bool
	}
	done := make(chan result, 1)
	go func() {
		d, ok := g.Await(context.Background(), req)
		done <- result{d, ok}
	}()

	require.Eventually(t, func() bool { return g.Awaiting("case-1") }, time.Second, 5*time.Millisecond)

	err := g.Deliver("case-1", models.HumanDecision{
		Kind:     models.DecisionApproveAll,
		Approver: "duty-officer",
	})
	require.NoError(t, err)

	got := <-done
	assert.True(t, got.decided)
	assert.Equal(t, models.DecisionApproveAll, got.decision.Kind)
	assert.Equal(t, "duty-officer", got.decision.Approver)
	assert.False(t, g.Awaiting("case-1"))
}

func TestAwaitTimesOutWithoutDecision(t *testing.T) {
	g := escalation.New(nil, thresholds(), 30*time.Millisecond)
	_, decided := g.Await(context.Background(), escalation.ApprovalRequest{CaseID: "case-1"})
	assert.False(t, decided)
	assert.False(t, g.Awaiting("case-1"))
}

func TestAwaitStopsOnContextCancel(t *testing.T) {
	g := escalation.New(nil, thresholds(), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, decided := g.Await(ctx, escalation.ApprovalRequest{CaseID: "case-1"})
	assert.False(t, decided)
}

func TestDeliverValidation(t *testing.T) {
	g := escalation.New(nil, thresholds(), time.Minute)

	err := g.Deliver("case-1", models.HumanDecision{Kind: models.DecisionApproveAll})
	assert.Error(t, err, "approver is required")

	err = g.Deliver("case-1", models.HumanDecision{Kind: "escalate_harder", Approver: "duty-officer"})
	assert.Error(t, err, "unknown decision kinds are rejected")

	err = g.Deliver("case-1", models.HumanDecision{Kind: models.DecisionModify, Approver: "duty-officer"})
	assert.Error(t, err, "modify requires a replacement resolution")

	err = g.Deliver("case-1", models.HumanDecision{
		Kind:        models.DecisionModify,
		Approver:    "duty-officer",
		Replacement: &models.Resolution{Outcome: "nonsense"},
	})
	assert.Error(t, err, "replacement outcome must be valid")
}

func TestDeliverWithoutAwaitingCase(t *testing.T) {
	g := escalation.New(nil, thresholds(), time.Minute)
	err := g.Deliver("case-1", models.HumanDecision{
		Kind:     models.DecisionApproveAll,
		Approver: "duty-officer",
	})
	assert.ErrorIs(t, err, escalation.ErrNotAwaiting)
}
