// Package escalation hands cases to a human approver when cost, confidence,
// urgency, or an explicit review request demands it. Blocking is scoped to
// the single case awaiting approval; the rest of the orchestrator keeps
// moving.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/civicmesh/coordinator/internal/models"
)

// ErrNotAwaiting is returned when a decision arrives for a case that is not
// waiting on human approval.
var ErrNotAwaiting = errors.New("case not awaiting human approval")

// ApprovalRequest carries everything an approver needs: the conflicts, all
// proposals, the proposed resolution and the trigger reasons.
type ApprovalRequest struct {
	CaseID    string                 `json:"caseId"`
	Proposals []models.AgentProposal `json:"proposals"`
	Conflicts []models.Conflict      `json:"conflicts"`
	Proposed  *models.Resolution     `json:"proposed,omitempty"`
	Triggers  []string               `json:"triggers"`
	CreatedAt time.Time              `json:"createdAt"`
	ExpiresAt time.Time              `json:"expiresAt"`
}

// Notifier pushes an approval request toward approvers over some transport
// (terminal, HTTP callback, message queue). The gateway never assumes which.
type Notifier interface {
	Notify(ctx context.Context, req ApprovalRequest) error
}

// LogNotifier writes approval requests to the process log; the default
// adapter for development deployments where an operator watches the console.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, req ApprovalRequest) error {
	log.Printf("[escalation] case %s awaiting approval (triggers: %v, %d proposals, %d conflicts)",
		req.CaseID, req.Triggers, len(req.Proposals), len(req.Conflicts))
	return nil
}

// Thresholds are the configured escalation triggers.
type Thresholds struct {
	CostCeiling     float64
	ConfidenceFloor float64
}

type Gateway struct {
	notifier   Notifier
	thresholds Thresholds
	timeout    time.Duration

	mu      sync.Mutex
	pending map[string]chan models.HumanDecision
}

func New(notifier Notifier, thresholds Thresholds, timeout time.Duration) *Gateway {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Gateway{
		notifier:   notifier,
		thresholds: thresholds,
		timeout:    timeout,
		pending:    make(map[string]chan models.HumanDecision),
	}
}

// Triggers returns the reasons the case must be escalated; empty means no
// escalation. Any single trigger suffices.
func (g *Gateway) Triggers(proposals []models.AgentProposal, res *models.Resolution) []string {
	var triggers []string
	var totalCost float64
	topUrgency := false
	for _, p := range proposals {
		totalCost += p.EstimatedCost
		if p.Priority == models.PriorityEmergency {
			topUrgency = true
		}
	}
	if g.thresholds.CostCeiling > 0 && totalCost > g.thresholds.CostCeiling {
		triggers = append(triggers, fmt.Sprintf("total cost %.0f exceeds ceiling %.0f", totalCost, g.thresholds.CostCeiling))
	}
	if res != nil && res.Confidence < g.thresholds.ConfidenceFloor {
		triggers = append(triggers, fmt.Sprintf("confidence %.2f below floor %.2f", res.Confidence, g.thresholds.ConfidenceFloor))
	}
	if topUrgency {
		triggers = append(triggers, "emergency-priority proposal present")
	}
	if res != nil && res.RequestReview {
		triggers = append(triggers, "resolver requested human review")
	}
	return triggers
}

// Await blocks the calling case until an approver decides or the timeout
// elapses. The fail-safe on timeout or cancellation is always a deferral,
// never a silent auto-approval.
func (g *Gateway) Await(ctx context.Context, req ApprovalRequest) (models.HumanDecision, bool) {
	ch := make(chan models.HumanDecision, 1)
	g.mu.Lock()
	g.pending[req.CaseID] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, req.CaseID)
		g.mu.Unlock()
	}()

	req.CreatedAt = time.Now().UTC()
	req.ExpiresAt = req.CreatedAt.Add(g.timeout)
	if err := g.notifier.Notify(ctx, req); err != nil {
		// The case still waits; an operator can deliver a decision through
		// the API even if the push notification failed.
		log.Printf("[escalation] notify for case %s failed: %v", req.CaseID, err)
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()
	select {
	case decision := <-ch:
		return decision, true
	case <-timer.C:
		return models.HumanDecision{}, false
	case <-ctx.Done():
		return models.HumanDecision{}, false
	}
}

// Deliver routes an approver's decision to the case blocked in Await.
func (g *Gateway) Deliver(caseID string, decision models.HumanDecision) error {
	if decision.Approver == "" {
		return errors.New("approver required")
	}
	switch decision.Kind {
	case models.DecisionApproveAll, models.DecisionDeferAll, models.DecisionRejectAll:
	case models.DecisionModify:
		if decision.Replacement == nil {
			return errors.New("modify decision requires a replacement resolution")
		}
		if !models.ValidOutcome(decision.Replacement.Outcome) {
			return fmt.Errorf("invalid replacement outcome %q", decision.Replacement.Outcome)
		}
	default:
		return fmt.Errorf("unknown decision %q", decision.Kind)
	}

	g.mu.Lock()
	ch, ok := g.pending[caseID]
	if ok {
		delete(g.pending, caseID)
	}
	g.mu.Unlock()
	if !ok {
		return ErrNotAwaiting
	}
	ch <- decision
	return nil
}

// Awaiting reports whether the case is currently blocked on approval.
func (g *Gateway) Awaiting(caseID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[caseID]
	return ok
}
