// Package models contains the canonical types shared by the coordination service.
package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Priority is the urgency tier a department assigns to a proposal.
type Priority string

const (
	PriorityRoutine        Priority = "routine"
	PriorityPublicHealth   Priority = "public_health"
	PrioritySafetyCritical Priority = "safety_critical"
	PriorityEmergency      Priority = "emergency"
)

// Rank orders priority tiers; higher wins. Unknown tiers rank below routine so a
// malformed proposal never outranks a well-formed one.
func (p Priority) Rank() int {
	switch p {
	case PriorityEmergency:
		return 4
	case PrioritySafetyCritical:
		return 3
	case PriorityPublicHealth:
		return 2
	case PriorityRoutine:
		return 1
	default:
		return 0
	}
}

// AgentProposal is a single department's intended action submitted for
// coordination. Immutable once submitted; the coordinator references it but
// never mutates it.
type AgentProposal struct {
	ID              string          `json:"id,omitempty"`
	AgentID         string          `json:"agentId"`
	AgentType       string          `json:"agentType,omitempty"`
	Decision        string          `json:"decision"`
	Location        string          `json:"location"`
	ResourcesNeeded []string        `json:"resourcesNeeded,omitempty"`
	EstimatedCost   float64         `json:"estimatedCost"`
	Priority        Priority        `json:"priority"`
	PlanDetails     json.RawMessage `json:"planDetails,omitempty"`
	SubmittedAt     time.Time       `json:"submittedAt"`
}

// Validate rejects proposals missing required fields before they enter the
// state machine.
func (p *AgentProposal) Validate() error {
	if p.AgentID == "" {
		return errors.New("agentId required")
	}
	if p.Decision == "" {
		return errors.New("decision required")
	}
	if p.Location == "" {
		return errors.New("location required")
	}
	if p.EstimatedCost < 0 {
		return errors.New("estimatedCost must be non-negative")
	}
	if p.Priority == "" {
		return errors.New("priority required")
	}
	return nil
}

// Plan is the structured portion of PlanDetails the coordinator understands.
// Departments may attach arbitrary extra fields; only these are interpreted.
type Plan struct {
	WindowStart *time.Time `json:"windowStart,omitempty"`
	WindowEnd   *time.Time `json:"windowEnd,omitempty"`
	DependsOn   []string   `json:"dependsOn,omitempty"`
}

// ParsePlan extracts the structured plan from a proposal's opaque payload.
// A missing or unparsable payload yields an open window (treated as always
// overlapping), never an error.
func ParsePlan(raw json.RawMessage) Plan {
	var plan Plan
	if len(raw) == 0 {
		return Plan{}
	}
	if err := json.Unmarshal(raw, &plan); err != nil {
		return Plan{}
	}
	if plan.WindowStart != nil && plan.WindowEnd != nil && plan.WindowEnd.Before(*plan.WindowStart) {
		// Inverted window is malformed: fall back to always-overlapping.
		return Plan{DependsOn: plan.DependsOn}
	}
	return plan
}

// Overlaps reports whether two plan windows intersect. An unbounded side is
// treated as open, so proposals without declared windows always overlap.
func (p Plan) Overlaps(other Plan) bool {
	if p.WindowStart != nil && other.WindowEnd != nil && !other.WindowEnd.After(*p.WindowStart) {
		return false
	}
	if other.WindowStart != nil && p.WindowEnd != nil && !p.WindowEnd.After(*other.WindowStart) {
		return false
	}
	return true
}

// ConflictType classifies what two or more proposals collide over.
type ConflictType string

const (
	ConflictResource ConflictType = "resource"
	ConflictLocation ConflictType = "location"
	ConflictTiming   ConflictType = "timing"
	ConflictPolicy   ConflictType = "policy"
	ConflictBudget   ConflictType = "budget"
)

// Severity is derived from the conflict type, never stored.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Conflict is a detected incompatibility between two or more proposals,
// scoped to a single coordination case.
type Conflict struct {
	ID          string       `json:"id"`
	Type        ConflictType `json:"type"`
	ProposalIDs []string     `json:"proposalIds"`
	Resource    string       `json:"resource,omitempty"`
	Location    string       `json:"location,omitempty"`
	Description string       `json:"description,omitempty"`
}

// Severity derives how disruptive a conflict class is.
func (c Conflict) Severity() Severity {
	switch c.Type {
	case ConflictPolicy, ConflictTiming:
		return SeverityHigh
	case ConflictResource:
		return SeverityMedium
	case ConflictLocation, ConflictBudget:
		return SeverityLow
	default:
		return SeverityLow
	}
}

// ResolutionMethod records how a case's outcome was determined.
type ResolutionMethod string

const (
	MethodRule        ResolutionMethod = "rule"
	MethodNegotiation ResolutionMethod = "negotiation"
	MethodHuman       ResolutionMethod = "human"
)

// Outcome is the terminal disposition of a coordination case.
type Outcome string

const (
	OutcomeApprovedAll    Outcome = "approved_all"
	OutcomeRejectedAll    Outcome = "rejected_all"
	OutcomeDeferred       Outcome = "deferred"
	OutcomeModified       Outcome = "modified"
	OutcomeSequentialPlan Outcome = "sequential_plan"
)

// ValidOutcome reports whether o is one of the recognized outcome values.
// Used to validate generative negotiator responses.
func ValidOutcome(o Outcome) bool {
	switch o {
	case OutcomeApprovedAll, OutcomeRejectedAll, OutcomeDeferred, OutcomeModified, OutcomeSequentialPlan:
		return true
	}
	return false
}

// CaseState is a coordination case's position in the orchestrator state machine.
type CaseState string

const (
	StateSubmitted           CaseState = "submitted"
	StateConflictChecked     CaseState = "conflict_checked"
	StateScored              CaseState = "scored"
	StateRuleResolved        CaseState = "rule_resolved"
	StateNegotiationResolved CaseState = "negotiation_resolved"
	StateThresholdChecked    CaseState = "threshold_checked"
	StateAwaitingHuman       CaseState = "awaiting_human"
	StateFinalized           CaseState = "finalized"
)

// DispositionStatus is the per-proposal result inside a resolution.
type DispositionStatus string

const (
	DispositionApproved DispositionStatus = "approved"
	DispositionDeferred DispositionStatus = "deferred"
	DispositionRejected DispositionStatus = "rejected"
)

// Disposition is one proposal's fate under a resolution, with an optional
// reschedule suggestion for deferred work.
type Disposition struct {
	ProposalID     string            `json:"proposalId"`
	Status         DispositionStatus `json:"status"`
	SuggestedStart *time.Time        `json:"suggestedStart,omitempty"`
	Note           string            `json:"note,omitempty"`
}

// Resolution is the outcome a resolver (rule engine, negotiator, or human)
// proposes for a case.
type Resolution struct {
	Outcome       Outcome       `json:"outcome"`
	Confidence    float64       `json:"confidence"`
	Rationale     string        `json:"rationale"`
	Dispositions  []Disposition `json:"dispositions,omitempty"`
	ExecutionPlan []string      `json:"executionPlan,omitempty"`
	RequestReview bool          `json:"requestReview,omitempty"`
}

// CoordinationCase aggregates one submission batch and tracks it to a
// terminal outcome. Only the orchestrator transitions it; it is immutable
// once ResolvedAt is set.
type CoordinationCase struct {
	ID              string           `json:"id"`
	State           CaseState        `json:"state"`
	Proposals       []AgentProposal  `json:"proposals"`
	Conflicts       []Conflict       `json:"conflicts,omitempty"`
	ComplexityScore float64          `json:"complexityScore"`
	Method          ResolutionMethod `json:"resolutionMethod,omitempty"`
	Outcome         Outcome          `json:"outcome,omitempty"`
	Rationale       string           `json:"rationale,omitempty"`
	Confidence      float64          `json:"confidence"`
	Dispositions    []Disposition    `json:"dispositions,omitempty"`
	ExecutionPlan   []string         `json:"executionPlan,omitempty"`
	HumanApprover   *string          `json:"humanApprover,omitempty"`
	FallbackUsed    bool             `json:"fallbackUsed,omitempty"`
	AuditPending    bool             `json:"auditPending,omitempty"`
	PartialContext  bool             `json:"partialContext,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	ResolvedAt      *time.Time       `json:"resolvedAt,omitempty"`
}

// Finalized reports whether the case has reached its terminal state.
func (c *CoordinationCase) Finalized() bool {
	return c.ResolvedAt != nil
}

// CoordinationResult is the synchronous reply to a submission.
type CoordinationResult struct {
	CaseID         string           `json:"caseId"`
	Outcome        Outcome          `json:"outcome"`
	Method         ResolutionMethod `json:"resolutionMethod"`
	Confidence     float64          `json:"confidence"`
	Rationale      string           `json:"rationale"`
	Dispositions   []Disposition    `json:"dispositions,omitempty"`
	ExecutionPlan  []string         `json:"executionPlan,omitempty"`
	HumanApprover  *string          `json:"humanApprover,omitempty"`
	FallbackUsed   bool             `json:"fallbackUsed,omitempty"`
	AuditPending   bool             `json:"auditPending,omitempty"`
	PartialContext bool             `json:"partialContext,omitempty"`
}

// HumanDecisionKind is the set of decisions an approver may return.
type HumanDecisionKind string

const (
	DecisionApproveAll HumanDecisionKind = "approve_all"
	DecisionDeferAll   HumanDecisionKind = "defer_all"
	DecisionRejectAll  HumanDecisionKind = "reject_all"
	DecisionModify     HumanDecisionKind = "modify"
)

// HumanDecision is an approver's verdict on an escalated case. Modify carries
// a full replacement resolution.
type HumanDecision struct {
	Kind        HumanDecisionKind `json:"decision"`
	Approver    string            `json:"approver"`
	Notes       string            `json:"notes,omitempty"`
	Replacement *Resolution       `json:"replacement,omitempty"`
}

// ErrNotFound is returned when a requested case or ledger entry does not exist.
var ErrNotFound = errors.New("not found")

// NewUUID returns a freshly-generated UUID string.
func NewUUID() string {
	return uuid.New().String()
}
