// Package agents is the coordinator's view of department agents. Departments
// stay behind the Port interface: no dynamic lookup, no global registry, and
// no department-specific behavior inside the coordinator.
package agents

import (
	"context"
	"encoding/json"

	"github.com/civicmesh/coordinator/internal/models"
)

// Data is a department's answer to a context query. Stale marks last-known
// data served because the department was unreachable.
type Data struct {
	Payload json.RawMessage `json:"payload"`
	Stale   bool            `json:"stale,omitempty"`
}

// Notice tells a department how coordination resolved its proposal. Handling
// is a light acknowledgment, not a replanning pass.
type Notice struct {
	CaseID      string             `json:"caseId"`
	ProposalID  string             `json:"proposalId"`
	Outcome     models.Outcome     `json:"outcome"`
	Disposition models.Disposition `json:"disposition"`
	Rationale   string             `json:"rationale,omitempty"`
}

// Port is the capability interface injected into the orchestrator at
// construction.
type Port interface {
	// ProvideData asks a department for read-only context data.
	ProvideData(ctx context.Context, agentID, queryType string, params map[string]interface{}) (Data, error)

	// NotifyOutcome delivers a coordination outcome to the owning department.
	NotifyOutcome(ctx context.Context, agentID string, notice Notice) error
}

// NoopPort is used when no department endpoints are configured; queries
// report unavailable and notifications succeed silently.
type NoopPort struct{}

func (NoopPort) ProvideData(ctx context.Context, agentID, queryType string, params map[string]interface{}) (Data, error) {
	return Data{}, ErrUnavailable
}

func (NoopPort) NotifyOutcome(ctx context.Context, agentID string, notice Notice) error {
	return nil
}
