// Package policy holds the externally-supplied restriction set and budget
// ceilings the detector enforces. Nothing here is hard-coded: deployments
// inject their own set through configuration.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/civicmesh/coordinator/internal/models"
)

// Restriction blocks matching proposals during its validity window, e.g. a
// seasonal works blackout on a corridor. An empty Location or AgentType
// matches any value. Proposals at or above ExemptAtOrAbove pass through;
// leave it empty to exempt nothing.
type Restriction struct {
	ID              string          `json:"id"`
	Location        string          `json:"location,omitempty"`
	AgentType       string          `json:"agentType,omitempty"`
	ExemptAtOrAbove models.Priority `json:"exemptAtOrAbove,omitempty"`
	From            *time.Time      `json:"from,omitempty"`
	Until           *time.Time      `json:"until,omitempty"`
	Reason          string          `json:"reason"`
}

// Blocks reports whether the restriction applies to the proposal for the
// plan window derived from its details.
func (r Restriction) Blocks(p models.AgentProposal, plan models.Plan) bool {
	if r.Location != "" && r.Location != p.Location {
		return false
	}
	if r.AgentType != "" && r.AgentType != p.AgentType {
		return false
	}
	if r.ExemptAtOrAbove != "" && p.Priority.Rank() >= r.ExemptAtOrAbove.Rank() {
		return false
	}
	window := models.Plan{WindowStart: r.From, WindowEnd: r.Until}
	return window.Overlaps(plan)
}

// Budgets maps locations to spending ceilings for an active window. A zero
// DefaultCeiling disables budget checks for locations without an explicit
// entry.
type Budgets struct {
	Ceilings       map[string]float64 `json:"ceilings,omitempty"`
	DefaultCeiling float64            `json:"defaultCeiling,omitempty"`
}

// CeilingFor returns the ceiling for a location and whether one applies.
func (b Budgets) CeilingFor(location string) (float64, bool) {
	if c, ok := b.Ceilings[location]; ok {
		return c, c > 0
	}
	return b.DefaultCeiling, b.DefaultCeiling > 0
}

// Set is the full injected policy surface.
type Set struct {
	Restrictions []Restriction `json:"restrictions,omitempty"`
	Budgets      Budgets       `json:"budgets,omitempty"`
}

// Violations returns every restriction that blocks the proposal.
func (s Set) Violations(p models.AgentProposal) []Restriction {
	plan := models.ParsePlan(p.PlanDetails)
	var out []Restriction
	for _, r := range s.Restrictions {
		if r.Blocks(p, plan) {
			out = append(out, r)
		}
	}
	return out
}

// LoadFile parses a policy set from a JSON file.
func LoadFile(path string) (Set, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Set{}, fmt.Errorf("read policy file: %w", err)
	}
	var s Set
	if err := json.Unmarshal(raw, &s); err != nil {
		return Set{}, fmt.Errorf("parse policy file: %w", err)
	}
	return s, nil
}
