// Package negotiation routes high-complexity cases through a generative
// reasoning backend. The engine owns serialization, response validation, the
// hard timeout and the deterministic fallback; the backend lives behind the
// GenerativeNegotiator interface so a real service, a stub, or a test double
// can be swapped without touching the orchestrator.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/civicmesh/coordinator/internal/models"
	"github.com/civicmesh/coordinator/internal/rules"
)

// CaseContext is the structured request serialized for the negotiator:
// the proposals, their conflicts, the policy text in force, and relevant
// historical precedent when available.
type CaseContext struct {
	CaseID       string                     `json:"caseId"`
	Proposals    []models.AgentProposal     `json:"proposals"`
	Conflicts    []models.Conflict          `json:"conflicts"`
	PolicyNotes  []string                   `json:"policyNotes,omitempty"`
	Precedents   []Precedent                `json:"precedents,omitempty"`
	AgentContext map[string]json.RawMessage `json:"agentContext,omitempty"`
}

// Precedent is a compact summary of a previously finalized case with a
// similar footprint.
type Precedent struct {
	CaseID    string                  `json:"caseId"`
	Outcome   models.Outcome          `json:"outcome"`
	Method    models.ResolutionMethod `json:"resolutionMethod"`
	Rationale string                  `json:"rationale,omitempty"`
}

// GenerativeNegotiator produces a proposed resolution for a case context.
type GenerativeNegotiator interface {
	Negotiate(ctx context.Context, caseCtx CaseContext) (models.Resolution, error)
}

type Engine struct {
	negotiator      GenerativeNegotiator
	fallback        *rules.Engine
	timeout         time.Duration
	confidenceFloor float64
}

func New(negotiator GenerativeNegotiator, fallback *rules.Engine, timeout time.Duration, confidenceFloor float64) *Engine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{
		negotiator:      negotiator,
		fallback:        fallback,
		timeout:         timeout,
		confidenceFloor: confidenceFloor,
	}
}

// Resolve asks the negotiator for a resolution and validates it against the
// outcome schema. On timeout, malformed output, or sub-floor confidence it
// falls back to the rule engine and reports fallbackUsed=true; the condition
// is recovered locally and never surfaced as an error to the caller. The only
// error returned is rules.ErrNoApplicableRule from the fallback path.
func (e *Engine) Resolve(ctx context.Context, caseCtx CaseContext) (res models.Resolution, fallbackUsed bool, err error) {
	if e.negotiator != nil {
		negCtx, cancel := context.WithTimeout(ctx, e.timeout)
		proposed, negErr := e.negotiator.Negotiate(negCtx, caseCtx)
		cancel()
		if negErr == nil {
			if vErr := validate(proposed, e.confidenceFloor); vErr == nil {
				return proposed, false, nil
			} else {
				log.Printf("[negotiation] case %s: discarding response: %v", caseCtx.CaseID, vErr)
			}
		} else {
			log.Printf("[negotiation] case %s: negotiator failed: %v", caseCtx.CaseID, negErr)
		}
	}

	fallbackRes, fbErr := e.fallback.Resolve(caseCtx.Proposals, caseCtx.Conflicts)
	if fbErr != nil {
		return models.Resolution{}, true, fbErr
	}
	return fallbackRes, true, nil
}

func validate(res models.Resolution, floor float64) error {
	if !models.ValidOutcome(res.Outcome) {
		return fmt.Errorf("invalid outcome %q", res.Outcome)
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", res.Confidence)
	}
	if res.Rationale == "" {
		return errors.New("empty rationale")
	}
	if res.Confidence < floor {
		return fmt.Errorf("confidence %v below sanity floor %v", res.Confidence, floor)
	}
	return nil
}

// StubNegotiator returns a fixed resolution; useful for development and tests.
type StubNegotiator struct {
	Resolution models.Resolution
	Err        error
}

func (s *StubNegotiator) Negotiate(ctx context.Context, caseCtx CaseContext) (models.Resolution, error) {
	if s.Err != nil {
		return models.Resolution{}, s.Err
	}
	return s.Resolution, nil
}
