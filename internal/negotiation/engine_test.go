package negotiation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicmesh/coordinator/internal/models"
	"github.com/civicmesh/coordinator/internal/negotiation"
	"github.com/civicmesh/coordinator/internal/rules"
)

var base = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func caseContext() negotiation.CaseContext {
	return negotiation.CaseContext{
		CaseID: "case-1",
		Proposals: []models.AgentProposal{
			{ID: "p1", AgentID: "water-dept", Decision: "main repair", Location: "sector-1", Priority: models.PriorityRoutine, SubmittedAt: base},
			{ID: "p2", AgentID: "roads-dept", Decision: "resurfacing", Location: "sector-1", Priority: models.PriorityRoutine, SubmittedAt: base.Add(time.Minute)},
		},
		Conflicts: []models.Conflict{
			{ID: "c1", Type: models.ConflictLocation, ProposalIDs: []string{"p1", "p2"}},
		},
	}
}

func validResolution() models.Resolution {
	return models.Resolution{
		Outcome:    models.OutcomeModified,
		Confidence: 0.9,
		Rationale:  "stagger the works",
		Dispositions: []models.Disposition{
			{ProposalID: "p1", Status: models.DispositionApproved},
			{ProposalID: "p2", Status: models.DispositionDeferred},
		},
	}
}

type slowNegotiator struct{}

func (slowNegotiator) Negotiate(ctx context.Context, caseCtx negotiation.CaseContext) (models.Resolution, error) {
	<-ctx.Done()
	return models.Resolution{}, ctx.Err()
}

func TestResolveUsesNegotiatorResponse(t *testing.T) {
	stub := &negotiation.StubNegotiator{Resolution: validResolution()}
	e := negotiation.New(stub, rules.New(), time.Second, 0.3)

	res, fallbackUsed, err := e.Resolve(context.Background(), caseContext())
	require.NoError(t, err)
	assert.False(t, fallbackUsed)
	assert.Equal(t, models.OutcomeModified, res.Outcome)
	assert.Equal(t, 0.9, res.Confidence)
}

func TestResolveFallsBackOnNegotiatorError(t *testing.T) {
	stub := &negotiation.StubNegotiator{Err: errors.New("backend unavailable")}
	e := negotiation.New(stub, rules.New(), time.Second, 0.3)

	res, fallbackUsed, err := e.Resolve(context.Background(), caseContext())
	require.NoError(t, err)
	assert.True(t, fallbackUsed)
	// The location contention falls through to the deterministic FIFO rule.
	assert.Equal(t, models.OutcomeModified, res.Outcome)
	assert.Equal(t, 0.80, res.Confidence)
}

func TestResolveFallsBackOnTimeout(t *testing.T) {
	e := negotiation.New(slowNegotiator{}, rules.New(), 20*time.Millisecond, 0.3)

	start := time.Now()
	res, fallbackUsed, err := e.Resolve(context.Background(), caseContext())
	require.NoError(t, err)
	assert.True(t, fallbackUsed)
	assert.NotEmpty(t, res.Dispositions)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResolveFallsBackOnLowConfidence(t *testing.T) {
	low := validResolution()
	low.Confidence = 0.1
	stub := &negotiation.StubNegotiator{Resolution: low}
	e := negotiation.New(stub, rules.New(), time.Second, 0.3)

	_, fallbackUsed, err := e.Resolve(context.Background(), caseContext())
	require.NoError(t, err)
	assert.True(t, fallbackUsed)
}

func TestResolveFallsBackOnMalformedOutcome(t *testing.T) {
	bad := validResolution()
	bad.Outcome = "split_the_difference"
	stub := &negotiation.StubNegotiator{Resolution: bad}
	e := negotiation.New(stub, rules.New(), time.Second, 0.3)

	_, fallbackUsed, err := e.Resolve(context.Background(), caseContext())
	require.NoError(t, err)
	assert.True(t, fallbackUsed)
}

func TestResolveFallsBackOnEmptyRationale(t *testing.T) {
	bad := validResolution()
	bad.Rationale = ""
	stub := &negotiation.StubNegotiator{Resolution: bad}
	e := negotiation.New(stub, rules.New(), time.Second, 0.3)

	_, fallbackUsed, err := e.Resolve(context.Background(), caseContext())
	require.NoError(t, err)
	assert.True(t, fallbackUsed)
}

func TestResolveNilNegotiatorGoesStraightToFallback(t *testing.T) {
	e := negotiation.New(nil, rules.New(), time.Second, 0.3)

	res, fallbackUsed, err := e.Resolve(context.Background(), caseContext())
	require.NoError(t, err)
	assert.True(t, fallbackUsed)
	assert.NotEmpty(t, res.Dispositions)
}

func TestResolvePropagatesNoApplicableRule(t *testing.T) {
	stub := &negotiation.StubNegotiator{Err: errors.New("backend unavailable")}
	e := negotiation.New(stub, rules.New(), time.Second, 0.3)

	caseCtx := caseContext()
	caseCtx.Conflicts = append(caseCtx.Conflicts, models.Conflict{
		ID: "c2", Type: models.ConflictPolicy, ProposalIDs: []string{"p1"},
	})
	_, fallbackUsed, err := e.Resolve(context.Background(), caseCtx)
	assert.True(t, fallbackUsed)
	assert.ErrorIs(t, err, rules.ErrNoApplicableRule)
}
