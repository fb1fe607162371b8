// Package orchestrator wires the coordination pipeline together: conflict
// detection, complexity scoring, rule or negotiation resolution, threshold
// checks, human escalation and ledger recording. It owns the case state
// machine; nothing else transitions a case.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/civicmesh/coordinator/internal/agents"
	"github.com/civicmesh/coordinator/internal/detector"
	"github.com/civicmesh/coordinator/internal/escalation"
	"github.com/civicmesh/coordinator/internal/ledger"
	"github.com/civicmesh/coordinator/internal/models"
	"github.com/civicmesh/coordinator/internal/negotiation"
	"github.com/civicmesh/coordinator/internal/policy"
	"github.com/civicmesh/coordinator/internal/rules"
	"github.com/civicmesh/coordinator/internal/scoring"
)

// ErrAlreadyResolved is returned for cancellations and decisions that arrive
// after a case reached a terminal outcome.
var ErrAlreadyResolved = errors.New("case already resolved")

// Publisher streams finalized ledger entries to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, e *ledger.Entry) error
}

type Options struct {
	Detector   *detector.Detector
	Scorer     *scoring.Scorer
	RuleEngine *rules.Engine
	Negotiator *negotiation.Engine
	Gateway    *escalation.Gateway
	Ledger     ledger.Store
	Publisher  Publisher       // optional
	Archiver   ledger.Archiver // optional
	AgentPort  agents.Port
	Policies   policy.Set

	RoutingThreshold float64
	AgentTimeout     time.Duration
	ActiveRetention  time.Duration
}

type Orchestrator struct {
	detector   *detector.Detector
	scorer     *scoring.Scorer
	ruleEngine *rules.Engine
	negotiator *negotiation.Engine
	gateway    *escalation.Gateway
	store      ledger.Store
	publisher  Publisher
	archiver   ledger.Archiver
	agentPort  agents.Port
	policies   policy.Set

	routingThreshold float64
	agentTimeout     time.Duration

	locks *scopeLocks
	index *activeIndex

	mu              sync.RWMutex
	cases           map[string]*models.CoordinationCase
	awaitCancels    map[string]context.CancelFunc
	cancelRequested map[string]string
}

func New(opts Options) *Orchestrator {
	if opts.AgentPort == nil {
		opts.AgentPort = agents.NoopPort{}
	}
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = 30 * time.Second
	}
	return &Orchestrator{
		detector:         opts.Detector,
		scorer:           opts.Scorer,
		ruleEngine:       opts.RuleEngine,
		negotiator:       opts.Negotiator,
		gateway:          opts.Gateway,
		store:            opts.Ledger,
		publisher:        opts.Publisher,
		archiver:         opts.Archiver,
		agentPort:        opts.AgentPort,
		policies:         opts.Policies,
		routingThreshold: opts.RoutingThreshold,
		agentTimeout:     opts.AgentTimeout,
		locks:            newScopeLocks(),
		index:            newActiveIndex(opts.ActiveRetention),
		cases:            make(map[string]*models.CoordinationCase),
		awaitCancels:     make(map[string]context.CancelFunc),
		cancelRequested:  make(map[string]string),
	}
}

// Submit runs a batch of proposals through the full coordination pipeline and
// blocks until the case is finalized. Rule and negotiation paths return
// quickly; human-escalated cases block up to the approval timeout, with a
// fail-safe deferral if no decision arrives.
func (o *Orchestrator) Submit(ctx context.Context, proposals []models.AgentProposal) (models.CoordinationResult, error) {
	if len(proposals) == 0 {
		return models.CoordinationResult{}, errors.New("at least one proposal required")
	}
	now := time.Now().UTC()
	for i := range proposals {
		if proposals[i].ID == "" {
			proposals[i].ID = models.NewUUID()
		}
		if proposals[i].SubmittedAt.IsZero() {
			proposals[i].SubmittedAt = now
		}
		if err := proposals[i].Validate(); err != nil {
			return models.CoordinationResult{}, fmt.Errorf("invalid proposal from %q: %w", proposals[i].AgentID, err)
		}
	}

	c := &models.CoordinationCase{
		ID:        models.NewUUID(),
		State:     models.StateSubmitted,
		Proposals: proposals,
		CreatedAt: now,
	}
	o.mu.Lock()
	o.cases[c.ID] = c
	o.mu.Unlock()

	// Detection and index mutation for a scope are serialized; cases over
	// disjoint scopes run fully in parallel.
	release := o.locks.acquire(scopeKeys(proposals))
	active := o.index.snapshot(c.ID)
	conflicts := o.detector.DetectIncoming(active, proposals)
	o.index.add(c.ID, proposals)
	release()

	// Conflicts can name proposals from earlier, still-active cases. Those
	// claims must be ranked with their real priority and submission time,
	// so the resolver sees the union, not just the incoming batch.
	resolveSet := mergeActive(proposals, active, conflicts)

	o.transition(c, models.StateConflictChecked, func() {
		c.Conflicts = conflicts
	})

	if len(conflicts) == 0 {
		res, _ := o.ruleEngine.Resolve(proposals, nil)
		return o.finalize(ctx, c, models.MethodRule, res), nil
	}

	score := o.scorer.Score(conflicts, proposals)
	o.transition(c, models.StateScored, func() {
		c.ComplexityScore = score
	})

	var (
		res            models.Resolution
		method         models.ResolutionMethod
		needEscalation bool
	)
	if score < o.routingThreshold {
		method = models.MethodRule
		ruleRes, err := o.ruleEngine.Resolve(resolveSet, conflicts)
		if errors.Is(err, rules.ErrNoApplicableRule) {
			needEscalation = true
		} else {
			res = ruleRes
		}
		o.transition(c, models.StateRuleResolved, nil)
	} else {
		method = models.MethodNegotiation
		caseCtx, partial := o.buildCaseContext(ctx, c, resolveSet)
		negRes, fallbackUsed, err := o.negotiator.Resolve(ctx, caseCtx)
		o.transition(c, models.StateNegotiationResolved, func() {
			c.FallbackUsed = fallbackUsed
			c.PartialContext = c.PartialContext || partial
		})
		if errors.Is(err, rules.ErrNoApplicableRule) {
			needEscalation = true
		} else {
			res = negRes
		}
	}

	o.transition(c, models.StateThresholdChecked, nil)

	var triggers []string
	if needEscalation {
		triggers = []string{"no applicable deterministic rule"}
	} else {
		triggers = o.gateway.Triggers(proposals, &res)
	}
	if len(triggers) > 0 {
		res, method = o.escalate(ctx, c, res, needEscalation, triggers)
	}

	return o.finalize(ctx, c, method, res), nil
}

// escalate blocks the case on the human approval gateway and maps the
// decision (or its absence) to a resolution.
func (o *Orchestrator) escalate(ctx context.Context, c *models.CoordinationCase, proposed models.Resolution, proposedMissing bool, triggers []string) (models.Resolution, models.ResolutionMethod) {
	awaitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	c.State = models.StateAwaitingHuman
	o.awaitCancels[c.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.awaitCancels, c.ID)
		o.mu.Unlock()
	}()

	req := escalation.ApprovalRequest{
		CaseID:    c.ID,
		Proposals: c.Proposals,
		Conflicts: c.Conflicts,
		Triggers:  triggers,
	}
	if !proposedMissing {
		req.Proposed = &proposed
	}

	decision, decided := o.gateway.Await(awaitCtx, req)
	if !decided {
		if o.cancelPending(c.ID) {
			// Finalize handles the cancellation override.
			return proposed, models.MethodHuman
		}
		return deferAll(c.Proposals, 0, "human approval timed out; fail-safe deferral"), models.MethodHuman
	}

	o.mu.Lock()
	approver := decision.Approver
	c.HumanApprover = &approver
	o.mu.Unlock()

	switch decision.Kind {
	case models.DecisionApproveAll:
		if proposedMissing {
			return approveAll(c.Proposals, 1.0, approvedRationale(decision)), models.MethodHuman
		}
		proposed.Rationale = proposed.Rationale + "; " + approvedRationale(decision)
		proposed.Confidence = 1.0
		return proposed, models.MethodHuman
	case models.DecisionDeferAll:
		return deferAll(c.Proposals, 1.0, decisionRationale("deferred", decision)), models.MethodHuman
	case models.DecisionRejectAll:
		return rejectAll(c.Proposals, 1.0, decisionRationale("rejected", decision)), models.MethodHuman
	case models.DecisionModify:
		replacement := *decision.Replacement
		if replacement.Rationale == "" {
			replacement.Rationale = decisionRationale("modified", decision)
		}
		return replacement, models.MethodHuman
	default:
		return deferAll(c.Proposals, 0, "unrecognized human decision; fail-safe deferral"), models.MethodHuman
	}
}

// finalize records the terminal outcome, appends the ledger entry with
// bounded retries, streams/archives it best-effort, and notifies the owning
// departments.
func (o *Orchestrator) finalize(ctx context.Context, c *models.CoordinationCase, method models.ResolutionMethod, res models.Resolution) models.CoordinationResult {
	res = narrowToCase(res, c.Proposals)
	if agentID, cancelled := o.takeCancellation(c.ID); cancelled {
		res = deferAll(c.Proposals, 1.0, fmt.Sprintf("cancelled by submitting agent %s", agentID))
	}

	now := time.Now().UTC()
	o.mu.Lock()
	c.Method = method
	c.Outcome = res.Outcome
	c.Rationale = res.Rationale
	c.Confidence = res.Confidence
	c.Dispositions = res.Dispositions
	c.ExecutionPlan = res.ExecutionPlan
	c.State = models.StateFinalized
	c.ResolvedAt = &now
	snapshot := *c
	o.mu.Unlock()

	// Proposals that lost their claim stop occupying the active window.
	var inactive []string
	for _, d := range res.Dispositions {
		if d.Status != models.DispositionApproved {
			inactive = append(inactive, d.ProposalID)
		}
	}
	o.index.remove(inactive)

	auditPending := true
	entry, err := ledger.EntryFromCase(&snapshot)
	if err != nil {
		log.Printf("[orchestrator] case %s: build ledger entry: %v", c.ID, err)
	} else {
		auditPending = ledger.Record(ctx, o.store, entry)
	}
	o.mu.Lock()
	c.AuditPending = auditPending
	o.mu.Unlock()

	if !auditPending && entry != nil {
		if o.publisher != nil {
			if err := o.publisher.Publish(ctx, entry); err != nil {
				log.Printf("[orchestrator] case %s: publish ledger entry: %v", c.ID, err)
			}
		}
		if o.archiver != nil {
			if err := o.archiver.ArchiveEntry(ctx, entry); err != nil {
				log.Printf("[orchestrator] case %s: archive ledger entry: %v", c.ID, err)
			}
		}
	}

	o.notifyDepartments(ctx, &snapshot, res)

	return models.CoordinationResult{
		CaseID:         c.ID,
		Outcome:        res.Outcome,
		Method:         method,
		Confidence:     res.Confidence,
		Rationale:      res.Rationale,
		Dispositions:   res.Dispositions,
		ExecutionPlan:  res.ExecutionPlan,
		HumanApprover:  snapshot.HumanApprover,
		FallbackUsed:   snapshot.FallbackUsed,
		AuditPending:   auditPending,
		PartialContext: snapshot.PartialContext,
	}
}

// CheckConflicts is a read-only preview against the active window; no case is
// created and the index is not touched.
func (o *Orchestrator) CheckConflicts(proposals []models.AgentProposal) ([]models.Conflict, error) {
	if len(proposals) == 0 {
		return nil, errors.New("at least one proposal required")
	}
	now := time.Now().UTC()
	for i := range proposals {
		if proposals[i].ID == "" {
			proposals[i].ID = models.NewUUID()
		}
		if proposals[i].SubmittedAt.IsZero() {
			proposals[i].SubmittedAt = now
		}
		if err := proposals[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid proposal from %q: %w", proposals[i].AgentID, err)
		}
	}
	return o.detector.DetectIncoming(o.index.snapshot(""), proposals), nil
}

// GetCase returns a snapshot of a case for status polling.
func (o *Orchestrator) GetCase(caseID string) (models.CoordinationCase, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.cases[caseID]
	if !ok {
		return models.CoordinationCase{}, models.ErrNotFound
	}
	return *c, nil
}

// Cancel withdraws a case on behalf of the submitting agent. Accepted only
// while the case is not finalized; once a human decision has been recorded
// the cancellation is rejected as already resolved.
func (o *Orchestrator) Cancel(caseID, agentID string) error {
	o.mu.Lock()
	c, ok := o.cases[caseID]
	if !ok {
		o.mu.Unlock()
		return models.ErrNotFound
	}
	if c.Finalized() {
		o.mu.Unlock()
		return ErrAlreadyResolved
	}
	if c.State == models.StateAwaitingHuman && !o.gateway.Awaiting(caseID) {
		// A decision is already in flight.
		o.mu.Unlock()
		return ErrAlreadyResolved
	}
	o.cancelRequested[caseID] = agentID
	cancel := o.awaitCancels[caseID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// SubmitHumanDecision feeds the approval port for a case blocked on
// escalation.
func (o *Orchestrator) SubmitHumanDecision(caseID string, decision models.HumanDecision) error {
	err := o.gateway.Deliver(caseID, decision)
	if errors.Is(err, escalation.ErrNotAwaiting) {
		o.mu.RLock()
		c, ok := o.cases[caseID]
		o.mu.RUnlock()
		if !ok {
			return models.ErrNotFound
		}
		if c.Finalized() {
			return ErrAlreadyResolved
		}
	}
	return err
}

// QueryLedger exposes audit lookups over finalized cases.
func (o *Orchestrator) QueryLedger(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error) {
	return o.store.Query(ctx, f)
}

// PingLedger reports ledger store health for readiness checks.
func (o *Orchestrator) PingLedger(ctx context.Context) error {
	return o.store.Ping(ctx)
}

// buildCaseContext assembles the negotiation request: proposals, conflicts,
// the policy text in force, recent precedent at the contested locations, and
// fresh department context. Department failures degrade to last-known data
// and mark the case partial_context; they never fail the case.
func (o *Orchestrator) buildCaseContext(ctx context.Context, c *models.CoordinationCase, proposals []models.AgentProposal) (negotiation.CaseContext, bool) {
	caseCtx := negotiation.CaseContext{
		CaseID:    c.ID,
		Proposals: proposals,
		Conflicts: c.Conflicts,
	}
	for _, r := range o.policies.Restrictions {
		caseCtx.PolicyNotes = append(caseCtx.PolicyNotes, fmt.Sprintf("%s: %s", r.ID, r.Reason))
	}

	if entries, err := o.store.Query(ctx, ledger.Filter{Location: firstLocation(proposals), Limit: 3}); err == nil {
		for _, e := range entries {
			caseCtx.Precedents = append(caseCtx.Precedents, negotiation.Precedent{
				CaseID:    e.CaseID,
				Outcome:   e.Outcome,
				Method:    e.Method,
				Rationale: e.Rationale,
			})
		}
	}

	partial := false
	caseCtx.AgentContext = make(map[string]json.RawMessage)
	for _, agentID := range uniqueAgents(proposals) {
		qCtx, cancel := context.WithTimeout(ctx, o.agentTimeout)
		data, err := o.agentPort.ProvideData(qCtx, agentID, "coordination_context", map[string]interface{}{"caseId": c.ID})
		cancel()
		if err != nil {
			partial = true
			continue
		}
		if data.Stale {
			partial = true
		}
		if len(data.Payload) > 0 {
			caseCtx.AgentContext[agentID] = data.Payload
		}
	}
	return caseCtx, partial
}

// notifyDepartments delivers per-proposal outcomes; failures are logged, not
// surfaced.
func (o *Orchestrator) notifyDepartments(ctx context.Context, c *models.CoordinationCase, res models.Resolution) {
	byProposal := make(map[string]models.Disposition, len(res.Dispositions))
	for _, d := range res.Dispositions {
		byProposal[d.ProposalID] = d
	}
	for _, p := range c.Proposals {
		nCtx, cancel := context.WithTimeout(ctx, o.agentTimeout)
		err := o.agentPort.NotifyOutcome(nCtx, p.AgentID, agents.Notice{
			CaseID:      c.ID,
			ProposalID:  p.ID,
			Outcome:     res.Outcome,
			Disposition: byProposal[p.ID],
			Rationale:   res.Rationale,
		})
		cancel()
		if err != nil {
			log.Printf("[orchestrator] case %s: notify %s: %v", c.ID, p.AgentID, err)
		}
	}
}

func (o *Orchestrator) transition(c *models.CoordinationCase, state models.CaseState, apply func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c.State = state
	if apply != nil {
		apply()
	}
}

func (o *Orchestrator) cancelPending(caseID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.cancelRequested[caseID]
	return ok
}

func (o *Orchestrator) takeCancellation(caseID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	agentID, ok := o.cancelRequested[caseID]
	if ok {
		delete(o.cancelRequested, caseID)
	}
	return agentID, ok
}

// mergeActive returns the incoming batch plus every active proposal the
// detected conflicts reference. Resolution strategies rank the union so an
// already-granted claim competes with its real data.
func mergeActive(incoming, active []models.AgentProposal, conflicts []models.Conflict) []models.AgentProposal {
	contested := make(map[string]struct{})
	for _, cf := range conflicts {
		for _, id := range cf.ProposalIDs {
			contested[id] = struct{}{}
		}
	}
	merged := append([]models.AgentProposal(nil), incoming...)
	seen := make(map[string]struct{}, len(incoming))
	for _, p := range incoming {
		seen[p.ID] = struct{}{}
	}
	for _, p := range active {
		if _, want := contested[p.ID]; !want {
			continue
		}
		if _, dup := seen[p.ID]; dup {
			continue
		}
		merged = append(merged, p)
	}
	return merged
}

// narrowToCase trims the resolution down to the case's own proposals. When
// active claims from earlier cases were ranked alongside the batch, their
// dispositions belong to those cases and the outcome is recomputed from what
// remains.
func narrowToCase(res models.Resolution, own []models.AgentProposal) models.Resolution {
	ownIDs := make(map[string]struct{}, len(own))
	for _, p := range own {
		ownIDs[p.ID] = struct{}{}
	}
	dropped := false
	var dispositions []models.Disposition
	for _, d := range res.Dispositions {
		if _, ok := ownIDs[d.ProposalID]; ok {
			dispositions = append(dispositions, d)
		} else {
			dropped = true
		}
	}
	var plan []string
	for _, id := range res.ExecutionPlan {
		if _, ok := ownIDs[id]; ok {
			plan = append(plan, id)
		} else {
			dropped = true
		}
	}
	if !dropped {
		return res
	}
	res.Dispositions = dispositions
	res.ExecutionPlan = plan
	res.Outcome = outcomeFor(dispositions, plan)
	return res
}

func outcomeFor(dispositions []models.Disposition, plan []string) models.Outcome {
	if len(plan) > 1 {
		return models.OutcomeSequentialPlan
	}
	approved, deferred, rejected := 0, 0, 0
	for _, d := range dispositions {
		switch d.Status {
		case models.DispositionApproved:
			approved++
		case models.DispositionDeferred:
			deferred++
		case models.DispositionRejected:
			rejected++
		}
	}
	n := len(dispositions)
	switch {
	case n > 0 && approved == n:
		return models.OutcomeApprovedAll
	case n > 0 && deferred == n:
		return models.OutcomeDeferred
	case n > 0 && rejected == n:
		return models.OutcomeRejectedAll
	default:
		return models.OutcomeModified
	}
}

func scopeKeys(proposals []models.AgentProposal) []string {
	var keys []string
	for _, p := range proposals {
		keys = append(keys, "loc/"+p.Location)
		for _, r := range p.ResourcesNeeded {
			keys = append(keys, "res/"+r)
		}
	}
	return keys
}

func uniqueAgents(proposals []models.AgentProposal) []string {
	seen := make(map[string]struct{}, len(proposals))
	var out []string
	for _, p := range proposals {
		if _, ok := seen[p.AgentID]; !ok {
			seen[p.AgentID] = struct{}{}
			out = append(out, p.AgentID)
		}
	}
	return out
}

func firstLocation(proposals []models.AgentProposal) string {
	if len(proposals) == 0 {
		return ""
	}
	return proposals[0].Location
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

func deferAll(proposals []models.AgentProposal, confidence float64, rationale string) models.Resolution {
	dispositions := make([]models.Disposition, 0, len(proposals))
	for _, p := range proposals {
		dispositions = append(dispositions, models.Disposition{ProposalID: p.ID, Status: models.DispositionDeferred})
	}
	return models.Resolution{
		Outcome:      models.OutcomeDeferred,
		Confidence:   confidence,
		Rationale:    rationale,
		Dispositions: dispositions,
	}
}

func rejectAll(proposals []models.AgentProposal, confidence float64, rationale string) models.Resolution {
	dispositions := make([]models.Disposition, 0, len(proposals))
	for _, p := range proposals {
		dispositions = append(dispositions, models.Disposition{ProposalID: p.ID, Status: models.DispositionRejected})
	}
	return models.Resolution{
		Outcome:      models.OutcomeRejectedAll,
		Confidence:   confidence,
		Rationale:    rationale,
		Dispositions: dispositions,
	}
}

func approvedRationale(d models.HumanDecision) string {
	if d.Notes != "" {
		return fmt.Sprintf("approved by %s: %s", d.Approver, d.Notes)
	}
	return fmt.Sprintf("approved by %s", d.Approver)
}

func decisionRationale(verb string, d models.HumanDecision) string {
	if d.Notes != "" {
		return fmt.Sprintf("%s by %s: %s", verb, d.Approver, d.Notes)
	}
	return fmt.Sprintf("%s by %s", verb, d.Approver)
}
