// Package ledger is the append-only audit record of finalized coordination
// cases. Entries are hash-chained so immutability is verifiable after the
// fact; they are never updated in place.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/civicmesh/coordinator/internal/models"
)

// ErrNotFound is returned when a requested ledger entry cannot be located.
var ErrNotFound = errors.New("not found")

// ErrAlreadyRecorded is returned when an entry for the case already exists.
// Exactly one entry exists per finalized case; repeat appends never mutate it.
var ErrAlreadyRecorded = errors.New("case already recorded")

// Entry is one immutable record per finalized coordination case. The derived
// columns (agents, locations, outcome, method) exist for querying; Payload is
// the full case and is what the hash chain covers.
type Entry struct {
	ID             string                  `json:"id,omitempty"`
	CaseID         string                  `json:"caseId"`
	Outcome        models.Outcome          `json:"outcome"`
	Method         models.ResolutionMethod `json:"resolutionMethod"`
	Confidence     float64                 `json:"confidence"`
	Rationale      string                  `json:"rationale,omitempty"`
	HumanApprover  *string                 `json:"humanApprover,omitempty"`
	FallbackUsed   bool                    `json:"fallbackUsed,omitempty"`
	PartialContext bool                    `json:"partialContext,omitempty"`
	AgentIDs       []string                `json:"agentIds"`
	Locations      []string                `json:"locations"`
	Payload        json.RawMessage         `json:"payload"`
	PrevHash       string                  `json:"prevHash,omitempty"`
	Hash           string                  `json:"hash,omitempty"`
	ResolvedAt     time.Time               `json:"resolvedAt"`
	CreatedAt      time.Time               `json:"createdAt"`
}

// EntryFromCase builds a ledger entry from a finalized case.
func EntryFromCase(c *models.CoordinationCase) (*Entry, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	agents := make([]string, 0, len(c.Proposals))
	locations := make([]string, 0, len(c.Proposals))
	seenAgent := map[string]struct{}{}
	seenLoc := map[string]struct{}{}
	for _, p := range c.Proposals {
		if _, ok := seenAgent[p.AgentID]; !ok {
			agents = append(agents, p.AgentID)
			seenAgent[p.AgentID] = struct{}{}
		}
		if _, ok := seenLoc[p.Location]; !ok {
			locations = append(locations, p.Location)
			seenLoc[p.Location] = struct{}{}
		}
	}
	resolvedAt := time.Now().UTC()
	if c.ResolvedAt != nil {
		resolvedAt = *c.ResolvedAt
	}
	return &Entry{
		ID:             models.NewUUID(),
		CaseID:         c.ID,
		Outcome:        c.Outcome,
		Method:         c.Method,
		Confidence:     c.Confidence,
		Rationale:      c.Rationale,
		HumanApprover:  c.HumanApprover,
		FallbackUsed:   c.FallbackUsed,
		PartialContext: c.PartialContext,
		AgentIDs:       agents,
		Locations:      locations,
		Payload:        payload,
		ResolvedAt:     resolvedAt,
	}, nil
}

// Filter selects entries for audit queries and precedent lookups. Zero-value
// fields match everything.
type Filter struct {
	AgentID  string
	Location string
	Outcome  models.Outcome
	Method   models.ResolutionMethod
	From     *time.Time
	To       *time.Time
	Limit    int
}

// Store is the minimal persistence abstraction for the resolution ledger.
type Store interface {
	// Append computes the hash chain link and persists the entry. It never
	// updates an existing entry; a second append for the same case returns
	// ErrAlreadyRecorded.
	Append(ctx context.Context, e *Entry) error

	// GetByCase retrieves the entry for a finalized case.
	GetByCase(ctx context.Context, caseID string) (*Entry, error)

	// Query returns entries matching the filter, newest first.
	Query(ctx context.Context, f Filter) ([]Entry, error)

	// Ping validates the store is reachable.
	Ping(ctx context.Context) error
}

// HashBytes computes the SHA-256 digest bytes for input data.
func HashBytes(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// HashHex returns the hex-encoded SHA-256 of the input bytes.
func HashHex(b []byte) string {
	return hex.EncodeToString(HashBytes(b))
}

const recordAttempts = 3

// Record appends with bounded backoff (3 attempts). After exhaustion the
// entry is dropped and true is returned so the caller can flag the case
// audit_pending and still deliver the result: a ledger outage must never
// block decision delivery.
func Record(ctx context.Context, store Store, e *Entry) (auditPending bool) {
	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= recordAttempts; attempt++ {
		err := store.Append(ctx, e)
		if err == nil || errors.Is(err, ErrAlreadyRecorded) {
			return false
		}
		lastErr = err
		if attempt < recordAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				log.Printf("[ledger] record case %s abandoned: %v", e.CaseID, ctx.Err())
				return true
			}
			backoff *= 2
		}
	}
	log.Printf("[ledger] record case %s failed after %d attempts: %v", e.CaseID, recordAttempts, lastErr)
	return true
}
