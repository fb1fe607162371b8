package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/civicmesh/coordinator/internal/canonical"
	"github.com/civicmesh/coordinator/internal/models"
)

// MemoryStore keeps the ledger in process memory with the same hash-chain
// semantics as the Postgres store. Used for tests and database-less
// development runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	byCase  map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byCase: map[string]int{}}
}

func (m *MemoryStore) Append(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byCase[e.CaseID]; ok {
		return ErrAlreadyRecorded
	}

	var payload interface{}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	canon, err := canonical.MarshalCanonical(payload)
	if err != nil {
		return fmt.Errorf("canonicalize payload: %w", err)
	}

	prev := ""
	if len(m.entries) > 0 {
		prev = m.entries[len(m.entries)-1].Hash
	}
	concat := append([]byte(nil), canon...)
	if prev != "" {
		prevBytes, err := hex.DecodeString(prev)
		if err != nil {
			return fmt.Errorf("decode prev hash: %w", err)
		}
		concat = append(concat, prevBytes...)
	}

	if e.ID == "" {
		e.ID = models.NewUUID()
	}
	e.PrevHash = prev
	e.Hash = HashHex(concat)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	stored := *e
	stored.Payload = append(json.RawMessage(nil), e.Payload...)
	m.entries = append(m.entries, stored)
	m.byCase[e.CaseID] = len(m.entries) - 1
	return nil
}

func (m *MemoryStore) GetByCase(ctx context.Context, caseID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byCase[caseID]
	if !ok {
		return nil, ErrNotFound
	}
	e := m.entries[idx]
	return &e, nil
}

func (m *MemoryStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if f.AgentID != "" && !contains(e.AgentIDs, f.AgentID) {
			continue
		}
		if f.Location != "" && !contains(e.Locations, f.Location) {
			continue
		}
		if f.Outcome != "" && e.Outcome != f.Outcome {
			continue
		}
		if f.Method != "" && e.Method != f.Method {
			continue
		}
		if f.From != nil && e.ResolvedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !e.ResolvedAt.Before(*f.To) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
