package orchestrator

import (
	"sync"
	"time"

	"github.com/civicmesh/coordinator/internal/models"
)

// activeIndex tracks proposals considered "active" for conflict detection
// against new submissions. Entries expire after the retention window.
type activeIndex struct {
	mu        sync.Mutex
	retention time.Duration
	items     map[string]activeItem
}

type activeItem struct {
	proposal models.AgentProposal
	caseID   string
	addedAt  time.Time
}

func newActiveIndex(retention time.Duration) *activeIndex {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &activeIndex{
		retention: retention,
		items:     make(map[string]activeItem),
	}
}

func (a *activeIndex) add(caseID string, proposals []models.AgentProposal) {
	now := time.Now().UTC()
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range proposals {
		a.items[p.ID] = activeItem{proposal: p, caseID: caseID, addedAt: now}
	}
}

func (a *activeIndex) remove(proposalIDs []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range proposalIDs {
		delete(a.items, id)
	}
}

// snapshot prunes expired entries and returns the active proposals,
// excluding any owned by the given case.
func (a *activeIndex) snapshot(excludeCaseID string) []models.AgentProposal {
	now := time.Now().UTC()
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.AgentProposal
	for id, item := range a.items {
		if now.Sub(item.addedAt) > a.retention {
			delete(a.items, id)
			continue
		}
		if excludeCaseID != "" && item.caseID == excludeCaseID {
			continue
		}
		out = append(out, item.proposal)
	}
	return out
}
