package orchestrator

import (
	"sort"
	"sync"
)

// scopeLocks serializes cases that touch overlapping locations or resources.
// Keys are acquired in sorted order so two cases contending for the same
// scope can never deadlock; disjoint scopes proceed fully in parallel.
type scopeLocks struct {
	mu    sync.Mutex
	locks map[string]*scopeLock
}

type scopeLock struct {
	mu   sync.Mutex
	refs int
}

func newScopeLocks() *scopeLocks {
	return &scopeLocks{locks: make(map[string]*scopeLock)}
}

// acquire locks every key and returns the release function.
func (s *scopeLocks) acquire(keys []string) func() {
	deduped := dedupeSorted(keys)
	acquired := make([]*scopeLock, 0, len(deduped))
	for _, key := range deduped {
		s.mu.Lock()
		l, ok := s.locks[key]
		if !ok {
			l = &scopeLock{}
			s.locks[key] = l
		}
		l.refs++
		s.mu.Unlock()
		l.mu.Lock()
		acquired = append(acquired, l)
	}
	released := deduped
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].mu.Unlock()
			s.mu.Lock()
			acquired[i].refs--
			if acquired[i].refs == 0 {
				delete(s.locks, released[i])
			}
			s.mu.Unlock()
		}
	}
}

func dedupeSorted(keys []string) []string {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	out := sorted[:0]
	var prev string
	for i, k := range sorted {
		if k == "" || (i > 0 && k == prev) {
			prev = k
			continue
		}
		out = append(out, k)
		prev = k
	}
	return out
}
