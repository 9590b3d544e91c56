package dispute

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	cases map[string]*Case
}

// NewMemoryStore creates an empty in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cases: make(map[string]*Case)}
}

func (s *MemoryStore) Create(ctx context.Context, cs *Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cs
	s.cases[cs.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	cp := *cs
	return &cp, nil
}

func (s *MemoryStore) GetOpenByEscrow(ctx context.Context, escrowID string) (*Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cs := range s.cases {
		if cs.EscrowID == escrowID && cs.Open() {
			cp := *cs
			return &cp, nil
		}
	}
	return nil, ErrCaseNotFound
}

func (s *MemoryStore) Update(ctx context.Context, cs *Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[cs.ID]; !ok {
		return ErrCaseNotFound
	}
	cp := *cs
	s.cases[cs.ID] = &cp
	return nil
}

func (s *MemoryStore) ListOpen(ctx context.Context, olderThan time.Time, limit int) ([]*Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Case
	for _, cs := range s.cases {
		if !cs.Open() || cs.OpenedAt.After(olderThan) {
			continue
		}
		cp := *cs
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
