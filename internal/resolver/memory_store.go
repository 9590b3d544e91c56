package resolver

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	auths map[string]*Authorization
}

// NewMemoryStore creates an empty in-memory resolver store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{auths: make(map[string]*Authorization)}
}

func (s *MemoryStore) Put(ctx context.Context, auth *Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *auth
	s.auths[auth.Resolver] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, addr string) (*Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	auth, ok := s.auths[addr]
	if !ok {
		return nil, ErrResolverNotFound
	}
	cp := *auth
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, onlyActive bool) ([]*Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Authorization, 0, len(s.auths))
	for _, auth := range s.auths {
		if onlyActive && !auth.Authorized {
			continue
		}
		cp := *auth
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AuthorizedAt.After(out[j].AuthorizedAt)
	})
	return out, nil
}
