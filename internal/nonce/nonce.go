// Package nonce tracks consumed (signer, nonce) pairs to block replay.
//
// Nonces are namespaced so that transfer intents, resolver authorizations
// and dispute requests cannot cross-replay each other's signatures. Consumption
// must happen inside the same serialized transition as the operation it
// guards; the stores only provide the consume-exactly-once primitive.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Nonce namespaces.
const (
	NamespaceIntent   = "intent"
	NamespaceResolver = "resolver"
	NamespaceDispute  = "dispute"
)

var ErrReplayedNonce = errors.New("nonce already consumed")

// Store persists consumed nonces.
type Store interface {
	// Consume marks (namespace, signer, nonce) as used. Returns
	// ErrReplayedNonce if the pair was already consumed.
	Consume(ctx context.Context, namespace, signer string, nonce uint64) error
	// Consumed reports whether the pair has been used.
	Consumed(ctx context.Context, namespace, signer string, nonce uint64) (bool, error)
}

// MemoryStore is an in-memory nonce store for demo/development mode.
type MemoryStore struct {
	used map[string]struct{}
	mu   sync.Mutex
}

// NewMemoryStore creates a new in-memory nonce store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{used: make(map[string]struct{})}
}

func key(namespace, signer string, nonce uint64) string {
	return fmt.Sprintf("%s|%s|%d", namespace, strings.ToLower(signer), nonce)
}

func (m *MemoryStore) Consume(ctx context.Context, namespace, signer string, nonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(namespace, signer, nonce)
	if _, ok := m.used[k]; ok {
		return ErrReplayedNonce
	}
	m.used[k] = struct{}{}
	return nil
}

func (m *MemoryStore) Consumed(ctx context.Context, namespace, signer string, nonce uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.used[key(namespace, signer, nonce)]
	return ok, nil
}
