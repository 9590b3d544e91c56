package nonce

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestConsume_FirstUseSucceeds(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Consume(ctx, NamespaceIntent, "0xAAAA", 1); err != nil {
		t.Fatalf("first consume failed: %v", err)
	}
}

func TestConsume_ReplayFails(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Consume(ctx, NamespaceIntent, "0xaaaa", 1); err != nil {
		t.Fatalf("first consume failed: %v", err)
	}
	err := store.Consume(ctx, NamespaceIntent, "0xAAAA", 1)
	if !errors.Is(err, ErrReplayedNonce) {
		t.Fatalf("expected ErrReplayedNonce, got %v", err)
	}
}

func TestConsume_SignerScoped(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Consume(ctx, NamespaceIntent, "0xaaaa", 1); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	// Same nonce, different signer: fine.
	if err := store.Consume(ctx, NamespaceIntent, "0xbbbb", 1); err != nil {
		t.Fatalf("different signer should not conflict: %v", err)
	}
}

func TestConsume_NamespaceScoped(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Consume(ctx, NamespaceIntent, "0xaaaa", 1); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	// Same pair in the resolver namespace: independent.
	if err := store.Consume(ctx, NamespaceResolver, "0xaaaa", 1); err != nil {
		t.Fatalf("different namespace should not conflict: %v", err)
	}
}

func TestConsumed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	used, err := store.Consumed(ctx, NamespaceIntent, "0xaaaa", 5)
	if err != nil || used {
		t.Fatalf("expected unused, got used=%v err=%v", used, err)
	}

	_ = store.Consume(ctx, NamespaceIntent, "0xaaaa", 5)

	used, err = store.Consumed(ctx, NamespaceIntent, "0xaaaa", 5)
	if err != nil || !used {
		t.Fatalf("expected used, got used=%v err=%v", used, err)
	}
}

func TestConsume_ConcurrentOnlyOneWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	var successes int32
	var mu sync.Mutex

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Consume(ctx, NamespaceIntent, "0xaaaa", 42); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly 1 successful consume, got %d", successes)
	}
}
