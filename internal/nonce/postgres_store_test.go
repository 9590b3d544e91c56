package nonce

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/crossclaim/crossclaim/internal/testutil"
)

func TestPostgresStore_ConsumeOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	signer := "0x00000000000000000000000000000000000000A1"

	if err := store.Consume(ctx, NamespaceIntent, signer, 1); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := store.Consume(ctx, NamespaceIntent, signer, 1); !errors.Is(err, ErrReplayedNonce) {
		t.Fatalf("Expected ErrReplayedNonce, got %v", err)
	}

	// Lookup is case-insensitive on the signer.
	used, err := store.Consumed(ctx, NamespaceIntent, "0x00000000000000000000000000000000000000a1", 1)
	if err != nil {
		t.Fatalf("Consumed: %v", err)
	}
	if !used {
		t.Error("Expected nonce recorded as consumed")
	}

	// Namespaces are independent.
	if err := store.Consume(ctx, NamespaceResolver, signer, 1); err != nil {
		t.Errorf("Expected separate namespace to accept nonce, got %v", err)
	}
	used, _ = store.Consumed(ctx, NamespaceIntent, signer, 2)
	if used {
		t.Error("Unused nonce reported as consumed")
	}
}

func TestPostgresStore_FullUint64Range(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	signer := "0x00000000000000000000000000000000000000b2"

	// Timestamp-derived nonces can exceed MaxInt64; the high half of the
	// range must round-trip without wrapping.
	for _, nonce := range []uint64{math.MaxInt64 + 1, math.MaxUint64} {
		if err := store.Consume(ctx, NamespaceIntent, signer, nonce); err != nil {
			t.Fatalf("Consume(%d): %v", nonce, err)
		}
		if err := store.Consume(ctx, NamespaceIntent, signer, nonce); !errors.Is(err, ErrReplayedNonce) {
			t.Fatalf("Expected ErrReplayedNonce for %d, got %v", nonce, err)
		}
		used, err := store.Consumed(ctx, NamespaceIntent, signer, nonce)
		if err != nil {
			t.Fatalf("Consumed(%d): %v", nonce, err)
		}
		if !used {
			t.Errorf("Nonce %d not recorded as consumed", nonce)
		}
	}

	// Distinct high nonces must not collide with each other.
	used, err := store.Consumed(ctx, NamespaceIntent, signer, math.MaxUint64-1)
	if err != nil {
		t.Fatalf("Consumed: %v", err)
	}
	if used {
		t.Error("Unused high nonce reported as consumed")
	}
}
