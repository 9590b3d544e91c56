package escrow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/crossclaim/crossclaim/internal/testutil"
)

func pgRecord(id string) *Record {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Record{
		ID:            id,
		Asset:         "0x00000000000000000000000000000000000000cc",
		Sender:        "0x00000000000000000000000000000000000000a1",
		Recipient:     "0x00000000000000000000000000000000000000b1",
		Amount:        "25.000000",
		SecretHash:    strings.Repeat("ab", 32),
		Timelock:      now.Add(2 * time.Hour),
		OriginChainID: 84532,
		CreatedAt:     now,
	}
}

func TestPostgresStore_CreateGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	rec := pgRecord("esc_pg1")
	rec.DatasetRef = "ds-roundtrip"
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "esc_pg1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Sender != rec.Sender || got.Recipient != rec.Recipient {
		t.Errorf("Participant mismatch: %+v", got)
	}
	if got.Amount != "25.000000" {
		t.Errorf("Expected amount 25.000000, got %s", got.Amount)
	}
	if got.DatasetRef != "ds-roundtrip" {
		t.Errorf("Expected dataset ref preserved, got %q", got.DatasetRef)
	}
	if got.Timelock.Unix() != rec.Timelock.Unix() {
		t.Errorf("Timelock mismatch: %v vs %v", got.Timelock, rec.Timelock)
	}
	if got.Claimed || got.Refunded || got.SettledAt != nil {
		t.Errorf("New record should be active: %+v", got)
	}

	if _, err := store.Get(ctx, "esc_missing"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("Expected ErrEscrowNotFound, got %v", err)
	}
}

func TestPostgresStore_UpdateSettlesOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	rec := pgRecord("esc_pg2")
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := time.Now().UTC()
	rec.Claimed = true
	rec.SettledAt = &now
	if err := store.Update(ctx, rec); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := store.Get(ctx, "esc_pg2")
	if !got.Claimed || got.SettledAt == nil {
		t.Fatalf("Expected claimed record, got %+v", got)
	}

	// A settled row refuses a second terminal transition.
	rec.Claimed = false
	rec.Refunded = true
	if err := store.Update(ctx, rec); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("Expected ErrAlreadySettled, got %v", err)
	}

	missing := pgRecord("esc_pg_missing")
	missing.Refunded = true
	if err := store.Update(ctx, missing); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("Expected ErrEscrowNotFound, got %v", err)
	}
}

func TestPostgresStore_ListByParticipant(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 3; i++ {
		rec := pgRecord("esc_list" + string(rune('a'+i)))
		rec.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	// Sender side, newest first.
	recs, err := store.ListByParticipant(ctx, "0x00000000000000000000000000000000000000a1", 10)
	if err != nil {
		t.Fatalf("ListByParticipant: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(recs))
	}
	if recs[0].ID != "esc_listc" {
		t.Errorf("Expected newest first, got %s", recs[0].ID)
	}

	// Recipient side with limit.
	recs, _ = store.ListByParticipant(ctx, "0x00000000000000000000000000000000000000b1", 2)
	if len(recs) != 2 {
		t.Errorf("Expected limit applied, got %d", len(recs))
	}

	// Uninvolved address sees nothing.
	recs, _ = store.ListByParticipant(ctx, "0x00000000000000000000000000000000000000ff", 10)
	if len(recs) != 0 {
		t.Errorf("Expected no records, got %d", len(recs))
	}
}
