package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/crossclaim/crossclaim/internal/testutil"
)

func TestPostgres_DepositAndBalance(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	l := New(NewPostgresStore(db))

	if err := l.Deposit(ctx, "0xAlice", "100.000000", "0xtx1"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	bal, err := l.GetBalance(ctx, "0xalice")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Available != "100.000000" {
		t.Errorf("Expected available 100.000000, got %s", bal.Available)
	}
	if bal.Locked != "0.000000" {
		t.Errorf("Expected locked 0.000000, got %s", bal.Locked)
	}

	// Same tx hash is not credited twice.
	if err := l.Deposit(ctx, "0xalice", "100.000000", "0xtx1"); !errors.Is(err, ErrDuplicateDeposit) {
		t.Errorf("Expected ErrDuplicateDeposit, got %v", err)
	}
}

func TestPostgres_EscrowLockAndSettle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	l := New(NewPostgresStore(db))

	if err := l.Deposit(ctx, "0xsender", "100.000000", "0xtx2"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	// Over-lock rejected.
	if err := l.EscrowLock(ctx, "0xsender", "150.000000", "esc_1"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}

	// Unknown account distinguished from insufficient funds.
	if err := l.EscrowLock(ctx, "0xnobody", "1.000000", "esc_1"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("Expected ErrAccountNotFound, got %v", err)
	}

	if err := l.EscrowLock(ctx, "0xsender", "40.000000", "esc_1"); err != nil {
		t.Fatalf("EscrowLock: %v", err)
	}
	bal, _ := l.GetBalance(ctx, "0xsender")
	if bal.Available != "60.000000" || bal.Locked != "40.000000" {
		t.Fatalf("Expected 60/40 split, got %s/%s", bal.Available, bal.Locked)
	}

	// Settle with a 0.5% fee: recipient gets net, collector gets the fee.
	if err := l.SettleEscrow(ctx, "0xsender", "0xrecipient", "0xfees", "40.000000", 50, "esc_1"); err != nil {
		t.Fatalf("SettleEscrow: %v", err)
	}

	sender, _ := l.GetBalance(ctx, "0xsender")
	if sender.Locked != "0.000000" {
		t.Errorf("Expected sender locked drained, got %s", sender.Locked)
	}
	recipient, _ := l.GetBalance(ctx, "0xrecipient")
	if recipient.Available != "39.800000" {
		t.Errorf("Expected recipient 39.800000, got %s", recipient.Available)
	}
	fees, _ := l.GetBalance(ctx, "0xfees")
	if fees.Available != "0.200000" {
		t.Errorf("Expected fee collector 0.200000, got %s", fees.Available)
	}
}

func TestPostgres_RefundAndHistory(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	l := New(NewPostgresStore(db))

	if err := l.Deposit(ctx, "0xsender", "50.000000", "0xtx3"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := l.EscrowLock(ctx, "0xsender", "20.000000", "esc_2"); err != nil {
		t.Fatalf("EscrowLock: %v", err)
	}
	if err := l.RefundEscrow(ctx, "0xsender", "20.000000", "esc_2"); err != nil {
		t.Fatalf("RefundEscrow: %v", err)
	}

	bal, _ := l.GetBalance(ctx, "0xsender")
	if bal.Available != "50.000000" || bal.Locked != "0.000000" {
		t.Errorf("Expected full refund, got %s/%s", bal.Available, bal.Locked)
	}

	entries, err := l.GetHistory(ctx, "0xsender", 10)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries (deposit, lock, refund), got %d", len(entries))
	}
	types := map[string]bool{}
	for _, e := range entries {
		types[e.Type] = true
	}
	for _, want := range []string{EntryDeposit, EntryLock, EntryRefund} {
		if !types[want] {
			t.Errorf("Missing %s entry in history", want)
		}
	}
}

func TestPostgres_BondLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	l := New(NewPostgresStore(db))

	if err := l.Deposit(ctx, "0xresolver", "200.000000", "0xtx4"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := l.LockBond(ctx, "0xresolver", "150.000000", "bond:0xresolver"); err != nil {
		t.Fatalf("LockBond: %v", err)
	}
	bal, _ := l.GetBalance(ctx, "0xresolver")
	if bal.Locked != "150.000000" {
		t.Fatalf("Expected bond locked, got %s", bal.Locked)
	}
	if err := l.ReturnBond(ctx, "0xresolver", "150.000000", "bond:0xresolver"); err != nil {
		t.Fatalf("ReturnBond: %v", err)
	}
	bal, _ = l.GetBalance(ctx, "0xresolver")
	if bal.Available != "200.000000" || bal.Locked != "0.000000" {
		t.Errorf("Expected bond returned, got %s/%s", bal.Available, bal.Locked)
	}
}
