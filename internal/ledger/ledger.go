// Package ledger tracks account balances backing the escrow store.
//
// Flow:
//  1. Account deposits settlement asset → available balance credited
//  2. Escrow creation locks funds: available → locked
//  3. Claim settles locked funds to the recipient (minus fee)
//  4. Refund returns locked funds to the sender
//  5. Resolver bonds lock/unlock through the same primitives
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/crossclaim/crossclaim/internal/amount"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateDeposit    = errors.New("deposit already processed")
)

// Entry types recorded in the ledger.
const (
	EntryDeposit    = "deposit"
	EntryLock       = "lock"
	EntryRelease    = "release"
	EntryReceive    = "receive"
	EntryFee        = "fee"
	EntryRefund     = "refund"
	EntryBondLock   = "bond_lock"
	EntryBondReturn = "bond_return"
)

// Entry represents a ledger entry.
type Entry struct {
	ID          string    `json:"id"`
	Account     string    `json:"account"`
	Type        string    `json:"type"`
	Amount      string    `json:"amount"`
	TxHash      string    `json:"txHash,omitempty"`
	Reference   string    `json:"reference,omitempty"` // escrow ID, bond reference
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Balance represents an account's balance.
type Balance struct {
	Account   string    `json:"account"`
	Available string    `json:"available"` // spendable
	Locked    string    `json:"locked"`    // held by escrows and bonds
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists ledger data. All mutations are atomic: either every
// balance change and its entry land, or none do.
type Store interface {
	GetBalance(ctx context.Context, account string) (*Balance, error)
	// Credit adds to available. Used for deposits.
	Credit(ctx context.Context, account, amt, txHash, description string) error
	// Lock moves available → locked for the account.
	Lock(ctx context.Context, account, amt, reference, entryType string) error
	// Unlock moves locked → available for the account.
	Unlock(ctx context.Context, account, amt, reference, entryType string) error
	// Settle moves the sender's locked funds out: net to the recipient's
	// available, fee to the collector's available, in one transaction.
	Settle(ctx context.Context, from, to, feeCollector, net, fee, reference string) error
	GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error)
	HasDeposit(ctx context.Context, txHash string) (bool, error)
}

// Ledger manages account balances.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns an account's current balance.
func (l *Ledger) GetBalance(ctx context.Context, account string) (*Balance, error) {
	return l.store.GetBalance(ctx, strings.ToLower(account))
}

// AvailableBalance returns just the available portion of an account's
// balance. Unknown accounts report zero.
func (l *Ledger) AvailableBalance(ctx context.Context, account string) (string, error) {
	bal, err := l.GetBalance(ctx, account)
	if errors.Is(err, ErrAccountNotFound) {
		return "0.000000", nil
	}
	if err != nil {
		return "", err
	}
	return bal.Available, nil
}

// GetHistory returns recent ledger entries for an account.
func (l *Ledger) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return l.store.GetHistory(ctx, strings.ToLower(account), limit)
}

// Deposit credits an account's available balance. txHash deduplicates.
func (l *Ledger) Deposit(ctx context.Context, account, amt, txHash string) error {
	if v, ok := amount.Parse(amt); !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}

	exists, err := l.store.HasDeposit(ctx, txHash)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateDeposit
	}

	return l.store.Credit(ctx, strings.ToLower(account), amt, txHash, "deposit")
}

// EscrowLock locks amt of the sender's available balance for an escrow.
func (l *Ledger) EscrowLock(ctx context.Context, account, amt, reference string) error {
	if v, ok := amount.Parse(amt); !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return l.store.Lock(ctx, strings.ToLower(account), amt, reference, EntryLock)
}

// SettleEscrow pays the recipient net of fee and credits the fee collector,
// consuming the sender's locked funds.
func (l *Ledger) SettleEscrow(ctx context.Context, from, to, feeCollector string, gross string, feeBps int64, reference string) error {
	grossV, ok := amount.Parse(gross)
	if !ok || grossV.Sign() <= 0 {
		return ErrInvalidAmount
	}
	fee, net := amount.FeeSplit(grossV, feeBps)

	collector := strings.ToLower(feeCollector)
	if fee.Sign() == 0 {
		collector = "" // no fee leg
	}

	return l.store.Settle(ctx,
		strings.ToLower(from), strings.ToLower(to), collector,
		amount.Format(net), amount.Format(fee), reference)
}

// RefundEscrow returns the full locked amount to the sender.
func (l *Ledger) RefundEscrow(ctx context.Context, account, amt, reference string) error {
	return l.store.Unlock(ctx, strings.ToLower(account), amt, reference, EntryRefund)
}

// LockBond locks a resolver's bond.
func (l *Ledger) LockBond(ctx context.Context, account, amt, reference string) error {
	if v, ok := amount.Parse(amt); !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return l.store.Lock(ctx, strings.ToLower(account), amt, reference, EntryBondLock)
}

// ReturnBond releases a resolver's bond back to available.
func (l *Ledger) ReturnBond(ctx context.Context, account, amt, reference string) error {
	return l.store.Unlock(ctx, strings.ToLower(account), amt, reference, EntryBondReturn)
}
