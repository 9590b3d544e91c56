package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/crossclaim/crossclaim/internal/amount"
	"github.com/crossclaim/crossclaim/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances map[string]*acct
	entries  []*Entry
	deposits map[string]bool // txHash -> seen
	mu       sync.Mutex
}

type acct struct {
	available *big.Int
	locked    *big.Int
	updatedAt time.Time
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*acct),
		deposits: make(map[string]bool),
	}
}

func (m *MemoryStore) account(addr string) *acct {
	a, ok := m.balances[addr]
	if !ok {
		a = &acct{available: big.NewInt(0), locked: big.NewInt(0), updatedAt: time.Now()}
		m.balances[addr] = a
	}
	return a
}

func (m *MemoryStore) record(account, entryType, amt, txHash, reference, description string) {
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("led_"),
		Account:     account,
		Type:        entryType,
		Amount:      amt,
		TxHash:      txHash,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
}

func (m *MemoryStore) GetBalance(ctx context.Context, account string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.balances[account]
	if !ok {
		return &Balance{
			Account:   account,
			Available: "0.000000",
			Locked:    "0.000000",
			UpdatedAt: time.Now(),
		}, nil
	}
	return &Balance{
		Account:   account,
		Available: amount.Format(a.available),
		Locked:    amount.Format(a.locked),
		UpdatedAt: a.updatedAt,
	}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, account, amt, txHash, description string) error {
	v, ok := amount.Parse(amt)
	if !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.account(account)
	a.available.Add(a.available, v)
	a.updatedAt = time.Now()
	if txHash != "" {
		m.deposits[txHash] = true
	}
	m.record(account, EntryDeposit, amt, txHash, "", description)
	return nil
}

func (m *MemoryStore) Lock(ctx context.Context, account, amt, reference, entryType string) error {
	v, ok := amount.Parse(amt)
	if !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.balances[account]
	if !exists {
		return ErrAccountNotFound
	}
	if a.available.Cmp(v) < 0 {
		return ErrInsufficientBalance
	}
	a.available.Sub(a.available, v)
	a.locked.Add(a.locked, v)
	a.updatedAt = time.Now()
	m.record(account, entryType, amt, "", reference, "")
	return nil
}

func (m *MemoryStore) Unlock(ctx context.Context, account, amt, reference, entryType string) error {
	v, ok := amount.Parse(amt)
	if !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.balances[account]
	if !exists {
		return ErrAccountNotFound
	}
	if a.locked.Cmp(v) < 0 {
		return ErrInsufficientBalance
	}
	a.locked.Sub(a.locked, v)
	a.available.Add(a.available, v)
	a.updatedAt = time.Now()
	m.record(account, entryType, amt, "", reference, "")
	return nil
}

func (m *MemoryStore) Settle(ctx context.Context, from, to, feeCollector, net, fee, reference string) error {
	netV, ok := amount.Parse(net)
	if !ok || netV.Sign() < 0 {
		return ErrInvalidAmount
	}
	feeV, ok := amount.Parse(fee)
	if !ok || feeV.Sign() < 0 {
		return ErrInvalidAmount
	}
	gross := new(big.Int).Add(netV, feeV)
	if gross.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sender, exists := m.balances[from]
	if !exists {
		return ErrAccountNotFound
	}
	if sender.locked.Cmp(gross) < 0 {
		return ErrInsufficientBalance
	}

	now := time.Now()
	sender.locked.Sub(sender.locked, gross)
	sender.updatedAt = now

	recipient := m.account(to)
	recipient.available.Add(recipient.available, netV)
	recipient.updatedAt = now

	m.record(from, EntryRelease, amount.Format(gross), "", reference, "")
	m.record(to, EntryReceive, net, "", reference, "")

	if feeCollector != "" && feeV.Sign() > 0 {
		collector := m.account(feeCollector)
		collector.available.Add(collector.available, feeV)
		collector.updatedAt = now
		m.record(feeCollector, EntryFee, fee, "", reference, "")
	}
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Entry
	// newest first
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].Account == account {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deposits[txHash], nil
}
