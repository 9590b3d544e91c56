// Package resolver maintains the registry of bonded resolvers.
//
// A resolver posts a bond to gain the right to trigger refunds on expired
// escrows it did not create. Authorization and deauthorization are both
// signed requests with their own replay namespace; the bond is returned in
// full on deauthorization.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/crossclaim/crossclaim/internal/amount"
	"github.com/crossclaim/crossclaim/internal/events"
	"github.com/crossclaim/crossclaim/internal/intent"
	"github.com/crossclaim/crossclaim/internal/logging"
	"github.com/crossclaim/crossclaim/internal/nonce"
)

var (
	ErrResolverNotFound   = errors.New("resolver not found")
	ErrAlreadyAuthorized  = errors.New("resolver already authorized")
	ErrInsufficientBond   = errors.New("bond below required minimum")
	ErrExpiredRequest     = errors.New("request deadline has passed")
	ErrInvalidResolverSig = errors.New("signature does not match resolver address")
)

// Authorization is one resolver's registry entry.
type Authorization struct {
	Resolver     string     `json:"resolver"`
	BondAmount   string     `json:"bondAmount"`
	Authorized   bool       `json:"authorized"`
	AuthorizedAt time.Time  `json:"authorizedAt"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
}

// Store persists resolver authorizations.
type Store interface {
	Put(ctx context.Context, auth *Authorization) error
	Get(ctx context.Context, addr string) (*Authorization, error)
	List(ctx context.Context, onlyActive bool) ([]*Authorization, error)
}

// BondLedger moves bond collateral in and out of the locked balance.
type BondLedger interface {
	LockBond(ctx context.Context, account, amt, reference string) error
	ReturnBond(ctx context.Context, account, amt, reference string) error
}

// Service manages resolver bonding.
type Service struct {
	store   Store
	ledger  BondLedger
	nonces  nonce.Store
	bus     *events.Bus
	minBond string
	now     func() time.Time
}

// NewService creates a resolver registry service.
func NewService(store Store, ledger BondLedger, nonces nonce.Store, minBond string) *Service {
	return &Service{
		store:   store,
		ledger:  ledger,
		nonces:  nonces,
		minBond: minBond,
		now:     time.Now,
	}
}

// WithBus wires the lifecycle event bus.
func (s *Service) WithBus(bus *events.Bus) *Service {
	s.bus = bus
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// AuthorizeMessage is the canonical text a resolver signs to register.
func AuthorizeMessage(resolver, bond string, nonceVal uint64, deadline time.Time) string {
	return strings.Join([]string{
		"CrossclaimResolver",
		"authorize",
		strings.ToLower(resolver),
		bond,
		strconv.FormatUint(nonceVal, 10),
		strconv.FormatInt(deadline.Unix(), 10),
	}, "|")
}

// DeauthorizeMessage is the canonical text a resolver signs to withdraw.
func DeauthorizeMessage(resolver string, nonceVal uint64, deadline time.Time) string {
	return strings.Join([]string{
		"CrossclaimResolver",
		"deauthorize",
		strings.ToLower(resolver),
		strconv.FormatUint(nonceVal, 10),
		strconv.FormatInt(deadline.Unix(), 10),
	}, "|")
}

// Authorize registers a resolver and locks its bond.
func (s *Service) Authorize(ctx context.Context, resolverAddr, bond, signature string, nonceVal uint64, deadline time.Time) (*Authorization, error) {
	resolverAddr = strings.ToLower(resolverAddr)
	now := s.now()

	if now.After(deadline) {
		return nil, ErrExpiredRequest
	}

	bondUnits, ok := amount.Parse(bond)
	if !ok {
		return nil, fmt.Errorf("invalid bond amount %q", bond)
	}
	minUnits, ok := amount.Parse(s.minBond)
	if !ok {
		return nil, fmt.Errorf("invalid minimum bond configuration %q", s.minBond)
	}
	if bondUnits.Cmp(minUnits) < 0 {
		return nil, ErrInsufficientBond
	}

	msg := AuthorizeMessage(resolverAddr, bond, nonceVal, deadline)
	signer, err := intent.RecoverAddress(msg, signature)
	if err != nil || signer != resolverAddr {
		return nil, ErrInvalidResolverSig
	}

	if existing, err := s.store.Get(ctx, resolverAddr); err == nil && existing.Authorized {
		return nil, ErrAlreadyAuthorized
	}

	if err := s.nonces.Consume(ctx, nonce.NamespaceResolver, resolverAddr, nonceVal); err != nil {
		return nil, err
	}

	if err := s.ledger.LockBond(ctx, resolverAddr, bond, "bond:"+resolverAddr); err != nil {
		return nil, fmt.Errorf("failed to lock resolver bond: %w", err)
	}

	auth := &Authorization{
		Resolver:     resolverAddr,
		BondAmount:   bond,
		Authorized:   true,
		AuthorizedAt: now,
	}
	if err := s.store.Put(ctx, auth); err != nil {
		_ = s.ledger.ReturnBond(ctx, resolverAddr, bond, "bond:"+resolverAddr)
		return nil, fmt.Errorf("failed to store authorization: %w", err)
	}

	s.publish(events.Event{
		Type:     events.TypeResolverAuthorized,
		Resolver: resolverAddr,
		Amount:   bond,
	})
	logging.L(ctx).Info("resolver authorized", "resolver", resolverAddr, "bond", bond)
	return auth, nil
}

// Deauthorize withdraws a resolver and returns its bond.
func (s *Service) Deauthorize(ctx context.Context, resolverAddr, signature string, nonceVal uint64, deadline time.Time) (*Authorization, error) {
	resolverAddr = strings.ToLower(resolverAddr)
	now := s.now()

	if now.After(deadline) {
		return nil, ErrExpiredRequest
	}

	msg := DeauthorizeMessage(resolverAddr, nonceVal, deadline)
	signer, err := intent.RecoverAddress(msg, signature)
	if err != nil || signer != resolverAddr {
		return nil, ErrInvalidResolverSig
	}

	auth, err := s.store.Get(ctx, resolverAddr)
	if err != nil {
		return nil, err
	}
	if !auth.Authorized {
		return nil, ErrResolverNotFound
	}

	if err := s.nonces.Consume(ctx, nonce.NamespaceResolver, resolverAddr, nonceVal); err != nil {
		return nil, err
	}

	if err := s.ledger.ReturnBond(ctx, resolverAddr, auth.BondAmount, "bond:"+resolverAddr); err != nil {
		return nil, fmt.Errorf("failed to return resolver bond: %w", err)
	}

	auth.Authorized = false
	auth.RevokedAt = &now
	if err := s.store.Put(ctx, auth); err != nil {
		logging.L(ctx).Error("CRITICAL: bond returned but authorization update failed",
			"resolver", resolverAddr, "error", err)
		return nil, fmt.Errorf("failed to update authorization after bond return (requires manual resolution): %w", err)
	}

	s.publish(events.Event{
		Type:     events.TypeResolverDeauthorized,
		Resolver: resolverAddr,
		Amount:   auth.BondAmount,
	})
	logging.L(ctx).Info("resolver deauthorized", "resolver", resolverAddr)
	return auth, nil
}

// IsAuthorized reports whether the address is an active bonded resolver.
// Lookup failures deny rather than grant.
func (s *Service) IsAuthorized(ctx context.Context, addr string) bool {
	auth, err := s.store.Get(ctx, strings.ToLower(addr))
	if err != nil {
		return false
	}
	return auth.Authorized
}

// Get returns one resolver's registry entry.
func (s *Service) Get(ctx context.Context, addr string) (*Authorization, error) {
	return s.store.Get(ctx, strings.ToLower(addr))
}

// List returns registry entries, optionally only active ones.
func (s *Service) List(ctx context.Context, onlyActive bool) ([]*Authorization, error) {
	return s.store.List(ctx, onlyActive)
}

func (s *Service) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}
