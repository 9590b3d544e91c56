// Package escrow implements the hash-time-locked escrow state machine.
//
// Flow:
//  1. Sender signs a transfer intent off-chain
//  2. Anyone submits it → funds moved: available → locked, record created
//  3. Recipient (or anyone holding the secret) claims → net payout released
//  4. Timelock expires unclaimed → sender or a bonded resolver refunds
//
// A record is Active until exactly one of Claimed/Refunded is set, then
// immutable. The check-and-set of the terminal flag and the fund movement
// happen under a per-escrow mutex, so a racing claim and refund cannot both
// win; the loser observes ErrAlreadySettled.
package escrow

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crossclaim/crossclaim/internal/events"
	"github.com/crossclaim/crossclaim/internal/intent"
	"github.com/crossclaim/crossclaim/internal/logging"
	"github.com/crossclaim/crossclaim/internal/metrics"
	"github.com/crossclaim/crossclaim/internal/nonce"
	"github.com/crossclaim/crossclaim/internal/syncutil"
	"github.com/crossclaim/crossclaim/internal/traces"
)

var (
	ErrEscrowNotFound     = errors.New("escrow not found")
	ErrAlreadySettled     = errors.New("escrow already settled")
	ErrInvalidSecret      = errors.New("secret does not match commitment")
	ErrTimelockNotExpired = errors.New("timelock has not expired")
	ErrUnauthorized       = errors.New("not authorized for this escrow operation")
)

// Record is the authoritative state of one escrow instance.
type Record struct {
	ID            string     `json:"id"`
	Asset         string     `json:"asset"`
	Sender        string     `json:"sender"`
	Recipient     string     `json:"recipient"`
	Amount        string     `json:"amount"`
	SecretHash    string     `json:"secretHash"` // hex sha256 digest, no 0x prefix
	Timelock      time.Time  `json:"timelock"`
	DatasetRef    string     `json:"datasetRef,omitempty"`
	Resolver      string     `json:"resolver,omitempty"` // resolver that executed the refund, if any
	OriginChainID int64      `json:"originChainId"`
	Claimed       bool       `json:"claimed"`
	Refunded      bool       `json:"refunded"`
	CreatedAt     time.Time  `json:"createdAt"`
	SettledAt     *time.Time `json:"settledAt,omitempty"`
}

// Settled reports whether the record is in a terminal state.
func (r *Record) Settled() bool {
	return r.Claimed || r.Refunded
}

// Store persists escrow records.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	ListByParticipant(ctx context.Context, addr string, limit int) ([]*Record, error)
}

// LedgerService abstracts fund movements so escrow doesn't import ledger.
type LedgerService interface {
	EscrowLock(ctx context.Context, account, amount, reference string) error
	SettleEscrow(ctx context.Context, from, to, feeCollector, gross string, feeBps int64, reference string) error
	RefundEscrow(ctx context.Context, account, amount, reference string) error
}

// ResolverChecker reports whether an address is an authorized bonded resolver.
type ResolverChecker interface {
	IsAuthorized(ctx context.Context, addr string) bool
}

// Config holds the service's fee and verification parameters.
type Config struct {
	MinTimelock   time.Duration
	MaxTimelock   time.Duration
	FeeBps        int64
	FeeCollector  string
	OriginChainID int64
}

// Service implements the escrow state machine.
type Service struct {
	store     Store
	ledger    LedgerService
	nonces    nonce.Store
	resolvers ResolverChecker
	bus       *events.Bus
	verifier  *intent.Verifier
	cfg       Config
	locks     syncutil.ShardedMutex // serializes state transitions per escrow ID
	now       func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, ledger LedgerService, nonces nonce.Store, cfg Config) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		nonces: nonces,
		cfg:    cfg,
		verifier: &intent.Verifier{
			MinTimelock: cfg.MinTimelock,
			MaxTimelock: cfg.MaxTimelock,
		},
		now: time.Now,
	}
}

// WithResolvers wires the resolver registry used to authorize third-party refunds.
func (s *Service) WithResolvers(r ResolverChecker) *Service {
	s.resolvers = r
	return s
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

func (s *Service) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

// Create verifies the signed intent and locks the sender's funds.
//
// Validation failures reject before any state mutation. The nonce is
// consumed after the fund lock so that a create which loses the replay
// race leaves no residue: the lock is compensated and the first submission
// stands.
func (s *Service) Create(ctx context.Context, in *intent.Intent, signature string) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.Sender(in.Sender), traces.Recipient(in.Recipient), traces.Amount(in.Amount))
	defer span.End()

	now := s.now()

	signer, err := s.verifier.Verify(in, signature, now)
	if err != nil {
		metrics.EscrowRejectionsTotal.WithLabelValues(rejectionReason(err)).Inc()
		return nil, err
	}

	id := intent.DeriveEscrowID(in.Digest(), now)

	if err := s.ledger.EscrowLock(ctx, signer, in.Amount, id); err != nil {
		metrics.EscrowRejectionsTotal.WithLabelValues("lock_failed").Inc()
		return nil, fmt.Errorf("failed to lock escrow funds: %w", err)
	}

	if err := s.nonces.Consume(ctx, nonce.NamespaceIntent, signer, in.Nonce); err != nil {
		// Lost the replay race: give the lock back.
		_ = s.ledger.RefundEscrow(ctx, signer, in.Amount, id)
		metrics.EscrowRejectionsTotal.WithLabelValues("replayed_nonce").Inc()
		return nil, err
	}

	rec := &Record{
		ID:            id,
		Asset:         strings.ToLower(in.Asset),
		Sender:        signer,
		Recipient:     strings.ToLower(in.Recipient),
		Amount:        in.Amount,
		SecretHash:    strings.ToLower(strings.TrimPrefix(in.SecretHash, "0x")),
		Timelock:      in.Timelock,
		DatasetRef:    in.DatasetRef,
		OriginChainID: s.cfg.OriginChainID,
		CreatedAt:     now,
	}

	if err := s.store.Create(ctx, rec); err != nil {
		// Best-effort compensation; the nonce stays consumed (the signed
		// intent reached the ledger, replaying it must still fail).
		_ = s.ledger.RefundEscrow(ctx, signer, in.Amount, id)
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("created").Inc()
	s.publish(events.Event{
		Type:       events.TypeCreated,
		EscrowID:   rec.ID,
		Sender:     rec.Sender,
		Recipient:  rec.Recipient,
		Asset:      rec.Asset,
		Amount:     rec.Amount,
		SecretHash: rec.SecretHash,
		Timelock:   rec.Timelock,
		DatasetRef: rec.DatasetRef,
	})

	logging.L(ctx).Info("escrow created",
		"escrowId", rec.ID, "sender", rec.Sender, "recipient", rec.Recipient,
		"amount", rec.Amount, "timelock", rec.Timelock)

	return rec, nil
}

// Claim settles the escrow to the recipient given the correct preimage.
// The caller's identity is irrelevant: knowledge of the secret authorizes.
func (s *Service) Claim(ctx context.Context, id, secret string) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Claim", traces.EscrowID(id))
	defer span.End()
	ctx = logging.WithEscrowID(ctx, id)

	defer s.locks.Lock(id)()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.Settled() {
		return nil, ErrAlreadySettled
	}

	if !secretMatches(secret, rec.SecretHash) {
		metrics.EscrowRejectionsTotal.WithLabelValues("invalid_secret").Inc()
		return nil, ErrInvalidSecret
	}

	if err := s.ledger.SettleEscrow(ctx, rec.Sender, rec.Recipient, s.cfg.FeeCollector,
		rec.Amount, s.cfg.FeeBps, rec.ID); err != nil {
		return nil, fmt.Errorf("failed to release escrow funds: %w", err)
	}

	now := s.now()
	rec.Claimed = true
	rec.SettledAt = &now

	if err := s.store.Update(ctx, rec); err != nil {
		// Retry once: funds already moved, the state change must persist.
		if retryErr := s.store.Update(ctx, rec); retryErr != nil {
			logging.L(ctx).Error("CRITICAL: escrow funds released but status update failed",
				"recipient", rec.Recipient, "error", retryErr)
			return nil, fmt.Errorf("failed to update escrow after fund release (requires manual resolution): %w", err)
		}
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("claimed").Inc()
	metrics.EscrowLockDuration.Observe(now.Sub(rec.CreatedAt).Seconds())
	s.publish(events.Event{
		Type:     events.TypeClaimed,
		EscrowID: rec.ID,
		Caller:   rec.Recipient,
		Secret:   strings.TrimPrefix(secret, "0x"),
		Amount:   rec.Amount,
	})

	logging.L(ctx).Info("escrow claimed", "recipient", rec.Recipient)
	return rec, nil
}

// ReleaseDisputed settles an escrow in the recipient's favor without the
// preimage. Only the dispute arbiter reaches this: the aged sweep and the
// arbiter-signed resolve endpoint. The timelock does not apply.
func (s *Service) ReleaseDisputed(ctx context.Context, id string) (*Record, error) {
	defer s.locks.Lock(id)()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Settled() {
		return nil, ErrAlreadySettled
	}

	if err := s.ledger.SettleEscrow(ctx, rec.Sender, rec.Recipient, s.cfg.FeeCollector,
		rec.Amount, s.cfg.FeeBps, rec.ID); err != nil {
		return nil, fmt.Errorf("failed to release escrow funds: %w", err)
	}

	now := s.now()
	rec.Claimed = true
	rec.SettledAt = &now

	if err := s.store.Update(ctx, rec); err != nil {
		if retryErr := s.store.Update(ctx, rec); retryErr != nil {
			logging.L(ctx).Error("CRITICAL: escrow funds released but status update failed",
				"escrowId", rec.ID, "recipient", rec.Recipient, "error", retryErr)
			return nil, fmt.Errorf("failed to update escrow after fund release (requires manual resolution): %w", err)
		}
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("released").Inc()
	s.publish(events.Event{
		Type:     events.TypeClaimed,
		EscrowID: rec.ID,
		Caller:   rec.Recipient,
		Amount:   rec.Amount,
	})

	logging.L(ctx).Info("disputed escrow released to recipient", "escrowId", rec.ID)
	return rec, nil
}

// Refund returns the locked funds to the sender after timelock expiry.
// Only the sender or an authorized bonded resolver may refund.
func (s *Service) Refund(ctx context.Context, id, caller string) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(id))
	defer span.End()
	ctx = logging.WithEscrowID(ctx, id)

	defer s.locks.Lock(id)()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.Settled() {
		return nil, ErrAlreadySettled
	}

	now := s.now()
	if !now.After(rec.Timelock) {
		metrics.EscrowRejectionsTotal.WithLabelValues("timelock_not_expired").Inc()
		return nil, ErrTimelockNotExpired
	}

	caller = strings.ToLower(caller)
	isResolver := false
	if caller != rec.Sender {
		if s.resolvers == nil || !s.resolvers.IsAuthorized(ctx, caller) {
			metrics.EscrowRejectionsTotal.WithLabelValues("unauthorized").Inc()
			return nil, ErrUnauthorized
		}
		isResolver = true
	}

	if err := s.ledger.RefundEscrow(ctx, rec.Sender, rec.Amount, rec.ID); err != nil {
		return nil, fmt.Errorf("failed to refund escrow: %w", err)
	}

	rec.Refunded = true
	rec.SettledAt = &now
	if isResolver {
		rec.Resolver = caller
	}

	if err := s.store.Update(ctx, rec); err != nil {
		if retryErr := s.store.Update(ctx, rec); retryErr != nil {
			logging.L(ctx).Error("CRITICAL: escrow funds refunded but status update failed",
				"sender", rec.Sender, "error", retryErr)
			return nil, fmt.Errorf("failed to update escrow after refund (requires manual resolution): %w", err)
		}
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("refunded").Inc()
	metrics.EscrowLockDuration.Observe(now.Sub(rec.CreatedAt).Seconds())
	s.publish(events.Event{
		Type:     events.TypeRefunded,
		EscrowID: rec.ID,
		Caller:   caller,
		Amount:   rec.Amount,
	})

	logging.L(ctx).Info("escrow refunded", "caller", caller, "resolver", isResolver)
	return rec, nil
}

// RefundDisputed returns a disputed escrow's funds to the sender without
// waiting out the timelock. Dispute resolution only, like ReleaseDisputed.
func (s *Service) RefundDisputed(ctx context.Context, id string) (*Record, error) {
	defer s.locks.Lock(id)()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Settled() {
		return nil, ErrAlreadySettled
	}

	if err := s.ledger.RefundEscrow(ctx, rec.Sender, rec.Amount, rec.ID); err != nil {
		return nil, fmt.Errorf("failed to refund escrow: %w", err)
	}

	now := s.now()
	rec.Refunded = true
	rec.SettledAt = &now

	if err := s.store.Update(ctx, rec); err != nil {
		if retryErr := s.store.Update(ctx, rec); retryErr != nil {
			logging.L(ctx).Error("CRITICAL: escrow funds refunded but status update failed",
				"escrowId", rec.ID, "sender", rec.Sender, "error", retryErr)
			return nil, fmt.Errorf("failed to update escrow after refund (requires manual resolution): %w", err)
		}
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("refunded").Inc()
	s.publish(events.Event{
		Type:     events.TypeRefunded,
		EscrowID: rec.ID,
		Caller:   rec.Sender,
		Amount:   rec.Amount,
	})

	logging.L(ctx).Info("disputed escrow refunded to sender", "escrowId", rec.ID)
	return rec, nil
}

// Get returns a single escrow record.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.Get(ctx, id)
}

// ListByParticipant returns recent escrows involving the address.
func (s *Service) ListByParticipant(ctx context.Context, addr string, limit int) ([]*Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByParticipant(ctx, strings.ToLower(addr), limit)
}

// secretMatches compares sha256(secret) against the stored commitment.
// The comparison is all-or-nothing: constant-time over the full digest.
func secretMatches(secret, secretHash string) bool {
	secretBytes, err := hex.DecodeString(strings.TrimPrefix(secret, "0x"))
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(secretHash, "0x"))
	if err != nil || len(want) != sha256.Size {
		return false
	}
	got := sha256.Sum256(secretBytes)
	return subtle.ConstantTimeCompare(got[:], want) == 1
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, intent.ErrExpiredIntent):
		return "expired_intent"
	case errors.Is(err, intent.ErrInvalidTimelock):
		return "invalid_timelock"
	case errors.Is(err, intent.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, intent.ErrInvalidSignature):
		return "invalid_signature"
	default:
		return "other"
	}
}
