// Package dispute records dispute cases against escrows and arbitrates
// them: externally through the resolve endpoint, or automatically once a
// case has aged past the configured threshold.
//
// Both external entry points are signed. Opening a case requires the
// disputant's signature and the disputant must be the escrow's sender or
// recipient; resolving one requires the configured arbiter's signature.
// Without these the resolve path would bypass the preimage and timelock
// checks entirely.
//
// The automatic policy is a keyword heuristic and deliberately isolated
// behind the Policy interface so a real arbitration mechanism can replace
// it without touching the case lifecycle.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/crossclaim/crossclaim/internal/events"
	"github.com/crossclaim/crossclaim/internal/idgen"
	"github.com/crossclaim/crossclaim/internal/intent"
	"github.com/crossclaim/crossclaim/internal/logging"
	"github.com/crossclaim/crossclaim/internal/metrics"
	"github.com/crossclaim/crossclaim/internal/nonce"
	"github.com/crossclaim/crossclaim/internal/traces"
)

var (
	ErrCaseNotFound        = errors.New("dispute case not found")
	ErrCaseAlreadyOpen     = errors.New("escrow already has an open dispute")
	ErrCaseResolved        = errors.New("dispute case already resolved")
	ErrEscrowNotDisputable = errors.New("escrow is not in a disputable state")
	ErrInvalidOutcome      = errors.New("invalid dispute outcome")
	ErrExpiredRequest      = errors.New("request deadline has passed")
	ErrInvalidDisputeSig   = errors.New("signature does not match disputant address")
	ErrNotParticipant      = errors.New("disputant is not a party to this escrow")
	ErrNotArbiter          = errors.New("signer is not the configured arbiter")
)

// Outcome of a dispute resolution.
type Outcome string

const (
	OutcomeRelease    Outcome = "release"    // funds to recipient
	OutcomeRefund     Outcome = "refund"     // funds back to sender
	OutcomeSuperseded Outcome = "superseded" // escrow settled independently
)

// Case is one dispute against an escrow.
type Case struct {
	ID          string     `json:"id"`
	EscrowID    string     `json:"escrowId"`
	Disputant   string     `json:"disputant"`
	Reason      string     `json:"reason"`
	EvidenceRef string     `json:"evidenceRef,omitempty"`
	OpenedAt    time.Time  `json:"openedAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	Outcome     Outcome    `json:"outcome,omitempty"`
}

// Open reports whether the case is still awaiting resolution.
func (c *Case) Open() bool {
	return c.ResolvedAt == nil
}

// Store persists dispute cases.
type Store interface {
	Create(ctx context.Context, cs *Case) error
	Get(ctx context.Context, id string) (*Case, error)
	GetOpenByEscrow(ctx context.Context, escrowID string) (*Case, error)
	Update(ctx context.Context, cs *Case) error
	ListOpen(ctx context.Context, olderThan time.Time, limit int) ([]*Case, error)
}

// Settler applies a resolution outcome to the authoritative escrow.
type Settler interface {
	Release(ctx context.Context, escrowID string) error
	Refund(ctx context.Context, escrowID string) error
}

// EscrowChecker exposes the escrow state a dispute decision needs.
type EscrowChecker interface {
	IsActive(ctx context.Context, escrowID string) (bool, error)
	Parties(ctx context.Context, escrowID string) (sender, recipient string, err error)
}

// Policy decides the automatic outcome for an aged case.
type Policy interface {
	Decide(reason string) Outcome
}

// KeywordPolicy refunds the sender when the reason contains a
// fraud-indicating keyword, otherwise releases to the recipient. A
// placeholder safety valve, not adjudication.
type KeywordPolicy struct {
	Keywords []string
}

// DefaultKeywords flagging likely fraud.
var DefaultKeywords = []string{"fraud", "scam", "stolen", "phishing", "fake", "counterfeit"}

// NewKeywordPolicy creates the default keyword policy.
func NewKeywordPolicy() *KeywordPolicy {
	return &KeywordPolicy{Keywords: DefaultKeywords}
}

func (p *KeywordPolicy) Decide(reason string) Outcome {
	lower := strings.ToLower(reason)
	for _, kw := range p.Keywords {
		if strings.Contains(lower, kw) {
			return OutcomeRefund
		}
	}
	return OutcomeRelease
}

// Service manages the dispute case lifecycle.
type Service struct {
	store   Store
	settler Settler
	escrows EscrowChecker
	nonces  nonce.Store
	policy  Policy
	bus     *events.Bus
	arbiter string
	maxAge  time.Duration
	now     func() time.Time
}

// NewService creates a dispute service. maxAge is how long a case may stay
// open before the automatic policy fires.
func NewService(store Store, settler Settler, escrows EscrowChecker, nonces nonce.Store, maxAge time.Duration) *Service {
	return &Service{
		store:   store,
		settler: settler,
		escrows: escrows,
		nonces:  nonces,
		policy:  NewKeywordPolicy(),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// WithArbiter sets the address whose signature authorizes external
// resolutions. Left empty, the resolve endpoint is disabled and only the
// aged sweep closes cases.
func (s *Service) WithArbiter(addr string) *Service {
	s.arbiter = strings.ToLower(addr)
	return s
}

// WithPolicy overrides the auto-resolution policy.
func (s *Service) WithPolicy(p Policy) *Service {
	s.policy = p
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

// OpenMessage is the canonical text a disputant signs to open a case.
func OpenMessage(escrowID, disputant string, nonceVal uint64, deadline time.Time) string {
	return strings.Join([]string{
		"CrossclaimDispute",
		"open",
		escrowID,
		strings.ToLower(disputant),
		strconv.FormatUint(nonceVal, 10),
		strconv.FormatInt(deadline.Unix(), 10),
	}, "|")
}

// ResolveMessage is the canonical text the arbiter signs to close a case.
func ResolveMessage(caseID string, outcome Outcome, nonceVal uint64, deadline time.Time) string {
	return strings.Join([]string{
		"CrossclaimDispute",
		"resolve",
		caseID,
		string(outcome),
		strconv.FormatUint(nonceVal, 10),
		strconv.FormatInt(deadline.Unix(), 10),
	}, "|")
}

// Open records a new dispute case against an active escrow. The request
// must be signed by the disputant, who must be the escrow's sender or
// recipient.
func (s *Service) Open(ctx context.Context, escrowID, disputant, reason, evidenceRef, signature string, nonceVal uint64, deadline time.Time) (*Case, error) {
	disputant = strings.ToLower(disputant)
	if s.now().After(deadline) {
		return nil, ErrExpiredRequest
	}

	msg := OpenMessage(escrowID, disputant, nonceVal, deadline)
	signer, err := intent.RecoverAddress(msg, signature)
	if err != nil || signer != disputant {
		return nil, ErrInvalidDisputeSig
	}

	active, err := s.escrows.IsActive(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ErrEscrowNotDisputable
	}

	sender, recipient, err := s.escrows.Parties(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if disputant != strings.ToLower(sender) && disputant != strings.ToLower(recipient) {
		return nil, ErrNotParticipant
	}

	if existing, err := s.store.GetOpenByEscrow(ctx, escrowID); err == nil && existing != nil {
		return nil, ErrCaseAlreadyOpen
	}

	if err := s.nonces.Consume(ctx, nonce.NamespaceDispute, disputant, nonceVal); err != nil {
		return nil, err
	}

	cs := &Case{
		ID:          idgen.WithPrefix("dsp_"),
		EscrowID:    escrowID,
		Disputant:   disputant,
		Reason:      reason,
		EvidenceRef: evidenceRef,
		OpenedAt:    s.now(),
	}
	if err := s.store.Create(ctx, cs); err != nil {
		return nil, fmt.Errorf("failed to create dispute case: %w", err)
	}

	metrics.OpenDisputes.Inc()
	s.publish(events.Event{
		Type:      events.TypeDisputed,
		EscrowID:  escrowID,
		DisputeID: cs.ID,
		Disputant: cs.Disputant,
		Reason:    reason,
	})
	logging.L(ctx).Info("dispute opened",
		"disputeId", cs.ID, "escrowId", escrowID, "disputant", cs.Disputant)
	return cs, nil
}

// Resolve applies an external arbitration outcome to an open case. The
// request must be signed by the configured arbiter; this is the only
// caller that may move escrowed funds without the preimage or an expired
// timelock.
func (s *Service) Resolve(ctx context.Context, caseID string, outcome Outcome, signature string, nonceVal uint64, deadline time.Time) (*Case, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(caseID))
	defer span.End()

	if s.now().After(deadline) {
		return nil, ErrExpiredRequest
	}
	if outcome != OutcomeRelease && outcome != OutcomeRefund {
		return nil, ErrInvalidOutcome
	}

	msg := ResolveMessage(caseID, outcome, nonceVal, deadline)
	signer, err := intent.RecoverAddress(msg, signature)
	if err != nil {
		return nil, ErrInvalidDisputeSig
	}
	if s.arbiter == "" || signer != s.arbiter {
		return nil, ErrNotArbiter
	}

	cs, err := s.store.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !cs.Open() {
		return nil, ErrCaseResolved
	}

	if err := s.nonces.Consume(ctx, nonce.NamespaceDispute, signer, nonceVal); err != nil {
		return nil, err
	}
	return s.apply(ctx, cs, outcome, "external")
}

// HasOpenDispute reports whether an escrow has an unresolved case. Used by
// the settlement broker to exclude disputed transactions.
func (s *Service) HasOpenDispute(ctx context.Context, escrowID string) bool {
	cs, err := s.store.GetOpenByEscrow(ctx, escrowID)
	return err == nil && cs != nil
}

// Get returns one dispute case.
func (s *Service) Get(ctx context.Context, id string) (*Case, error) {
	return s.store.Get(ctx, id)
}

// CheckAged auto-resolves every open case older than the aging threshold.
// Returns the number of cases resolved.
func (s *Service) CheckAged(ctx context.Context) int {
	cutoff := s.now().Add(-s.maxAge)
	aged, err := s.store.ListOpen(ctx, cutoff, 100)
	if err != nil {
		logging.L(ctx).Warn("failed to list aged disputes", "error", err)
		return 0
	}

	resolved := 0
	for _, cs := range aged {
		// The escrow may have settled independently; the case is then
		// closed without moving funds.
		active, err := s.escrows.IsActive(ctx, cs.EscrowID)
		if err == nil && !active {
			if _, err := s.apply(ctx, cs, OutcomeSuperseded, "auto"); err == nil {
				resolved++
			}
			continue
		}

		outcome := s.policy.Decide(cs.Reason)
		if _, err := s.apply(ctx, cs, outcome, "auto"); err != nil {
			logging.L(ctx).Error("auto-resolution failed",
				"disputeId", cs.ID, "escrowId", cs.EscrowID, "outcome", outcome, "error", err)
			continue
		}
		resolved++
	}
	return resolved
}

// apply moves funds per the outcome and closes the case.
func (s *Service) apply(ctx context.Context, cs *Case, outcome Outcome, via string) (*Case, error) {
	switch outcome {
	case OutcomeRelease:
		if err := s.settler.Release(ctx, cs.EscrowID); err != nil {
			return nil, fmt.Errorf("failed to release disputed escrow: %w", err)
		}
	case OutcomeRefund:
		if err := s.settler.Refund(ctx, cs.EscrowID); err != nil {
			return nil, fmt.Errorf("failed to refund disputed escrow: %w", err)
		}
	case OutcomeSuperseded:
		// No fund movement.
	default:
		return nil, ErrInvalidOutcome
	}

	now := s.now()
	cs.ResolvedAt = &now
	cs.Outcome = outcome
	if err := s.store.Update(ctx, cs); err != nil {
		logging.L(ctx).Error("CRITICAL: dispute settled but case update failed",
			"disputeId", cs.ID, "escrowId", cs.EscrowID, "error", err)
		return nil, fmt.Errorf("failed to update dispute case after settlement (requires manual resolution): %w", err)
	}

	metrics.OpenDisputes.Dec()
	metrics.DisputeResolutionsTotal.WithLabelValues(string(outcome)).Inc()
	s.publish(events.Event{
		Type:      events.TypeDisputeResolved,
		EscrowID:  cs.EscrowID,
		DisputeID: cs.ID,
		Outcome:   string(outcome),
	})
	logging.L(ctx).Info("dispute resolved",
		"disputeId", cs.ID, "escrowId", cs.EscrowID, "outcome", outcome, "via", via)
	return cs, nil
}

func (s *Service) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}
