package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/crossclaim/crossclaim/internal/escrow"
)

// SecretSource resolves a hash commitment to a disclosed preimage.
type SecretSource interface {
	SecretFor(secretHash string) (string, bool)
}

// ServiceSink settles through the escrow service. If a preimage for the
// transaction's commitment has been disclosed it claims; otherwise, once
// the timelock has expired, it refunds on the sender's behalf as the
// operator (which must be a bonded resolver for that path to succeed).
type ServiceSink struct {
	escrows  *escrow.Service
	secrets  SecretSource
	operator string
}

// NewServiceSink creates the default escrow-backed settlement sink.
func NewServiceSink(escrows *escrow.Service, secrets SecretSource, operator string) *ServiceSink {
	return &ServiceSink{escrows: escrows, secrets: secrets, operator: operator}
}

// WithSecrets wires the disclosed-preimage source. The broker itself is the
// usual source, which is why this is set after construction.
func (s *ServiceSink) WithSecrets(src SecretSource) *ServiceSink {
	s.secrets = src
	return s
}

var _ Sink = (*ServiceSink)(nil)

func (s *ServiceSink) Settle(ctx context.Context, tx *ShadowTx) error {
	if s.secrets != nil {
		if secret, ok := s.secrets.SecretFor(tx.SecretHash); ok {
			_, err := s.escrows.Claim(ctx, tx.EscrowID, secret)
			if errors.Is(err, escrow.ErrAlreadySettled) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("claim settlement failed: %w", err)
			}
			return nil
		}
	}

	_, err := s.escrows.Refund(ctx, tx.EscrowID, s.operator)
	if errors.Is(err, escrow.ErrAlreadySettled) {
		return nil
	}
	if errors.Is(err, escrow.ErrTimelockNotExpired) {
		// Neither claimable nor yet refundable. Transient from the broker's
		// point of view; the bounded retry handles it.
		return fmt.Errorf("%w: %v", ErrNoSettlementPath, err)
	}
	if err != nil {
		return fmt.Errorf("refund settlement failed: %w", err)
	}
	return nil
}
