package dispute

import (
	"context"

	"github.com/crossclaim/crossclaim/internal/escrow"
)

// EscrowSettler applies dispute outcomes through the escrow service.
type EscrowSettler struct {
	escrows *escrow.Service
}

// NewEscrowSettler creates the default settler.
func NewEscrowSettler(escrows *escrow.Service) *EscrowSettler {
	return &EscrowSettler{escrows: escrows}
}

var _ Settler = (*EscrowSettler)(nil)

func (s *EscrowSettler) Release(ctx context.Context, escrowID string) error {
	_, err := s.escrows.ReleaseDisputed(ctx, escrowID)
	return err
}

func (s *EscrowSettler) Refund(ctx context.Context, escrowID string) error {
	_, err := s.escrows.RefundDisputed(ctx, escrowID)
	return err
}

// EscrowActivity adapts the escrow service to the EscrowChecker interface.
type EscrowActivity struct {
	escrows *escrow.Service
}

// NewEscrowActivity creates the default activity checker.
func NewEscrowActivity(escrows *escrow.Service) *EscrowActivity {
	return &EscrowActivity{escrows: escrows}
}

var _ EscrowChecker = (*EscrowActivity)(nil)

func (a *EscrowActivity) IsActive(ctx context.Context, escrowID string) (bool, error) {
	rec, err := a.escrows.Get(ctx, escrowID)
	if err != nil {
		return false, err
	}
	return !rec.Settled(), nil
}

func (a *EscrowActivity) Parties(ctx context.Context, escrowID string) (string, string, error) {
	rec, err := a.escrows.Get(ctx, escrowID)
	if err != nil {
		return "", "", err
	}
	return rec.Sender, rec.Recipient, nil
}
