// Package intent decodes and verifies signed transfer intents.
//
// An intent is the off-chain authorization for creating an escrow: the
// sender signs the canonical message form, anyone (broker or resolver) may
// submit it. Verification recovers the signer and bounds-checks the deadline
// and timelock before any state is touched.
package intent

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/crossclaim/crossclaim/internal/amount"
)

var (
	ErrExpiredIntent    = errors.New("intent deadline has passed")
	ErrInvalidTimelock  = errors.New("timelock outside allowed window")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Intent is a signed authorization to lock funds in an escrow.
type Intent struct {
	Sender             string    `json:"sender" binding:"required"`
	Recipient          string    `json:"recipient" binding:"required"`
	Asset              string    `json:"asset" binding:"required"`
	Amount             string    `json:"amount" binding:"required"`
	SecretHash         string    `json:"secretHash" binding:"required"` // hex sha256 digest, 32 bytes
	Timelock           time.Time `json:"timelock" binding:"required"`   // funds refundable after this
	DatasetRef         string    `json:"datasetRef,omitempty"`          // resource the payment is for
	DestinationChainID int64     `json:"destinationChainId"`
	Nonce              uint64    `json:"nonce"`
	Deadline           time.Time `json:"deadline" binding:"required"` // intent no longer submittable after this
}

// Message returns the canonical signing message for the intent.
// Format: "Crossclaim|{sender}|{recipient}|{asset}|{amount}|{secretHash}|{timelock}|{datasetRef}|{destChainId}|{nonce}|{deadline}"
// Addresses are lowercased; times are unix seconds.
func (i *Intent) Message() string {
	return fmt.Sprintf("Crossclaim|%s|%s|%s|%s|%s|%d|%s|%d|%d|%d",
		strings.ToLower(i.Sender),
		strings.ToLower(i.Recipient),
		strings.ToLower(i.Asset),
		i.Amount,
		strings.ToLower(strings.TrimPrefix(i.SecretHash, "0x")),
		i.Timelock.Unix(),
		i.DatasetRef,
		i.DestinationChainID,
		i.Nonce,
		i.Deadline.Unix(),
	)
}

// Digest returns the EIP-191 hash of the canonical message. This is both
// the signed payload and the content component of the escrow ID.
func (i *Intent) Digest() []byte {
	return HashMessage(i.Message())
}

// Verifier checks intents against configured bounds.
type Verifier struct {
	MinTimelock time.Duration
	MaxTimelock time.Duration
}

// Verify validates the intent bounds and signature, returning the recovered
// signer address (lowercased). No state is read or written; replay
// protection is the nonce ledger's job and runs inside the create transition.
func (v *Verifier) Verify(i *Intent, signatureHex string, now time.Time) (string, error) {
	if now.After(i.Deadline) {
		return "", ErrExpiredIntent
	}

	lock := i.Timelock.Sub(now)
	if lock < v.MinTimelock || lock > v.MaxTimelock {
		return "", fmt.Errorf("%w: %s not in [%s, %s]", ErrInvalidTimelock, lock, v.MinTimelock, v.MaxTimelock)
	}

	amt, ok := amount.Parse(i.Amount)
	if !ok || amt.Sign() <= 0 {
		return "", ErrInvalidAmount
	}

	signer, err := RecoverAddress(i.Message(), signatureHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !strings.EqualFold(signer, i.Sender) {
		return "", fmt.Errorf("%w: recovered %s, want %s", ErrInvalidSignature, signer, strings.ToLower(i.Sender))
	}

	return signer, nil
}

// escrowSeq disambiguates escrows created within the same nanosecond.
var escrowSeq atomic.Uint64

// DeriveEscrowID computes the content-derived escrow identifier: keccak256
// of the signed-intent digest plus creation context (timestamp, sequence).
// Uniqueness needs no counter service; identical intents resubmitted are
// already rejected by the nonce ledger before an ID is derived.
func DeriveEscrowID(digest []byte, createdAt time.Time) string {
	seq := escrowSeq.Add(1)
	ctxBytes := fmt.Sprintf("%d|%d", createdAt.UnixNano(), seq)
	sum := crypto.Keccak256(digest, []byte(ctxBytes))
	return "esc_" + fmt.Sprintf("%x", sum)
}
