package dispute

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/crossclaim/crossclaim/internal/intent"
	"github.com/crossclaim/crossclaim/internal/nonce"
)

type mockSettler struct {
	mu       sync.Mutex
	released []string
	refunded []string
	err      error
}

func (m *mockSettler) Release(ctx context.Context, escrowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.released = append(m.released, escrowID)
	return nil
}

func (m *mockSettler) Refund(ctx context.Context, escrowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.refunded = append(m.refunded, escrowID)
	return nil
}

type mockEscrows struct {
	active    map[string]bool
	sender    string
	recipient string
}

func (m *mockEscrows) IsActive(ctx context.Context, escrowID string) (bool, error) {
	active, ok := m.active[escrowID]
	if !ok {
		return false, errors.New("escrow not found")
	}
	return active, nil
}

func (m *mockEscrows) Parties(ctx context.Context, escrowID string) (string, string, error) {
	if _, ok := m.active[escrowID]; !ok {
		return "", "", errors.New("escrow not found")
	}
	return m.sender, m.recipient, nil
}

type signer struct {
	key  *ecdsa.PrivateKey
	addr string
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &signer{
		key:  key,
		addr: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
	}
}

func (s *signer) sign(t *testing.T, msg string) string {
	t.Helper()
	sig, err := intent.Sign(msg, hex.EncodeToString(crypto.FromECDSA(s.key)))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

type disputeEnv struct {
	svc       *Service
	settler   *mockSettler
	escrows   *mockEscrows
	disputant *signer // the escrow sender
	arbiter   *signer
	now       time.Time
}

func newDisputeEnv(t *testing.T) *disputeEnv {
	t.Helper()
	env := &disputeEnv{
		settler:   &mockSettler{},
		disputant: newSigner(t),
		arbiter:   newSigner(t),
		now:       time.Now(),
	}
	env.escrows = &mockEscrows{
		active:    map[string]bool{"esc_1": true},
		sender:    env.disputant.addr,
		recipient: "0x00000000000000000000000000000000000000fe",
	}
	env.svc = NewService(NewMemoryStore(), env.settler, env.escrows, nonce.NewMemoryStore(), 24*time.Hour).
		WithArbiter(env.arbiter.addr).
		WithClock(func() time.Time { return env.now })
	return env
}

// open files a validly signed case as the escrow sender.
func (env *disputeEnv) open(t *testing.T, reason string) *Case {
	t.Helper()
	deadline := env.now.Add(time.Hour)
	sig := env.disputant.sign(t, OpenMessage("esc_1", env.disputant.addr, 1, deadline))
	cs, err := env.svc.Open(context.Background(), "esc_1", env.disputant.addr,
		reason, "", sig, 1, deadline)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return cs
}

func TestOpen_CreatesCase(t *testing.T) {
	env := newDisputeEnv(t)

	cs := env.open(t, "item not delivered")
	if !cs.Open() {
		t.Error("new case should be open")
	}
	if !env.svc.HasOpenDispute(context.Background(), "esc_1") {
		t.Error("HasOpenDispute should report true")
	}
}

func TestOpen_WrongSigner(t *testing.T) {
	env := newDisputeEnv(t)
	other := newSigner(t)
	deadline := env.now.Add(time.Hour)

	// Signature by someone else over the disputant's address.
	sig := other.sign(t, OpenMessage("esc_1", env.disputant.addr, 1, deadline))
	_, err := env.svc.Open(context.Background(), "esc_1", env.disputant.addr,
		"reason", "", sig, 1, deadline)
	if !errors.Is(err, ErrInvalidDisputeSig) {
		t.Fatalf("expected ErrInvalidDisputeSig, got %v", err)
	}
}

func TestOpen_NonParticipantRejected(t *testing.T) {
	env := newDisputeEnv(t)
	outsider := newSigner(t)
	deadline := env.now.Add(time.Hour)

	// Validly self-signed, but the signer has no stake in the escrow.
	sig := outsider.sign(t, OpenMessage("esc_1", outsider.addr, 1, deadline))
	_, err := env.svc.Open(context.Background(), "esc_1", outsider.addr,
		"fabricated grievance", "", sig, 1, deadline)
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if env.svc.HasOpenDispute(context.Background(), "esc_1") {
		t.Error("no case should exist")
	}
}

func TestOpen_ExpiredDeadline(t *testing.T) {
	env := newDisputeEnv(t)
	deadline := env.now.Add(-time.Minute)
	sig := env.disputant.sign(t, OpenMessage("esc_1", env.disputant.addr, 1, deadline))

	_, err := env.svc.Open(context.Background(), "esc_1", env.disputant.addr,
		"reason", "", sig, 1, deadline)
	if !errors.Is(err, ErrExpiredRequest) {
		t.Fatalf("expected ErrExpiredRequest, got %v", err)
	}
}

func TestOpen_ReplayedNonce(t *testing.T) {
	env := newDisputeEnv(t)
	env.open(t, "first")

	// A second escrow, same signer, same nonce.
	env.escrows.active["esc_2"] = true
	deadline := env.now.Add(time.Hour)
	sig := env.disputant.sign(t, OpenMessage("esc_2", env.disputant.addr, 1, deadline))
	_, err := env.svc.Open(context.Background(), "esc_2", env.disputant.addr,
		"second", "", sig, 1, deadline)
	if !errors.Is(err, nonce.ErrReplayedNonce) {
		t.Fatalf("expected ErrReplayedNonce, got %v", err)
	}
}

func TestOpen_SettledEscrowNotDisputable(t *testing.T) {
	env := newDisputeEnv(t)
	env.escrows.active["esc_1"] = false
	deadline := env.now.Add(time.Hour)
	sig := env.disputant.sign(t, OpenMessage("esc_1", env.disputant.addr, 1, deadline))

	_, err := env.svc.Open(context.Background(), "esc_1", env.disputant.addr,
		"too late", "", sig, 1, deadline)
	if !errors.Is(err, ErrEscrowNotDisputable) {
		t.Fatalf("expected ErrEscrowNotDisputable, got %v", err)
	}
}

func TestOpen_DuplicateRejected(t *testing.T) {
	env := newDisputeEnv(t)
	env.open(t, "first")

	deadline := env.now.Add(time.Hour)
	sig := env.disputant.sign(t, OpenMessage("esc_1", env.disputant.addr, 2, deadline))
	_, err := env.svc.Open(context.Background(), "esc_1", env.disputant.addr,
		"second", "", sig, 2, deadline)
	if !errors.Is(err, ErrCaseAlreadyOpen) {
		t.Fatalf("expected ErrCaseAlreadyOpen, got %v", err)
	}
}

func TestResolve_External(t *testing.T) {
	env := newDisputeEnv(t)
	cs := env.open(t, "wrong item")
	deadline := env.now.Add(time.Hour)

	sig := env.arbiter.sign(t, ResolveMessage(cs.ID, OutcomeRefund, 1, deadline))
	resolved, err := env.svc.Resolve(context.Background(), cs.ID, OutcomeRefund, sig, 1, deadline)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Open() {
		t.Error("case should be closed")
	}
	if resolved.Outcome != OutcomeRefund {
		t.Errorf("outcome = %s, want refund", resolved.Outcome)
	}
	if len(env.settler.refunded) != 1 || env.settler.refunded[0] != "esc_1" {
		t.Error("settler should have refunded esc_1")
	}

	// Resolving again conflicts.
	sig2 := env.arbiter.sign(t, ResolveMessage(cs.ID, OutcomeRelease, 2, deadline))
	if _, err := env.svc.Resolve(context.Background(), cs.ID, OutcomeRelease, sig2, 2, deadline); !errors.Is(err, ErrCaseResolved) {
		t.Fatalf("expected ErrCaseResolved, got %v", err)
	}
}

func TestResolve_NonArbiterCannotMoveFunds(t *testing.T) {
	env := newDisputeEnv(t)
	cs := env.open(t, "wrong item")
	deadline := env.now.Add(time.Hour)

	// A correctly formed signature from anyone but the arbiter must not
	// release the escrow; the hash lock would be bypassed otherwise.
	impostor := newSigner(t)
	sig := impostor.sign(t, ResolveMessage(cs.ID, OutcomeRelease, 1, deadline))
	_, err := env.svc.Resolve(context.Background(), cs.ID, OutcomeRelease, sig, 1, deadline)
	if !errors.Is(err, ErrNotArbiter) {
		t.Fatalf("expected ErrNotArbiter, got %v", err)
	}

	// A garbage signature fails recovery outright.
	_, err = env.svc.Resolve(context.Background(), cs.ID, OutcomeRelease, "0xdeadbeef", 2, deadline)
	if !errors.Is(err, ErrInvalidDisputeSig) {
		t.Fatalf("expected ErrInvalidDisputeSig, got %v", err)
	}

	if len(env.settler.released)+len(env.settler.refunded) != 0 {
		t.Error("no funds may move on a rejected resolution")
	}
	if !env.svc.HasOpenDispute(context.Background(), "esc_1") {
		t.Error("case should remain open")
	}
}

func TestResolve_NoArbiterConfigured(t *testing.T) {
	env := newDisputeEnv(t)
	env.svc.WithArbiter("")
	cs := env.open(t, "reason")
	deadline := env.now.Add(time.Hour)

	sig := env.arbiter.sign(t, ResolveMessage(cs.ID, OutcomeRelease, 1, deadline))
	if _, err := env.svc.Resolve(context.Background(), cs.ID, OutcomeRelease, sig, 1, deadline); !errors.Is(err, ErrNotArbiter) {
		t.Fatalf("expected ErrNotArbiter with no arbiter configured, got %v", err)
	}
}

func TestResolve_ReplayedNonce(t *testing.T) {
	env := newDisputeEnv(t)
	cs := env.open(t, "first case")
	deadline := env.now.Add(time.Hour)

	sig := env.arbiter.sign(t, ResolveMessage(cs.ID, OutcomeRelease, 7, deadline))
	if _, err := env.svc.Resolve(context.Background(), cs.ID, OutcomeRelease, sig, 7, deadline); err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	// A second case; reusing the arbiter nonce must fail.
	env.escrows.active["esc_2"] = true
	sig2 := env.disputant.sign(t, OpenMessage("esc_2", env.disputant.addr, 2, deadline))
	cs2, err := env.svc.Open(context.Background(), "esc_2", env.disputant.addr,
		"second case", "", sig2, 2, deadline)
	if err != nil {
		t.Fatalf("open second: %v", err)
	}

	replay := env.arbiter.sign(t, ResolveMessage(cs2.ID, OutcomeRelease, 7, deadline))
	if _, err := env.svc.Resolve(context.Background(), cs2.ID, OutcomeRelease, replay, 7, deadline); !errors.Is(err, nonce.ErrReplayedNonce) {
		t.Fatalf("expected ErrReplayedNonce, got %v", err)
	}
}

func TestResolve_InvalidOutcome(t *testing.T) {
	env := newDisputeEnv(t)
	cs := env.open(t, "reason")
	deadline := env.now.Add(time.Hour)

	sig := env.arbiter.sign(t, ResolveMessage(cs.ID, Outcome("split"), 1, deadline))
	if _, err := env.svc.Resolve(context.Background(), cs.ID, Outcome("split"), sig, 1, deadline); !errors.Is(err, ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome, got %v", err)
	}
}

func TestKeywordPolicy(t *testing.T) {
	p := NewKeywordPolicy()

	cases := []struct {
		reason string
		want   Outcome
	}{
		{"the dataset was never delivered", OutcomeRelease},
		{"this is an obvious SCAM listing", OutcomeRefund},
		{"seller committed fraud on the description", OutcomeRefund},
		{"quality lower than advertised", OutcomeRelease},
		{"counterfeit data, resampled from public sources", OutcomeRefund},
	}
	for _, tc := range cases {
		if got := p.Decide(tc.reason); got != tc.want {
			t.Errorf("Decide(%q) = %s, want %s", tc.reason, got, tc.want)
		}
	}
}

func TestCheckAged_NoFraudKeywordReleasesToRecipient(t *testing.T) {
	env := newDisputeEnv(t)
	env.open(t, "data quality below expectations")

	// Not aged yet: the sweep must leave it alone.
	env.now = env.now.Add(12 * time.Hour)
	if n := env.svc.CheckAged(context.Background()); n != 0 {
		t.Fatalf("resolved %d cases before aging threshold", n)
	}

	env.now = env.now.Add(13 * time.Hour)
	if n := env.svc.CheckAged(context.Background()); n != 1 {
		t.Fatalf("resolved %d cases, want 1", n)
	}
	if len(env.settler.released) != 1 {
		t.Error("aged case without fraud keyword should release to recipient")
	}
	if env.svc.HasOpenDispute(context.Background(), "esc_1") {
		t.Error("case should be closed after auto-resolution")
	}
}

func TestCheckAged_FraudKeywordRefundsSender(t *testing.T) {
	env := newDisputeEnv(t)
	env.open(t, "listing was a scam")

	env.now = env.now.Add(25 * time.Hour)
	if n := env.svc.CheckAged(context.Background()); n != 1 {
		t.Fatalf("resolved %d cases, want 1", n)
	}
	if len(env.settler.refunded) != 1 {
		t.Error("aged case with fraud keyword should refund sender")
	}
}

func TestCheckAged_SupersededByIndependentSettlement(t *testing.T) {
	env := newDisputeEnv(t)
	cs := env.open(t, "reason")

	// Escrow settles on its own before the threshold.
	env.escrows.active["esc_1"] = false
	env.now = env.now.Add(25 * time.Hour)

	if n := env.svc.CheckAged(context.Background()); n != 1 {
		t.Fatalf("resolved %d cases, want 1", n)
	}
	if len(env.settler.released)+len(env.settler.refunded) != 0 {
		t.Error("superseded resolution must not move funds")
	}

	got, _ := env.svc.Get(context.Background(), cs.ID)
	if got.Outcome != OutcomeSuperseded {
		t.Errorf("outcome = %s, want superseded", got.Outcome)
	}
}

func TestCheckAged_SettlerFailureKeepsCaseOpen(t *testing.T) {
	env := newDisputeEnv(t)
	env.open(t, "reason")
	env.settler.err = errors.New("escrow unavailable")

	env.now = env.now.Add(25 * time.Hour)
	if n := env.svc.CheckAged(context.Background()); n != 0 {
		t.Fatalf("resolved %d cases despite settler failure", n)
	}
	if !env.svc.HasOpenDispute(context.Background(), "esc_1") {
		t.Error("case should remain open for the next sweep")
	}
}
