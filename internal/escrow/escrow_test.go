package escrow

import (
	"context"
	"crypto/sha256"
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

// mockLedger records calls for verification.
type mockLedger struct {
	mu        sync.Mutex
	locked    map[string]string // reference -> amount
	settled   map[string]string
	refunded  map[string]string
	lockErr   error
	settleErr error
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		locked:   make(map[string]string),
		settled:  make(map[string]string),
		refunded: make(map[string]string),
	}
}

func (m *mockLedger) EscrowLock(ctx context.Context, account, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockErr != nil {
		return m.lockErr
	}
	m.locked[reference] = amount
	return nil
}

func (m *mockLedger) SettleEscrow(ctx context.Context, from, to, feeCollector, gross string, feeBps int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settleErr != nil {
		return m.settleErr
	}
	m.settled[reference] = gross
	return nil
}

func (m *mockLedger) RefundEscrow(ctx context.Context, account, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunded[reference] = amount
	return nil
}

// staticResolvers authorizes a fixed set of addresses.
type staticResolvers map[string]bool

func (s staticResolvers) IsAuthorized(ctx context.Context, addr string) bool {
	return s[strings.ToLower(addr)]
}

type testEnv struct {
	svc    *Service
	ledger *mockLedger
	nonces nonce.Store
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		ledger: newMockLedger(),
		nonces: nonce.NewMemoryStore(),
		now:    time.Now(),
	}
	env.svc = NewService(NewMemoryStore(), env.ledger, env.nonces, Config{
		MinTimelock:   time.Hour,
		MaxTimelock:   30 * 24 * time.Hour,
		FeeBps:        50,
		FeeCollector:  "0xfee0000000000000000000000000000000000000",
		OriginChainID: 84532,
	}).WithClock(func() time.Time { return env.now })
	return env
}

// signedIntent builds a valid intent signed by a fresh key and returns the
// intent, signature, and the secret whose hash it commits to.
func signedIntent(t *testing.T, env *testEnv, nonceVal uint64) (*intent.Intent, string, string) {
	t.Helper()

	secret := "736563726574" // "secret" hex-encoded
	secretBytes, _ := hex.DecodeString(secret)
	digest := sha256.Sum256(secretBytes)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sender := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	in := &intent.Intent{
		Sender:             sender,
		Recipient:          "0x2222222222222222222222222222222222222222",
		Asset:              "0x3333333333333333333333333333333333333333",
		Amount:             "100.00",
		SecretHash:         hex.EncodeToString(digest[:]),
		Timelock:           env.now.Add(2 * time.Hour),
		DatasetRef:         "ds-1",
		DestinationChainID: 1,
		Nonce:              nonceVal,
		Deadline:           env.now.Add(10 * time.Minute),
	}

	sig, err := crypto.Sign(in.Digest(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27
	return in, "0x" + hex.EncodeToString(sig), secret
}

func TestCreate_LocksFundsAndCreatesRecord(t *testing.T) {
	env := newTestEnv(t)
	in, sig, _ := signedIntent(t, env, 1)

	rec, err := env.svc.Create(context.Background(), in, sig)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if !strings.HasPrefix(rec.ID, "esc_") {
		t.Errorf("unexpected escrow ID %q", rec.ID)
	}
	if rec.Claimed || rec.Refunded {
		t.Error("new record must be Active")
	}
	if got := env.ledger.locked[rec.ID]; got != "100.00" {
		t.Errorf("locked amount = %q, want 100.00", got)
	}
	if rec.OriginChainID != 84532 {
		t.Errorf("origin chain = %d, want 84532", rec.OriginChainID)
	}
}

func TestCreate_ReplayedNonceFails(t *testing.T) {
	env := newTestEnv(t)
	in, sig, _ := signedIntent(t, env, 7)

	if _, err := env.svc.Create(context.Background(), in, sig); err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	_, err := env.svc.Create(context.Background(), in, sig)
	if !errors.Is(err, nonce.ErrReplayedNonce) {
		t.Fatalf("expected ErrReplayedNonce, got %v", err)
	}

	// The replayed attempt's lock must have been compensated.
	env.ledger.mu.Lock()
	refunds := len(env.ledger.refunded)
	env.ledger.mu.Unlock()
	if refunds != 1 {
		t.Errorf("expected 1 compensating refund, got %d", refunds)
	}
}

func TestCreate_ExpiredIntent(t *testing.T) {
	env := newTestEnv(t)
	in, sig, _ := signedIntent(t, env, 1)

	env.now = env.now.Add(11 * time.Minute) // past deadline

	_, err := env.svc.Create(context.Background(), in, sig)
	if !errors.Is(err, intent.ErrExpiredIntent) {
		t.Fatalf("expected ErrExpiredIntent, got %v", err)
	}
	if len(env.ledger.locked) != 0 {
		t.Error("no funds should be locked on validation failure")
	}
}

func TestCreate_TamperedIntentFailsSignature(t *testing.T) {
	env := newTestEnv(t)
	in, sig, _ := signedIntent(t, env, 1)

	in.Amount = "999.00"

	_, err := env.svc.Create(context.Background(), in, sig)
	if !errors.Is(err, intent.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestClaim_CorrectSecretSettles(t *testing.T) {
	env := newTestEnv(t)
	in, sig, secret := signedIntent(t, env, 1)

	rec, err := env.svc.Create(context.Background(), in, sig)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := env.svc.Claim(context.Background(), rec.ID, secret)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !claimed.Claimed || claimed.Refunded {
		t.Error("record should be Claimed and not Refunded")
	}
	if claimed.SettledAt == nil {
		t.Error("SettledAt should be set")
	}
	if got := env.ledger.settled[rec.ID]; got != "100.00" {
		t.Errorf("settled amount = %q, want 100.00", got)
	}
}

func TestClaim_WrongSecretLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	in, sig, _ := signedIntent(t, env, 1)
	rec, _ := env.svc.Create(context.Background(), in, sig)

	_, err := env.svc.Claim(context.Background(), rec.ID, "62616477726f6e67")
	if !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected ErrInvalidSecret, got %v", err)
	}

	got, _ := env.svc.Get(context.Background(), rec.ID)
	if got.Settled() {
		t.Error("record must remain Active after failed claim")
	}
	if len(env.ledger.settled) != 0 {
		t.Error("no funds should move on failed claim")
	}
}

func TestClaim_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Claim(context.Background(), "esc_missing", "00")
	if !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected ErrEscrowNotFound, got %v", err)
	}
}

func TestClaim_TwiceFailsAlreadySettled(t *testing.T) {
	env := newTestEnv(t)
	in, sig, secret := signedIntent(t, env, 1)
	rec, _ := env.svc.Create(context.Background(), in, sig)

	if _, err := env.svc.Claim(context.Background(), rec.ID, secret); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := env.svc.Claim(context.Background(), rec.ID, secret)
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
}

func TestRefund_BeforeTimelockFails(t *testing.T) {
	env := newTestEnv(t)
	in, sig, _ := signedIntent(t, env, 1)
	rec, _ := env.svc.Create(context.Background(), in, sig)

	env.now = env.now.Add(30 * time.Minute) // timelock is +2h

	_, err := env.svc.Refund(context.Background(), rec.ID, rec.Sender)
	if !errors.Is(err, ErrTimelockNotExpired) {
		t.Fatalf("expected ErrTimelockNotExpired, got %v", err)
	}
}

func TestRefund_AfterTimelockBySender(t *testing.T) {
	env := newTestEnv(t)
	in, sig, _ := signedIntent(t, env, 1)
	rec, _ := env.svc.Create(context.Background(), in, sig)

	env.now = env.now.Add(2*time.Hour + time.Minute)

	refunded, err := env.svc.Refund(context.Background(), rec.ID, rec.Sender)
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if !refunded.Refunded || refunded.Claimed {
		t.Error("record should be Refunded and not Claimed")
	}
	if got := env.ledger.refunded[rec.ID]; got != "100.00" {
		t.Errorf("refunded amount = %q, want full 100.00", got)
	}
}

func TestRefund_UnauthorizedCaller(t *testing.T) {
	env := newTestEnv(t)
	in, sig, _ := signedIntent(t, env, 1)
	rec, _ := env.svc.Create(context.Background(), in, sig)

	env.now = env.now.Add(3 * time.Hour)

	_, err := env.svc.Refund(context.Background(), rec.ID, "0x9999999999999999999999999999999999999999")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRefund_ByAuthorizedResolver(t *testing.T) {
	env := newTestEnv(t)
	resolver := "0x7777777777777777777777777777777777777777"
	env.svc.WithResolvers(staticResolvers{resolver: true})

	in, sig, _ := signedIntent(t, env, 1)
	rec, _ := env.svc.Create(context.Background(), in, sig)

	env.now = env.now.Add(3 * time.Hour)

	refunded, err := env.svc.Refund(context.Background(), rec.ID, resolver)
	if err != nil {
		t.Fatalf("resolver refund failed: %v", err)
	}
	if refunded.Resolver != resolver {
		t.Errorf("record resolver = %q, want %q", refunded.Resolver, resolver)
	}
}

func TestClaimRefundRace_ExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	in, sig, secret := signedIntent(t, env, 1)
	rec, _ := env.svc.Create(context.Background(), in, sig)

	env.now = env.now.Add(3 * time.Hour) // both claim and refund eligible

	var wg sync.WaitGroup
	var claimErr, refundErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, claimErr = env.svc.Claim(context.Background(), rec.ID, secret)
	}()
	go func() {
		defer wg.Done()
		_, refundErr = env.svc.Refund(context.Background(), rec.ID, rec.Sender)
	}()
	wg.Wait()

	wins := 0
	if claimErr == nil {
		wins++
	}
	if refundErr == nil {
		wins++
	}
	if wins != 1 {
		t.Fatalf("exactly one transition must win, got claim=%v refund=%v", claimErr, refundErr)
	}

	loser := claimErr
	if loser == nil {
		loser = refundErr
	}
	if !errors.Is(loser, ErrAlreadySettled) {
		t.Errorf("loser must see ErrAlreadySettled, got %v", loser)
	}

	// Mutual exclusion invariant.
	final, _ := env.svc.Get(context.Background(), rec.ID)
	if final.Claimed && final.Refunded {
		t.Fatal("claimed and refunded must never both be true")
	}
}

func TestCreate_LedgerFailureRejects(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.lockErr = errors.New("insufficient balance")

	in, sig, _ := signedIntent(t, env, 1)
	if _, err := env.svc.Create(context.Background(), in, sig); err == nil {
		t.Fatal("expected error when ledger lock fails")
	}

	// Nonce must remain unconsumed so a corrected resubmission can succeed.
	used, _ := env.nonces.Consumed(context.Background(), nonce.NamespaceIntent, in.Sender, in.Nonce)
	if used {
		t.Error("nonce should not be consumed when lock fails")
	}
}
