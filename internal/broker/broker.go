// Package broker is the off-chain settlement orchestrator.
//
// The broker mirrors escrow creation events into shadow transactions,
// verifies counterparts against the collaborating registry, waits out the
// dispute window, and drives eligible escrows to settlement. The shadow map
// is a lossy cache, never authoritative: the escrow store is re-read before
// any settlement submission.
//
// All mutation of the shadow map happens on a single goroutine that owns the
// event subscription and both timers, so the map needs no locking for the
// loop itself; the mutex exists only for the read-side Status query.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crossclaim/crossclaim/internal/collab"
	"github.com/crossclaim/crossclaim/internal/escrow"
	"github.com/crossclaim/crossclaim/internal/events"
	"github.com/crossclaim/crossclaim/internal/logging"
	"github.com/crossclaim/crossclaim/internal/metrics"
	"github.com/crossclaim/crossclaim/internal/traces"
)

// Status values for a shadow transaction.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusReady    Status = "READY_FOR_SETTLEMENT"
	StatusDisputed Status = "DISPUTED"
	StatusSettled  Status = "SETTLED"
	StatusRefunded Status = "REFUNDED"
)

// ShadowTx is the broker's local mirror of one escrow. Scheduling state
// only; the escrow record is the source of truth.
type ShadowTx struct {
	ID               string    `json:"id"`
	EscrowID         string    `json:"escrowId"`
	Sender           string    `json:"sender"`
	Recipient        string    `json:"recipient"`
	DatasetRef       string    `json:"datasetRef,omitempty"`
	Amount           string    `json:"amount"`
	SecretHash       string    `json:"secretHash"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	DisputeDeadline  time.Time `json:"disputeDeadline"`
	RetryCount       int       `json:"retryCount"`
	FlaggedForRefund bool      `json:"flaggedForRefund,omitempty"`
}

// EscrowReader reads authoritative escrow state.
type EscrowReader interface {
	Get(ctx context.Context, id string) (*escrow.Record, error)
}

// DisputeChecker reports whether an escrow has an unresolved dispute case.
type DisputeChecker interface {
	HasOpenDispute(ctx context.Context, escrowID string) bool
}

// Sink submits the actual settlement. Swappable so tests and alternate
// back-ends can stand in for the escrow service.
type Sink interface {
	Settle(ctx context.Context, tx *ShadowTx) error
}

// BalanceReader reads the operator's ledger balance for the status query.
type BalanceReader interface {
	AvailableBalance(ctx context.Context, account string) (string, error)
}

// Config holds the broker's scheduling parameters.
type Config struct {
	DisputeWindow   time.Duration
	MonitorInterval time.Duration
	DrainInterval   time.Duration
	MaxRetries      int
	OperatorAddress string
}

// Broker orchestrates off-chain settlement.
type Broker struct {
	mu      sync.Mutex
	txs     map[string]*ShadowTx
	queue   []string
	queued  map[string]bool
	secrets map[string]string // secretHash -> disclosed preimage
	dropped int

	escrows  EscrowReader
	registry collab.Registry
	asset    collab.Asset
	balances BalanceReader
	disputes DisputeChecker
	sink     Sink
	bus      *events.Bus
	cfg      Config

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	now     func() time.Time
}

// New creates a broker. The dispute checker and asset client are optional;
// a nil checker means no dispute exclusion and a nil asset client omits the
// on-chain balance from status.
func New(escrows EscrowReader, registry collab.Registry, sink Sink, bus *events.Bus, cfg Config) *Broker {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 60 * time.Second
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Broker{
		txs:      make(map[string]*ShadowTx),
		queued:   make(map[string]bool),
		secrets:  make(map[string]string),
		escrows:  escrows,
		registry: registry,
		sink:     sink,
		bus:      bus,
		cfg:      cfg,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// WithDisputes wires the dispute checker.
func (b *Broker) WithDisputes(d DisputeChecker) *Broker {
	b.disputes = d
	return b
}

// WithAsset wires the on-chain asset client for status balance reads.
func (b *Broker) WithAsset(a collab.Asset) *Broker {
	b.asset = a
	return b
}

// WithBalances wires the ledger balance reader for status.
func (b *Broker) WithBalances(r BalanceReader) *Broker {
	b.balances = r
	return b
}

// WithClock overrides the time source (tests).
func (b *Broker) WithClock(now func() time.Time) *Broker {
	b.now = now
	return b
}

// Run processes events and timer ticks until Stop or context cancellation.
// Call in a goroutine.
func (b *Broker) Run(ctx context.Context) {
	b.running.Store(true)
	defer close(b.done)

	eventCh, cancelSub := b.bus.Subscribe(256)
	defer cancelSub()

	monitor := time.NewTicker(b.cfg.MonitorInterval)
	defer monitor.Stop()
	drain := time.NewTicker(b.cfg.DrainInterval)
	defer drain.Stop()

	logging.L(ctx).Info("settlement broker started",
		"disputeWindow", b.cfg.DisputeWindow,
		"monitorInterval", b.cfg.MonitorInterval,
		"drainInterval", b.cfg.DrainInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case e, ok := <-eventCh:
			if !ok {
				return
			}
			if b.running.Load() {
				b.handleEvent(ctx, e)
			}
		case <-monitor.C:
			if b.running.Load() {
				b.monitorSweep(ctx)
			}
		case <-drain.C:
			if b.running.Load() {
				b.drainOne(ctx)
			}
		}
	}
}

// Stop halts future ticks. In-flight work completes and is discarded.
// A broker that was never started stops immediately.
func (b *Broker) Stop() {
	if b.running.CompareAndSwap(true, false) {
		close(b.stop)
		<-b.done
	}
}

func (b *Broker) handleEvent(ctx context.Context, e events.Event) {
	switch e.Type {
	case events.TypeCreated:
		b.ingest(ctx, e)
	case events.TypeClaimed:
		b.onClaimed(ctx, e)
	case events.TypeRefunded:
		b.onRefunded(ctx, e)
	case events.TypeDisputed:
		b.onDisputed(ctx, e)
	case events.TypeDisputeResolved:
		b.onDisputeResolved(ctx, e)
	}
}

// ingest builds a shadow transaction from a creation event and runs the
// best-effort counterpart verification.
func (b *Broker) ingest(ctx context.Context, e events.Event) {
	b.mu.Lock()
	if _, exists := b.txs[e.EscrowID]; exists {
		b.mu.Unlock()
		return // duplicate event
	}
	tx := &ShadowTx{
		ID:              "shw_" + strings.TrimPrefix(e.EscrowID, "esc_"),
		EscrowID:        e.EscrowID,
		Sender:          e.Sender,
		Recipient:       e.Recipient,
		DatasetRef:      e.DatasetRef,
		Amount:          e.Amount,
		SecretHash:      e.SecretHash,
		Status:          StatusPending,
		CreatedAt:       e.At,
		DisputeDeadline: e.At.Add(b.cfg.DisputeWindow),
	}
	b.txs[e.EscrowID] = tx
	b.mu.Unlock()

	b.verify(ctx, tx)
	b.updateGauges()
}

// verify checks the counterpart against the registry. Verification failure
// flags the transaction for refund (advisory, it is never queued). An
// unreachable collaborator degrades to queuing anyway rather than blocking.
func (b *Broker) verify(ctx context.Context, tx *ShadowTx) {
	if b.registry == nil || tx.DatasetRef == "" {
		b.setStatus(tx.EscrowID, StatusReady)
		return
	}

	owner, err := b.registry.OwnerOf(ctx, tx.DatasetRef)
	if err != nil {
		metrics.BrokerVerificationsDegradedTotal.Inc()
		logging.L(ctx).Warn("counterpart verification degraded, proceeding to settlement",
			"escrowId", tx.EscrowID, "datasetRef", tx.DatasetRef, "error", err)
		b.setStatus(tx.EscrowID, StatusReady)
		return
	}

	active, err := b.registry.IsActive(ctx, tx.DatasetRef)
	if err != nil {
		metrics.BrokerVerificationsDegradedTotal.Inc()
		logging.L(ctx).Warn("counterpart verification degraded, proceeding to settlement",
			"escrowId", tx.EscrowID, "datasetRef", tx.DatasetRef, "error", err)
		b.setStatus(tx.EscrowID, StatusReady)
		return
	}

	if !strings.EqualFold(owner, tx.Recipient) || !active {
		logging.L(ctx).Warn("counterpart verification failed, flagging for refund",
			"escrowId", tx.EscrowID, "datasetRef", tx.DatasetRef,
			"owner", owner, "recipient", tx.Recipient, "active", active)
		b.mu.Lock()
		if cur, ok := b.txs[tx.EscrowID]; ok {
			cur.FlaggedForRefund = true
		}
		b.mu.Unlock()
		return
	}

	b.setStatus(tx.EscrowID, StatusReady)
}

func (b *Broker) setStatus(escrowID string, status Status) {
	b.mu.Lock()
	if tx, ok := b.txs[escrowID]; ok {
		tx.Status = status
	}
	b.mu.Unlock()
}

// onClaimed records the disclosed secret and retires the shadow transaction.
// The secret is indexed by its commitment so a counterpart escrow sharing
// the same hash can be settled with it.
func (b *Broker) onClaimed(ctx context.Context, e events.Event) {
	b.mu.Lock()
	if e.Secret != "" {
		if tx, ok := b.txs[e.EscrowID]; ok && tx.SecretHash != "" {
			b.secrets[tx.SecretHash] = e.Secret
		}
	}
	b.retireLocked(e.EscrowID, StatusSettled)
	b.mu.Unlock()
	b.updateGauges()
}

func (b *Broker) onRefunded(ctx context.Context, e events.Event) {
	b.mu.Lock()
	b.retireLocked(e.EscrowID, StatusRefunded)
	b.mu.Unlock()
	b.updateGauges()
}

// retireLocked marks a shadow transaction terminal and removes it from the
// settlement queue. Caller holds b.mu.
func (b *Broker) retireLocked(escrowID string, status Status) {
	if tx, ok := b.txs[escrowID]; ok {
		tx.Status = status
	}
	delete(b.queued, escrowID)
}

func (b *Broker) onDisputed(ctx context.Context, e events.Event) {
	b.mu.Lock()
	if tx, ok := b.txs[e.EscrowID]; ok && tx.Status != StatusSettled && tx.Status != StatusRefunded {
		tx.Status = StatusDisputed
	}
	delete(b.queued, e.EscrowID)
	b.mu.Unlock()
	b.updateGauges()
	logging.L(ctx).Info("shadow transaction disputed, excluded from settlement",
		"escrowId", e.EscrowID, "disputant", e.Disputant)
}

func (b *Broker) onDisputeResolved(ctx context.Context, e events.Event) {
	b.mu.Lock()
	if tx, ok := b.txs[e.EscrowID]; ok && tx.Status == StatusDisputed {
		// Resolution outcomes settle or refund through the escrow store;
		// the terminal event arrives separately. Until then the transaction
		// returns to the eligible pool.
		tx.Status = StatusReady
	}
	b.mu.Unlock()
	b.updateGauges()
}

// monitorSweep enqueues every eligible shadow transaction whose dispute
// window has closed.
func (b *Broker) monitorSweep(ctx context.Context) {
	ctx, span := traces.StartSpan(ctx, "broker.monitorSweep")
	defer span.End()

	now := b.now()

	b.mu.Lock()
	for id, tx := range b.txs {
		if tx.Status != StatusReady || tx.FlaggedForRefund {
			continue
		}
		if now.Before(tx.DisputeDeadline) {
			continue
		}
		if b.queued[id] {
			continue
		}
		if b.disputes != nil && b.disputes.HasOpenDispute(ctx, id) {
			continue
		}
		b.queue = append(b.queue, id)
		b.queued[id] = true
	}
	depth := len(b.queue)
	b.mu.Unlock()

	metrics.BrokerQueueDepth.Set(float64(depth))
}

// drainOne processes the head of the settlement queue. One item per tick.
func (b *Broker) drainOne(ctx context.Context) {
	b.mu.Lock()
	var tx *ShadowTx
	for tx == nil && len(b.queue) > 0 {
		id := b.queue[0]
		b.queue = b.queue[1:]
		delete(b.queued, id)
		if cand, ok := b.txs[id]; ok {
			tx = cand
		}
	}
	b.mu.Unlock()
	if tx == nil {
		return
	}

	ctx, span := traces.StartSpan(ctx, "broker.drainOne",
		traces.ShadowTxID(tx.ID), traces.EscrowID(tx.EscrowID))
	defer span.End()
	ctx = logging.WithEscrowID(ctx, tx.EscrowID)

	// Disputed between enqueue and drain: never settle.
	if tx.Status == StatusDisputed {
		logging.L(ctx).Info("skipping disputed transaction in settlement queue")
		return
	}

	// The cache is not authority. Re-fetch before acting.
	rec, err := b.escrows.Get(ctx, tx.EscrowID)
	if err != nil {
		b.recordFailure(ctx, tx, fmt.Errorf("failed to re-fetch escrow: %w", err))
		return
	}
	if rec.Settled() {
		status := StatusSettled
		if rec.Refunded {
			status = StatusRefunded
		}
		b.mu.Lock()
		b.retireLocked(tx.EscrowID, status)
		b.mu.Unlock()
		b.updateGauges()
		return
	}
	if b.disputes != nil && b.disputes.HasOpenDispute(ctx, tx.EscrowID) {
		b.setStatus(tx.EscrowID, StatusDisputed)
		b.updateGauges()
		return
	}

	if err := b.sink.Settle(ctx, tx); err != nil {
		b.recordFailure(ctx, tx, err)
		return
	}

	b.mu.Lock()
	b.retireLocked(tx.EscrowID, StatusSettled)
	b.mu.Unlock()
	b.updateGauges()
	metrics.BrokerSettlementsTotal.WithLabelValues("settled").Inc()
	logging.L(ctx).Info("settlement submitted", "amount", tx.Amount)
}

// recordFailure re-enqueues a failed settlement up to the retry bound, then
// drops it permanently.
func (b *Broker) recordFailure(ctx context.Context, tx *ShadowTx, err error) {
	b.mu.Lock()
	tx.RetryCount++
	retries := tx.RetryCount
	if retries <= b.cfg.MaxRetries {
		b.queue = append(b.queue, tx.EscrowID)
		b.queued[tx.EscrowID] = true
	} else {
		b.dropped++
	}
	b.mu.Unlock()

	if retries <= b.cfg.MaxRetries {
		metrics.BrokerSettlementsTotal.WithLabelValues("retried").Inc()
		logging.L(ctx).Warn("settlement failed, re-enqueued",
			"retryCount", retries, "error", err)
		return
	}

	metrics.BrokerSettlementsTotal.WithLabelValues("dropped").Inc()
	logging.L(ctx).Error("settlement permanently failed, dropping",
		"retryCount", retries, "error", err)
}

// SecretFor returns a disclosed preimage for the given commitment, if any
// claim has revealed it.
func (b *Broker) SecretFor(secretHash string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.secrets[strings.ToLower(strings.TrimPrefix(secretHash, "0x"))]
	return s, ok
}

// StatusReport is the broker's health summary.
type StatusReport struct {
	Pending       int    `json:"pending"`
	Ready         int    `json:"ready"`
	Queued        int    `json:"queued"`
	Disputed      int    `json:"disputed"`
	Settled       int    `json:"settled"`
	Refunded      int    `json:"refunded"`
	Dropped       int    `json:"dropped"`
	LedgerBalance string `json:"ledgerBalance,omitempty"`
	ChainBalance  string `json:"chainBalance,omitempty"`
	Running       bool   `json:"running"`
}

// Status returns current working-set counts and operator balances. Balance
// reads are best-effort; failures leave the fields empty.
func (b *Broker) Status(ctx context.Context) *StatusReport {
	b.mu.Lock()
	report := &StatusReport{
		Queued:  len(b.queue),
		Dropped: b.dropped,
		Running: b.running.Load(),
	}
	for _, tx := range b.txs {
		switch tx.Status {
		case StatusPending:
			report.Pending++
		case StatusReady:
			report.Ready++
		case StatusDisputed:
			report.Disputed++
		case StatusSettled:
			report.Settled++
		case StatusRefunded:
			report.Refunded++
		}
	}
	b.mu.Unlock()

	if b.balances != nil && b.cfg.OperatorAddress != "" {
		if bal, err := b.balances.AvailableBalance(ctx, b.cfg.OperatorAddress); err == nil {
			report.LedgerBalance = bal
		}
	}
	if b.asset != nil && b.cfg.OperatorAddress != "" {
		if bal, err := b.asset.BalanceOf(ctx, b.cfg.OperatorAddress); err == nil {
			report.ChainBalance = bal.String()
		} else {
			logging.L(ctx).Warn("on-chain balance read failed", "error", err)
		}
	}
	return report
}

// Get returns one shadow transaction, for inspection.
func (b *Broker) Get(escrowID string) (*ShadowTx, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.txs[escrowID]
	if !ok {
		return nil, false
	}
	cp := *tx
	return &cp, true
}

func (b *Broker) updateGauges() {
	b.mu.Lock()
	counts := map[Status]int{}
	for _, tx := range b.txs {
		counts[tx.Status]++
	}
	depth := len(b.queue)
	b.mu.Unlock()

	for _, s := range []Status{StatusPending, StatusReady, StatusDisputed, StatusSettled, StatusRefunded} {
		metrics.BrokerShadowTransactions.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	metrics.BrokerQueueDepth.Set(float64(depth))
}

var ErrNoSettlementPath = errors.New("no settlement path available")
