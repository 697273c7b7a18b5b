/*
engine.go - Balance-update protocol and register operations

PURPOSE:
  The Engine is the single entry point for every mutating ledger operation:
  lifecycle transitions (Open/Close), transaction application (Apply and its
  convenience wrappers), reconciliation, and register administration. It
  validates input, serializes writers per register, delegates the atomic
  write to the Store, and emits audit/notification events.

THE APPLY PROTOCOL:
  1. Validate: register id given, type in the closed enum, amount finite,
     non-zero, and correctly signed for the type.
  2. Acquire the per-register gate (bounded wait -> ErrRegisterBusy).
  3. Store.Apply: append the immutable transaction AND increment the cached
     balance server-side, inside one storage transaction. The engine never
     reads the balance, adds in application code, and writes back - that
     read-modify-write split is exactly the lost-update race this design
     exists to prevent.
  4. Emit transaction_applied to the audit log and the change feed.

SIGN CONVENTIONS:
  sale, deposit, bank_deposit  -> strictly positive
  refund, withdrawal           -> strictly negative
  adjustment                   -> either sign, never zero

CONCURRENCY:
  Operations on the same register are linearizable: the storage-level
  increment removes the lost-update race, and the per-register gate
  additionally makes reconciliation's read-then-adjust sequence atomic with
  respect to concurrent Apply calls. Different registers never contend.

SEE ALSO:
  - store.go: the atomic units the engine builds on
  - events.go: the emission contract (best-effort, never rolls back)
*/
package ledger

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultGateWait bounds how long a writer waits for a register that is
// being written by someone else before giving up with ErrRegisterBusy.
const DefaultGateWait = 2 * time.Second

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store    Store
	notifier SyncNotifier
	audit    AuditRecorder

	// GateWait overrides DefaultGateWait when positive.
	GateWait time.Duration

	mu    sync.Mutex
	gates map[RegisterID]chan struct{}
}

// NewEngine wires an engine over a store. Nil collaborators degrade to no-ops
// so library embedders can opt out of notification and auditing.
func NewEngine(store Store, notifier SyncNotifier, audit AuditRecorder) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if audit == nil {
		audit = NopRecorder{}
	}
	return &Engine{
		store:    store,
		notifier: notifier,
		audit:    audit,
		gates:    make(map[RegisterID]chan struct{}),
	}
}

// =============================================================================
// PER-REGISTER GATE - bounded-wait mutual exclusion
// =============================================================================

func (e *Engine) gate(id RegisterID) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.gates[id]
	if !ok {
		g = make(chan struct{}, 1)
		e.gates[id] = g
	}
	return g
}

// acquire takes the register's gate or fails with ErrRegisterBusy once the
// bounded wait expires. The returned release must be called exactly once.
func (e *Engine) acquire(ctx context.Context, id RegisterID) (func(), error) {
	wait := e.GateWait
	if wait <= 0 {
		wait = DefaultGateWait
	}
	g := e.gate(id)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case g <- struct{}{}:
		return func() { <-g }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrRegisterBusy
	}
}

// =============================================================================
// REGISTER ADMINISTRATION
// =============================================================================

// CreateRegister creates a register in the closed state with
// CurrentAmount == initialAmount.
func (e *Engine) CreateRegister(ctx context.Context, name, siteID string, initialAmount decimal.Decimal, actorID string) (*CashRegister, error) {
	if initialAmount.IsNegative() {
		return nil, &InvalidAmountError{Amount: initialAmount, Reason: "initial amount must not be negative"}
	}

	reg := CashRegister{
		ID:            RegisterID(uuid.NewString()),
		Name:          name,
		SiteID:        siteID,
		InitialAmount: initialAmount,
		CurrentAmount: initialAmount,
		Status:        StatusClosed,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.store.CreateRegister(ctx, reg); err != nil {
		return nil, err
	}

	e.emit(ctx, Event{
		Kind:       EventRegisterCreated,
		RegisterID: reg.ID,
		ActorID:    actorID,
		Payload: map[string]any{
			"name":           reg.Name,
			"site_id":        reg.SiteID,
			"initial_amount": reg.InitialAmount.String(),
		},
	})
	return &reg, nil
}

// DeleteRegister removes a register that has no transaction history.
// Registers with outstanding transactions are rejected with
// ErrRegisterNotEmpty; archival of historical drawers is an embedding
// application policy, not a ledger operation.
func (e *Engine) DeleteRegister(ctx context.Context, id RegisterID, actorID string) error {
	release, err := e.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	if err := e.store.DeleteRegister(ctx, id); err != nil {
		return err
	}
	e.dropGate(id)
	e.emit(ctx, Event{Kind: EventRegisterDeleted, RegisterID: id, ActorID: actorID})
	return nil
}

// dropGate forgets a deleted register's gate so the map doesn't grow with
// every register ever touched. The deferred release still drains the old
// channel through its own reference.
func (e *Engine) dropGate(id RegisterID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.gates, id)
}

// =============================================================================
// LIFECYCLE - open / close
// =============================================================================

// Open transitions closed -> open. No balance change.
func (e *Engine) Open(ctx context.Context, id RegisterID, actorID string) (*CashRegister, error) {
	return e.transition(ctx, id, StatusClosed, StatusOpen, EventRegisterOpened, actorID)
}

// Close transitions open -> closed. Subsequent postings are rejected until
// the register is reopened.
func (e *Engine) Close(ctx context.Context, id RegisterID, actorID string) (*CashRegister, error) {
	return e.transition(ctx, id, StatusOpen, StatusClosed, EventRegisterClosed, actorID)
}

func (e *Engine) transition(ctx context.Context, id RegisterID, from, to RegisterStatus, kind EventKind, actorID string) (*CashRegister, error) {
	release, err := e.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	reg, err := e.store.Transition(ctx, id, from, to)
	if err != nil {
		return nil, err
	}

	e.emit(ctx, Event{
		Kind:       kind,
		RegisterID: id,
		ActorID:    actorID,
		Payload: map[string]any{
			"from_status": string(from),
			"to_status":   string(to),
		},
	})
	return reg, nil
}

// =============================================================================
// APPLY - the one write path for monetary movement
// =============================================================================

// ApplyInput describes a transaction to post.
type ApplyInput struct {
	RegisterID RegisterID
	Type       TransactionType
	Amount     decimal.Decimal
	Reference  string
	Notes      string
	ActorID    string
}

// Apply posts one transaction and returns it with its assigned id and
// server timestamp. After a successful return, the register's balance
// reflects every transaction ever applied plus the initial amount.
func (e *Engine) Apply(ctx context.Context, in ApplyInput) (*CashTransaction, error) {
	if err := validateAmount(in.Type, in.Amount); err != nil {
		return nil, err
	}

	release, err := e.acquire(ctx, in.RegisterID)
	if err != nil {
		return nil, err
	}
	defer release()

	tx := CashTransaction{
		ID:         TransactionID(uuid.NewString()),
		RegisterID: in.RegisterID,
		Type:       in.Type,
		Amount:     in.Amount,
		Reference:  in.Reference,
		Notes:      in.Notes,
		UserID:     in.ActorID,
		CreatedAt:  time.Now().UTC(),
	}

	reg, err := e.store.Apply(ctx, tx)
	if err != nil {
		return nil, err
	}

	e.emit(ctx, Event{
		Kind:       EventTransactionApplied,
		RegisterID: in.RegisterID,
		ActorID:    in.ActorID,
		Payload: map[string]any{
			"transaction_id": string(tx.ID),
			"type":           string(tx.Type),
			"amount":         tx.Amount.String(),
			"balance":        reg.CurrentAmount.String(),
			"reference":      tx.Reference,
		},
	})
	return &tx, nil
}

// RecordSale is the hook invoiced/POS modules call when a sale settles
// against a register.
func (e *Engine) RecordSale(ctx context.Context, id RegisterID, amount decimal.Decimal, invoiceReference, actorID string) (*CashTransaction, error) {
	return e.Apply(ctx, ApplyInput{
		RegisterID: id,
		Type:       TxSale,
		Amount:     amount,
		Reference:  invoiceReference,
		ActorID:    actorID,
	})
}

// RecordManualMovement posts a deposit or withdrawal from a cash-operations
// surface. Any other type is rejected.
func (e *Engine) RecordManualMovement(ctx context.Context, id RegisterID, typ TransactionType, amount decimal.Decimal, notes, actorID string) (*CashTransaction, error) {
	if typ != TxDeposit && typ != TxWithdrawal {
		return nil, ErrInvalidType
	}
	return e.Apply(ctx, ApplyInput{
		RegisterID: id,
		Type:       typ,
		Amount:     amount,
		Notes:      notes,
		ActorID:    actorID,
	})
}

// validateAmount enforces the non-zero rule and the per-type sign
// convention. The switch is exhaustive over TransactionType: a new movement
// kind has to be handled here before the ledger accepts it.
func validateAmount(typ TransactionType, amount decimal.Decimal) error {
	if amount.IsZero() {
		return &InvalidAmountError{Type: typ, Amount: amount, Reason: "zero-amount transactions carry no ledger meaning"}
	}

	switch typ {
	case TxSale, TxDeposit, TxBankDeposit:
		if amount.IsNegative() {
			return &InvalidAmountError{Type: typ, Amount: amount, Reason: "must be positive"}
		}
	case TxRefund, TxWithdrawal:
		if amount.IsPositive() {
			return &InvalidAmountError{Type: typ, Amount: amount, Reason: "must be negative"}
		}
	case TxAdjustment:
		// either sign
	default:
		return ErrInvalidType
	}
	return nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconcile aligns the recorded balance with a physically counted amount.
// The delta is derived and the corrective adjustment posted inside one
// atomic unit, so a sale landing concurrently is never silently erased.
// The register always ends open with LastReconciledAt refreshed; a clean
// count (delta == 0) posts no transaction at all.
func (e *Engine) Reconcile(ctx context.Context, id RegisterID, countedAmount decimal.Decimal, actorID, notes string) (*ReconciliationResult, error) {
	release, err := e.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	if notes == "" {
		notes = "reconciliation adjustment"
	}
	adjustment := CashTransaction{
		ID:         TransactionID(uuid.NewString()),
		RegisterID: id,
		Type:       TxAdjustment,
		Notes:      notes,
		UserID:     actorID,
		CreatedAt:  time.Now().UTC(),
	}

	result, err := e.store.Reconcile(ctx, id, countedAmount, adjustment)
	if err != nil {
		return nil, err
	}

	if result.AdjustmentTransactionID != nil {
		e.emit(ctx, Event{
			Kind:       EventTransactionApplied,
			RegisterID: id,
			ActorID:    actorID,
			Payload: map[string]any{
				"transaction_id": string(*result.AdjustmentTransactionID),
				"type":           string(TxAdjustment),
				"amount":         result.Delta.String(),
				"balance":        result.NewBalance.String(),
			},
		})
	}
	e.emit(ctx, Event{
		Kind:       EventRegisterReconciled,
		RegisterID: id,
		ActorID:    actorID,
		Payload: map[string]any{
			"counted_amount": countedAmount.String(),
			"delta":          result.Delta.String(),
			"new_balance":    result.NewBalance.String(),
		},
	})
	return result, nil
}

// =============================================================================
// READS
// =============================================================================

// GetBalance returns the register's current amount as of the latest commit.
func (e *Engine) GetBalance(ctx context.Context, id RegisterID) (decimal.Decimal, error) {
	reg, err := e.store.GetRegister(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return reg.CurrentAmount, nil
}

// Register returns the full register record.
func (e *Engine) Register(ctx context.Context, id RegisterID) (*CashRegister, error) {
	return e.store.GetRegister(ctx, id)
}

// Registers returns all registers.
func (e *Engine) Registers(ctx context.Context) ([]CashRegister, error) {
	return e.store.ListRegisters(ctx)
}

// RegistersForSite resolves which registers belong to a site.
func (e *Engine) RegistersForSite(ctx context.Context, siteID string) ([]CashRegister, error) {
	return e.store.ListRegistersBySite(ctx, siteID)
}

// ListTransactions returns the register's ledger in append order.
func (e *Engine) ListTransactions(ctx context.Context, id RegisterID, filter TransactionFilter) ([]CashTransaction, error) {
	return e.store.Transactions(ctx, id, filter)
}

// =============================================================================
// EVENT EMISSION
// =============================================================================

// emit hands the event to the audit sink and the change feed. Failures are
// logged, never propagated: the financial fact is already durably recorded.
func (e *Engine) emit(ctx context.Context, ev Event) {
	ev.ID = uuid.NewString()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := e.audit.Record(ctx, ev); err != nil {
		log.Printf("ledger: degraded: audit record failed for %s on register %s: %v", ev.Kind, ev.RegisterID, err)
	}
	e.notifier.Publish(ev)
}
