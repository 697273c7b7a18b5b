/*
Package ledger provides the cash-register ledger core.

PURPOSE:
  This package contains the domain types and algorithms for tracking cash
  drawers: the register state machine, the append-only transaction log, the
  balance-update protocol, and the reconciliation procedure. Everything else
  in the embedding application (invoicing, inventory, reporting) only calls
  into or reads from this core.

KEY CONCEPTS IN THIS FILE (types.go):
  - CashRegister: a named drawer with a running balance and open/closed status
  - CashTransaction: an immutable, signed monetary entry against a register
  - TransactionType: closed enum of movement kinds (exhaustively matched)
  - ReconciliationResult: outcome of aligning the ledger with a counted amount

DESIGN PRINCIPLES:
  1. Immutability: transactions are never modified; corrections are new
     adjustment entries
  2. Precision: uses decimal.Decimal to avoid floating-point errors on money
  3. Derivation: CurrentAmount is always InitialAmount + Σ(transaction
     amounts); the cached column is a projection, not a second source of truth
  4. Attribution: every mutating operation carries an actor

SEE ALSO:
  - engine.go: balance-update and reconciliation protocol
  - store.go: persistence interfaces
  - errors.go: error taxonomy
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RegisterID string
type TransactionID string

// =============================================================================
// REGISTER - A cash drawer with a running balance
// =============================================================================

type RegisterStatus string

const (
	StatusOpen   RegisterStatus = "open"
	StatusClosed RegisterStatus = "closed"
)

// CashRegister is a named cash drawer associated with a site.
//
// INVARIANT: CurrentAmount == InitialAmount + Σ(transaction amounts) at
// every consistent observation point. Only the apply path writes it, and
// only as a server-side increment paired with the transaction append.
type CashRegister struct {
	ID            RegisterID
	Name          string
	SiteID        string
	InitialAmount decimal.Decimal // set at creation, immutable
	CurrentAmount decimal.Decimal // derived projection of the transaction log
	Status        RegisterStatus
	LastReconciledAt *time.Time
	CreatedAt        time.Time
}

// Overdrawn reports whether the drawer balance has gone negative.
// Withdrawals are not blocked by balance; callers use this as a flag.
func (r CashRegister) Overdrawn() bool {
	return r.CurrentAmount.IsNegative()
}

// =============================================================================
// TRANSACTION - Immutable signed monetary entry
// =============================================================================

type TransactionType string

const (
	TxSale        TransactionType = "sale"         // cash/card sale settled against the drawer
	TxRefund      TransactionType = "refund"       // money returned to a customer
	TxDeposit     TransactionType = "deposit"      // manual cash added to the drawer
	TxWithdrawal  TransactionType = "withdrawal"   // manual cash taken out
	TxAdjustment  TransactionType = "adjustment"   // reconciliation delta or manual correction
	TxBankDeposit TransactionType = "bank_deposit" // cash moved to the bank, recorded as signed entry
)

// TransactionTypes lists every movement kind the ledger accepts.
func TransactionTypes() []TransactionType {
	return []TransactionType{TxSale, TxRefund, TxDeposit, TxWithdrawal, TxAdjustment, TxBankDeposit}
}

// ValidType reports whether t is a known movement kind.
func ValidType(t TransactionType) bool {
	switch t {
	case TxSale, TxRefund, TxDeposit, TxWithdrawal, TxAdjustment, TxBankDeposit:
		return true
	}
	return false
}

// CashTransaction is one immutable entry in a register's ledger.
// Once created it is never updated or deleted; corrections are posted as
// new adjustment transactions.
type CashTransaction struct {
	ID         TransactionID
	RegisterID RegisterID
	Type       TransactionType
	Amount     decimal.Decimal // signed; see sign conventions in engine.go
	Reference  string          // optional external document id (invoice number, ...)
	Notes      string
	UserID     string    // who performed it
	CreatedAt  time.Time // server-assigned
}

// =============================================================================
// RECONCILIATION RESULT
// =============================================================================

// ReconciliationResult describes the outcome of reconciling a register
// against a physically counted amount.
type ReconciliationResult struct {
	RegisterID RegisterID
	Delta      decimal.Decimal // countedAmount - balance before reconciliation
	NewBalance decimal.Decimal // always equals the counted amount afterwards
	// AdjustmentTransactionID is set only when Delta != 0; a clean count
	// posts nothing.
	AdjustmentTransactionID *TransactionID
	ReconciledAt            time.Time
}

// =============================================================================
// TRANSACTION FILTER - read-side listing
// =============================================================================

// TransactionFilter narrows ListTransactions. Zero value means "everything,
// in append order".
type TransactionFilter struct {
	Types []TransactionType
	From  *time.Time
	To    *time.Time
	Limit int
}

// Matches reports whether tx passes the type/time constraints.
// Limit is applied by the store, not here.
func (f TransactionFilter) Matches(tx CashTransaction) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if tx.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && tx.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && tx.CreatedAt.After(*f.To) {
		return false
	}
	return true
}
