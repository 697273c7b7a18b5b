/*
store.go - Persistence interface for registers and their transaction logs

PURPOSE:
  Defines the interface between the ledger core and the database. The Store
  owns the two atomic units the correctness argument rests on:

  Apply:     append one immutable transaction AND increment the register
             balance inside a single storage transaction. The increment is
             evaluated server-side (current_amount = current_amount + delta),
             never computed from a prior read in application code.

  Reconcile: derive counted - current, post the corrective adjustment, and
             reopen the register, all inside one storage transaction, so a
             concurrent sale can never slip between the read and the write.

APPEND-ONLY CONTRACT:
  There is no UpdateTransaction and no DeleteTransaction. Corrections are new
  adjustment entries. DeleteRegister refuses while history exists.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite (same patterns apply to PostgreSQL)
  - ledger/store:  in-memory, for tests and dev

SEE ALSO:
  - engine.go: validation, serialization gate, event emission on top of Store
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store handles persistence of registers and their append-only ledgers.
type Store interface {
	// CreateRegister persists a new register. Fails with ErrRegisterExists
	// if the id is taken. Status starts closed, CurrentAmount == InitialAmount.
	CreateRegister(ctx context.Context, reg CashRegister) error

	// GetRegister returns the register or ErrRegisterNotFound.
	GetRegister(ctx context.Context, id RegisterID) (*CashRegister, error)

	// ListRegisters returns all registers, ordered by name.
	ListRegisters(ctx context.Context) ([]CashRegister, error)

	// ListRegistersBySite returns the registers belonging to a site.
	ListRegistersBySite(ctx context.Context, siteID string) ([]CashRegister, error)

	// Transition performs a compare-and-set status change. Returns the
	// register after the change, ErrRegisterNotFound, or an
	// InvalidTransitionError when the current status is not `from`.
	Transition(ctx context.Context, id RegisterID, from, to RegisterStatus) (*CashRegister, error)

	// Apply atomically appends tx and increments the register balance by
	// tx.Amount. The register must be open. Returns the register as of the
	// commit point.
	Apply(ctx context.Context, tx CashTransaction) (*CashRegister, error)

	// Reconcile computes counted - current inside the same atomic unit that
	// posts the adjustment, regardless of the register's prior status, and
	// leaves the register open with LastReconciledAt stamped. The adjustment
	// template supplies id/actor/notes; the store fills Amount with the
	// delta and skips the insert entirely when the delta is zero.
	Reconcile(ctx context.Context, id RegisterID, counted decimal.Decimal, adjustment CashTransaction) (*ReconciliationResult, error)

	// Transactions returns the register's ledger in append order.
	// Reading twice with no intervening writes yields identical sequences.
	Transactions(ctx context.Context, id RegisterID, filter TransactionFilter) ([]CashTransaction, error)

	// DeleteRegister removes a register with no transaction history.
	// Fails with ErrRegisterNotEmpty otherwise.
	DeleteRegister(ctx context.Context, id RegisterID) error
}
