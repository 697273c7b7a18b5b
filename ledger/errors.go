/*
errors.go - Centralized error types for the ledger core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is / errors.As; the API layer maps these to
  HTTP status codes.

ERROR CATEGORIES:
  1. Validation errors - bad input, no side effect (amount, transition)
  2. State errors      - register missing or in the wrong status
  3. Contention errors - bounded wait on the per-register gate expired

SEE ALSO:
  - engine.go: produces these errors
  - api/handlers.go: maps them to HTTP responses
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrRegisterNotFound is returned when the referenced register doesn't exist.
	ErrRegisterNotFound = errors.New("register not found")

	// ErrRegisterClosed is returned when posting a transaction to a closed
	// register. The caller must open the register first.
	ErrRegisterClosed = errors.New("register is closed")

	// ErrInvalidTransition is returned for open-on-open / close-on-closed.
	ErrInvalidTransition = errors.New("invalid register transition")

	// ErrInvalidAmount is returned for zero, non-finite, or wrongly signed
	// amounts. Zero-amount transactions carry no ledger meaning and are
	// always rejected.
	ErrInvalidAmount = errors.New("invalid transaction amount")

	// ErrInvalidType is returned for movement kinds outside the closed enum.
	ErrInvalidType = errors.New("unknown transaction type")

	// ErrRegisterBusy is returned when the per-register gate cannot be
	// acquired within the bounded wait. Transient; retry with backoff.
	ErrRegisterBusy = errors.New("register busy")

	// ErrRegisterNotEmpty is returned when deleting a register that still
	// has transaction history.
	ErrRegisterNotEmpty = errors.New("register has transaction history")

	// ErrRegisterExists is returned when creating a register whose id is taken.
	ErrRegisterExists = errors.New("register already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidTransitionError reports an illegal lifecycle transition.
type InvalidTransitionError struct {
	RegisterID RegisterID
	From       RegisterStatus
	To         RegisterStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for register %s: %s -> %s", e.RegisterID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// InvalidAmountError reports why an amount was rejected.
type InvalidAmountError struct {
	Type   TransactionType
	Amount decimal.Decimal
	Reason string // human-readable cause ("must be positive", "sub-cent precision", ...)
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %s for %s transaction: %s", e.Amount, e.Type, e.Reason)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidAmount }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRegisterBusy)
}

// IsClientError returns true if the error is due to invalid caller input
// or register state the caller can correct.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidType) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrRegisterClosed) ||
		errors.Is(err, ErrRegisterNotEmpty) ||
		errors.Is(err, ErrRegisterExists)
}

// IsNotFound returns true if the error indicates a missing register.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRegisterNotFound)
}
