/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: response types returned to clients
  - *Request: request body types from clients

AMOUNTS:
  Monetary amounts cross the wire as decimal strings ("120.50"), never as
  floats. Handlers parse them with shopspring/decimal and reject anything
  that doesn't parse.

SEE ALSO:
  - handlers.go: uses these types
*/
package api

import (
	"time"

	"github.com/tillpoint/register-engine/ledger"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// RegisterDTO represents a cash register in API responses.
type RegisterDTO struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	SiteID           string `json:"site_id,omitempty"`
	InitialAmount    string `json:"initial_amount"`
	CurrentAmount    string `json:"current_amount"`
	Status           string `json:"status"`
	Overdrawn        bool   `json:"overdrawn"`
	LastReconciledAt string `json:"last_reconciled_at,omitempty"`
	CreatedAt        string `json:"created_at,omitempty"`
}

func registerDTO(reg *ledger.CashRegister) RegisterDTO {
	dto := RegisterDTO{
		ID:            string(reg.ID),
		Name:          reg.Name,
		SiteID:        reg.SiteID,
		InitialAmount: reg.InitialAmount.StringFixed(2),
		CurrentAmount: reg.CurrentAmount.StringFixed(2),
		Status:        string(reg.Status),
		Overdrawn:     reg.Overdrawn(),
		CreatedAt:     reg.CreatedAt.Format(time.RFC3339),
	}
	if reg.LastReconciledAt != nil {
		dto.LastReconciledAt = reg.LastReconciledAt.Format(time.RFC3339)
	}
	return dto
}

// CreateRegisterRequest is the request to create a register.
type CreateRegisterRequest struct {
	Name          string `json:"name"`
	SiteID        string `json:"site_id"`
	InitialAmount string `json:"initial_amount"`
	ActorID       string `json:"actor_id"`
}

// TransactionDTO represents a ledger entry in API responses.
type TransactionDTO struct {
	ID         string `json:"id"`
	RegisterID string `json:"register_id"`
	Type       string `json:"type"`
	Amount     string `json:"amount"`
	Reference  string `json:"reference,omitempty"`
	Notes      string `json:"notes,omitempty"`
	UserID     string `json:"user_id"`
	CreatedAt  string `json:"created_at"`
}

func transactionDTO(tx ledger.CashTransaction) TransactionDTO {
	return TransactionDTO{
		ID:         string(tx.ID),
		RegisterID: string(tx.RegisterID),
		Type:       string(tx.Type),
		Amount:     tx.Amount.StringFixed(2),
		Reference:  tx.Reference,
		Notes:      tx.Notes,
		UserID:     tx.UserID,
		CreatedAt:  tx.CreatedAt.Format(time.RFC3339Nano),
	}
}

// ApplyTransactionRequest posts one movement to a register's ledger.
type ApplyTransactionRequest struct {
	Type      string `json:"type"`
	Amount    string `json:"amount"`
	Reference string `json:"reference,omitempty"`
	Notes     string `json:"notes,omitempty"`
	ActorID   string `json:"actor_id"`
}

// RecordSaleRequest is the hook the invoicing/POS module calls when a sale
// settles against a register.
type RecordSaleRequest struct {
	Amount           string `json:"amount"`
	InvoiceReference string `json:"invoice_reference"`
	ActorID          string `json:"actor_id"`
}

// ManualMovementRequest posts a deposit or withdrawal from the
// cash-operations UI.
type ManualMovementRequest struct {
	Type    string `json:"type"` // "deposit" or "withdrawal"
	Amount  string `json:"amount"`
	Notes   string `json:"notes,omitempty"`
	ActorID string `json:"actor_id"`
}

// LifecycleRequest carries the actor for open/close/delete.
type LifecycleRequest struct {
	ActorID string `json:"actor_id"`
}

// ReconcileRequest submits a physical count.
type ReconcileRequest struct {
	CountedAmount string `json:"counted_amount"`
	ActorID       string `json:"actor_id"`
	Notes         string `json:"notes,omitempty"`
}

// ReconciliationDTO reports the outcome of a reconciliation.
type ReconciliationDTO struct {
	RegisterID              string `json:"register_id"`
	Delta                   string `json:"delta"`
	NewBalance              string `json:"new_balance"`
	AdjustmentTransactionID string `json:"adjustment_transaction_id,omitempty"`
	ReconciledAt            string `json:"reconciled_at"`
}

// BalanceDTO is the read-only balance view.
type BalanceDTO struct {
	RegisterID string `json:"register_id"`
	Balance    string `json:"balance"`
	Overdrawn  bool   `json:"overdrawn"`
}

// EventDTO is the audit/stream representation of a ledger event.
type EventDTO struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	RegisterID string         `json:"register_id"`
	ActorID    string         `json:"actor_id"`
	Timestamp  string         `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func eventDTO(e ledger.Event) EventDTO {
	return EventDTO{
		ID:         e.ID,
		Kind:       string(e.Kind),
		RegisterID: string(e.RegisterID),
		ActorID:    e.ActorID,
		Timestamp:  e.Timestamp.Format(time.RFC3339Nano),
		Payload:    e.Payload,
	}
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
