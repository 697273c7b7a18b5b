/*
handlers.go - HTTP API handlers for the cash-register ledger

PURPOSE:
  Exposes the ledger engine via REST. Handles HTTP request/response, JSON
  serialization, and delegates everything else to the engine.

ENDPOINTS:
  Registers:
    GET    /api/registers                       List registers
    POST   /api/registers                       Create register
    GET    /api/registers/{id}                  Register details
    DELETE /api/registers/{id}                  Delete (only without history)
    GET    /api/registers/{id}/balance          Current balance
    GET    /api/registers/{id}/transactions     Ledger in append order
    POST   /api/registers/{id}/transactions     Post a movement
    POST   /api/registers/{id}/sales            Sale settlement hook
    POST   /api/registers/{id}/movements        Manual deposit/withdrawal
    POST   /api/registers/{id}/open             Lifecycle: open
    POST   /api/registers/{id}/close            Lifecycle: close
    POST   /api/registers/{id}/reconcile        Reconcile against a count
    GET    /api/registers/{id}/events           Live change feed (SSE)

  Sites:
    GET    /api/sites/{siteID}/registers        Registers of a site

  Audit:
    GET    /api/audit                           Query the audit trail

ERROR HANDLING:
  Typed ledger errors map to HTTP status:
  - 400: invalid amount / type / request body
  - 404: register not found
  - 409: wrong lifecycle state, closed register, non-empty deletion
  - 503: register busy (retryable, per-register gate contention)
  - 500: everything else
  A rejected transaction never reaches the ledger, so the client can show
  the typed error before confirming anything to the operator.

SEE ALSO:
  - dto.go: request/response structures
  - server.go: router setup and middleware
  - stream.go: SSE change feed
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tillpoint/register-engine/ledger"
	"github.com/tillpoint/register-engine/notify"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *ledger.Engine
	Hub    *notify.Hub
	Audit  ledger.AuditLog
}

// NewHandler creates a new handler. Audit may be nil when the embedding
// application has no audit review surface; the audit endpoint then 404s.
func NewHandler(engine *ledger.Engine, hub *notify.Hub, audit ledger.AuditLog) *Handler {
	return &Handler{Engine: engine, Hub: hub, Audit: audit}
}

// =============================================================================
// REGISTER HANDLERS
// =============================================================================

// ListRegisters returns all registers.
func (h *Handler) ListRegisters(w http.ResponseWriter, r *http.Request) {
	registers, err := h.Engine.Registers(r.Context())
	if err != nil {
		writeLedgerError(w, "Failed to list registers", err)
		return
	}

	dtos := make([]RegisterDTO, len(registers))
	for i := range registers {
		dtos[i] = registerDTO(&registers[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateRegister creates a new register (closed, balance == initial amount).
func (h *Handler) CreateRegister(w http.ResponseWriter, r *http.Request) {
	var req CreateRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	initial := decimal.Zero
	if req.InitialAmount != "" {
		var err error
		initial, err = decimal.NewFromString(req.InitialAmount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid initial_amount (use a decimal string)", err)
			return
		}
	}

	reg, err := h.Engine.CreateRegister(r.Context(), req.Name, req.SiteID, initial, req.ActorID)
	if err != nil {
		writeLedgerError(w, "Failed to create register", err)
		return
	}
	writeJSON(w, http.StatusCreated, registerDTO(reg))
}

// GetRegister returns a single register.
func (h *Handler) GetRegister(w http.ResponseWriter, r *http.Request) {
	id := ledger.RegisterID(chi.URLParam(r, "id"))

	reg, err := h.Engine.Register(r.Context(), id)
	if err != nil {
		writeLedgerError(w, "Failed to get register", err)
		return
	}
	writeJSON(w, http.StatusOK, registerDTO(reg))
}

// DeleteRegister removes a register without transaction history.
func (h *Handler) DeleteRegister(w http.ResponseWriter, r *http.Request) {
	id := ledger.RegisterID(chi.URLParam(r, "id"))

	var req LifecycleRequest
	json.NewDecoder(r.Body).Decode(&req)

	if err := h.Engine.DeleteRegister(r.Context(), id, req.ActorID); err != nil {
		writeLedgerError(w, "Failed to delete register", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBalance returns the register's current amount.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := ledger.RegisterID(chi.URLParam(r, "id"))

	reg, err := h.Engine.Register(r.Context(), id)
	if err != nil {
		writeLedgerError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		RegisterID: string(id),
		Balance:    reg.CurrentAmount.StringFixed(2),
		Overdrawn:  reg.Overdrawn(),
	})
}

// ListRegistersBySite returns the registers belonging to a site.
func (h *Handler) ListRegistersBySite(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteID")

	registers, err := h.Engine.RegistersForSite(r.Context(), siteID)
	if err != nil {
		writeLedgerError(w, "Failed to list registers", err)
		return
	}

	dtos := make([]RegisterDTO, len(registers))
	for i := range registers {
		dtos[i] = registerDTO(&registers[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// LIFECYCLE HANDLERS
// =============================================================================

// OpenRegister transitions closed -> open.
func (h *Handler) OpenRegister(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.Engine.Open)
}

// CloseRegister transitions open -> closed.
func (h *Handler) CloseRegister(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.Engine.Close)
}

func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, id ledger.RegisterID, actorID string) (*ledger.CashRegister, error)) {

	id := ledger.RegisterID(chi.URLParam(r, "id"))

	var req LifecycleRequest
	json.NewDecoder(r.Body).Decode(&req)

	reg, err := op(r.Context(), id, req.ActorID)
	if err != nil {
		writeLedgerError(w, "Lifecycle transition failed", err)
		return
	}
	writeJSON(w, http.StatusOK, registerDTO(reg))
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// ApplyTransaction posts one movement to the register's ledger.
func (h *Handler) ApplyTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.RegisterID(chi.URLParam(r, "id"))

	var req ApplyTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount (use a decimal string)", err)
		return
	}

	tx, err := h.Engine.Apply(r.Context(), ledger.ApplyInput{
		RegisterID: id,
		Type:       ledger.TransactionType(req.Type),
		Amount:     amount,
		Reference:  req.Reference,
		Notes:      req.Notes,
		ActorID:    req.ActorID,
	})
	if err != nil {
		writeLedgerError(w, "Failed to apply transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, transactionDTO(*tx))
}

// RecordSale is invoked by the invoicing/POS module when a sale is settled
// against this register.
func (h *Handler) RecordSale(w http.ResponseWriter, r *http.Request) {
	id := ledger.RegisterID(chi.URLParam(r, "id"))

	var req RecordSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount (use a decimal string)", err)
		return
	}

	tx, err := h.Engine.RecordSale(r.Context(), id, amount, req.InvoiceReference, req.ActorID)
	if err != nil {
		writeLedgerError(w, "Failed to record sale", err)
		return
	}
	writeJSON(w, http.StatusCreated, transactionDTO(*tx))
}

// RecordManualMovement posts a deposit or withdrawal from the
// cash-operations UI.
func (h *Handler) RecordManualMovement(w http.ResponseWriter, r *http.Request) {
	id := ledger.RegisterID(chi.URLParam(r, "id"))

	var req ManualMovementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount (use a decimal string)", err)
		return
	}

	tx, err := h.Engine.RecordManualMovement(r.Context(), id,
		ledger.TransactionType(req.Type), amount, req.Notes, req.ActorID)
	if err != nil {
		writeLedgerError(w, "Failed to record movement", err)
		return
	}
	writeJSON(w, http.StatusCreated, transactionDTO(*tx))
}

// ListTransactions returns the ledger in append order. Supports
// ?type=sale&type=refund, ?from=, ?to= (RFC3339) and ?limit= filters.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id := ledger.RegisterID(chi.URLParam(r, "id"))

	var filter ledger.TransactionFilter
	for _, t := range r.URL.Query()["type"] {
		filter.Types = append(filter.Types, ledger.TransactionType(t))
	}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from timestamp (use RFC3339)", err)
			return
		}
		filter.From = &t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to timestamp (use RFC3339)", err)
			return
		}
		filter.To = &t
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = n
	}

	txs, err := h.Engine.ListTransactions(r.Context(), id, filter)
	if err != nil {
		writeLedgerError(w, "Failed to list transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = transactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RECONCILIATION HANDLER
// =============================================================================

// ReconcileRegister aligns the ledger with a physically counted amount.
func (h *Handler) ReconcileRegister(w http.ResponseWriter, r *http.Request) {
	id := ledger.RegisterID(chi.URLParam(r, "id"))

	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	counted, err := decimal.NewFromString(req.CountedAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid counted_amount (use a decimal string)", err)
		return
	}

	result, err := h.Engine.Reconcile(r.Context(), id, counted, req.ActorID, req.Notes)
	if err != nil {
		writeLedgerError(w, "Reconciliation failed", err)
		return
	}

	dto := ReconciliationDTO{
		RegisterID:   string(result.RegisterID),
		Delta:        result.Delta.StringFixed(2),
		NewBalance:   result.NewBalance.StringFixed(2),
		ReconciledAt: result.ReconciledAt.Format(time.RFC3339Nano),
	}
	if result.AdjustmentTransactionID != nil {
		dto.AdjustmentTransactionID = string(*result.AdjustmentTransactionID)
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// AUDIT HANDLER
// =============================================================================

// QueryAudit returns the audit trail, filterable by register_id, actor_id,
// kind (repeatable) and limit.
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	if h.Audit == nil {
		writeError(w, http.StatusNotFound, "Audit log not available", nil)
		return
	}

	var filter ledger.AuditFilter
	if v := r.URL.Query().Get("register_id"); v != "" {
		id := ledger.RegisterID(v)
		filter.RegisterID = &id
	}
	if v := r.URL.Query().Get("actor_id"); v != "" {
		filter.ActorID = &v
	}
	for _, k := range r.URL.Query()["kind"] {
		filter.Kinds = append(filter.Kinds, ledger.EventKind(k))
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = n
	}

	events, err := h.Audit.QueryAudit(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit log", err)
		return
	}

	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = eventDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps typed ledger errors onto HTTP status codes.
func writeLedgerError(w http.ResponseWriter, message string, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrRegisterBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, message, err)
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidType):
		writeError(w, http.StatusBadRequest, message, err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusConflict, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
