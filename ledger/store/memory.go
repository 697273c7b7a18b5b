// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tillpoint/register-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps registers and their ledgers in process memory. A single
// RWMutex makes each Store method atomic, which is all the atomicity the
// engine's contract asks of a store: Apply and Reconcile each happen under
// one lock hold, so no partial effect is ever observable.
type Memory struct {
	mu           sync.RWMutex
	registers    map[ledger.RegisterID]ledger.CashRegister
	transactions map[ledger.RegisterID][]ledger.CashTransaction
}

func NewMemory() *Memory {
	return &Memory{
		registers:    make(map[ledger.RegisterID]ledger.CashRegister),
		transactions: make(map[ledger.RegisterID][]ledger.CashTransaction),
	}
}

func (m *Memory) CreateRegister(_ context.Context, reg ledger.CashRegister) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.registers[reg.ID]; ok {
		return ledger.ErrRegisterExists
	}
	m.registers[reg.ID] = reg
	return nil
}

func (m *Memory) GetRegister(_ context.Context, id ledger.RegisterID) (*ledger.CashRegister, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reg, ok := m.registers[id]
	if !ok {
		return nil, ledger.ErrRegisterNotFound
	}
	return &reg, nil
}

func (m *Memory) ListRegisters(_ context.Context) ([]ledger.CashRegister, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.CashRegister, 0, len(m.registers))
	for _, reg := range m.registers {
		result = append(result, reg)
	}
	sortRegisters(result)
	return result, nil
}

func (m *Memory) ListRegistersBySite(_ context.Context, siteID string) ([]ledger.CashRegister, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.CashRegister
	for _, reg := range m.registers {
		if reg.SiteID == siteID {
			result = append(result, reg)
		}
	}
	sortRegisters(result)
	return result, nil
}

func (m *Memory) Transition(_ context.Context, id ledger.RegisterID, from, to ledger.RegisterStatus) (*ledger.CashRegister, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.registers[id]
	if !ok {
		return nil, ledger.ErrRegisterNotFound
	}
	if reg.Status != from {
		return nil, &ledger.InvalidTransitionError{RegisterID: id, From: reg.Status, To: to}
	}
	reg.Status = to
	m.registers[id] = reg
	return &reg, nil
}

// Append-only: transactions are never updated or removed, and the balance
// increment happens under the same lock hold as the append.
func (m *Memory) Apply(_ context.Context, tx ledger.CashTransaction) (*ledger.CashRegister, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.registers[tx.RegisterID]
	if !ok {
		return nil, ledger.ErrRegisterNotFound
	}
	if reg.Status != ledger.StatusOpen {
		return nil, ledger.ErrRegisterClosed
	}

	m.transactions[tx.RegisterID] = append(m.transactions[tx.RegisterID], tx)
	reg.CurrentAmount = reg.CurrentAmount.Add(tx.Amount)
	m.registers[tx.RegisterID] = reg
	return &reg, nil
}

func (m *Memory) Reconcile(_ context.Context, id ledger.RegisterID, counted decimal.Decimal, adjustment ledger.CashTransaction) (*ledger.ReconciliationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.registers[id]
	if !ok {
		return nil, ledger.ErrRegisterNotFound
	}

	now := time.Now().UTC()
	delta := counted.Sub(reg.CurrentAmount)
	result := &ledger.ReconciliationResult{
		RegisterID:   id,
		Delta:        delta,
		NewBalance:   counted,
		ReconciledAt: now,
	}

	if !delta.IsZero() {
		adjustment.Amount = delta
		m.transactions[id] = append(m.transactions[id], adjustment)
		reg.CurrentAmount = counted
		txID := adjustment.ID
		result.AdjustmentTransactionID = &txID
	}

	reg.Status = ledger.StatusOpen
	reg.LastReconciledAt = &now
	m.registers[id] = reg
	return result, nil
}

func (m *Memory) Transactions(_ context.Context, id ledger.RegisterID, filter ledger.TransactionFilter) ([]ledger.CashTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.registers[id]; !ok {
		return nil, ledger.ErrRegisterNotFound
	}

	var result []ledger.CashTransaction
	for _, tx := range m.transactions[id] {
		if !filter.Matches(tx) {
			continue
		}
		result = append(result, tx)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *Memory) DeleteRegister(_ context.Context, id ledger.RegisterID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.registers[id]; !ok {
		return ledger.ErrRegisterNotFound
	}
	if len(m.transactions[id]) > 0 {
		return ledger.ErrRegisterNotEmpty
	}
	delete(m.registers, id)
	delete(m.transactions, id)
	return nil
}

func sortRegisters(regs []ledger.CashRegister) {
	sort.Slice(regs, func(i, j int) bool { return regs[i].Name < regs[j].Name })
}
