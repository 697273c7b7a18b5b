package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tillpoint/register-engine/ledger"
)

func TestValidType(t *testing.T) {
	for _, typ := range ledger.TransactionTypes() {
		assert.True(t, ledger.ValidType(typ), "%s should be valid", typ)
	}
	assert.False(t, ledger.ValidType("gift"))
	assert.False(t, ledger.ValidType(""))
}

func TestTransactionFilter_Matches(t *testing.T) {
	base := time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC)
	tx := ledger.CashTransaction{Type: ledger.TxSale, CreatedAt: base}

	assert.True(t, ledger.TransactionFilter{}.Matches(tx), "zero filter matches everything")

	assert.True(t, ledger.TransactionFilter{
		Types: []ledger.TransactionType{ledger.TxRefund, ledger.TxSale},
	}.Matches(tx))
	assert.False(t, ledger.TransactionFilter{
		Types: []ledger.TransactionType{ledger.TxRefund},
	}.Matches(tx))

	before := base.Add(-time.Hour)
	after := base.Add(time.Hour)

	assert.True(t, ledger.TransactionFilter{From: &before, To: &after}.Matches(tx))
	assert.False(t, ledger.TransactionFilter{From: &after}.Matches(tx))
	assert.False(t, ledger.TransactionFilter{To: &before}.Matches(tx))
	assert.True(t, ledger.TransactionFilter{From: &base, To: &base}.Matches(tx), "bounds are inclusive")
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, ledger.IsRetryable(ledger.ErrRegisterBusy))
	assert.False(t, ledger.IsRetryable(ledger.ErrRegisterClosed))

	assert.True(t, ledger.IsNotFound(ledger.ErrRegisterNotFound))
	assert.False(t, ledger.IsNotFound(ledger.ErrRegisterClosed))

	assert.True(t, ledger.IsClientError(ledger.ErrRegisterClosed))
	assert.True(t, ledger.IsClientError(&ledger.InvalidTransitionError{
		RegisterID: "reg-1", From: ledger.StatusOpen, To: ledger.StatusOpen,
	}))
	assert.False(t, ledger.IsClientError(ledger.ErrRegisterBusy))
}
