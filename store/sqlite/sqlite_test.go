package sqlite_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillpoint/register-engine/ledger"
	"github.com/tillpoint/register-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testRegister(id string, initial string, status ledger.RegisterStatus) ledger.CashRegister {
	return ledger.CashRegister{
		ID:            ledger.RegisterID(id),
		Name:          "Register " + id,
		SiteID:        "site-1",
		InitialAmount: dec(initial),
		CurrentAmount: dec(initial),
		Status:        status,
		CreatedAt:     time.Now().UTC(),
	}
}

func testTx(id, regID string, typ ledger.TransactionType, amount string) ledger.CashTransaction {
	return ledger.CashTransaction{
		ID:         ledger.TransactionID(id),
		RegisterID: ledger.RegisterID(regID),
		Type:       typ,
		Amount:     dec(amount),
		UserID:     "cashier-1",
		CreatedAt:  time.Now().UTC(),
	}
}

// =============================================================================
// REGISTER PERSISTENCE
// =============================================================================

func TestSQLite_CreateAndGetRegister(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	reg := testRegister("reg-1", "100.00", ledger.StatusClosed)
	require.NoError(t, st.CreateRegister(ctx, reg))

	got, err := st.GetRegister(ctx, "reg-1")
	require.NoError(t, err)

	assert.Equal(t, reg.ID, got.ID)
	assert.Equal(t, reg.Name, got.Name)
	assert.Equal(t, "site-1", got.SiteID)
	assert.True(t, got.InitialAmount.Equal(dec("100.00")))
	assert.True(t, got.CurrentAmount.Equal(dec("100.00")))
	assert.Equal(t, ledger.StatusClosed, got.Status)
	assert.Nil(t, got.LastReconciledAt)
}

func TestSQLite_CreateRegister_DuplicateID_Rejected(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRegister(ctx, testRegister("reg-1", "0", ledger.StatusClosed)))
	err := st.CreateRegister(ctx, testRegister("reg-1", "0", ledger.StatusClosed))
	assert.ErrorIs(t, err, ledger.ErrRegisterExists)
}

func TestSQLite_GetRegister_NotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetRegister(context.Background(), "nope")
	assert.ErrorIs(t, err, ledger.ErrRegisterNotFound)
}

func TestSQLite_ListRegistersBySite(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := testRegister("reg-a", "0", ledger.StatusClosed)
	a.Name = "Alpha"
	b := testRegister("reg-b", "0", ledger.StatusClosed)
	b.Name = "Beta"
	c := testRegister("reg-c", "0", ledger.StatusClosed)
	c.Name = "Gamma"
	c.SiteID = "site-2"

	for _, reg := range []ledger.CashRegister{c, b, a} {
		require.NoError(t, st.CreateRegister(ctx, reg))
	}

	regs, err := st.ListRegistersBySite(ctx, "site-1")
	require.NoError(t, err)
	require.Len(t, regs, 2)
	assert.Equal(t, "Alpha", regs[0].Name, "ordered by name")
	assert.Equal(t, "Beta", regs[1].Name)

	all, err := st.ListRegisters(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// =============================================================================
// LIFECYCLE TRANSITIONS - compare-and-set
// =============================================================================

func TestSQLite_Transition_CASSemantics(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRegister(ctx, testRegister("reg-1", "0", ledger.StatusClosed)))

	reg, err := st.Transition(ctx, "reg-1", ledger.StatusClosed, ledger.StatusOpen)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusOpen, reg.Status)

	// Wrong expected-from fails without changing anything
	_, err = st.Transition(ctx, "reg-1", ledger.StatusClosed, ledger.StatusOpen)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	var transErr *ledger.InvalidTransitionError
	require.ErrorAs(t, err, &transErr)
	assert.Equal(t, ledger.StatusOpen, transErr.From)

	got, err := st.GetRegister(ctx, "reg-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusOpen, got.Status)
}

func TestSQLite_Transition_NotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Transition(context.Background(), "nope", ledger.StatusClosed, ledger.StatusOpen)
	assert.ErrorIs(t, err, ledger.ErrRegisterNotFound)
}

// =============================================================================
// APPLY - atomic append + increment
// =============================================================================

func TestSQLite_Apply_AppendsAndIncrements(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRegister(ctx, testRegister("reg-1", "100.00", ledger.StatusOpen)))

	reg, err := st.Apply(ctx, testTx("tx-1", "reg-1", ledger.TxSale, "25.50"))
	require.NoError(t, err)
	assert.True(t, reg.CurrentAmount.Equal(dec("125.50")))

	reg, err = st.Apply(ctx, testTx("tx-2", "reg-1", ledger.TxWithdrawal, "-0.50"))
	require.NoError(t, err)
	assert.True(t, reg.CurrentAmount.Equal(dec("125.00")))

	txs, err := st.Transactions(ctx, "reg-1", ledger.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.TransactionID("tx-1"), txs[0].ID)
	assert.Equal(t, ledger.TransactionID("tx-2"), txs[1].ID)
	assert.True(t, txs[0].Amount.Equal(dec("25.50")))
}

func TestSQLite_Apply_ClosedRegister_NoPartialEffect(t *testing.T) {
	// Status is checked inside the same storage transaction as the append,
	// so a rejection leaves neither a ledger entry nor a balance change.

	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRegister(ctx, testRegister("reg-1", "100.00", ledger.StatusClosed)))

	_, err := st.Apply(ctx, testTx("tx-1", "reg-1", ledger.TxSale, "25.00"))
	assert.ErrorIs(t, err, ledger.ErrRegisterClosed)

	got, err := st.GetRegister(ctx, "reg-1")
	require.NoError(t, err)
	assert.True(t, got.CurrentAmount.Equal(dec("100.00")))

	txs, err := st.Transactions(ctx, "reg-1", ledger.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestSQLite_Apply_UnknownRegister(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Apply(context.Background(), testTx("tx-1", "nope", ledger.TxSale, "1.00"))
	assert.ErrorIs(t, err, ledger.ErrRegisterNotFound)
}

func TestSQLite_Apply_SubCentPrecision_Rejected(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRegister(ctx, testRegister("reg-1", "0", ledger.StatusOpen)))

	_, err := st.Apply(ctx, testTx("tx-1", "reg-1", ledger.TxSale, "1.005"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestSQLite_Apply_Concurrent_NoLostUpdates(t *testing.T) {
	// The increment runs inside the database, so concurrent appliers can
	// never overwrite each other's balance update.

	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRegister(ctx, testRegister("reg-1", "0", ledger.StatusOpen)))

	const workers = 50
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.Apply(ctx, testTx(fmt.Sprintf("tx-%d", i), "reg-1", ledger.TxSale, "1.00"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	got, err := st.GetRegister(ctx, "reg-1")
	require.NoError(t, err)
	assert.True(t, got.CurrentAmount.Equal(dec("50.00")), "expected 50.00, got %s", got.CurrentAmount)

	txs, err := st.Transactions(ctx, "reg-1", ledger.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, txs, 50)
}

// =============================================================================
// TRANSACTION READS
// =============================================================================

func TestSQLite_Transactions_FilterAndLimit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRegister(ctx, testRegister("reg-1", "0", ledger.StatusOpen)))

	_, err := st.Apply(ctx, testTx("tx-1", "reg-1", ledger.TxSale, "10.00"))
	require.NoError(t, err)
	_, err = st.Apply(ctx, testTx("tx-2", "reg-1", ledger.TxDeposit, "5.00"))
	require.NoError(t, err)
	_, err = st.Apply(ctx, testTx("tx-3", "reg-1", ledger.TxSale, "7.00"))
	require.NoError(t, err)

	sales, err := st.Transactions(ctx, "reg-1", ledger.TransactionFilter{
		Types: []ledger.TransactionType{ledger.TxSale},
	})
	require.NoError(t, err)
	require.Len(t, sales, 2)
	assert.Equal(t, ledger.TransactionID("tx-1"), sales[0].ID)
	assert.Equal(t, ledger.TransactionID("tx-3"), sales[1].ID)

	limited, err := st.Transactions(ctx, "reg-1", ledger.TransactionFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLite_Transactions_IdempotentRead(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRegister(ctx, testRegister("reg-1", "0", ledger.StatusOpen)))
	for i := 0; i < 5; i++ {
		_, err := st.Apply(ctx, testTx(fmt.Sprintf("tx-%d", i), "reg-1", ledger.TxSale, "1.00"))
		require.NoError(t, err)
	}

	first, err := st.Transactions(ctx, "reg-1", ledger.TransactionFilter{})
	require.NoError(t, err)
	second, err := st.Transactions(ctx, "reg-1", ledger.TransactionFilter{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSQLite_Transactions_UnknownRegister(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Transactions(context.Background(), "nope", ledger.TransactionFilter{})
	assert.ErrorIs(t, err, ledger.ErrRegisterNotFound)
}

// =============================================================================
// RECONCILE
// =============================================================================

func TestSQLite_Reconcile_PostsAdjustmentAndReopens(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRegister(ctx, testRegister("reg-1", "0", ledger.StatusOpen)))
	_, err := st.Apply(ctx, testTx("tx-1", "reg-1", ledger.TxSale, "100.00"))
	require.NoError(t, err)
	_, err = st.Transition(ctx, "reg-1", ledger.StatusOpen, ledger.StatusClosed)
	require.NoError(t, err)

	adjustment := testTx("adj-1", "reg-1", ledger.TxAdjustment, "0")
	result, err := st.Reconcile(ctx, "reg-1", dec("95.00"), adjustment)
	require.NoError(t, err)

	assert.True(t, result.Delta.Equal(dec("-5.00")))
	assert.True(t, result.NewBalance.Equal(dec("95.00")))
	require.NotNil(t, result.AdjustmentTransactionID)
	assert.Equal(t, ledger.TransactionID("adj-1"), *result.AdjustmentTransactionID)

	got, err := st.GetRegister(ctx, "reg-1")
	require.NoError(t, err)
	assert.True(t, got.CurrentAmount.Equal(dec("95.00")))
	assert.Equal(t, ledger.StatusOpen, got.Status)
	require.NotNil(t, got.LastReconciledAt)

	txs, err := st.Transactions(ctx, "reg-1", ledger.TransactionFilter{
		Types: []ledger.TransactionType{ledger.TxAdjustment},
	})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Amount.Equal(dec("-5.00")), "adjustment amount filled from the delta")
}

func TestSQLite_Reconcile_ZeroDelta_NoAdjustmentRow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRegister(ctx, testRegister("reg-1", "50.00", ledger.StatusOpen)))

	result, err := st.Reconcile(ctx, "reg-1", dec("50.00"), testTx("adj-1", "reg-1", ledger.TxAdjustment, "0"))
	require.NoError(t, err)

	assert.True(t, result.Delta.IsZero())
	assert.Nil(t, result.AdjustmentTransactionID)

	txs, err := st.Transactions(ctx, "reg-1", ledger.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txs)

	got, err := st.GetRegister(ctx, "reg-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastReconciledAt, "timestamp refreshed even on a clean count")
}

func TestSQLite_Reconcile_NotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Reconcile(context.Background(), "nope", dec("1.00"),
		testTx("adj-1", "nope", ledger.TxAdjustment, "0"))
	assert.ErrorIs(t, err, ledger.ErrRegisterNotFound)
}

// =============================================================================
// DELETION GUARD
// =============================================================================

func TestSQLite_DeleteRegister_GuardedByHistory(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRegister(ctx, testRegister("reg-1", "0", ledger.StatusOpen)))
	_, err := st.Apply(ctx, testTx("tx-1", "reg-1", ledger.TxSale, "1.00"))
	require.NoError(t, err)

	err = st.DeleteRegister(ctx, "reg-1")
	assert.ErrorIs(t, err, ledger.ErrRegisterNotEmpty)

	// Empty registers can be deleted
	require.NoError(t, st.CreateRegister(ctx, testRegister("reg-2", "0", ledger.StatusClosed)))
	require.NoError(t, st.DeleteRegister(ctx, "reg-2"))

	_, err = st.GetRegister(ctx, "reg-2")
	assert.ErrorIs(t, err, ledger.ErrRegisterNotFound)
}

func TestSQLite_DeleteRegister_NotFound(t *testing.T) {
	st := newTestStore(t)

	err := st.DeleteRegister(context.Background(), "nope")
	assert.ErrorIs(t, err, ledger.ErrRegisterNotFound)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func TestSQLite_Audit_RecordAndQuery(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	events := []ledger.Event{
		{ID: "ev-1", Kind: ledger.EventRegisterCreated, RegisterID: "reg-1", ActorID: "admin",
			Timestamp: time.Now().UTC(), Payload: map[string]any{"name": "Front Desk"}},
		{ID: "ev-2", Kind: ledger.EventRegisterOpened, RegisterID: "reg-1", ActorID: "cashier-1",
			Timestamp: time.Now().UTC()},
		{ID: "ev-3", Kind: ledger.EventTransactionApplied, RegisterID: "reg-2", ActorID: "cashier-2",
			Timestamp: time.Now().UTC(), Payload: map[string]any{"amount": "10"}},
	}
	for _, e := range events {
		require.NoError(t, st.Record(ctx, e))
	}

	regID := ledger.RegisterID("reg-1")
	got, err := st.QueryAudit(ctx, ledger.AuditFilter{RegisterID: &regID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ev-1", got[0].ID, "append order preserved")
	assert.Equal(t, "ev-2", got[1].ID)
	assert.Equal(t, "Front Desk", got[0].Payload["name"])

	actor := "cashier-2"
	got, err = st.QueryAudit(ctx, ledger.AuditFilter{ActorID: &actor})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ledger.EventTransactionApplied, got[0].Kind)

	got, err = st.QueryAudit(ctx, ledger.AuditFilter{
		Kinds: []ledger.EventKind{ledger.EventRegisterCreated, ledger.EventRegisterOpened},
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// =============================================================================
// ENGINE OVER SQLITE - end-to-end persistence
// =============================================================================

func TestSQLite_EngineIntegration_BalanceInvariant(t *testing.T) {
	st := newTestStore(t)
	engine := ledger.NewEngine(st, nil, st)
	ctx := context.Background()

	reg, err := engine.CreateRegister(ctx, "Front Desk", "site-1", dec("25.00"), "admin")
	require.NoError(t, err)
	_, err = engine.Open(ctx, reg.ID, "cashier-1")
	require.NoError(t, err)

	amounts := []struct {
		typ    ledger.TransactionType
		amount string
	}{
		{ledger.TxSale, "120.00"},
		{ledger.TxRefund, "-20.00"},
		{ledger.TxDeposit, "30.00"},
		{ledger.TxWithdrawal, "-55.00"},
	}
	for _, a := range amounts {
		_, err := engine.Apply(ctx, ledger.ApplyInput{
			RegisterID: reg.ID, Type: a.typ, Amount: dec(a.amount), ActorID: "cashier-1",
		})
		require.NoError(t, err)
	}

	// initial 25 + 120 - 20 + 30 - 55 = 100
	balance, err := engine.GetBalance(ctx, reg.ID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("100.00")), "expected 100.00, got %s", balance)

	// Sum of the log plus initial must equal the cached projection
	txs, err := engine.ListTransactions(ctx, reg.ID, ledger.TransactionFilter{})
	require.NoError(t, err)
	sum := dec("25.00")
	for _, tx := range txs {
		sum = sum.Add(tx.Amount)
	}
	assert.True(t, sum.Equal(balance))

	// Audit trail captured every mutating operation
	regID := reg.ID
	auditEvents, err := st.QueryAudit(ctx, ledger.AuditFilter{RegisterID: &regID})
	require.NoError(t, err)
	assert.Len(t, auditEvents, 6, "create + open + 4 applies")
}
