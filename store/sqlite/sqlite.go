/*
Package sqlite provides the SQLite-backed implementation of the ledger
storage interfaces.

PURPOSE:
  Implements ledger.Store and ledger.AuditLog using SQLite. In production the
  same patterns apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  registers:    one row per cash drawer, with the cached balance projection
  transactions: immutable append-only ledger of monetary movement
  audit_log:    durable record of every mutating operation

BALANCE ATOMICITY:
  Monetary amounts are stored as integer cents so the balance increment can
  be evaluated by the database itself:

      UPDATE registers SET current_amount = current_amount + ?

  inside the same transaction as the ledger insert. The balance is never
  read into application code, recombined, and written back on the apply
  path. Reconciliation does read the balance, but under _txlock=immediate
  the read and the corrective write share one exclusive transaction, so no
  concurrent apply can slip in between.

APPEND-ONLY ENFORCEMENT:
  No UPDATE and no DELETE statements touch the transactions table.
  DeleteRegister refuses while any transaction rows exist.

WAL MODE:
  SQLite is opened with WAL for better concurrency (readers don't block) and
  _busy_timeout so a competing writer waits briefly instead of failing
  immediately; when the wait still expires the caller sees
  ledger.ErrRegisterBusy, a retryable error.

USAGE:
  st, err := sqlite.New("./data/registers.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()
  engine := ledger.NewEngine(st, hub, st)

SEE ALSO:
  - ledger/store.go: interface contracts
  - ledger/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/tillpoint/register-engine/ledger"
)

// Store implements ledger.Store and ledger.AuditLog using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=3000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Registers (one row per cash drawer)
	CREATE TABLE IF NOT EXISTS registers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		site_id TEXT NOT NULL DEFAULT '',
		initial_amount INTEGER NOT NULL,
		current_amount INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'closed',
		last_reconciled_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_registers_site ON registers(site_id);

	-- Transactions (append-only ledger). seq fixes the append order even
	-- when two entries share a created_at timestamp.
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		register_id TEXT NOT NULL REFERENCES registers(id),
		tx_type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		reference TEXT,
		notes TEXT,
		user_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_register ON transactions(register_id, seq);
	CREATE INDEX IF NOT EXISTS idx_transactions_type ON transactions(register_id, tx_type);
	CREATE INDEX IF NOT EXISTS idx_transactions_reference ON transactions(reference) WHERE reference IS NOT NULL;

	-- Audit log (append-only, one row per mutating operation)
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		register_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		payload_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_register ON audit_log(register_id, seq);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// REGISTERS
// =============================================================================

func (s *Store) CreateRegister(ctx context.Context, reg ledger.CashRegister) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	initial, err := toCents(reg.InitialAmount)
	if err != nil {
		return err
	}
	current, err := toCents(reg.CurrentAmount)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO registers (id, name, site_id, initial_amount, current_amount, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		reg.ID, reg.Name, reg.SiteID, initial, current, reg.Status,
		reg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrRegisterExists
		}
		return fmt.Errorf("failed to create register: %w", err)
	}
	return nil
}

func (s *Store) GetRegister(ctx context.Context, id ledger.RegisterID) (*ledger.CashRegister, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRegister(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getRegister(ctx context.Context, q querier, id ledger.RegisterID) (*ledger.CashRegister, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, name, site_id, initial_amount, current_amount, status, last_reconciled_at, created_at
		FROM registers WHERE id = ?`, id)

	reg, err := scanRegister(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrRegisterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load register: %w", err)
	}
	return reg, nil
}

func (s *Store) ListRegisters(ctx context.Context) ([]ledger.CashRegister, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryRegisters(ctx, `
		SELECT id, name, site_id, initial_amount, current_amount, status, last_reconciled_at, created_at
		FROM registers ORDER BY name`)
}

func (s *Store) ListRegistersBySite(ctx context.Context, siteID string) ([]ledger.CashRegister, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryRegisters(ctx, `
		SELECT id, name, site_id, initial_amount, current_amount, status, last_reconciled_at, created_at
		FROM registers WHERE site_id = ? ORDER BY name`, siteID)
}

func (s *Store) queryRegisters(ctx context.Context, query string, args ...any) ([]ledger.CashRegister, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query registers: %w", err)
	}
	defer rows.Close()

	var registers []ledger.CashRegister
	for rows.Next() {
		reg, err := scanRegister(rows)
		if err != nil {
			return nil, err
		}
		registers = append(registers, *reg)
	}
	return registers, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRegister(row scannable) (*ledger.CashRegister, error) {
	var (
		reg              ledger.CashRegister
		initial, current int64
		lastReconciled   sql.NullString
		createdAt        string
	)
	if err := row.Scan(&reg.ID, &reg.Name, &reg.SiteID, &initial, &current,
		&reg.Status, &lastReconciled, &createdAt); err != nil {
		return nil, err
	}

	reg.InitialAmount = fromCents(initial)
	reg.CurrentAmount = fromCents(current)
	reg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastReconciled.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastReconciled.String)
		reg.LastReconciledAt = &t
	}
	return &reg, nil
}

// =============================================================================
// LIFECYCLE TRANSITIONS - compare-and-set on status
// =============================================================================

func (s *Store) Transition(ctx context.Context, id ledger.RegisterID, from, to ledger.RegisterStatus) (*ledger.CashRegister, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE registers SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return nil, mapBusy(fmt.Errorf("failed to transition register: %w", err))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Distinguish not-found from wrong-state.
		reg, err := s.getRegister(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		return nil, &ledger.InvalidTransitionError{RegisterID: id, From: reg.Status, To: to}
	}

	return s.getRegister(ctx, s.db, id)
}

// =============================================================================
// APPLY - the atomic append + increment
// =============================================================================

func (s *Store) Apply(ctx context.Context, tx ledger.CashTransaction) (*ledger.CashRegister, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	amount, err := toCents(tx.Amount)
	if err != nil {
		return nil, err
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapBusy(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	var status ledger.RegisterStatus
	err = sqlTx.QueryRowContext(ctx, `SELECT status FROM registers WHERE id = ?`, tx.RegisterID).Scan(&status)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrRegisterNotFound
	}
	if err != nil {
		return nil, mapBusy(err)
	}
	if status != ledger.StatusOpen {
		return nil, ledger.ErrRegisterClosed
	}

	if _, err := sqlTx.ExecContext(ctx, `
		INSERT INTO transactions (id, register_id, tx_type, amount, reference, notes, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.RegisterID, tx.Type, amount,
		nullString(tx.Reference), nullString(tx.Notes), tx.UserID,
		tx.CreatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return nil, mapBusy(fmt.Errorf("failed to append transaction: %w", err))
	}

	// The increment is evaluated by the database, in the same transaction
	// as the append. No read-modify-write in application code.
	if _, err := sqlTx.ExecContext(ctx,
		`UPDATE registers SET current_amount = current_amount + ? WHERE id = ?`,
		amount, tx.RegisterID,
	); err != nil {
		return nil, mapBusy(fmt.Errorf("failed to update balance: %w", err))
	}

	reg, err := s.getRegister(ctx, sqlTx, tx.RegisterID)
	if err != nil {
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, mapBusy(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return reg, nil
}

// =============================================================================
// RECONCILE - read, adjust, reopen in one exclusive transaction
// =============================================================================

func (s *Store) Reconcile(ctx context.Context, id ledger.RegisterID, counted decimal.Decimal, adjustment ledger.CashTransaction) (*ledger.ReconciliationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	countedCents, err := toCents(counted)
	if err != nil {
		return nil, err
	}

	// _txlock=immediate: the write lock is taken up front, so the balance
	// read below cannot be invalidated by a concurrent apply before the
	// adjustment commits.
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapBusy(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	var currentCents int64
	err = sqlTx.QueryRowContext(ctx, `SELECT current_amount FROM registers WHERE id = ?`, id).Scan(&currentCents)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrRegisterNotFound
	}
	if err != nil {
		return nil, mapBusy(err)
	}

	now := time.Now().UTC()
	deltaCents := countedCents - currentCents
	result := &ledger.ReconciliationResult{
		RegisterID:   id,
		Delta:        fromCents(deltaCents),
		NewBalance:   fromCents(countedCents),
		ReconciledAt: now,
	}

	if deltaCents != 0 {
		if _, err := sqlTx.ExecContext(ctx, `
			INSERT INTO transactions (id, register_id, tx_type, amount, reference, notes, user_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			adjustment.ID, id, ledger.TxAdjustment, deltaCents,
			nullString(adjustment.Reference), nullString(adjustment.Notes),
			adjustment.UserID, adjustment.CreatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return nil, mapBusy(fmt.Errorf("failed to append adjustment: %w", err))
		}
		txID := adjustment.ID
		result.AdjustmentTransactionID = &txID
	}

	if _, err := sqlTx.ExecContext(ctx, `
		UPDATE registers SET current_amount = ?, status = ?, last_reconciled_at = ? WHERE id = ?`,
		countedCents, ledger.StatusOpen, now.Format(time.RFC3339Nano), id,
	); err != nil {
		return nil, mapBusy(fmt.Errorf("failed to update register: %w", err))
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, mapBusy(fmt.Errorf("failed to commit reconciliation: %w", err))
	}
	return result, nil
}

// =============================================================================
// TRANSACTIONS - read side
// =============================================================================

func (s *Store) Transactions(ctx context.Context, id ledger.RegisterID, filter ledger.TransactionFilter) ([]ledger.CashTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getRegister(ctx, s.db, id); err != nil {
		return nil, err
	}

	query := `
		SELECT id, register_id, tx_type, amount, reference, notes, user_id, created_at
		FROM transactions WHERE register_id = ?`
	args := []any{id}

	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += ` AND tx_type IN (` + strings.Join(placeholders, ", ") + `)`
	}
	if filter.From != nil {
		query += ` AND created_at >= ?`
		args = append(args, filter.From.UTC().Format(time.RFC3339Nano))
	}
	if filter.To != nil {
		query += ` AND created_at <= ?`
		args = append(args, filter.To.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY seq ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.CashTransaction
	for rows.Next() {
		var (
			tx               ledger.CashTransaction
			amount           int64
			reference, notes sql.NullString
			createdAt        string
		)
		if err := rows.Scan(&tx.ID, &tx.RegisterID, &tx.Type, &amount,
			&reference, &notes, &tx.UserID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Amount = fromCents(amount)
		tx.Reference = reference.String
		tx.Notes = notes.String
		tx.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// =============================================================================
// DELETION - guarded by transaction history
// =============================================================================

func (s *Store) DeleteRegister(ctx context.Context, id ledger.RegisterID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapBusy(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	var count int
	if err := sqlTx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE register_id = ?`, id).Scan(&count); err != nil {
		return mapBusy(err)
	}
	if count > 0 {
		return ledger.ErrRegisterNotEmpty
	}

	res, err := sqlTx.ExecContext(ctx, `DELETE FROM registers WHERE id = ?`, id)
	if err != nil {
		return mapBusy(fmt.Errorf("failed to delete register: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrRegisterNotFound
	}
	return sqlTx.Commit()
}

// =============================================================================
// AUDIT LOG (ledger.AuditLog interface)
// =============================================================================

func (s *Store) Record(ctx context.Context, e ledger.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payloadJSON, _ := json.Marshal(e.Payload)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, kind, register_id, actor_id, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.RegisterID, e.ActorID, string(payloadJSON),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, filter ledger.AuditFilter) ([]ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, kind, register_id, actor_id, payload_json, created_at
		FROM audit_log WHERE 1=1`
	var args []any

	if filter.RegisterID != nil {
		query += ` AND register_id = ?`
		args = append(args, *filter.RegisterID)
	}
	if filter.ActorID != nil {
		query += ` AND actor_id = ?`
		args = append(args, *filter.ActorID)
	}
	if len(filter.Kinds) > 0 {
		placeholders := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			placeholders[i] = "?"
			args = append(args, k)
		}
		query += ` AND kind IN (` + strings.Join(placeholders, ", ") + `)`
	}
	if filter.From != nil {
		query += ` AND created_at >= ?`
		args = append(args, filter.From.UTC().Format(time.RFC3339Nano))
	}
	if filter.To != nil {
		query += ` AND created_at <= ?`
		args = append(args, filter.To.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY seq ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		var (
			e           ledger.Event
			payloadJSON sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.RegisterID, &e.ActorID, &payloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if payloadJSON.Valid && payloadJSON.String != "" {
			json.Unmarshal([]byte(payloadJSON.String), &e.Payload)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// toCents converts a decimal amount to integer cents. Sub-cent precision is
// rejected: the drawer holds physical money.
func toCents(d decimal.Decimal) (int64, error) {
	cents := d.Shift(2)
	if !cents.IsInteger() {
		return 0, &ledger.InvalidAmountError{Amount: d, Reason: "sub-cent precision"}
	}
	return cents.IntPart(), nil
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

// mapBusy translates SQLite lock contention into the ledger's retryable
// contention error.
func mapBusy(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") {
		return ledger.ErrRegisterBusy
	}
	return err
}
