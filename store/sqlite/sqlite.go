/*
Package sqlite provides a SQLite-backed implementation of the billing store.

PURPOSE:
  Implements billing.TxStore (bills, credit, units, aggregated views) on
  SQLite. In production the same patterns apply to PostgreSQL with minor
  dialect differences.

KEY TABLES:
  bills:          Authoritative bills, one row per (client, unit, period)
  credits:        Credit balance per (client, unit, fiscal year)
  credit_entries: Append-only credit history
  units:          Unit registry
  year_views:     Aggregated year views (JSON, rebuildable)
  stale_cells:    Staleness markers for year_views

OPTIMISTIC CONCURRENCY:
  bills and credits carry a version column. Every update is
  "... WHERE version = ?"; zero affected rows means another writer got there
  first and the write fails with ConcurrencyConflictError.

CONCURRENCY:
  One open connection (required for ":memory:" and keeps SQLite writers
  serialized). WithTx additionally serializes transactions with a mutex.

WAL MODE:
  File databases are opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Versioned SQL files under migrations/ are embedded and applied with
  golang-migrate on New().

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/utility-ledger/billing"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements billing.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

// New opens (or creates) the database at dbPath and applies migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := NewFromDB(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewFromDB wraps an open database whose schema is already in place.
func NewFromDB(db *sql.DB) *Store {
	return &Store{queries: queries{q: db}, db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite3 driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m.Close() would close s.db through the driver.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// Multi-statement writes outside WithTx get their own transaction.

func (s *Store) UpdateBills(ctx context.Context, bills []billing.Bill) error {
	return s.WithTx(ctx, func(tx billing.Store) error { return tx.UpdateBills(ctx, bills) })
}

func (s *Store) SaveCredit(ctx context.Context, balance billing.CreditBalance, entry billing.CreditEntry) error {
	return s.WithTx(ctx, func(tx billing.Store) error { return tx.SaveCredit(ctx, balance, entry) })
}

func (s *Store) MarkStale(ctx context.Context, clientID billing.ClientID, year int, marks []billing.StaleMark) error {
	return s.WithTx(ctx, func(tx billing.Store) error { return tx.MarkStale(ctx, clientID, year, marks) })
}

// queries implements billing.Store over a database or a transaction.
type queries struct {
	q querier
}

// =============================================================================
// BILL STORE
// =============================================================================

const billColumns = `client_id, unit_id, period, fiscal_year, due_date, base_charge, penalty_amount,
	total_amount, paid_amount, payments, days_past_due, last_penalty_update, created_at, version`

func (s *queries) InsertBill(ctx context.Context, b billing.Bill) error {
	payments, err := billing.EncodePayments(b.Payments)
	if err != nil {
		return err
	}
	createdAt := b.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO bills (`+billColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`,
		b.ClientID, b.UnitID, b.Period, b.FiscalYear, formatTime(b.DueDate),
		int64(b.BaseCharge), int64(b.PenaltyAmount), int64(b.TotalAmount), int64(b.PaidAmount),
		string(payments), b.DaysPastDue, nullTime(b.LastPenaltyUpdate), formatTime(createdAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrBillExists
		}
		return fmt.Errorf("failed to insert bill: %w", err)
	}
	return nil
}

func (s *queries) GetBill(ctx context.Context, key billing.BillKey) (billing.Bill, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+billColumns+` FROM bills
		WHERE client_id = ? AND unit_id = ? AND period = ?
	`, key.ClientID, key.UnitID, key.Period)

	b, err := scanBill(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Bill{}, billing.ErrBillNotFound
	}
	return b, err
}

func (s *queries) ListUnitBills(ctx context.Context, clientID billing.ClientID, unitID billing.UnitID) ([]billing.Bill, error) {
	return s.queryBills(ctx, `
		SELECT `+billColumns+` FROM bills
		WHERE client_id = ? AND unit_id = ?
		ORDER BY period ASC
	`, clientID, unitID)
}

func (s *queries) ListClientBills(ctx context.Context, clientID billing.ClientID, fiscalYear int) ([]billing.Bill, error) {
	return s.queryBills(ctx, `
		SELECT `+billColumns+` FROM bills
		WHERE client_id = ? AND fiscal_year = ?
		ORDER BY unit_id ASC, period ASC
	`, clientID, fiscalYear)
}

// FindBillsByTransaction narrows candidates with LIKE on the encoded id and
// confirms on the decoded payment list.
func (s *queries) FindBillsByTransaction(ctx context.Context, clientID billing.ClientID, txID billing.TransactionID) ([]billing.Bill, error) {
	quoted, err := json.Marshal(string(txID))
	if err != nil {
		return nil, err
	}
	candidates, err := s.queryBills(ctx, `
		SELECT `+billColumns+` FROM bills
		WHERE client_id = ? AND payments LIKE ? ESCAPE '\'
		ORDER BY unit_id ASC, period ASC
	`, clientID, "%"+escapeLike(string(quoted))+"%")
	if err != nil {
		return nil, err
	}

	var out []billing.Bill
	for _, b := range candidates {
		if b.HasPayment(txID) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *queries) UpdateBills(ctx context.Context, bills []billing.Bill) error {
	for _, b := range bills {
		payments, err := billing.EncodePayments(b.Payments)
		if err != nil {
			return err
		}
		res, err := s.q.ExecContext(ctx, `
			UPDATE bills SET
				penalty_amount = ?, total_amount = ?, paid_amount = ?, payments = ?,
				days_past_due = ?, last_penalty_update = ?, version = version + 1
			WHERE client_id = ? AND unit_id = ? AND period = ? AND version = ?
		`,
			int64(b.PenaltyAmount), int64(b.TotalAmount), int64(b.PaidAmount), string(payments),
			b.DaysPastDue, nullTime(b.LastPenaltyUpdate),
			b.ClientID, b.UnitID, b.Period, b.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to update bill: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to update bill: %w", err)
		}
		if n == 0 {
			return s.missingOrConflict(ctx, b.Key())
		}
	}
	return nil
}

func (s *queries) missingOrConflict(ctx context.Context, key billing.BillKey) error {
	var one int
	err := s.q.QueryRowContext(ctx,
		"SELECT 1 FROM bills WHERE client_id = ? AND unit_id = ? AND period = ?",
		key.ClientID, key.UnitID, key.Period,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.ErrBillNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check bill: %w", err)
	}
	return &billing.ConcurrencyConflictError{
		Resource: "bill",
		Key:      fmt.Sprintf("%s/%s/%s", key.ClientID, key.UnitID, key.Period),
	}
}

func (s *queries) queryBills(ctx context.Context, query string, args ...any) ([]billing.Bill, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bills: %w", err)
	}
	defer rows.Close()

	var bills []billing.Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBill(row scanner) (billing.Bill, error) {
	var (
		b                 billing.Bill
		dueDate           string
		base, pen, total  int64
		paid              int64
		payments          string
		lastPenaltyUpdate sql.NullString
		createdAt         string
	)
	err := row.Scan(
		&b.ClientID, &b.UnitID, &b.Period, &b.FiscalYear, &dueDate,
		&base, &pen, &total, &paid, &payments,
		&b.DaysPastDue, &lastPenaltyUpdate, &createdAt, &b.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return b, err
	}
	if err != nil {
		return b, fmt.Errorf("failed to scan bill: %w", err)
	}

	b.BaseCharge = billing.Money(base)
	b.PenaltyAmount = billing.Money(pen)
	b.TotalAmount = billing.Money(total)
	b.PaidAmount = billing.Money(paid)
	b.DueDate = parseTime(dueDate)
	b.CreatedAt = parseTime(createdAt)
	if lastPenaltyUpdate.Valid {
		b.LastPenaltyUpdate = parseTime(lastPenaltyUpdate.String)
	}

	b.Payments, err = billing.DecodePayments([]byte(payments), b.PaidAmount)
	if err != nil {
		return b, fmt.Errorf("bill %s/%s/%s: %w", b.ClientID, b.UnitID, b.Period, err)
	}
	return b, nil
}

// =============================================================================
// CREDIT STORE
// =============================================================================

func (s *queries) GetCredit(ctx context.Context, clientID billing.ClientID, unitID billing.UnitID, fiscalYear int) (billing.CreditBalance, error) {
	bal := billing.CreditBalance{ClientID: clientID, UnitID: unitID, FiscalYear: fiscalYear}

	var balance int64
	err := s.q.QueryRowContext(ctx, `
		SELECT balance, version FROM credits
		WHERE client_id = ? AND unit_id = ? AND fiscal_year = ?
	`, clientID, unitID, fiscalYear).Scan(&balance, &bal.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return bal, nil
	}
	if err != nil {
		return bal, fmt.Errorf("failed to get credit: %w", err)
	}
	bal.Balance = billing.Money(balance)

	bal.History, err = s.queryEntries(ctx, `
		WHERE client_id = ? AND unit_id = ? AND fiscal_year = ?
	`, clientID, unitID, fiscalYear)
	return bal, err
}

func (s *queries) ListCredits(ctx context.Context, clientID billing.ClientID, fiscalYear int) ([]billing.CreditBalance, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT unit_id, balance, version FROM credits
		WHERE client_id = ? AND fiscal_year = ?
		ORDER BY unit_id ASC
	`, clientID, fiscalYear)
	if err != nil {
		return nil, fmt.Errorf("failed to query credits: %w", err)
	}
	defer rows.Close()

	var out []billing.CreditBalance
	for rows.Next() {
		bal := billing.CreditBalance{ClientID: clientID, FiscalYear: fiscalYear}
		var balance int64
		if err := rows.Scan(&bal.UnitID, &balance, &bal.Version); err != nil {
			return nil, fmt.Errorf("failed to scan credit: %w", err)
		}
		bal.Balance = billing.Money(balance)
		out = append(out, bal)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	entries, err := s.queryEntries(ctx, "WHERE client_id = ? AND fiscal_year = ?", clientID, fiscalYear)
	if err != nil {
		return nil, err
	}
	byUnit := make(map[billing.UnitID][]billing.CreditEntry)
	for _, e := range entries {
		byUnit[e.UnitID] = append(byUnit[e.UnitID], e)
	}
	for i := range out {
		out[i].History = byUnit[out[i].UnitID]
	}
	return out, nil
}

func (s *queries) ListUnitCredits(ctx context.Context, clientID billing.ClientID, unitID billing.UnitID) ([]billing.CreditBalance, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT fiscal_year, balance, version FROM credits
		WHERE client_id = ? AND unit_id = ?
		ORDER BY fiscal_year ASC
	`, clientID, unitID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unit credits: %w", err)
	}
	defer rows.Close()

	var out []billing.CreditBalance
	for rows.Next() {
		bal := billing.CreditBalance{ClientID: clientID, UnitID: unitID}
		var balance int64
		if err := rows.Scan(&bal.FiscalYear, &balance, &bal.Version); err != nil {
			return nil, fmt.Errorf("failed to scan credit: %w", err)
		}
		bal.Balance = billing.Money(balance)
		out = append(out, bal)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	entries, err := s.queryEntries(ctx, "WHERE client_id = ? AND unit_id = ?", clientID, unitID)
	if err != nil {
		return nil, err
	}
	byYear := make(map[int][]billing.CreditEntry)
	for _, e := range entries {
		byYear[e.FiscalYear] = append(byYear[e.FiscalYear], e)
	}
	for i := range out {
		out[i].History = byYear[out[i].FiscalYear]
	}
	return out, nil
}

func (s *queries) SaveCredit(ctx context.Context, bal billing.CreditBalance, e billing.CreditEntry) error {
	conflict := &billing.ConcurrencyConflictError{
		Resource: "credit",
		Key:      fmt.Sprintf("%s/%s/%d", bal.ClientID, bal.UnitID, bal.FiscalYear),
	}

	if bal.Version == 0 {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO credits (client_id, unit_id, fiscal_year, balance, version)
			VALUES (?, ?, ?, ?, 1)
		`, bal.ClientID, bal.UnitID, bal.FiscalYear, int64(bal.Balance))
		if isUniqueConstraintError(err) {
			return conflict
		}
		if err != nil {
			return fmt.Errorf("failed to insert credit: %w", err)
		}
	} else {
		res, err := s.q.ExecContext(ctx, `
			UPDATE credits SET balance = ?, version = version + 1
			WHERE client_id = ? AND unit_id = ? AND fiscal_year = ? AND version = ?
		`, int64(bal.Balance), bal.ClientID, bal.UnitID, bal.FiscalYear, bal.Version)
		if err != nil {
			return fmt.Errorf("failed to update credit: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to update credit: %w", err)
		} else if n == 0 {
			return conflict
		}
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO credit_entries
		(id, client_id, unit_id, fiscal_year, transaction_id, amount, entry_type, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, bal.ClientID, bal.UnitID, bal.FiscalYear, e.TransactionID, int64(e.Amount),
		e.Type, e.Description, formatTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to append credit entry: %w", err)
	}
	return nil
}

func (s *queries) CreditEntriesByTransaction(ctx context.Context, clientID billing.ClientID, txID billing.TransactionID) ([]billing.CreditEntry, error) {
	return s.queryEntries(ctx, "WHERE client_id = ? AND transaction_id = ?", clientID, txID)
}

func (s *queries) queryEntries(ctx context.Context, where string, args ...any) ([]billing.CreditEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, client_id, unit_id, fiscal_year, transaction_id, amount, entry_type, description, created_at
		FROM credit_entries `+where+`
		ORDER BY seq ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit entries: %w", err)
	}
	defer rows.Close()

	var out []billing.CreditEntry
	for rows.Next() {
		var (
			e         billing.CreditEntry
			amount    int64
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.ClientID, &e.UnitID, &e.FiscalYear, &e.TransactionID,
			&amount, &e.Type, &e.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit entry: %w", err)
		}
		e.Amount = billing.Money(amount)
		e.Timestamp = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// UNIT STORE
// =============================================================================

func (s *queries) SaveUnit(ctx context.Context, u billing.Unit) error {
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO units (client_id, unit_id, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id, unit_id) DO UPDATE SET name = excluded.name
	`, u.ClientID, u.ID, u.Name, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("failed to save unit: %w", err)
	}
	return nil
}

func (s *queries) GetUnit(ctx context.Context, clientID billing.ClientID, unitID billing.UnitID) (billing.Unit, error) {
	var (
		u         billing.Unit
		createdAt string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT client_id, unit_id, name, created_at FROM units
		WHERE client_id = ? AND unit_id = ?
	`, clientID, unitID).Scan(&u.ClientID, &u.ID, &u.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Unit{}, billing.ErrUnitNotFound
	}
	if err != nil {
		return billing.Unit{}, fmt.Errorf("failed to get unit: %w", err)
	}
	u.CreatedAt = parseTime(createdAt)
	return u, nil
}

func (s *queries) ListUnits(ctx context.Context, clientID billing.ClientID) ([]billing.Unit, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT client_id, unit_id, name, created_at FROM units
		WHERE client_id = ?
		ORDER BY unit_id ASC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query units: %w", err)
	}
	defer rows.Close()

	var out []billing.Unit
	for rows.Next() {
		var (
			u         billing.Unit
			createdAt string
		)
		if err := rows.Scan(&u.ClientID, &u.ID, &u.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		u.CreatedAt = parseTime(createdAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *queries) ListClients(ctx context.Context) ([]billing.ClientID, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT DISTINCT client_id FROM units ORDER BY client_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query clients: %w", err)
	}
	defer rows.Close()

	var out []billing.ClientID
	for rows.Next() {
		var id billing.ClientID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// =============================================================================
// VIEW STORE
// =============================================================================

func (s *queries) GetView(ctx context.Context, clientID billing.ClientID, year int) (billing.YearView, error) {
	var data string
	err := s.q.QueryRowContext(ctx,
		"SELECT view_json FROM year_views WHERE client_id = ? AND year = ?",
		clientID, year,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.YearView{}, billing.ErrViewNotFound
	}
	if err != nil {
		return billing.YearView{}, fmt.Errorf("failed to get view: %w", err)
	}

	var v billing.YearView
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return billing.YearView{}, fmt.Errorf("failed to decode view: %w", err)
	}
	return v, nil
}

func (s *queries) SaveView(ctx context.Context, v billing.YearView) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode view: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO year_views (client_id, year, view_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id, year) DO UPDATE SET
			view_json = excluded.view_json, updated_at = excluded.updated_at
	`, v.ClientID, v.Year, string(data), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save view: %w", err)
	}
	return nil
}

func (s *queries) MarkStale(ctx context.Context, clientID billing.ClientID, year int, marks []billing.StaleMark) error {
	for _, m := range marks {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO stale_cells (client_id, year, unit_id, period, reason, marked_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(client_id, year, unit_id, period) DO UPDATE SET
				reason = excluded.reason, marked_at = excluded.marked_at
		`, clientID, year, m.UnitID, m.Period, m.Reason, formatTime(m.MarkedAt))
		if err != nil {
			return fmt.Errorf("failed to mark stale: %w", err)
		}
	}
	return nil
}

func (s *queries) ClearStale(ctx context.Context, clientID billing.ClientID, year int, unitID billing.UnitID, periods []billing.BillingPeriod) error {
	query := "DELETE FROM stale_cells WHERE client_id = ? AND year = ?"
	args := []any{clientID, year}
	if unitID != "" {
		query += " AND unit_id = ?"
		args = append(args, unitID)
		if len(periods) > 0 {
			query += " AND period IN (" + placeholders(len(periods)) + ")"
			for _, p := range periods {
				args = append(args, p)
			}
		}
	}
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to clear stale markers: %w", err)
	}
	return nil
}

func (s *queries) ListStale(ctx context.Context, clientID billing.ClientID, year int) ([]billing.StaleMark, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT unit_id, period, reason, marked_at FROM stale_cells
		WHERE client_id = ? AND year = ?
		ORDER BY unit_id ASC, period ASC
	`, clientID, year)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale markers: %w", err)
	}
	defer rows.Close()

	var out []billing.StaleMark
	for rows.Next() {
		var (
			m        billing.StaleMark
			markedAt string
		)
		if err := rows.Scan(&m.UnitID, &m.Period, &m.Reason, &markedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stale marker: %w", err)
		}
		m.MarkedAt = parseTime(markedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
