/*
store.go - Persistence interfaces for bills, credit, units and views

PURPOSE:
  Defines the interface between the billing components and the database.
  Different implementations use SQLite or in-memory storage.

KEY INTERFACES:
  BillStore:   Authoritative bills (source of truth)
  CreditStore: Credit balances with append-only history
  UnitStore:   Registry of billable units
  ViewStore:   Aggregated year views and their staleness markers
  TxStore:     Atomic multi-record writes

OPTIMISTIC CONCURRENCY:
  Bills and credit balances carry a Version. Writers pass back the version they
  read; if the stored version moved, the write fails with
  ConcurrencyConflictError and the caller retries the whole read-modify-write.

ATOMIC WRITES:
  WithTx() ensures all-or-nothing semantics. When a payment touches three
  bills and the credit balance, either all four writes land or none do.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - billing/store/memory.go: In-memory for testing

SEE ALSO:
  - cascade/engine.go: the main multi-record writer
  - reversal/saga.go: two separate atomic writes with compensation
*/
package billing

import "context"

// =============================================================================
// BILL STORE
// =============================================================================

// BillStore persists bills. Bills are never deleted.
type BillStore interface {
	// InsertBill creates a bill. Returns ErrBillExists for a duplicate period.
	InsertBill(ctx context.Context, bill Bill) error

	// GetBill returns one bill or ErrBillNotFound.
	GetBill(ctx context.Context, key BillKey) (Bill, error)

	// ListUnitBills returns every bill of a unit ordered by period ascending.
	ListUnitBills(ctx context.Context, clientID ClientID, unitID UnitID) ([]Bill, error)

	// ListClientBills returns the bills of a fiscal year ordered by unit, period.
	ListClientBills(ctx context.Context, clientID ClientID, fiscalYear int) ([]Bill, error)

	// FindBillsByTransaction returns bills whose payment list names txID.
	FindBillsByTransaction(ctx context.Context, clientID ClientID, txID TransactionID) ([]Bill, error)

	// UpdateBills writes bills whose Version matches the stored version.
	// Each stored version is incremented.
	UpdateBills(ctx context.Context, bills []Bill) error
}

// =============================================================================
// CREDIT STORE
// =============================================================================

// CreditStore persists credit balances and their history.
type CreditStore interface {
	// GetCredit returns the balance, or a zero balance with Version 0 if none exists.
	GetCredit(ctx context.Context, clientID ClientID, unitID UnitID, fiscalYear int) (CreditBalance, error)

	// ListCredits returns every credit balance of a fiscal year.
	ListCredits(ctx context.Context, clientID ClientID, fiscalYear int) ([]CreditBalance, error)

	// ListUnitCredits returns every credit balance of one unit, oldest fiscal
	// year first.
	ListUnitCredits(ctx context.Context, clientID ClientID, unitID UnitID) ([]CreditBalance, error)

	// SaveCredit writes the new balance and appends entry in one write.
	// balance.Version is the version that was read (0 for a new record).
	SaveCredit(ctx context.Context, balance CreditBalance, entry CreditEntry) error

	// CreditEntriesByTransaction returns all history entries naming txID,
	// across units and fiscal years, in append order.
	CreditEntriesByTransaction(ctx context.Context, clientID ClientID, txID TransactionID) ([]CreditEntry, error)
}

// =============================================================================
// UNIT STORE
// =============================================================================

type UnitStore interface {
	SaveUnit(ctx context.Context, unit Unit) error
	// GetUnit returns ErrUnitNotFound when the unit is not registered.
	GetUnit(ctx context.Context, clientID ClientID, unitID UnitID) (Unit, error)
	ListUnits(ctx context.Context, clientID ClientID) ([]Unit, error)
	// ListClients returns every client with at least one registered unit, sorted.
	ListClients(ctx context.Context) ([]ClientID, error)
}

// =============================================================================
// VIEW STORE
// =============================================================================

// ViewStore persists aggregated year views. Only aggview writes here.
type ViewStore interface {
	// GetView returns ErrViewNotFound when the view was never built.
	GetView(ctx context.Context, clientID ClientID, year int) (YearView, error)
	SaveView(ctx context.Context, view YearView) error

	MarkStale(ctx context.Context, clientID ClientID, year int, marks []StaleMark) error
	// ClearStale removes markers of a unit for the given periods (all when empty).
	// An empty unitID clears every marker of the view.
	ClearStale(ctx context.Context, clientID ClientID, year int, unitID UnitID, periods []BillingPeriod) error
	ListStale(ctx context.Context, clientID ClientID, year int) ([]StaleMark, error)
}

// =============================================================================
// COMBINED + TRANSACTIONAL STORE
// =============================================================================

type Store interface {
	BillStore
	CreditStore
	UnitStore
	ViewStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
