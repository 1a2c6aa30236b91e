package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/utility-ledger/billing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testBill(unit billing.UnitID, period billing.BillingPeriod, charge billing.Money) billing.Bill {
	return billing.Bill{
		ClientID: "client-1", UnitID: unit, Period: period, FiscalYear: period.Year(),
		DueDate:    period.Start().AddDate(0, 0, 14),
		BaseCharge: charge, TotalAmount: charge,
		CreatedAt: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// BILLS
// =============================================================================

func TestBills_InsertGetUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b := testBill("unit-1", "2025-01", 31027)
	require.NoError(t, s.InsertBill(ctx, b))
	assert.ErrorIs(t, s.InsertBill(ctx, b), billing.ErrBillExists)

	got, err := s.GetBill(ctx, b.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, billing.Money(31027), got.TotalAmount)
	assert.Equal(t, b.DueDate, got.DueDate)
	assert.Empty(t, got.Payments)

	applied := time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC)
	got.PaidAmount = 1000
	got.Payments = []billing.PaymentEntry{{TransactionID: "TX-1", Amount: 1000, AppliedAt: applied}}
	require.NoError(t, s.UpdateBills(ctx, []billing.Bill{got}))

	again, err := s.GetBill(ctx, b.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Version)
	assert.Equal(t, billing.StatusPartial, again.Status())
	require.Len(t, again.Payments, 1)
	assert.Equal(t, applied, again.Payments[0].AppliedAt)

	// Writing the stale copy conflicts.
	err = s.UpdateBills(ctx, []billing.Bill{got})
	var conflict *billing.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, billing.IsRetryable(err))

	_, err = s.GetBill(ctx, billing.BillKey{ClientID: "client-1", UnitID: "unit-1", Period: "2030-01"})
	assert.ErrorIs(t, err, billing.ErrBillNotFound)
}

func TestBills_Ordering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, b := range []billing.Bill{
		testBill("unit-2", "2025-02", 1),
		testBill("unit-1", "2025-03", 1),
		testBill("unit-1", "2025-01", 1),
		testBill("unit-1", "2024-12", 1),
	} {
		require.NoError(t, s.InsertBill(ctx, b))
	}

	unit, err := s.ListUnitBills(ctx, "client-1", "unit-1")
	require.NoError(t, err)
	require.Len(t, unit, 3)
	assert.Equal(t, billing.BillingPeriod("2024-12"), unit[0].Period)
	assert.Equal(t, billing.BillingPeriod("2025-03"), unit[2].Period)

	year, err := s.ListClientBills(ctx, "client-1", 2025)
	require.NoError(t, err)
	require.Len(t, year, 3)
	assert.Equal(t, billing.UnitID("unit-1"), year[0].UnitID)
	assert.Equal(t, billing.UnitID("unit-2"), year[2].UnitID)
}

func TestBills_FindByTransactionIncludesLegacyRows(t *testing.T) {
	// GIVEN: One bill paid by TX_1 and a legacy row whose payments list holds a bare id
	// WHEN: Searching by transaction
	// THEN: The LIKE wildcard in "TX_1" does not match "TXA1" and the legacy row is found
	ctx := context.Background()
	s := newTestStore(t)

	b := testBill("unit-1", "2025-01", 1000)
	require.NoError(t, s.InsertBill(ctx, b))
	b, _ = s.GetBill(ctx, b.Key())
	b.PaidAmount = 400
	b.Payments = []billing.PaymentEntry{{TransactionID: "TX_1", Amount: 400}}
	require.NoError(t, s.UpdateBills(ctx, []billing.Bill{b}))

	decoy := testBill("unit-1", "2025-02", 1000)
	require.NoError(t, s.InsertBill(ctx, decoy))
	decoy, _ = s.GetBill(ctx, decoy.Key())
	decoy.PaidAmount = 100
	decoy.Payments = []billing.PaymentEntry{{TransactionID: "TXA1", Amount: 100}}
	require.NoError(t, s.UpdateBills(ctx, []billing.Bill{decoy}))

	require.NoError(t, s.InsertBill(ctx, testBill("unit-2", "2025-01", 500)))
	_, err := s.db.ExecContext(ctx,
		`UPDATE bills SET paid_amount = 500, payments = '["LEGACY-9"]' WHERE unit_id = 'unit-2'`)
	require.NoError(t, err)

	found, err := s.FindBillsByTransaction(ctx, "client-1", "TX_1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, billing.BillingPeriod("2025-01"), found[0].Period)

	legacy, err := s.FindBillsByTransaction(ctx, "client-1", "LEGACY-9")
	require.NoError(t, err)
	require.Len(t, legacy, 1)
	require.Len(t, legacy[0].Payments, 1)
	assert.Equal(t, billing.Money(500), legacy[0].Payments[0].Amount)
}

// =============================================================================
// CREDIT
// =============================================================================

func TestCredit_SaveAndHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	bal, err := s.GetCredit(ctx, "client-1", "unit-1", 2025)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Version)

	bal.Balance = 5000
	require.NoError(t, s.SaveCredit(ctx, bal, billing.CreditEntry{
		UnitID: "unit-1", FiscalYear: 2025, TransactionID: "TX-1", Amount: 5000, Type: billing.CreditOverpayment,
	}))

	// Second creator of the same record loses.
	err = s.SaveCredit(ctx, bal, billing.CreditEntry{Amount: 1, Type: billing.CreditAdjustment})
	assert.ErrorIs(t, err, billing.ErrConcurrencyConflict)

	bal, err = s.GetCredit(ctx, "client-1", "unit-1", 2025)
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal.Version)
	assert.Equal(t, billing.Money(5000), bal.Balance)
	require.Len(t, bal.History, 1)
	assert.NotEmpty(t, bal.History[0].ID)

	bal.Balance = 1000
	require.NoError(t, s.SaveCredit(ctx, bal, billing.CreditEntry{
		TransactionID: "TX-2", Amount: -4000, Type: billing.CreditApplied,
	}))

	list, err := s.ListCredits(ctx, "client-1", 2025)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, billing.Money(1000), list[0].Balance)
	assert.Len(t, list[0].History, 2)

	entries, err := s.CreditEntriesByTransaction(ctx, "client-1", "TX-2")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, billing.Money(-4000), entries[0].Amount)
	assert.Equal(t, billing.UnitID("unit-1"), entries[0].UnitID)
}

func TestCredit_ListUnitCreditsOldestYearFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, c := range []billing.CreditBalance{
		{ClientID: "client-1", UnitID: "unit-1", FiscalYear: 2025, Balance: 200},
		{ClientID: "client-1", UnitID: "unit-1", FiscalYear: 2024, Balance: 100},
		{ClientID: "client-1", UnitID: "unit-2", FiscalYear: 2024, Balance: 999},
	} {
		require.NoError(t, s.SaveCredit(ctx, c, billing.CreditEntry{
			UnitID: c.UnitID, FiscalYear: c.FiscalYear, TransactionID: "TX-1", Amount: c.Balance, Type: billing.CreditOverpayment,
		}))
	}

	list, err := s.ListUnitCredits(ctx, "client-1", "unit-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 2024, list[0].FiscalYear)
	assert.Equal(t, billing.Money(100), list[0].Balance)
	require.Len(t, list[0].History, 1)
	assert.Equal(t, 2024, list[0].History[0].FiscalYear)
	assert.Equal(t, 2025, list[1].FiscalYear)
	assert.Equal(t, billing.Money(200), list[1].Balance)

	none, err := s.ListUnitCredits(ctx, "client-1", "ghost")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.InsertBill(ctx, testBill("unit-1", "2025-01", 1000)))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx billing.Store) error {
		b, err := tx.GetBill(ctx, billing.BillKey{ClientID: "client-1", UnitID: "unit-1", Period: "2025-01"})
		require.NoError(t, err)
		b.PaidAmount = 1000
		b.Payments = []billing.PaymentEntry{{TransactionID: "TX-1", Amount: 1000}}
		require.NoError(t, tx.UpdateBills(ctx, []billing.Bill{b}))
		require.NoError(t, tx.SaveCredit(ctx,
			billing.CreditBalance{ClientID: "client-1", UnitID: "unit-1", FiscalYear: 2025, Balance: 10},
			billing.CreditEntry{TransactionID: "TX-1", Amount: 10, Type: billing.CreditOverpayment}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	b, err := s.GetBill(ctx, billing.BillKey{ClientID: "client-1", UnitID: "unit-1", Period: "2025-01"})
	require.NoError(t, err)
	assert.Equal(t, billing.StatusUnpaid, b.Status())
	bal, err := s.GetCredit(ctx, "client-1", "unit-1", 2025)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Version)
}

// =============================================================================
// UNITS & VIEWS
// =============================================================================

func TestUnits(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveUnit(ctx, billing.Unit{ClientID: "client-1", ID: "unit-2", Name: "B"}))
	require.NoError(t, s.SaveUnit(ctx, billing.Unit{ClientID: "client-1", ID: "unit-1", Name: "A"}))
	require.NoError(t, s.SaveUnit(ctx, billing.Unit{ClientID: "client-1", ID: "unit-1", Name: "A2"}))

	u, err := s.GetUnit(ctx, "client-1", "unit-1")
	require.NoError(t, err)
	assert.Equal(t, "A2", u.Name)

	units, err := s.ListUnits(ctx, "client-1")
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, billing.UnitID("unit-1"), units[0].ID)

	_, err = s.GetUnit(ctx, "client-1", "ghost")
	assert.ErrorIs(t, err, billing.ErrUnitNotFound)

	require.NoError(t, s.SaveUnit(ctx, billing.Unit{ClientID: "client-0", ID: "unit-9", Name: "C"}))
	clients, err := s.ListClients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []billing.ClientID{"client-0", "client-1"}, clients)
}

func TestViews_AndStaleMarkers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetView(ctx, "client-1", 2025)
	assert.ErrorIs(t, err, billing.ErrViewNotFound)

	v := billing.YearView{
		ClientID: "client-1",
		Year:     2025,
		Units: map[billing.UnitID]billing.UnitSummary{
			"unit-1": {UnitID: "unit-1", Cells: map[billing.BillingPeriod]billing.ViewCell{
				"2025-01": {UnitID: "unit-1", Period: "2025-01", Charge: 100, Total: 100, Unpaid: 100, Status: billing.StatusUnpaid},
			}, Charge: 100, Unpaid: 100},
		},
		Periods: map[billing.BillingPeriod]billing.PeriodTotals{"2025-01": {Period: "2025-01", Charge: 100, Unpaid: 100, UnpaidCount: 1}},
		Totals:  billing.YearTotals{Charge: 100, Unpaid: 100, Units: 1, Bills: 1},
	}
	require.NoError(t, s.SaveView(ctx, v))
	got, err := s.GetView(ctx, "client-1", 2025)
	require.NoError(t, err)
	assert.Equal(t, v.Units, got.Units)
	assert.Equal(t, v.Totals, got.Totals)

	now := time.Now()
	require.NoError(t, s.MarkStale(ctx, "client-1", 2025, []billing.StaleMark{
		{UnitID: "unit-1", Period: "2025-01", Reason: "x", MarkedAt: now},
		{UnitID: "unit-1", Period: "2025-02", Reason: "x", MarkedAt: now},
		{UnitID: "unit-2", Period: "", Reason: "y", MarkedAt: now},
	}))
	require.NoError(t, s.ClearStale(ctx, "client-1", 2025, "unit-1", []billing.BillingPeriod{"2025-01"}))

	marks, err := s.ListStale(ctx, "client-1", 2025)
	require.NoError(t, err)
	require.Len(t, marks, 2)
	assert.Equal(t, billing.BillingPeriod("2025-02"), marks[0].Period)

	require.NoError(t, s.ClearStale(ctx, "client-1", 2025, "", nil))
	marks, err = s.ListStale(ctx, "client-1", 2025)
	require.NoError(t, err)
	assert.Empty(t, marks)
}

// =============================================================================
// SQL FAILURE PATHS (sqlmock)
// =============================================================================

func TestUpdateBills_VersionMismatchIsConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewFromDB(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE bills SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM bills").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectRollback()

	err = s.UpdateBills(context.Background(), []billing.Bill{testBill("unit-1", "2025-01", 100)})
	assert.ErrorIs(t, err, billing.ErrConcurrencyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateBills_MissingRowIsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewFromDB(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE bills SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM bills").WillReturnRows(sqlmock.NewRows([]string{"1"}))
	mock.ExpectRollback()

	err = s.UpdateBills(context.Background(), []billing.Bill{testBill("unit-1", "2025-01", 100)})
	assert.ErrorIs(t, err, billing.ErrBillNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCredit_DriverErrorRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewFromDB(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE credits SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO credit_entries").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = s.SaveCredit(context.Background(),
		billing.CreditBalance{ClientID: "client-1", UnitID: "unit-1", FiscalYear: 2025, Balance: 10, Version: 3},
		billing.CreditEntry{Amount: 10, Type: billing.CreditAdjustment})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}
