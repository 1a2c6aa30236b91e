package cascade_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/utility-ledger/billing"
	"github.com/warp/utility-ledger/billing/store"
	"github.com/warp/utility-ledger/cascade"
	"github.com/warp/utility-ledger/credit"
	"github.com/warp/utility-ledger/policy"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fixture struct {
	store  *store.TxMemory
	ledger *credit.Ledger
	engine *cascade.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewTxMemory()
	require.NoError(t, s.SaveUnit(context.Background(), billing.Unit{ClientID: "client-1", ID: "unit-1", Name: "Unit 1"}))
	ledger := credit.NewLedger(s)
	return &fixture{
		store:  s,
		ledger: ledger,
		engine: cascade.NewEngine(ledger, policy.NewRegistry(policy.Default()), nil),
	}
}

func (f *fixture) bill(t *testing.T, period billing.BillingPeriod, charge billing.Money) billing.Bill {
	t.Helper()
	b := billing.Bill{
		ClientID: "client-1", UnitID: "unit-1", Period: period, FiscalYear: period.Year(),
		DueDate: period.Start().AddDate(0, 0, 14), BaseCharge: charge, TotalAmount: charge,
	}
	require.NoError(t, f.store.InsertBill(context.Background(), b))
	return b
}

func payment(id billing.TransactionID, amount billing.Money) billing.Transaction {
	return billing.Transaction{
		ID: id, ClientID: "client-1", UnitID: "unit-1", Amount: amount,
		Date: time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) get(t *testing.T, period billing.BillingPeriod) billing.Bill {
	t.Helper()
	b, err := f.store.GetBill(context.Background(), billing.BillKey{ClientID: "client-1", UnitID: "unit-1", Period: period})
	require.NoError(t, err)
	return b
}

func (f *fixture) credit(t *testing.T) billing.Money {
	t.Helper()
	bal, err := f.ledger.Balance(context.Background(), "client-1", "unit-1", 2025)
	require.NoError(t, err)
	return bal.Balance
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestApply_OldestFirstCascade(t *testing.T) {
	// GIVEN: Two unpaid bills, 31027 (Jan) and 65000 (Feb)
	// WHEN: A payment of 91430 arrives
	// THEN: Jan is paid in full, Feb receives 60403 and stays partial, no credit

	ctx := context.Background()
	f := newFixture(t)
	f.bill(t, "2025-02", 65000)
	f.bill(t, "2025-01", 31027)

	res, err := f.engine.Apply(ctx, f.store, payment("TX-1", 91430))
	require.NoError(t, err)

	require.Len(t, res.Allocations, 2)
	assert.Equal(t, billing.BillingPeriod("2025-01"), res.Allocations[0].Period)
	assert.Equal(t, billing.Money(31027), res.Allocations[0].Amount)
	assert.Equal(t, billing.StatusPaid, res.Allocations[0].Status)
	assert.Equal(t, billing.Money(60403), res.Allocations[1].Amount)
	assert.Equal(t, billing.StatusPartial, res.Allocations[1].Status)
	assert.Equal(t, billing.Money(4597), res.Allocations[1].OwedAfter)
	assert.Equal(t, billing.Money(0), res.CreditDelta)

	jan, feb := f.get(t, "2025-01"), f.get(t, "2025-02")
	assert.Equal(t, billing.StatusPaid, jan.Status())
	assert.Equal(t, billing.Money(60403), feb.PaidAmount)
	require.NoError(t, jan.Validate())
	require.NoError(t, feb.Validate())
	assert.Equal(t, billing.Money(0), f.credit(t))
}

func TestApply_OverpaymentWithNoBillsDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.engine.Apply(ctx, f.store, payment("TX-1", 10000))
	require.NoError(t, err)
	assert.Empty(t, res.Allocations)
	assert.Equal(t, billing.Money(10000), res.CreditDelta)
	assert.Equal(t, billing.Money(10000), res.CreditAfter)

	h, err := f.ledger.History(ctx, "client-1", "unit-1", 2025, "TX-1")
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, billing.CreditOverpayment, h[0].Type)
}

func TestApply_InsufficientFundsForOldestBill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.bill(t, "2025-01", 50000)
	f.bill(t, "2025-02", 50000)

	res, err := f.engine.Apply(ctx, f.store, payment("TX-1", 20000))
	require.NoError(t, err)
	require.Len(t, res.Allocations, 1)
	assert.Equal(t, billing.StatusPartial, f.get(t, "2025-01").Status())
	assert.Equal(t, billing.StatusUnpaid, f.get(t, "2025-02").Status())
	assert.Equal(t, billing.Money(0), res.CreditDelta)
}

func TestApply_ConsumesPriorCredit(t *testing.T) {
	// GIVEN: 5000 of credit and an 8000 bill
	// WHEN: Paying 4000
	// THEN: The bill is paid, 4000 of credit is consumed with one credit_applied entry

	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.Apply(ctx, f.store, payment("TX-0", 5000))
	require.NoError(t, err)
	f.bill(t, "2025-03", 8000)

	res, err := f.engine.Apply(ctx, f.store, payment("TX-1", 4000))
	require.NoError(t, err)
	assert.Equal(t, billing.Money(8000), res.Applied)
	assert.Equal(t, billing.Money(-4000), res.CreditDelta)
	assert.Equal(t, billing.Money(5000), res.CreditBefore)
	assert.Equal(t, billing.Money(1000), res.CreditAfter)

	// Conservation
	assert.Equal(t, billing.Money(4000)+res.CreditBefore, res.Applied+res.CreditAfter)

	h, err := f.ledger.History(ctx, "client-1", "unit-1", 2025, "TX-1")
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, billing.CreditApplied, h[0].Type)
	assert.Equal(t, billing.StatusPaid, f.get(t, "2025-03").Status())
}

func paymentOn(id billing.TransactionID, amount billing.Money, date time.Time) billing.Transaction {
	p := payment(id, amount)
	p.Date = date
	return p
}

func (f *fixture) creditIn(t *testing.T, year int) billing.Money {
	t.Helper()
	bal, err := f.ledger.Balance(context.Background(), "client-1", "unit-1", year)
	require.NoError(t, err)
	return bal.Balance
}

func TestApply_ConsumesCreditAcrossFiscalYearBoundary(t *testing.T) {
	// GIVEN: 10000 overpaid on 2024-12-20 with no bills, then a 5000 bill for 2025-01
	// WHEN: 1 is paid on 2025-01-20
	// THEN: The bill is paid from the 2024 credit, which keeps the remaining 4999

	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.Apply(ctx, f.store, paymentOn("TX-0", 10000, time.Date(2024, time.December, 20, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	f.bill(t, "2025-01", 5000)

	res, err := f.engine.Apply(ctx, f.store, paymentOn("TX-1", 1, time.Date(2025, time.January, 20, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	assert.Equal(t, billing.StatusPaid, f.get(t, "2025-01").Status())
	assert.Equal(t, billing.Money(5000), res.Applied)
	assert.Equal(t, 2025, res.CreditFiscalYear)
	assert.Equal(t, billing.Money(10000), res.CreditBefore)
	assert.Equal(t, billing.Money(5001), res.CreditAfter)
	assert.Equal(t, billing.Money(1)+res.CreditBefore, res.Applied+res.CreditAfter)

	assert.Equal(t, billing.Money(5001), f.creditIn(t, 2024))
	assert.Equal(t, billing.Money(0), f.creditIn(t, 2025))
	require.Len(t, res.CreditMoves, 1)
	assert.Equal(t, cascade.CreditMove{FiscalYear: 2024, Amount: -4999, BalanceAfter: 5001}, res.CreditMoves[0])

	h, err := f.ledger.History(ctx, "client-1", "unit-1", 2024, "TX-1")
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, billing.CreditApplied, h[0].Type)
}

func TestApply_DrainsOldestFiscalYearFirst(t *testing.T) {
	// GIVEN: Credit of 3000 (2023), 4000 (2024), 2000 (2025) and 900 (2026), and an 8000 bill
	// WHEN: 500 is paid in 2025
	// THEN: 2023 and 2024 are emptied, 2025 gives 500 and 2026 is untouched

	ctx := context.Background()
	f := newFixture(t)
	for year, amount := range map[int]billing.Money{2023: 3000, 2024: 4000, 2025: 2000, 2026: 900} {
		_, err := f.ledger.Adjust(ctx, credit.Adjustment{
			ClientID: "client-1", UnitID: "unit-1", FiscalYear: year, Amount: amount,
			Type: billing.CreditAdjustment, Description: "opening balance",
		})
		require.NoError(t, err)
	}
	f.bill(t, "2025-02", 8000)

	res, err := f.engine.Apply(ctx, f.store, payment("TX-1", 500))
	require.NoError(t, err)

	assert.Equal(t, billing.Money(8000), res.Applied)
	assert.Equal(t, billing.Money(9000), res.CreditBefore)
	assert.Equal(t, billing.Money(1500), res.CreditAfter)
	assert.Equal(t, []cascade.CreditMove{
		{FiscalYear: 2023, Amount: -3000, BalanceAfter: 0},
		{FiscalYear: 2024, Amount: -4000, BalanceAfter: 0},
		{FiscalYear: 2025, Amount: -500, BalanceAfter: 1500},
	}, res.CreditMoves)
	assert.Equal(t, billing.Money(900), f.creditIn(t, 2026))

	entries, err := f.ledger.EntriesForTransaction(ctx, "client-1", "TX-1")
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestApply_ExactPaymentWritesNoCredit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.bill(t, "2025-01", 1200)

	res, err := f.engine.Apply(ctx, f.store, payment("TX-1", 1200))
	require.NoError(t, err)
	assert.Equal(t, billing.Money(0), res.CreditDelta)

	entries, err := f.ledger.EntriesForTransaction(ctx, "client-1", "TX-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// =============================================================================
// PRECONDITIONS
// =============================================================================

func TestApply_RejectsDuplicateTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.bill(t, "2025-01", 1000)

	_, err := f.engine.Apply(ctx, f.store, payment("TX-1", 400))
	require.NoError(t, err)

	_, err = f.engine.Apply(ctx, f.store, payment("TX-1", 400))
	assert.ErrorIs(t, err, billing.ErrDuplicateTransaction)
	assert.Equal(t, billing.Money(400), f.get(t, "2025-01").PaidAmount, "no effect")

	// Pure-credit transactions are duplicates too.
	_, err = f.engine.Apply(ctx, f.store, payment("TX-2", 5000))
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, f.store, payment("TX-2", 5000))
	assert.ErrorIs(t, err, billing.ErrDuplicateTransaction)
}

func TestApply_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.Apply(ctx, f.store, payment("TX-1", 0))
	assert.ErrorIs(t, err, billing.ErrValidation)

	p := payment("TX-2", 100)
	p.UnitID = "ghost"
	_, err = f.engine.Apply(ctx, f.store, p)
	assert.ErrorIs(t, err, billing.ErrUnitNotFound)
}

// =============================================================================
// ALLOCATION PLAN
// =============================================================================

func TestAllocate(t *testing.T) {
	bills := []billing.Bill{
		{Period: "2025-03", TotalAmount: 300},
		{Period: "2025-01", TotalAmount: 100, PaidAmount: 100},
		{Period: "2025-02", TotalAmount: 200, PaidAmount: 50},
	}

	steps := cascade.Allocate(250, bills)
	require.Len(t, steps, 2)
	assert.Equal(t, billing.BillingPeriod("2025-02"), steps[0].Bill.Period)
	assert.Equal(t, billing.Money(150), steps[0].Amount)
	assert.Equal(t, billing.Money(100), steps[1].Amount)

	assert.Empty(t, cascade.Allocate(0, bills))
}
