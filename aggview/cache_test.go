package aggview_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/utility-ledger/aggview"
	"github.com/warp/utility-ledger/billing"
	"github.com/warp/utility-ledger/billing/store"
)

// flakyStore fails SaveView while saveViewErr is set.
type flakyStore struct {
	*store.Memory
	saveViewErr error
}

func (f *flakyStore) SaveView(ctx context.Context, v billing.YearView) error {
	if f.saveViewErr != nil {
		return f.saveViewErr
	}
	return f.Memory.SaveView(ctx, v)
}

func seed(t *testing.T, s billing.Store, unit billing.UnitID, period billing.BillingPeriod, charge billing.Money) {
	t.Helper()
	require.NoError(t, s.InsertBill(context.Background(), billing.Bill{
		ClientID: "client-1", UnitID: unit, Period: period, FiscalYear: period.Year(),
		DueDate: period.Start().AddDate(0, 0, 14), BaseCharge: charge, TotalAmount: charge,
	}))
}

func pay(t *testing.T, s billing.Store, unit billing.UnitID, period billing.BillingPeriod, amount billing.Money) {
	t.Helper()
	ctx := context.Background()
	b, err := s.GetBill(ctx, billing.BillKey{ClientID: "client-1", UnitID: unit, Period: period})
	require.NoError(t, err)
	b.PaidAmount += amount
	b.Payments = append(b.Payments, billing.PaymentEntry{TransactionID: "TX", Amount: amount, AppliedAt: time.Now()})
	require.NoError(t, s.UpdateBills(ctx, []billing.Bill{b}))
}

func newCache(s billing.Store, failures *int) *aggview.Cache {
	return aggview.New(s, aggview.WithFailureHook(func(billing.ClientID) {
		if failures != nil {
			*failures++
		}
	}))
}

// =============================================================================
// BUILD
// =============================================================================

func TestRebuildFull_RollsUpEveryLevel(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seed(t, s, "unit-1", "2025-01", 1000)
	seed(t, s, "unit-1", "2025-02", 2000)
	seed(t, s, "unit-2", "2025-01", 500)
	seed(t, s, "unit-2", "2024-12", 9999) // other fiscal year
	pay(t, s, "unit-1", "2025-01", 1000)
	pay(t, s, "unit-2", "2025-01", 200)
	require.NoError(t, s.SaveCredit(ctx,
		billing.CreditBalance{ClientID: "client-1", UnitID: "unit-3", FiscalYear: 2025, Balance: 700},
		billing.CreditEntry{ClientID: "client-1", UnitID: "unit-3", FiscalYear: 2025, Amount: 700, Type: billing.CreditOverpayment}))

	v, err := newCache(s, nil).RebuildFull(ctx, "client-1", 2025)
	require.NoError(t, err)

	assert.Equal(t, 3, v.Totals.Units, "unit-3 appears through its credit")
	assert.Equal(t, 3, v.Totals.Bills)
	assert.Equal(t, billing.Money(3500), v.Totals.Charge)
	assert.Equal(t, billing.Money(1200), v.Totals.Paid)
	assert.Equal(t, billing.Money(2300), v.Totals.Unpaid)
	assert.Equal(t, billing.Money(700), v.Totals.Credit)

	jan := v.Periods["2025-01"]
	assert.Equal(t, 1, jan.PaidCount)
	assert.Equal(t, 1, jan.PartialCount)
	assert.Equal(t, billing.Money(1500), jan.Charge)

	assert.Equal(t, billing.Money(2000), v.Units["unit-1"].Unpaid)
	assert.Equal(t, billing.StatusPartial, v.Units["unit-2"].Cells["2025-01"].Status)
	assert.NotContains(t, v.Periods, billing.BillingPeriod("2024-12"))
}

// =============================================================================
// PATCH == REBUILD
// =============================================================================

func TestPatchUnit_MatchesFullRebuild(t *testing.T) {
	// GIVEN: A built view
	// WHEN: Bills of one unit change and only that unit is patched
	// THEN: The patched view equals a full rebuild

	ctx := context.Background()
	s := store.NewMemory()
	seed(t, s, "unit-1", "2025-01", 1000)
	seed(t, s, "unit-1", "2025-02", 2000)
	seed(t, s, "unit-2", "2025-01", 500)
	c := newCache(s, nil)
	_, err := c.RebuildFull(ctx, "client-1", 2025)
	require.NoError(t, err)

	pay(t, s, "unit-1", "2025-01", 1000)
	pay(t, s, "unit-1", "2025-02", 300)
	seed(t, s, "unit-1", "2025-03", 400)

	require.NoError(t, c.PatchUnit(ctx, "client-1", 2025, "unit-1", nil))
	patched, err := s.GetView(ctx, "client-1", 2025)
	require.NoError(t, err)

	rebuilt, err := c.RebuildFull(ctx, "client-1", 2025)
	require.NoError(t, err)

	assert.Equal(t, rebuilt.Units, patched.Units)
	assert.Equal(t, rebuilt.Periods, patched.Periods)
	assert.Equal(t, rebuilt.Totals, patched.Totals)
}

func TestPatchUnit_SelectedPeriods(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seed(t, s, "unit-1", "2025-01", 1000)
	seed(t, s, "unit-1", "2025-02", 2000)
	c := newCache(s, nil)
	_, err := c.RebuildFull(ctx, "client-1", 2025)
	require.NoError(t, err)

	pay(t, s, "unit-1", "2025-02", 2000)
	require.NoError(t, c.PatchUnit(ctx, "client-1", 2025, "unit-1", []billing.BillingPeriod{"2025-02"}))

	v, err := s.GetView(ctx, "client-1", 2025)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaid, v.Units["unit-1"].Cells["2025-02"].Status)
	assert.Equal(t, billing.StatusUnpaid, v.Units["unit-1"].Cells["2025-01"].Status)
	assert.Equal(t, billing.Money(1000), v.Totals.Unpaid)
}

func TestPatchUnit_MissingViewBuildsInFull(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seed(t, s, "unit-1", "2025-01", 1000)
	seed(t, s, "unit-2", "2025-01", 2000)

	require.NoError(t, newCache(s, nil).PatchUnit(ctx, "client-1", 2025, "unit-1", nil))
	v, err := s.GetView(ctx, "client-1", 2025)
	require.NoError(t, err)
	assert.Len(t, v.Units, 2)
}

// =============================================================================
// FAILURE POLICY
// =============================================================================

func TestRefresh_FailureIsSwallowedAndHealsOnRead(t *testing.T) {
	ctx := context.Background()
	s := &flakyStore{Memory: store.NewMemory()}
	seed(t, s, "unit-1", "2025-01", 1000)
	failures := 0
	c := newCache(s, &failures)
	_, err := c.RebuildFull(ctx, "client-1", 2025)
	require.NoError(t, err)

	pay(t, s, "unit-1", "2025-01", 1000)
	s.saveViewErr = errors.New("view table locked")

	err = c.Refresh(ctx, "client-1", 2025, "unit-1", []billing.BillingPeriod{"2025-01"})
	var patchErr *billing.CachePatchError
	require.ErrorAs(t, err, &patchErr)
	assert.ErrorIs(t, err, billing.ErrCachePatch)
	assert.Equal(t, 1, failures)

	marks, err := s.ListStale(ctx, "client-1", 2025)
	require.NoError(t, err)
	require.Len(t, marks, 1)
	assert.Equal(t, billing.BillingPeriod("2025-01"), marks[0].Period)

	// While the store keeps failing, reads flag the cell.
	v, err := c.View(ctx, "client-1", 2025)
	require.NoError(t, err)
	cell := v.Units["unit-1"].Cells["2025-01"]
	assert.True(t, cell.Stale)
	assert.Equal(t, billing.StatusUnpaid, cell.Status, "old value")

	// Once it recovers, the next read heals.
	s.saveViewErr = nil
	v, err = c.View(ctx, "client-1", 2025)
	require.NoError(t, err)
	cell = v.Units["unit-1"].Cells["2025-01"]
	assert.False(t, cell.Stale)
	assert.Equal(t, billing.StatusPaid, cell.Status)

	marks, err = s.ListStale(ctx, "client-1", 2025)
	require.NoError(t, err)
	assert.Empty(t, marks)
}

func TestView_BuildsWhenMissing(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seed(t, s, "unit-1", "2025-01", 1000)

	v, err := newCache(s, nil).View(ctx, "client-1", 2025)
	require.NoError(t, err)
	assert.Equal(t, billing.Money(1000), v.Totals.Unpaid)
	assert.False(t, v.BuiltAt.IsZero())
}
