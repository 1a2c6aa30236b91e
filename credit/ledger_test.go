package credit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/utility-ledger/billing"
	"github.com/warp/utility-ledger/billing/store"
	"github.com/warp/utility-ledger/credit"
)

func adjustment(amount billing.Money, typ billing.CreditEntryType, tx billing.TransactionID) credit.Adjustment {
	return credit.Adjustment{
		ClientID: "client-1", UnitID: "unit-1", FiscalYear: 2025,
		Amount: amount, Type: typ, TransactionID: tx,
	}
}

func TestLedger_AdjustAppendsOneEntryPerCall(t *testing.T) {
	ctx := context.Background()
	l := credit.NewLedger(store.NewTxMemory())

	bal, err := l.Adjust(ctx, adjustment(10000, billing.CreditOverpayment, "tx-1"))
	require.NoError(t, err)
	assert.Equal(t, billing.Money(10000), bal.Balance)
	require.Len(t, bal.History, 1)
	assert.NotEmpty(t, bal.History[0].ID)

	bal, err = l.Adjust(ctx, adjustment(-4000, billing.CreditApplied, "tx-2"))
	require.NoError(t, err)
	assert.Equal(t, billing.Money(6000), bal.Balance)

	stored, err := l.Balance(ctx, "client-1", "unit-1", 2025)
	require.NoError(t, err)
	assert.Equal(t, billing.Money(6000), stored.Balance)
	require.Len(t, stored.History, 2)

	var sum billing.Money
	for _, e := range stored.History {
		sum += e.Amount
	}
	assert.Equal(t, stored.Balance, sum, "balance equals history sum")
}

func TestLedger_RejectsOverdraft(t *testing.T) {
	// GIVEN: A balance of 500
	// WHEN: Consuming 501
	// THEN: InsufficientCreditError and nothing written

	ctx := context.Background()
	l := credit.NewLedger(store.NewTxMemory())
	_, err := l.Adjust(ctx, adjustment(500, billing.CreditOverpayment, "tx-1"))
	require.NoError(t, err)

	_, err = l.Adjust(ctx, adjustment(-501, billing.CreditApplied, "tx-2"))
	var insufficient *billing.InsufficientCreditError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, billing.Money(500), insufficient.Balance)
	assert.Equal(t, billing.Money(501), insufficient.Requested)

	bal, err := l.Balance(ctx, "client-1", "unit-1", 2025)
	require.NoError(t, err)
	assert.Equal(t, billing.Money(500), bal.Balance)
	assert.Len(t, bal.History, 1)
}

func TestLedger_RejectsZeroAdjustment(t *testing.T) {
	l := credit.NewLedger(store.NewTxMemory())
	_, err := l.Adjust(context.Background(), adjustment(0, billing.CreditAdjustment, ""))
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestLedger_HistoryFilters(t *testing.T) {
	ctx := context.Background()
	s := store.NewTxMemory()
	l := credit.NewLedger(s)

	_, err := l.Adjust(ctx, adjustment(300, billing.CreditOverpayment, "tx-1"))
	require.NoError(t, err)
	_, err = l.Adjust(ctx, adjustment(200, billing.CreditOverpayment, "tx-2"))
	require.NoError(t, err)
	other := adjustment(700, billing.CreditOverpayment, "tx-1")
	other.UnitID = "unit-2"
	other.FiscalYear = 2026
	_, err = l.Adjust(ctx, other)
	require.NoError(t, err)

	h, err := l.History(ctx, "client-1", "unit-1", 2025, "tx-1")
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, billing.Money(300), h[0].Amount)

	all, err := l.History(ctx, "client-1", "unit-1", 2025, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	spanning, err := l.EntriesForTransaction(ctx, "client-1", "tx-1")
	require.NoError(t, err)
	assert.Len(t, spanning, 2)
}

func TestNetByAccount(t *testing.T) {
	entries := []billing.CreditEntry{
		{UnitID: "u1", FiscalYear: 2025, Amount: 100, Type: billing.CreditOverpayment},
		{UnitID: "u1", FiscalYear: 2025, Amount: -100, Type: billing.ReversalOf(billing.CreditOverpayment)},
		{UnitID: "u1", FiscalYear: 2025, Amount: 100, Type: billing.CreditReversalRollback},
		{UnitID: "u2", FiscalYear: 2024, Amount: -40, Type: billing.CreditApplied},
		{UnitID: "u3", FiscalYear: 2025, Amount: 5, Type: billing.CreditOverpayment},
		{UnitID: "u3", FiscalYear: 2025, Amount: -5, Type: billing.ReversalOf(billing.CreditOverpayment)},
	}

	nets := credit.NetByAccount(entries)
	require.Len(t, nets, 2)
	assert.Equal(t, credit.Net{Account: credit.Account{UnitID: "u1", FiscalYear: 2025}, Amount: 100}, nets[0])
	assert.Equal(t, credit.Net{Account: credit.Account{UnitID: "u2", FiscalYear: 2024}, Amount: -40}, nets[1])
}
